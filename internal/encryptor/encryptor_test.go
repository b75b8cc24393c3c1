package encryptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("correct horse")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte(`{"access_token":"ya29"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "ya29")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"ya29"}`, string(plain))
}

func TestOpenWithWrongPassphrase(t *testing.T) {
	a, err := NewSealer("one")
	require.NoError(t, err)
	b, err := NewSealer("two")
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorContains(t, err, "decryption failed")

	_, err = a.Open(sealed[:10])
	assert.Error(t, err)
}

func TestNewSealerRequiresPassphrase(t *testing.T) {
	_, err := NewSealer("")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/MediaRelay/internal/encryptor"
	"github.com/jaywantadh/MediaRelay/internal/metadata"
)

// expiryDelta treats tokens as expired slightly early so a token does not
// lapse between being handed out and reaching the destination.
const expiryDelta = 30 * time.Second

var (
	ErrNoCredentials = errors.New("no credentials stored")
	ErrTokenExpired  = errors.New("access token expired")
)

// Token is an OAuth access token as persisted by the credential store.
// Acquiring and refreshing it happens outside this module.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Valid reports whether the token can still be presented at now.
func (t Token) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || now.Before(t.Expiry.Add(-expiryDelta))
}

// TokenSupplier hands out bearer tokens. Implementations must be safe for
// concurrent use by independent transfers.
type TokenSupplier interface {
	BearerToken(ctx context.Context) (string, error)
}

// StaticToken supplies a fixed bearer token.
type StaticToken string

func (s StaticToken) BearerToken(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredentials
	}
	return string(s), nil
}

// CredentialStore persists tokens per account.
type CredentialStore interface {
	Load(account string) (Token, error)
	Save(account string, tok Token) error
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (m *MemoryStore) Load(account string) (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tok, ok := m.tokens[account]
	if !ok {
		return Token{}, ErrNoCredentials
	}
	return tok, nil
}

func (m *MemoryStore) Save(account string, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[account] = tok
	return nil
}

type blobStore interface {
	PutCredential(account string, blob []byte) error
	GetCredential(account string) ([]byte, error)
}

// SealedStore persists tokens in the metadata store, sealed with a
// passphrase-derived key. A nil sealer stores plain JSON.
type SealedStore struct {
	blobs  blobStore
	sealer encryptor.Sealer
}

func NewSealedStore(blobs blobStore, sealer encryptor.Sealer) *SealedStore {
	return &SealedStore{blobs: blobs, sealer: sealer}
}

func (s *SealedStore) Load(account string) (Token, error) {
	blob, err := s.blobs.GetCredential(account)
	if errors.Is(err, metadata.ErrNotFound) {
		return Token{}, ErrNoCredentials
	}
	if err != nil {
		return Token{}, fmt.Errorf("loading credential for %q: %w", account, err)
	}

	if s.sealer != nil {
		if blob, err = s.sealer.Open(blob); err != nil {
			return Token{}, fmt.Errorf("opening credential for %q: %w", account, err)
		}
	}

	var tok Token
	if err := json.Unmarshal(blob, &tok); err != nil {
		return Token{}, fmt.Errorf("decoding credential for %q: %w", account, err)
	}
	return tok, nil
}

func (s *SealedStore) Save(account string, tok Token) error {
	blob, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if s.sealer != nil {
		if blob, err = s.sealer.Seal(blob); err != nil {
			return fmt.Errorf("sealing credential for %q: %w", account, err)
		}
	}
	return s.blobs.PutCredential(account, blob)
}

// StoreSupplier serves the token stored for one account, caching it until it
// expires. Expired tokens are reported, not refreshed.
type StoreSupplier struct {
	store   CredentialStore
	account string
	now     func() time.Time

	mu     sync.RWMutex
	cached Token
}

func NewStoreSupplier(store CredentialStore, account string) *StoreSupplier {
	return &StoreSupplier{store: store, account: account, now: time.Now}
}

func (s *StoreSupplier) BearerToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	tok := s.cached
	s.mu.RUnlock()
	if tok.Valid(s.now()) {
		return tok.AccessToken, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// another caller may have reloaded while we waited
	if s.cached.Valid(s.now()) {
		return s.cached.AccessToken, nil
	}

	tok, err := s.store.Load(s.account)
	if err != nil {
		return "", err
	}
	if !tok.Valid(s.now()) {
		return "", ErrTokenExpired
	}
	s.cached = tok
	return tok.AccessToken, nil
}

package transfer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfirmedRange(t *testing.T) {
	tests := []struct {
		header  string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"bytes=0-0", 1, false},
		{"bytes=0-4999999", 5_000_000, false},
		{"bytes=0-7999999", 8_000_000, false},
		{"0-41", 42, false},
		{"bytes=5-10", 0, true},
		{"bytes=0-", 0, true},
		{"bytes=abc", 0, true},
		{"bytes=0--1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := parseConfirmedRange(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeHeaders(t *testing.T) {
	assert.Equal(t, "bytes 8000000-15999999/20000000", contentRange(8_000_000, 15_999_999, 20_000_000))
	assert.Equal(t, "bytes */20000000", probeContentRange(20_000_000))
	assert.Equal(t, "bytes=0-7999999", sourceRange(0, 7_999_999))

	start, ok := parseContentRangeStart("bytes 100-199/1000")
	assert.True(t, ok)
	assert.Equal(t, int64(100), start)

	_, ok = parseContentRangeStart("items 1-2/3")
	assert.False(t, ok)
}

func TestStartTransferRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     StartTransferRequest
		wantErr bool
	}{
		{"valid", StartTransferRequest{SourceURL: "https://cdn.example.com/a.mp4"}, false},
		{"valid with metadata", StartTransferRequest{SourceURL: "http://cdn.example.com/a.mp4", Metadata: json.RawMessage(`{"snippet":{}}`)}, false},
		{"missing url", StartTransferRequest{}, true},
		{"relative url", StartTransferRequest{SourceURL: "/a.mp4"}, true},
		{"ftp url", StartTransferRequest{SourceURL: "ftp://cdn.example.com/a.mp4"}, true},
		{"bad metadata", StartTransferRequest{SourceURL: "https://cdn.example.com/a.mp4", Metadata: json.RawMessage(`{`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWriteErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorResponse(rec, http.StatusNotFound, "Transfer not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Not Found", body.Error)
	assert.Equal(t, "Transfer not found", body.Message)
	assert.Equal(t, http.StatusNotFound, body.Code)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusInit.Terminal())
	assert.False(t, StatusTransferring.Terminal())
}

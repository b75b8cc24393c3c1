package transfer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// API version and base path
const (
	APIVersion = "v1"
	BasePath   = "/api/" + APIVersion + "/transfers"
)

// Status is the lifecycle state of a transfer session.
type Status string

const (
	StatusInit         Status = "INIT"
	StatusSessionOpen  Status = "SESSION_OPEN"
	StatusTransferring Status = "TRANSFERRING"
	StatusComplete     Status = "COMPLETE"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// ChunkStatus is the state of one chunk within a session.
type ChunkStatus string

const (
	ChunkPending          ChunkStatus = "PENDING"
	ChunkFetched          ChunkStatus = "FETCHED"
	ChunkAcked            ChunkStatus = "ACKED"
	ChunkRetryableFailure ChunkStatus = "RETRYABLE_FAILURE"
	ChunkFatalFailure     ChunkStatus = "FATAL_FAILURE"
)

// Resumable upload protocol headers
const (
	HeaderAuthorization       = "Authorization"
	HeaderContentRange        = "Content-Range"
	HeaderRange               = "Range"
	HeaderLocation            = "Location"
	HeaderUploadContentLength = "X-Upload-Content-Length"
	HeaderUploadContentType   = "X-Upload-Content-Type"

	// StatusResumeIncomplete is the destination's "more bytes expected" reply.
	StatusResumeIncomplete = http.StatusPermanentRedirect
)

func contentRange(start, end, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}

func probeContentRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

func sourceRange(start, end int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// parseConfirmedRange turns the Range header of a 308 reply into the next
// byte offset the destination expects. An absent header means nothing has
// been received yet.
func parseConfirmedRange(header string) (int64, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil
	}
	rng := strings.TrimPrefix(header, "bytes=")
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start != 0 {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < 0 {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}
	return end + 1, nil
}

// parseContentRangeStart returns the first byte of a "bytes start-end/total"
// response header.
func parseContentRangeStart(header string) (int64, bool) {
	rng, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	return start, err == nil
}

// StartTransferRequest asks the server to relay a source asset.
type StartTransferRequest struct {
	SourceURL string          `json:"source_url"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// StartTransferResponse acknowledges an accepted transfer.
type StartTransferResponse struct {
	TransferID string    `json:"transfer_id"`
	Status     Status    `json:"status"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TransferStatusResponse represents the current status of a transfer
type TransferStatusResponse struct {
	TransferID      string    `json:"transfer_id"`
	SourceURL       string    `json:"source_url,omitempty"`
	Status          Status    `json:"status"`
	ChunksAcked     int       `json:"chunks_acked"`
	BytesConfirmed  int64     `json:"bytes_confirmed"`
	TotalBytes      int64     `json:"total_bytes"`
	ProgressPercent float64   `json:"progress_percent"`
	AssetID         string    `json:"asset_id,omitempty"`
	Message         string    `json:"message,omitempty"`
	LastUpdated     time.Time `json:"last_updated"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}

// Validate checks the request before any network call is made.
func (req *StartTransferRequest) Validate() error {
	if req.SourceURL == "" {
		return fmt.Errorf("source_url is required")
	}
	u, err := url.Parse(req.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source_url must be an absolute http(s) URL")
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return fmt.Errorf("metadata must be valid JSON")
	}
	return nil
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100.0
}

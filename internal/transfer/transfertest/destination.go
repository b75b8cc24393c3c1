// Package transfertest provides in-memory HTTP endpoints for exercising the
// transfer engine: a destination speaking the resumable upload protocol and a
// byte-range source.
package transfertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// SessionPath is where the destination opens sessions. Sessions live under
// /session/{n}.
const SessionPath = "/upload"

// Fault replaces the destination's answer to the next data PUT. Keep bytes of
// the chunk are stored before replying; -1 keeps the whole chunk, which models
// an acknowledgement lost in transit.
type Fault struct {
	Status int
	Keep   int64
}

// Request is one request the destination received.
type Request struct {
	Method       string
	Path         string
	ContentRange string
	Length       int
}

// Probe reports whether the request was a zero-byte status probe.
func (r Request) Probe() bool {
	return r.Method == http.MethodPut && strings.HasPrefix(r.ContentRange, "bytes */")
}

type session struct {
	total       int64
	contentType string
	metadata    json.RawMessage
	data        []byte
}

// Destination is a resumable upload endpoint backed by memory. Uploads must
// be contiguous: a chunk that does not start at the stored length is refused.
type Destination struct {
	// Token, when set, must be presented as a bearer token.
	Token string
	// AssetID is returned as "id" in the completion body.
	AssetID string

	mu       sync.Mutex
	onChunk  func(start, end int64)
	sessions []*session
	faults   []Fault
	requests []Request
}

func NewDestination(token, assetID string) *Destination {
	return &Destination{Token: token, AssetID: assetID}
}

// Start serves the destination on a local test server. Close it when done.
func (d *Destination) Start() *httptest.Server {
	return httptest.NewServer(d)
}

// OnChunk registers fn to be called after a data PUT was stored and before it
// is answered. nil removes the hook.
func (d *Destination) OnChunk(fn func(start, end int64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChunk = fn
}

// Fail queues faults for the next data PUTs, in order.
func (d *Destination) Fail(faults ...Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = append(d.faults, faults...)
}

// Requests returns every request received so far.
func (d *Destination) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// Uploads returns the Content-Range of every data PUT, in order.
func (d *Destination) Uploads() []string {
	var out []string
	for _, r := range d.Requests() {
		if r.Method == http.MethodPut && !r.Probe() {
			out = append(out, r.ContentRange)
		}
	}
	return out
}

// Count returns how many requests matched fn.
func (d *Destination) Count(fn func(Request) bool) int {
	n := 0
	for _, r := range d.Requests() {
		if fn(r) {
			n++
		}
	}
	return n
}

// Sessions returns how many sessions were opened.
func (d *Destination) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Received returns the bytes stored for session n (starting at 0).
func (d *Destination) Received(n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.sessions) {
		return nil
	}
	return append([]byte(nil), d.sessions[n].data...)
}

// Metadata returns the JSON document session n was opened with.
func (d *Destination) Metadata(n int) json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.sessions) {
		return nil
	}
	return d.sessions[n].metadata
}

// ContentType returns the X-Upload-Content-Type session n was opened with.
func (d *Destination) ContentType(n int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.sessions) {
		return ""
	}
	return d.sessions[n].contentType
}

func (d *Destination) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.requests = append(d.requests, Request{
		Method:       r.Method,
		Path:         r.URL.Path,
		ContentRange: r.Header.Get("Content-Range"),
		Length:       len(body),
	})
	d.mu.Unlock()

	if d.Token != "" && r.Header.Get("Authorization") != "Bearer "+d.Token {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == SessionPath:
		d.open(w, r, body)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/session/"):
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/session/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		d.put(w, r, n, body)
	default:
		http.NotFound(w, r)
	}
}

func (d *Destination) open(w http.ResponseWriter, r *http.Request, body []byte) {
	total, err := strconv.ParseInt(r.Header.Get("X-Upload-Content-Length"), 10, 64)
	if err != nil || total < 0 {
		http.Error(w, "bad X-Upload-Content-Length", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "metadata is not JSON", http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.sessions = append(d.sessions, &session{
		total:       total,
		contentType: r.Header.Get("X-Upload-Content-Type"),
		metadata:    json.RawMessage(body),
	})
	n := len(d.sessions) - 1
	d.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("/session/%d", n))
	w.WriteHeader(http.StatusOK)
}

func (d *Destination) put(w http.ResponseWriter, r *http.Request, n int, body []byte) {
	d.mu.Lock()
	if n < 0 || n >= len(d.sessions) {
		d.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	s := d.sessions[n]

	header := r.Header.Get("Content-Range")
	if total, ok := strings.CutPrefix(header, "bytes */"); ok {
		if total != strconv.FormatInt(s.total, 10) {
			d.mu.Unlock()
			http.Error(w, "total size mismatch", http.StatusBadRequest)
			return
		}
		d.answer(w, s)
		return
	}

	start, end, total, err := parseContentRange(header)
	if err != nil || total != s.total || end-start+1 != int64(len(body)) {
		d.mu.Unlock()
		http.Error(w, "bad Content-Range", http.StatusBadRequest)
		return
	}
	if start != int64(len(s.data)) {
		d.mu.Unlock()
		http.Error(w, fmt.Sprintf("expected byte %d, got %d", len(s.data), start), http.StatusBadRequest)
		return
	}

	if len(d.faults) > 0 {
		f := d.faults[0]
		d.faults = d.faults[1:]
		keep := f.Keep
		if keep < 0 || keep > int64(len(body)) {
			keep = int64(len(body))
		}
		s.data = append(s.data, body[:keep]...)
		if f.Status == http.StatusPermanentRedirect {
			setRange(w, s)
		}
		d.mu.Unlock()
		w.WriteHeader(f.Status)
		return
	}

	s.data = append(s.data, body...)
	hook := d.onChunk
	d.mu.Unlock()

	if hook != nil {
		hook(start, end)
	}

	d.mu.Lock()
	d.answer(w, s)
}

// answer replies with the session state and releases d.mu.
func (d *Destination) answer(w http.ResponseWriter, s *session) {
	if int64(len(s.data)) == s.total {
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"kind": "youtube#video", "id": d.AssetID})
		return
	}
	setRange(w, s)
	d.mu.Unlock()
	w.WriteHeader(http.StatusPermanentRedirect)
}

func setRange(w http.ResponseWriter, s *session) {
	if len(s.data) > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(s.data)-1))
	}
}

func parseContentRange(header string) (start, end, total int64, err error) {
	_, err = fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total)
	if err == nil && (start < 0 || end < start) {
		err = fmt.Errorf("invalid range %q", header)
	}
	return start, end, total, err
}

package transfertest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// Source serves one asset with HEAD and byte-range GET support.
type Source struct {
	Data        []byte
	ContentType string
	// OmitLength drops Content-Length from HEAD replies.
	OmitLength bool
	// IgnoreRange answers every GET with the full asset and status 200.
	IgnoreRange bool

	mu        sync.Mutex
	failGets  int
	heads     int
	rangeHits []string
}

func NewSource(data []byte, contentType string) *Source {
	return &Source{Data: data, ContentType: contentType}
}

// Start serves the source on a local test server. Close it when done.
func (s *Source) Start() *httptest.Server {
	return httptest.NewServer(s)
}

// FailGets makes the next n GET requests answer 503.
func (s *Source) FailGets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets = n
}

// Heads returns how many HEAD requests were served.
func (s *Source) Heads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads
}

// Ranges returns the Range header of every GET, in order.
func (s *Source) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rangeHits...)
}

func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	switch r.Method {
	case http.MethodHead:
		s.heads++
	case http.MethodGet:
		s.rangeHits = append(s.rangeHits, r.Header.Get("Range"))
		if s.failGets > 0 {
			s.failGets--
			s.mu.Unlock()
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	default:
		s.mu.Unlock()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Unlock()

	if s.ContentType == "" {
		// a nil entry stops net/http from sniffing one
		w.Header()["Content-Type"] = nil
	} else {
		w.Header().Set("Content-Type", s.ContentType)
	}

	if r.Method == http.MethodHead && s.OmitLength {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method == http.MethodGet && s.IgnoreRange {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(s.Data)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(s.Data))
}

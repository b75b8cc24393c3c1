package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of the asset mimetype needs to recognise a container.
const sniffLen = 3072

// AssetInfo is what the prober learns about a source without downloading it.
type AssetInfo struct {
	Locator   string
	TotalSize int64
	MimeType  string
}

// Source reads assets from HTTP(S) endpoints that support HEAD and byte-range
// GET requests.
type Source struct {
	httpClient *http.Client
	sniff      bool
}

type SourceOption func(*Source)

// WithContentSniffing makes Probe detect the content type from the first
// bytes of the asset when the source does not send Content-Type.
func WithContentSniffing(enabled bool) SourceOption {
	return func(s *Source) {
		s.sniff = enabled
	}
}

func NewSource(httpClient *http.Client, opts ...SourceOption) *Source {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	s := &Source{httpClient: httpClient}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Probe returns the size and content type of the asset at locator using a
// HEAD request.
func (s *Source) Probe(ctx context.Context, locator string) (AssetInfo, error) {
	const op = "probe source"

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
	if err != nil {
		return AssetInfo{}, newError(ErrSourceUnreachable, op, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return AssetInfo{}, newError(ErrSourceUnreachable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AssetInfo{}, statusError(ErrSourceUnreachable, op, resp.StatusCode, nil)
	}

	// net/http reports -1 when a HEAD reply carries no usable Content-Length
	if resp.ContentLength < 0 {
		return AssetInfo{}, newError(ErrSourceMetadataMissing, op, fmt.Errorf("no Content-Length header"))
	}

	info := AssetInfo{
		Locator:   locator,
		TotalSize: resp.ContentLength,
		MimeType:  resp.Header.Get("Content-Type"),
	}
	if info.MimeType != "" {
		return info, nil
	}
	if !s.sniff || info.TotalSize == 0 {
		return AssetInfo{}, newError(ErrSourceMetadataMissing, op, fmt.Errorf("no Content-Type header"))
	}

	head, err := s.FetchRange(ctx, locator, 0, min(int64(sniffLen), info.TotalSize)-1)
	if err != nil {
		return AssetInfo{}, fmt.Errorf("sniffing content type: %w", err)
	}
	info.MimeType = mimetype.Detect(head).String()
	return info, nil
}

// FetchRange reads bytes [start, end] of the asset. The source must return
// exactly that span; anything else is ErrRangeFetch.
func (s *Source) FetchRange(ctx context.Context, locator string, start, end int64) ([]byte, error) {
	const op = "fetch range"
	want := end - start + 1

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, newError(ErrRangeFetch, op, err)
	}
	req.Header.Set(HeaderRange, sourceRange(start, end))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, newError(ErrRetryableTransport, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		if got, ok := parseContentRangeStart(resp.Header.Get(HeaderContentRange)); ok && got != start {
			return nil, newError(ErrRangeFetch, op, fmt.Errorf("source returned range starting at %d, want %d", got, start))
		}
	case resp.StatusCode == http.StatusOK:
		// a plain 200 is only acceptable when the whole resource is the span
		if start != 0 {
			return nil, newError(ErrRangeFetch, op, fmt.Errorf("source ignored range request"))
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, statusError(ErrRetryableTransport, op, resp.StatusCode, nil)
	default:
		return nil, statusError(ErrRangeFetch, op, resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, want+1))
	if err != nil {
		return nil, newError(ErrRetryableTransport, op, err)
	}
	if int64(len(data)) != want {
		return nil, newError(ErrRangeFetch, op, fmt.Errorf("got %d bytes for range %d-%d, want %d", len(data), start, end, want))
	}
	return data, nil
}

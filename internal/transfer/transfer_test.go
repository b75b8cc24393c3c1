package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/MediaRelay/internal/auth"
	"github.com/jaywantadh/MediaRelay/internal/metadata"
	"github.com/jaywantadh/MediaRelay/internal/transfer/transfertest"
	"github.com/jaywantadh/MediaRelay/pkg/logging"
)

const (
	testToken   = "test-token"
	testAssetID = "dQw4w9WgXcQ"
)

type harness struct {
	src     *transfertest.Source
	dest    *transfertest.Destination
	srcURL  string
	destURL string
	store   *metadata.MetadataStore
	engine  *Engine
}

func testOptions() Options {
	return Options{
		ChunkSize:        8,
		ChunkGranularity: 1,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		RequestTimeout:   5 * time.Second,
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newHarness(t *testing.T, data []byte, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{
		src:  transfertest.NewSource(data, "video/mp4"),
		dest: transfertest.NewDestination(testToken, testAssetID),
	}
	srcSrv := h.src.Start()
	t.Cleanup(srcSrv.Close)
	destSrv := h.dest.Start()
	t.Cleanup(destSrv.Close)
	h.srcURL = srcSrv.URL + "/video.mp4"
	h.destURL = destSrv.URL + transfertest.SessionPath

	store, err := metadata.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h.store = store

	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	h.engine = h.newEngine(t, auth.StaticToken(testToken), opts)
	return h
}

func (h *harness) newEngine(t *testing.T, tokens auth.TokenSupplier, opts Options) *Engine {
	t.Helper()
	e, err := NewEngine(
		NewSource(http.DefaultClient),
		NewClient(h.destURL, http.DefaultClient, tokens),
		opts,
		WithRecordStore(h.store),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	return e
}

func (h *harness) probes() int {
	return h.dest.Count(transfertest.Request.Probe)
}

func (h *harness) posts() int {
	return h.dest.Count(func(r transfertest.Request) bool { return r.Method == http.MethodPost })
}

func requireKind(t *testing.T, err error, kind error) *TransferError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	var te *TransferError
	require.ErrorAs(t, err, &te)
	return te
}

func TestTransferTwentyMillionBytesInEightMillionChunks(t *testing.T) {
	data := pattern(20_000_000)
	h := newHarness(t, data, func(o *Options) { o.ChunkSize = 8_000_000 })

	res, err := h.engine.Transfer(context.Background(), h.srcURL, map[string]any{"snippet": map[string]string{"title": "demo"}})
	require.NoError(t, err)

	assert.Equal(t, testAssetID, res.AssetID)
	assert.Equal(t, int64(20_000_000), res.TotalSize)
	assert.Equal(t, "video/mp4", res.MimeType)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, []string{
		"bytes 0-7999999/20000000",
		"bytes 8000000-15999999/20000000",
		"bytes 16000000-19999999/20000000",
	}, h.dest.Uploads())
	assert.Equal(t, []string{
		"bytes=0-7999999",
		"bytes=8000000-15999999",
		"bytes=16000000-19999999",
	}, h.src.Ranges())
	assert.Equal(t, data, h.dest.Received(0))
	assert.Equal(t, "video/mp4", h.dest.ContentType(0))
	assert.JSONEq(t, `{"snippet":{"title":"demo"}}`, string(h.dest.Metadata(0)))
	assert.Equal(t, 0, h.probes())
}

func TestTransferResyncsToPartiallyConfirmedOffset(t *testing.T) {
	data := pattern(20_000_000)
	h := newHarness(t, data, func(o *Options) { o.ChunkSize = 8_000_000 })
	h.dest.Fail(transfertest.Fault{Status: http.StatusPermanentRedirect, Keep: 5_000_000})

	res, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
	require.NoError(t, err)

	assert.Equal(t, testAssetID, res.AssetID)
	assert.Equal(t, []string{
		"bytes 0-7999999/20000000",
		"bytes 5000000-7999999/20000000",
		"bytes 8000000-15999999/20000000",
		"bytes 16000000-19999999/20000000",
	}, h.dest.Uploads())
	assert.Equal(t, data, h.dest.Received(0))
}

func TestTransferMissingContentLengthFailsBeforeSession(t *testing.T) {
	h := newHarness(t, pattern(64), nil)
	h.src.OmitLength = true

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil, WithTransferID("no-length"))
	requireKind(t, err, ErrSourceMetadataMissing)

	assert.Equal(t, 1, h.src.Heads())
	assert.Empty(t, h.src.Ranges())
	assert.Empty(t, h.dest.Requests())

	rec, err := h.store.GetTransferRecord("no-length")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), rec.Status)
	assert.Empty(t, rec.SessionHandle)
	assert.Contains(t, rec.LastError, "Content-Length")
}

func TestTransferMissingContentTypeFailsBeforeSession(t *testing.T) {
	h := newHarness(t, pattern(64), nil)
	h.src.ContentType = ""

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
	requireKind(t, err, ErrSourceMetadataMissing)
	assert.Equal(t, 0, h.posts())
}

func TestTransferUnreachableSource(t *testing.T) {
	h := newHarness(t, pattern(64), nil)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	_, err := h.engine.Transfer(context.Background(), dead.URL+"/video.mp4", nil)
	requireKind(t, err, ErrSourceUnreachable)
	assert.Empty(t, h.dest.Requests())
}

func TestTransferSourceFailuresExhaustRetries(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	h.src.FailGets(10)

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
	te := requireKind(t, err, ErrSourceUnreachable)
	assert.Equal(t, 3, te.Attempt)
	assert.Len(t, h.src.Ranges(), 3)
	assert.Empty(t, h.dest.Uploads())
}

func TestTransferSourceRecoversFromTransientFailure(t *testing.T) {
	data := pattern(20)
	h := newHarness(t, data, nil)
	h.src.FailGets(1)

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
	require.NoError(t, err)
	assert.Equal(t, data, h.dest.Received(0))
}

func TestTransferRetryCeiling(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	for range 3 {
		h.dest.Fail(transfertest.Fault{Status: http.StatusServiceUnavailable})
	}

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil, WithTransferID("ceiling"))
	te := requireKind(t, err, ErrFatalProtocol)
	assert.ErrorIs(t, err, ErrRetryableTransport)
	assert.Equal(t, 3, te.Attempt)
	assert.Equal(t, int64(0), te.Cursor)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, "ceiling", te.TransferID)

	assert.Equal(t, []string{"bytes 0-7/20", "bytes 0-7/20", "bytes 0-7/20"}, h.dest.Uploads())
	assert.Equal(t, 2, h.probes())

	rec, err := h.store.GetTransferRecord("ceiling")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), rec.Status)
}

func TestTransferAuthFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	h.dest.Fail(transfertest.Fault{Status: http.StatusUnauthorized})

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
	te := requireKind(t, err, ErrAuthExpired)
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.Len(t, h.dest.Uploads(), 1)
	assert.Equal(t, 0, h.probes())
}

func TestTransferRejectedTokenOpensNoSession(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	e := h.newEngine(t, auth.StaticToken("stale"), testOptions())

	_, err := e.Transfer(context.Background(), h.srcURL, nil)
	requireKind(t, err, ErrAuthExpired)
	assert.Equal(t, 0, h.dest.Sessions())
	assert.Empty(t, h.dest.Uploads())
}

func TestTransferSessionRejected(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	h.destURL = strings.TrimSuffix(h.destURL, transfertest.SessionPath) + "/elsewhere"
	e := h.newEngine(t, auth.StaticToken(testToken), testOptions())

	_, err := e.Transfer(context.Background(), h.srcURL, nil)
	te := requireKind(t, err, ErrSessionRejected)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.Empty(t, h.dest.Uploads())
}

func TestTransferPermanentRejectionIsFatal(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone, http.StatusBadRequest} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			h := newHarness(t, pattern(20), nil)
			h.dest.Fail(transfertest.Fault{Status: code})

			_, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
			te := requireKind(t, err, ErrFatalProtocol)
			assert.NotErrorIs(t, err, ErrRetryableTransport)
			assert.Equal(t, code, te.StatusCode)
			assert.Len(t, h.dest.Uploads(), 1)
			assert.Equal(t, 0, h.probes())
		})
	}
}

func TestTransferRetriesThrottledChunkAfterProbe(t *testing.T) {
	data := pattern(20)
	h := newHarness(t, data, nil)
	h.dest.Fail(transfertest.Fault{Status: http.StatusTooManyRequests})

	events := make(chan ProgressEvent, 64)
	res, err := h.engine.Transfer(context.Background(), h.srcURL, nil, WithProgress(events))
	require.NoError(t, err)
	close(events)

	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, []string{"bytes 0-7/20", "bytes 0-7/20", "bytes 8-15/20", "bytes 16-19/20"}, h.dest.Uploads())
	assert.Equal(t, 1, h.probes())
	assert.Equal(t, data, h.dest.Received(0))

	var retried, acked int
	var last ProgressEvent
	for ev := range events {
		switch ev.ChunkStatus {
		case ChunkRetryableFailure:
			retried++
			assert.Equal(t, 1, ev.Attempt)
		case ChunkAcked:
			acked++
		}
		last = ev
	}
	assert.Equal(t, 1, retried)
	assert.Equal(t, 3, acked)
	assert.Equal(t, StatusComplete, last.Status)
	assert.Equal(t, int64(20), last.BytesConfirmed)
	assert.Equal(t, testAssetID, last.AssetID)
}

func TestTransferLostAckDoesNotResendConfirmedBytes(t *testing.T) {
	data := pattern(20)
	h := newHarness(t, data, nil)
	h.dest.Fail(transfertest.Fault{Status: http.StatusBadGateway, Keep: -1})

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"bytes 0-7/20", "bytes 8-15/20", "bytes 16-19/20"}, h.dest.Uploads())
	assert.Equal(t, 1, h.probes())
	assert.Equal(t, data, h.dest.Received(0))
}

func TestTransferEmptyAsset(t *testing.T) {
	h := newHarness(t, []byte{}, nil)

	res, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
	require.NoError(t, err)
	assert.Equal(t, testAssetID, res.AssetID)
	assert.Equal(t, int64(0), res.TotalSize)
	assert.Empty(t, h.dest.Uploads())
	assert.Equal(t, 1, h.probes())
}

func TestTransferMalformedCompletion(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	h.dest.AssetID = ""

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil)
	te := requireKind(t, err, ErrMalformedCompletion)
	assert.Equal(t, int64(20), te.Cursor)
}

// scriptedDestination answers the first chunk with a 308 confirming 8 bytes
// and every later PUT with the given Range header.
func scriptedDestination(t *testing.T, later string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var puts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", "/session/0")
			return
		}
		n := puts.Add(1)
		if n == 1 {
			w.Header().Set("Range", "bytes=0-7")
		} else {
			w.Header().Set("Range", later)
		}
		w.WriteHeader(http.StatusPermanentRedirect)
	}))
	t.Cleanup(srv.Close)
	return srv, &puts
}

func TestTransferConfirmedOffsetRegressionIsFatal(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	srv, puts := scriptedDestination(t, "bytes=0-3")
	h.destURL = srv.URL + "/upload"
	e := h.newEngine(t, auth.StaticToken(testToken), testOptions())

	_, err := e.Transfer(context.Background(), h.srcURL, nil)
	te := requireKind(t, err, ErrFatalProtocol)
	assert.Equal(t, int64(8), te.Cursor)
	assert.Contains(t, te.Error(), "behind cursor")
	assert.Equal(t, int32(2), puts.Load())
}

func TestTransferConfirmedOffsetPastBytesSentIsFatal(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	srv, puts := scriptedDestination(t, "bytes=0-18")
	h.destURL = srv.URL + "/upload"
	e := h.newEngine(t, auth.StaticToken(testToken), testOptions())

	_, err := e.Transfer(context.Background(), h.srcURL, nil)
	te := requireKind(t, err, ErrFatalProtocol)
	assert.Contains(t, te.Error(), "beyond bytes sent")
	assert.Equal(t, int32(2), puts.Load())
}

func TestTransferEarlyCompletionOnResyncIsFatal(t *testing.T) {
	h := newHarness(t, pattern(20), nil)
	var ranges []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", "/session/0")
			return
		}
		cr := r.Header.Get("Content-Range")
		mu.Lock()
		ranges = append(ranges, cr)
		mu.Unlock()
		if cr == "bytes */20" {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"x"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	h.destURL = srv.URL + "/upload"
	e := h.newEngine(t, auth.StaticToken(testToken), testOptions())

	_, err := e.Transfer(context.Background(), h.srcURL, nil, WithTransferID("early"))
	te := requireKind(t, err, ErrFatalProtocol)
	assert.Equal(t, int64(0), te.Cursor)
	assert.Equal(t, http.StatusCreated, te.StatusCode)
	assert.Contains(t, te.Error(), "before byte 8 was sent")

	mu.Lock()
	assert.Equal(t, []string{"bytes 0-7/20", "bytes */20"}, ranges)
	mu.Unlock()

	rec, err := h.store.GetTransferRecord("early")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), rec.Status)
	assert.Empty(t, rec.AssetID)
}

func TestTransferRetriesChunkAfterRequestTimeout(t *testing.T) {
	data := pattern(20)
	h := newHarness(t, data, nil)

	// the first chunk PUT hangs until the client gives up on it
	var stalled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.Header.Get("Content-Range") == "bytes 0-7/20" && stalled.CompareAndSwap(false, true) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		h.dest.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	h.destURL = srv.URL + transfertest.SessionPath

	opts := testOptions()
	opts.RequestTimeout = 100 * time.Millisecond
	e := h.newEngine(t, auth.StaticToken(testToken), opts)

	events := make(chan ProgressEvent, 64)
	res, err := e.Transfer(context.Background(), h.srcURL, nil, WithProgress(events))
	require.NoError(t, err)
	close(events)

	assert.True(t, stalled.Load())
	assert.Equal(t, testAssetID, res.AssetID)
	assert.Equal(t, 1, h.probes())
	assert.Equal(t, []string{"bytes 0-7/20", "bytes 8-15/20", "bytes 16-19/20"}, h.dest.Uploads())
	assert.Equal(t, data, h.dest.Received(0))

	var timedOut int
	for ev := range events {
		if ev.ChunkStatus == ChunkRetryableFailure {
			timedOut++
			assert.ErrorIs(t, ev.Err, ErrRetryableTransport)
			assert.ErrorIs(t, ev.Err, context.DeadlineExceeded)
		}
	}
	assert.Equal(t, 1, timedOut)
}

func TestTransferCancelAtChunkBoundaryThenResume(t *testing.T) {
	data := pattern(20)
	h := newHarness(t, data, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dest.OnChunk(func(start, _ int64) {
		if start == 8 {
			cancel()
		}
	})

	_, err := h.engine.Transfer(ctx, h.srcURL, nil, WithTransferID("interrupted"))
	te := requireKind(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	// the in-flight chunk finished despite the cancellation
	assert.Equal(t, int64(16), te.Cursor)
	assert.Equal(t, []string{"bytes 0-7/20", "bytes 8-15/20"}, h.dest.Uploads())

	rec, err := h.store.GetTransferRecord("interrupted")
	require.NoError(t, err)
	assert.Equal(t, int64(16), rec.Cursor)
	assert.NotEmpty(t, rec.SessionHandle)

	h.dest.OnChunk(nil)
	res, err := h.engine.Resume(context.Background(), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, testAssetID, res.AssetID)
	assert.Equal(t, "interrupted", res.TransferID)
	assert.Equal(t, 1, h.dest.Sessions())
	assert.Equal(t, []string{"bytes 0-7/20", "bytes 8-15/20", "bytes 16-19/20"}, h.dest.Uploads())
	assert.Equal(t, data, h.dest.Received(0))

	rec, err = h.store.GetTransferRecord("interrupted")
	require.NoError(t, err)
	assert.Equal(t, string(StatusComplete), rec.Status)
	assert.Equal(t, testAssetID, rec.AssetID)
	assert.Equal(t, int64(20), rec.Cursor)
}

func TestResumeAfterLostFinalAck(t *testing.T) {
	data := pattern(8)
	h := newHarness(t, data, func(o *Options) { o.MaxAttempts = 1 })
	h.dest.Fail(transfertest.Fault{Status: http.StatusServiceUnavailable, Keep: -1})

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil, WithTransferID("lost-ack"))
	requireKind(t, err, ErrFatalProtocol)

	res, err := h.engine.Resume(context.Background(), "lost-ack")
	require.NoError(t, err)
	assert.Equal(t, testAssetID, res.AssetID)
	assert.Len(t, h.dest.Uploads(), 1)
	assert.Equal(t, data, h.dest.Received(0))
}

func TestResumeCompletedTransferIsIdempotent(t *testing.T) {
	h := newHarness(t, pattern(20), nil)

	first, err := h.engine.Transfer(context.Background(), h.srcURL, nil, WithTransferID("done"))
	require.NoError(t, err)
	before := len(h.dest.Requests())

	again, err := h.engine.Resume(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, first.AssetID, again.AssetID)
	assert.Len(t, h.dest.Requests(), before)
}

func TestResumeUnknownTransfer(t *testing.T) {
	h := newHarness(t, pattern(20), nil)

	_, err := h.engine.Resume(context.Background(), "missing")
	requireKind(t, err, ErrNotResumable)
	assert.True(t, errors.Is(err, metadata.ErrNotFound))
}

func TestTrackerFollowsTransfer(t *testing.T) {
	h := newHarness(t, pattern(20), nil)

	_, err := h.engine.Transfer(context.Background(), h.srcURL, nil, WithTransferID("tracked"))
	require.NoError(t, err)

	p, ok := h.engine.Tracker().GetProgress("tracked")
	require.True(t, ok)
	assert.Equal(t, StatusComplete, p.Status)
	assert.Equal(t, 3, p.ChunksAcked)
	assert.Equal(t, int64(20), p.BytesConfirmed)
	assert.Equal(t, 100.0, p.Percent())
	assert.Equal(t, testAssetID, p.AssetID)
}

func TestNewEngineValidatesOptions(t *testing.T) {
	src := NewSource(nil)
	dest := NewClient("http://localhost/upload", nil, auth.StaticToken("x"))

	opts := DefaultOptions()
	opts.ChunkSize = 8_000_000
	_, err := NewEngine(src, dest, opts)
	assert.Error(t, err, "8,000,000 is not a multiple of 256 KiB")

	opts = DefaultOptions()
	opts.MaxAttempts = 0
	_, err = NewEngine(src, dest, opts)
	assert.Error(t, err)

	_, err = NewEngine(nil, dest, DefaultOptions())
	assert.Error(t, err)

	e, err := NewEngine(src, dest, DefaultOptions())
	require.NoError(t, err)
	assert.NotNil(t, e.Tracker())
}

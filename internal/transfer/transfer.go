package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/MediaRelay/internal/chunker"
	"github.com/jaywantadh/MediaRelay/internal/metadata"
	"github.com/jaywantadh/MediaRelay/pkg/logging"
)

// Options tunes the relay.
type Options struct {
	ChunkSize        int64
	ChunkGranularity int64
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RequestTimeout   time.Duration
	AssetIDField     string
}

func DefaultOptions() Options {
	return Options{
		ChunkSize:        8 * 1024 * 1024,
		ChunkGranularity: chunker.Granularity,
		MaxAttempts:      5,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		RequestTimeout:   2 * time.Minute,
		AssetIDField:     DefaultAssetIDField,
	}
}

// RecordStore persists transfer checkpoints. *metadata.MetadataStore
// satisfies it.
type RecordStore interface {
	PutTransferRecord(rec metadata.TransferRecord) error
	GetTransferRecord(id string) (metadata.TransferRecord, error)
}

// Session is one end-to-end transfer attempt. Only the relay moves Cursor,
// and only to an offset the destination confirmed.
type Session struct {
	ID            string
	SourceLocator string
	TotalSize     int64
	MimeType      string
	Handle        string
	Cursor        int64
	Status        Status
	AssetID       string
}

func (s *Session) record() metadata.TransferRecord {
	return metadata.TransferRecord{
		ID:            s.ID,
		SourceLocator: s.SourceLocator,
		TotalSize:     s.TotalSize,
		MimeType:      s.MimeType,
		SessionHandle: s.Handle,
		Cursor:        s.Cursor,
		Status:        string(s.Status),
		AssetID:       s.AssetID,
	}
}

func sessionFromRecord(rec metadata.TransferRecord) *Session {
	return &Session{
		ID:            rec.ID,
		SourceLocator: rec.SourceLocator,
		TotalSize:     rec.TotalSize,
		MimeType:      rec.MimeType,
		Handle:        rec.SessionHandle,
		Cursor:        rec.Cursor,
		Status:        Status(rec.Status),
		AssetID:       rec.AssetID,
	}
}

// Chunk is one bounded byte range attempted within a session.
type Chunk struct {
	Index   int
	Start   int64
	End     int64
	Attempt int
	Status  ChunkStatus
	data    []byte
}

func (c *Chunk) Len() int64 {
	return c.End - c.Start + 1
}

// Result describes a completed transfer.
type Result struct {
	TransferID string
	AssetID    string
	TotalSize  int64
	MimeType   string
	Chunks     int
	Elapsed    time.Duration
}

// Engine runs transfers: probe the source, open a destination session, relay
// the bytes chunk by chunk and resolve the created asset id. An Engine holds
// no per-transfer state and can run many transfers concurrently.
type Engine struct {
	source     *Source
	dest       *Client
	opts       Options
	log        logrus.FieldLogger
	records    RecordStore
	tracker    *ProgressTracker
	newBackOff func() backoff.BackOff
}

type EngineOption func(*Engine)

func WithLogger(l logrus.FieldLogger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// WithRecordStore enables checkpointing and Resume.
func WithRecordStore(r RecordStore) EngineOption {
	return func(e *Engine) {
		e.records = r
	}
}

func WithTracker(t *ProgressTracker) EngineOption {
	return func(e *Engine) {
		e.tracker = t
	}
}

func NewEngine(source *Source, dest *Client, opts Options, engineOpts ...EngineOption) (*Engine, error) {
	if source == nil || dest == nil {
		return nil, errors.New("engine needs both a source and a destination")
	}
	if err := chunker.ValidateSize(opts.ChunkSize, opts.ChunkGranularity); err != nil {
		return nil, err
	}
	if opts.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", opts.MaxAttempts)
	}

	defaults := DefaultOptions()
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaults.InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.AssetIDField == "" {
		opts.AssetIDField = defaults.AssetIDField
	}

	e := &Engine{
		source:  source,
		dest:    dest,
		opts:    opts,
		tracker: NewProgressTracker(),
	}
	e.newBackOff = e.exponentialBackOff
	for _, opt := range engineOpts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Component("transfer")
	}
	return e, nil
}

// Tracker exposes the live progress of this engine's transfers.
func (e *Engine) Tracker() *ProgressTracker {
	return e.tracker
}

func (e *Engine) exponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}

type TransferOption func(*transferOptions)

type transferOptions struct {
	id       string
	progress chan<- ProgressEvent
}

// WithTransferID sets the transfer id instead of generating one.
func WithTransferID(id string) TransferOption {
	return func(o *transferOptions) {
		o.id = id
	}
}

// WithProgress subscribes ch to progress events. Sends never block; size the
// buffer for the events you want to keep.
func WithProgress(ch chan<- ProgressEvent) TransferOption {
	return func(o *transferOptions) {
		o.progress = ch
	}
}

func applyTransferOptions(opts []TransferOption) transferOptions {
	var to transferOptions
	for _, opt := range opts {
		opt(&to)
	}
	if to.id == "" {
		to.id = uuid.New().String()
	}
	return to
}

// Transfer moves the asset at sourceLocator to the destination and returns the
// id the destination assigned to it. destMetadata is sent verbatim as the JSON
// body of the session request.
func (e *Engine) Transfer(ctx context.Context, sourceLocator string, destMetadata any, opts ...TransferOption) (*Result, error) {
	to := applyTransferOptions(opts)
	s := &Session{ID: to.id, SourceLocator: sourceLocator, Status: StatusInit}
	r := e.newRun(s, to, time.Now().UTC())
	r.log.WithField("source", sourceLocator).Info("starting transfer")

	callCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	asset, err := e.source.Probe(callCtx, sourceLocator)
	cancel()
	if err != nil {
		return nil, r.fail(err, 0)
	}
	s.TotalSize = asset.TotalSize
	s.MimeType = asset.MimeType
	r.log = r.log.WithFields(logrus.Fields{"total_size": s.TotalSize, "mime_type": s.MimeType})

	callCtx, cancel = context.WithTimeout(ctx, e.opts.RequestTimeout)
	handle, err := e.dest.OpenSession(callCtx, asset, destMetadata)
	cancel()
	if err != nil {
		return nil, r.fail(err, 0)
	}
	s.Handle = handle
	r.setStatus(StatusSessionOpen)
	r.log.Debug("upload session opened")

	return r.relay(ctx)
}

// Resume continues a checkpointed transfer on its existing destination
// session. The stored cursor is only a hint: the destination is asked which
// offset it holds and the relay continues from there.
func (e *Engine) Resume(ctx context.Context, transferID string, opts ...TransferOption) (*Result, error) {
	const op = "resume"
	if e.records == nil {
		return nil, newError(ErrNotResumable, op, errors.New("no record store configured"))
	}
	rec, err := e.records.GetTransferRecord(transferID)
	if err != nil {
		return nil, newError(ErrNotResumable, op, err)
	}

	s := sessionFromRecord(rec)
	if s.Status == StatusComplete {
		return &Result{TransferID: s.ID, AssetID: s.AssetID, TotalSize: s.TotalSize, MimeType: s.MimeType, Chunks: rec.ChunksAcked}, nil
	}
	if s.Handle == "" {
		return nil, newError(ErrNotResumable, op, errors.New("no destination session was opened"))
	}

	to := applyTransferOptions(opts)
	to.id = transferID
	r := e.newRun(s, to, rec.CreatedAt)
	r.acked = rec.ChunksAcked
	r.log.WithField("cursor", rec.Cursor).Info("resuming transfer")

	callCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	res, err := e.dest.QueryStatus(callCtx, s.Handle, s.TotalSize)
	cancel()
	if err != nil {
		return nil, r.fail(err, 0)
	}
	if res.Complete {
		s.Cursor = s.TotalSize
		return r.complete(res.Body)
	}
	if res.Confirmed < rec.Cursor || res.Confirmed > s.TotalSize {
		return nil, r.fail(&TransferError{
			Kind:       ErrFatalProtocol,
			Op:         op,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("destination holds %d bytes, checkpoint recorded %d of %d", res.Confirmed, rec.Cursor, s.TotalSize),
		}, 0)
	}
	s.Cursor = res.Confirmed
	return r.relay(ctx)
}

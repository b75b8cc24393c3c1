package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jaywantadh/MediaRelay/internal/chunker"
)

// run is the state machine of a single transfer. It is owned by one goroutine;
// the only concurrent work is the prefetch of the next chunk from the source.
type run struct {
	e         *Engine
	s         *Session
	obs       *observer
	log       logrus.FieldLogger
	createdAt time.Time
	started   time.Time
	acked     int
	lastErr   error
}

// chunkOutcome is what the destination made of a chunk.
type chunkOutcome struct {
	complete  bool
	confirmed int64
	body      []byte
}

func (e *Engine) newRun(s *Session, to transferOptions, createdAt time.Time) *run {
	if e.tracker != nil {
		e.tracker.StartTracking(s.ID, s.SourceLocator)
	}
	return &run{
		e:         e,
		s:         s,
		obs:       &observer{tracker: e.tracker, ch: to.progress},
		log:       e.log.WithField("transfer_id", s.ID),
		createdAt: createdAt,
		started:   time.Now(),
	}
}

// relay uploads from the session cursor until the destination reports the
// asset complete. Caller cancellation is honoured between chunks only: once a
// chunk is handed to the destination it runs to an answer, so the confirmed
// offset is never left ambiguous.
func (r *run) relay(ctx context.Context) (*Result, error) {
	work := context.WithoutCancel(ctx)
	r.setStatus(StatusTransferring)

	var next *Chunk
	for r.s.Cursor < r.s.TotalSize {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(newError(ErrCancelled, "relay", err), 0)
		}

		chunk, err := r.plan(r.s.Cursor)
		if err != nil {
			return nil, r.fail(err, 0)
		}
		if next != nil && next.Start == chunk.Start && next.End == chunk.End {
			chunk, next = *next, nil
		} else if err := r.fetch(work, &chunk); err != nil {
			return nil, r.fail(err, 0)
		}

		// fetch the following chunk while this one uploads; uploads stay
		// strictly sequential. A prefetch that survived a resync is kept.
		var g errgroup.Group
		following := chunk.End + 1
		if following < r.s.TotalSize && (next == nil || next.Start != following) {
			g.Go(func() error {
				next = r.prefetch(work, following)
				return nil
			})
		}
		out, err := r.send(work, &chunk)
		_ = g.Wait()
		if err != nil {
			return nil, r.fail(err, chunk.Attempt)
		}

		if out.complete {
			if out.confirmed != r.s.TotalSize {
				return nil, r.fail(&TransferError{
					Kind: ErrFatalProtocol,
					Op:   "upload chunk",
					Err:  fmt.Errorf("destination reported completion at byte %d of %d", out.confirmed, r.s.TotalSize),
				}, chunk.Attempt)
			}
			r.advance(&chunk, out.confirmed)
			return r.complete(out.body)
		}
		if out.confirmed != chunk.End+1 {
			r.log.WithFields(logrus.Fields{"chunk": chunk.Index, "confirmed": out.confirmed}).
				Info("destination confirmed a partial chunk, resyncing")
		}
		r.advance(&chunk, out.confirmed)
	}

	// every byte is confirmed but no terminal reply arrived (or the asset is
	// empty): the status probe carries the completion body
	return r.finish(work)
}

func (r *run) plan(cursor int64) (Chunk, error) {
	rng, err := chunker.At(cursor, r.s.TotalSize, r.e.opts.ChunkSize)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Index: rng.Index, Start: rng.Start, End: rng.End, Status: ChunkPending}, nil
}

func (r *run) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.e.opts.RequestTimeout)
}

// retry runs op until it succeeds, fails permanently or exhausts the attempt
// ceiling. Only ErrRetryableTransport failures are retried.
func (r *run) retry(op func(attempt int) error, notify backoff.Notify) (int, error) {
	attempt := 0
	b := backoff.WithMaxRetries(r.e.newBackOff(), uint64(r.e.opts.MaxAttempts-1))
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(attempt)
		if err == nil || isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, notify)
	return attempt, err
}

func (r *run) fetchOnce(ctx context.Context, c *Chunk) error {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()

	data, err := r.e.source.FetchRange(callCtx, r.s.SourceLocator, c.Start, c.End)
	if err != nil {
		return err
	}
	c.data = data
	c.Status = ChunkFetched
	return nil
}

func (r *run) fetch(ctx context.Context, c *Chunk) error {
	attempts, err := r.retry(func(int) error {
		return r.fetchOnce(ctx, c)
	}, func(err error, wait time.Duration) {
		r.log.WithError(err).WithField("chunk", c.Index).Warnf("source read failed, retrying in %s", wait)
	})
	if err != nil && isRetryable(err) {
		return &TransferError{Kind: ErrSourceUnreachable, Op: "fetch range", Attempt: attempts, Err: err}
	}
	return err
}

func (r *run) prefetch(ctx context.Context, start int64) *Chunk {
	c, err := r.plan(start)
	if err != nil {
		return nil
	}
	if err := r.fetchOnce(ctx, &c); err != nil {
		r.log.WithError(err).WithField("chunk", c.Index).Debug("prefetch failed, chunk will be fetched again")
		return nil
	}
	return &c
}

// send uploads c, retrying transient failures. Before every retry the
// destination is probed for the offset it actually holds: the failed attempt
// may have landed in full or in part, and resending confirmed bytes (or
// skipping unconfirmed ones) would corrupt the asset.
func (r *run) send(ctx context.Context, c *Chunk) (chunkOutcome, error) {
	var out chunkOutcome

	attempts, err := r.retry(func(attempt int) error {
		c.Attempt = attempt
		if attempt > 1 {
			resynced, err := r.resync(ctx, c, &out)
			if err != nil || resynced {
				return err
			}
		}

		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		res, err := r.e.dest.UploadChunk(callCtx, r.s.Handle, c.Start, c.End, r.s.TotalSize, c.data)
		if err != nil {
			if isRetryable(err) {
				c.Status = ChunkRetryableFailure
			}
			return err
		}
		if res.Complete {
			out = chunkOutcome{complete: true, confirmed: c.End + 1, body: res.Body}
			return nil
		}
		if err := r.checkConfirmed(c, res.Confirmed); err != nil {
			return err
		}
		if res.Confirmed == c.Start {
			c.Status = ChunkRetryableFailure
			return &TransferError{
				Kind:       ErrRetryableTransport,
				Op:         "upload chunk",
				StatusCode: res.StatusCode,
				Err:        errors.New("destination confirmed no bytes of the chunk"),
			}
		}
		out = chunkOutcome{confirmed: res.Confirmed}
		return nil
	}, func(err error, wait time.Duration) {
		r.log.WithError(err).WithFields(logrus.Fields{
			"chunk":   c.Index,
			"cursor":  r.s.Cursor,
			"attempt": c.Attempt,
		}).Warnf("chunk upload failed, retrying in %s", wait)
		r.emit(ProgressEvent{ChunkIndex: c.Index, ChunkStatus: ChunkRetryableFailure, Attempt: c.Attempt, Err: err})
	})

	if err == nil {
		return out, nil
	}
	c.Status = ChunkFatalFailure
	if isRetryable(err) {
		return out, &TransferError{
			Kind:       ErrFatalProtocol,
			Op:         "upload chunk",
			Attempt:    attempts,
			StatusCode: statusCodeOf(err),
			Err:        fmt.Errorf("retry limit of %d attempts exceeded: %w", r.e.opts.MaxAttempts, err),
		}
	}
	return out, err
}

// resync asks the destination which offset it holds before c is retried. It
// reports true when the answer makes the retry unnecessary, filling out.
func (r *run) resync(ctx context.Context, c *Chunk, out *chunkOutcome) (bool, error) {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()

	res, err := r.e.dest.QueryStatus(callCtx, r.s.Handle, r.s.TotalSize)
	if err != nil {
		return false, err
	}
	if res.Complete {
		if c.End+1 != r.s.TotalSize {
			return false, &TransferError{
				Kind:       ErrFatalProtocol,
				Op:         "resync",
				StatusCode: res.StatusCode,
				Err:        fmt.Errorf("destination reported completion before byte %d was sent", c.End+1),
			}
		}
		*out = chunkOutcome{complete: true, confirmed: r.s.TotalSize, body: res.Body}
		return true, nil
	}
	if err := r.checkConfirmed(c, res.Confirmed); err != nil {
		return false, err
	}
	if res.Confirmed != c.Start {
		r.log.WithFields(logrus.Fields{"chunk": c.Index, "confirmed": res.Confirmed}).
			Info("failed chunk was received by the destination")
		*out = chunkOutcome{confirmed: res.Confirmed}
		return true, nil
	}
	return false, nil
}

// checkConfirmed rejects offsets that move backwards or claim bytes that were
// never sent.
func (r *run) checkConfirmed(c *Chunk, confirmed int64) error {
	if confirmed < r.s.Cursor {
		return &TransferError{
			Kind: ErrFatalProtocol,
			Op:   "resync",
			Err:  fmt.Errorf("destination confirmed offset %d behind cursor %d", confirmed, r.s.Cursor),
		}
	}
	if confirmed > c.End+1 {
		return &TransferError{
			Kind: ErrFatalProtocol,
			Op:   "resync",
			Err:  fmt.Errorf("destination confirmed offset %d beyond bytes sent (%d)", confirmed, c.End+1),
		}
	}
	return nil
}

func (r *run) advance(c *Chunk, confirmed int64) {
	r.s.Cursor = confirmed
	c.Status = ChunkAcked
	c.data = nil
	r.acked++

	r.log.WithFields(logrus.Fields{
		"chunk":   c.Index,
		"cursor":  r.s.Cursor,
		"attempt": c.Attempt,
	}).Debug("chunk acknowledged")
	r.checkpoint()
	r.emit(ProgressEvent{ChunkIndex: c.Index, ChunkStatus: ChunkAcked, Attempt: c.Attempt})
}

func (r *run) finish(ctx context.Context) (*Result, error) {
	var res uploadResult
	_, err := r.retry(func(int) error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()

		var err error
		res, err = r.e.dest.QueryStatus(callCtx, r.s.Handle, r.s.TotalSize)
		return err
	}, func(err error, wait time.Duration) {
		r.log.WithError(err).Warnf("final status probe failed, retrying in %s", wait)
	})
	if err != nil && isRetryable(err) {
		err = &TransferError{
			Kind:       ErrFatalProtocol,
			Op:         "status probe",
			StatusCode: statusCodeOf(err),
			Err:        fmt.Errorf("retry limit of %d attempts exceeded: %w", r.e.opts.MaxAttempts, err),
		}
	}
	if err != nil {
		return nil, r.fail(err, 0)
	}
	if !res.Complete {
		return nil, r.fail(&TransferError{
			Kind:       ErrFatalProtocol,
			Op:         "status probe",
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("destination expects byte %d of a %d byte asset", res.Confirmed, r.s.TotalSize),
		}, 0)
	}
	return r.complete(res.Body)
}

func (r *run) complete(body []byte) (*Result, error) {
	assetID, err := ResolveAssetID(body, r.e.opts.AssetIDField)
	if err != nil {
		return nil, r.fail(err, 0)
	}

	r.s.AssetID = assetID
	r.s.Status = StatusComplete
	r.checkpoint()
	r.emit(ProgressEvent{})

	elapsed := time.Since(r.started)
	r.log.WithFields(logrus.Fields{
		"asset_id": assetID,
		"chunks":   r.acked,
		"elapsed":  elapsed.String(),
	}).Info("transfer complete")

	return &Result{
		TransferID: r.s.ID,
		AssetID:    assetID,
		TotalSize:  r.s.TotalSize,
		MimeType:   r.s.MimeType,
		Chunks:     r.acked,
		Elapsed:    elapsed,
	}, nil
}

func (r *run) fail(err error, attempt int) error {
	te := annotate(err, r.s, attempt)
	r.s.Status = StatusFailed
	r.lastErr = te
	r.checkpoint()
	r.emit(ProgressEvent{Err: te})

	entry := r.log.WithError(te).WithField("cursor", r.s.Cursor)
	if errors.Is(te, ErrCancelled) {
		entry.Warn("transfer cancelled")
	} else {
		entry.Error("transfer failed")
	}
	return te
}

func (r *run) setStatus(st Status) {
	r.s.Status = st
	r.checkpoint()
	r.emit(ProgressEvent{})
}

func (r *run) checkpoint() {
	if r.e.records == nil {
		return
	}
	rec := r.s.record()
	rec.CreatedAt = r.createdAt
	rec.ChunksAcked = r.acked
	if r.lastErr != nil {
		rec.LastError = r.lastErr.Error()
	}
	if err := r.e.records.PutTransferRecord(rec); err != nil {
		r.log.WithError(err).Warn("failed to checkpoint transfer")
	}
}

func (r *run) emit(ev ProgressEvent) {
	ev.TransferID = r.s.ID
	ev.Status = r.s.Status
	ev.BytesConfirmed = r.s.Cursor
	ev.TotalBytes = r.s.TotalSize
	ev.AssetID = r.s.AssetID
	r.obs.emit(ev)
}

func statusCodeOf(err error) int {
	var te *TransferError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jaywantadh/MediaRelay/internal/metadata"
	"github.com/jaywantadh/MediaRelay/pkg/logging"
)

// RecordLister is the read side of the checkpoint store used by the status
// endpoints.
type RecordLister interface {
	GetTransferRecord(id string) (metadata.TransferRecord, error)
	ListTransferRecords() ([]metadata.TransferRecord, error)
}

// Server exposes the engine over HTTP. Transfers run in the background; a
// weighted semaphore bounds how many relay at once and the rest wait their
// turn. A transfer id is claimed from the moment it is accepted until its run
// returns, so a session never has two writers.
type Server struct {
	ctx     context.Context
	engine  *Engine
	records RecordLister
	slots   *semaphore.Weighted
	wg      sync.WaitGroup
	log     logrus.FieldLogger

	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewServer creates a transfer server. ctx bounds the lifetime of background
// transfers: cancelling it stops them at their next chunk boundary.
func NewServer(ctx context.Context, engine *Engine, records RecordLister, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		ctx:     ctx,
		engine:  engine,
		records: records,
		slots:   semaphore.NewWeighted(int64(maxConcurrent)),
		log:     logging.Component("server"),
		claimed: make(map[string]struct{}),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+BasePath, s.handleStartTransfer)
	mux.HandleFunc("GET "+BasePath, s.handleListTransfers)
	mux.HandleFunc("GET "+BasePath+"/{id}", s.handleTransferStatus)
	mux.HandleFunc("POST "+BasePath+"/{id}/resume", s.handleResumeTransfer)
	return mux
}

// Wait blocks until every background transfer has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// handleStartTransfer handles POST /api/v1/transfers
func (s *Server) handleStartTransfer(w http.ResponseWriter, r *http.Request) {
	var req StartTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.New().String()
	s.claim(id)
	s.engine.Tracker().StartTracking(id, req.SourceURL)
	s.spawn(id, func(ctx context.Context) (*Result, error) {
		return s.engine.Transfer(ctx, req.SourceURL, req.Metadata, WithTransferID(id))
	})

	WriteJSONResponse(w, http.StatusAccepted, StartTransferResponse{
		TransferID: id,
		Status:     StatusInit,
		Message:    "Transfer accepted",
		CreatedAt:  time.Now().UTC(),
	})
}

// handleResumeTransfer handles POST /api/v1/transfers/{id}/resume
func (s *Server) handleResumeTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.records == nil {
		WriteErrorResponse(w, http.StatusConflict, "Transfers are not checkpointed")
		return
	}
	rec, err := s.records.GetTransferRecord(id)
	if errors.Is(err, metadata.ErrNotFound) {
		WriteErrorResponse(w, http.StatusNotFound, "Transfer not found")
		return
	}
	if err != nil {
		WriteErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if Status(rec.Status) == StatusComplete {
		WriteJSONResponse(w, http.StatusOK, statusFromRecord(rec))
		return
	}
	if !s.claim(id) {
		WriteErrorResponse(w, http.StatusConflict, "Transfer is still running")
		return
	}

	s.spawn(id, func(ctx context.Context) (*Result, error) {
		return s.engine.Resume(ctx, id)
	})
	WriteJSONResponse(w, http.StatusAccepted, StartTransferResponse{
		TransferID: id,
		Status:     Status(rec.Status),
		Message:    "Resume accepted",
		CreatedAt:  rec.CreatedAt,
	})
}

// handleTransferStatus handles GET /api/v1/transfers/{id}
func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if p, ok := s.engine.Tracker().GetProgress(id); ok {
		WriteJSONResponse(w, http.StatusOK, statusFromProgress(p))
		return
	}
	if s.records != nil {
		rec, err := s.records.GetTransferRecord(id)
		if err == nil {
			WriteJSONResponse(w, http.StatusOK, statusFromRecord(rec))
			return
		}
		if !errors.Is(err, metadata.ErrNotFound) {
			WriteErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	WriteErrorResponse(w, http.StatusNotFound, "Transfer not found")
}

// handleListTransfers handles GET /api/v1/transfers
func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	live := s.engine.Tracker().GetAllProgress()
	out := make([]TransferStatusResponse, 0, len(live))
	for _, p := range live {
		out = append(out, statusFromProgress(p))
	}
	if s.records != nil {
		recs, err := s.records.ListTransferRecords()
		if err != nil {
			WriteErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, rec := range recs {
			if _, ok := live[rec.ID]; !ok {
				out = append(out, statusFromRecord(rec))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	WriteJSONResponse(w, http.StatusOK, out)
}

// claim marks id as owned by a queued or running transfer. It reports false
// when the id is already owned.
func (s *Server) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[id]; ok {
		return false
	}
	s.claimed[id] = struct{}{}
	return true
}

// release gives up the claim on id. Once the run is over its checkpoint
// answers status queries, so the tracker entry is dropped as well.
func (s *Server) release(id string) {
	if s.records != nil {
		s.engine.Tracker().RemoveTransfer(id)
	}
	s.mu.Lock()
	delete(s.claimed, id)
	s.mu.Unlock()
}

// spawn runs fn in the background under the claim on id, which it releases.
func (s *Server) spawn(id string, fn func(context.Context) (*Result, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		log := s.log.WithField("transfer_id", id)

		if err := s.slots.Acquire(s.ctx, 1); err != nil {
			log.WithError(err).Warn("server stopped before transfer could start")
			return
		}
		defer s.slots.Release(1)

		res, err := fn(s.ctx)
		if err != nil {
			// the engine already logged the failure with full context
			return
		}
		log.WithField("asset_id", res.AssetID).Debug("background transfer finished")
	}()
}

func statusFromProgress(p TransferProgress) TransferStatusResponse {
	return TransferStatusResponse{
		TransferID:      p.TransferID,
		SourceURL:       p.SourceLocator,
		Status:          p.Status,
		ChunksAcked:     p.ChunksAcked,
		BytesConfirmed:  p.BytesConfirmed,
		TotalBytes:      p.TotalBytes,
		ProgressPercent: p.Percent(),
		AssetID:         p.AssetID,
		Message:         p.LastError,
		LastUpdated:     p.LastUpdateTime,
	}
}

func statusFromRecord(rec metadata.TransferRecord) TransferStatusResponse {
	return TransferStatusResponse{
		TransferID:      rec.ID,
		SourceURL:       rec.SourceLocator,
		Status:          Status(rec.Status),
		ChunksAcked:     rec.ChunksAcked,
		BytesConfirmed:  rec.Cursor,
		TotalBytes:      rec.TotalSize,
		ProgressPercent: percent(rec.Cursor, rec.TotalSize),
		AssetID:         rec.AssetID,
		Message:         rec.LastError,
		LastUpdated:     rec.UpdatedAt,
	}
}

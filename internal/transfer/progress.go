package transfer

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ProgressEvent reports one step of a transfer: a chunk acknowledged, a chunk
// failing and being retried, or the transfer reaching a new status.
type ProgressEvent struct {
	TransferID     string
	Status         Status
	ChunkIndex     int
	ChunkStatus    ChunkStatus
	Attempt        int
	BytesConfirmed int64
	TotalBytes     int64
	AssetID        string
	Err            error
	Time           time.Time
}

// TransferProgress is the latest known state of one transfer.
type TransferProgress struct {
	TransferID     string
	SourceLocator  string
	Status         Status
	ChunksAcked    int
	ChunkIndex     int
	BytesConfirmed int64
	TotalBytes     int64
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second
	EstimatedTime  time.Duration
	AssetID        string
	LastError      string
}

// Percent returns how much of the asset the destination has confirmed.
func (p TransferProgress) Percent() float64 {
	return percent(p.BytesConfirmed, p.TotalBytes)
}

// ProgressTracker tracks the progress of transfers
type ProgressTracker struct {
	mu        sync.RWMutex
	transfers map[string]*TransferProgress
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*TransferProgress),
	}
}

// StartTracking starts tracking a transfer. Tracking an id twice keeps the
// original start time.
func (pt *ProgressTracker) StartTracking(transferID, sourceLocator string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, exists := pt.transfers[transferID]; exists {
		return
	}
	now := time.Now()
	pt.transfers[transferID] = &TransferProgress{
		TransferID:     transferID,
		SourceLocator:  sourceLocator,
		Status:         StatusInit,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Record folds an event into the tracked state of its transfer.
func (pt *ProgressTracker) Record(ev ProgressEvent) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	progress, exists := pt.transfers[ev.TransferID]
	if !exists {
		return
	}

	now := ev.Time
	if now.IsZero() {
		now = time.Now()
	}
	progress.Status = ev.Status
	progress.ChunkIndex = ev.ChunkIndex
	progress.TotalBytes = ev.TotalBytes
	progress.LastUpdateTime = now
	if ev.ChunkStatus == ChunkAcked {
		progress.ChunksAcked++
	}
	if ev.BytesConfirmed > progress.BytesConfirmed {
		progress.BytesConfirmed = ev.BytesConfirmed
	}
	if ev.AssetID != "" {
		progress.AssetID = ev.AssetID
	}
	if ev.Err != nil {
		progress.LastError = ev.Err.Error()
	}

	if elapsed := now.Sub(progress.StartTime).Seconds(); elapsed > 0 {
		progress.Speed = float64(progress.BytesConfirmed) / elapsed
	}
	progress.EstimatedTime = 0
	if progress.Speed > 0 && progress.TotalBytes > progress.BytesConfirmed {
		remaining := float64(progress.TotalBytes - progress.BytesConfirmed)
		progress.EstimatedTime = time.Duration(remaining / progress.Speed * float64(time.Second))
	}
}

// GetProgress returns a copy of the current progress of a transfer
func (pt *ProgressTracker) GetProgress(transferID string) (TransferProgress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	progress, exists := pt.transfers[transferID]
	if !exists {
		return TransferProgress{}, false
	}
	return *progress, true
}

// RemoveTransfer removes a transfer from tracking
func (pt *ProgressTracker) RemoveTransfer(transferID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.transfers, transferID)
}

// GetAllProgress gets progress for all tracked transfers
func (pt *ProgressTracker) GetAllProgress() map[string]TransferProgress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	result := make(map[string]TransferProgress, len(pt.transfers))
	for id, progress := range pt.transfers {
		result[id] = *progress
	}
	return result
}

// PrintProgress writes a human-readable summary of a transfer to w
func (pt *ProgressTracker) PrintProgress(w io.Writer, transferID string) {
	progress, exists := pt.GetProgress(transferID)
	if !exists {
		fmt.Fprintf(w, "Transfer %s not found\n", transferID)
		return
	}

	fmt.Fprintf(w, "Transfer %s: %s\n", progress.TransferID, progress.Status)
	fmt.Fprintf(w, "  Bytes: %s/%s (%.1f%%), %d chunks acked\n",
		formatBytes(progress.BytesConfirmed), formatBytes(progress.TotalBytes),
		progress.Percent(), progress.ChunksAcked)

	if progress.Speed > 0 {
		fmt.Fprintf(w, "  Speed: %s/s\n", formatBytes(int64(progress.Speed)))
	}
	if progress.EstimatedTime > 0 {
		fmt.Fprintf(w, "  ETA: %s\n", formatDuration(progress.EstimatedTime))
	}
	if progress.AssetID != "" {
		fmt.Fprintf(w, "  Asset: %s\n", progress.AssetID)
	}
	if progress.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s\n", progress.LastError)
	}
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats duration into human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}

// observer fans progress events out to the tracker and an optional caller
// channel. Channel sends never block the relay; events are dropped when the
// subscriber falls behind.
type observer struct {
	tracker *ProgressTracker
	ch      chan<- ProgressEvent
}

func (o *observer) emit(ev ProgressEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if o.tracker != nil {
		o.tracker.Record(ev)
	}
	if o.ch != nil {
		select {
		case o.ch <- ev:
		default:
		}
	}
}

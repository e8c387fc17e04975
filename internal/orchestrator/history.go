package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/db"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

const pruneInterval = time.Hour

// HistoryRecorder persists every distinct snapshot announced on the
// dataUpdate channel and prunes entries older than the retention.
type HistoryRecorder struct {
	store     db.HistoryStore
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastPrune time.Time
	written   int64
	skipped   int64
}

// NewHistoryRecorder creates a recorder. retention <= 0 keeps everything.
func NewHistoryRecorder(store db.HistoryStore, retention time.Duration, logger *zap.Logger) *HistoryRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryRecorder{
		store:     store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Attach registers the recorder on o's dataUpdate channel.
func (h *HistoryRecorder) Attach(o *Orchestrator) ListenerHandle {
	return o.AddEventListener(ChannelDataUpdate, h.Listener)
}

// Listener records ev.Snapshot. It never panics on store errors.
func (h *HistoryRecorder) Listener(ev Event) {
	if ev.Snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Record(ctx, ev.Snapshot); err != nil {
		h.logger.Warn("failed to record snapshot history", zap.Error(err))
	}
}

// Record stores snap unless it matches the previous entry. It reports
// whether a row was written.
func (h *HistoryRecorder) Record(ctx context.Context, snap *types.DashboardSnapshot) (bool, error) {
	fp, err := types.Fingerprint(snap)
	if err != nil {
		return false, err
	}
	payload, err := types.EncodeSnapshot(snap)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}

	now := h.now()
	written, err := h.store.AppendSnapshot(ctx, &db.SnapshotRecord{
		Source:      snap.Source,
		Fingerprint: fmt.Sprintf("%016x", fp),
		Payload:     string(payload),
		RecordedAt:  now.UnixMilli(),
	})
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	if written {
		h.written++
	} else {
		h.skipped++
	}
	prune := h.retention > 0 && now.Sub(h.lastPrune) >= pruneInterval
	if prune {
		h.lastPrune = now
	}
	h.mu.Unlock()

	if prune {
		n, err := h.store.PruneSnapshots(ctx, now.Add(-h.retention))
		if err != nil {
			h.logger.Warn("failed to prune snapshot history", zap.Error(err))
		} else if n > 0 {
			h.logger.Info("pruned snapshot history", zap.Int64("removed", n))
		}
	}
	return written, nil
}

// Counts returns how many snapshots were written and how many were skipped
// as duplicates.
func (h *HistoryRecorder) Counts() (written, skipped int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written, h.skipped
}

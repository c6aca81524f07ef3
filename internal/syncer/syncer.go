// Package syncer flushes accumulated-but-unsynced seconds to the remote
// durable store on a coarse interval, and once when a timer stops.
package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
)

// Source exposes the scheduler's unsynced-seconds bookkeeping. SyncSnapshot
// resets the counter optimistically at dispatch time; RestoreUnsynced puts
// it back after a synchronous dispatch failure so the next interval retries
// with the accumulated value.
type Source interface {
	SyncSnapshot() (*domain.UsageRecord, int)
	RestoreUnsynced(n int)
}

// Agent is the durable sync agent. Its interval must be strictly coarser
// than the scheduler's tick so syncing stays amortized.
type Agent struct {
	src       Source
	transport domain.SyncTransport
	userID    string
	deviceID  string
	interval  time.Duration
	logger    *zap.Logger
}

// New creates an agent. A non-positive interval falls back to 30s.
func New(src Source, transport domain.SyncTransport, userID, deviceID string, interval time.Duration, logger *zap.Logger) *Agent {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Agent{
		src:       src,
		transport: transport,
		userID:    userID,
		deviceID:  deviceID,
		interval:  interval,
		logger:    logger,
	}
}

// Interval returns the flush cadence.
func (a *Agent) Interval() time.Duration { return a.interval }

// Run flushes on the interval until the context is canceled, with a final
// best-effort flush on the way out.
func (a *Agent) Run(ctx context.Context) {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush(context.Background())
			return
		case <-t.C:
			a.Flush(ctx)
		}
	}
}

// Flush dispatches the active site's full current record. No-op when no
// timer is running or nothing has accumulated. A synchronous dispatch
// failure restores the counter; an asynchronous loss is repaired by the
// next interval's full-record write.
func (a *Agent) Flush(ctx context.Context) {
	rec, n := a.src.SyncSnapshot()
	if rec == nil {
		return
	}
	if err := a.dispatch(ctx, *rec); err != nil {
		a.src.RestoreUnsynced(n)
		a.logger.Warn("sync dispatch failed, will retry next interval",
			zap.String("site", string(rec.Site)),
			zap.Int("unsynced", n),
			zap.Error(err))
		return
	}
	a.logger.Debug("synced usage",
		zap.String("site", string(rec.Site)),
		zap.Int("seconds", n))
}

// FlushRecord dispatches a stopped timer's final record. Best-effort by
// contract: a failure here is logged, not retried.
func (a *Agent) FlushRecord(ctx context.Context, rec domain.UsageRecord, unsynced int) {
	if unsynced == 0 {
		return
	}
	if err := a.dispatch(ctx, rec); err != nil {
		a.logger.Warn("final sync on stop failed",
			zap.String("site", string(rec.Site)),
			zap.Int("unsynced", unsynced),
			zap.Error(err))
	}
}

func (a *Agent) dispatch(ctx context.Context, rec domain.UsageRecord) error {
	return a.transport.Write(ctx, domain.SyncPayload{
		UserID:      a.userID,
		DeviceID:    a.deviceID,
		FlushID:     uuid.NewString(),
		Site:        rec.Site,
		TimeSpent:   rec.TimeSpent,
		TimeLimit:   rec.TimeLimit,
		LastUpdated: rec.LastUpdated,
	})
}

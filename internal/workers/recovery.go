package workers

import (
	"context"
	"time"

	"github.com/camhq/cam/internal/model"
)

// RecoveryLoop periodically marks stale workers offline and requeues the
// tasks stranded on them, using the same bump/overflow policy as a manual
// offline.
type RecoveryLoop struct {
	registry *Registry
	interval time.Duration
}

// NewRecoveryLoop builds the loop around a registry.
func NewRecoveryLoop(registry *Registry, interval time.Duration) *RecoveryLoop {
	return &RecoveryLoop{registry: registry, interval: interval}
}

// Run blocks until ctx is done, sweeping once per interval.
func (l *RecoveryLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery pass. Exported so tests can trigger it
// directly; the manual offline path reclaims through reclaimTasks instead.
func (l *RecoveryLoop) Sweep(ctx context.Context) {
	r := l.registry
	cutoff := model.NewTime(time.Now().Add(-r.staleTimeout))
	stale, err := r.store.ListStaleWorkers(ctx, cutoff)
	if err != nil {
		r.log.Error("recovery sweep failed to list stale workers", "error", err)
		return
	}
	for _, w := range stale {
		r.log.Warn("worker heartbeat is stale, marking offline",
			"worker", w.ID, "lastHeartbeat", w.LastHeartbeatAt.Format(model.TimeFormat))
		if err := r.store.SetWorkerStatus(ctx, w.ID, model.WorkerOffline, ""); err != nil {
			r.log.Error("failed to mark stale worker offline", "worker", w.ID, "error", err)
			continue
		}
		r.emitter.Emit(ctx, model.EventWorkerStale, "", map[string]any{
			"workerId":        w.ID,
			"lastHeartbeatAt": w.LastHeartbeatAt.Format(model.TimeFormat),
		})
		if err := r.reclaimTasks(ctx, w.ID, "worker_heartbeat_stale"); err != nil {
			r.log.Error("failed to reclaim tasks from stale worker", "worker", w.ID, "error", err)
		}
	}
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kuro6061/nexum/internal/domain/model"
	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

// Reaper implements C8: periodically reclaiming RUNNING tasks whose lease
// has expired, returning them to READY with an incremented retry count so
// a fresh worker picks them up. Human approvals and sub-workflow-coupled
// tasks are excluded by ListStaleRunning itself (§4.8): a task waiting on
// a human or a child execution isn't stuck, it's waiting.
type Reaper struct {
	store        *repository.Store
	leaseTimeout time.Duration
	log          *logger.Logger
}

func NewReaper(store *repository.Store, leaseTimeout time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{store: store, leaseTimeout: leaseTimeout, log: log}
}

// Sweep reaps every RUNNING task whose lease was taken more than
// leaseTimeout ago, returning the number of tasks reclaimed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.store.Tasks.ListStaleRunning(ctx, time.Now().Add(-r.leaseTimeout))
	if err != nil {
		return 0, fmt.Errorf("list stale running tasks: %w", err)
	}

	reaped := 0
	for _, task := range stale {
		_, err := r.store.Tasks.CompareAndUpdate(ctx, task.TaskID, func(t *model.Task) (bool, error) {
			if t.Status != model.TaskRunning {
				return false, nil
			}
			t.Status = model.TaskReady
			t.LockedBy = ""
			t.LockedAt = nil
			t.RetryCount++
			t.ScheduledAt = time.Now()
			return true, nil
		})
		if err != nil {
			return reaped, fmt.Errorf("reap task %q: %w", task.TaskID, err)
		}
		reaped++
		r.log.Info("task lease reaped", "task_id", task.TaskID, "execution_id", task.ExecutionID, "node_id", task.NodeID, "retry_count", task.RetryCount+1)
	}
	return reaped, nil
}

// Run drives Sweep on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("lease reaper sweep failed", "error", err)
			}
		}
	}
}

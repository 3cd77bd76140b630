// Package trigger runs the coarse, calendar-scheduled maintenance work that
// doesn't belong on the lease reaper's sub-minute ticker.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kuro6061/nexum/internal/domain/repository"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

// CronScheduler drives calendar-scheduled maintenance jobs via robfig/cron.
// Currently its only job is pruning MAP fan-in staging rows belonging to
// terminal executions past a retention window.
type CronScheduler struct {
	mapResults repository.MapResultRepository
	log        *logger.Logger
	maxAge     time.Duration

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
}

// CronSchedulerConfig configures the maintenance scheduler.
type CronSchedulerConfig struct {
	MapResults repository.MapResultRepository
	Logger     *logger.Logger
	// PruneSchedule is a standard 5-field cron expression; defaults to
	// hourly ("0 * * * *") when empty.
	PruneSchedule string
	// MaxAge is how long a terminal execution's staging rows are kept
	// before pruning; defaults to 24h when zero.
	MaxAge time.Duration
}

// NewCronScheduler builds a scheduler with its prune job registered but not
// yet started.
func NewCronScheduler(cfg CronSchedulerConfig) (*CronScheduler, error) {
	schedule := cfg.PruneSchedule
	if schedule == "" {
		schedule = "0 * * * *"
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	c := cron.New(cron.WithLocation(time.UTC))
	cs := &CronScheduler{
		mapResults: cfg.MapResults,
		log:        cfg.Logger,
		maxAge:     maxAge,
		cron:       c,
	}

	entryID, err := c.AddFunc(schedule, cs.runPrune)
	if err != nil {
		return nil, fmt.Errorf("schedule prune job %q: %w", schedule, err)
	}
	cs.entryID = entryID

	return cs, nil
}

// Start starts the cron scheduler's background goroutine.
func (cs *CronScheduler) Start() {
	cs.cron.Start()
}

// Stop stops the scheduler, waiting for an in-flight prune to finish.
func (cs *CronScheduler) Stop() error {
	ctx := cs.cron.Stop()
	<-ctx.Done()
	return nil
}

func (cs *CronScheduler) runPrune() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := cs.mapResults.PruneOlderThan(ctx, cs.maxAge)
	if err != nil {
		if cs.log != nil {
			cs.log.Error("map result prune failed", "error", err)
		}
		return
	}
	if cs.log != nil && n > 0 {
		cs.log.Info("pruned stale map result rows", "count", n, "max_age", cs.maxAge)
	}
}

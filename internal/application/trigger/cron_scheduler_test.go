package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuro6061/nexum/internal/domain/model"
)

type fakePruner struct {
	calls  int32
	maxAge time.Duration
	mu     sync.Mutex
	err    error
}

func (f *fakePruner) Upsert(ctx context.Context, r *model.MapResult) (int, error) {
	return 0, nil
}

func (f *fakePruner) GatherOrdered(ctx context.Context, executionID, mapNodeID string) ([]*model.MapResult, error) {
	return nil, nil
}

func (f *fakePruner) PruneOlderThan(ctx context.Context, age time.Duration) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.maxAge = age
	f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func TestNewCronScheduler_ShouldDefaultScheduleAndMaxAge(t *testing.T) {
	cs, err := NewCronScheduler(CronSchedulerConfig{MapResults: &fakePruner{}})
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cs.maxAge)
}

func TestNewCronScheduler_ShouldRejectInvalidSchedule(t *testing.T) {
	_, err := NewCronScheduler(CronSchedulerConfig{
		MapResults:    &fakePruner{},
		PruneSchedule: "not a schedule",
	})
	assert.Error(t, err)
}

func TestCronScheduler_ShouldInvokePruneOnSchedule(t *testing.T) {
	pruner := &fakePruner{}
	cs, err := NewCronScheduler(CronSchedulerConfig{
		MapResults:    pruner,
		PruneSchedule: "@every 50ms",
		MaxAge:        time.Hour,
	})
	require.NoError(t, err)

	cs.Start()
	defer cs.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&pruner.calls) >= 1
	}, time.Second, 10*time.Millisecond)

	pruner.mu.Lock()
	assert.Equal(t, time.Hour, pruner.maxAge)
	pruner.mu.Unlock()
}

func TestCronScheduler_ShouldToleratePruneError(t *testing.T) {
	pruner := &fakePruner{err: assert.AnError}
	cs, err := NewCronScheduler(CronSchedulerConfig{
		MapResults:    pruner,
		PruneSchedule: "@every 50ms",
	})
	require.NoError(t, err)

	cs.Start()
	defer cs.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&pruner.calls) >= 1
	}, time.Second, 10*time.Millisecond)
}

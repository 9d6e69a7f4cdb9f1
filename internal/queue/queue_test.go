// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/engineerr"
	"github.com/taskmesh/engine/internal/events"
	"github.com/taskmesh/engine/internal/retry"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, executor Executor) *Queue {
	t.Helper()
	resolver := retry.NewResolver(&config.Config{})
	bus := events.NewInProcBus(zap.NewNop())
	return NewQueue(zap.NewNop(), resolver, bus, executor, 4, HealthThresholds{})
}

func alwaysSucceeds(ctx context.Context, job *Job) (any, error) { return "ok", nil }

func TestDynamicPriorityBasesByType(t *testing.T) {
	j := &Job{Type: "ai-computation"}
	assert.Equal(t, 15, dynamicPriority(j))

	j = &Job{Type: "batch-operation"}
	assert.Equal(t, 5, dynamicPriority(j))

	j = &Job{Type: "unknown-type"}
	assert.Equal(t, 10, dynamicPriority(j))
}

func TestDynamicPriorityPremiumOwnerDiscount(t *testing.T) {
	j := &Job{Type: "data-processing", Owner: "premium-acme"}
	assert.Equal(t, 9, dynamicPriority(j))
}

func TestDynamicPrioritySizeThresholds(t *testing.T) {
	small := &Job{Type: "email-notification", Payload: map[string]any{"a": 1}}
	assert.Equal(t, 8, dynamicPriority(small))

	medium := &Job{Type: "email-notification", Payload: map[string]any{"blob": strings.Repeat("a", 6000)}}
	assert.Equal(t, 10, dynamicPriority(medium))

	large := &Job{Type: "email-notification", Payload: map[string]any{"blob": string(make([]byte, 11000))}}
	assert.Equal(t, 13, dynamicPriority(large))
}

func TestDynamicPriorityClamps(t *testing.T) {
	assert.Equal(t, 1, clampPriority(-5))
	assert.Equal(t, 100, clampPriority(500))
	assert.Equal(t, 42, clampPriority(42))
}

func TestResolvePriorityExplicitWins(t *testing.T) {
	j := &Job{Type: "ai-computation", Priority: 99}
	assert.Equal(t, 99, resolvePriority(j))
}

func TestResolvePriorityClampsExplicitOutOfRangeNegative(t *testing.T) {
	j := &Job{Type: "ai-computation", Priority: -5}
	assert.Equal(t, 1, resolvePriority(j))
}

func TestResolvePriorityUnsetUsesDynamicFormula(t *testing.T) {
	j := &Job{Type: "batch-operation"}
	assert.Equal(t, dynamicPriority(j), resolvePriority(j))
}

func TestReadyHeapOrdersByPriorityThenArrival(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	idLow, _ := q.Add(Job{Type: "x", Priority: 50})
	idHigh, _ := q.Add(Job{Type: "x", Priority: 1})
	idTie1, _ := q.Add(Job{Type: "x", Priority: 20})
	idTie2, _ := q.Add(Job{Type: "x", Priority: 20})

	var order []string
	for q.ready.Len() > 0 {
		j := q.ready[0]
		order = append(order, j.ID)
		q.removeFromReady(j.ID)
	}

	require.Equal(t, []string{idHigh, idTie1, idTie2, idLow}, order)
}

func TestDelayedJobInvisibleUntilNotBefore(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	id, err := q.AddDelayed(Job{Type: "x"}, time.Hour)
	require.NoError(t, err)

	q.mu.Lock()
	assert.Equal(t, 0, q.ready.Len())
	assert.Len(t, q.delayed, 1)
	q.mu.Unlock()

	status, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusWaiting, status)
}

func TestPromoteDelayedMovesEligibleJobs(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	_, err := q.AddDelayed(Job{Type: "x"}, -time.Second) // already eligible
	require.NoError(t, err)

	q.mu.Lock()
	q.promoteDelayed()
	assert.Equal(t, 1, q.ready.Len())
	assert.Len(t, q.delayed, 0)
	q.mu.Unlock()
}

func TestRunJobSuccessPublishesCompletedAndUpdatesStats(t *testing.T) {
	q := newTestQueue(t, func(ctx context.Context, job *Job) (any, error) { return "done", nil })

	var mu sync.Mutex
	var seen []events.Name
	q.bus.Subscribe(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Name)
		mu.Unlock()
	})

	id, err := q.Add(Job{Type: "x"})
	require.NoError(t, err)
	q.dispatchTick(context.Background())

	require.Eventually(t, func() bool {
		s, _ := q.Status(id)
		return s == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, 1, stats.Completed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHandleFailureRetriesUntilBudgetExhausted(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	job := &Job{ID: "job-1", Type: "batch-operation"} // builtin MaxAttempts: 2

	q.handleFailure(job, errors.New("transient boom"))
	assert.Equal(t, StatusWaiting, job.Status)
	assert.Equal(t, 1, job.Attempts)

	q.handleFailure(job, errors.New("transient boom"))
	assert.Equal(t, StatusDeadLetter, job.Status)
	assert.Equal(t, 2, job.Attempts)

	dl := q.DeadLetter(0)
	require.Len(t, dl, 1)
	assert.Equal(t, "job-1", dl[0].OriginalID)
	assert.Equal(t, FailurePermanent, dl[0].FailureClass)
}

func TestHandleFailureNonRetryableKindSkipsRetry(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	job := &Job{ID: "job-2", Type: "ai-computation"} // builtin MaxAttempts: 3, plenty of budget left

	err := engineerr.New(engineerr.NonRetryable, "bad credentials")
	q.handleFailure(job, err)

	assert.Equal(t, StatusDeadLetter, job.Status)
	dl := q.DeadLetter(0)
	require.Len(t, dl, 1)
	assert.Equal(t, FailurePoisonPill, dl[0].FailureClass)
}

func TestHandleFailureClassifierMessageMatch(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	job := &Job{ID: "job-3", Type: "ai-computation"}

	q.handleFailure(job, errors.New("ValidationError: missing field"))

	assert.Equal(t, StatusDeadLetter, job.Status)
}

func TestStatsSnapshot(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	_, _ = q.Add(Job{Type: "x"})
	_, _ = q.AddDelayed(Job{Type: "x"}, time.Hour)

	stats := q.Stats()
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Delayed)
}

func TestHealthTriggersOnThresholds(t *testing.T) {
	resolver := retry.NewResolver(&config.Config{})
	bus := events.NewInProcBus(zap.NewNop())
	q := NewQueue(zap.NewNop(), resolver, bus, alwaysSucceeds, 4, HealthThresholds{MaxFailed: 1})

	job := &Job{ID: "job-4", Type: "ai-computation"}
	q.handleFailure(job, errors.New("ValidationError"))

	err := q.Health()
	require.Error(t, err)
	assert.Equal(t, engineerr.StorageUnavailable, engineerr.KindOf(err))
}

func TestRemoveDropsWaitingAndDelayedJobs(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	waitingID, _ := q.Add(Job{Type: "x"})
	delayedID, _ := q.AddDelayed(Job{Type: "x"}, time.Hour)

	require.NoError(t, q.Remove(waitingID))
	require.NoError(t, q.Remove(delayedID))

	_, ok := q.Get(waitingID)
	assert.False(t, ok)
	_, ok = q.Get(delayedID)
	assert.False(t, ok)
}

func TestBatchSequentialAbortsOnFirstFailureByDefault(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	q := newTestQueue(t, func(ctx context.Context, job *Job) (any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			return nil, engineerr.New(engineerr.NonRetryable, "boom")
		}
		return "ok", nil
	})
	go q.Run(context.Background(), 5*time.Millisecond)
	t.Cleanup(q.Stop)

	runner := NewBatchRunner(q)
	id := runner.AddBatch(Batch{
		Config: BatchConfig{Strategy: BatchSequential},
		Jobs:   []Job{{Type: "x"}, {Type: "x"}, {Type: "x"}},
	})

	require.Eventually(t, func() bool {
		p, ok := runner.BatchProgress(id)
		return ok && p.Status != BatchRunning
	}, 2*time.Second, 10*time.Millisecond)

	p, _ := runner.BatchProgress(id)
	assert.Equal(t, BatchFailed, p.Status)
	assert.Less(t, len(p.PerJobResult), 3)
}

func TestBatchSequentialContinuesOnErrorWhenConfigured(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	q := newTestQueue(t, func(ctx context.Context, job *Job) (any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			return nil, engineerr.New(engineerr.NonRetryable, "boom")
		}
		return "ok", nil
	})
	go q.Run(context.Background(), 5*time.Millisecond)
	t.Cleanup(q.Stop)

	runner := NewBatchRunner(q)
	id := runner.AddBatch(Batch{
		Config: BatchConfig{Strategy: BatchSequential, ContinueOnError: true},
		Jobs:   []Job{{Type: "x"}, {Type: "x"}, {Type: "x"}},
	})

	require.Eventually(t, func() bool {
		p, ok := runner.BatchProgress(id)
		return ok && p.Status != BatchRunning
	}, 2*time.Second, 10*time.Millisecond)

	p, _ := runner.BatchProgress(id)
	assert.Equal(t, 3, len(p.PerJobResult))
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 1, p.Failed)
}

func TestBatchPriorityBasedOrdersBeforeDispatch(t *testing.T) {
	var mu sync.Mutex
	var order []int
	q := newTestQueue(t, func(ctx context.Context, job *Job) (any, error) {
		mu.Lock()
		order = append(order, job.Priority)
		mu.Unlock()
		return "ok", nil
	})
	go q.Run(context.Background(), 5*time.Millisecond)
	t.Cleanup(q.Stop)

	runner := NewBatchRunner(q)
	id := runner.AddBatch(Batch{
		Config: BatchConfig{Strategy: BatchPriorityBased},
		Jobs:   []Job{{Type: "x", Priority: 30}, {Type: "x", Priority: 1}, {Type: "x", Priority: 15}},
	})

	require.Eventually(t, func() bool {
		p, ok := runner.BatchProgress(id)
		return ok && p.Status != BatchRunning
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 15, 30}, order)
}

func TestReaperRequeuesStuckActiveJobs(t *testing.T) {
	block := make(chan struct{})
	q := newTestQueue(t, func(ctx context.Context, job *Job) (any, error) {
		<-block
		return "ok", nil
	})
	id, err := q.Add(Job{Type: "x"})
	require.NoError(t, err)
	q.dispatchTick(context.Background())

	require.Eventually(t, func() bool {
		s, _ := q.Status(id)
		return s == StatusActive
	}, time.Second, 5*time.Millisecond)

	reaper := NewReaper(q, 5*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	// First scan: the job is active but not yet past grace relative to its
	// first-observed time, so nothing should move yet.
	reaper.scanOnce()
	s, _ := q.Status(id)
	assert.Equal(t, StatusActive, s)

	time.Sleep(30 * time.Millisecond)
	reaper.scanOnce()

	s, _ = q.Status(id)
	assert.Equal(t, StatusWaiting, s)

	close(block)
}

func TestRecurringSchedulerFiresTemplate(t *testing.T) {
	q := newTestQueue(t, alwaysSucceeds)
	sched := NewRecurringScheduler(q, zap.NewNop())
	_, err := sched.AddRecurring(Job{Type: "recurring-type"}, "@every 10ms")
	require.NoError(t, err)
	sched.Start()
	t.Cleanup(sched.Stop)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.byID) >= 1
	}, time.Second, 10*time.Millisecond)
}

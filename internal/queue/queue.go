// Copyright 2025 James Ross
package queue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/engine/internal/contenthash"
	"github.com/taskmesh/engine/internal/engineerr"
	"github.com/taskmesh/engine/internal/events"
	"github.com/taskmesh/engine/internal/retry"
	"go.uber.org/zap"
)

// Executor performs one job; the concrete implementation (wired in
// cmd/enginectl) routes through the Provider Router and consults the Cache
// Store. The queue itself only knows success/failure.
type Executor func(ctx context.Context, job *Job) (any, error)

// Queue is the engine's work queue.
type Queue struct {
	log      *zap.Logger
	resolver *retry.Resolver
	bus      events.Bus
	executor Executor

	workerFanout int
	health       HealthThresholds

	mu          sync.Mutex
	ready       readyHeap // waiting jobs whose notBefore has passed
	delayed     []*Job    // waiting jobs not yet eligible for the ready heap
	byID        map[string]*Job
	active      map[string]*Job
	completed   int
	failedCount int
	deadLetters []DeadLetterRecord

	paused  bool
	seq     int64
	stopped chan struct{}

	// workflowCancelled, when set, lets the dispatcher check a DAG-tracked
	// job's owning workflow before running it. Wired to
	// dag.Engine.IsWorkflowCancelled after both the Queue and the Engine
	// exist.
	workflowCancelled func(workflowID string) bool
}

// SetWorkflowCancelledCheck wires the DAG Engine's cancellation lookup into
// the dispatcher. Must be called before Run starts; a Queue with no check
// set never treats any job as belonging to a cancelled workflow.
func (q *Queue) SetWorkflowCancelledCheck(fn func(workflowID string) bool) {
	q.mu.Lock()
	q.workflowCancelled = fn
	q.mu.Unlock()
}

// cancelledByWorkflow reports whether job belongs to a DAG workflow that
// has since been cancelled. Must be called without q.mu held, since the
// wired check locks the DAG Engine's own state.
func (q *Queue) cancelledByWorkflow(job *Job) bool {
	if job.DAG == nil {
		return false
	}
	q.mu.Lock()
	check := q.workflowCancelled
	q.mu.Unlock()
	return check != nil && check(job.DAG.WorkflowID)
}

func NewQueue(log *zap.Logger, resolver *retry.Resolver, bus events.Bus, executor Executor, workerFanout int, health HealthThresholds) *Queue {
	if workerFanout <= 0 {
		workerFanout = 16
	}
	q := &Queue{
		log:          log,
		resolver:     resolver,
		bus:          bus,
		executor:     executor,
		workerFanout: workerFanout,
		health:       health,
		byID:         make(map[string]*Job),
		active:       make(map[string]*Job),
		stopped:      make(chan struct{}),
	}
	heap.Init(&q.ready)
	return q
}

// Add enqueues job for immediate dispatch (subject to priority ordering).
func (q *Queue) Add(job Job) (string, error) {
	return q.addInternal(job, time.Time{})
}

// AddDelayed enqueues job, invisible to the dispatcher until delay elapses.
func (q *Queue) AddDelayed(job Job, delay time.Duration) (string, error) {
	return q.addInternal(job, time.Now().Add(delay))
}

func (q *Queue) addInternal(job Job, notBefore time.Time) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	hash, err := contenthash.Hash(job.Type, job.Payload, job.ProviderID)
	if err != nil {
		return "", engineerr.Wrap(engineerr.InvalidInput, err, "hash job payload")
	}
	job.ContentHash = hash
	job.Priority = resolvePriority(&job)
	job.Status = StatusWaiting
	job.CreatedAt = time.Now()
	job.NotBefore = notBefore

	q.mu.Lock()
	job.arrivalSeq = atomic.AddInt64(&q.seq, 1)
	q.byID[job.ID] = &job
	if notBefore.IsZero() || !notBefore.After(time.Now()) {
		heap.Push(&q.ready, &job)
	} else {
		q.delayed = append(q.delayed, &job)
	}
	q.mu.Unlock()

	return job.ID, nil
}

// promoteDelayed moves any delayed job whose notBefore has passed into the
// ready heap. Must be called with q.mu held.
func (q *Queue) promoteDelayed() {
	now := time.Now()
	var remaining []*Job
	for _, j := range q.delayed {
		if !j.NotBefore.After(now) {
			heap.Push(&q.ready, j)
		} else {
			remaining = append(remaining, j)
		}
	}
	q.delayed = remaining
}

// Get returns a copy of the job's current state.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Status returns the job's current status.
func (q *Queue) Status(id string) (Status, bool) {
	j, ok := q.Get(id)
	if !ok {
		return "", false
	}
	return j.Status, true
}

// Remove drops a waiting/delayed job; a job scheduled but not yet
// dispatched is simply dropped.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[id]; !ok {
		return engineerr.New(engineerr.NotFound, "job %s not found", id)
	}
	delete(q.byID, id)
	q.removeFromReady(id)
	var remaining []*Job
	for _, j := range q.delayed {
		if j.ID != id {
			remaining = append(remaining, j)
		}
	}
	q.delayed = remaining
	return nil
}

func (q *Queue) removeFromReady(id string) {
	for i, j := range q.ready {
		if j.ID == id {
			heap.Remove(&q.ready, i)
			return
		}
	}
}

// Retry re-enqueues a failed job under its original id and content hash.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	j, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return engineerr.New(engineerr.NotFound, "job %s not found", id)
	}
	j.Status = StatusWaiting
	j.arrivalSeq = atomic.AddInt64(&q.seq, 1)
	heap.Push(&q.ready, j)
	q.mu.Unlock()
	return nil
}

// FailedJobs returns up to `limit` failed jobs (limit<=0 means all).
func (q *Queue) FailedJobs(limit int) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, j := range q.byID {
		if j.Status == StatusFailed {
			out = append(out, *j)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// DeadLetter returns up to `limit` dead-letter records (limit<=0 means all).
func (q *Queue) DeadLetter(limit int) []DeadLetterRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.deadLetters) {
		out := make([]DeadLetterRecord, len(q.deadLetters))
		copy(out, q.deadLetters)
		return out
	}
	out := make([]DeadLetterRecord, limit)
	copy(out, q.deadLetters[:limit])
	return out
}

// Stats returns the queue's count snapshot in a single call.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:    len(q.ready),
		Active:     len(q.active),
		Completed:  q.completed,
		Failed:     q.failedCount,
		Delayed:    len(q.delayed),
		DeadLetter: len(q.deadLetters),
	}
}

// Pause stops the dispatcher from pulling new jobs; in-flight jobs finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Clean removes terminal (completed/failed) jobs older than grace.
func (q *Queue) Clean(grace time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-grace)
	n := 0
	for id, j := range q.byID {
		if (j.Status == StatusCompleted || j.Status == StatusFailed) && j.CreatedAt.Before(cutoff) {
			delete(q.byID, id)
			n++
		}
	}
	return n
}

// Health reports healthy iff active/failed/deadLetter counts are within
// configured thresholds; reachability of the backing store is the
// caller's concern when a remote queue store is wired in.
func (q *Queue) Health() error {
	s := q.Stats()
	maxFailed, maxDL, maxActive := 100, 50, 1000
	if q.health.MaxFailed > 0 {
		maxFailed = q.health.MaxFailed
	}
	if q.health.MaxDeadLetter > 0 {
		maxDL = q.health.MaxDeadLetter
	}
	if q.health.MaxActive > 0 {
		maxActive = q.health.MaxActive
	}
	if s.Failed >= maxFailed || s.DeadLetter >= maxDL || s.Active >= maxActive {
		return engineerr.New(engineerr.StorageUnavailable, "queue unhealthy: failed=%d deadLetter=%d active=%d", s.Failed, s.DeadLetter, s.Active)
	}
	return nil
}

// Run starts the dispatcher loop; it blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopped:
			return
		case <-ticker.C:
			q.dispatchTick(ctx)
		}
	}
}

func (q *Queue) Stop() { close(q.stopped) }

func (q *Queue) dispatchTick(ctx context.Context) {
	for {
		q.mu.Lock()
		q.promoteDelayed()
		if q.paused || len(q.active) >= q.workerFanout || q.ready.Len() == 0 {
			q.mu.Unlock()
			return
		}
		job := heap.Pop(&q.ready).(*Job)
		q.mu.Unlock()

		// A job whose DAG workflow was cancelled after it was enqueued is
		// dropped rather than dispatched: the workflow discards its result
		// on arrival anyway, so running it would only waste a provider
		// call.
		if q.cancelledByWorkflow(job) {
			q.mu.Lock()
			delete(q.byID, job.ID)
			q.mu.Unlock()
			continue
		}

		q.mu.Lock()
		job.Status = StatusActive
		q.active[job.ID] = job
		q.mu.Unlock()

		go q.runJob(ctx, job)
	}
}

func (q *Queue) runJob(ctx context.Context, job *Job) {
	if q.cancelledByWorkflow(job) {
		q.mu.Lock()
		delete(q.active, job.ID)
		delete(q.byID, job.ID)
		q.mu.Unlock()
		return
	}

	q.bus.Publish(events.Event{Name: events.JobStarted, JobID: job.ID, JobType: job.Type})

	result, err := q.executor(ctx, job)

	q.mu.Lock()
	delete(q.active, job.ID)
	q.mu.Unlock()

	if err == nil {
		q.mu.Lock()
		job.Status = StatusCompleted
		job.Result = result
		q.completed++
		q.mu.Unlock()
		q.bus.Publish(events.Event{Name: events.JobCompleted, JobID: job.ID, JobType: job.Type, Result: result})
		if job.DAG != nil {
			q.bus.Publish(events.Event{Name: events.DAGJobCompleted, JobID: job.ID, WorkflowID: job.DAG.WorkflowID, NodeID: job.DAG.NodeID, Result: result})
		}
		return
	}

	q.handleFailure(job, err)
}

func (q *Queue) handleFailure(job *Job, jobErr error) {
	job.Attempts++
	policy := q.resolver.GetPolicy(job.Type)
	// The classifier matches on the error's name/message; a job executor
	// wraps provider/validation errors with engineerr, whose Kind is
	// checked directly for the non_retryable category, falling back to
	// message matching for everything else.
	retryable := engineerr.KindOf(jobErr) != engineerr.NonRetryable &&
		q.resolver.ShouldRetry(jobErr.Error(), job.Attempts, policy.MaxAttempts)

	q.mu.Lock()
	job.Status = StatusFailed
	job.Err = jobErr.Error()
	q.failedCount++
	q.mu.Unlock()

	q.bus.Publish(events.Event{Name: events.JobFailed, JobID: job.ID, JobType: job.Type, Error: jobErr.Error()})

	if !retryable {
		class := FailurePermanent
		if engineerr.KindOf(jobErr) == engineerr.NonRetryable {
			class = FailurePoisonPill
		}
		q.deadLetter(job, jobErr.Error(), class)
		return
	}

	delay := q.resolver.CalculateDelay(policy, job.Attempts)
	q.mu.Lock()
	job.Status = StatusWaiting
	job.NotBefore = time.Now().Add(delay)
	q.delayed = append(q.delayed, job)
	q.mu.Unlock()
}

func (q *Queue) deadLetter(job *Job, reason string, class FailureClass) {
	q.mu.Lock()
	job.Status = StatusDeadLetter
	rec := DeadLetterRecord{
		OriginalID:    job.ID,
		FailureReason: reason,
		FailureClass:  class,
		FailedAt:      time.Now(),
		Attempts:      job.Attempts,
		Job:           *job,
	}
	q.deadLetters = append(q.deadLetters, rec)
	q.mu.Unlock()
	q.bus.Publish(events.Event{Name: events.JobDeadLettered, JobID: job.ID, JobType: job.Type, Reason: reason})
	if job.DAG != nil {
		q.bus.Publish(events.Event{Name: events.DAGJobFailed, JobID: job.ID, WorkflowID: job.DAG.WorkflowID, NodeID: job.DAG.NodeID, Error: reason})
	}
}

// StuckActive returns active jobs that have been running longer than grace,
// for the reaper to requeue.
func (q *Queue) StuckActive(grace time.Duration, since func(*Job) time.Time) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-grace)
	var stuck []*Job
	for _, j := range q.active {
		if since(j).Before(cutoff) {
			stuck = append(stuck, j)
		}
	}
	return stuck
}

// Requeue forcibly moves an active job back to waiting, used by the reaper
// when a worker died without reporting completion.
func (q *Queue) Requeue(job *Job) {
	q.mu.Lock()
	delete(q.active, job.ID)
	job.Status = StatusWaiting
	job.arrivalSeq = atomic.AddInt64(&q.seq, 1)
	heap.Push(&q.ready, job)
	q.mu.Unlock()
}

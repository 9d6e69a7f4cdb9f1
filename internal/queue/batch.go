// Copyright 2025 James Ross
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Batch groups jobs under one id and orchestration config.
type Batch struct {
	ID     string
	Config BatchConfig
	Jobs   []Job
}

type batchState struct {
	mu       sync.Mutex
	progress BatchProgress
	cancel   func()
}

// BatchRunner executes batches against a Queue using one of the three
// orchestration strategies: sequential, parallel, or priority-based.
type BatchRunner struct {
	q *Queue

	mu      sync.Mutex
	batches map[string]*batchState
}

func NewBatchRunner(q *Queue) *BatchRunner {
	return &BatchRunner{q: q, batches: make(map[string]*batchState)}
}

// AddBatch starts executing the batch asynchronously and returns its id.
func (r *BatchRunner) AddBatch(b Batch) string {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	for i := range b.Jobs {
		if b.Jobs[i].Priority == 0 && b.Config.Priority > 0 {
			b.Jobs[i].Priority = b.Config.Priority
		}
		if b.Jobs[i].GroupKey == "" {
			b.Jobs[i].GroupKey = b.Config.GroupKey
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &batchState{
		progress: BatchProgress{
			BatchID:      b.ID,
			Total:        len(b.Jobs),
			Status:       BatchRunning,
			PerJobResult: make([]JobResult, 0, len(b.Jobs)),
			StartedAt:    time.Now(),
		},
		cancel: cancel,
	}
	r.mu.Lock()
	r.batches[b.ID] = state
	r.mu.Unlock()

	go r.run(ctx, b, state)
	return b.ID
}

func (r *BatchRunner) run(ctx context.Context, b Batch, state *batchState) {
	switch b.Config.Strategy {
	case BatchParallel:
		r.runParallel(ctx, b, state)
	case BatchPriorityBased:
		r.runPriorityBased(ctx, b, state)
	default:
		r.runSequential(ctx, b, state)
	}
}

func (r *BatchRunner) runOne(job Job) JobResult {
	id, err := r.q.Add(job)
	if err != nil {
		return JobResult{JobID: job.ID, Status: StatusFailed, Err: err.Error()}
	}
	return r.awaitFinished(id)
}

// awaitFinished polls the job until it reaches a terminal status.
func (r *BatchRunner) awaitFinished(id string) JobResult {
	for {
		j, ok := r.q.Get(id)
		if !ok {
			return JobResult{JobID: id, Status: StatusFailed, Err: "job vanished"}
		}
		switch j.Status {
		case StatusCompleted:
			return JobResult{JobID: id, Status: StatusCompleted, Result: j.Result}
		case StatusDeadLetter:
			return JobResult{JobID: id, Status: StatusDeadLetter, Err: j.Err}
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (r *BatchRunner) runSequential(ctx context.Context, b Batch, state *batchState) {
	for _, job := range b.Jobs {
		if ctx.Err() != nil {
			r.finish(state, BatchCancelled)
			return
		}
		res := r.runOne(job)
		r.record(state, res)
		if res.Status != StatusCompleted && !b.Config.ContinueOnError {
			r.finish(state, BatchFailed)
			return
		}
	}
	r.finish(state, finalStatus(state))
}

func (r *BatchRunner) runParallel(ctx context.Context, b Batch, state *batchState) {
	chunkSize := b.Config.MaxConcurrency
	if chunkSize <= 0 {
		chunkSize = 5
	}
	for i := 0; i < len(b.Jobs); i += chunkSize {
		if ctx.Err() != nil {
			r.finish(state, BatchCancelled)
			return
		}
		end := i + chunkSize
		if end > len(b.Jobs) {
			end = len(b.Jobs)
		}
		chunk := b.Jobs[i:end]

		var wg sync.WaitGroup
		results := make([]JobResult, len(chunk))
		for idx, job := range chunk {
			wg.Add(1)
			go func(idx int, job Job) {
				defer wg.Done()
				results[idx] = r.runOne(job)
			}(idx, job)
		}
		wg.Wait()
		for _, res := range results {
			r.record(state, res)
		}
	}
	r.finish(state, finalStatus(state))
}

func (r *BatchRunner) runPriorityBased(ctx context.Context, b Batch, state *batchState) {
	jobs := make([]Job, len(b.Jobs))
	copy(jobs, b.Jobs)
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Priority < jobs[j].Priority })
	r.runSequential(ctx, Batch{ID: b.ID, Config: b.Config, Jobs: jobs}, state)
}

func (r *BatchRunner) record(state *batchState, res JobResult) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.progress.PerJobResult = append(state.progress.PerJobResult, res)
	if res.Status == StatusCompleted {
		state.progress.Completed++
	} else {
		state.progress.Failed++
	}
}

func finalStatus(state *batchState) BatchStatus {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.progress.Failed > 0 {
		return BatchFailed
	}
	return BatchCompleted
}

func (r *BatchRunner) finish(state *batchState, status BatchStatus) {
	state.mu.Lock()
	state.progress.Status = status
	state.progress.CompletedAt = time.Now()
	state.mu.Unlock()
}

// BatchProgress returns the current progress snapshot for a batch.
func (r *BatchRunner) BatchProgress(id string) (BatchProgress, bool) {
	r.mu.Lock()
	state, ok := r.batches[id]
	r.mu.Unlock()
	if !ok {
		return BatchProgress{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.progress, true
}

// CancelBatch stops further job submission for a running batch.
func (r *BatchRunner) CancelBatch(id string) bool {
	r.mu.Lock()
	state, ok := r.batches[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	state.cancel()
	return true
}

// Copyright 2025 James Ross

// Package queue implements the work queue: priority-ordered dispatch,
// delayed/recurring jobs, retry/dead-letter, batch orchestration, stats,
// and health. Jobs, dead-letter records and recurring schedules are held
// in process memory only and do not survive a restart.
package queue

import (
	"time"
)

// Status is the job lifecycle: waiting, then active, then completed or
// failed; a failed job either retries or lands in the dead-letter sink,
// which is terminal.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead-letter"
)

// DAGContext carries workflow linkage for jobs enqueued by the DAG Engine.
type DAGContext struct {
	WorkflowID      string
	NodeID          string
	UpstreamResults map[string]any
}

// Job is the queue's unit of work.
type Job struct {
	ID         string
	Type       string
	Payload    any
	Owner      string
	Priority   int // 1=highest .. 100=lowest; 0 means "not set, compute dynamically"
	GroupKey   string
	Metadata   map[string]any
	ProviderID string
	DAG        *DAGContext

	ContentHash string
	Attempts    int
	Status      Status

	CreatedAt time.Time
	NotBefore time.Time // delayed jobs are invisible to the dispatcher until now >= NotBefore

	Result any
	Err    string

	arrivalSeq int64 // FIFO tie-break within equal priority
}

// clampPriority enforces the [1,100] bounds.
func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 100 {
		return 100
	}
	return p
}

// FailureClass buckets a dead-lettered job for operator triage. It is a
// plain function of the error kind.
type FailureClass string

const (
	// FailurePoisonPill marks a job whose last error has kind
	// engineerr.NonRetryable.
	FailurePoisonPill FailureClass = "poison-pill"
	// FailurePermanent marks every other dead-lettered job: one that used
	// up its retry budget, or whose error message the retry classifier
	// lists as non-retryable.
	FailurePermanent FailureClass = "permanent"
	// FailureTransient is never assigned by the queue; handleFailure
	// produces only poison-pill or permanent.
	FailureTransient FailureClass = "transient"
)

// DeadLetterRecord is the metadata attached when a job is moved to the
// dead-letter sink.
type DeadLetterRecord struct {
	OriginalID    string
	FailureReason string
	FailureClass  FailureClass
	FailedAt      time.Time
	Attempts      int
	Job           Job
}

// Stats is the queue's single-call count snapshot.
type Stats struct {
	Waiting    int
	Active     int
	Completed  int
	Failed     int
	Delayed    int
	DeadLetter int
}

// HealthThresholds configures the Health check's trip points.
type HealthThresholds struct {
	MaxFailed     int
	MaxDeadLetter int
	MaxActive     int
}

// BatchStrategy selects how addBatch executes its jobs.
type BatchStrategy string

const (
	BatchSequential    BatchStrategy = "sequential"
	BatchParallel      BatchStrategy = "parallel"
	BatchPriorityBased BatchStrategy = "priority-based"
)

// BatchConfig controls one AddBatch call.
type BatchConfig struct {
	Strategy        BatchStrategy
	ContinueOnError bool
	MaxConcurrency  int
	Priority        int
	GroupKey        string
}

// BatchStatus mirrors the running/completed/failed/cancelled lifecycle.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// JobResult is one entry of a batch's perJobResult list.
type JobResult struct {
	JobID  string
	Status Status
	Result any
	Err    string
}

// BatchProgress is the snapshot returned by BatchProgress.
type BatchProgress struct {
	BatchID      string
	Total        int
	Completed    int
	Failed       int
	Status       BatchStatus
	PerJobResult []JobResult
	StartedAt    time.Time
	CompletedAt  time.Time
}

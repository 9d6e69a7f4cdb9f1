// Copyright 2025 James Ross
package queue

import (
	"context"
	"time"

	"github.com/taskmesh/engine/internal/obs"
	"go.uber.org/zap"
)

// Reaper periodically requeues active jobs that have been running longer
// than grace, on the assumption that the worker holding them died without
// reporting completion. "Stuck" is measured from the first scan that
// observed the job active, not from its dispatch time: jobs run as
// in-process goroutines, so there is no separate worker heartbeat to
// watch.
type Reaper struct {
	q        *Queue
	interval time.Duration
	grace    time.Duration
	log      *zap.Logger

	since map[string]time.Time
}

func NewReaper(q *Queue, interval, grace time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Reaper{q: q, interval: interval, grace: grace, log: log, since: make(map[string]time.Time)}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce()
		}
	}
}

func (r *Reaper) scanOnce() {
	stuck := r.q.StuckActive(r.grace, r.dispatchedAt)
	for _, job := range stuck {
		delete(r.since, job.ID)
		r.q.Requeue(job)
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued stuck job", zap.String("id", job.ID), zap.String("type", job.Type))
	}
}

// dispatchedAt tracks the first time each job was observed active, since the
// Job type itself has no dispatch timestamp field; a job not yet seen is
// treated as dispatched just now so it can't be reaped before its grace
// period genuinely elapses.
func (r *Reaper) dispatchedAt(j *Job) time.Time {
	if t, ok := r.since[j.ID]; ok {
		return t
	}
	now := time.Now()
	r.since[j.ID] = now
	return now
}

// Copyright 2025 James Ross
package queue

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RecurringScheduler spawns independent job copies at each cron firing;
// each copy is treated identically to a one-shot job. Schedules evaluate
// at minute granularity in UTC.
type RecurringScheduler struct {
	cron *cron.Cron
	q    *Queue
	log  *zap.Logger
}

func NewRecurringScheduler(q *Queue, log *zap.Logger) *RecurringScheduler {
	return &RecurringScheduler{
		cron: cron.New(cron.WithLocation(time.UTC)),
		q:    q,
		log:  log,
	}
}

// AddRecurring registers template as a recurring job under cron expr.
func (s *RecurringScheduler) AddRecurring(template Job, expr string) (cron.EntryID, error) {
	return s.cron.AddFunc(expr, func() {
		copyJob := template
		copyJob.ID = ""
		if _, err := s.q.Add(copyJob); err != nil {
			s.log.Warn("recurring job enqueue failed", zap.String("type", template.Type), zap.Error(err))
		}
	})
}

func (s *RecurringScheduler) RemoveRecurring(id cron.EntryID) { s.cron.Remove(id) }

func (s *RecurringScheduler) Start() { s.cron.Start() }
func (s *RecurringScheduler) Stop()  { s.cron.Stop() }

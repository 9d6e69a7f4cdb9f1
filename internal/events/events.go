// Copyright 2025 James Ross

// Package events carries the engine's pub/sub layer: fire-and-forget,
// at-most-once per listener, delivery failures contained to the listener.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Name enumerates the engine's published events.
type Name string

const (
	JobStarted       Name = "job.started"
	JobCompleted     Name = "job.completed"
	JobFailed        Name = "job.failed"
	JobDeadLettered  Name = "job.dead-lettered"
	CacheEntryStored Name = "cache.entry.stored"
	CacheInvalidated Name = "cache.entry.invalidated"
	DAGJobCompleted  Name = "dag.job.completed"
	DAGJobFailed     Name = "dag.job.failed"
)

// Event is the payload carried for every named event; fields not relevant
// to a given Name are left zero-valued.
type Event struct {
	Name       Name      `json:"name"`
	JobID      string    `json:"jobId,omitempty"`
	WorkflowID string    `json:"workflowId,omitempty"`
	NodeID     string    `json:"nodeId,omitempty"`
	JobType    string    `json:"jobType,omitempty"`
	Key        string    `json:"key,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Listener receives events; it must not block for long — the bus invokes
// listeners outside any component lock but on its own delivery goroutine.
type Listener func(Event)

// Bus is the shared contract both the in-process and NATS implementations
// satisfy.
type Bus interface {
	Subscribe(Listener)
	Publish(Event)
	Close() error
}

// InProcBus fans out events to subscribed listeners on independent
// goroutines so one slow or panicking listener cannot block dispatch or
// take down the publisher.
type InProcBus struct {
	log *zap.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func NewInProcBus(log *zap.Logger) *InProcBus {
	return &InProcBus{log: log}
}

func (b *InProcBus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *InProcBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		go b.deliver(l, e)
	}
}

func (b *InProcBus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event listener panicked", zap.Any("recover", r), zap.String("event", string(e.Name)))
		}
	}()
	l(e)
}

func (b *InProcBus) Close() error { return nil }

// marshalForTransport encodes an Event for publication on a shared bus.
func marshalForTransport(e Event) ([]byte, error) { return json.Marshal(e) }

// Copyright 2025 James Ross
package events

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus publishes every event to a subject derived from its name and
// also fans out to local listeners, so operators get both a shared-bus
// feed and in-process delivery. Plain NATS, no JetStream: the engine
// makes no durability promise for events.
type NATSBus struct {
	log  *zap.Logger
	conn *nats.Conn

	mu        sync.RWMutex
	listeners []Listener
}

func NewNATSBus(url string, log *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{log: log, conn: conn}, nil
}

func (b *NATSBus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *NATSBus) subject(e Event) string {
	return fmt.Sprintf("engine.events.%s", e.Name)
}

func (b *NATSBus) Publish(e Event) {
	payload, err := marshalForTransport(e)
	if err != nil {
		b.log.Warn("event marshal failed", zap.Error(err))
	} else if err := b.conn.Publish(b.subject(e), payload); err != nil {
		b.log.Warn("nats publish failed", zap.Error(err), zap.String("subject", b.subject(e)))
	}

	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()
	for _, l := range listeners {
		go b.deliver(l, e)
	}
}

func (b *NATSBus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event listener panicked", zap.Any("recover", r), zap.String("event", string(e.Name)))
		}
	}()
	l(e)
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

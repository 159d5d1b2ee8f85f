// Package eventbus implements the named-event-stream / multi-consumer
// fan-out model described in spec design notes §9: every streaming
// component exposes named events over channels with a small bounded buffer
// and an explicit drop policy when a consumer lags. It generalizes the
// teacher's single dashboardEvents channel (internal/engine.Engine,
// internal/api's Hub broadcast) into a reusable bus shared by the
// Scheduler, TradeLogger, WhaleTracker, CopyTrader, and SwarmExecutor.
package eventbus

import (
	"log/slog"
	"sync"
)

// Event is one named occurrence on the bus, e.g. "trade", "tradeFilled",
// "botStarted", "positionOpened", "newWhale".
type Event struct {
	Type string
	Data any
}

const defaultBufferSize = 64

// Bus is a multi-consumer, non-blocking event fan-out. Subscribers that
// fall behind have events dropped for them rather than blocking publishers;
// this matches the teacher's emitDashboardEvent drain-and-replace-on-full
// discipline (internal/engine/engine.go, internal/risk/manager.go).
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe function. The caller must call unsubscribe when done reading.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, defaultBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish delivers an event to every current subscriber. A subscriber whose
// buffer is full has the event dropped for it; publishers never block.
func (b *Bus) Publish(eventType string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	evt := Event{Type: eventType, Data: data}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			if b.logger != nil {
				b.logger.Warn("eventbus subscriber full, dropping event", "type", eventType)
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers, for tests/metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

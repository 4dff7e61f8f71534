package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 64

// Broker fans events out to subscribers. Slow subscribers lose events
// rather than block publishers, and nothing is retained once delivered.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[chan Event[T]]subscription
	done       chan struct{}
	bufferSize int
}

type subscription struct {
	id      string
	filters []EventFilter
}

// NewBroker creates a broker with the default channel buffer.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker whose subscriber channels hold up to
// size undelivered events.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[chan Event[T]]subscription),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Publish delivers payload to every matching subscriber without blocking.
func (b *Broker[T]) Publish(eventType EventType, payload T, opts ...PublishOption) {
	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed() || len(b.subs) == 0 {
		return
	}

	event := Event[T]{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		SessionID: options.sessionID,
	}
	for ch, sub := range b.subs {
		if !sub.matches(eventType, options.sessionID) {
			continue
		}
		select {
		case ch <- event:
		default:
			slog.Warn("event channel full, dropping event", "subscriber", sub.id, "type", eventType)
		}
	}
}

// Subscribe creates a new subscription with optional filters. The channel
// is closed when ctx is done or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event[T], b.bufferSize)
	if b.closed() {
		close(ch)
		return ch
	}
	b.subs[ch] = subscription{id: uuid.NewString(), filters: filters}

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(ch)
		case <-b.done:
		}
	}()
	return ch
}

// Subscribers reports the number of open subscriptions.
func (b *Broker[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker[T]) unsubscribe(ch chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (s subscription) matches(eventType EventType, sessionID string) bool {
	for _, filter := range s.filters {
		if !filter(eventType, sessionID) {
			return false
		}
	}
	return true
}

func (b *Broker[T]) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Shutdown closes every subscriber channel. Publishing afterwards is a no-op.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed() {
		return
	}
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

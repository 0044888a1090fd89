package tracker

import (
	"log/slog"
	"sync"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Handler receives an execution event. Handlers run synchronously on the
// goroutine that delivers the event and must not block for long.
type Handler func(model.ExecutionEvent)

type subscription struct {
	id uint64
	fn Handler
}

// Bus fans tracker events out to in-process subscribers. There is no
// persistence or replay: a subscriber only sees events published after it
// subscribed. A panicking subscriber is logged and skipped; the remaining
// subscribers still receive the event.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[model.EventType][]subscription
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[model.EventType][]subscription),
	}
}

// OnUpdate subscribes to executionUpdate, fired on every mutation.
func (b *Bus) OnUpdate(fn Handler) (unsubscribe func()) {
	return b.subscribe(model.EventExecutionUpdate, fn)
}

// OnComplete subscribes to execution-complete.
func (b *Bus) OnComplete(fn Handler) (unsubscribe func()) {
	return b.subscribe(model.EventExecutionComplete, fn)
}

// OnFailed subscribes to execution-failed.
func (b *Bus) OnFailed(fn Handler) (unsubscribe func()) {
	return b.subscribe(model.EventExecutionFailed, fn)
}

// OnTimeout subscribes to execution-timeout.
func (b *Bus) OnTimeout(fn Handler) (unsubscribe func()) {
	return b.subscribe(model.EventExecutionTimeout, fn)
}

// OnManagerOperation subscribes to manager-operation-complete.
func (b *Bus) OnManagerOperation(fn Handler) (unsubscribe func()) {
	return b.subscribe(model.EventManagerOperationComplete, fn)
}

func (b *Bus) subscribe(eventType model.EventType, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *Bus) unsubscribe(eventType model.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			// Copy so a publish iterating the old slice is unaffected.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[eventType] = next
			return
		}
	}
}

// Publish delivers ev to every subscriber of ev.Type in subscription order.
func (b *Bus) Publish(ev model.ExecutionEvent) {
	b.mu.RLock()
	subs := b.subs[ev.Type]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev model.ExecutionEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tracker: event subscriber panicked",
				"event", ev.Type,
				"correlation_id", ev.Execution.CorrelationID,
				"panic", r)
		}
	}()
	s.fn(ev)
}

// Subscribers returns the number of live subscriptions for an event type.
func (b *Bus) Subscribers(eventType model.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

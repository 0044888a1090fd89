package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

// Broker fans out tracker events to SSE subscribers. It subscribes to every
// event type on the tracker bus and sends each formatted event to all
// subscriber channels whose filter matches.
type Broker struct {
	bus    *tracker.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string // value: correlation ID filter, "" = all
	dropped     int64
}

// NewBroker creates a new SSE broker. Call Start to begin relaying events.
func NewBroker(bus *tracker.Bus, logger *slog.Logger) *Broker {
	return &Broker{
		bus:         bus,
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Start subscribes to the tracker bus. It blocks until ctx is cancelled,
// so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	unsubs := []func(){
		b.bus.OnUpdate(b.relay),
		b.bus.OnComplete(b.relay),
		b.bus.OnFailed(b.relay),
		b.bus.OnTimeout(b.relay),
		b.bus.OnManagerOperation(b.relay),
	}
	b.logger.Info("broker: relaying tracker events")

	<-ctx.Done()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (b *Broker) relay(ev model.ExecutionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("broker: marshal event", "error", err, "correlation_id", ev.Execution.CorrelationID)
		return
	}
	b.broadcast(ev.Execution.CorrelationID, ev.Execution.ParentID, formatSSE(string(ev.Type), string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events. A
// non-empty correlationID limits delivery to that execution and its
// children. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(correlationID string) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = correlationID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Len returns the number of connected subscribers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of events skipped because a subscriber's
// buffer was full.
func (b *Broker) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// broadcast sends an event to all matching subscribers. Slow subscribers
// with a full buffer miss the event; they never block the tracker.
func (b *Broker) broadcast(id, parentID string, event []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != id && filter != parentID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

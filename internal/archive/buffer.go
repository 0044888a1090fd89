package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/telemetry"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

// Buffer collects terminal execution snapshots and flushes them to a Store
// when either the batch size or the flush interval is reached. Snapshots are
// coalesced per correlation ID, so only the latest state of an execution is
// written per flush.
type Buffer struct {
	store         Store
	logger        *slog.Logger
	maxPending    int
	batchSize     int
	flushInterval time.Duration

	mu       sync.Mutex
	pending  map[string]model.Execution
	order    []string
	drainCtx context.Context // set by Drain so the final flush respects the caller's deadline

	dropped atomic.Int64
	flushed atomic.Int64

	flushCh     chan struct{}
	done        chan struct{}
	cancelLoop  context.CancelFunc
	unsubscribe func()
}

// NewBuffer creates a buffer in front of store. maxPending bounds memory
// when the store is unavailable; beyond it new executions are dropped.
func NewBuffer(store Store, logger *slog.Logger, maxPending int, flushInterval time.Duration) *Buffer {
	if maxPending <= 0 {
		maxPending = 1024
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Buffer{
		store:         store,
		logger:        logger,
		maxPending:    maxPending,
		batchSize:     min(100, maxPending),
		flushInterval: flushInterval,
		pending:       make(map[string]model.Execution),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Store returns the backend the buffer writes to.
func (b *Buffer) Store() Store { return b.store }

// Attach subscribes the buffer to every tracker mutation. Only terminal
// snapshots are kept; a later reconciliation of the same execution (timeout
// to timeoutSuccess) replaces the earlier one.
func (b *Buffer) Attach(bus *tracker.Bus) {
	b.unsubscribe = bus.OnUpdate(func(ev model.ExecutionEvent) {
		if ev.Execution.IsTerminal() {
			b.Enqueue(ev.Execution)
		}
	})
}

// Enqueue adds a snapshot. It never blocks; it returns false when the
// buffer is full and the snapshot was dropped.
func (b *Buffer) Enqueue(e model.Execution) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[e.CorrelationID]; !ok {
		if len(b.pending) >= b.maxPending {
			b.dropped.Add(1)
			b.logger.Warn("archive: buffer full, dropping execution",
				"correlation_id", e.CorrelationID, "pending", len(b.pending))
			return false
		}
		b.order = append(b.order, e.CorrelationID)
	}
	b.pending[e.CorrelationID] = e

	if len(b.pending) >= b.batchSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return true
}

// Start begins the background flush loop and registers OTEL metrics. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			drainCtx := b.drainCtx
			b.mu.Unlock()
			if drainCtx == nil {
				// Cancelled without Drain (e.g. tests).
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			for b.Len() > 0 && drainCtx.Err() == nil {
				if !b.flush(drainCtx) {
					break
				}
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// flush writes up to one batch and reports whether it succeeded.
func (b *Buffer) flush(ctx context.Context) bool {
	b.mu.Lock()
	if len(b.order) == 0 {
		b.mu.Unlock()
		return true
	}
	n := min(len(b.order), b.batchSize)
	ids := b.order[:n:n]
	b.order = b.order[n:]
	batch := make([]model.Execution, 0, n)
	for _, id := range ids {
		batch = append(batch, b.pending[id])
		delete(b.pending, id)
	}
	b.mu.Unlock()

	start := time.Now()
	err := b.store.UpsertExecutions(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("archive: flush failed", "error", err, "batch_size", len(batch))
		// Put snapshots back for retry unless a newer one arrived meanwhile.
		b.mu.Lock()
		var requeue []string
		for _, e := range batch {
			if _, newer := b.pending[e.CorrelationID]; newer {
				continue
			}
			if len(b.pending) >= b.maxPending {
				b.dropped.Add(1)
				continue
			}
			b.pending[e.CorrelationID] = e
			requeue = append(requeue, e.CorrelationID)
		}
		b.order = append(requeue, b.order...)
		b.mu.Unlock()
		return false
	}

	b.flushed.Add(int64(len(batch)))
	b.logger.Debug("archive: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)
	return true
}

// Drain unsubscribes from the tracker, signals the flush loop to stop and
// waits for its final flush. ctx bounds both the wait and the final writes.
func (b *Buffer) Drain(ctx context.Context) {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	b.drainCtx = ctx
	b.mu.Unlock()
	if b.cancelLoop != nil {
		b.cancelLoop()
	} else {
		return
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("archive: drain timed out waiting for flush loop", "pending", b.Len())
	}
}

// Len returns the number of snapshots waiting to be written.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped returns the number of snapshots discarded because the buffer was
// full. A non-zero value means archive history has gaps.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Flushed returns the number of snapshots written since Start.
func (b *Buffer) Flushed() int64 {
	return b.flushed.Load()
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kanshi/archive")

	_, _ = meter.Int64ObservableGauge("kanshi.archive.depth",
		metric.WithDescription("Execution snapshots waiting to be archived"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kanshi.archive.dropped_total",
		metric.WithDescription("Execution snapshots dropped because the archive buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

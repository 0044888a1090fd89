// Package tracker tracks in-flight distributed operations by correlation ID.
//
// A Tracker owns every Execution record in the process. Callers register an
// execution with Start, dispatch work to agents themselves, and report the
// outcome with Complete or Fail as callbacks arrive. A deadline timer races
// every callback and forces the execution to timeout if nothing arrives.
// Fan-out operations register one parent and one child per target; the
// parent resolves from its children once none of them is pending.
//
// All mutators are safe for concurrent use. State changes are linearized by a
// single lock; events produced by a change are published after the lock is
// released, in mutation order, so subscribers may call back into the Tracker.
// Only one goroutine publishes at a time: when another caller is already
// draining, a mutator returns at once and its events are delivered on that
// caller's goroutine, possibly after the mutator has returned.
// Mutators never fail on an unknown correlation ID: callbacks legitimately
// race retention eviction, so the call is logged and ignored.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanshi/internal/clock"
	"github.com/ashita-ai/kanshi/internal/model"
)

// Defaults for Options fields left zero.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultManagerTimeout = 30 * time.Second
	DefaultRetentionCount = 1000
)

var (
	// ErrNotFound is returned by Wait for an unknown correlation ID.
	ErrNotFound = errors.New("tracker: not found")

	// ErrDuplicate is returned by Start when the correlation ID is taken.
	ErrDuplicate = errors.New("tracker: correlation id already registered")

	// ErrEvicted is returned by Wait when the record was evicted by
	// retention cleanup before reaching a terminal status.
	ErrEvicted = errors.New("tracker: execution evicted before completion")
)

// Options configures a Tracker.
type Options struct {
	// DefaultTimeout bounds operations that are not manager lifecycle actions.
	DefaultTimeout time.Duration

	// ManagerTimeout bounds manager lifecycle operations. Kept separate from
	// DefaultTimeout even though both default to the same value.
	ManagerTimeout time.Duration

	// RetentionCount is the record limit Cleanup enforces by default.
	RetentionCount int

	Clock  clock.Clock
	Logger *slog.Logger
	Bus    *Bus

	// Meter overrides the global OTEL meter.
	Meter metric.Meter
}

// StartRequest describes a new execution.
type StartRequest struct {
	// CorrelationID is generated when empty.
	CorrelationID string
	Command       string
	AgentTarget   string
	OperationType string

	// ParentID links the execution to a fan-out parent.
	ParentID string

	// Timeout overrides the policy-selected deadline when positive.
	Timeout time.Duration
}

// Tracker is the execution record store, timeout scheduler, state machine
// and parent aggregator.
type Tracker struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
	bus    *Bus
	inst   *instruments

	mu      sync.Mutex
	records map[string]*entry
	outbox  []model.ExecutionEvent

	// drainMu is held by the goroutine currently publishing the outbox.
	drainMu sync.Mutex
}

// New creates a Tracker. Zero Options fields take their defaults.
func New(opts Options) *Tracker {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.ManagerTimeout <= 0 {
		opts.ManagerTimeout = DefaultManagerTimeout
	}
	if opts.RetentionCount <= 0 {
		opts.RetentionCount = DefaultRetentionCount
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = NewBus(opts.Logger)
	}
	t := &Tracker{
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		bus:     opts.Bus,
		records: make(map[string]*entry),
	}
	t.inst = t.newInstruments(opts.Meter)
	return t
}

// Events returns the bus the tracker publishes to.
func (t *Tracker) Events() *Bus {
	return t.bus
}

// Start registers a pending execution and arms its deadline. When
// req.ParentID names a known execution, the new record is appended to the
// parent's children.
func (t *Tracker) Start(req StartRequest) (model.Execution, error) {
	id := req.CorrelationID
	if id == "" {
		id = GenerateCorrelationID()
	}
	parentID := req.ParentID
	if parentID == id {
		t.logger.Warn("tracker: execution named itself as parent, link dropped", "correlation_id", id)
		parentID = ""
	}

	t.mu.Lock()
	if existing, ok := t.records[id]; ok {
		snap := existing.exec.Clone()
		t.mu.Unlock()
		t.logger.Warn("tracker: start for existing correlation id", "correlation_id", id)
		return snap, ErrDuplicate
	}

	now := t.clock.Now()
	e := &entry{
		exec: model.Execution{
			CorrelationID: id,
			Command:       req.Command,
			AgentTarget:   req.AgentTarget,
			OperationType: req.OperationType,
			Status:        model.StatusPending,
			StartTime:     now,
			ParentID:      parentID,
			Logs:          []model.LogEntry{},
			ChildIDs:      []string{},
		},
		done: make(chan struct{}),
	}
	e.log(now, fmt.Sprintf("Execution started: %q on %s", req.Command, req.AgentTarget))
	t.records[id] = e

	if parentID != "" {
		t.attachChild(e, now)
	}
	d := t.armTimeout(e, req.Timeout)
	t.inst.recordStart(&e.exec)
	t.emit(model.EventExecutionUpdate, e, "", now)
	snap := e.exec.Clone()
	t.mu.Unlock()

	t.logger.Debug("tracker: execution started",
		"correlation_id", id,
		"agent", req.AgentTarget,
		"operation_type", req.OperationType,
		"parent_id", parentID,
		"timeout", d)
	t.flush()
	return snap, nil
}

// Complete records a success callback. A pending execution becomes
// success. A timed-out execution becomes timeoutSuccess unless it is a stop
// operation, in which case the late callback is logged and discarded.
// Returns the resulting snapshot and whether the id was known.
func (t *Tracker) Complete(id string, result any) (model.Execution, bool) {
	t.mu.Lock()
	e, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("tracker: completion for unknown execution", "correlation_id", id)
		return model.Execution{}, false
	}

	now := t.clock.Now()
	switch e.exec.Status {
	case model.StatusPending:
		e.callback(now)
		e.exec.Result = result
		e.log(now, "Execution completed successfully")
		t.finish(e, model.StatusSuccess, now)

	case model.StatusTimeout:
		e.callback(now)
		if isStop(&e.exec) {
			e.log(now, "Late completion discarded: stop operation already timed out")
			t.logger.Info("tracker: late completion discarded for stop operation",
				"correlation_id", id)
			break
		}
		e.exec.Result = result
		e.exec.TimedOut = true
		e.log(now, fmt.Sprintf("Late completion reconciled %s after timeout", now.Sub(*e.exec.EndTime)))
		t.logger.Info("tracker: late completion reconciled", "correlation_id", id)
		t.finish(e, model.StatusTimeoutSuccess, now)

	default:
		t.logger.Debug("tracker: completion ignored for terminal execution",
			"correlation_id", id, "status", e.exec.Status)
	}
	snap := e.exec.Clone()
	t.mu.Unlock()

	t.flush()
	return snap, true
}

// Fail records a failure callback. Only a pending execution changes
// status; a failure never overrides an existing timeout.
func (t *Tracker) Fail(id string, errMsg string) (model.Execution, bool) {
	t.mu.Lock()
	e, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("tracker: failure for unknown execution", "correlation_id", id)
		return model.Execution{}, false
	}

	now := t.clock.Now()
	switch e.exec.Status {
	case model.StatusPending:
		e.callback(now)
		e.exec.Error = errMsg
		e.log(now, "Execution failed: "+errMsg)
		t.finish(e, model.StatusFailed, now)

	case model.StatusTimeout:
		e.callback(now)
		e.log(now, "Late failure ignored, execution already timed out: "+errMsg)
		t.logger.Info("tracker: late failure ignored", "correlation_id", id)

	default:
		t.logger.Debug("tracker: failure ignored for terminal execution",
			"correlation_id", id, "status", e.exec.Status)
	}
	snap := e.exec.Clone()
	t.mu.Unlock()

	t.flush()
	return snap, true
}

// Terminate marks a pending execution as manually terminated by an
// operator. Terminal executions are left untouched.
func (t *Tracker) Terminate(id string, reason string) (model.Execution, bool) {
	t.mu.Lock()
	e, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("tracker: terminate for unknown execution", "correlation_id", id)
		return model.Execution{}, false
	}

	now := t.clock.Now()
	if e.exec.Status == model.StatusPending {
		if reason == "" {
			reason = "terminated by operator"
		}
		e.exec.Error = reason
		e.log(now, "Execution manually terminated: "+reason)
		t.finish(e, model.StatusManualTermination, now)
	}
	snap := e.exec.Clone()
	t.mu.Unlock()

	t.flush()
	return snap, true
}

// AddLog appends a diagnostic line to an execution's log.
func (t *Tracker) AddLog(id string, message string) bool {
	t.mu.Lock()
	e, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("tracker: log for unknown execution", "correlation_id", id)
		return false
	}
	now := t.clock.Now()
	e.log(now, message)
	t.emit(model.EventExecutionUpdate, e, e.exec.Status, now)
	t.mu.Unlock()

	t.flush()
	return true
}

// RecordPollingDetection stamps the first time a status poller observed
// the execution's outcome. Later calls are no-ops. The lag against the
// callback time is logged for poll-versus-push latency diagnostics.
func (t *Tracker) RecordPollingDetection(id string) (model.Execution, bool) {
	t.mu.Lock()
	e, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("tracker: polling detection for unknown execution", "correlation_id", id)
		return model.Execution{}, false
	}

	if e.exec.PollingDetectedTime == nil {
		now := t.clock.Now()
		e.exec.PollingDetectedTime = &now
		if e.exec.CallbackTime != nil {
			lag := now.Sub(*e.exec.CallbackTime)
			e.log(now, fmt.Sprintf("Polling detected outcome %s after callback", lag))
			t.logger.Debug("tracker: polling detection", "correlation_id", id, "lag_ms", lag.Milliseconds())
			t.inst.recordPollLag(&e.exec)
		} else {
			e.log(now, "Polling detected status "+string(e.exec.Status))
		}
		t.emit(model.EventExecutionUpdate, e, e.exec.Status, now)
	}
	snap := e.exec.Clone()
	t.mu.Unlock()

	t.flush()
	return snap, true
}

// Wait blocks until the execution reaches a terminal status, ctx is done,
// or the record is evicted. It returns the snapshot at that moment.
func (t *Tracker) Wait(ctx context.Context, id string) (model.Execution, error) {
	t.mu.Lock()
	e, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return model.Execution{}, ErrNotFound
	}
	done := e.done
	t.mu.Unlock()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	t.mu.Lock()
	snap := e.exec.Clone()
	evicted := e.evicted
	t.mu.Unlock()

	if waitErr != nil {
		return snap, waitErr
	}
	if evicted && !snap.IsTerminal() {
		return snap, ErrEvicted
	}
	return snap, nil
}

// finish moves e into a terminal status. EndTime is only stamped the first
// time; the timeout -> timeoutSuccess reconciliation keeps the original.
// Caller holds t.mu.
func (t *Tracker) finish(e *entry, status model.ExecutionStatus, now time.Time) {
	prev := e.exec.Status
	e.exec.Status = status
	if e.exec.EndTime == nil {
		end := now
		e.exec.EndTime = &end
	}
	t.disarm(e)
	e.release()
	t.inst.recordFinish(&e.exec, prev)
	t.emitTransition(e, prev, now)
	t.resolveParentOf(e, now)
}

// emitTransition queues the events for a terminal transition. Caller holds t.mu.
func (t *Tracker) emitTransition(e *entry, prev model.ExecutionStatus, now time.Time) {
	t.emit(model.EventExecutionUpdate, e, prev, now)
	switch e.exec.Status {
	case model.StatusSuccess, model.StatusTimeoutSuccess, model.StatusPartialSuccess:
		t.emit(model.EventExecutionComplete, e, prev, now)
	case model.StatusFailed:
		t.emit(model.EventExecutionFailed, e, prev, now)
	case model.StatusTimeout:
		t.emit(model.EventExecutionTimeout, e, prev, now)
	}
	if isManager(&e.exec) {
		t.emit(model.EventManagerOperationComplete, e, prev, now)
	}
}

// emit queues an event carrying a snapshot of e. Caller holds t.mu.
func (t *Tracker) emit(eventType model.EventType, e *entry, prev model.ExecutionStatus, now time.Time) {
	t.outbox = append(t.outbox, model.ExecutionEvent{
		Type:           eventType,
		Execution:      e.exec.Clone(),
		PreviousStatus: prev,
		At:             now,
	})
}

// flush publishes queued events. Only one goroutine drains at a time; a
// caller that finds the drain busy (including a subscriber calling back
// into the tracker) leaves its events to the active drainer.
func (t *Tracker) flush() {
	for {
		if !t.drainMu.TryLock() {
			return
		}
		for {
			t.mu.Lock()
			batch := t.outbox
			t.outbox = nil
			t.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				t.bus.Publish(ev)
			}
		}
		t.drainMu.Unlock()

		// Events queued between the last empty check and the unlock would
		// otherwise wait for the next mutation.
		t.mu.Lock()
		more := len(t.outbox) > 0
		t.mu.Unlock()
		if !more {
			return
		}
	}
}

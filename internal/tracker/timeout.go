package tracker

import (
	"fmt"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// TimeoutFor returns the deadline Start arms for an execution with this
// command and operation type: an explicit override wins, then manager
// operations use ManagerTimeout and everything else DefaultTimeout.
func (t *Tracker) TimeoutFor(command, operationType string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if IsManagerOperation(command, operationType) {
		return t.opts.ManagerTimeout
	}
	return t.opts.DefaultTimeout
}

// armTimeout schedules the deadline for e. Caller holds t.mu.
func (t *Tracker) armTimeout(e *entry, override time.Duration) time.Duration {
	d := t.TimeoutFor(e.exec.Command, e.exec.OperationType, override)
	id := e.exec.CorrelationID
	e.timer = t.clock.AfterFunc(d, func() { t.expire(id, e, d) })
	return d
}

// disarm stops e's deadline timer. Caller holds t.mu.
func (t *Tracker) disarm(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// expire runs on the clock's goroutine when a deadline fires. The record
// may have resolved or been evicted (and even replaced) since the timer was
// armed; both cases are a no-op.
func (t *Tracker) expire(id string, e *entry, d time.Duration) {
	t.mu.Lock()
	if cur, ok := t.records[id]; !ok || cur != e || e.exec.Status != model.StatusPending {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	e.timer = nil
	e.exec.Error = fmt.Sprintf("Execution timed out after %s", d)
	e.log(now, fmt.Sprintf("Execution timed out after %s without callback", d))
	t.finish(e, model.StatusTimeout, now)
	t.mu.Unlock()

	t.logger.Warn("tracker: execution timed out",
		"correlation_id", id,
		"agent", e.exec.AgentTarget,
		"timeout", d)
	t.flush()
}

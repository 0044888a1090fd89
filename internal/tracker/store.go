package tracker

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanshi/internal/clock"
	"github.com/ashita-ai/kanshi/internal/model"
)

// entry is the mutable record behind an Execution. Guarded by Tracker.mu.
type entry struct {
	exec  model.Execution
	timer clock.Timer

	// done is closed on the first terminal transition or on eviction.
	done    chan struct{}
	closed  bool
	evicted bool
}

func (e *entry) log(at time.Time, msg string) {
	e.exec.Logs = append(e.exec.Logs, model.LogEntry{Time: at, Message: msg})
}

// callback stamps the first callback arrival.
func (e *entry) callback(at time.Time) {
	if e.exec.CallbackTime == nil {
		t := at
		e.exec.CallbackTime = &t
	}
}

func (e *entry) release() {
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}

// GenerateCorrelationID returns a time-ordered unique identifier. IDs
// generated later sort after earlier ones within the same process.
func GenerateCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "exec-" + id.String()
}

// Get returns a snapshot of the execution.
func (t *Tracker) Get(id string) (model.Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.records[id]
	if !ok {
		return model.Execution{}, false
	}
	return e.exec.Clone(), true
}

// List returns snapshots of every tracked execution ordered by StartTime.
func (t *Tracker) List() []model.Execution {
	t.mu.Lock()
	out := make([]model.Execution, 0, len(t.records))
	for _, e := range t.records {
		out = append(out, e.exec.Clone())
	}
	t.mu.Unlock()

	sortByStart(out)
	return out
}

// Len returns the number of tracked executions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Cleanup evicts the oldest executions until at most retention remain.
// retention <= 0 uses the configured RetentionCount. Executions belonging to
// an unresolved fan-out are kept even if that leaves the store over the
// limit. Returns the number evicted.
func (t *Tracker) Cleanup(retention int) int {
	if retention <= 0 {
		retention = t.opts.RetentionCount
	}

	t.mu.Lock()
	excess := len(t.records) - retention
	if excess <= 0 {
		t.mu.Unlock()
		return 0
	}

	candidates := make([]*entry, 0, len(t.records))
	for _, e := range t.records {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].exec, candidates[j].exec
		if a.StartTime.Equal(b.StartTime) {
			return a.CorrelationID < b.CorrelationID
		}
		return a.StartTime.Before(b.StartTime)
	})

	evicted, kept := 0, 0
	for _, e := range candidates {
		if evicted == excess {
			break
		}
		if t.protected(e) {
			kept++
			continue
		}
		t.disarm(e)
		e.evicted = true
		e.release()
		delete(t.records, e.exec.CorrelationID)
		evicted++
	}
	remaining := len(t.records)
	t.mu.Unlock()

	if evicted > 0 || kept > 0 {
		t.logger.Info("tracker: cleanup",
			"evicted", evicted,
			"protected", kept,
			"remaining", remaining,
			"retention", retention)
	}
	return evicted
}

// protected reports whether e is part of a fan-out that has not resolved.
// Caller holds t.mu.
func (t *Tracker) protected(e *entry) bool {
	if !e.exec.IsTerminal() && len(e.exec.ChildIDs) > 0 {
		return true
	}
	if e.exec.ParentID != "" {
		if p, ok := t.records[e.exec.ParentID]; ok && !p.exec.IsTerminal() {
			return true
		}
	}
	return false
}

func sortByStart(execs []model.Execution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if execs[i].StartTime.Equal(execs[j].StartTime) {
			return execs[i].CorrelationID < execs[j].CorrelationID
		}
		return execs[i].StartTime.Before(execs[j].StartTime)
	})
}

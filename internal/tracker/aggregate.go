package tracker

import (
	"fmt"
	"slices"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Parent resolution messages.
const (
	msgAllFailed    = "All child operations failed"
	msgAllSucceeded = "All child operations completed successfully"
)

// attachChild links a freshly started child to its parent. Caller holds t.mu.
func (t *Tracker) attachChild(child *entry, now time.Time) {
	pid := child.exec.ParentID
	p, ok := t.records[pid]
	if !ok {
		t.logger.Warn("tracker: child registered with unknown parent",
			"correlation_id", child.exec.CorrelationID,
			"parent_id", pid)
		return
	}
	id := child.exec.CorrelationID
	if slices.Contains(p.exec.ChildIDs, id) {
		return
	}
	p.exec.ChildIDs = append(p.exec.ChildIDs, id)
	p.log(now, fmt.Sprintf("Child operation %s registered for %s", id, child.exec.AgentTarget))
	t.emit(model.EventExecutionUpdate, p, p.exec.Status, now)
}

// resolveParentOf re-evaluates the parent of a child that just reached a
// terminal status. The parent resolves once, when none of its children is
// pending. Caller holds t.mu.
func (t *Tracker) resolveParentOf(child *entry, now time.Time) {
	pid := child.exec.ParentID
	if pid == "" {
		return
	}
	p, ok := t.records[pid]
	if !ok || p.exec.IsTerminal() || len(p.exec.ChildIDs) == 0 {
		return
	}

	var counts model.ChildResults
	for _, cid := range p.exec.ChildIDs {
		c, ok := t.records[cid]
		if !ok {
			// Unresolvable; the parent's own deadline still applies.
			return
		}
		switch c.exec.Status {
		case model.StatusPending:
			return
		case model.StatusSuccess:
			counts.Success++
		case model.StatusFailed:
			counts.Failed++
		case model.StatusTimeout:
			counts.Timeout++
		case model.StatusTimeoutSuccess:
			counts.TimeoutSuccess++
		case model.StatusPartialSuccess:
			counts.PartialSuccess++
		case model.StatusManualTermination:
			counts.ManualTermination++
		}
	}

	total := len(p.exec.ChildIDs)
	succeeded := counts.Succeeded()
	var (
		status model.ExecutionStatus
		msg    string
	)
	switch {
	case counts.Failed == total:
		status, msg = model.StatusFailed, msgAllFailed
	case succeeded == total:
		status, msg = model.StatusSuccess, msgAllSucceeded
	default:
		status = model.StatusPartialSuccess
		msg = fmt.Sprintf("Partial success: %d succeeded, %d failed", succeeded, total-succeeded)
	}

	p.exec.Result = model.AggregateResult{
		Message:      msg,
		Total:        total,
		ChildResults: counts,
	}
	if status == model.StatusFailed {
		p.exec.Error = msg
	}
	p.log(now, msg)
	t.logger.Info("tracker: parent resolved",
		"correlation_id", pid,
		"status", status,
		"children", total,
		"succeeded", succeeded)

	// finish recurses into the grandparent.
	t.finish(p, status, now)
}

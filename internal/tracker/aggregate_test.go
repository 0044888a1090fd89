package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/model"
)

// startFanOut registers a parent and n children the way the dispatcher does.
func startFanOut(t *testing.T, tr *Tracker, n int) (string, []string) {
	t.Helper()
	parent := mustStart(t, tr, StartRequest{
		CorrelationID: "parent",
		Command:       "stop all agents",
		AgentTarget:   model.MultiAgentTarget,
	})
	children := make([]string, n)
	for i := range n {
		child := mustStart(t, tr, StartRequest{
			CorrelationID: fmt.Sprintf("child-%d", i),
			Command:       "stop all agents",
			AgentTarget:   fmt.Sprintf("agent-%d", i),
			ParentID:      parent.CorrelationID,
		})
		children[i] = child.CorrelationID
	}
	return parent.CorrelationID, children
}

func aggregate(t *testing.T, exec model.Execution) model.AggregateResult {
	t.Helper()
	res, ok := exec.Result.(model.AggregateResult)
	require.True(t, ok, "parent result is %T", exec.Result)
	return res
}

func TestChildRegistration(t *testing.T) {
	tr, _ := newFakeTracker(t)
	parentID, children := startFanOut(t, tr, 3)

	parent, _ := tr.Get(parentID)
	assert.Equal(t, children, parent.ChildIDs)

	child, _ := tr.Get(children[0])
	assert.Equal(t, parentID, child.ParentID)
}

func TestChildOfUnknownParent(t *testing.T) {
	tr, _ := newFakeTracker(t)
	child := mustStart(t, tr, StartRequest{CorrelationID: "orphan", Command: "deploy", ParentID: "missing"})
	assert.Equal(t, "missing", child.ParentID)

	_, ok := tr.Get("missing")
	assert.False(t, ok)

	got, ok := tr.Complete("orphan", nil)
	require.True(t, ok)
	assert.Equal(t, model.StatusSuccess, got.Status)
}

func TestSelfParentLinkDropped(t *testing.T) {
	tr, _ := newFakeTracker(t)
	got := mustStart(t, tr, StartRequest{CorrelationID: "loop", Command: "deploy", ParentID: "loop"})
	assert.Empty(t, got.ParentID)
	assert.Empty(t, got.ChildIDs)

	done, ok := tr.Complete("loop", nil)
	require.True(t, ok)
	assert.Equal(t, model.StatusSuccess, done.Status)
	assert.Nil(t, done.Result)
}

func TestParentAllSuccess(t *testing.T) {
	tr, fc := newFakeTracker(t)
	rec := record(tr)
	parentID, children := startFanOut(t, tr, 3)

	for _, id := range children {
		tr.Complete(id, "stopped")
	}

	parent, _ := tr.Get(parentID)
	assert.Equal(t, model.StatusSuccess, parent.Status)
	res := aggregate(t, parent)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.ChildResults.Success)
	assert.Equal(t, "All child operations completed successfully", res.Message)
	assert.Equal(t, 0, fc.Pending(), "parent deadline cancelled")
	assert.Equal(t, 1, rec.count(model.EventExecutionComplete, parentID))
}

func TestParentPartialSuccess(t *testing.T) {
	tr, _ := newFakeTracker(t)
	parentID, children := startFanOut(t, tr, 3)

	tr.Complete(children[0], nil)
	tr.Fail(children[1], "refused")
	tr.Complete(children[2], nil)

	parent, _ := tr.Get(parentID)
	assert.Equal(t, model.StatusPartialSuccess, parent.Status)
	res := aggregate(t, parent)
	assert.Contains(t, res.Message, "2 succeeded, 1 failed")
	assert.Equal(t, 2, res.ChildResults.Success)
	assert.Equal(t, 1, res.ChildResults.Failed)
}

func TestParentAllFailed(t *testing.T) {
	tr, _ := newFakeTracker(t)
	rec := record(tr)
	parentID, children := startFanOut(t, tr, 2)

	for _, id := range children {
		tr.Fail(id, "unreachable")
	}

	parent, _ := tr.Get(parentID)
	assert.Equal(t, model.StatusFailed, parent.Status)
	assert.Equal(t, "All child operations failed", aggregate(t, parent).Message)
	assert.Equal(t, 1, rec.count(model.EventExecutionFailed, parentID))
}

func TestParentWaitsForAllChildren(t *testing.T) {
	tr, _ := newFakeTracker(t)
	parentID, children := startFanOut(t, tr, 2)

	tr.Complete(children[0], nil)
	parent, _ := tr.Get(parentID)
	assert.Equal(t, model.StatusPending, parent.Status)
	assert.Nil(t, parent.Result)

	tr.Complete(children[1], nil)
	parent, _ = tr.Get(parentID)
	assert.Equal(t, model.StatusSuccess, parent.Status)
}

func TestParentWithTimedOutChild(t *testing.T) {
	tr, fc := newFakeTracker(t)
	mustStart(t, tr, StartRequest{CorrelationID: "parent", Command: "start all", Timeout: time.Hour})
	mustStart(t, tr, StartRequest{CorrelationID: "fast", Command: "start all", ParentID: "parent"})
	mustStart(t, tr, StartRequest{CorrelationID: "slow", Command: "start all", ParentID: "parent", Timeout: time.Second})

	tr.Complete("fast", nil)
	fc.Advance(time.Second)

	// A timed-out child is terminal, so the parent resolves as partial.
	parent, _ := tr.Get("parent")
	assert.Equal(t, model.StatusPartialSuccess, parent.Status)
	res := aggregate(t, parent)
	assert.Equal(t, 1, res.ChildResults.Timeout)
	assert.Equal(t, "Partial success: 1 succeeded, 1 failed", res.Message)

	// Late reconciliation of the child does not reopen the parent.
	tr.Complete("slow", nil)
	slow, _ := tr.Get("slow")
	assert.Equal(t, model.StatusTimeoutSuccess, slow.Status)
	parent, _ = tr.Get("parent")
	assert.Equal(t, model.StatusPartialSuccess, parent.Status)
}

func TestParentResolvedOnce(t *testing.T) {
	tr, _ := newFakeTracker(t)
	rec := record(tr)
	parentID, children := startFanOut(t, tr, 2)
	tr.Complete(children[0], nil)
	tr.Complete(children[1], nil)
	tr.Complete(children[1], nil)
	tr.Fail(children[0], "late")

	assert.Equal(t, 1, rec.count(model.EventExecutionComplete, parentID))
}

func TestParentTimedOutBeforeChildren(t *testing.T) {
	tr, fc := newFakeTracker(t)
	mustStart(t, tr, StartRequest{CorrelationID: "parent", Command: "deploy all", Timeout: time.Second})
	mustStart(t, tr, StartRequest{CorrelationID: "child", Command: "deploy", ParentID: "parent", Timeout: time.Hour})

	fc.Advance(time.Second)
	tr.Complete("child", nil)

	parent, _ := tr.Get("parent")
	assert.Equal(t, model.StatusTimeout, parent.Status)
}

func TestGrandparentResolution(t *testing.T) {
	tr, _ := newFakeTracker(t)
	mustStart(t, tr, StartRequest{CorrelationID: "root", Command: "deploy all"})
	mustStart(t, tr, StartRequest{CorrelationID: "region", Command: "deploy region", ParentID: "root"})
	mustStart(t, tr, StartRequest{CorrelationID: "host-a", Command: "deploy", ParentID: "region"})
	mustStart(t, tr, StartRequest{CorrelationID: "host-b", Command: "deploy", ParentID: "region"})

	tr.Complete("host-a", nil)
	tr.Complete("host-b", nil)

	region, _ := tr.Get("region")
	root, _ := tr.Get("root")
	assert.Equal(t, model.StatusSuccess, region.Status)
	assert.Equal(t, model.StatusSuccess, root.Status)
}

func TestParentWithoutChildrenTimesOut(t *testing.T) {
	tr, fc := newFakeTracker(t)
	mustStart(t, tr, StartRequest{CorrelationID: "parent", Command: "stop all", Timeout: time.Second})

	fc.Advance(time.Second)
	parent, _ := tr.Get("parent")
	assert.Equal(t, model.StatusTimeout, parent.Status)
}

func TestParentCountsLateSuccessAsSuccess(t *testing.T) {
	tr, fc := newFakeTracker(t)
	mustStart(t, tr, StartRequest{CorrelationID: "parent", Command: "start all", Timeout: time.Hour})
	mustStart(t, tr, StartRequest{CorrelationID: "slow", Command: "start all", ParentID: "parent", Timeout: time.Second})
	mustStart(t, tr, StartRequest{CorrelationID: "other", Command: "start all", ParentID: "parent", Timeout: time.Minute})

	fc.Advance(time.Second)
	tr.Complete("slow", nil)
	tr.Complete("other", nil)

	parent, _ := tr.Get("parent")
	assert.Equal(t, model.StatusSuccess, parent.Status)
	res := aggregate(t, parent)
	assert.Equal(t, 1, res.ChildResults.Success)
	assert.Equal(t, 1, res.ChildResults.TimeoutSuccess)
}

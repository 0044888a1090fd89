package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/clock"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAgent records received commands and answers with a fixed behavior.
type fakeAgent struct {
	mu       sync.Mutex
	received []model.AgentCommand
	calls    atomic.Int32
	handler  func(w http.ResponseWriter, cmd model.AgentCommand, call int32)
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/commands" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var cmd model.AgentCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.received = append(a.received, cmd)
	a.mu.Unlock()
	a.handler(w, cmd, a.calls.Add(1))
}

func (a *fakeAgent) commands() []model.AgentCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.AgentCommand(nil), a.received...)
}

func accepting() *fakeAgent {
	return &fakeAgent{handler: func(w http.ResponseWriter, _ model.AgentCommand, _ int32) {
		w.WriteHeader(http.StatusAccepted)
	}}
}

func replying(reply model.AgentReply) *fakeAgent {
	return &fakeAgent{handler: func(w http.ResponseWriter, _ model.AgentCommand, _ int32) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}}
}

func newTestDispatcher(t *testing.T, agents map[string]http.Handler) (*Dispatcher, *tracker.Tracker) {
	t.Helper()
	return newTestDispatcherWithTracker(t, agents, tracker.Options{Logger: testLogger()})
}

func newTestDispatcherWithTracker(t *testing.T, agents map[string]http.Handler, opts tracker.Options) (*Dispatcher, *tracker.Tracker) {
	t.Helper()
	urls := make(map[string]string, len(agents))
	for name, h := range agents {
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		urls[name] = srv.URL
	}
	tr := tracker.New(opts)
	d := New(Config{
		Agents:               urls,
		CallbackURL:          "http://hub.test",
		Retries:              2,
		RequestTimeout:       time.Second,
		RetryInitialInterval: time.Millisecond,
	}, tr, testLogger())
	return d, tr
}

func TestDispatchSingleAccepted(t *testing.T) {
	agent := accepting()
	d, _ := newTestDispatcher(t, map[string]http.Handler{"web-1": agent})

	res, err := d.Dispatch(context.Background(), Request{
		Command:       "start web",
		OperationType: "start",
		Targets:       []string{"web-1"},
		Args:          map[string]any{"port": float64(80)},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, res.Execution.Status)
	assert.Equal(t, "web-1", res.Execution.AgentTarget)
	assert.Empty(t, res.Children)

	received := agent.commands()
	require.Len(t, received, 1)
	cmd := received[0]
	assert.Equal(t, res.Execution.CorrelationID, cmd.CorrelationID)
	assert.Equal(t, "start web", cmd.Command)
	assert.Equal(t, "http://hub.test", cmd.CallbackURL)
	assert.Equal(t, map[string]any{"port": float64(80)}, cmd.Args)
}

func TestDispatchSingleSynchronousReply(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string]http.Handler{
		"web-1": replying(model.AgentReply{Status: "success", Result: "pid 42"}),
	})

	res, err := d.Dispatch(context.Background(), Request{Command: "status", Targets: []string{"web-1"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Execution.Status)
	assert.Equal(t, "pid 42", res.Execution.Result)
}

func TestDispatchSingleReplyFailed(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string]http.Handler{
		"web-1": replying(model.AgentReply{Status: "failed", Error: "no such service"}),
	})

	res, err := d.Dispatch(context.Background(), Request{Command: "start ghost", Targets: []string{"web-1"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Execution.Status)
	assert.Equal(t, "no such service", res.Execution.Error)
}

func TestDispatchUnknownSingleTarget(t *testing.T) {
	d, tr := newTestDispatcher(t, nil)
	_, err := d.Dispatch(context.Background(), Request{Command: "status", Targets: []string{"ghost"}})
	require.ErrorIs(t, err, ErrUnknownAgent)
	assert.Equal(t, 0, tr.Len())
}

func TestDispatchNoTargets(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	_, err := d.Dispatch(context.Background(), Request{Command: "status"})
	require.ErrorIs(t, err, ErrNoTargets)
}

func TestDispatchRetriesServerErrors(t *testing.T) {
	agent := &fakeAgent{handler: func(w http.ResponseWriter, _ model.AgentCommand, call int32) {
		if call < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}}
	d, tr := newTestDispatcher(t, map[string]http.Handler{"web-1": agent})

	res, err := d.Dispatch(context.Background(), Request{Command: "deploy", Targets: []string{"web-1"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), agent.calls.Load())
	assert.Equal(t, model.StatusPending, res.Execution.Status)

	got, _ := tr.Get(res.Execution.CorrelationID)
	assert.Contains(t, got.Logs[len(got.Logs)-1].Message, "Accepted by web-1")
	assert.Contains(t, got.Logs[len(got.Logs)-2].Message, "after 3 attempts")
}

func TestDispatchRetriesExhausted(t *testing.T) {
	agent := &fakeAgent{handler: func(w http.ResponseWriter, _ model.AgentCommand, _ int32) {
		w.WriteHeader(http.StatusBadGateway)
	}}
	d, _ := newTestDispatcher(t, map[string]http.Handler{"web-1": agent})

	res, err := d.Dispatch(context.Background(), Request{Command: "deploy", Targets: []string{"web-1"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), agent.calls.Load(), "one attempt plus two retries")
	assert.Equal(t, model.StatusFailed, res.Execution.Status)
	assert.Contains(t, res.Execution.Error, "502")
}

func TestDispatchClientErrorNotRetried(t *testing.T) {
	agent := &fakeAgent{handler: func(w http.ResponseWriter, _ model.AgentCommand, _ int32) {
		http.Error(w, "unknown command", http.StatusBadRequest)
	}}
	d, _ := newTestDispatcher(t, map[string]http.Handler{"web-1": agent})

	res, err := d.Dispatch(context.Background(), Request{Command: "dance", Targets: []string{"web-1"}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), agent.calls.Load())
	assert.Equal(t, model.StatusFailed, res.Execution.Status)
	assert.Contains(t, res.Execution.Error, "unknown command")
}

func TestDispatchFanOutAll(t *testing.T) {
	web1, web2, db := accepting(), accepting(), accepting()
	d, tr := newTestDispatcher(t, map[string]http.Handler{"web-1": web1, "web-2": web2, "db-1": db})

	res, err := d.Dispatch(context.Background(), Request{Command: "stop all agents", Targets: []string{"all"}})
	require.NoError(t, err)

	assert.Equal(t, model.MultiAgentTarget, res.Execution.AgentTarget)
	assert.Equal(t, model.StatusPending, res.Execution.Status)
	require.Len(t, res.Children, 3)
	assert.Len(t, res.Execution.ChildIDs, 3)

	targets := []string{}
	for _, child := range res.Children {
		targets = append(targets, child.AgentTarget)
		assert.Equal(t, res.Execution.CorrelationID, child.ParentID)
	}
	assert.Equal(t, []string{"db-1", "web-1", "web-2"}, targets)

	// Agents call back; the parent resolves from its children.
	tr.Complete(res.Children[0].CorrelationID, nil)
	tr.Complete(res.Children[1].CorrelationID, nil)
	tr.Fail(res.Children[2].CorrelationID, "still running")

	parent, _ := tr.Get(res.Execution.CorrelationID)
	assert.Equal(t, model.StatusPartialSuccess, parent.Status)
}

func TestDispatchFanOutUnknownAgentFailsChild(t *testing.T) {
	d, tr := newTestDispatcher(t, map[string]http.Handler{
		"web-1": replying(model.AgentReply{Status: "success"}),
	})

	res, err := d.Dispatch(context.Background(), Request{Command: "restart", Targets: []string{"web-1", "ghost"}})
	require.NoError(t, err)
	require.Len(t, res.Children, 2)

	byTarget := map[string]model.Execution{}
	for _, child := range res.Children {
		byTarget[child.AgentTarget] = child
	}
	assert.Equal(t, model.StatusSuccess, byTarget["web-1"].Status)
	assert.Equal(t, model.StatusFailed, byTarget["ghost"].Status)
	assert.Equal(t, "unknown agent", byTarget["ghost"].Error)

	parent, _ := tr.Get(res.Execution.CorrelationID)
	assert.Equal(t, model.StatusPartialSuccess, parent.Status)
	assert.Equal(t, parent, res.Execution)
}

func TestDispatchFanOutSilentAgentAggregatesOnChildTimeout(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d, tr := newTestDispatcherWithTracker(t, map[string]http.Handler{
		"a": replying(model.AgentReply{Status: "success"}),
		"b": accepting(),
	}, tracker.Options{Logger: testLogger(), Clock: fc, DefaultTimeout: 30 * time.Second})

	res, err := d.Dispatch(context.Background(), Request{Command: "deploy", Targets: []string{"all"}})
	require.NoError(t, err)
	require.Len(t, res.Children, 2)
	assert.Equal(t, model.StatusPending, res.Execution.Status)

	fc.Advance(30 * time.Second)

	byTarget := map[string]model.Execution{}
	for _, child := range res.Children {
		snap, ok := tr.Get(child.CorrelationID)
		require.True(t, ok)
		byTarget[snap.AgentTarget] = snap
	}
	assert.Equal(t, model.StatusSuccess, byTarget["a"].Status)
	assert.Equal(t, model.StatusTimeout, byTarget["b"].Status)

	parent, ok := tr.Get(res.Execution.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, model.StatusPartialSuccess, parent.Status)
	agg, ok := parent.Result.(model.AggregateResult)
	require.True(t, ok, "parent result is %T", parent.Result)
	assert.Equal(t, "Partial success: 1 succeeded, 1 failed", agg.Message)
	assert.Equal(t, model.ChildResults{Success: 1, Timeout: 1}, agg.ChildResults)
	assert.Zero(t, fc.Pending(), "resolving the parent disarms its deadline")
}

func TestDispatchFanOutParentOutlivesOverriddenChildTimeout(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d, tr := newTestDispatcherWithTracker(t, map[string]http.Handler{
		"a": accepting(),
		"b": accepting(),
	}, tracker.Options{Logger: testLogger(), Clock: fc})

	res, err := d.Dispatch(context.Background(), Request{Command: "deploy", Targets: []string{"a", "b"}, Timeout: 2 * time.Minute})
	require.NoError(t, err)

	fc.Advance(2*time.Minute - time.Millisecond)
	parent, _ := tr.Get(res.Execution.CorrelationID)
	assert.Equal(t, model.StatusPending, parent.Status)

	tr.Complete(res.Children[0].CorrelationID, nil)
	fc.Advance(time.Millisecond)

	parent, _ = tr.Get(res.Execution.CorrelationID)
	assert.Equal(t, model.StatusPartialSuccess, parent.Status)
	assert.Equal(t, 1, parent.Result.(model.AggregateResult).ChildResults.Timeout)
}

func TestDispatchFanOutDeduplicatesTargets(t *testing.T) {
	agent := accepting()
	d, _ := newTestDispatcher(t, map[string]http.Handler{"web-1": agent, "web-2": accepting()})

	res, err := d.Dispatch(context.Background(), Request{Command: "deploy", Targets: []string{"web-1", "all", "web-1"}})
	require.NoError(t, err)
	assert.Len(t, res.Children, 2)
	assert.Equal(t, int32(1), agent.calls.Load())
}

func TestDispatchSurvivesCallerCancel(t *testing.T) {
	agent := &fakeAgent{handler: func(w http.ResponseWriter, _ model.AgentCommand, _ int32) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}}
	d, _ := newTestDispatcher(t, map[string]http.Handler{"web-1": agent})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Dispatch(ctx, Request{Command: "deploy", Targets: []string{"web-1"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Execution.Status)
}

func TestAgentsSorted(t *testing.T) {
	d := New(Config{Agents: map[string]string{"web-2": "http://b", "db-1": "http://a"}},
		tracker.New(tracker.Options{Logger: testLogger()}), testLogger())
	assert.Equal(t, []model.AgentInfo{
		{Name: "db-1", URL: "http://a"},
		{Name: "web-2", URL: "http://b"},
	}, d.Agents())
}

package archive

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
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

// fakeStore records upserts and can be told to fail.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]model.Execution
	batches int
	fail    bool

	onUpsert func() // called before the write, without the lock held
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]model.Execution)}
}

func (f *fakeStore) UpsertExecutions(_ context.Context, execs []model.Execution) error {
	if f.onUpsert != nil {
		f.onUpsert()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store unavailable")
	}
	f.batches++
	for _, e := range execs {
		f.rows[e.CorrelationID] = e
	}
	return nil
}

func (f *fakeStore) GetExecution(_ context.Context, id string) (model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return model.Execution{}, ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) RecentExecutions(context.Context, model.ExecutionFilter) ([]model.Execution, error) {
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Backend() string            { return "fake" }
func (f *fakeStore) Close() error               { return nil }

func (f *fakeStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeStore) get(id string) (model.Execution, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	return e, ok
}

func (f *fakeStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func TestBufferCoalescesPerExecution(t *testing.T) {
	b := NewBuffer(newFakeStore(), testLogger(), 10, time.Hour)

	e := execAt("exec-1", 0, model.StatusTimeout)
	assert.True(t, b.Enqueue(e))
	e.Status = model.StatusTimeoutSuccess
	assert.True(t, b.Enqueue(e))
	assert.Equal(t, 1, b.Len())

	require.True(t, b.flush(context.Background()))
	assert.Equal(t, 0, b.Len())
	got, ok := b.Store().(*fakeStore).get("exec-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusTimeoutSuccess, got.Status)
}

func TestBufferDropsWhenFull(t *testing.T) {
	b := NewBuffer(newFakeStore(), testLogger(), 2, time.Hour)

	assert.True(t, b.Enqueue(execAt("a", 0, model.StatusSuccess)))
	assert.True(t, b.Enqueue(execAt("b", 0, model.StatusSuccess)))
	assert.False(t, b.Enqueue(execAt("c", 0, model.StatusSuccess)))
	// Updating an already queued execution is not a new slot.
	assert.True(t, b.Enqueue(execAt("a", 0, model.StatusFailed)))
	assert.Equal(t, int64(1), b.Dropped())
	assert.Equal(t, 2, b.Len())
}

func TestBufferRequeuesOnFailure(t *testing.T) {
	store := newFakeStore()
	store.setFail(true)
	b := NewBuffer(store, testLogger(), 10, time.Hour)

	b.Enqueue(execAt("a", 0, model.StatusSuccess))
	assert.False(t, b.flush(context.Background()))
	assert.Equal(t, 1, b.Len(), "failed batch goes back to the queue")

	store.setFail(false)
	assert.True(t, b.flush(context.Background()))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 1, store.len())
	assert.Equal(t, int64(1), b.Flushed())
}

func TestBufferRequeueKeepsNewerSnapshot(t *testing.T) {
	store := newFakeStore()
	b := NewBuffer(store, testLogger(), 10, time.Hour)

	b.Enqueue(execAt("a", 0, model.StatusTimeout))
	store.setFail(true)
	// A reconciled snapshot arrives while the failing write is in flight.
	store.onUpsert = func() { b.Enqueue(execAt("a", 0, model.StatusTimeoutSuccess)) }
	assert.False(t, b.flush(context.Background()))
	assert.Equal(t, 1, b.Len())

	store.onUpsert = nil
	store.setFail(false)
	require.True(t, b.flush(context.Background()))
	got, _ := store.get("a")
	assert.Equal(t, model.StatusTimeoutSuccess, got.Status)
}

func TestBufferAttachArchivesTerminalSnapshots(t *testing.T) {
	store := newFakeStore()
	b := NewBuffer(store, testLogger(), 10, time.Hour)

	fc := clock.NewFake(epoch)
	tr := tracker.New(tracker.Options{Clock: fc, Logger: testLogger()})
	b.Attach(tr.Events())

	_, err := tr.Start(tracker.StartRequest{CorrelationID: "exec-1", Command: "deploy", AgentTarget: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len(), "pending executions are not archived")

	tr.AddLog("exec-1", "working")
	assert.Equal(t, 0, b.Len())

	_, ok := tr.Complete("exec-1", "done")
	require.True(t, ok)
	assert.Equal(t, 1, b.Len())

	require.True(t, b.flush(context.Background()))
	got, found := store.get("exec-1")
	require.True(t, found)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, "done", got.Result)
}

func TestBufferDrainFlushesPending(t *testing.T) {
	store := newFakeStore()
	b := NewBuffer(store, testLogger(), 10, time.Hour)
	bus := tracker.NewBus(testLogger())
	b.Attach(bus)
	b.Start(context.Background())

	b.Enqueue(execAt("a", 0, model.StatusSuccess))
	b.Enqueue(execAt("b", 0, model.StatusFailed))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Drain(ctx)

	assert.Equal(t, 2, store.len())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, bus.Subscribers(model.EventExecutionUpdate), "drain unsubscribes")
}

func TestBufferFlushesOnBatchSize(t *testing.T) {
	store := newFakeStore()
	b := NewBuffer(store, testLogger(), 4, time.Hour)
	b.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Drain(ctx)
	}()

	for _, id := range []string{"a", "b", "c", "d"} {
		b.Enqueue(execAt(id, 0, model.StatusSuccess))
	}
	require.Eventually(t, func() bool { return store.len() == 4 }, 2*time.Second, 10*time.Millisecond)
}

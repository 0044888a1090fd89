package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kanshi/internal/model"
)

func event(eventType model.EventType, id string) model.ExecutionEvent {
	return model.ExecutionEvent{Type: eventType, Execution: model.Execution{CorrelationID: id}}
}

func TestBusRoutesByType(t *testing.T) {
	bus := NewBus(testLogger())
	var updates, completes, failures, timeouts, managers int
	bus.OnUpdate(func(model.ExecutionEvent) { updates++ })
	bus.OnComplete(func(model.ExecutionEvent) { completes++ })
	bus.OnFailed(func(model.ExecutionEvent) { failures++ })
	bus.OnTimeout(func(model.ExecutionEvent) { timeouts++ })
	bus.OnManagerOperation(func(model.ExecutionEvent) { managers++ })

	bus.Publish(event(model.EventExecutionUpdate, "a"))
	bus.Publish(event(model.EventExecutionUpdate, "a"))
	bus.Publish(event(model.EventExecutionComplete, "a"))
	bus.Publish(event(model.EventExecutionTimeout, "b"))
	bus.Publish(event(model.EventManagerOperationComplete, "b"))

	assert.Equal(t, 2, updates)
	assert.Equal(t, 1, completes)
	assert.Equal(t, 0, failures)
	assert.Equal(t, 1, timeouts)
	assert.Equal(t, 1, managers)
}

func TestBusPanicIsolation(t *testing.T) {
	bus := NewBus(testLogger())
	var order []string
	bus.OnComplete(func(model.ExecutionEvent) { order = append(order, "first") })
	bus.OnComplete(func(model.ExecutionEvent) { panic("subscriber bug") })
	bus.OnComplete(func(model.ExecutionEvent) { order = append(order, "third") })

	assert.NotPanics(t, func() { bus.Publish(event(model.EventExecutionComplete, "a")) })
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())
	var a, b int
	unsubA := bus.OnUpdate(func(model.ExecutionEvent) { a++ })
	bus.OnUpdate(func(model.ExecutionEvent) { b++ })
	assert.Equal(t, 2, bus.Subscribers(model.EventExecutionUpdate))

	bus.Publish(event(model.EventExecutionUpdate, "x"))
	unsubA()
	unsubA()
	bus.Publish(event(model.EventExecutionUpdate, "x"))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, bus.Subscribers(model.EventExecutionUpdate))
}

func TestBusNoReplay(t *testing.T) {
	bus := NewBus(testLogger())
	bus.Publish(event(model.EventExecutionUpdate, "early"))

	var got []string
	bus.OnUpdate(func(ev model.ExecutionEvent) { got = append(got, ev.Execution.CorrelationID) })
	bus.Publish(event(model.EventExecutionUpdate, "late"))

	assert.Equal(t, []string{"late"}, got)
}

func TestBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus(testLogger())
	var unsub func()
	var calls int
	unsub = bus.OnUpdate(func(model.ExecutionEvent) {
		calls++
		unsub()
	})
	bus.OnUpdate(func(model.ExecutionEvent) { calls++ })

	bus.Publish(event(model.EventExecutionUpdate, "x"))
	bus.Publish(event(model.EventExecutionUpdate, "x"))
	assert.Equal(t, 3, calls)
}

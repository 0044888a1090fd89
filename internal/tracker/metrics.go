package tracker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/telemetry"
)

type instruments struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	duration metric.Float64Histogram
	pollLag  metric.Float64Histogram
}

// newInstruments creates the tracker's OTEL instruments. Without an explicit
// meter the global provider is used, which telemetry.Init must have
// installed beforehand.
func (t *Tracker) newInstruments(meter metric.Meter) *instruments {
	if meter == nil {
		meter = telemetry.Meter("kanshi/tracker")
	}

	started, _ := meter.Int64Counter("kanshi.executions.started",
		metric.WithDescription("Executions registered"),
	)
	finished, _ := meter.Int64Counter("kanshi.executions.finished",
		metric.WithDescription("Executions reaching a terminal status, by status"),
	)
	duration, _ := meter.Float64Histogram("kanshi.execution.duration",
		metric.WithDescription("Time from start to first terminal status (ms)"),
		metric.WithUnit("ms"),
	)
	pollLag, _ := meter.Float64Histogram("kanshi.execution.poll_lag",
		metric.WithDescription("Time from agent callback to first poller observation (ms)"),
		metric.WithUnit("ms"),
	)

	_, _ = meter.Int64ObservableGauge("kanshi.executions.tracked",
		metric.WithDescription("Execution records currently held in memory"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(t.Len()))
			return nil
		}),
	)

	return &instruments{started: started, finished: finished, duration: duration, pollLag: pollLag}
}

func (m *instruments) recordStart(e *model.Execution) {
	m.started.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("child", e.ParentID != "")))
}

// recordFinish is called on every terminal transition. Duration is only
// measured on the first one, so timeoutSuccess does not double count.
func (m *instruments) recordFinish(e *model.Execution, prev model.ExecutionStatus) {
	attrs := metric.WithAttributes(attribute.String("status", string(e.Status)))
	m.finished.Add(context.Background(), 1, attrs)
	if prev == model.StatusPending {
		m.duration.Record(context.Background(), float64(e.Duration().Milliseconds()), attrs)
	}
}

func (m *instruments) recordPollLag(e *model.Execution) {
	if e.CallbackTime == nil || e.PollingDetectedTime == nil {
		return
	}
	lag := e.PollingDetectedTime.Sub(*e.CallbackTime)
	m.pollLag.Record(context.Background(), float64(lag.Milliseconds()))
}

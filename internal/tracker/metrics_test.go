package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/kanshi/internal/clock"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestTrackerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	fc := clock.NewFake(epoch)
	tr := New(Options{Clock: fc, Logger: testLogger(), Meter: provider.Meter("test")})

	mustStart(t, tr, StartRequest{CorrelationID: "a", Command: "deploy"})
	mustStart(t, tr, StartRequest{CorrelationID: "b", Command: "deploy", Timeout: time.Second})
	fc.Advance(250 * time.Millisecond)
	tr.Complete("a", nil)
	fc.Advance(750 * time.Millisecond)
	fc.Advance(100 * time.Millisecond)
	tr.Complete("b", nil)
	tr.RecordPollingDetection("a")

	metrics := collect(t, reader)

	started, ok := metrics["kanshi.executions.started"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, started.DataPoints, 1)
	assert.Equal(t, int64(2), started.DataPoints[0].Value)

	finished, ok := metrics["kanshi.executions.finished"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byStatus := map[string]int64{}
	for _, dp := range finished.DataPoints {
		v, _ := dp.Attributes.Value("status")
		byStatus[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"success": 1, "timeout": 1, "timeoutSuccess": 1}, byStatus)

	duration, ok := metrics["kanshi.execution.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var durationCount uint64
	for _, dp := range duration.DataPoints {
		durationCount += dp.Count
	}
	assert.Equal(t, uint64(2), durationCount, "reconciliation is not a second duration sample")

	lag, ok := metrics["kanshi.execution.poll_lag"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, lag.DataPoints, 1)
	assert.Equal(t, uint64(1), lag.DataPoints[0].Count)

	tracked, ok := metrics["kanshi.executions.tracked"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, tracked.DataPoints, 1)
	assert.Equal(t, int64(2), tracked.DataPoints[0].Value)
}

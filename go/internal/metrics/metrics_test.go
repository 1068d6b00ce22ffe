package metrics

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
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

func counterTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestOtelRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	rec, err := NewOtel(provider)
	require.NoError(t, err)

	rec.OnCreated(KindOutbox, "ORDER_PAID")
	rec.OnCreated(KindDelivery, "ORDER_PAID")
	rec.OnSuccess(KindOutbox, "ORDER_PAID", 12*time.Millisecond)
	rec.OnFailure(KindDelivery, "ORDER_PAID", 1)
	rec.OnFailure(KindDelivery, "ORDER_PAID", 2)
	rec.OnDeadLetter(KindDelivery, "ORDER_PAID")
	rec.OnBatch(KindOutbox, Batch{Processed: 3, Succeeded: 3}, time.Millisecond)
	rec.OnBatch(KindOutbox, Batch{}, time.Millisecond)

	got := collect(t, reader)
	assert.Equal(t, int64(2), counterTotal(t, got["eventrelay.messages.created"]))
	assert.Equal(t, int64(1), counterTotal(t, got["eventrelay.messages.succeeded"]))
	assert.Equal(t, int64(2), counterTotal(t, got["eventrelay.messages.failed"]))
	assert.Equal(t, int64(1), counterTotal(t, got["eventrelay.messages.dead"]))

	batch, ok := got["eventrelay.batch.size"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, batch.DataPoints, 1)
	assert.Equal(t, uint64(1), batch.DataPoints[0].Count, "empty batches are not recorded")

	created, ok := got["eventrelay.messages.created"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, created.DataPoints, 2, "one series per kind")
}

type countingRecorder struct {
	Noop
	created int
	batches int
}

func (c *countingRecorder) OnCreated(Kind, string)             { c.created++ }
func (c *countingRecorder) OnBatch(Kind, Batch, time.Duration) { c.batches++ }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	m := Multi{a, b}

	m.OnCreated(KindOutbox, "ORDER_CREATED")
	m.OnBatch(KindOutbox, Batch{Processed: 1}, 0)
	m.OnSuccess(KindOutbox, "ORDER_CREATED", 0)

	assert.Equal(t, 1, a.created)
	assert.Equal(t, 1, b.created)
	assert.Equal(t, 1, a.batches)
	assert.Equal(t, 1, b.batches)
}

func TestLoggingRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	rec := NewLogging(&logger)

	rec.OnDeadLetter(KindDelivery, "COUPON_REDEEMED")
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"event_type":"COUPON_REDEEMED"`)
	assert.Contains(t, buf.String(), `"kind":"delivery"`)

	buf.Reset()
	rec.OnBatch(KindOutbox, Batch{}, time.Millisecond)
	assert.Empty(t, buf.String())

	rec.OnBatch(KindOutbox, Batch{Processed: 2, Failed: 1, Succeeded: 1}, time.Millisecond)
	assert.Contains(t, buf.String(), `"processed":2`)
}

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mcdev12/eventrelay"

// Otel exports the hooks as OpenTelemetry instruments.
type Otel struct {
	created   metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
	dead      metric.Int64Counter
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
}

// NewOtel builds the instruments on provider, or on the global provider when
// provider is nil.
func NewOtel(provider metric.MeterProvider) (*Otel, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	o := &Otel{}
	var err error
	if o.created, err = meter.Int64Counter("eventrelay.messages.created",
		metric.WithDescription("Messages written to the outbox or delivery table")); err != nil {
		return nil, err
	}
	if o.succeeded, err = meter.Int64Counter("eventrelay.messages.succeeded",
		metric.WithDescription("Messages that reached SUCCESS")); err != nil {
		return nil, err
	}
	if o.failed, err = meter.Int64Counter("eventrelay.messages.failed",
		metric.WithDescription("Attempts that ended in a retryable failure")); err != nil {
		return nil, err
	}
	if o.dead, err = meter.Int64Counter("eventrelay.messages.dead",
		metric.WithDescription("Messages moved to DEAD")); err != nil {
		return nil, err
	}
	if o.duration, err = meter.Float64Histogram("eventrelay.send.duration",
		metric.WithDescription("Time spent handling a single message"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if o.batchSize, err = meter.Int64Histogram("eventrelay.batch.size",
		metric.WithDescription("Messages claimed per dispatcher tick")); err != nil {
		return nil, err
	}
	return o, nil
}

func attrs(kind Kind, eventType string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("event_type", eventType),
	)
}

func (o *Otel) OnCreated(kind Kind, eventType string) {
	o.created.Add(context.Background(), 1, attrs(kind, eventType))
}

func (o *Otel) OnSuccess(kind Kind, eventType string, d time.Duration) {
	ctx := context.Background()
	o.succeeded.Add(ctx, 1, attrs(kind, eventType))
	o.duration.Record(ctx, float64(d)/float64(time.Millisecond), attrs(kind, eventType))
}

func (o *Otel) OnFailure(kind Kind, eventType string, _ int) {
	o.failed.Add(context.Background(), 1, attrs(kind, eventType))
}

func (o *Otel) OnDeadLetter(kind Kind, eventType string) {
	o.dead.Add(context.Background(), 1, attrs(kind, eventType))
}

func (o *Otel) OnBatch(kind Kind, b Batch, _ time.Duration) {
	if b.Processed == 0 {
		return
	}
	o.batchSize.Record(context.Background(), int64(b.Processed),
		metric.WithAttributes(attribute.String("kind", string(kind))))
}

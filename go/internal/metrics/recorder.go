// Package metrics records pipeline lifecycle events. Recorders never fail the
// caller: instrumentation problems are swallowed.
package metrics

import "time"

// Kind separates the outbox stage from the integration delivery stage.
type Kind string

const (
	KindOutbox   Kind = "outbox"
	KindDelivery Kind = "delivery"
)

// Batch summarizes one dispatcher tick.
type Batch struct {
	Processed         int
	Succeeded         int
	Failed            int
	Dead              int
	Skipped           int
	StateUpdateFailed int
}

// Recorder defines the hooks the store and dispatchers call.
type Recorder interface {
	OnCreated(kind Kind, eventType string)
	OnSuccess(kind Kind, eventType string, d time.Duration)
	OnFailure(kind Kind, eventType string, retryCount int)
	OnDeadLetter(kind Kind, eventType string)
	OnBatch(kind Kind, b Batch, d time.Duration)
}

// Noop is a no-op implementation for when metrics aren't needed
type Noop struct{}

func (Noop) OnCreated(Kind, string)                {}
func (Noop) OnSuccess(Kind, string, time.Duration) {}
func (Noop) OnFailure(Kind, string, int)           {}
func (Noop) OnDeadLetter(Kind, string)             {}
func (Noop) OnBatch(Kind, Batch, time.Duration)    {}

// Multi fans every hook out to each recorder in order.
type Multi []Recorder

func (m Multi) OnCreated(kind Kind, eventType string) {
	for _, r := range m {
		r.OnCreated(kind, eventType)
	}
}

func (m Multi) OnSuccess(kind Kind, eventType string, d time.Duration) {
	for _, r := range m {
		r.OnSuccess(kind, eventType, d)
	}
}

func (m Multi) OnFailure(kind Kind, eventType string, retryCount int) {
	for _, r := range m {
		r.OnFailure(kind, eventType, retryCount)
	}
}

func (m Multi) OnDeadLetter(kind Kind, eventType string) {
	for _, r := range m {
		r.OnDeadLetter(kind, eventType)
	}
}

func (m Multi) OnBatch(kind Kind, b Batch, d time.Duration) {
	for _, r := range m {
		r.OnBatch(kind, b, d)
	}
}

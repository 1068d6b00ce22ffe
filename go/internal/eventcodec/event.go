package eventcodec

import (
	"time"
)

// Header keys persisted alongside every outbox payload.
const (
	HeaderEventClass = "eventClass"
	HeaderEventType  = "eventType"
	HeaderTraceID    = "traceId"
	HeaderTenantID   = "tenantId"
	HeaderEventID    = "eventId"
)

// Payload is the typed body of a domain event. EventClass is the tag used to
// find the concrete type again when the event is read back.
type Payload interface {
	EventClass() string
}

// Event is a domain event as handed to the outbox by a producer.
type Event struct {
	EventID    string
	EventType  string
	TenantID   int64
	TraceID    string
	OccurredAt time.Time
	Attributes map[string]string
	Data       Payload
}

// Class returns the class tag of the event body, or "" when there is none.
func (e *Event) Class() string {
	if e == nil || e.Data == nil {
		return ""
	}
	return e.Data.EventClass()
}

// envelope is the persisted payload shape.
type envelope struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	TenantID   int64     `json:"tenantId"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

package models

import "time"

// OutboxMessage is a producer-side event row written in the same transaction as
// the business change that raised it.
type OutboxMessage struct {
	ID          int64             `json:"id"`
	TenantID    int64             `json:"tenant_id"`
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	Payload     string            `json:"payload"`
	Headers     map[string]string `json:"headers"`
	Status      Status            `json:"status"`
	RetryCount  int               `json:"retry_count"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	LastError   *string           `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TraceID returns the trace id carried in the headers, if any.
func (m *OutboxMessage) TraceID() string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers["traceId"]
}

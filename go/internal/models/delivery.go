package models

import "time"

// Delivery is one outbox event fanned out to one subscription.
type Delivery struct {
	ID             int64             `json:"id"`
	SubscriptionID int64             `json:"subscription_id"`
	TenantID       int64             `json:"tenant_id"`
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	ChannelType    ChannelType       `json:"channel_type"`
	Payload        string            `json:"payload"`
	Headers        map[string]string `json:"headers"`
	Status         Status            `json:"status"`
	RetryCount     int               `json:"retry_count"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	LastError      *string           `json:"last_error,omitempty"`
	LastHTTPStatus *int              `json:"last_http_status,omitempty"`
	LastDurationMs *int              `json:"last_duration_ms,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (d *Delivery) TraceID() string {
	if d == nil || d.Headers == nil {
		return ""
	}
	return d.Headers["traceId"]
}

package models

import (
	"encoding/json"
	"time"
)

type ConsumeStatus string

const (
	ConsumeStatusSuccess ConsumeStatus = "SUCCESS"
	ConsumeStatusFailed  ConsumeStatus = "FAILED"
)

// ConsumeLog records a consumer's processing of one event. (ConsumerName, EventID)
// is unique.
type ConsumeLog struct {
	ID             int64           `json:"id"`
	ConsumerName   string          `json:"consumer_name"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	TenantID       int64           `json:"tenant_id"`
	Status         ConsumeStatus   `json:"status"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	ConsumeResult  json.RawMessage `json:"consume_result,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ConsumedAt     time.Time       `json:"consumed_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

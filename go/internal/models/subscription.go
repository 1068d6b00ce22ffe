package models

import "time"

// ChannelType names a registered sender.
type ChannelType string

const (
	ChannelInternal ChannelType = "INTERNAL"
	ChannelWebhook  ChannelType = "WEBHOOK"
	ChannelNATS     ChannelType = "NATS"
	ChannelAMQP     ChannelType = "AMQP"
)

// PlatformTenantID scopes a subscription to every tenant.
const PlatformTenantID int64 = 0

// Subscription registers interest in an event type for a tenant, or for all
// tenants when TenantID is PlatformTenantID.
type Subscription struct {
	ID          int64             `json:"id" yaml:"id"`
	TenantID    int64             `json:"tenant_id" yaml:"tenant_id"`
	EventType   string            `json:"event_type" yaml:"event_type"`
	ChannelType ChannelType       `json:"channel_type" yaml:"channel_type"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	MaxRetry    *int              `json:"max_retry,omitempty" yaml:"max_retry,omitempty"`
	TargetURL   string            `json:"target_url,omitempty" yaml:"target_url,omitempty"`
	Secret      string            `json:"-" yaml:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutMs   *int              `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Topic       string            `json:"topic,omitempty" yaml:"topic,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"-"`
}

// IsPlatform reports whether the subscription applies to every tenant.
func (s *Subscription) IsPlatform() bool {
	return s.TenantID == PlatformTenantID
}

// Timeout returns the configured send timeout or fallback.
func (s *Subscription) Timeout(fallback time.Duration) time.Duration {
	if s == nil || s.TimeoutMs == nil || *s.TimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(*s.TimeoutMs) * time.Millisecond
}

// Package eventcodec turns domain events into outbox payload and header
// strings and back.
package eventcodec

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/json-iterator/go"
)

// Codec serializes events with json-iterator and resolves class tags through a Registry.
type Codec struct {
	registry *Registry
}

func New(registry *Registry) *Codec {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Codec{registry: registry}
}

func (c *Codec) Registry() *Registry {
	return c.registry
}

// SerializePayload encodes the event body and its identity as JSON.
func (c *Codec) SerializePayload(evt *Event) (string, error) {
	if evt == nil {
		return "", fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if evt.Data == nil {
		return "", fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, evt.EventID)
	}

	data, err := json.Marshal(envelope{
		EventID:    evt.EventID,
		EventType:  evt.EventType,
		TenantID:   evt.TenantID,
		OccurredAt: evt.OccurredAt.UTC(),
		Data:       evt.Data,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal event %s: %v", ErrMalformedEvent, evt.EventID, err)
	}
	return string(data), nil
}

// SerializeHeaders merges the event attributes with the standard keys. Standard
// keys win over attributes of the same name.
func (c *Codec) SerializeHeaders(evt *Event) (map[string]string, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	class := evt.Class()
	if class == "" {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrEventClassRequired)
	}

	headers := make(map[string]string, len(evt.Attributes)+5)
	for k, v := range evt.Attributes {
		headers[k] = v
	}
	headers[HeaderEventClass] = class
	headers[HeaderEventType] = evt.EventType
	headers[HeaderTenantID] = strconv.FormatInt(evt.TenantID, 10)
	headers[HeaderEventID] = evt.EventID
	if evt.TraceID != "" {
		headers[HeaderTraceID] = evt.TraceID
	}
	return headers, nil
}

// Deserialize rebuilds an event. A missing or unregistered class tag, or a
// payload that does not decode, is ErrMalformedEvent.
func (c *Codec) Deserialize(payload string, headers map[string]string) (*Event, error) {
	class := headers[HeaderEventClass]
	if class == "" {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, ErrEventClassRequired)
	}
	factory, ok := c.registry.lookup(class)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrMalformedEvent, ErrUnknownEventClass, class)
	}

	body := factory()
	var raw struct {
		EventID    string          `json:"eventId"`
		EventType  string          `json:"eventType"`
		TenantID   int64           `json:"tenantId"`
		OccurredAt time.Time       `json:"occurredAt"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrMalformedEvent, err)
	}
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, body); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, class, err)
		}
	}

	evt := &Event{
		EventID:    raw.EventID,
		EventType:  raw.EventType,
		TenantID:   raw.TenantID,
		OccurredAt: raw.OccurredAt,
		TraceID:    headers[HeaderTraceID],
		Data:       body,
		Attributes: make(map[string]string),
	}
	for k, v := range headers {
		switch k {
		case HeaderEventClass, HeaderEventType, HeaderTraceID, HeaderTenantID, HeaderEventID:
		default:
			evt.Attributes[k] = v
		}
	}
	if evt.EventType == "" {
		evt.EventType = headers[HeaderEventType]
	}
	if evt.EventID == "" {
		evt.EventID = headers[HeaderEventID]
	}
	return evt, nil
}

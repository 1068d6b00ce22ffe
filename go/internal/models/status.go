package models

import "fmt"

// Status is the dispatch state shared by outbox messages and deliveries.
type Status string

const (
	StatusNew     Status = "NEW"
	StatusSending Status = "SENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusDead    Status = "DEAD"
)

// ClaimableStatuses are the states a dispatcher may claim a row from.
var ClaimableStatuses = []Status{StatusNew, StatusFailed}

// ReplayableStatuses are the states an operator may reset back to NEW.
var ReplayableStatuses = []Status{StatusDead, StatusFailed}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusSending, StatusSuccess, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no dispatcher transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusDead
}

// HasNextRetry reports whether next_retry_at must be set while in s.
func (s Status) HasNextRetry() bool {
	return s == StatusNew || s == StatusFailed
}

// CanTransitionTo encodes the dispatch state machine. Replay (DEAD/FAILED -> NEW)
// and stuck reclaim (SENDING -> FAILED) are included.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusNew:
		return next == StatusSending
	case StatusSending:
		return next == StatusSuccess || next == StatusFailed || next == StatusDead
	case StatusFailed:
		return next == StatusSending || next == StatusNew
	case StatusDead:
		return next == StatusNew
	default:
		return false
	}
}

// StatusStrings converts statuses for use as a text[] query parameter.
func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

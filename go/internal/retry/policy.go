// Package retry computes dispatch backoff and the give-up decision.
package retry

import "time"

const maxShift = 62

// Policy is exponential backoff without jitter, capped at MaxDelay.
type Policy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetryCount int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     5 * time.Second,
		MaxDelay:      300 * time.Second,
		MaxRetryCount: 7,
	}
}

// Normalize fills non-positive fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxRetryCount <= 0 {
		p.MaxRetryCount = def.MaxRetryCount
	}
	return p
}

// NextDelay returns min(MaxDelay, BaseDelay * 2^max(0, attempt-1)).
func (p Policy) NextDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		return p.MaxDelay
	}

	factor := int64(1) << uint(shift)
	if p.BaseDelay > 0 && int64(p.BaseDelay) > int64(p.MaxDelay)/factor {
		return p.MaxDelay
	}
	delay := p.BaseDelay * time.Duration(factor)
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ShouldGiveUp reports whether attempt has exhausted the retry budget. The last
// error does not influence the decision; permanent failures bypass the policy.
func (p Policy) ShouldGiveUp(attempt int, _ error) bool {
	return attempt >= p.MaxRetryCount
}

// WithMaxRetry returns a copy using a subscription's override. nil or
// non-positive overrides keep the configured value.
func (p Policy) WithMaxRetry(override *int) Policy {
	if override != nil && *override > 0 {
		p.MaxRetryCount = *override
	}
	return p
}

// NextRetryAt is now + NextDelay(attempt).
func (p Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.NextDelay(attempt))
}

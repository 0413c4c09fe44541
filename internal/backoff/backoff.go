package backoff

import "time"

const (
	DefaultBase = 2 * time.Second
	DefaultCap  = 30 * time.Second
)

// Policy computes reconnect delays. The zero value uses DefaultBase and DefaultCap.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// New returns a policy doubling from base up to ceiling.
func New(base, ceiling time.Duration) Policy {
	return Policy{Base: base, Cap: ceiling}
}

// Delay returns min(base * 2^(attempt-1), cap). Attempts below 1 count as 1.
func (p Policy) Delay(attempt int) time.Duration {
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	if base >= limit {
		return limit
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		// doubling past half the cap would overshoot or overflow
		if delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

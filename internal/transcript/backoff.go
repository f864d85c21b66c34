package transcript

import "time"

// Backoff computes reconnect delays as min(Base*2^attempt, Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff starts at one second and caps at ten.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 10 * time.Second}
}

// Delay returns the wait before reconnect attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

package session

import "time"

// Backoff decides how long to wait before reconnect attempt n (n >= 1).
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff waits the same interval before every attempt.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Next(int) time.Duration {
	return b.Interval
}

// CappedBackoff doubles the wait per attempt, starting at Base and never
// exceeding Max.
type CappedBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b CappedBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

package chat

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	// minMessageInterval is the floor between accepted messages on one
	// connection; anything faster is mechanical flooding and dropped
	// silently.
	minMessageInterval = 150 * time.Millisecond

	// burstWindow and burstCeiling bound sustained throughput: at most
	// burstCeiling messages per fixed-origin window.
	burstWindow  = 3 * time.Second
	burstCeiling = 10
)

// Verdict is the limiter's decision for one inbound message.
type Verdict int

const (
	// VerdictAccept lets the message through.
	VerdictAccept Verdict = iota
	// VerdictDropSilent drops without feedback (interval violation).
	VerdictDropSilent
	// VerdictDropNotice drops and owes the sender a one-time notice
	// (first burst violation in this window).
	VerdictDropNotice
	// VerdictDrop drops a message while already over the burst limit;
	// the notice was sent earlier in the same window.
	VerdictDrop
)

// Limiter gates one connection's inbound messages. State is touched only by
// that connection's read loop, so no locking is needed. The burst window has
// a fixed wall-clock origin per connection rather than sliding per message.
type Limiter struct {
	interval *rate.Limiter

	windowStart time.Time
	windowCount int
	noticed     bool
}

// NewLimiter creates a limiter with the package defaults. The burst window
// origin is anchored at the connection's start time.
func NewLimiter(start time.Time) *Limiter {
	return &Limiter{
		interval:    rate.NewLimiter(rate.Every(minMessageInterval), 1),
		windowStart: start,
	}
}

// Check applies both gates in order and advances limiter state.
func (l *Limiter) Check(now time.Time) Verdict {
	if now.Sub(l.windowStart) > burstWindow {
		l.windowStart = now
		l.windowCount = 0
		l.noticed = false
	}

	if !l.interval.AllowN(now, 1) {
		// Rejection does not advance the interval clock; only accepted
		// messages do.
		return VerdictDropSilent
	}

	l.windowCount++
	if l.windowCount > burstCeiling {
		if !l.noticed {
			l.noticed = true
			return VerdictDropNotice
		}
		return VerdictDrop
	}
	return VerdictAccept
}

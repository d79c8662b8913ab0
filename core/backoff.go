package core

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: min(Base*Factor^attempt, Max) + jitter.
// Jitter never pushes a delay past Max.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	Jitter      time.Duration
	MaxAttempts int

	random func() float64
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		random := b.random
		if random == nil {
			random = rand.Float64
		}
		delay += random() * float64(b.Jitter)
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt (1-based count of failures) exceeds the cap.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

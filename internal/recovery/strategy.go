package recovery

import (
	"math/rand"
	"time"
)

// Strategy computes retry backoff for collaborator operations. Delays grow
// exponentially from Base, are capped at Max, and carry full jitter so
// retries after a shared outage spread out instead of stampeding.
type Strategy struct {
	// Base is the delay before the first retry. Default 200ms.
	Base time.Duration
	// Max caps every delay. Default 5s.
	Max time.Duration
	// MaxAttempts bounds attempts for one operation within a single turn.
	// Default 3.
	MaxAttempts int
}

func (s Strategy) withDefaults() Strategy {
	if s.Base <= 0 {
		s.Base = 200 * time.Millisecond
	}
	if s.Max <= 0 {
		s.Max = 5 * time.Second
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	return s
}

// ceiling returns the un-jittered exponential delay after n consecutive
// failures (1-based).
func (s Strategy) ceiling(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := s.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.Max || d <= 0 {
			return s.Max
		}
	}
	if d > s.Max {
		return s.Max
	}
	return d
}

// Delay returns the jittered backoff before retry attempt n (1-based). The
// result is always in (0, ceiling(n)].
func (s Strategy) Delay(n int) time.Duration {
	c := s.ceiling(n)
	if c <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(c))) + 1
}

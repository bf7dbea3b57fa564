// Package retry computes backoff delays for repeated attempts.
package retry

import (
	"context"
	"time"

	"github.com/rendis/stagecraft/pkg/schema"
)

// Policy bounds how often and how fast an operation is repeated.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Backoff     string
}

// Default retries twice with exponential backoff.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Backoff:     schema.BackoffExponential,
	}
}

// FromSpec converts a node's retry settings.
func FromSpec(s schema.RetrySpec) Policy {
	return Policy{
		MaxAttempts: s.MaxAttempts,
		Delay:       s.Delay.Std(),
		MaxDelay:    s.MaxDelay.Std(),
		Backoff:     s.Backoff,
	}
}

// Backoff returns the delay before retry number attempt (0-based).
func Backoff(p Policy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	var delay time.Duration
	switch p.Backoff {
	case schema.BackoffExponential:
		delay = p.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				break
			}
		}
	case schema.BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Wait sleeps for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

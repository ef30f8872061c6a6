// ABOUTME: Reusable exponential backoff policy
// ABOUTME: Shared by reconnection and device retry paths
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule. The zero value is not
// usable; construct with Default or fill every field.
type Policy struct {
	Base        time.Duration // delay before the first retry
	Cap         time.Duration // maximum delay
	Jitter      float64       // fraction of the delay randomized, 0..1
	MaxAttempts int           // retry budget; 0 means unlimited
}

// Default returns the policy used when configuration supplies nothing:
// 500ms base doubling to a 30s cap, 20% jitter, 10 attempts.
func Default() Policy {
	return Policy{
		Base:        500 * time.Millisecond,
		Cap:         30 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Delay returns the delay before the given retry attempt (first retry is
// attempt 0). The un-jittered schedule is non-decreasing up to Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}

	if p.Jitter > 0 {
		// Jitter spreads retries without ever exceeding Cap
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread*rand.Float64())
	}
	return d
}

// Exhausted reports whether the retry budget is spent after the given
// number of consecutive failures.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}

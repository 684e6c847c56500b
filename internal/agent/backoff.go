// ABOUTME: Jittered exponential backoff for hub reconnect attempts
// ABOUTME: Doubling stops after ten attempts and the delay never exceeds the cap

package agent

import (
	"math/rand"
	"time"
)

const maxBackoffShift = 10

// reconnectDelay computes the wait before reconnect attempt n (0-based).
// The base doubles per attempt up to 2^10, gets multiplied by a uniform
// jitter in [0.5, 1.5), and is capped at max.
func reconnectDelay(attempt int, base, max time.Duration, rng *rand.Rand) time.Duration {
	shift := attempt
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	if shift < 0 {
		shift = 0
	}

	d := base << uint(shift)
	jitter := 0.5 + rng.Float64()
	d = time.Duration(float64(d) * jitter)

	if d > max {
		d = max
	}
	if d < 0 {
		d = max
	}
	return d
}

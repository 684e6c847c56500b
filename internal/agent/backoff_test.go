// ABOUTME: Tests for reconnect backoff delay computation
// ABOUTME: Covers doubling, the shift cap, jitter bounds, and the max cap

package agent

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelay_DoublesPerAttempt(t *testing.T) {
	base := time.Second
	max := time.Hour

	for attempt := 0; attempt < 8; attempt++ {
		expected := base << uint(attempt)
		lo := time.Duration(float64(expected) * 0.5)
		hi := time.Duration(float64(expected) * 1.5)

		for i := 0; i < 50; i++ {
			rng := rand.New(rand.NewSource(int64(attempt*100 + i)))
			d := reconnectDelay(attempt, base, max, rng)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.Less(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestReconnectDelay_ShiftStopsAtTen(t *testing.T) {
	base := time.Millisecond
	max := time.Hour
	rng := rand.New(rand.NewSource(1))

	// Far past the shift cap the delay distribution stays at base * 2^10.
	hi := time.Duration(float64(base<<10) * 1.5)
	for i := 0; i < 100; i++ {
		d := reconnectDelay(500, base, max, rng)
		assert.Less(t, d, hi)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base<<10)*0.5))
	}
}

func TestReconnectDelay_CappedAtMax(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	max := 2 * time.Minute

	for i := 0; i < 100; i++ {
		d := reconnectDelay(10, time.Minute, max, rng)
		assert.LessOrEqual(t, d, max)
		assert.Positive(t, d)
	}
}

func TestReconnectDelay_NegativeAttemptUsesBase(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := reconnectDelay(-3, time.Second, time.Hour, rng)
	assert.GreaterOrEqual(t, d, 500*time.Millisecond)
	assert.Less(t, d, 1500*time.Millisecond)
}

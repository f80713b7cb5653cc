package roomlink

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation. Allows
// injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// backoffCalculator computes reconnect delays:
//
//	delay = min(maxDelay, base * multiplier^attempt * (1 + random(0,1) * jitter))
//
// attempt 0 is the first retry. The jittered value is capped again so the
// loop's worst case stays bounded.
type backoffCalculator struct {
	policy ReconnectPolicy
	random RandomSource
}

func newBackoffCalculator(policy ReconnectPolicy, random RandomSource) *backoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &backoffCalculator{policy: policy, random: random}
}

// delay computes the wait before the given attempt (0-based).
func (b *backoffCalculator) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.policy.BaseDelay)
	expFactor := math.Pow(b.policy.Multiplier, float64(attempt))

	d := base * expFactor
	if max := float64(b.policy.MaxDelay); d > max {
		d = max
	}

	d *= 1.0 + b.random.Float64()*b.policy.Jitter

	if max := float64(b.policy.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

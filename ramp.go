package armer

import (
	"math"
	"time"
)

// Ramp decays velocity targets that are no longer being refreshed by their client.
type Ramp struct {
	StaleAfter time.Duration
	Factor     float64
	Floor      float64
}

// DefaultRamp decays by 10% per tick once a target is more than 100ms old, and snaps
// targets below 1e-4 to zero.
var DefaultRamp = Ramp{
	StaleAfter: 100 * time.Millisecond,
	Factor:     0.9,
	Floor:      1e-4,
}

// Decay applies the staleness rule to v in place. It reports whether v was stale.
func (r Ramp) Decay(v []float64, lastUpdate, now time.Time) bool {
	if now.Sub(lastUpdate) <= r.StaleAfter {
		return false
	}
	if magnitude(v) >= r.Floor {
		for i := range v {
			v[i] *= r.Factor
		}
		return true
	}
	for i := range v {
		v[i] = 0
	}
	return true
}

// magnitude is the L1 norm used by the decay rule.
func magnitude(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += math.Abs(x)
	}
	return sum
}

func anyNonZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return true
		}
	}
	return false
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

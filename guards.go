package armer

import (
	"math"
	"time"
)

// GuardMask is a bit set of guard conditions.
type GuardMask uint8

const (
	// GuardDuration trips once the guarded motion has run longer than its duration.
	GuardDuration GuardMask = 1 << iota
	// GuardEffort trips when any end-effector wrench component exceeds its threshold.
	GuardEffort
)

// Has reports whether every bit of g is set.
func (m GuardMask) Has(g GuardMask) bool {
	return m&g == g
}

// Names lists the set conditions.
func (m GuardMask) Names() []string {
	names := []string{}
	if m.Has(GuardDuration) {
		names = append(names, "duration")
	}
	if m.Has(GuardEffort) {
		names = append(names, "effort")
	}
	return names
}

// Guards are the safety conditions attached to a guarded velocity motion.
type Guards struct {
	Enabled  GuardMask
	Duration time.Duration
	Effort   Wrench
}

// Evaluate returns the conditions that have tripped. Several may trip together.
func (g Guards) Evaluate(elapsed time.Duration, wrench Wrench) GuardMask {
	var triggered GuardMask
	if g.Enabled.Has(GuardDuration) && elapsed > g.Duration {
		triggered |= GuardDuration
	}
	if g.Enabled.Has(GuardEffort) {
		limits := g.Effort.Slice()
		for i, v := range wrench.Slice() {
			if math.Abs(v) > limits[i] {
				triggered |= GuardEffort
				break
			}
		}
	}
	return triggered
}

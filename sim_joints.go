package armer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SimulatedJoints is a JointIO that integrates commanded velocities over time. Positions
// only advance when feedback is read or a command is written, so a mock clock gives tests
// deterministic motion.
type SimulatedJoints struct {
	mu    sync.Mutex
	clock clock.Clock

	names      []string
	positions  []float64
	velocities []float64
	efforts    []float64

	lastUpdated time.Time
}

// NewSimulatedJoints starts the simulated joints at initial.
func NewSimulatedJoints(names []string, initial []float64, clk clock.Clock) *SimulatedJoints {
	if clk == nil {
		clk = clock.New()
	}
	if len(names) == 0 {
		names = make([]string, len(initial))
		for i := range names {
			names[i] = fmt.Sprintf("joint_%d", i+1)
		}
	}
	return &SimulatedJoints{
		clock:       clk,
		names:       append([]string(nil), names...),
		positions:   append([]float64(nil), initial...),
		velocities:  make([]float64, len(initial)),
		efforts:     make([]float64, len(initial)),
		lastUpdated: clk.Now(),
	}
}

func (s *SimulatedJoints) updateForTime(now time.Time) {
	dt := now.Sub(s.lastUpdated).Seconds()
	s.lastUpdated = now
	if dt <= 0 {
		return
	}
	for i, v := range s.velocities {
		s.positions[i] += v * dt
	}
}

// Feedback implements JointIO.
func (s *SimulatedJoints) Feedback(ctx context.Context) (JointFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateForTime(s.clock.Now())
	return JointFeedback{
		Names:      append([]string(nil), s.names...),
		Positions:  append([]float64(nil), s.positions...),
		Velocities: append([]float64(nil), s.velocities...),
		Efforts:    append([]float64(nil), s.efforts...),
	}, nil
}

// SetVelocities implements JointIO.
func (s *SimulatedJoints) SetVelocities(ctx context.Context, velocities []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(velocities) != len(s.velocities) {
		return fmt.Errorf("expected %d joint velocities, got %d", len(s.velocities), len(velocities))
	}
	s.updateForTime(s.clock.Now())
	copy(s.velocities, velocities)
	return nil
}

// SetEfforts sets the efforts reported by subsequent feedback.
func (s *SimulatedJoints) SetEfforts(efforts []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.efforts, efforts)
}

// Positions returns the current simulated joint positions.
func (s *SimulatedJoints) Positions() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.positions...)
}

// Velocities returns the last commanded velocities.
func (s *SimulatedJoints) Velocities() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.velocities...)
}

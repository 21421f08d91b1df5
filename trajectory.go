package armer

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// TrajectoryConfig tunes the joint trajectory profile for a given arm.
type TrajectoryConfig struct {
	// AverageVelocity (rad/s) sets the nominal duration of a move.
	AverageVelocity float64 `json:"average_velocity,omitempty"`
	// Gain scales the minimum-jerk velocity profile.
	Gain float64 `json:"gain,omitempty"`
	// GoalTolerance (rad) is how close every joint must get before the move counts as arrived.
	GoalTolerance float64 `json:"goal_tolerance,omitempty"`
}

// DefaultTrajectoryConfig holds the profile constants tuned for the reference arm.
var DefaultTrajectoryConfig = TrajectoryConfig{
	AverageVelocity: 0.025,
	Gain:            1500,
	GoalTolerance:   0.02,
}

func (c TrajectoryConfig) withDefaults() TrajectoryConfig {
	if c.AverageVelocity <= 0 {
		c.AverageVelocity = DefaultTrajectoryConfig.AverageVelocity
	}
	if c.Gain <= 0 {
		c.Gain = DefaultTrajectoryConfig.Gain
	}
	if c.GoalTolerance <= 0 {
		c.GoalTolerance = DefaultTrajectoryConfig.GoalTolerance
	}
	return c
}

// Trajectory drives a joint vector from start to goal along a minimum-jerk velocity profile,
// one control tick per Next call.
type Trajectory struct {
	cfg       TrajectoryConfig
	start     []float64
	goal      []float64
	frequency float64
	dt        float64

	duration float64
	steps    float64

	// elapsed and step advance more slowly than wall time while the cartesian speed cap
	// is limiting the motion.
	elapsed float64
	step    float64
}

// NewTrajectory plans a move from start to goal at the given control frequency.
func NewTrajectory(start, goal []float64, frequency float64, cfg TrajectoryConfig) (*Trajectory, error) {
	if len(start) != len(goal) {
		return nil, fmt.Errorf("start has %d joints but goal has %d", len(start), len(goal))
	}
	if frequency <= 0 {
		return nil, fmt.Errorf("control frequency must be positive, got %v", frequency)
	}
	cfg = cfg.withDefaults()

	var maxDelta float64
	for i := range start {
		maxDelta = math.Max(maxDelta, math.Abs(goal[i]-start[i]))
	}
	duration := maxDelta / cfg.AverageVelocity

	return &Trajectory{
		cfg:       cfg,
		start:     append([]float64(nil), start...),
		goal:      append([]float64(nil), goal...),
		frequency: frequency,
		dt:        1 / frequency,
		duration:  duration,
		steps:     duration * frequency,
		step:      1,
	}, nil
}

// Duration is the nominal length of the move.
func (t *Trajectory) Duration() time.Duration {
	return time.Duration(t.duration * float64(time.Second))
}

// Goal returns a copy of the goal joint vector.
func (t *Trajectory) Goal() []float64 {
	return append([]float64(nil), t.goal...)
}

// Arrived reports whether every joint of q is within tolerance of the goal.
func (t *Trajectory) Arrived(q []float64) bool {
	for i := range t.goal {
		if math.Abs(t.goal[i]-q[i]) >= t.cfg.GoalTolerance {
			return false
		}
	}
	return true
}

// Expired reports whether the next step would run past the nominal duration.
func (t *Trajectory) Expired() bool {
	return t.elapsed+t.dt >= t.duration
}

// Progress is the normalised position u in [0, 1] along the profile.
func (t *Trajectory) Progress() float64 {
	if t.steps <= 0 {
		return 1
	}
	return math.Min(1, t.step/t.steps)
}

// Expected returns the minimum-jerk joint positions at progress u.
func (t *Trajectory) Expected(u float64) []float64 {
	u = math.Max(0, math.Min(1, u))
	s := 10*math.Pow(u, 3) - 15*math.Pow(u, 4) + 6*math.Pow(u, 5)
	out := make([]float64, len(t.start))
	for i := range out {
		out[i] = t.start[i] + (t.goal[i]-t.start[i])*s
	}
	return out
}

// Next returns the joint velocity for the current step given the measured joints q and the
// base Jacobian at q. When the resulting end-effector linear speed exceeds maxSpeed both the
// velocity and the advance through the profile are scaled down; the applied scale is returned.
func (t *Trajectory) Next(q []float64, jac mat.Matrix, maxSpeed float64) ([]float64, float64, error) {
	if len(q) != len(t.goal) {
		return nil, 0, fmt.Errorf("expected %d joint values, got %d", len(t.goal), len(q))
	}
	jv := make([]float64, len(q))
	if t.steps <= 0 {
		return jv, 1, nil
	}

	u := t.step / t.steps
	profile := 30*u*u - 60*u*u*u + 30*u*u*u*u
	coeff := t.frequency * (1 / t.steps) * profile * t.cfg.Gain
	for i := range jv {
		jv[i] = coeff * (t.goal[i] - q[i])
	}

	rows, cols := jac.Dims()
	if rows != 6 || cols != len(jv) {
		return nil, 0, fmt.Errorf("jacobian is %dx%d, expected 6x%d", rows, cols, len(jv))
	}
	var twist mat.VecDense
	twist.MulVec(jac, mat.NewVecDense(len(jv), append([]float64(nil), jv...)))
	linear := math.Sqrt(twist.AtVec(0)*twist.AtVec(0) + twist.AtVec(1)*twist.AtVec(1) + twist.AtVec(2)*twist.AtVec(2))

	scale := 1.0
	if maxSpeed > 0 && linear > maxSpeed {
		scale = maxSpeed / linear
		for i := range jv {
			jv[i] *= scale
		}
	}
	t.elapsed += t.dt * scale
	t.step += scale
	return jv, scale, nil
}

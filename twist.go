package armer

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Twist is a cartesian velocity: linear in m/s, angular in rad/s.
type Twist struct {
	Linear  r3.Vector
	Angular r3.Vector
}

// TwistFromSlice builds a Twist from [vx, vy, vz, wx, wy, wz].
func TwistFromSlice(v []float64) (Twist, error) {
	if len(v) != 6 {
		return Twist{}, fmt.Errorf("twist needs 6 components, got %d", len(v))
	}
	return Twist{
		Linear:  r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Angular: r3.Vector{X: v[3], Y: v[4], Z: v[5]},
	}, nil
}

// Slice returns the twist as [vx, vy, vz, wx, wy, wz].
func (t Twist) Slice() []float64 {
	return []float64{t.Linear.X, t.Linear.Y, t.Linear.Z, t.Angular.X, t.Angular.Y, t.Angular.Z}
}

// IsZero reports whether every component is exactly zero.
func (t Twist) IsZero() bool {
	return t.Linear == (r3.Vector{}) && t.Angular == (r3.Vector{})
}

// Wrench is the force (N) and torque (Nm) acting on the end effector.
type Wrench struct {
	Force  r3.Vector
	Torque r3.Vector
}

// WrenchFromSlice builds a Wrench from [fx, fy, fz, tx, ty, tz].
func WrenchFromSlice(v []float64) (Wrench, error) {
	if len(v) != 6 {
		return Wrench{}, fmt.Errorf("wrench needs 6 components, got %d", len(v))
	}
	return Wrench{
		Force:  r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Torque: r3.Vector{X: v[3], Y: v[4], Z: v[5]},
	}, nil
}

// Slice returns the wrench as [fx, fy, fz, tx, ty, tz].
func (w Wrench) Slice() []float64 {
	return []float64{w.Force.X, w.Force.Y, w.Force.Z, w.Torque.X, w.Torque.Y, w.Torque.Z}
}

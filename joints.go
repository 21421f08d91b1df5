package armer

import (
	"context"
	"fmt"
)

// JointFeedback is one sample of the arm's joint state, in the hardware's own order.
type JointFeedback struct {
	Names      []string
	Positions  []float64
	Velocities []float64
	Efforts    []float64
}

// JointIO is the hardware boundary: joint feedback in, joint velocity commands out.
type JointIO interface {
	Feedback(ctx context.Context) (JointFeedback, error)
	SetVelocities(ctx context.Context, velocities []float64) error
}

// WrenchReader is implemented by hardware that measures the end-effector wrench directly.
type WrenchReader interface {
	Wrench(ctx context.Context) (Wrench, error)
}

// jointIndex maps canonical joint order onto feedback indices. It is built once from the
// first feedback sample.
type jointIndex []int

func newJointIndex(canonical []string, fb JointFeedback, dof int) (jointIndex, error) {
	if len(canonical) == 0 {
		idx := make(jointIndex, dof)
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	if len(canonical) != dof {
		return nil, fmt.Errorf("%d joint names configured for %d joints", len(canonical), dof)
	}
	byName := make(map[string]int, len(fb.Names))
	for i, name := range fb.Names {
		byName[name] = i
	}
	idx := make(jointIndex, dof)
	for i, name := range canonical {
		pos, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("joint %q missing from feedback", name)
		}
		idx[i] = pos
	}
	return idx, nil
}

// pick reorders values into canonical order. A sample that does not carry every joint reads
// as all zeros.
func (ix jointIndex) pick(values []float64) []float64 {
	out := make([]float64, len(ix))
	for _, src := range ix {
		if src >= len(values) {
			return out
		}
	}
	for i, src := range ix {
		out[i] = values[src]
	}
	return out
}

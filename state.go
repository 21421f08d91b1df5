package armer

import (
	"time"

	"go.viam.com/rdk/spatialmath"
)

// MotionState is the kind of motion the coordinator is currently carrying out.
type MotionState int

const (
	MotionIdle MotionState = iota
	MotionCartesianVelocity
	MotionJointVelocity
	MotionTrajectory
	MotionServo
)

func (s MotionState) String() string {
	switch s {
	case MotionIdle:
		return "idle"
	case MotionCartesianVelocity:
		return "cartesian_velocity"
	case MotionJointVelocity:
		return "joint_velocity"
	case MotionTrajectory:
		return "trajectory"
	case MotionServo:
		return "servo"
	default:
		return "unknown"
	}
}

// runtimeState is the mutable robot state owned by the coordinator.
type runtimeState struct {
	q          []float64
	velocities []float64
	efforts    []float64

	// cartesianTarget is the requested twist in the base frame.
	cartesianTarget []float64
	// jointTarget is the joint velocity the current motion asks for.
	jointTarget []float64
	// command is what was last written to the joints.
	command []float64

	estimatedPose spatialmath.Pose
	mode          MotionState
	lastUpdate    time.Time
	lastTick      time.Time
}

func newRuntimeState(dof int) runtimeState {
	return runtimeState{
		q:               make([]float64, dof),
		velocities:      make([]float64, dof),
		efforts:         make([]float64, dof),
		cartesianTarget: make([]float64, 6),
		jointTarget:     make([]float64, dof),
		command:         make([]float64, dof),
		estimatedPose:   spatialmath.NewZeroPose(),
	}
}

// State is an immutable snapshot of the manipulator taken once per tick.
type State struct {
	Timestamp time.Time
	Frame     string

	EndEffectorPose   spatialmath.Pose
	EndEffectorTwist  Twist
	EndEffectorWrench Wrench

	JointPositions  []float64
	JointVelocities []float64
	JointEfforts    []float64
	JointCommand    []float64

	Mode   MotionState
	Moving bool
}

// StatePublisher receives every snapshot right after it is taken. It runs on the control
// loop and must not block.
type StatePublisher func(State)

package armer

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

const testTick = 2 * time.Millisecond

type harness struct {
	t   *testing.T
	clk *clock.Mock
	sim *SimulatedJoints
	c   *Coordinator
}

func newHarness(t *testing.T, initial []float64, opts ...CoordinatorOption) *harness {
	t.Helper()
	clk := clock.NewMock()
	sim := NewSimulatedJoints(nil, initial, clk)
	opts = append([]CoordinatorOption{WithClock(clk)}, opts...)
	c, err := NewCoordinator(context.Background(), testKinematics(t), sim, logging.NewTestLogger(t), opts...)
	require.NoError(t, err)
	return &harness{t: t, clk: clk, sim: sim, c: c}
}

func (h *harness) tick(n int, dt time.Duration) {
	for i := 0; i < n; i++ {
		h.clk.Add(dt)
		h.c.Tick(context.Background(), dt)
	}
}

// runWhileTicking drives the control loop until fn returns.
func (h *harness) runWhileTicking(maxTicks int, fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	for i := 0; i < maxTicks; i++ {
		select {
		case <-done:
			return
		default:
		}
		h.tick(1, testTick)
	}
	h.c.Preempt()
	for i := 0; i < 100; i++ {
		select {
		case <-done:
			i = 100
		default:
			h.tick(1, testTick)
		}
	}
	h.t.Fatalf("motion did not finish within %d ticks", maxTicks)
}

func (h *harness) cartesianTarget() []float64 {
	h.c.stateMu.Lock()
	defer h.c.stateMu.Unlock()
	return append([]float64(nil), h.c.rt.cartesianTarget...)
}

func (h *harness) command() []float64 {
	h.c.stateMu.Lock()
	defer h.c.stateMu.Unlock()
	return append([]float64(nil), h.c.rt.command...)
}

func assertAllZero(t *testing.T, v []float64) {
	t.Helper()
	for i, x := range v {
		assert.Zero(t, x, "index %d", i)
	}
}

func TestRunTrajectoryReachesGoal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, make([]float64, 6))
	goal := []float64{0, 0, 0, 0, 0, 1}

	var (
		ok  bool
		err error
	)
	h.runWhileTicking(5000, func() {
		ok, err = h.c.RunTrajectory(context.Background(), goal, 0.2)
	})
	require.NoError(t, err)
	assert.True(t, ok)

	positions := h.sim.Positions()
	for i := range goal {
		assert.InDelta(t, goal[i], positions[i], 0.02, "joint %d", i)
	}
	assertAllZero(t, h.sim.Velocities())
	assertAllZero(t, h.command())
	assert.False(t, h.c.Moving())
	assert.Equal(t, MotionIdle, h.c.Mode())
}

func TestRunTrajectoryRejectsWrongLength(t *testing.T) {
	h := newHarness(t, make([]float64, 6))
	_, err := h.c.RunTrajectory(context.Background(), []float64{1, 2}, 0.2)
	assert.Error(t, err)
	assert.False(t, h.c.Moving())
}

func startTrajectory(h *harness, goal []float64) <-chan bool {
	result := make(chan bool, 1)
	go func() {
		ok, err := h.c.RunTrajectory(context.Background(), goal, 0.2)
		assert.NoError(h.t, err)
		result <- ok
	}()
	for i := 0; i < 1000 && !(h.c.Moving() && anyNonZero(h.command())); i++ {
		h.tick(1, testTick)
	}
	require.True(h.t, h.c.Moving())
	return result
}

func TestPreemptStopsTrajectory(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, make([]float64, 6))
	result := startTrajectory(h, []float64{0, 0, 0, 0, 0, 1})

	h.c.Preempt()
	assertAllZero(t, h.sim.Velocities())

	var ok bool
	for done := false; !done; {
		h.tick(1, testTick)
		select {
		case ok = <-result:
			done = true
		default:
		}
	}
	assert.False(t, ok)
	assert.False(t, h.c.Moving())

	h.tick(3, testTick)
	assertAllZero(t, h.sim.Velocities())
}

func TestPreemptWakesMotionWithoutTicks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, make([]float64, 6))
	result := startTrajectory(h, []float64{0, 0, 0, 0, 0, 1})

	h.c.Preempt()
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("trajectory still blocked after preempt with no ticks")
	}
	assert.False(t, h.c.Moving())
}

func TestGuardedVelocityPreemptedWithoutTicks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, bentPose)
	guards := Guards{Enabled: GuardDuration, Duration: time.Hour}

	done := make(chan GuardResult, 1)
	go func() {
		result, err := h.c.RunGuardedVelocity(context.Background(), Twist{Linear: r3.Vector{Z: 0.01}}, "", guards)
		assert.NoError(t, err)
		done <- result
	}()
	require.Eventually(t, h.c.Moving, time.Second, time.Millisecond)

	require.NoError(t, h.c.Halt(context.Background()))
	assert.False(t, h.c.Moving())
	select {
	case result := <-done:
		assert.True(t, result.Preempted)
		assert.Zero(t, result.Triggered)
	case <-time.After(time.Second):
		t.Fatal("guarded velocity did not return after halt")
	}
	assertAllZero(t, h.sim.Velocities())
}

func TestHaltWithoutMotion(t *testing.T) {
	h := newHarness(t, make([]float64, 6))
	require.NoError(t, h.c.Halt(context.Background()))
	assert.False(t, h.c.Moving())
}

func TestNewRequestPreemptsTrajectory(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, make([]float64, 6))
	result := startTrajectory(h, []float64{0, 0, 0, 0, 0, 1})

	qd := []float64{0, 0, 0, 0, 0.1, 0}
	setDone := make(chan error, 1)
	go func() {
		setDone <- h.c.SetJointVelocity(context.Background(), qd)
	}()

	var (
		ok     = true
		gotOK  bool
		gotSet bool
	)
	for i := 0; i < 1000 && !(gotOK && gotSet); i++ {
		h.tick(1, testTick)
		select {
		case ok = <-result:
			gotOK = true
		case err := <-setDone:
			require.NoError(t, err)
			gotSet = true
		default:
		}
	}
	require.True(t, gotOK)
	require.True(t, gotSet)
	assert.False(t, ok)

	h.tick(1, testTick)
	assert.Equal(t, MotionJointVelocity, h.c.Mode())
	assert.Equal(t, qd, h.command())
}

func TestRunTrajectoryContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, make([]float64, 6))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := h.c.RunTrajectory(ctx, []float64{0, 0, 0, 0, 0, 1}, 0.2)
		errCh <- err
	}()
	h.tick(10, testTick)
	cancel()

	var err error
	for done := false; !done; {
		select {
		case err = <-errCh:
			done = true
		default:
			h.tick(1, testTick)
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.c.Moving())
	assertAllZero(t, h.sim.Velocities())
}

func TestCartesianVelocityMovesEndEffector(t *testing.T) {
	h := newHarness(t, bentPose)
	start, err := h.c.Kinematics().ForwardKinematics(h.sim.Positions())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, h.c.SetCartesianVelocity(context.Background(), Twist{Linear: r3.Vector{X: 0.01}}, ""))
		h.tick(1, 10*time.Millisecond)
	}
	assert.Equal(t, MotionCartesianVelocity, h.c.Mode())

	end, err := h.c.Kinematics().ForwardKinematics(h.sim.Positions())
	require.NoError(t, err)
	delta := end.Point().Sub(start.Point())
	assert.InDelta(t, 5, delta.X, 1.0)
	assert.InDelta(t, 0, delta.Y, 0.5)
	assert.InDelta(t, 0, delta.Z, 0.5)
}

func TestCartesianVelocityDecaysWhenStale(t *testing.T) {
	h := newHarness(t, bentPose)
	require.NoError(t, h.c.SetCartesianVelocity(context.Background(), Twist{Linear: r3.Vector{X: 0.01}}, BaseFrame))

	h.tick(10, 10*time.Millisecond)
	assert.InDelta(t, 0.01, magnitude(h.cartesianTarget()), 1e-12)

	prev := magnitude(h.cartesianTarget())
	for i := 0; i < 3; i++ {
		h.tick(1, 10*time.Millisecond)
		current := magnitude(h.cartesianTarget())
		assert.Less(t, current, prev)
		assert.InDelta(t, prev*DefaultRamp.Factor, current, 1e-12)
		assert.True(t, anyNonZero(h.command()))
		prev = current
	}
}

func TestJointVelocityDecaysWhenStale(t *testing.T) {
	h := newHarness(t, make([]float64, 6))
	require.NoError(t, h.c.SetJointVelocity(context.Background(), []float64{0, 0, 0, 0, 0, 0.5}))

	h.tick(10, 10*time.Millisecond)
	assert.InDelta(t, 0.5, h.command()[5], 1e-12)
	h.tick(1, 10*time.Millisecond)
	assert.InDelta(t, 0.45, h.command()[5], 1e-12)
	assert.InDelta(t, 0.45, h.sim.Velocities()[5], 1e-12)
}

func TestSetJointVelocityRejectsWrongLength(t *testing.T) {
	h := newHarness(t, make([]float64, 6))
	assert.Error(t, h.c.SetJointVelocity(context.Background(), []float64{1}))
}

func TestZeroTwistStopsArm(t *testing.T) {
	h := newHarness(t, bentPose)
	require.NoError(t, h.c.SetCartesianVelocity(context.Background(), Twist{Linear: r3.Vector{Z: 0.02}}, ""))
	h.tick(1, testTick)
	assert.True(t, anyNonZero(h.command()))

	require.NoError(t, h.c.SetCartesianVelocity(context.Background(), Twist{}, ""))
	h.tick(1, testTick)
	assertAllZero(t, h.command())
	assertAllZero(t, h.sim.Velocities())
}

func TestUnknownFrame(t *testing.T) {
	h := newHarness(t, bentPose)
	err := h.c.SetCartesianVelocity(context.Background(), Twist{Linear: r3.Vector{X: 0.01}}, "camera")
	assert.ErrorIs(t, err, ErrUnknownFrame)

	_, err = h.c.RunGuardedVelocity(context.Background(), Twist{}, "camera", Guards{})
	assert.ErrorIs(t, err, ErrUnknownFrame)
	assert.False(t, h.c.Moving())
}

func TestToolFrameTwistIsRotatedIntoBase(t *testing.T) {
	h := newHarness(t, []float64{0, 0, 0, 0, math.Pi / 2, 0})
	base, err := h.c.toBaseFrame(Twist{Linear: r3.Vector{X: 1}, Angular: r3.Vector{X: 2}}, ToolFrame)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1, 0, 0, 2, 0}, base, 1e-6)

	custom := newHarness(t, []float64{0, 0, 0, 0, math.Pi / 2, 0}, WithFrames("world", "gripper"))
	base, err = custom.c.toBaseFrame(Twist{Linear: r3.Vector{X: 1}}, "gripper")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1, 0, 0, 0, 0}, base, 1e-6)
	base, err = custom.c.toBaseFrame(Twist{Linear: r3.Vector{X: 1}}, "world")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 0, 0, 0, 0}, base)
}

func TestGuardedVelocityStopsOnDuration(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, bentPose)
	guards := Guards{Enabled: GuardDuration, Duration: 50 * time.Millisecond}

	var (
		result GuardResult
		err    error
	)
	h.runWhileTicking(1000, func() {
		result, err = h.c.RunGuardedVelocity(context.Background(), Twist{Linear: r3.Vector{Z: 0.01}}, "", guards)
	})
	require.NoError(t, err)
	assert.Equal(t, GuardDuration, result.Triggered)
	assert.False(t, result.Preempted)
	assertAllZero(t, h.sim.Velocities())
	assertAllZero(t, h.cartesianTarget())
	assert.Equal(t, MotionIdle, h.c.Mode())
}

func TestGuardedVelocityStopsOnEffort(t *testing.T) {
	h := newHarness(t, bentPose)
	h.sim.SetEfforts([]float64{20, 20, 20, 20, 20, 20})
	h.tick(1, testTick)

	guards := Guards{
		Enabled:  GuardEffort | GuardDuration,
		Duration: time.Hour,
		Effort:   Wrench{Force: r3.Vector{X: 1, Y: 1, Z: 1}, Torque: r3.Vector{X: 1, Y: 1, Z: 1}},
	}
	result, err := h.c.RunGuardedVelocity(context.Background(), Twist{Linear: r3.Vector{Z: 0.01}}, "", guards)
	require.NoError(t, err)
	assert.True(t, result.Triggered.Has(GuardEffort))
	assert.False(t, result.Triggered.Has(GuardDuration))
	assert.False(t, h.c.Moving())
}

func TestRunServoConvergesOnPose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, bentPose)
	goalJoints := make([]float64, len(bentPose))
	for i, v := range bentPose {
		goalJoints[i] = v + 0.05
	}
	target, err := h.c.Kinematics().ForwardKinematics(goalJoints)
	require.NoError(t, err)

	var ok bool
	h.runWhileTicking(5000, func() {
		ok, err = h.c.RunServo(context.Background(), target, 0, 0)
	})
	require.NoError(t, err)
	assert.True(t, ok)

	reached, err := h.c.Kinematics().ForwardKinematics(h.sim.Positions())
	require.NoError(t, err)
	assert.Less(t, magnitude(poseError(reached, target)), 0.01)
	assertAllZero(t, h.sim.Velocities())
}

func TestTickPublishesSnapshot(t *testing.T) {
	var published atomic.Int32
	h := newHarness(t, bentPose, WithStatePublisher(func(State) { published.Add(1) }))

	h.tick(3, testTick)
	assert.EqualValues(t, 3, published.Load())

	state := h.c.State()
	assert.Equal(t, h.clk.Now(), state.Timestamp)
	assert.Equal(t, BaseFrame, state.Frame)
	assert.Equal(t, h.sim.Positions(), state.JointPositions)
	assert.Equal(t, MotionIdle, state.Mode)
	assert.False(t, state.Moving)

	pose, err := h.c.Kinematics().ForwardKinematics(bentPose)
	require.NoError(t, err)
	assert.InDelta(t, pose.Point().X, state.EndEffectorPose.Point().X, 1e-9)
}

func TestCoordinatorRejectsBadFrequency(t *testing.T) {
	sim := NewSimulatedJoints(nil, make([]float64, 6), clock.NewMock())
	_, err := NewCoordinator(context.Background(), testKinematics(t), sim, logging.NewTestLogger(t), WithFrequency(0))
	assert.Error(t, err)
}

type flakyJoints struct {
	*SimulatedJoints
	fail atomic.Bool
}

func (f *flakyJoints) Feedback(ctx context.Context) (JointFeedback, error) {
	if f.fail.Load() {
		return JointFeedback{}, errors.New("bus timeout")
	}
	return f.SimulatedJoints.Feedback(ctx)
}

func TestFeedbackFailureLoggedOnTransition(t *testing.T) {
	logger, obs := logging.NewObservedTestLogger(t)
	clk := clock.NewMock()
	joints := &flakyJoints{SimulatedJoints: NewSimulatedJoints(nil, bentPose, clk)}
	c, err := NewCoordinator(context.Background(), testKinematics(t), joints, logger, WithClock(clk))
	require.NoError(t, err)

	joints.fail.Store(true)
	for i := 0; i < 3; i++ {
		clk.Add(testTick)
		c.Tick(context.Background(), testTick)
	}
	assert.Equal(t, 1, obs.FilterMessageSnippet("joint feedback unavailable").Len())
	assert.InDeltaSlice(t, bentPose, c.Joints(), 1e-12)

	joints.fail.Store(false)
	clk.Add(testTick)
	c.Tick(context.Background(), testTick)
	assert.Equal(t, 1, obs.FilterMessageSnippet("joint feedback restored").Len())
}

type shortJoints struct {
	*SimulatedJoints
	short atomic.Bool
}

func (s *shortJoints) Feedback(ctx context.Context) (JointFeedback, error) {
	fb, err := s.SimulatedJoints.Feedback(ctx)
	if s.short.Load() {
		fb.Positions = fb.Positions[:3]
	}
	return fb, err
}

func TestShortFeedbackReadsAsZero(t *testing.T) {
	logger, obs := logging.NewObservedTestLogger(t)
	clk := clock.NewMock()
	joints := &shortJoints{SimulatedJoints: NewSimulatedJoints(nil, bentPose, clk)}
	c, err := NewCoordinator(context.Background(), testKinematics(t), joints, logger, WithClock(clk))
	require.NoError(t, err)
	assert.InDeltaSlice(t, bentPose, c.Joints(), 1e-12)

	joints.short.Store(true)
	for i := 0; i < 3; i++ {
		clk.Add(testTick)
		c.Tick(context.Background(), testTick)
	}
	assertAllZero(t, c.Joints())
	assert.Equal(t, 1, obs.FilterMessageSnippet("reading all joints as zero").Len())

	joints.short.Store(false)
	clk.Add(testTick)
	c.Tick(context.Background(), testTick)
	assert.InDeltaSlice(t, bentPose, c.Joints(), 1e-12)
}

// stoppedAtSolve records whether the joints were at rest when inverse kinematics ran.
type stoppedAtSolve struct {
	Kinematics
	sim    *SimulatedJoints
	solved atomic.Bool
	rest   atomic.Bool
}

func (k *stoppedAtSolve) InverseKinematics(ctx context.Context, target spatialmath.Pose, seed []float64) ([]float64, error) {
	k.rest.Store(!anyNonZero(k.sim.Velocities()))
	k.solved.Store(true)
	return k.Kinematics.InverseKinematics(ctx, target, seed)
}

func TestRunToPoseSolvesAfterPreempting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	clk := clock.NewMock()
	sim := NewSimulatedJoints(nil, bentPose, clk)
	kin := &stoppedAtSolve{Kinematics: testKinematics(t), sim: sim}
	c, err := NewCoordinator(context.Background(), kin, sim, logging.NewTestLogger(t), WithClock(clk))
	require.NoError(t, err)
	h := &harness{t: t, clk: clk, sim: sim, c: c}

	away := append([]float64(nil), bentPose...)
	away[5] += 0.5
	first := startTrajectory(h, away)
	require.True(t, anyNonZero(sim.Velocities()))

	goalJoints := make([]float64, len(bentPose))
	for i, v := range bentPose {
		goalJoints[i] = v + 0.05
	}
	target, err := testKinematics(t).ForwardKinematics(goalJoints)
	require.NoError(t, err)
	h.runWhileTicking(5000, func() {
		_, err = c.RunToPose(context.Background(), target, "", 0.2)
	})
	require.NoError(t, err)
	assert.False(t, <-first)
	assert.True(t, kin.solved.Load())
	assert.True(t, kin.rest.Load())
	assert.False(t, c.Moving())
}

func TestRunToPoseUnknownFrame(t *testing.T) {
	h := newHarness(t, make([]float64, 6))
	ok, err := h.c.RunToPose(context.Background(), spatialmath.NewZeroPose(), "world", 0.2)
	assert.ErrorIs(t, err, ErrUnknownFrame)
	assert.False(t, ok)
	assert.False(t, h.c.Moving())
}

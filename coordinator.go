package armer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

const (
	defaultFrequency  = 500.0
	guardPollInterval = 10 * time.Millisecond
	positionGain      = 1.0

	defaultServoGain      = 2.0
	maxServoGain          = 3.0
	defaultServoThreshold = 0.005

	// BaseFrame names the arm's base frame.
	BaseFrame        = "base"
	// ToolFrame and EndEffectorFrame both name the end-effector frame.
	ToolFrame        = "tool"
	EndEffectorFrame = "ee"
)

// ErrUnknownFrame is returned for reference frames the coordinator cannot resolve.
var ErrUnknownFrame = errors.New("unknown reference frame")

// GuardResult is how a guarded velocity motion ended.
type GuardResult struct {
	Triggered GuardMask
	Preempted bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock replaces the wall clock, typically with a mock in tests.
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clk }
}

// WithFrequency sets the control frequency in Hz used to plan trajectories.
func WithFrequency(hz float64) CoordinatorOption {
	return func(c *Coordinator) { c.frequency = hz }
}

// WithStatePublisher registers a callback for every state snapshot.
func WithStatePublisher(p StatePublisher) CoordinatorOption {
	return func(c *Coordinator) { c.publish = p }
}

// WithJointNames sets the canonical joint order used to read feedback.
func WithJointNames(names []string) CoordinatorOption {
	return func(c *Coordinator) { c.jointNames = append([]string(nil), names...) }
}

// WithTrajectoryConfig tunes the trajectory profile.
func WithTrajectoryConfig(cfg TrajectoryConfig) CoordinatorOption {
	return func(c *Coordinator) { c.trajectory = cfg.withDefaults() }
}

// WithFrames sets the names accepted for the base and end-effector frames.
func WithFrames(base, tool string) CoordinatorOption {
	return func(c *Coordinator) {
		if base != "" {
			c.baseFrame = base
		}
		if tool != "" {
			c.toolFrame = tool
		}
	}
}

// Coordinator owns the arm's motion. Motion requests are serialized by the motion lock and
// interrupt each other through preemption, while Tick turns the active targets into joint
// velocity commands once per control period.
type Coordinator struct {
	kin    Kinematics
	joints JointIO
	logger logging.Logger

	clock      clock.Clock
	frequency  float64
	publish    StatePublisher
	jointNames []string
	trajectory TrajectoryConfig
	ramp       Ramp
	baseFrame  string
	toolFrame  string

	motionLock chan struct{}
	preempted  atomic.Bool
	moving     atomic.Bool

	tickMu sync.Mutex
	tickCh chan struct{}
	// stopCh is closed and replaced by every Preempt.
	stopCh chan struct{}

	outputMu   sync.Mutex
	commandErr bool

	stateMu     sync.Mutex
	rt          runtimeState
	index       jointIndex
	feedbackErr bool
	snapshot    State

	// shortFeedback is set while feedback carries fewer positions than the model has joints.
	shortFeedback bool
}

// NewCoordinator reads the initial joint state and seeds the estimated pose from it.
func NewCoordinator(
	ctx context.Context,
	kin Kinematics,
	joints JointIO,
	logger logging.Logger,
	opts ...CoordinatorOption,
) (*Coordinator, error) {
	c := &Coordinator{
		kin:        kin,
		joints:     joints,
		logger:     logger,
		clock:      clock.New(),
		frequency:  defaultFrequency,
		trajectory: DefaultTrajectoryConfig,
		ramp:       DefaultRamp,
		baseFrame:  BaseFrame,
		toolFrame:  ToolFrame,
		motionLock: make(chan struct{}, 1),
		tickCh:     make(chan struct{}),
		stopCh:     make(chan struct{}),
		rt:         newRuntimeState(kin.DoF()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.frequency <= 0 {
		return nil, fmt.Errorf("control frequency must be positive, got %v", c.frequency)
	}

	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("reading initial joint feedback: %w", err)
	}
	pose, err := kin.ForwardKinematics(c.rt.q)
	if err != nil {
		return nil, fmt.Errorf("computing initial pose: %w", err)
	}
	now := c.clock.Now()
	c.rt.estimatedPose = pose
	c.rt.lastUpdate = now
	c.rt.lastTick = now
	c.snapshot = c.takeSnapshot(ctx, now)
	return c, nil
}

// Frequency is the control frequency in Hz.
func (c *Coordinator) Frequency() float64 {
	return c.frequency
}

// Period is the control period.
func (c *Coordinator) Period() time.Duration {
	return time.Duration(float64(time.Second) / c.frequency)
}

// Kinematics returns the model the coordinator works against.
func (c *Coordinator) Kinematics() Kinematics {
	return c.kin
}

// State returns the snapshot taken by the most recent tick.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.snapshot
}

// Joints returns the latest joint positions.
func (c *Coordinator) Joints() []float64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return append([]float64(nil), c.rt.q...)
}

// Mode returns the active motion state.
func (c *Coordinator) Mode() MotionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.rt.mode
}

// Moving reports whether a blocking motion is running.
func (c *Coordinator) Moving() bool {
	return c.moving.Load()
}

// Preempt interrupts whatever motion is active and zeroes every velocity target and the
// output command. It never takes the motion lock and is safe to call at any time.
func (c *Coordinator) Preempt() {
	c.preempted.Store(true)
	c.stateMu.Lock()
	zero(c.rt.cartesianTarget)
	zero(c.rt.jointTarget)
	zero(c.rt.command)
	c.rt.mode = MotionIdle
	c.stateMu.Unlock()
	c.writeCommand(context.Background())

	c.tickMu.Lock()
	close(c.stopCh)
	c.stopCh = make(chan struct{})
	c.tickMu.Unlock()
}

// Halt preempts the active motion and waits until it has exited, or until ctx is done.
func (c *Coordinator) Halt(ctx context.Context) error {
	c.Preempt()
	for c.moving.Load() {
		if !utils.SelectContextOrWait(ctx, time.Millisecond) {
			return ctx.Err()
		}
	}
	return nil
}

// SetCartesianVelocity makes the arm follow twist, expressed in frame, until it is
// changed, decays or is preempted. It returns without waiting for motion.
func (c *Coordinator) SetCartesianVelocity(ctx context.Context, twist Twist, frame string) error {
	base, err := c.toBaseFrame(twist, frame)
	if err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	c.applyCartesianVelocity(base)
	return nil
}

// SetJointVelocity makes the arm follow the joint velocity qd until it is changed, decays or
// is preempted. It returns without waiting for motion.
func (c *Coordinator) SetJointVelocity(ctx context.Context, qd []float64) error {
	if len(qd) != c.kin.DoF() {
		return fmt.Errorf("expected %d joint velocities, got %d", c.kin.DoF(), len(qd))
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	zero(c.rt.cartesianTarget)
	copy(c.rt.jointTarget, qd)
	c.rt.lastUpdate = c.clock.Now()
	c.rt.mode = MotionJointVelocity
	return nil
}

// RunGuardedVelocity moves at twist until one of the guards trips or the motion is
// preempted. Guards are checked every 10ms.
func (c *Coordinator) RunGuardedVelocity(ctx context.Context, twist Twist, frame string, guards Guards) (GuardResult, error) {
	base, err := c.toBaseFrame(twist, frame)
	if err != nil {
		return GuardResult{}, err
	}
	if err := c.beginMotion(ctx, MotionCartesianVelocity); err != nil {
		return GuardResult{}, err
	}

	var (
		result GuardResult
		runErr error
	)
	start := c.clock.Now()
	for {
		stop := c.preemption()
		if c.preempted.Load() {
			break
		}
		result.Triggered = guards.Evaluate(c.clock.Since(start), c.State().EndEffectorWrench)
		if result.Triggered != 0 {
			c.logger.Infof("guarded velocity stopped by %v", result.Triggered.Names())
			break
		}
		if !c.applyCartesianVelocity(base) {
			break
		}
		if runErr = c.sleep(ctx, guardPollInterval, stop); runErr != nil {
			break
		}
	}
	result.Preempted = c.endMotion()
	return result, runErr
}

// RunTrajectory moves the joints to target along a minimum-jerk profile with the end
// effector held under maxSpeed (m/s). It returns false if the move was preempted.
func (c *Coordinator) RunTrajectory(ctx context.Context, target []float64, maxSpeed float64) (bool, error) {
	if len(target) != c.kin.DoF() {
		return false, fmt.Errorf("expected %d joint values, got %d", c.kin.DoF(), len(target))
	}
	if err := c.beginMotion(ctx, MotionTrajectory); err != nil {
		return false, err
	}
	return c.trajectoryTo(ctx, target, maxSpeed)
}

// RunToPose moves the end effector to target, expressed in frame, along a joint trajectory.
// Inverse kinematics is solved only after any running motion has been preempted, seeded from
// the stopped joints.
func (c *Coordinator) RunToPose(ctx context.Context, target spatialmath.Pose, frame string, maxSpeed float64) (bool, error) {
	if err := c.beginMotion(ctx, MotionTrajectory); err != nil {
		return false, err
	}
	q := c.Joints()
	goal, err := c.poseInBase(target, frame, q)
	var joints []float64
	if err == nil {
		joints, err = c.kin.InverseKinematics(ctx, goal, q)
	}
	if err != nil {
		c.endMotion()
		return false, err
	}
	return c.trajectoryTo(ctx, joints, maxSpeed)
}

// trajectoryTo follows a trajectory to target and ends the motion started by the caller.
func (c *Coordinator) trajectoryTo(ctx context.Context, target []float64, maxSpeed float64) (bool, error) {
	traj, err := NewTrajectory(c.Joints(), target, c.frequency, c.trajectory)
	if err != nil {
		c.endMotion()
		return false, err
	}
	c.logger.Debugf("moving to %v over at most %v", target, traj.Duration())

	runErr := c.followTrajectory(ctx, traj, maxSpeed)
	preempted := c.endMotion()
	if runErr != nil {
		return false, runErr
	}
	return !preempted, nil
}

func (c *Coordinator) followTrajectory(ctx context.Context, traj *Trajectory, maxSpeed float64) error {
	for {
		stop := c.preemption()
		if c.preempted.Load() {
			return nil
		}
		q := c.Joints()
		if traj.Expired() {
			if !traj.Arrived(q) {
				c.logger.Warnf("trajectory ran out of time before reaching %v, stopped at %v", traj.Goal(), q)
			}
			return nil
		}
		if traj.Arrived(q) {
			return nil
		}
		jac, err := c.kin.Jacobian(q)
		if err != nil {
			return fmt.Errorf("computing jacobian: %w", err)
		}
		jv, _, err := traj.Next(q, jac, maxSpeed)
		if err != nil {
			return err
		}
		next := c.nextTick()
		if !c.setJointTarget(jv) {
			return nil
		}
		if err := c.awaitTick(ctx, next, stop); err != nil {
			return err
		}
	}
}

// RunServo closes the loop on target with a proportional cartesian controller until the
// summed pose error falls under threshold. Gain is capped at 3; zero values pick defaults.
func (c *Coordinator) RunServo(ctx context.Context, target spatialmath.Pose, gain, threshold float64) (bool, error) {
	if gain <= 0 {
		gain = defaultServoGain
	}
	gain = math.Min(maxServoGain, gain)
	if threshold <= 0 {
		threshold = defaultServoThreshold
	}
	if err := c.beginMotion(ctx, MotionServo); err != nil {
		return false, err
	}
	runErr := c.servo(ctx, target, gain, threshold)
	preempted := c.endMotion()
	if runErr != nil {
		return false, runErr
	}
	return !preempted, nil
}

func (c *Coordinator) servo(ctx context.Context, target spatialmath.Pose, gain, threshold float64) error {
	for {
		stop := c.preemption()
		if c.preempted.Load() {
			return nil
		}
		q := c.Joints()
		current, err := c.kin.ForwardKinematics(q)
		if err != nil {
			return fmt.Errorf("computing pose: %w", err)
		}
		e := poseError(current, target)
		if magnitude(e) < threshold {
			return nil
		}
		for i := range e {
			e[i] *= gain
		}
		jac, err := c.kin.Jacobian(q)
		if err != nil {
			return fmt.Errorf("computing jacobian: %w", err)
		}
		jv, err := dampedPseudoInverseSolve(jac, e, defaultDamping)
		if err != nil {
			return err
		}
		next := c.nextTick()
		if !c.setJointTarget(jv) {
			return nil
		}
		if err := c.awaitTick(ctx, next, stop); err != nil {
			return err
		}
	}
}

// Tick runs one control period: refresh the joint state, turn the active target into a joint
// velocity, write it out, publish a snapshot and wake any motion waiting on the tick.
// Only one goroutine may call Tick.
func (c *Coordinator) Tick(ctx context.Context, dt time.Duration) {
	now := c.clock.Now()
	//nolint:errcheck
	c.refresh(ctx)

	c.stateMu.Lock()
	c.step(now, dt)
	c.rt.lastTick = now
	c.stateMu.Unlock()

	c.writeCommand(ctx)

	snap := c.takeSnapshot(ctx, now)
	c.stateMu.Lock()
	c.snapshot = snap
	c.stateMu.Unlock()
	if c.publish != nil {
		c.publish(snap)
	}
	c.signalTick()
}

// step computes the command for this tick. stateMu must be held.
func (c *Coordinator) step(now time.Time, dt time.Duration) {
	rt := &c.rt
	switch {
	case anyNonZero(rt.cartesianTarget):
		c.ramp.Decay(rt.cartesianTarget, rt.lastUpdate, now)
		jv, err := c.cartesianToJoint(dt)
		if err != nil {
			c.logger.Warnf("dropping cartesian velocity: %v", err)
			zero(rt.cartesianTarget)
			zero(rt.jointTarget)
			rt.mode = MotionIdle
			break
		}
		copy(rt.jointTarget, jv)
	case anyNonZero(rt.jointTarget):
		c.ramp.Decay(rt.jointTarget, rt.lastUpdate, now)
	}
	copy(rt.command, rt.jointTarget)
}

// cartesianToJoint integrates the estimated pose by the target twist, corrects the twist by
// the drift between the estimate and the measured pose, and maps it to joint space.
// Only the translation is integrated. stateMu must be held.
func (c *Coordinator) cartesianToJoint(dt time.Duration) ([]float64, error) {
	rt := &c.rt
	v := rt.cartesianTarget

	shift := r3.Vector{X: v[0], Y: v[1], Z: v[2]}.Mul(dt.Seconds() * mmPerMeter)
	rt.estimatedPose = spatialmath.NewPose(rt.estimatedPose.Point().Add(shift), rt.estimatedPose.Orientation())

	actual, err := c.kin.ForwardKinematics(rt.q)
	if err != nil {
		return nil, err
	}
	drift := spatialmath.Compose(rt.estimatedPose, spatialmath.PoseInverse(actual)).Point().Mul(1 / mmPerMeter)
	corrected := []float64{
		v[0] + positionGain*drift.X,
		v[1] + positionGain*drift.Y,
		v[2] + positionGain*drift.Z,
		v[3], v[4], v[5],
	}

	jac, err := c.kin.Jacobian(rt.q)
	if err != nil {
		return nil, err
	}
	return dampedPseudoInverseSolve(jac, corrected, defaultDamping)
}

func (c *Coordinator) refresh(ctx context.Context) error {
	fb, err := c.joints.Feedback(ctx)

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err != nil {
		if !c.feedbackErr {
			c.logger.Warnf("joint feedback unavailable, holding last state: %v", err)
		}
		c.feedbackErr = true
		return err
	}
	if c.index == nil {
		idx, err := newJointIndex(c.jointNames, fb, len(c.rt.q))
		if err != nil {
			if !c.feedbackErr {
				c.logger.Warnf("cannot map joint feedback: %v", err)
			}
			c.feedbackErr = true
			return err
		}
		c.index = idx
	}
	if c.feedbackErr {
		c.logger.Info("joint feedback restored")
		c.feedbackErr = false
	}
	if short := len(fb.Positions) < len(c.rt.q); short != c.shortFeedback {
		if short {
			c.logger.Warnf("joint feedback carries %d positions for %d joints, reading all joints as zero",
				len(fb.Positions), len(c.rt.q))
		}
		c.shortFeedback = short
	}
	c.rt.q = c.index.pick(fb.Positions)
	c.rt.velocities = c.index.pick(fb.Velocities)
	c.rt.efforts = c.index.pick(fb.Efforts)
	return nil
}

func (c *Coordinator) writeCommand(ctx context.Context) {
	c.outputMu.Lock()
	defer c.outputMu.Unlock()

	c.stateMu.Lock()
	cmd := append([]float64(nil), c.rt.command...)
	c.stateMu.Unlock()

	if err := c.joints.SetVelocities(ctx, cmd); err != nil {
		if !c.commandErr {
			c.logger.Warnf("failed to write joint velocities: %v", err)
		}
		c.commandErr = true
		return
	}
	c.commandErr = false
}

func (c *Coordinator) takeSnapshot(ctx context.Context, now time.Time) State {
	c.stateMu.Lock()
	snap := State{
		Timestamp:         now,
		Frame:             c.baseFrame,
		EndEffectorPose:   spatialmath.NewZeroPose(),
		JointPositions:    append([]float64(nil), c.rt.q...),
		JointVelocities:   append([]float64(nil), c.rt.velocities...),
		JointEfforts:      append([]float64(nil), c.rt.efforts...),
		JointCommand:      append([]float64(nil), c.rt.command...),
		Mode:              c.rt.mode,
		Moving:            c.moving.Load(),
		EndEffectorTwist:  Twist{},
		EndEffectorWrench: Wrench{},
	}
	c.stateMu.Unlock()

	if pose, err := c.kin.ForwardKinematics(snap.JointPositions); err == nil {
		snap.EndEffectorPose = pose
	}
	jac, err := c.kin.Jacobian(snap.JointPositions)
	if err != nil {
		return snap
	}
	var twist mat.VecDense
	twist.MulVec(jac, mat.NewVecDense(len(snap.JointVelocities), append([]float64(nil), snap.JointVelocities...)))
	if t, err := TwistFromSlice(mat.Col(nil, 0, &twist)); err == nil {
		snap.EndEffectorTwist = t
	}

	if reader, ok := c.joints.(WrenchReader); ok {
		if w, err := reader.Wrench(ctx); err == nil {
			snap.EndEffectorWrench = w
		}
	} else if w, err := estimateWrench(jac, snap.JointEfforts); err == nil {
		snap.EndEffectorWrench = w
	}
	return snap
}

func (c *Coordinator) nextTick() <-chan struct{} {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.tickCh
}

func (c *Coordinator) signalTick() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	close(c.tickCh)
	c.tickCh = make(chan struct{})
}

// preemption returns a channel closed by the next Preempt. Take it before checking the
// preempted flag so a Preempt in between is never missed.
func (c *Coordinator) preemption() <-chan struct{} {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.stopCh
}

func (c *Coordinator) awaitTick(ctx context.Context, tick, stop <-chan struct{}) error {
	select {
	case <-tick:
		return nil
	case <-stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) error {
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire takes the motion lock, first preempting a running blocking motion.
func (c *Coordinator) acquire(ctx context.Context) error {
	if c.moving.Load() {
		c.Preempt()
	}
	select {
	case c.motionLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.preempted.Store(false)
	return nil
}

func (c *Coordinator) release() {
	<-c.motionLock
}

// beginMotion starts a blocking motion: it holds the motion lock until endMotion.
func (c *Coordinator) beginMotion(ctx context.Context, mode MotionState) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	c.stateMu.Lock()
	zero(c.rt.cartesianTarget)
	zero(c.rt.jointTarget)
	c.rt.mode = mode
	c.stateMu.Unlock()
	c.moving.Store(true)
	return nil
}

// endMotion stops the arm, releases the motion lock and reports whether the motion was
// preempted.
func (c *Coordinator) endMotion() bool {
	preempted := c.preempted.Load()
	c.stateMu.Lock()
	zero(c.rt.cartesianTarget)
	zero(c.rt.jointTarget)
	zero(c.rt.command)
	c.rt.mode = MotionIdle
	c.stateMu.Unlock()
	c.writeCommand(context.Background())

	c.moving.Store(false)
	c.preempted.Store(false)
	c.release()
	return preempted
}

// setJointTarget hands jv to the control loop unless the motion has been preempted.
func (c *Coordinator) setJointTarget(jv []float64) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.preempted.Load() {
		return false
	}
	copy(c.rt.jointTarget, jv)
	c.rt.lastUpdate = c.clock.Now()
	return true
}

// applyCartesianVelocity adopts a base-frame twist as the cartesian target. A changed twist
// re-bases the estimated pose on the measured one. A zero twist also clears the joint target
// so the arm stops on the next tick.
func (c *Coordinator) applyCartesianVelocity(base []float64) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.preempted.Load() {
		return false
	}
	rt := &c.rt
	changed := false
	for i := range base {
		if base[i] != rt.cartesianTarget[i] {
			changed = true
			break
		}
	}
	if changed {
		pose, err := c.kin.ForwardKinematics(rt.q)
		if err != nil {
			c.logger.Warnf("cannot re-base estimated pose: %v", err)
		} else {
			rt.estimatedPose = pose
		}
	}
	copy(rt.cartesianTarget, base)
	if !anyNonZero(base) {
		zero(rt.jointTarget)
	}
	rt.lastUpdate = c.clock.Now()
	rt.mode = MotionCartesianVelocity
	return true
}

// poseInBase resolves a pose given in the base or end-effector frame, with the end effector
// placed at q.
func (c *Coordinator) poseInBase(pose spatialmath.Pose, frame string, q []float64) (spatialmath.Pose, error) {
	switch frame {
	case "", BaseFrame, c.baseFrame:
		return pose, nil
	case ToolFrame, EndEffectorFrame, c.toolFrame:
		current, err := c.kin.ForwardKinematics(q)
		if err != nil {
			return nil, err
		}
		return spatialmath.Compose(current, pose), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frame)
	}
}

// toBaseFrame expresses twist in the base frame.
func (c *Coordinator) toBaseFrame(twist Twist, frame string) ([]float64, error) {
	switch frame {
	case "", BaseFrame, c.baseFrame:
		return twist.Slice(), nil
	case ToolFrame, EndEffectorFrame, c.toolFrame:
		pose, err := c.kin.ForwardKinematics(c.Joints())
		if err != nil {
			return nil, err
		}
		rot := pose.Orientation().Quaternion()
		return Twist{
			Linear:  rotateVector(rot, twist.Linear),
			Angular: rotateVector(rot, twist.Angular),
		}.Slice(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frame)
	}
}

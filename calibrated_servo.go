package armer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

const (
	// STS3215 resolution: 4096 steps per revolution.
	stepsPerRevolution = 4096
	radiansPerStep     = 2 * math.Pi / stepsPerRevolution

	// maxServoSpeed is the fastest goal speed the STS3215 accepts, in steps/s.
	maxServoSpeed = 3400

	// sts3215StallTorque is the 12V stall torque in Nm; load registers report per mille of it.
	sts3215StallTorque = 2.94
)

// servoDriver is the subset of the feetech servo API the joints use.
type servoDriver interface {
	Position(ctx context.Context) (int, error)
	SetPosition(ctx context.Context, position int) error
	SetPositionWithSpeed(ctx context.Context, position, speed int) error
	Load(ctx context.Context) (int, error)
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// MotorCalibration maps a servo's raw step range onto joint radians. Joint zero is the middle
// of the range shifted by HomingOffset steps.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

func (c *MotorCalibration) center() float64 {
	return float64(c.RangeMin+c.RangeMax)/2 + float64(c.HomingOffset)
}

// Radians converts a raw position to a joint angle.
func (c *MotorCalibration) Radians(raw int) float64 {
	rad := (float64(raw) - c.center()) * radiansPerStep
	if c.DriveMode != 0 {
		rad = -rad
	}
	return rad
}

// Raw converts a joint angle to a raw position, clamped to the calibrated range.
func (c *MotorCalibration) Raw(rad float64) int {
	if c.DriveMode != 0 {
		rad = -rad
	}
	raw := c.center() + rad/radiansPerStep
	raw = math.Max(float64(c.RangeMin), math.Min(float64(c.RangeMax), raw))
	return int(math.Round(raw))
}

// Speed converts a joint speed to a servo goal speed in steps/s.
func (c *MotorCalibration) Speed(radPerSec float64) int {
	steps := int(math.Round(math.Abs(radPerSec) / radiansPerStep))
	return max(1, min(maxServoSpeed, steps))
}

// Validate checks if the calibration parameters are valid
func (c *MotorCalibration) Validate() error {
	if c.ID < 0 || c.ID > 253 {
		return fmt.Errorf("invalid servo ID: %d", c.ID)
	}

	if c.RangeMin >= c.RangeMax {
		return fmt.Errorf("invalid range: min (%d) must be less than max (%d)", c.RangeMin, c.RangeMax)
	}

	if c.RangeMin < 0 || c.RangeMax > stepsPerRevolution-1 {
		return fmt.Errorf("range values must be between 0-4095, got min=%d max=%d", c.RangeMin, c.RangeMax)
	}

	return nil
}

// CalibratedServo drives one joint in radians.
type CalibratedServo struct {
	servo       servoDriver
	calibration *MotorCalibration

	mu      sync.Mutex
	lastRaw int
	hasRaw  bool
}

// NewCalibratedServo creates a new calibrated servo wrapper
func NewCalibratedServo(servo servoDriver, calibration *MotorCalibration) *CalibratedServo {
	return &CalibratedServo{
		servo:       servo,
		calibration: calibration,
	}
}

func (cs *CalibratedServo) cal() *MotorCalibration {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.calibration
}

// Calibration returns a copy of the servo's calibration.
func (cs *CalibratedServo) Calibration() MotorCalibration {
	return *cs.cal()
}

// SetCalibration replaces the calibration used for later conversions.
func (cs *CalibratedServo) SetCalibration(cal *MotorCalibration) {
	cs.mu.Lock()
	cs.calibration = cal
	cs.mu.Unlock()
}

// RawPosition reads the uncalibrated servo position in steps.
func (cs *CalibratedServo) RawPosition(ctx context.Context) (int, error) {
	raw, err := cs.servo.Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read position of servo %d: %w", cs.cal().ID, err)
	}
	return raw, nil
}

// Position reads the joint angle.
func (cs *CalibratedServo) Position(ctx context.Context) (float64, error) {
	raw, err := cs.servo.Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read position of servo %d: %w", cs.cal().ID, err)
	}
	cs.mu.Lock()
	cs.lastRaw, cs.hasRaw = raw, true
	cs.mu.Unlock()
	return cs.cal().Radians(raw), nil
}

// Effort reads the joint torque in Nm.
func (cs *CalibratedServo) Effort(ctx context.Context) (float64, error) {
	load, err := cs.servo.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read load of servo %d: %w", cs.cal().ID, err)
	}
	effort := float64(load) / 1000 * sts3215StallTorque
	if cs.cal().DriveMode != 0 {
		effort = -effort
	}
	return effort, nil
}

// SetVelocity moves the joint at radPerSec. The servo runs in position mode, so motion is
// commanded as a goal at the end of the range in the direction of travel, at the matching
// goal speed. Zero holds the last read position.
func (cs *CalibratedServo) SetVelocity(ctx context.Context, radPerSec float64) error {
	if radPerSec == 0 {
		cs.mu.Lock()
		raw, ok := cs.lastRaw, cs.hasRaw
		cs.mu.Unlock()
		if !ok {
			var err error
			if raw, err = cs.servo.Position(ctx); err != nil {
				return fmt.Errorf("failed to read position of servo %d: %w", cs.cal().ID, err)
			}
		}
		if err := cs.servo.SetPosition(ctx, raw); err != nil {
			return fmt.Errorf("failed to hold servo %d: %w", cs.cal().ID, err)
		}
		return nil
	}

	goal := cs.cal().Raw(math.Copysign(math.Inf(1), radPerSec))
	if err := cs.servo.SetPositionWithSpeed(ctx, goal, cs.cal().Speed(radPerSec)); err != nil {
		return fmt.Errorf("failed to move servo %d: %w", cs.cal().ID, err)
	}
	return nil
}

// Enable enables the servo torque
func (cs *CalibratedServo) Enable(ctx context.Context) error {
	return cs.servo.Enable(ctx)
}

// Disable disables the servo torque
func (cs *CalibratedServo) Disable(ctx context.Context) error {
	return cs.servo.Disable(ctx)
}

// ServoJoints is the JointIO for a chain of calibrated bus servos. Joint velocities are
// estimated by differencing successive position reads.
type ServoJoints struct {
	clock  clock.Clock
	names  []string
	servos []*CalibratedServo

	mu            sync.Mutex
	lastPositions []float64
	lastRead      time.Time
	lastCommand   []float64
	commanded     bool
}

// NewServoJoints builds joints from servos in canonical order.
func NewServoJoints(names []string, servos []*CalibratedServo, clk clock.Clock) (*ServoJoints, error) {
	if len(names) != len(servos) {
		return nil, fmt.Errorf("%d joint names for %d servos", len(names), len(servos))
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ServoJoints{
		clock:       clk,
		names:       append([]string(nil), names...),
		servos:      servos,
		lastCommand: make([]float64, len(servos)),
	}, nil
}

// Feedback implements JointIO.
func (j *ServoJoints) Feedback(ctx context.Context) (JointFeedback, error) {
	fb := JointFeedback{
		Names:      append([]string(nil), j.names...),
		Positions:  make([]float64, len(j.servos)),
		Velocities: make([]float64, len(j.servos)),
		Efforts:    make([]float64, len(j.servos)),
	}
	for i, s := range j.servos {
		pos, err := s.Position(ctx)
		if err != nil {
			return JointFeedback{}, err
		}
		fb.Positions[i] = pos
		if fb.Efforts[i], err = s.Effort(ctx); err != nil {
			return JointFeedback{}, err
		}
	}

	now := j.clock.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	if dt := now.Sub(j.lastRead).Seconds(); j.lastPositions != nil && dt > 0 {
		for i := range fb.Positions {
			fb.Velocities[i] = (fb.Positions[i] - j.lastPositions[i]) / dt
		}
	}
	j.lastPositions = append(j.lastPositions[:0], fb.Positions...)
	j.lastRead = now
	return fb, nil
}

// SetVelocities implements JointIO. Only joints whose command changed are written.
func (j *ServoJoints) SetVelocities(ctx context.Context, velocities []float64) error {
	if len(velocities) != len(j.servos) {
		return fmt.Errorf("expected %d joint velocities, got %d", len(j.servos), len(velocities))
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var errs error
	for i, v := range velocities {
		if j.commanded && v == j.lastCommand[i] {
			continue
		}
		if err := j.servos[i].SetVelocity(ctx, v); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		j.lastCommand[i] = v
	}
	j.commanded = errs == nil
	return errs
}

// Names returns the joint names in servo order.
func (j *ServoJoints) Names() []string {
	return append([]string(nil), j.names...)
}

// RawPositions reads every servo's uncalibrated position.
func (j *ServoJoints) RawPositions(ctx context.Context) ([]int, error) {
	raw := make([]int, len(j.servos))
	for i, s := range j.servos {
		var err error
		if raw[i], err = s.RawPosition(ctx); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// Calibrations returns a copy of every servo's calibration.
func (j *ServoJoints) Calibrations() []MotorCalibration {
	cals := make([]MotorCalibration, len(j.servos))
	for i, s := range j.servos {
		cals[i] = s.Calibration()
	}
	return cals
}

// SetCalibrations swaps in new calibrations, one per servo. Velocity estimation restarts
// since positions jump.
func (j *ServoJoints) SetCalibrations(cals []*MotorCalibration) error {
	if len(cals) != len(j.servos) {
		return fmt.Errorf("expected %d calibrations, got %d", len(j.servos), len(cals))
	}
	for _, cal := range cals {
		if err := cal.Validate(); err != nil {
			return err
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, s := range j.servos {
		s.SetCalibration(cals[i])
	}
	j.lastPositions = nil
	j.commanded = false
	return nil
}

// Enable holds every joint at its current position, then turns torque on. The goal
// register otherwise keeps whatever was commanded before torque was released.
func (j *ServoJoints) Enable(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var errs error
	for i, s := range j.servos {
		if _, err := s.Position(ctx); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, s.SetVelocity(ctx, 0))
		errs = multierr.Append(errs, s.Enable(ctx))
		j.lastCommand[i] = 0
	}
	j.commanded = errs == nil
	return errs
}

// Disable turns torque off for every joint.
func (j *ServoJoints) Disable(ctx context.Context) error {
	var errs error
	for _, s := range j.servos {
		errs = multierr.Append(errs, s.Disable(ctx))
	}
	return errs
}

package armer

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var Model = resource.NewModel("devrel", "armer", "arm")

const closeTimeout = time.Second

func init() {
	resource.RegisterComponent(generic.API, Model,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newArmer,
		},
	)
}

// torqueSwitch is implemented by joint backends that can release the motors.
type torqueSwitch interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Armer is the driver resource: a control loop over one manipulator, driven through DoCommand.
type Armer struct {
	resource.Named
	resource.AlwaysRebuild

	logger  logging.Logger
	cfg     *Config
	joints  JointIO
	coord   *Coordinator
	poses   *NamedPoseStore
	handler *requestHandler
	calib   *CalibrationRecorder
	workers *utils.StoppableWorkers
}

// motionCommands are refused while a calibration has torque released.
var motionCommands = []string{
	"cartesian_velocity", "joint_velocity", "guarded_velocity", "move_to_pose", "servo_to_pose",
	"move_to_joint_pose", "move_to_named_pose", "home",
}

func newArmer(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewArmer(ctx, rawConf.ResourceName(), conf, clock.New(), logger)
}

// NewArmer builds the control loop for conf and starts ticking it. Without a port the joints
// are simulated.
func NewArmer(ctx context.Context, name resource.Name, conf *Config, clk clock.Clock, logger logging.Logger) (*Armer, error) {
	kin, err := LoadKinematics(resolvePath(conf.KinematicsFile))
	if err != nil {
		return nil, err
	}
	if len(conf.JointNames) != kin.DoF() {
		return nil, fmt.Errorf("joint_names has %d entries for a %d joint model", len(conf.JointNames), kin.DoF())
	}

	a := &Armer{
		Named:  name.AsNamed(),
		logger: logger,
		cfg:    conf,
	}

	if conf.Port == "" {
		initial := conf.InitialJoints
		if len(initial) == 0 {
			initial = make([]float64, kin.DoF())
		}
		logger.Info("No port configured, using simulated joints")
		a.joints = NewSimulatedJoints(conf.JointNames, initial, clk)
	} else {
		servos, err := openServoJoints(ctx, conf, clk, logger)
		if err != nil {
			return nil, err
		}
		a.joints = servos
		calibrationFile := conf.CalibrationFile
		if calibrationFile == "" {
			calibrationFile = extractPortSuffix(conf.Port) + "_calibration.json"
		}
		a.calib = NewCalibrationRecorder(servos, resolvePath(calibrationFile), logger.Sublogger("calibration"))
	}

	opts := []CoordinatorOption{
		WithClock(clk),
		WithFrequency(conf.FrequencyHz),
		WithJointNames(conf.JointNames),
		WithFrames(conf.BaseFrame, conf.ToolFrame),
	}
	if conf.Trajectory != nil {
		opts = append(opts, WithTrajectoryConfig(*conf.Trajectory))
	}
	a.coord, err = NewCoordinator(ctx, kin, a.joints, logger.Sublogger("coordinator"), opts...)
	if err != nil {
		return nil, multierr.Append(err, a.releaseHardware())
	}

	sources := lo.Map(conf.NamedPoseSources, func(p string, _ int) string { return resolvePath(p) })
	a.poses = NewNamedPoseStore(resolvePath(conf.NamedPoseConfig), sources, logger.Sublogger("named_poses"))
	a.handler = newRequestHandler(a.coord, a.poses, conf.ReadyPose, conf.DefaultSpeed, logger)

	period := a.coord.Period()
	a.workers = utils.NewStoppableWorkerWithTicker(period, func(ctx context.Context) {
		a.coord.Tick(ctx, period)
	})
	if conf.WatchNamedPoseSources {
		a.workers.Add(func(ctx context.Context) {
			if err := a.poses.Watch(ctx); err != nil {
				logger.Warnf("named pose watcher stopped: %v", err)
			}
		})
	}

	logger.Infof("Arm initialized with %d joints at %.0f Hz", kin.DoF(), a.coord.Frequency())
	return a, nil
}

func openServoJoints(ctx context.Context, conf *Config, clk clock.Clock, logger logging.Logger) (*ServoJoints, error) {
	bus, err := AcquireBus(conf.Port, BusSettings{Baudrate: conf.Baudrate, Timeout: conf.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open servo bus: %w", err)
	}
	cals, _ := conf.LoadCalibration(logger)
	joints, err := newServoJointsOnBus(bus, conf.JointNames, cals, clk)
	if err != nil {
		return nil, multierr.Append(err, ReleaseBus(conf.Port))
	}
	if err := joints.Enable(ctx); err != nil {
		logger.Warnf("Failed to enable torque: %v", err)
	}
	logger.Infof("Servo joints on %s with servo IDs: %v", conf.Port, conf.ServoIDs)
	return joints, nil
}

func (a *Armer) releaseHardware() error {
	if a.cfg.Port == "" {
		return nil
	}
	return ReleaseBus(a.cfg.Port)
}

// Coordinator exposes the control loop, mainly for local harnesses.
func (a *Armer) Coordinator() *Coordinator {
	return a.coord
}

func (a *Armer) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, _ := cmd["command"].(string)
	switch {
	case name == "set_torque":
		return a.setTorque(ctx, cmd)
	case name == "calibration":
		return a.calibrate(ctx, cmd)
	case a.calib != nil && a.calib.Active() && lo.Contains(motionCommands, name):
		return outcome(false, errors.New("calibration in progress")), nil
	}
	return a.handler.DoCommand(ctx, cmd)
}

func (a *Armer) setTorque(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	enable, ok := cmd["enable"].(bool)
	if !ok {
		return nil, fmt.Errorf("set_torque command requires 'enable' boolean parameter")
	}
	motors, ok := a.joints.(torqueSwitch)
	if !ok {
		return outcome(false, fmt.Errorf("joints have no torque control")), nil
	}
	// Released motors must not be fighting a stale velocity command.
	a.coord.Preempt()
	if enable {
		return outcome(true, motors.Enable(ctx)), nil
	}
	return outcome(true, motors.Disable(ctx)), nil
}

func (a *Armer) calibrate(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	action, ok := cmd["action"].(string)
	if !ok {
		return nil, errors.New("calibration command requires an 'action' string")
	}
	if a.calib == nil {
		return outcome(false, errors.New("simulated joints cannot be calibrated")), nil
	}
	if action == "start" {
		a.coord.Preempt()
	}
	return a.calib.DoCommand(ctx, action)
}

func (a *Armer) Close(ctx context.Context) error {
	a.logger.Info("Closing arm")
	if a.calib != nil {
		a.calib.Close()
	}
	haltCtx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	if err := a.coord.Halt(haltCtx); err != nil {
		a.logger.Warnf("motion still running at close: %v", err)
	}
	a.workers.Stop()
	return a.releaseHardware()
}

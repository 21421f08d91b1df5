package armer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.viam.com/rdk/logging"
)

const defaultNamedPoseConfig = "armer_named_poses.yaml"

// defaultJointNames matches the joints of the embedded kinematic model.
var defaultJointNames = []string{"shoulder_pan", "shoulder_lift", "elbow", "wrist_1", "wrist_2", "wrist_3"}

// Config is the arm's resource configuration. Without a port the arm runs on simulated joints.
type Config struct {
	Port     string        `json:"port,omitempty"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	ServoIDs        []int  `json:"servo_ids,omitempty"`
	CalibrationFile string `json:"calibration_file,omitempty"`

	KinematicsFile string    `json:"kinematics_file,omitempty"`
	JointNames     []string  `json:"joint_names,omitempty"`
	InitialJoints  []float64 `json:"initial_joints,omitempty"`
	BaseFrame      string    `json:"base_frame,omitempty"`
	ToolFrame      string    `json:"tool_frame,omitempty"`

	FrequencyHz  float64           `json:"frequency_hz,omitempty"`
	DefaultSpeed float64           `json:"default_speed,omitempty"`
	ReadyPose    []float64         `json:"ready_pose,omitempty"`
	Trajectory   *TrajectoryConfig `json:"trajectory,omitempty"`

	NamedPoseConfig       string   `json:"named_pose_config,omitempty"`
	NamedPoseSources      []string `json:"named_pose_sources,omitempty"`
	WatchNamedPoseSources bool     `json:"watch_named_pose_sources,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Baudrate == 0 {
		cfg.Baudrate = 1000000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if len(cfg.ServoIDs) == 0 {
		cfg.ServoIDs = []int{1, 2, 3, 4, 5, 6}
	}
	if len(cfg.JointNames) == 0 {
		cfg.JointNames = append([]string(nil), defaultJointNames...)
	}
	if cfg.FrequencyHz == 0 {
		cfg.FrequencyHz = defaultFrequency
	}
	if cfg.DefaultSpeed == 0 {
		cfg.DefaultSpeed = defaultSpeed
	}
	if cfg.NamedPoseConfig == "" {
		cfg.NamedPoseConfig = defaultNamedPoseConfig
	}

	if cfg.FrequencyHz < 0 {
		return nil, nil, fmt.Errorf("frequency_hz must be positive, got %v", cfg.FrequencyHz)
	}
	if cfg.DefaultSpeed < 0 {
		return nil, nil, fmt.Errorf("default_speed must be positive, got %v", cfg.DefaultSpeed)
	}
	if cfg.Port != "" && len(cfg.ServoIDs) != len(cfg.JointNames) {
		return nil, nil, fmt.Errorf("%d servo_ids configured for %d joints", len(cfg.ServoIDs), len(cfg.JointNames))
	}
	if len(cfg.ReadyPose) != 0 && len(cfg.ReadyPose) != len(cfg.JointNames) {
		return nil, nil, fmt.Errorf("ready_pose has %d values for %d joints", len(cfg.ReadyPose), len(cfg.JointNames))
	}

	return nil, nil, nil
}

// resolvePath places relative paths under VIAM_MODULE_DATA.
func resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, path)
}

func defaultCalibration(id int) *MotorCalibration {
	return &MotorCalibration{ID: id, RangeMin: 0, RangeMax: stepsPerRevolution - 1}
}

// LoadCalibration returns one calibration per joint, in joint order. Joints missing from the
// file get a full-range default. Returns (calibration, fromFile) where fromFile indicates if
// loaded from file.
func (cfg *Config) LoadCalibration(logger logging.Logger) ([]*MotorCalibration, bool) {
	defaults := make([]*MotorCalibration, len(cfg.ServoIDs))
	for i, id := range cfg.ServoIDs {
		defaults[i] = defaultCalibration(id)
	}

	if cfg.CalibrationFile == "" {
		logger.Debug("No calibration file specified, using default calibration")
		return defaults, false
	}

	path := resolvePath(cfg.CalibrationFile)
	byJoint, err := LoadCalibrationFile(path)
	if err != nil {
		logger.Warnf("Failed to load calibration from %s: %v, using default calibration", path, err)
		return defaults, false
	}

	cals := make([]*MotorCalibration, len(cfg.ServoIDs))
	for i := range cals {
		cal, ok := byJoint[cfg.JointNames[i]]
		if !ok {
			logger.Warnf("No calibration for joint %s, using default", cfg.JointNames[i])
			cal = defaults[i]
		}
		cal.ID = cfg.ServoIDs[i]
		if err := cal.Validate(); err != nil {
			logger.Warnf("Invalid calibration for %s in %s: %v, using default calibration", cfg.JointNames[i], path, err)
			return defaults, false
		}
		cals[i] = cal
	}

	logger.Infof("Successfully loaded calibration from %s", path)
	return cals, true
}

// LoadCalibrationFile reads a JSON object of joint name to calibration.
func LoadCalibrationFile(path string) (map[string]*MotorCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}
	var byJoint map[string]*MotorCalibration
	if err := json.Unmarshal(data, &byJoint); err != nil {
		return nil, fmt.Errorf("failed to parse calibration JSON: %w", err)
	}
	for name, cal := range byJoint {
		if cal == nil {
			return nil, fmt.Errorf("joint %s: calibration is nil", name)
		}
	}
	return byJoint, nil
}

// SaveCalibrationFile saves calibration to a JSON file
func SaveCalibrationFile(path string, byJoint map[string]*MotorCalibration) error {
	data, err := json.MarshalIndent(byJoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	return nil
}

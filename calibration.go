package armer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const calibrationSampleInterval = 10 * time.Millisecond

// CalibrationState represents the current state of the calibration workflow
type CalibrationState int

const (
	StateIdle CalibrationState = iota
	StateStarted
	StateHomingPosition
	StateRangeRecording
	StateCompleted
	StateError
)

func (s CalibrationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateHomingPosition:
		return "homing_position"
	case StateRangeRecording:
		return "range_recording"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// jointCalibrationData holds calibration data for a single joint during the process
type jointCalibrationData struct {
	Name        string
	ID          int
	HomingRaw   int
	CurrentPos  int
	RecordedMin int
	RecordedMax int
}

// CalibrationRecorder walks an operator through recalibrating servo joints by hand: torque
// off, pose the arm at joint zero, sweep every joint through its range, then save.
type CalibrationRecorder struct {
	joints *ServoJoints
	path   string
	logger logging.Logger

	mu          sync.Mutex
	state       CalibrationState
	instruction string
	data        []jointCalibrationData
	samples     int
	started     time.Time
	recording   *utils.StoppableWorkers
}

// NewCalibrationRecorder records calibrations for joints and saves them to path.
func NewCalibrationRecorder(joints *ServoJoints, path string, logger logging.Logger) *CalibrationRecorder {
	return &CalibrationRecorder{
		joints:      joints,
		path:        path,
		logger:      logger,
		instruction: "Ready to start calibration.",
	}
}

// Active reports whether a calibration is underway.
func (cr *CalibrationRecorder) Active() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.state != StateIdle && cr.state != StateError
}

// DoCommand dispatches a calibration action.
func (cr *CalibrationRecorder) DoCommand(ctx context.Context, action string) (map[string]interface{}, error) {
	switch action {
	case "start":
		return cr.Start(ctx)
	case "set_homing":
		return cr.SetHoming(ctx)
	case "start_range_recording":
		return cr.StartRecording()
	case "stop_range_recording":
		return cr.StopRecording()
	case "save":
		return cr.Save(ctx)
	case "abort":
		return cr.Abort(ctx)
	case "status":
		return cr.Status(), nil
	default:
		return nil, fmt.Errorf("unknown calibration action %q", action)
	}
}

// Start disables torque so the joints can be moved by hand.
func (cr *CalibrationRecorder) Start(ctx context.Context) (map[string]interface{}, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.state != StateIdle && cr.state != StateCompleted && cr.state != StateError {
		return cr.failure(fmt.Errorf("calibration already in progress (state: %s)", cr.state))
	}

	if err := cr.joints.Disable(ctx); err != nil {
		cr.setState(StateError, fmt.Sprintf("Failed to disable torque: %v", err))
		return cr.failure(err)
	}

	names := cr.joints.Names()
	cr.data = make([]jointCalibrationData, len(names))
	for i, cal := range cr.joints.Calibrations() {
		cr.data[i] = jointCalibrationData{
			Name:        names[i],
			ID:          cal.ID,
			RecordedMin: math.MaxInt32,
			RecordedMax: math.MinInt32,
		}
	}
	cr.samples = 0

	cr.setState(StateStarted,
		"Calibration started. Move every joint to its zero position, then use 'set_homing'.")
	return cr.success(), nil
}

// SetHoming records the current raw positions as joint zero.
func (cr *CalibrationRecorder) SetHoming(ctx context.Context) (map[string]interface{}, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.state != StateStarted {
		return cr.failure(fmt.Errorf("must start calibration first (current state: %s)", cr.state))
	}

	raw, err := cr.joints.RawPositions(ctx)
	if err != nil {
		cr.setState(StateError, fmt.Sprintf("Failed to read servo positions: %v", err))
		return cr.failure(err)
	}
	for i := range cr.data {
		cr.data[i].HomingRaw = raw[i]
		cr.data[i].CurrentPos = raw[i]
		cr.data[i].RecordedMin = raw[i]
		cr.data[i].RecordedMax = raw[i]
		cr.logger.Infof("Servo %d (%s): homing raw position %d", cr.data[i].ID, cr.data[i].Name, raw[i])
	}

	cr.setState(StateHomingPosition,
		"Homing positions set. Use 'start_range_recording', then move every joint through its full range.")
	return cr.success(), nil
}

// StartRecording samples raw positions in the background until StopRecording.
func (cr *CalibrationRecorder) StartRecording() (map[string]interface{}, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.state != StateHomingPosition {
		return cr.failure(fmt.Errorf("must set homing position first (current state: %s)", cr.state))
	}

	cr.started = time.Now()
	cr.recording = utils.NewStoppableWorkerWithTicker(calibrationSampleInterval, cr.sample)
	cr.setState(StateRangeRecording,
		"Recording range of motion. Move all joints through their full ranges, then use 'stop_range_recording'.")
	return cr.success(), nil
}

func (cr *CalibrationRecorder) sample(ctx context.Context) {
	raw, err := cr.joints.RawPositions(ctx)
	if err != nil {
		cr.logger.Debugf("Failed to read positions during recording: %v", err)
		return
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.state != StateRangeRecording {
		return
	}
	for i, pos := range raw {
		d := &cr.data[i]
		d.CurrentPos = pos
		d.RecordedMin = min(d.RecordedMin, pos)
		d.RecordedMax = max(d.RecordedMax, pos)
	}
	cr.samples++
}

func (cr *CalibrationRecorder) stopWorker() {
	cr.mu.Lock()
	worker := cr.recording
	cr.recording = nil
	cr.mu.Unlock()
	if worker != nil {
		worker.Stop()
	}
}

// StopRecording ends sampling and checks that every joint moved.
func (cr *CalibrationRecorder) StopRecording() (map[string]interface{}, error) {
	cr.stopWorker()

	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.state != StateRangeRecording {
		return cr.failure(fmt.Errorf("range recording not active (current state: %s)", cr.state))
	}

	cr.logger.Infof("Range recording stopped after %.1f seconds, %d samples collected",
		time.Since(cr.started).Seconds(), cr.samples)

	for _, d := range cr.data {
		if d.RecordedMin >= d.RecordedMax {
			cr.setState(StateError, "Invalid ranges detected. Some joints were not moved through their range.")
			return cr.failure(fmt.Errorf("servo %d (%s) did not move: min=%d, max=%d", d.ID, d.Name, d.RecordedMin, d.RecordedMax))
		}
	}

	cr.setState(StateCompleted, "Range recording completed. Use 'save' to apply and store the calibration.")
	return cr.success(), nil
}

// Save applies the recorded calibration to the joints, writes it to the calibration file and
// re-enables torque.
func (cr *CalibrationRecorder) Save(ctx context.Context) (map[string]interface{}, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.state != StateCompleted {
		return cr.failure(fmt.Errorf("calibration not completed (current state: %s)", cr.state))
	}

	cals := cr.calibrations()
	byJoint := make(map[string]*MotorCalibration, len(cals))
	for i, cal := range cals {
		byJoint[cr.data[i].Name] = cal
	}
	if err := cr.joints.SetCalibrations(cals); err != nil {
		cr.setState(StateError, fmt.Sprintf("Invalid calibration: %v", err))
		return cr.failure(err)
	}
	if err := SaveCalibrationFile(cr.path, byJoint); err != nil {
		cr.setState(StateError, fmt.Sprintf("Failed to save calibration file: %v", err))
		return cr.failure(err)
	}
	if err := cr.joints.Enable(ctx); err != nil {
		cr.setState(StateError, fmt.Sprintf("Failed to enable torque: %v", err))
		return cr.failure(err)
	}

	cr.setState(StateIdle, "Calibration completed and saved successfully.")
	resp := cr.success()
	resp["calibration_file"] = cr.path
	return resp, nil
}

// calibrations builds one calibration per joint, with joint zero at the homing position.
func (cr *CalibrationRecorder) calibrations() []*MotorCalibration {
	current := cr.joints.Calibrations()
	cals := make([]*MotorCalibration, len(cr.data))
	for i, d := range cr.data {
		mid := int(math.Round(float64(d.RecordedMin+d.RecordedMax) / 2))
		cals[i] = &MotorCalibration{
			ID:           d.ID,
			DriveMode:    current[i].DriveMode,
			HomingOffset: d.HomingRaw - mid,
			RangeMin:     d.RecordedMin,
			RangeMax:     d.RecordedMax,
		}
	}
	return cals
}

// Abort stops the workflow and re-enables torque, keeping the old calibration.
func (cr *CalibrationRecorder) Abort(ctx context.Context) (map[string]interface{}, error) {
	cr.stopWorker()

	cr.mu.Lock()
	defer cr.mu.Unlock()
	if err := cr.joints.Enable(ctx); err != nil {
		cr.setState(StateError, fmt.Sprintf("Failed to enable torque: %v", err))
		return cr.failure(err)
	}
	cr.setState(StateIdle, "Calibration aborted. Ready to start new calibration.")
	return cr.success(), nil
}

// Status reports the workflow state and the recorded ranges.
func (cr *CalibrationRecorder) Status() map[string]interface{} {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	resp := cr.success()
	joints := make(map[string]interface{}, len(cr.data))
	for _, d := range cr.data {
		joints[d.Name] = map[string]interface{}{
			"servo_id":         d.ID,
			"homing_position":  d.HomingRaw,
			"current_position": d.CurrentPos,
			"recorded_min":     d.RecordedMin,
			"recorded_max":     d.RecordedMax,
		}
	}
	resp["joints"] = joints
	resp["samples_collected"] = cr.samples
	return resp
}

// Close stops any running recording.
func (cr *CalibrationRecorder) Close() {
	cr.stopWorker()
}

func (cr *CalibrationRecorder) success() map[string]interface{} {
	return map[string]interface{}{
		"success": true,
		"state":   cr.state.String(),
		"message": cr.instruction,
	}
}

// failure reports err in the result; the request itself was well formed.
func (cr *CalibrationRecorder) failure(err error) (map[string]interface{}, error) {
	return map[string]interface{}{
		"success": false,
		"state":   cr.state.String(),
		"reason":  err.Error(),
	}, nil
}

// setState updates the calibration state and instruction message
func (cr *CalibrationRecorder) setState(state CalibrationState, instruction string) {
	cr.state = state
	cr.instruction = instruction
	if state == StateError {
		cr.logger.Errorf("Calibration error: %s", instruction)
	} else {
		cr.logger.Infof("Calibration state: %s - %s", state, instruction)
	}
}

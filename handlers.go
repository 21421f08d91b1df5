package armer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

const defaultSpeed = 0.2

// requestHandler maps DoCommand requests onto the coordinator and the named pose store.
// Motion failures are reported in the result; only malformed requests return an error.
type requestHandler struct {
	coord        *Coordinator
	poses        *NamedPoseStore
	readyPose    []float64
	defaultSpeed float64
	logger       logging.Logger
}

func newRequestHandler(coord *Coordinator, poses *NamedPoseStore, readyPose []float64, speed float64, logger logging.Logger) *requestHandler {
	if speed <= 0 {
		speed = defaultSpeed
	}
	return &requestHandler{
		coord:        coord,
		poses:        poses,
		readyPose:    readyPose,
		defaultSpeed: speed,
		logger:       logger,
	}
}

func (h *requestHandler) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("request needs a 'command' string")
	}

	switch name {
	case "cartesian_velocity":
		twist, err := twistArg(cmd, "twist")
		if err != nil {
			return nil, err
		}
		err = h.coord.SetCartesianVelocity(ctx, twist, stringArg(cmd, "frame"))
		return outcome(true, err), nil

	case "joint_velocity":
		qd, err := floatsArg(cmd, "joints")
		if err != nil {
			return nil, err
		}
		return outcome(true, h.coord.SetJointVelocity(ctx, qd)), nil

	case "guarded_velocity":
		return h.guardedVelocity(ctx, cmd)

	case "move_to_pose":
		pose, err := poseArg(cmd, "pose")
		if err != nil {
			return nil, err
		}
		speed, err := floatArg(cmd, "speed", h.defaultSpeed)
		if err != nil {
			return nil, err
		}
		return outcome(h.coord.RunToPose(ctx, pose, stringArg(cmd, "frame"), speed)), nil

	case "servo_to_pose":
		pose, err := poseArg(cmd, "pose")
		if err != nil {
			return nil, err
		}
		gain, err := floatArg(cmd, "gain", 0)
		if err != nil {
			return nil, err
		}
		threshold, err := floatArg(cmd, "threshold", 0)
		if err != nil {
			return nil, err
		}
		target, err := h.coord.poseInBase(pose, stringArg(cmd, "frame"), h.coord.Joints())
		if err != nil {
			return outcome(false, err), nil
		}
		return outcome(h.coord.RunServo(ctx, target, gain, threshold)), nil

	case "move_to_joint_pose":
		joints, err := floatsArg(cmd, "joints")
		if err != nil {
			return nil, err
		}
		speed, err := floatArg(cmd, "speed", h.defaultSpeed)
		if err != nil {
			return nil, err
		}
		return outcome(h.coord.RunTrajectory(ctx, joints, speed)), nil

	case "move_to_named_pose":
		speed, err := floatArg(cmd, "speed", h.defaultSpeed)
		if err != nil {
			return nil, err
		}
		joints, err := h.poses.Get(stringArg(cmd, "name"))
		if err != nil {
			return outcome(false, err), nil
		}
		return outcome(h.coord.RunTrajectory(ctx, joints, speed)), nil

	case "home":
		speed, err := floatArg(cmd, "speed", h.defaultSpeed)
		if err != nil {
			return nil, err
		}
		target := h.readyPose
		if len(target) == 0 {
			target = make([]float64, h.coord.Kinematics().DoF())
		}
		return outcome(h.coord.RunTrajectory(ctx, target, speed)), nil

	case "stop":
		h.coord.Preempt()
		return outcome(true, nil), nil

	case "recover", "set_cartesian_impedance":
		h.logger.Warnf("%s is not supported by this arm, ignoring", name)
		return outcome(true, nil), nil

	case "get_state":
		return stateToMap(h.coord.State()), nil

	case "get_named_poses":
		return map[string]interface{}{
			"named_poses": lo.MapValues(h.poses.All(), func(joints []float64, _ string) interface{} {
				return toList(joints)
			}),
		}, nil

	case "add_named_pose":
		poseName := stringArg(cmd, "name")
		overwrite, _ := cmd["overwrite"].(bool)
		return outcome(true, h.poses.Add(poseName, h.coord.Joints(), overwrite)), nil

	case "remove_named_pose":
		return outcome(true, h.poses.Remove(stringArg(cmd, "name"))), nil

	case "add_named_pose_config":
		return outcome(true, h.poses.AddSource(stringArg(cmd, "path"))), nil

	case "remove_named_pose_config":
		return outcome(true, h.poses.RemoveSource(stringArg(cmd, "path"))), nil

	case "get_named_pose_configs":
		return map[string]interface{}{
			"primary": h.poses.Primary(),
			"sources": toList(h.poses.Sources()),
		}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

func (h *requestHandler) guardedVelocity(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	twist, err := twistArg(cmd, "twist")
	if err != nil {
		return nil, err
	}
	var guards Guards
	seconds, err := floatArg(cmd, "duration_s", 0)
	if err != nil {
		return nil, err
	}
	if seconds > 0 {
		guards.Enabled |= GuardDuration
		guards.Duration = time.Duration(seconds * float64(time.Second))
	}
	if _, ok := cmd["effort"]; ok {
		limits, err := floatsArg(cmd, "effort")
		if err != nil {
			return nil, err
		}
		if guards.Effort, err = WrenchFromSlice(limits); err != nil {
			return nil, err
		}
		guards.Enabled |= GuardEffort
	}

	result, err := h.coord.RunGuardedVelocity(ctx, twist, stringArg(cmd, "frame"), guards)
	resp := outcome(!result.Preempted, err)
	resp["triggered"] = toList(result.Triggered.Names())
	resp["preempted"] = result.Preempted
	return resp, nil
}

func outcome(ok bool, err error) map[string]interface{} {
	switch {
	case err != nil:
		return map[string]interface{}{"success": false, "reason": err.Error()}
	case !ok:
		return map[string]interface{}{"success": false, "reason": "preempted"}
	default:
		return map[string]interface{}{"success": true, "reason": ""}
	}
}

func stateToMap(s State) map[string]interface{} {
	pose := spatialmath.PoseToProtobuf(s.EndEffectorPose)
	return map[string]interface{}{
		"timestamp": s.Timestamp.Format(time.RFC3339Nano),
		"frame":     s.Frame,
		"pose": map[string]interface{}{
			"x": pose.X, "y": pose.Y, "z": pose.Z,
			"o_x": pose.OX, "o_y": pose.OY, "o_z": pose.OZ, "theta": pose.Theta,
		},
		"twist":            toList(s.EndEffectorTwist.Slice()),
		"wrench":           toList(s.EndEffectorWrench.Slice()),
		"joint_positions":  toList(s.JointPositions),
		"joint_velocities": toList(s.JointVelocities),
		"joint_efforts":    toList(s.JointEfforts),
		"joint_command":    toList(s.JointCommand),
		"mode":             s.Mode.String(),
		"moving":           s.Moving,
	}
}

// toList converts to the []interface{} shape DoCommand results are serialized from.
func toList[T any](values []T) []interface{} {
	return lo.Map(values, func(v T, _ int) interface{} { return v })
}

func stringArg(cmd map[string]interface{}, key string) string {
	s, _ := cmd[key].(string)
	return s
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func floatArg(cmd map[string]interface{}, key string, def float64) (float64, error) {
	v, ok := cmd[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("'%s' must be a number, got %T", key, v)
	}
	return f, nil
}

func floatsArg(cmd map[string]interface{}, key string) ([]float64, error) {
	switch v := cmd[key].(type) {
	case []float64:
		return v, nil
	case []interface{}:
		out := make([]float64, len(v))
		for i, x := range v {
			f, ok := toFloat(x)
			if !ok {
				return nil, fmt.Errorf("'%s'[%d] must be a number, got %T", key, i, x)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("'%s' must be a list of numbers", key)
	}
}

func twistArg(cmd map[string]interface{}, key string) (Twist, error) {
	values, err := floatsArg(cmd, key)
	if err != nil {
		return Twist{}, err
	}
	return TwistFromSlice(values)
}

// poseArg reads {x, y, z, o_x, o_y, o_z, theta} in millimetres and degrees.
func poseArg(cmd map[string]interface{}, key string) (spatialmath.Pose, error) {
	m, ok := cmd[key].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("'%s' must be an object", key)
	}
	fields := map[string]float64{}
	for _, name := range []string{"x", "y", "z", "o_x", "o_y", "o_z", "theta"} {
		f, err := floatArg(m, name, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", key)
		}
		fields[name] = f
	}
	if fields["o_x"] == 0 && fields["o_y"] == 0 && fields["o_z"] == 0 {
		fields["o_z"] = 1
	}
	return spatialmath.NewPoseFromProtobuf(&commonpb.Pose{
		X:     fields["x"],
		Y:     fields["y"],
		Z:     fields["z"],
		OX:    fields["o_x"],
		OY:    fields["o_y"],
		OZ:    fields["o_z"],
		Theta: fields["theta"],
	}), nil
}

package armer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

func newTestHandler(t *testing.T, initial, readyPose []float64) (*harness, *requestHandler) {
	t.Helper()
	h := newHarness(t, initial)
	store := NewNamedPoseStore(filepath.Join(t.TempDir(), "poses.yaml"), nil, logging.NewTestLogger(t))
	return h, newRequestHandler(h.c, store, readyPose, 0, logging.NewTestLogger(t))
}

// doWhileTicking runs a blocking request while the control loop ticks.
func doWhileTicking(t *testing.T, h *harness, rh *requestHandler, maxTicks int, cmd map[string]interface{}) map[string]interface{} {
	t.Helper()
	var (
		resp map[string]interface{}
		err  error
	)
	h.runWhileTicking(maxTicks, func() {
		resp, err = rh.DoCommand(context.Background(), cmd)
	})
	require.NoError(t, err)
	return resp
}

func TestDoCommandMalformed(t *testing.T) {
	_, rh := newTestHandler(t, bentPose, nil)

	for _, tc := range []struct {
		name string
		cmd  map[string]interface{}
	}{
		{"missing command", map[string]interface{}{}},
		{"unknown command", map[string]interface{}{"command": "dance"}},
		{"twist not a list", map[string]interface{}{"command": "cartesian_velocity", "twist": "fast"}},
		{"short twist", map[string]interface{}{"command": "cartesian_velocity", "twist": []interface{}{1.0}}},
		{"joint not a number", map[string]interface{}{"command": "joint_velocity", "joints": []interface{}{"a"}}},
		{"pose not an object", map[string]interface{}{"command": "move_to_pose", "pose": 3.0}},
		{"speed not a number", map[string]interface{}{"command": "home", "speed": "slow"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rh.DoCommand(context.Background(), tc.cmd)
			assert.Error(t, err)
		})
	}
}

func TestDoCommandVelocity(t *testing.T) {
	h, rh := newTestHandler(t, bentPose, nil)

	resp, err := rh.DoCommand(context.Background(), map[string]interface{}{
		"command": "joint_velocity",
		"joints":  []interface{}{0.0, 0.0, 0.0, 0.0, 0.0, 0.2},
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	h.tick(1, testTick)
	assert.InDelta(t, 0.2, h.command()[5], 1e-12)

	resp, err = rh.DoCommand(context.Background(), map[string]interface{}{
		"command": "cartesian_velocity",
		"twist":   []interface{}{0.01, 0.0, 0.0, 0.0, 0.0, 0.0},
		"frame":   "camera",
	})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["reason"], "unknown reference frame")

	resp, err = rh.DoCommand(context.Background(), map[string]interface{}{
		"command": "cartesian_velocity",
		"twist":   []interface{}{0.01, 0.0, 0.0, 0.0, 0.0, 0.0},
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, MotionCartesianVelocity, h.c.Mode())

	resp, err = rh.DoCommand(context.Background(), map[string]interface{}{"command": "stop"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assertAllZero(t, h.sim.Velocities())
}

func TestDoCommandGuardedVelocity(t *testing.T) {
	h, rh := newTestHandler(t, bentPose, nil)
	resp := doWhileTicking(t, h, rh, 1000, map[string]interface{}{
		"command":    "guarded_velocity",
		"twist":      []interface{}{0.0, 0.0, 0.01, 0.0, 0.0, 0.0},
		"duration_s": 0.05,
	})
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, []interface{}{"duration"}, resp["triggered"])
	assert.Equal(t, false, resp["preempted"])
}

func TestDoCommandJointAndNamedPoses(t *testing.T) {
	h, rh := newTestHandler(t, bentPose, nil)
	ctx := context.Background()

	resp, err := rh.DoCommand(ctx, map[string]interface{}{"command": "add_named_pose", "name": "start"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	resp, err = rh.DoCommand(ctx, map[string]interface{}{"command": "add_named_pose", "name": "start"})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["reason"], "already exists")

	resp, err = rh.DoCommand(ctx, map[string]interface{}{"command": "get_named_poses"})
	require.NoError(t, err)
	poses := resp["named_poses"].(map[string]interface{})
	assert.Equal(t, toList(bentPose), poses["start"])

	target := []interface{}{0.35, -0.35, 0.65, 0.25, -0.25, 0.55}
	resp = doWhileTicking(t, h, rh, 5000, map[string]interface{}{"command": "move_to_joint_pose", "joints": target})
	assert.Equal(t, true, resp["success"])
	for i, q := range h.sim.Positions() {
		assert.InDelta(t, target[i], q, 0.025, "joint %d", i)
	}

	resp = doWhileTicking(t, h, rh, 5000, map[string]interface{}{"command": "move_to_named_pose", "name": "start"})
	assert.Equal(t, true, resp["success"])
	for i, q := range h.sim.Positions() {
		assert.InDelta(t, bentPose[i], q, 0.025, "joint %d", i)
	}

	resp, err = rh.DoCommand(ctx, map[string]interface{}{"command": "move_to_named_pose", "name": "nowhere"})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["reason"], "unknown named pose")

	resp, err = rh.DoCommand(ctx, map[string]interface{}{"command": "remove_named_pose", "name": "start"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
}

func TestDoCommandNamedPoseConfigs(t *testing.T) {
	_, rh := newTestHandler(t, bentPose, nil)
	ctx := context.Background()
	aux := filepath.Join(t.TempDir(), "aux.yaml")
	writeYAML(t, aux, "named_poses:\n  wave: [1, 2, 3, 4, 5, 6]\n")

	resp, err := rh.DoCommand(ctx, map[string]interface{}{"command": "add_named_pose_config", "path": aux})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	resp, err = rh.DoCommand(ctx, map[string]interface{}{"command": "get_named_pose_configs"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{aux}, resp["sources"])
	assert.Equal(t, rh.poses.Primary(), resp["primary"])

	resp, err = rh.DoCommand(ctx, map[string]interface{}{"command": "remove_named_pose_config", "path": aux})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	resp, err = rh.DoCommand(ctx, map[string]interface{}{"command": "remove_named_pose_config", "path": aux})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
}

func TestDoCommandHome(t *testing.T) {
	start := []float64{0.05, -0.05, 0.05, -0.05, 0.05, -0.05}
	ready := []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1}

	t.Run("zero pose", func(t *testing.T) {
		h, rh := newTestHandler(t, start, nil)
		resp := doWhileTicking(t, h, rh, 5000, map[string]interface{}{"command": "home"})
		assert.Equal(t, true, resp["success"])
		for i, q := range h.sim.Positions() {
			assert.InDelta(t, 0, q, 0.025, "joint %d", i)
		}
	})

	t.Run("ready pose", func(t *testing.T) {
		h, rh := newTestHandler(t, start, ready)
		resp := doWhileTicking(t, h, rh, 5000, map[string]interface{}{"command": "home", "speed": 0.1})
		assert.Equal(t, true, resp["success"])
		for i, q := range h.sim.Positions() {
			assert.InDelta(t, ready[i], q, 0.025, "joint %d", i)
		}
	})
}

func TestDoCommandMoveToPose(t *testing.T) {
	h, rh := newTestHandler(t, bentPose, nil)
	goalJoints := make([]float64, len(bentPose))
	for i, v := range bentPose {
		goalJoints[i] = v + 0.05
	}
	goal, err := h.c.Kinematics().ForwardKinematics(goalJoints)
	require.NoError(t, err)
	pb := spatialmath.PoseToProtobuf(goal)

	resp := doWhileTicking(t, h, rh, 5000, map[string]interface{}{
		"command": "move_to_pose",
		"pose": map[string]interface{}{
			"x": pb.X, "y": pb.Y, "z": pb.Z,
			"o_x": pb.OX, "o_y": pb.OY, "o_z": pb.OZ, "theta": pb.Theta,
		},
	})
	assert.Equal(t, true, resp["success"], resp["reason"])

	reached, err := h.c.Kinematics().ForwardKinematics(h.sim.Positions())
	require.NoError(t, err)
	assert.InDelta(t, 0, reached.Point().Distance(goal.Point()), 30)
}

func TestDoCommandUnsupportedAndState(t *testing.T) {
	h := newHarness(t, bentPose)
	logger, obs := logging.NewObservedTestLogger(t)
	store := NewNamedPoseStore(filepath.Join(t.TempDir(), "poses.yaml"), nil, logger)
	rh := newRequestHandler(h.c, store, nil, 0, logger)
	assert.Equal(t, defaultSpeed, rh.defaultSpeed)

	for _, name := range []string{"recover", "set_cartesian_impedance"} {
		resp, err := rh.DoCommand(context.Background(), map[string]interface{}{"command": name})
		require.NoError(t, err)
		assert.Equal(t, true, resp["success"])
	}
	assert.Equal(t, 2, obs.FilterMessageSnippet("not supported").Len())

	h.tick(1, testTick)
	resp, err := rh.DoCommand(context.Background(), map[string]interface{}{"command": "get_state"})
	require.NoError(t, err)
	assert.Equal(t, "idle", resp["mode"])
	assert.Equal(t, false, resp["moving"])
	assert.Equal(t, BaseFrame, resp["frame"])
	assert.Len(t, resp["joint_positions"], 6)
	assert.Contains(t, resp["pose"], "theta")
}

func TestPoseArgDefaultsOrientation(t *testing.T) {
	pose, err := poseArg(map[string]interface{}{"pose": map[string]interface{}{"x": 100.0, "z": 50}}, "pose")
	require.NoError(t, err)
	assert.InDelta(t, 100, pose.Point().X, 1e-9)
	assert.InDelta(t, 50, pose.Point().Z, 1e-9)
	assert.True(t, spatialmath.OrientationAlmostEqual(spatialmath.NewZeroOrientation(), pose.Orientation()))
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"armer"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	port := flag.String("port", "", "servo bus serial port; empty runs simulated joints")
	calibration := flag.String("calibration", "", "servo calibration file")
	plan := flag.Bool("plan", false, "print the planned home trajectory and exit")
	flag.Parse()

	ctx := context.Background()
	logger := logging.NewLogger("armer-cli")

	cfg := &armer.Config{
		Port:            *port,
		CalibrationFile: *calibration,
		ReadyPose:       []float64{0, -0.5, 1.0, -0.5, 0, 0},
	}
	if _, _, err := cfg.Validate(""); err != nil {
		return err
	}

	a, err := armer.NewArmer(ctx, generic.Named("armer-cli"), cfg, clock.New(), logger)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if *plan {
		return printPlan(a, cfg.ReadyPose)
	}

	steps := []map[string]interface{}{
		{"command": "home"},
		{"command": "add_named_pose", "name": "ready", "overwrite": true},
		{"command": "move_to_joint_pose", "joints": []interface{}{0.5, -0.5, 1.0, -0.5, 0.0, 0.0}},
		{"command": "guarded_velocity", "twist": []interface{}{0.0, 0.0, -0.02, 0.0, 0.0, 0.0}, "duration_s": 1.0},
		{"command": "move_to_named_pose", "name": "ready"},
		{"command": "get_state"},
	}
	for _, cmd := range steps {
		logger.Infof("Running %s", cmd["command"])
		start := time.Now()
		resp, err := a.DoCommand(ctx, cmd)
		if err != nil {
			logger.Errorf("%s failed: %v", cmd["command"], err)
			continue
		}
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		logger.Infof("%s finished in %v: %s", cmd["command"], time.Since(start).Round(time.Millisecond), out)
	}
	return nil
}

// printPlan prints the joint targets of a move to goal at tenth-of-the-way intervals.
func printPlan(a *armer.Armer, goal []float64) error {
	coord := a.Coordinator()
	traj, err := armer.NewTrajectory(coord.Joints(), goal, coord.Frequency(), armer.DefaultTrajectoryConfig)
	if err != nil {
		return err
	}
	fmt.Printf("duration %v\n", traj.Duration())
	for i := 0; i <= 10; i++ {
		u := float64(i) / 10
		fmt.Printf("%.1f %.4f\n", u, traj.Expected(u))
	}
	return nil
}

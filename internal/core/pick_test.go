package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/BMS-GM/pick-point/internal/types"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func samePose(a, b types.Pose) bool {
	return near(a.X, b.X) && near(a.Y, b.Y) && near(a.Z, b.Z) &&
		near(a.Roll, b.Roll) && near(a.Pitch, b.Pitch) && near(a.Yaw, b.Yaw)
}

func TestPlanMapsCameraToArm(t *testing.T) {
	it := item("cat", 0.5, 0.5)
	it.Rotated = true

	plan, err := pickConfig().Plan(it)
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}

	// (0.5, 0.5) is the arm rectangle centre (0.26, 0); swapped into pose order
	wantGrab := types.Pose{X: 0, Y: 0.26, Z: 0.05, Roll: 1.5708, Pitch: 1.4}
	if !samePose(plan.Grab, wantGrab) {
		t.Errorf("grab = %+v, want %+v", plan.Grab, wantGrab)
	}
	wantHover := wantGrab
	wantHover.Z = 0.25
	if !samePose(plan.Hover, wantHover) {
		t.Errorf("hover = %+v, want %+v", plan.Hover, wantHover)
	}
	if plan.Destination != "cat" {
		t.Errorf("destination = %q, want cat", plan.Destination)
	}
}

func TestPlanWithoutSwapOrRotation(t *testing.T) {
	cfg := pickConfig()
	cfg.SwapXY = false

	plan, err := cfg.Plan(item("dog", 0, 0))
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	if !near(plan.Grab.X, 0.14) || !near(plan.Grab.Y, -0.16) || plan.Grab.Roll != 0 {
		t.Errorf("grab = %+v, want (0.14, -0.16) with no roll", plan.Grab)
	}
}

func TestPlanRejectsOutOfReach(t *testing.T) {
	_, err := pickConfig().Plan(item("cat", 1.2, 0.5))
	if !errors.Is(err, ErrOutOfReach) {
		t.Fatalf("Plan() = %v, want ErrOutOfReach", err)
	}
}

func TestDestination(t *testing.T) {
	cfg := pickConfig()
	tests := []struct {
		name      string
		kind      string
		placement string
		want      string
	}{
		{"placement wins", "cat", "dog", "dog"},
		{"label substring", "black cat", "", "cat"},
		{"unknown placement falls back to label", "dog", "bin-7", "dog"},
		{"no match goes home", "fish", "", "home"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := item(tt.kind, 0.5, 0.5)
			it.Placement = tt.placement
			got, pose := cfg.destination(it)
			if got != tt.want {
				t.Errorf("destination() = %q, want %q", got, tt.want)
			}
			if got == "home" && pose != cfg.Home {
				t.Errorf("home pose = %+v, want %+v", pose, cfg.Home)
			}
		})
	}
}

func TestExecuteSequence(t *testing.T) {
	plan, err := pickConfig().Plan(item("cat", 0.5, 0.5))
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}

	arm := &fakeArm{}
	if err := Execute(context.Background(), arm, plan); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	wantCalls := "move,release,move,grasp,move,move,release,grasp,move"
	if got := strings.Join(arm.calls, ","); got != wantCalls {
		t.Errorf("calls = %s, want %s", got, wantCalls)
	}

	wantPoses := []types.Pose{plan.Hover, plan.Grab, plan.Hover, plan.Drop, plan.Home}
	if len(arm.poses) != len(wantPoses) {
		t.Fatalf("moves = %d, want %d", len(arm.poses), len(wantPoses))
	}
	for i := range wantPoses {
		if !samePose(arm.poses[i], wantPoses[i]) {
			t.Errorf("move %d = %+v, want %+v", i, arm.poses[i], wantPoses[i])
		}
	}
	t.Logf("✅ pick sequence: %s", wantCalls)
}

func TestExecuteStopsOnFailure(t *testing.T) {
	plan, _ := pickConfig().Plan(item("cat", 0.5, 0.5))
	arm := &fakeArm{failures: []error{nil, nil, nil, types.ErrConnectionLost}}

	err := Execute(context.Background(), arm, plan)
	if !errors.Is(err, types.ErrConnectionLost) {
		t.Fatalf("Execute() = %v, want ErrConnectionLost", err)
	}
	if !strings.Contains(err.Error(), "grasp") {
		t.Errorf("error does not name the step: %v", err)
	}
	if len(arm.calls) != 4 {
		t.Errorf("calls after failure = %d, want 4", len(arm.calls))
	}
}

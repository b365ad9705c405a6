package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BMS-GM/pick-point/internal/geometry"
	"github.com/BMS-GM/pick-point/internal/types"
)

// ErrOutOfReach is returned when a target maps outside the arm rectangle
var ErrOutOfReach = errors.New("target outside arm reach")

// PickConfig describes how camera positions become arm poses
type PickConfig struct {
	// ToArm maps normalized camera coordinates into the arm frame (metres)
	ToArm        *geometry.Mapper
	Home         types.Pose
	Destinations map[string]types.Pose
	HoverOffset  float64
	Pitch        float64
	// RotationRad is the gripper roll used for items wider than tall
	RotationRad float64
	// SwapXY is set when the arm's x axis runs along the camera's y axis
	SwapXY bool
}

// PickPlan is the set of poses for one pick-and-place
type PickPlan struct {
	Item        types.Item
	Grab        types.Pose
	Hover       types.Pose
	Drop        types.Pose
	Home        types.Pose
	Destination string
}

// Plan computes the poses for moving item to its destination.
// item.Z must already hold the object height.
func (c PickConfig) Plan(item types.Item) (PickPlan, error) {
	if c.ToArm == nil {
		return PickPlan{}, fmt.Errorf("pick: no camera to arm mapping")
	}

	target := c.ToArm.Map(geometry.Point{X: item.X, Y: item.Y})
	if !c.ToArm.Target().Contains(target) {
		return PickPlan{}, fmt.Errorf("%w: %s at (%.3f, %.3f)", ErrOutOfReach, item.Type, target.X, target.Y)
	}

	x, y := target.X, target.Y
	if c.SwapXY {
		x, y = y, x
	}

	roll := 0.0
	if item.Rotated {
		roll = c.RotationRad
	}

	grab := types.Pose{X: x, Y: y, Z: item.Z, Roll: roll, Pitch: c.Pitch}
	hover := grab
	hover.Z += c.HoverOffset

	name, drop := c.destination(item)

	return PickPlan{
		Item:        item,
		Grab:        grab,
		Hover:       hover,
		Drop:        drop,
		Home:        c.Home,
		Destination: name,
	}, nil
}

// destination picks the drop pose: exact placement, then the first
// destination name contained in the item type, then home.
func (c PickConfig) destination(item types.Item) (string, types.Pose) {
	if pose, ok := c.Destinations[item.Placement]; ok && item.Placement != "" {
		return item.Placement, pose
	}

	names := make([]string, 0, len(c.Destinations))
	for name := range c.Destinations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name != "" && strings.Contains(item.Type, name) {
			return name, c.Destinations[name]
		}
	}
	return "home", c.Home
}

// Execute drives the arm through the plan: hover, open, descend, close,
// lift, move to the destination, open, close, return home.
func Execute(ctx context.Context, arm types.ArmController, plan PickPlan) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"hover", func(ctx context.Context) error { return arm.MoveTo(ctx, plan.Hover) }},
		{"open", arm.Release},
		{"descend", func(ctx context.Context) error { return arm.MoveTo(ctx, plan.Grab) }},
		{"grasp", arm.Grasp},
		{"lift", func(ctx context.Context) error { return arm.MoveTo(ctx, plan.Hover) }},
		{"destination", func(ctx context.Context) error { return arm.MoveTo(ctx, plan.Drop) }},
		{"drop", arm.Release},
		{"close", arm.Grasp},
		{"home", func(ctx context.Context) error { return arm.MoveTo(ctx, plan.Home) }},
	}

	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("arm step %s: %w", step.name, err)
		}
		slog.Debug("arm step done", "step", step.name, "item", plan.Item.Type)
	}
	return nil
}

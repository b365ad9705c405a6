// Package arm drives the robot arm.
//
// MQTT publishes one JSON command per motion and waits for the arm
// driver's acknowledgement on a second topic:
//
//	command  {"id": "...", "action": "move", "pose": {...}}
//	ack      {"id": "...", "status": "ok"}  or  {"id": "...", "status": "error", "error": "..."}
//
// A command without an ack inside the timeout reports types.ErrConnectionLost.
package arm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/BMS-GM/pick-point/internal/types"
)

// Actions understood by the arm driver
const (
	ActionMove    = "move"
	ActionGrasp   = "grasp"
	ActionRelease = "release"
)

// Command is one motion request
type Command struct {
	ID       string      `json:"id"`
	Action   string      `json:"action"`
	Pose     *types.Pose `json:"pose,omitempty"`
	IssuedAt time.Time   `json:"issued_at"`
}

// Ack is the driver's reply to a Command
type Ack struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MQTTConfig names the bridge topics
type MQTTConfig struct {
	CommandTopic string
	AckTopic     string
	QoS          byte
	AckTimeout   time.Duration
}

// Stats counts bridge traffic
type Stats struct {
	Sent     uint64 `json:"sent"`
	Acked    uint64 `json:"acked"`
	Rejected uint64 `json:"rejected"`
	TimedOut uint64 `json:"timed_out"`
}

// MQTT is an ArmController over a command/ack topic pair
type MQTT struct {
	client mqtt.Client
	cfg    MQTTConfig

	mu      sync.Mutex
	pending map[string]chan Ack

	sent     atomic.Uint64
	acked    atomic.Uint64
	rejected atomic.Uint64
	timedOut atomic.Uint64
}

// NewMQTT creates the bridge; Start subscribes to acks
func NewMQTT(client mqtt.Client, cfg MQTTConfig) *MQTT {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	return &MQTT{
		client:  client,
		cfg:     cfg,
		pending: make(map[string]chan Ack),
	}
}

// Start subscribes to the ack topic
func (a *MQTT) Start(ctx context.Context) error {
	slog.Info("subscribing to arm acks", "topic", a.cfg.AckTopic)

	token := a.client.Subscribe(a.cfg.AckTopic, a.cfg.QoS, a.onAck)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("arm ack subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("arm ack subscription failed: %w", err)
	}
	return nil
}

// Stop unsubscribes and fails every waiting command
func (a *MQTT) Stop() error {
	if a.client != nil && a.client.IsConnected() {
		a.client.Unsubscribe(a.cfg.AckTopic).WaitTimeout(2 * time.Second)
	}

	a.mu.Lock()
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	a.mu.Unlock()

	slog.Info("arm bridge stopped")
	return nil
}

// MoveTo sends the arm to pose
func (a *MQTT) MoveTo(ctx context.Context, pose types.Pose) error {
	return a.send(ctx, ActionMove, &pose)
}

// Grasp closes the gripper
func (a *MQTT) Grasp(ctx context.Context) error {
	return a.send(ctx, ActionGrasp, nil)
}

// Release opens the gripper
func (a *MQTT) Release(ctx context.Context) error {
	return a.send(ctx, ActionRelease, nil)
}

// Stats returns bridge counters
func (a *MQTT) Stats() Stats {
	return Stats{
		Sent:     a.sent.Load(),
		Acked:    a.acked.Load(),
		Rejected: a.rejected.Load(),
		TimedOut: a.timedOut.Load(),
	}
}

func (a *MQTT) send(ctx context.Context, action string, pose *types.Pose) error {
	if !a.client.IsConnected() {
		return fmt.Errorf("arm %s: %w", action, types.ErrConnectionLost)
	}

	cmd := Command{
		ID:       uuid.NewString(),
		Action:   action,
		Pose:     pose,
		IssuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal arm command: %w", err)
	}

	reply := make(chan Ack, 1)
	a.mu.Lock()
	a.pending[cmd.ID] = reply
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, cmd.ID)
		a.mu.Unlock()
	}()

	token := a.client.Publish(a.cfg.CommandTopic, a.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("arm %s publish timeout: %w", action, types.ErrConnectionLost)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("arm %s publish failed: %v: %w", action, err, types.ErrConnectionLost)
	}
	a.sent.Add(1)

	slog.Debug("arm command sent", "id", cmd.ID, "action", action)

	timer := time.NewTimer(a.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-reply:
		if !ok {
			return fmt.Errorf("arm %s: bridge stopped: %w", action, types.ErrConnectionLost)
		}
		if ack.Status != "ok" {
			a.rejected.Add(1)
			return fmt.Errorf("arm rejected %s: %s", action, ack.Error)
		}
		a.acked.Add(1)
		return nil
	case <-timer.C:
		a.timedOut.Add(1)
		slog.Warn("arm command not acknowledged", "id", cmd.ID, "action", action, "timeout", a.cfg.AckTimeout)
		return fmt.Errorf("arm %s: no ack within %s: %w", action, a.cfg.AckTimeout, types.ErrConnectionLost)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *MQTT) onAck(_ mqtt.Client, msg mqtt.Message) {
	var ack Ack
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		slog.Error("failed to parse arm ack", "error", err)
		return
	}

	a.mu.Lock()
	reply, ok := a.pending[ack.ID]
	if ok {
		delete(a.pending, ack.ID)
	}
	a.mu.Unlock()

	if !ok {
		slog.Debug("ack for unknown arm command", "id", ack.ID)
		return
	}
	reply <- ack
}

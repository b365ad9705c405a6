package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BMS-GM/pick-point/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus func() any
	OnPause     func() error
	OnResume    func() error
	OnShutdown  func() error
	OnResetJobs func(ctx context.Context) error
}

// Handler handles control plane commands
type Handler struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	commands chan Command

	mu        sync.RWMutex
	stopped   bool
	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	qos := h.cfg.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)
	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if h.client != nil && h.client.IsConnected() {
		h.client.Unsubscribe(h.cfg.Topics.Control).WaitTimeout(2 * time.Second)
	}
	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	missing := func() Response {
		return fail(fmt.Errorf("%s not implemented", cmd.Command))
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return missing()
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "pause":
		if h.callbacks.OnPause == nil {
			return missing()
		}
		if err := h.callbacks.OnPause(); err != nil {
			return fail(err)
		}
		resp.Status = "paused"

	case "resume":
		if h.callbacks.OnResume == nil {
			return missing()
		}
		if err := h.callbacks.OnResume(); err != nil {
			return fail(err)
		}
		resp.Status = "success"

	case "reset_jobs":
		if h.callbacks.OnResetJobs == nil {
			return missing()
		}
		if err := h.callbacks.OnResetJobs(ctx); err != nil {
			return fail(err)
		}
		resp.Status = "success"

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return missing()
		}
		slog.Info("shutdown requested via control plane")
		if err := h.callbacks.OnShutdown(); err != nil {
			return fail(err)
		}
		resp.Status = "shutting_down"

	default:
		slog.Warn("unknown control command", "command", cmd.Command)
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

// sendResponse publishes a command response on the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.Topics.Health
	qos := h.cfg.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

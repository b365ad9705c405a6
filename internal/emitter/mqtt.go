package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BMS-GM/pick-point/internal/config"
	"github.com/BMS-GM/pick-point/internal/types"
)

// MQTT publishes operator notifications to the broker. It owns the cell's
// broker connection; the control plane and the arm bridge share Client.
type MQTT struct {
	cfg    config.MQTTConfig
	Client mqtt.Client // Exported for control plane and arm bridge

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTT creates an emitter; Connect opens the connection
func NewMQTT(cfg config.MQTTConfig) *MQTT {
	return &MQTT{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// NewMQTTWithClient wraps an existing client, already connected
func NewMQTTWithClient(cfg config.MQTTConfig, client mqtt.Client) *MQTT {
	e := NewMQTT(cfg)
	e.Client = client
	e.connected = client.IsConnected()
	return e
}

// BrokerURL adds the tcp scheme when the broker is given as host:port
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Topic returns the topic a notification code is published on
func (e *MQTT) Topic(code types.Code) string {
	return fmt.Sprintf("%s/%s", e.cfg.Topics.Events, code.String())
}

// Report publishes a notification. Failures are logged and counted.
func (e *MQTT) Report(code types.Code, item types.Item, text string) {
	payload, err := json.Marshal(NewNotification(code, item, text))
	if err != nil {
		e.countError()
		slog.Error("failed to marshal notification", "code", code.String(), "error", err)
		return
	}

	if err := e.Publish(e.Topic(code), payload, e.cfg.QoS["events"]); err != nil {
		slog.Warn("notification not published", "code", code.String(), "error", err)
	}
}

// Publish sends payload to topic
func (e *MQTT) Publish(topic string, payload []byte, qos byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// PublishHealth publishes a health message
func (e *MQTT) PublishHealth(payload []byte) error {
	return e.Publish(e.cfg.Topics.Health, payload, e.cfg.QoS["health"])
}

// Disconnect closes the MQTT connection
func (e *MQTT) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Connected reports the last known connection state
func (e *MQTT) Connected() bool {
	return e.isConnected()
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.Client != nil
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

package core

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BMS-GM/pick-point/internal/workerchan"
)

// HealthStatus represents the health state of the cell
type HealthStatus struct {
	Status          string                      `json:"status"` // "healthy", "degraded", "unhealthy"
	CellID          string                      `json:"cell_id"`
	UptimeSeconds   int64                       `json:"uptime_seconds"`
	WorkersUp       int                         `json:"workers_up"`
	WorkersTotal    int                         `json:"workers_total"`
	CameraConnected bool                        `json:"camera_connected"`
	MQTTConnected   bool                        `json:"mqtt_connected"`
	Leading         bool                        `json:"leading"`
	Paused          bool                        `json:"paused"`
	Workers         map[string]workerchan.Stats `json:"workers,omitempty"`
}

// HealthCheck returns the current health status of the cell
func (c *Cell) HealthCheck() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := HealthStatus{
		Status:          "healthy",
		CellID:          c.cfg.CellID,
		UptimeSeconds:   int64(c.uptimeLocked().Seconds()),
		CameraConnected: c.vision != nil,
		Leading:         c.elector == nil,
	}

	if c.gst != nil {
		status.CameraConnected = c.gst.Stats().Connected
	}
	if c.mqtt != nil {
		status.MQTTConnected = c.mqtt.Connected()
	}
	if c.elector != nil {
		status.Leading = c.elector.Leading()
	}
	if c.loop != nil {
		status.Paused = c.loop.Paused()
	}

	if c.vision != nil {
		status.Workers = c.vision.Stats()
		status.WorkersTotal = len(status.Workers)
		for _, w := range status.Workers {
			if w.State != workerchan.StateTerminated.String() {
				status.WorkersUp++
			}
		}
	}

	// Determine overall health status
	switch {
	case !c.isRunning || c.vision == nil:
		status.Status = "unhealthy"
	case status.WorkersUp < status.WorkersTotal || !status.Leading:
		status.Status = "unhealthy"
	case !status.CameraConnected:
		status.Status = "degraded"
	case c.mqtt != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// Readiness reports whether the cell can pick. Degraded cells are still ready.
func (c *Cell) Readiness() (bool, any) {
	health := c.HealthCheck()
	return health.Status != "unhealthy", health
}

// publishHealth sends the health report on the MQTT health topic and
// refreshes the health gauges.
func (c *Cell) publishHealth() {
	health := c.HealthCheck()

	c.metrics.Set("pickpoint_workers_up", nil, float64(health.WorkersUp))
	c.metrics.Set("pickpoint_uptime_seconds", nil, float64(health.UptimeSeconds))
	for name, w := range health.Workers {
		labels := map[string]string{"worker": name}
		c.metrics.Set("pickpoint_worker_served", labels, float64(w.Served))
		c.metrics.Set("pickpoint_worker_failures", labels, float64(w.Failures))
	}

	if c.mqtt == nil || !c.mqtt.Connected() {
		return
	}
	payload, err := json.Marshal(struct {
		HealthStatus
		Timestamp time.Time `json:"timestamp"`
	}{health, time.Now().UTC()})
	if err != nil {
		slog.Error("failed to marshal health report", "error", err)
		return
	}
	if err := c.mqtt.PublishHealth(payload); err != nil {
		slog.Warn("failed to publish health report", "error", err)
	}
}

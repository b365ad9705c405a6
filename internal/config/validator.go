package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/BMS-GM/pick-point/internal/types"
)

var cellIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.CellID == "" {
		return fmt.Errorf("cell_id is required")
	}
	if !cellIDPattern.MatchString(cfg.CellID) {
		return fmt.Errorf("cell_id must match pattern [a-z0-9-]+")
	}

	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Second
	}
	if cfg.JobPollInterval <= 0 {
		cfg.JobPollInterval = 2 * time.Second
	}

	if err := validateCalibration(cfg.Calibration); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}

	if cfg.Vision.ConfidenceThreshold < 0 || cfg.Vision.ConfidenceThreshold > 1 {
		return fmt.Errorf("vision.confidence_threshold must be within [0, 1]")
	}
	if cfg.Vision.ConfidenceThreshold == 0 {
		cfg.Vision.ConfidenceThreshold = 0.5
	}
	if cfg.Vision.PollInterval <= 0 {
		cfg.Vision.PollInterval = 500 * time.Millisecond
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := validateDepth(&cfg.Depth); err != nil {
		return fmt.Errorf("depth: %w", err)
	}
	if err := validateArm(&cfg.Arm); err != nil {
		return fmt.Errorf("arm: %w", err)
	}

	if cfg.Arm.Backend == "mqtt" && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required for the mqtt arm backend")
	}
	setMQTTDefaults(cfg)

	switch cfg.Jobs.Backend {
	case "":
		cfg.Jobs.Backend = "memory"
	case "memory":
	case "postgres":
		if cfg.Jobs.DSN == "" {
			return fmt.Errorf("jobs.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("jobs.backend: unknown backend %q (must be postgres or memory)", cfg.Jobs.Backend)
	}
	for i, job := range cfg.Jobs.Seed {
		if job.Name == "" {
			return fmt.Errorf("jobs.seed[%d]: name is required", i)
		}
		for j, item := range job.Items {
			if item.Type == "" {
				return fmt.Errorf("jobs.seed[%d].items[%d]: type is required", i, j)
			}
		}
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Endpoint == "" || cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive: endpoint and bucket are required when enabled")
		}
		if cfg.Archive.Quality <= 0 || cfg.Archive.Quality > 100 {
			cfg.Archive.Quality = 85
		}
	}

	switch cfg.Tracing.Exporter {
	case "":
		cfg.Tracing.Exporter = "none"
	case "none", "stdout", "otlpgrpc", "otlphttp":
	default:
		return fmt.Errorf("tracing.exporter: unknown exporter %q", cfg.Tracing.Exporter)
	}
	if cfg.Tracing.SampleRatio <= 0 || cfg.Tracing.SampleRatio > 1 {
		cfg.Tracing.SampleRatio = 1
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}

	if len(cfg.Leader.Endpoints) > 0 {
		if cfg.Leader.TTLS <= 0 {
			cfg.Leader.TTLS = 10
		}
		if cfg.Leader.Key == "" {
			cfg.Leader.Key = fmt.Sprintf("/pickpoint/%s/arm-leader", cfg.CellID)
		}
	}

	return nil
}

// validateCalibration rejects rectangles that cannot be interpolated
func validateCalibration(c CalibrationConfig) error {
	rects := []struct {
		name string
		err  error
	}{
		{"camera", c.Camera.Validate()},
		{"arm", c.Arm.Validate()},
		{"depth", c.Depth.Validate()},
	}
	for _, r := range rects {
		if r.err != nil {
			return fmt.Errorf("%s rectangle: %w", r.name, r.err)
		}
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	if c.Name == "" {
		c.Name = "cell-camera"
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 1280, 720
	}

	switch c.Backend {
	case "", "mock":
		c.Backend = "mock"
	case "gstreamer":
		if c.Pipeline == "" {
			return fmt.Errorf("pipeline is required for the gstreamer backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (must be gstreamer or mock)", c.Backend)
	}

	if c.PullTimeout <= 0 {
		c.PullTimeout = 2 * time.Second
	}
	if c.Reconnect.MaxRetries <= 0 {
		c.Reconnect.MaxRetries = 5
	}
	if c.Reconnect.RetryDelay <= 0 {
		c.Reconnect.RetryDelay = time.Second
	}
	if c.Reconnect.MaxRetryDelay <= 0 {
		c.Reconnect.MaxRetryDelay = 30 * time.Second
	}
	return nil
}

func validateDetector(d *DetectorConfig) error {
	switch d.Backend {
	case "", "static":
		d.Backend = "static"
	case "python":
		if d.Command == "" {
			return fmt.Errorf("command is required for the python backend")
		}
	case "onnx":
		if d.ModelPath == "" {
			return fmt.Errorf("model_path is required for the onnx backend")
		}
		if len(d.Labels) == 0 {
			return fmt.Errorf("labels are required for the onnx backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (must be python, onnx or static)", d.Backend)
	}
	if d.ReadTimeout <= 0 {
		d.ReadTimeout = 10 * time.Second
	}
	return nil
}

func validateDepth(d *DepthConfig) error {
	switch d.Backend {
	case "", "static":
		d.Backend = "static"
	case "python":
		if d.Command == "" {
			return fmt.Errorf("command is required for the python backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (must be python or static)", d.Backend)
	}
	if d.ReadTimeout <= 0 {
		d.ReadTimeout = 5 * time.Second
	}
	if d.DeskDepth <= 0 {
		d.DeskDepth = 0.83
	}
	if d.ArmOffset == 0 {
		d.ArmOffset = 0.1
	}
	if d.FallbackDepth <= 0 {
		d.FallbackDepth = 0.84
	}
	return nil
}

func validateArm(a *ArmConfig) error {
	switch a.Backend {
	case "", "mock":
		a.Backend = "mock"
	case "mqtt":
	default:
		return fmt.Errorf("unknown backend %q (must be mqtt or mock)", a.Backend)
	}
	if a.AckTimeout <= 0 {
		a.AckTimeout = 30 * time.Second
	}
	if a.HoverOffset <= 0 {
		a.HoverOffset = 0.2
	}
	if a.Pitch == 0 {
		a.Pitch = 1.4
	}
	if a.RotationRad == 0 {
		a.RotationRad = 1.5708
	}
	if a.SwapXY == nil {
		swap := true
		a.SwapXY = &swap
	}
	if a.Home == (types.Pose{}) {
		a.Home = types.Pose{X: 0.12, Y: 0.0, Z: 0.15, Roll: 0.0, Pitch: 1.57, Yaw: 0.0}
	}
	if len(a.Destinations) == 0 {
		a.Destinations = map[string]types.Pose{
			"bird": {X: -0.014, Y: 0.298, Z: 0.25, Roll: -0.296, Pitch: 1.530, Yaw: 1.346},
			"cat":  {X: 0.003, Y: -0.152, Z: 0.25, Roll: -0.050, Pitch: 1.395, Yaw: -1.571},
			"dog":  {X: 0.000, Y: -0.257, Z: 0.25, Roll: 0.070, Pitch: 1.410, Yaw: -1.496},
		}
	}
	return nil
}

func setMQTTDefaults(cfg *Config) {
	t := &cfg.MQTT.Topics
	if t.Control == "" {
		t.Control = fmt.Sprintf("pickpoint/control/%s", cfg.CellID)
	}
	if t.Events == "" {
		t.Events = fmt.Sprintf("pickpoint/events/%s", cfg.CellID)
	}
	if t.Health == "" {
		t.Health = fmt.Sprintf("pickpoint/health/%s", cfg.CellID)
	}
	if t.ArmCommand == "" {
		t.ArmCommand = fmt.Sprintf("pickpoint/arm/%s/command", cfg.CellID)
	}
	if t.ArmAck == "" {
		t.ArmAck = fmt.Sprintf("pickpoint/arm/%s/ack", cfg.CellID)
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "pickpoint-" + cfg.CellID
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"arm":     1,
			"health":  0,
		}
	}
}

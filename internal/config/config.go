package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BMS-GM/pick-point/internal/geometry"
	"github.com/BMS-GM/pick-point/internal/types"
)

// Config represents the complete cell configuration
type Config struct {
	CellID           string        `yaml:"cell_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // default: 5
	CycleInterval    time.Duration `yaml:"cycle_interval"`     // default: 5s
	JobPollInterval  time.Duration `yaml:"job_poll_interval"`  // default: 2s

	Calibration CalibrationConfig `yaml:"calibration"`
	Vision      VisionConfig      `yaml:"vision"`
	Camera      CameraConfig      `yaml:"camera"`
	Detector    DetectorConfig    `yaml:"detector"`
	Depth       DepthConfig       `yaml:"depth"`
	Arm         ArmConfig         `yaml:"arm"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Tracing     TracingConfig     `yaml:"tracing"`
	API         APIConfig         `yaml:"api"`
	Leader      LeaderConfig      `yaml:"leader"`
}

// CalibrationConfig holds the pickable area as seen by each device.
// Camera bounds are in normalized image coordinates, depth bounds in depth
// sensor pixels, arm bounds in metres.
type CalibrationConfig struct {
	Camera geometry.Bounds `yaml:"camera"`
	Arm    geometry.Bounds `yaml:"arm"`
	Depth  geometry.Bounds `yaml:"depth"`
}

// VisionConfig tunes the snapshot aggregator
type VisionConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"` // default: 0.5
	PollInterval        time.Duration `yaml:"poll_interval"`        // default: 500ms
}

// CameraConfig selects the frame source
type CameraConfig struct {
	Backend     string          `yaml:"backend"` // gstreamer, mock
	Name        string          `yaml:"name"`
	Pipeline    string          `yaml:"pipeline"`
	Width       int             `yaml:"width"`
	Height      int             `yaml:"height"`
	PullTimeout time.Duration   `yaml:"pull_timeout"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the camera backoff schedule
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// DetectorConfig selects the detection backend
type DetectorConfig struct {
	Backend     string            `yaml:"backend"` // python, onnx, static
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Dir         string            `yaml:"dir"`
	ModelPath   string            `yaml:"model_path"`
	Labels      []string          `yaml:"labels"`
	ReadTimeout time.Duration     `yaml:"read_timeout"`
	Static      []types.Detection `yaml:"static"`
}

// DepthConfig selects the depth backend
type DepthConfig struct {
	Backend       string        `yaml:"backend"` // python, static
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	Dir           string        `yaml:"dir"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	DeskDepth     float64       `yaml:"desk_depth"`     // metres, default: 0.83
	ArmOffset     float64       `yaml:"arm_offset"`     // metres, default: 0.1
	FallbackDepth float64       `yaml:"fallback_depth"` // metres, default: 0.84
	StaticHeight  float64       `yaml:"static_height"`
}

// ArmConfig describes the arm transport and its poses
type ArmConfig struct {
	Backend      string                `yaml:"backend"` // mqtt, mock
	AckTimeout   time.Duration         `yaml:"ack_timeout"`
	Home         types.Pose            `yaml:"home"`
	Destinations map[string]types.Pose `yaml:"destinations"`
	HoverOffset  float64               `yaml:"hover_offset"` // default: 0.2
	Pitch        float64               `yaml:"pitch"`        // default: 1.4
	RotationRad  float64               `yaml:"rotation_rad"` // default: 1.5708
	SwapXY       *bool                 `yaml:"swap_xy"`      // default: true
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	ClientID string          `yaml:"client_id"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control    string `yaml:"control"`
	Events     string `yaml:"events"`
	Health     string `yaml:"health"`
	ArmCommand string `yaml:"arm_command"`
	ArmAck     string `yaml:"arm_ack"`
}

// JobsConfig selects the job store
type JobsConfig struct {
	Backend string    `yaml:"backend"` // postgres, memory
	DSN     string    `yaml:"dsn"`
	Seed    []SeedJob `yaml:"seed"`
}

// SeedJob is a job loaded into the store at startup
type SeedJob struct {
	Name  string     `yaml:"name"`
	Items []SeedItem `yaml:"items"`
}

// SeedItem is one entry of a seeded job
type SeedItem struct {
	Type      string `yaml:"type"`
	Placement string `yaml:"placement"`
}

// ArchiveConfig enables frame uploads to object storage
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Quality   int    `yaml:"quality"` // JPEG quality, default: 85
}

// TracingConfig selects the span exporter
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlpgrpc, otlphttp
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// APIConfig controls the HTTP server
type APIConfig struct {
	Addr string `yaml:"addr"` // default: :8080
}

// LeaderConfig enables the etcd arm lease. Empty endpoints disable it.
type LeaderConfig struct {
	Endpoints []string `yaml:"endpoints"`
	TTLS      int      `yaml:"ttl_s"`
	Key       string   `yaml:"key"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

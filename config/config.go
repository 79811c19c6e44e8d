package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-lens/relay"
	"github.com/e7canasta/orion-lens/zoom"
)

// Config represents the complete lens configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Transform        TransformConfig `yaml:"transform"`
	Zoom             zoom.Config     `yaml:"zoom"`
	Render           RenderConfig    `yaml:"render"`
	Snapshot         SnapshotConfig  `yaml:"snapshot"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Health           HealthConfig    `yaml:"health"`
	Relay            relay.Config    `yaml:"relay"`
}

// CameraConfig selects the capture driver and the stream request
type CameraConfig struct {
	Driver          string         `yaml:"driver"`     // synthetic, gstreamer
	Facing          string         `yaml:"facing"`     // back, front, external
	Resolution      string         `yaml:"resolution"` // 480p, 720p, 1080p
	FPSMin          int            `yaml:"fps_min"`
	FPSMax          int            `yaml:"fps_max"`
	ContinuousFocus *bool          `yaml:"continuous_focus,omitempty"` // default: true
	Devices         []DeviceConfig `yaml:"devices"`                    // gstreamer only
}

// DeviceConfig describes one camera known to the gstreamer driver
type DeviceConfig struct {
	ID           string `yaml:"id"`
	Facing       string `yaml:"facing"`
	Source       string `yaml:"source"`        // v4l2:/dev/video0, test
	ActiveWidth  int    `yaml:"active_width"`  // sensor active array width
	ActiveHeight int    `yaml:"active_height"` // sensor active array height
}

// TransformConfig selects the pixel transform
type TransformConfig struct {
	Mode          string `yaml:"mode"`    // edges, passthrough
	Backend       string `yaml:"backend"` // software, opencv
	LowThreshold  int    `yaml:"low_threshold"`
	HighThreshold int    `yaml:"high_threshold"`
}

// RenderConfig sizes the preview surface
type RenderConfig struct {
	Width  int  `yaml:"width"`
	Height int  `yaml:"height"`
	HUD    bool `yaml:"hud"`
}

// SnapshotConfig contains export settings
type SnapshotConfig struct {
	Dir            string `yaml:"dir"`
	Quality        int    `yaml:"quality"`
	UploadURL      string `yaml:"upload_url"` // empty disables upload
	UploadTimeoutS int    `yaml:"upload_timeout_s"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Codec    string     `yaml:"codec"` // json, msgpack
	QoS      byte       `yaml:"qos"`
	Topics   MQTTTopics `yaml:"topics"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
}

// HealthConfig contains the health/preview HTTP settings
type HealthConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration that runs without any hardware: synthetic
// camera, software edges, local snapshots, no MQTT.
func Default() *Config {
	return &Config{
		InstanceID:       "lens-01",
		ShutdownTimeoutS: 5,
		Camera: CameraConfig{
			Driver:     "synthetic",
			Facing:     "back",
			Resolution: "480p",
			FPSMin:     15,
			FPSMax:     30,
		},
		Transform: TransformConfig{
			Mode:          "edges",
			Backend:       "software",
			LowThreshold:  80,
			HighThreshold: 160,
		},
		Zoom: zoom.DefaultConfig(),
		Render: RenderConfig{
			Width:  1280,
			Height: 720,
			HUD:    true,
		},
		Snapshot: SnapshotConfig{
			Dir:            "./captures",
			Quality:        90,
			UploadTimeoutS: 10,
		},
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
			Codec:  "json",
			QoS:    1,
		},
		Health: HealthConfig{Addr: ":8080"},
		Relay: relay.Config{
			Addr:      ":5000",
			UploadDir: "./uploads",
		},
	}
}

// FocusEnabled reports the continuous-focus setting (default true)
func (c CameraConfig) FocusEnabled() bool {
	return c.ContinuousFocus == nil || *c.ContinuousFocus
}

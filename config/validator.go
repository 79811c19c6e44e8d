package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/transform"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills derived defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	// Validate transform
	if _, err := transform.ParseMode(cfg.Transform.Mode); err != nil {
		return fmt.Errorf("transform.mode: %w", err)
	}
	switch cfg.Transform.Backend {
	case "software", "opencv":
	default:
		return fmt.Errorf("transform.backend must be software or opencv, got %q", cfg.Transform.Backend)
	}
	if cfg.Transform.LowThreshold <= 0 || cfg.Transform.HighThreshold <= 0 {
		return fmt.Errorf("transform thresholds must be > 0")
	}

	if err := cfg.Zoom.Validate(); err != nil {
		return err
	}

	if cfg.Render.Width <= 0 || cfg.Render.Height <= 0 {
		return fmt.Errorf("render size must be > 0, got %dx%d", cfg.Render.Width, cfg.Render.Height)
	}

	// Validate snapshot
	if cfg.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot.dir is required")
	}
	if cfg.Snapshot.Quality < 1 || cfg.Snapshot.Quality > 100 {
		return fmt.Errorf("snapshot.quality must be 1-100, got %d", cfg.Snapshot.Quality)
	}
	if cfg.Snapshot.UploadTimeoutS <= 0 {
		cfg.Snapshot.UploadTimeoutS = 10
	}

	if err := validateMQTT(cfg); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if cfg.Relay.UploadDir == "" {
		return fmt.Errorf("relay.upload_dir is required")
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	if _, err := capture.ParseFacing(c.Facing); err != nil {
		return err
	}
	if _, err := capture.ParseResolution(c.Resolution); err != nil {
		return err
	}
	if c.FPSMin < 1 || c.FPSMax < c.FPSMin || c.FPSMax > 120 {
		return fmt.Errorf("fps range [%d, %d] must satisfy 1 <= min <= max <= 120", c.FPSMin, c.FPSMax)
	}

	switch c.Driver {
	case "synthetic":
		return nil
	case "gstreamer":
	default:
		return fmt.Errorf("driver must be synthetic or gstreamer, got %q", c.Driver)
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("gstreamer driver needs at least one device")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Facing == "" {
			d.Facing = "external"
		}
		if _, err := capture.ParseFacing(d.Facing); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if d.Source == "" {
			return fmt.Errorf("devices[%d]: source is required", i)
		}
		if d.ActiveWidth <= 0 || d.ActiveHeight <= 0 {
			return fmt.Errorf("devices[%d]: active_width and active_height must be > 0", i)
		}
	}
	return nil
}

func validateMQTT(cfg *Config) error {
	m := &cfg.MQTT
	switch m.Codec {
	case "":
		m.Codec = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("codec must be json or msgpack, got %q", m.Codec)
	}
	if m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}

	// Set default topics if not provided
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("lens/control/%s", cfg.InstanceID)
	}
	if m.Topics.Status == "" {
		m.Topics.Status = fmt.Sprintf("lens/status/%s", cfg.InstanceID)
	}
	if m.ClientID == "" {
		m.ClientID = fmt.Sprintf("orion-lens-%s", cfg.InstanceID)
	}

	if m.Enabled && m.Broker == "" {
		return fmt.Errorf("broker is required when enabled")
	}
	return nil
}

package core

import (
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/capture/synthetic"
	"github.com/e7canasta/orion-lens/config"
	"github.com/e7canasta/orion-lens/transform"
)

// DriverFactory builds a camera driver from the camera section.
type DriverFactory func(cfg config.CameraConfig, logger *slog.Logger) (capture.Driver, error)

// GatewayFactory builds a transform gateway from the transform section.
type GatewayFactory func(cfg config.TransformConfig, logger *slog.Logger) (transform.Gateway, error)

var (
	registryMu sync.RWMutex
	drivers    = map[string]DriverFactory{"synthetic": newSyntheticDriver}
	gateways   = map[string]GatewayFactory{"software": newSoftwareGateway}
)

// RegisterDriver makes a camera driver available under name. Backends that
// need cgo (GStreamer) are registered by the binary, not by this package.
func RegisterDriver(name string, f DriverFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	drivers[name] = f
}

// RegisterGateway makes a transform backend available under name.
func RegisterGateway(name string, f GatewayFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	gateways[name] = f
}

func lookupDriver(name string) (DriverFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("core: camera driver %q not available in this build (have %v)", name, keys(drivers))
	}
	return f, nil
}

func lookupGateway(name string) (GatewayFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := gateways[name]
	if !ok {
		return nil, fmt.Errorf("core: transform backend %q not available in this build (have %v)", name, keys(gateways))
	}
	return f, nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newSyntheticDriver(cfg config.CameraConfig, logger *slog.Logger) (capture.Driver, error) {
	facing, err := capture.ParseFacing(cfg.Facing)
	if err != nil {
		return nil, err
	}
	cam := synthetic.DefaultCamera()
	cam.Facing = facing
	return synthetic.NewDriver(logger, cam), nil
}

func newSoftwareGateway(cfg config.TransformConfig, logger *slog.Logger) (transform.Gateway, error) {
	return transform.NewSoftware(
		transform.WithThresholds(cfg.LowThreshold, cfg.HighThreshold),
		transform.WithLogger(logger),
	), nil
}

// CamerasFromConfig converts configured devices to camera descriptions.
func CamerasFromConfig(devices []config.DeviceConfig) ([]capture.CameraInfo, error) {
	cams := make([]capture.CameraInfo, 0, len(devices))
	for _, d := range devices {
		facing, err := capture.ParseFacing(d.Facing)
		if err != nil {
			return nil, fmt.Errorf("core: device %s: %w", d.ID, err)
		}
		cams = append(cams, capture.CameraInfo{
			ID:          d.ID,
			Facing:      facing,
			ActiveArray: image.Rect(0, 0, d.ActiveWidth, d.ActiveHeight),
			Source:      d.Source,
		})
	}
	return cams, nil
}

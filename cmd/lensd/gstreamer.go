package main

import (
	"log/slog"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/capture/gstreamer"
	"github.com/e7canasta/orion-lens/config"
	"github.com/e7canasta/orion-lens/internal/core"
)

func init() {
	core.RegisterDriver("gstreamer", func(cfg config.CameraConfig, logger *slog.Logger) (capture.Driver, error) {
		cams, err := core.CamerasFromConfig(cfg.Devices)
		if err != nil {
			return nil, err
		}
		return gstreamer.NewDriver(logger, cams...)
	})
}

//go:build opencv

package main

import (
	"log/slog"

	"github.com/e7canasta/orion-lens/config"
	"github.com/e7canasta/orion-lens/internal/core"
	"github.com/e7canasta/orion-lens/transform"
	"github.com/e7canasta/orion-lens/transform/opencv"
)

// Built with -tags opencv: transform.backend "opencv" runs cv::Canny.
func init() {
	core.RegisterGateway("opencv", func(cfg config.TransformConfig, logger *slog.Logger) (transform.Gateway, error) {
		return opencv.New(
			opencv.WithThresholds(float32(cfg.LowThreshold), float32(cfg.HighThreshold)),
			opencv.WithLogger(logger),
		), nil
	})
}

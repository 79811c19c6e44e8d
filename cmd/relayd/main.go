// Command relayd runs the latest-frame relay snapshots are uploaded to.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/orion-lens/config"
	"github.com/e7canasta/orion-lens/relay"
)

func main() {
	configPath := flag.String("config", "", "Lens configuration file; its relay section is used")
	addr := flag.String("addr", "", "Listen address (overrides config, default :5000)")
	uploadDir := flag.String("upload-dir", "", "Directory holding latest_frame.jpg (overrides config)")
	staticDir := flag.String("static", "", "Static site directory served at / (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg := config.Default().Relay
	if *configPath != "" {
		full, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = full.Relay
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *uploadDir != "" {
		cfg.UploadDir = *uploadDir
	}
	if *staticDir != "" {
		cfg.StaticDir = *staticDir
	}

	server, err := relay.New(cfg, logger)
	if err != nil {
		slog.Error("failed to create relay", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

// Package core wires the lens components into one service.
//
//	camera driver → capture.Session → transform gateway → framebroker
//	                                                          ↓
//	             zoom.Controller ──crop──▶ session     render.Surface → SoftwareTarget
//	                                                          ↓
//	                                              snapshot.Exporter → DirStore / HTTPUploader
//
// Control arrives over MQTT (control.Handler) and the health HTTP server.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/config"
	"github.com/e7canasta/orion-lens/control"
	"github.com/e7canasta/orion-lens/framebroker"
	"github.com/e7canasta/orion-lens/render"
	"github.com/e7canasta/orion-lens/snapshot"
	"github.com/e7canasta/orion-lens/transform"
	"github.com/e7canasta/orion-lens/zoom"
)

// Service is the lens service orchestrator
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	broker   *framebroker.Broker
	surface  *render.Surface
	target   *render.SoftwareTarget
	zoom     *zoom.Controller
	session  *capture.Session
	store    *snapshot.DirStore
	exporter *snapshot.Exporter

	mqttClient mqtt.Client
	control    *control.Handler
	health     *http.Server

	// Lifecycle management
	mu        sync.RWMutex
	wg        sync.WaitGroup
	started   time.Time
	isRunning bool
	runCtx    context.Context
	cancel    context.CancelFunc
	lastFatal error
	snapshots uint64
	snapErrs  uint64
}

// New builds every component from cfg. cfg must have passed config.Validate.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}

	driverFactory, err := lookupDriver(cfg.Camera.Driver)
	if err != nil {
		return nil, err
	}
	driver, err := driverFactory(cfg.Camera, logger)
	if err != nil {
		return nil, fmt.Errorf("core: camera driver: %w", err)
	}

	gatewayFactory, err := lookupGateway(cfg.Transform.Backend)
	if err != nil {
		return nil, err
	}
	gateway, err := gatewayFactory(cfg.Transform, logger)
	if err != nil {
		return nil, fmt.Errorf("core: transform backend: %w", err)
	}

	s.broker = framebroker.New(framebroker.WithLogger(logger))

	s.target, err = render.NewSoftwareTarget(cfg.Render.Width, cfg.Render.Height)
	if err != nil {
		return nil, fmt.Errorf("core: render target: %w", err)
	}
	surfaceOpts := []render.Option{render.WithLogger(logger)}
	if cfg.Render.HUD {
		surfaceOpts = append(surfaceOpts, render.WithHUD(s.hudText))
	}
	s.surface, err = render.NewSurface(s.broker, surfaceOpts...)
	if err != nil {
		return nil, err
	}

	// The controller needs the session as its target and the session needs
	// the controller as its region provider.
	s.zoom, err = zoom.New(cfg.Zoom, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("core: zoom: %w", err)
	}

	captureCfg, err := captureConfig(cfg)
	if err != nil {
		return nil, err
	}
	s.session, err = capture.NewSession(driver, gateway, s.broker, captureCfg,
		capture.WithLogger(logger),
		capture.WithRedrawer(s.surface),
		capture.WithRegionProvider(s.zoom),
		capture.WithFatalHandler(s.onFatal),
	)
	if err != nil {
		return nil, err
	}
	s.zoom.SetTarget(s.session)

	s.store, err = snapshot.NewDirStore(cfg.Snapshot.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("core: snapshot store: %w", err)
	}
	exportOpts := []snapshot.Option{
		snapshot.WithQuality(cfg.Snapshot.Quality),
		snapshot.WithLogger(logger),
	}
	if cfg.Snapshot.UploadURL != "" {
		uploader, err := snapshot.NewHTTPUploader(cfg.Snapshot.UploadURL,
			time.Duration(cfg.Snapshot.UploadTimeoutS)*time.Second, logger)
		if err != nil {
			return nil, fmt.Errorf("core: snapshot uploader: %w", err)
		}
		exportOpts = append(exportOpts, snapshot.WithUploader(uploader))
	}
	s.exporter, err = snapshot.New(s.surface, s.store, exportOpts...)
	if err != nil {
		return nil, err
	}

	logger.Info("core: service configured",
		"instance_id", cfg.InstanceID,
		"driver", cfg.Camera.Driver,
		"transform", cfg.Transform.Backend,
		"mode", cfg.Transform.Mode,
		"render", fmt.Sprintf("%dx%d", cfg.Render.Width, cfg.Render.Height),
		"mqtt", cfg.MQTT.Enabled,
		"upload", cfg.Snapshot.UploadURL != "",
	)
	return s, nil
}

func captureConfig(cfg *config.Config) (capture.Config, error) {
	facing, err := capture.ParseFacing(cfg.Camera.Facing)
	if err != nil {
		return capture.Config{}, err
	}
	res, err := capture.ParseResolution(cfg.Camera.Resolution)
	if err != nil {
		return capture.Config{}, err
	}
	mode, err := transform.ParseMode(cfg.Transform.Mode)
	if err != nil {
		return capture.Config{}, err
	}
	return capture.Config{
		Facing:          facing,
		Resolution:      res,
		FPSRange:        capture.FPSRange{Min: cfg.Camera.FPSMin, Max: cfg.Camera.FPSMax},
		ContinuousFocus: cfg.Camera.FocusEnabled(),
		Mode:            mode,
	}, nil
}

// Run starts streaming, the draw loop and the control plane, then blocks
// until ctx is cancelled. A camera that cannot be opened fails Run.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("core: service is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.isRunning = true
	s.started = time.Now()
	s.runCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("core: service starting", "instance_id", s.cfg.InstanceID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.surface.Run(ctx, s.target); err != nil {
			s.logger.Error("core: draw loop failed", "error", err)
		}
	}()

	if err := s.session.Start(ctx); err != nil {
		return fmt.Errorf("core: start capture: %w", err)
	}

	if s.cfg.MQTT.Enabled {
		if err := s.startControl(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("core: service running")
	<-ctx.Done()
	return nil
}

func (s *Service) startControl(ctx context.Context) error {
	codec, err := control.CodecByName(s.cfg.MQTT.Codec)
	if err != nil {
		return err
	}
	client, err := control.Connect(ctx, s.cfg.MQTT.Broker, s.cfg.MQTT.ClientID, s.logger)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	handler, err := control.NewHandler(client, control.Topics{
		Control: s.cfg.MQTT.Topics.Control,
		Status:  s.cfg.MQTT.Topics.Status,
	}, s.cfg.MQTT.QoS, codec, s.callbacks(), s.logger)
	if err != nil {
		client.Disconnect(250)
		return err
	}
	if err := handler.Start(ctx); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("core: start control plane: %w", err)
	}

	s.mu.Lock()
	s.mqttClient = client
	s.control = handler
	s.mu.Unlock()
	return nil
}

// Shutdown stops every component in dependency order: health server,
// control plane, capture session, background exports, draw loop, texture,
// MQTT connection.
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.stopHealthServer(ctx); err != nil {
		s.logger.Warn("core: health server shutdown", "error", err)
	}

	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	handler := s.control
	client := s.mqttClient
	s.mu.Unlock()

	s.logger.Info("core: shutting down")

	done := make(chan error, 1)
	go func() {
		var errs []error
		if handler != nil {
			errs = append(errs, handler.Stop())
		}
		errs = append(errs, s.session.Stop())
		s.exporter.Wait()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		s.surface.Release()
		if client != nil {
			client.Disconnect(250)
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("core: shutdown: %w", err)
		}
		s.logger.Info("core: shutdown complete", "frames_published", s.broker.Stats().Published)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("core: shutdown timed out: %w", ctx.Err())
	}
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
}

// onFatal runs after the session has torn itself down for a lost device.
func (s *Service) onFatal(err error) {
	s.mu.Lock()
	s.lastFatal = err
	handler := s.control
	s.mu.Unlock()

	s.broker.Reset()
	s.surface.RequestRedraw()

	s.logger.Error("core: camera lost, streaming stopped", "error", err)
	if handler != nil {
		handler.Notify(control.Response{
			CommandAck: "device_lost",
			Status:     control.StatusError,
			Error:      err.Error(),
		})
	}
}

func (s *Service) hudText() string {
	st := s.session.Stats()
	return fmt.Sprintf("%.1f fps  x%.1f  %s", st.FPS, s.zoom.Level(), st.Mode)
}

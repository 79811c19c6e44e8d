package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/control"
	"github.com/e7canasta/orion-lens/snapshot"
	"github.com/e7canasta/orion-lens/transform"
)

// callbacks binds the control plane commands to the service.
func (s *Service) callbacks() control.Callbacks {
	return control.Callbacks{
		OnGetStatus: s.getStatus,
		OnStart:     s.StartStreaming,
		OnStop:      s.StopStreaming,
		OnZoomIn:    s.zoom.Increase,
		OnZoomOut:   s.zoom.Decrease,
		OnSetZoom:   s.zoom.SetLevel,
		OnSetMode:   s.setMode,
		OnSnapshot: func(filename string, upload bool) (string, error) {
			return s.Snapshot(snapshot.Options{Filename: filename, Upload: upload})
		},
	}
}

// StartStreaming restarts the capture session after a stop or a device loss.
func (s *Service) StartStreaming() error {
	s.mu.RLock()
	ctx := s.runCtx
	s.mu.RUnlock()
	if ctx == nil {
		return fmt.Errorf("core: service is not running")
	}

	if err := s.session.Start(ctx); err != nil {
		if errors.Is(err, capture.ErrInvalidTransition) {
			return fmt.Errorf("already streaming")
		}
		return err
	}

	s.mu.Lock()
	s.lastFatal = nil
	s.mu.Unlock()
	return nil
}

// StopStreaming stops the capture session. The last frame stays on screen
// and remains available to snapshots.
func (s *Service) StopStreaming() error {
	if s.session.State() == capture.StateClosed {
		return fmt.Errorf("not streaming")
	}
	return s.session.Stop()
}

func (s *Service) setMode(name string) (string, error) {
	mode, err := transform.ParseMode(name)
	if err != nil {
		return "", err
	}
	s.session.SetMode(mode)
	s.logger.Info("core: transform mode changed", "mode", mode.String())
	return mode.String(), nil
}

// Snapshot starts a background export of the frame on screen and returns
// its id. The result is logged and, with MQTT enabled, published as a
// "snapshot" response with status "completed" or "error".
func (s *Service) Snapshot(opts snapshot.Options) (string, error) {
	return s.exporter.SnapshotAsync(opts, s.onSnapshotDone)
}

func (s *Service) onSnapshotDone(res snapshot.Result) {
	s.mu.Lock()
	s.snapshots++
	if res.Err() != nil {
		s.snapErrs++
	}
	handler := s.control
	s.mu.Unlock()

	if handler == nil {
		return
	}
	resp := control.Response{
		CommandAck: "snapshot",
		Status:     "completed",
		Data: map[string]any{
			"id":        res.ID,
			"filename":  res.Filename,
			"seq":       res.Seq,
			"bytes":     res.Bytes,
			"persisted": res.Persisted,
			"uploaded":  res.Uploaded,
		},
	}
	if err := res.Err(); err != nil {
		resp.Status = control.StatusError
		resp.Error = err.Error()
	}
	handler.Notify(resp)
}

// getStatus returns the current service status
func (s *Service) getStatus() map[string]any {
	s.mu.RLock()
	started := s.started
	running := s.isRunning
	lastFatal := s.lastFatal
	snapshots, snapErrs := s.snapshots, s.snapErrs
	s.mu.RUnlock()

	cs := s.session.Stats()
	bs := s.broker.Stats()
	rs := s.surface.Stats()
	zs := s.zoom.State()

	status := map[string]any{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"capture": map[string]any{
			"state":            cs.State.String(),
			"camera_id":        cs.CameraID,
			"mode":             cs.Mode.String(),
			"fps":              cs.FPS,
			"fps_stable":       cs.FPSWindow.IsStable,
			"frames_delivered": cs.FramesDelivered,
			"frames_published": cs.FramesPublished,
			"transient_errors": cs.TransientErrors,
			"fatal_errors":     cs.FatalErrors,
			"crop":             cs.Crop.String(),
		},
		"broker": map[string]any{
			"published": bs.Published,
			"dropped":   bs.Dropped,
			"drop_rate": bs.DropRate(),
		},
		"render": map[string]any{
			"draws":         rs.Draws,
			"uploads":       rs.Uploads,
			"upload_errors": rs.UploadErrors,
		},
		"zoom": map[string]any{
			"level":   zs.Level,
			"min":     zs.Min,
			"max":     zs.Max,
			"applied": zs.Applied,
		},
		"snapshots": map[string]any{
			"completed": snapshots,
			"failed":    snapErrs,
			"last_path": s.store.LastPath(),
		},
	}
	if lastFatal != nil {
		status["last_fatal"] = lastFatal.Error()
	}
	return status
}

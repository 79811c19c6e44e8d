package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/snapshot"
)

// HealthStatus represents the health state of the lens service
type HealthStatus struct {
	Status        string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64   `json:"uptime_seconds"`
	CaptureState  string  `json:"capture_state"`
	CameraID      string  `json:"camera_id,omitempty"`
	FPS           float64 `json:"fps"`
	ZoomLevel     float64 `json:"zoom_level"`
	MQTTEnabled   bool    `json:"mqtt_enabled"`
	MQTTConnected bool    `json:"mqtt_connected"`
	LastFatal     string  `json:"last_fatal,omitempty"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	client := s.mqttClient
	lastFatal := s.lastFatal
	s.mu.RUnlock()

	cs := s.session.Stats()
	status := HealthStatus{
		Status:       "healthy",
		CaptureState: cs.State.String(),
		CameraID:     cs.CameraID,
		FPS:          cs.FPS,
		ZoomLevel:    s.zoom.Level(),
		MQTTEnabled:  s.cfg.MQTT.Enabled,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if client != nil && client.IsConnected() {
		status.MQTTConnected = true
	}
	if lastFatal != nil {
		status.LastFatal = lastFatal.Error()
	}

	// Determine overall health status
	switch {
	case !running:
		status.Status = "unhealthy"
	case cs.State != capture.StateStreaming:
		status.Status = "degraded"
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// HealthHandler returns the health and preview routes:
//
//	GET  /healthz      JSON HealthStatus, 503 when unhealthy
//	GET  /preview.jpg  the current render target as JPEG
//	POST /snapshot     export the frame on screen (?filename=, ?upload=true, ?sync=true)
//	POST /zoom/in      one zoom step in
//	POST /zoom/out     one zoom step out
func (s *Service) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /preview.jpg", s.handlePreview)
	mux.HandleFunc("POST /snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /zoom/in", s.handleZoom(s.zoom.Increase))
	mux.HandleFunc("POST /zoom/out", s.handleZoom(s.zoom.Decrease))
	return mux
}

// StartHealthServer starts the HTTP health server on addr.
// This runs in a separate goroutine and does not block
func (s *Service) StartHealthServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:      s.HealthHandler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.health = server
	s.mu.Unlock()

	s.logger.Info("core: starting health server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/healthz", "/preview.jpg", "/snapshot", "/zoom/in", "/zoom/out"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("core: health server failed", "error", err)
		}
	}()
	return nil
}

func (s *Service) stopHealthServer(ctx context.Context) error {
	s.mu.Lock()
	server := s.health
	s.health = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	health := s.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Service) handlePreview(w http.ResponseWriter, _ *http.Request) {
	img := s.target.Snapshot()
	w.Header().Set("Content-Type", snapshot.MIMETypeJPEG)
	w.Header().Set("Cache-Control", "no-store")
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: s.cfg.Snapshot.Quality}); err != nil {
		s.logger.Warn("core: preview encode failed", "error", err)
	}
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	opts, wait, err := parseSnapshotQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if !wait {
		id, err := s.Snapshot(opts)
		if err != nil {
			writeSnapshotError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
		return
	}

	res, err := s.exporter.Snapshot(r.Context(), opts)
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	s.onSnapshotDone(res)

	body := map[string]any{"result": res}
	code := http.StatusOK
	if res.PersistErr != nil {
		body["persist_error"] = res.PersistErr.Error()
		code = http.StatusInternalServerError
	}
	if res.UploadErr != nil {
		body["upload_error"] = res.UploadErr.Error()
		code = http.StatusBadGateway
	}
	writeJSON(w, code, body)
}

// parseSnapshotQuery reads filename, upload, category and sync. Malformed
// flags and unknown categories are rejected before anything is captured.
func parseSnapshotQuery(q url.Values) (opts snapshot.Options, wait bool, err error) {
	opts.Filename = q.Get("filename")
	if opts.Upload, err = boolParam(q, "upload"); err != nil {
		return opts, false, err
	}
	if wait, err = boolParam(q, "sync"); err != nil {
		return opts, false, err
	}
	if c := q.Get("category"); c != "" {
		opts.Category = snapshot.Category(c)
		if !opts.Category.Valid() {
			return opts, false, fmt.Errorf("invalid category %q (want %q or %q)",
				c, snapshot.CategoryPictures, snapshot.CategoryDownloads)
		}
	}
	return opts, wait, nil
}

func boolParam(q url.Values, key string) (bool, error) {
	v := q.Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: want true or false", key, v)
	}
	return b, nil
}

func writeSnapshotError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	if errors.Is(err, snapshot.ErrNoFrameAvailable) {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func (s *Service) handleZoom(step func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		level, err := step()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"level": level, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"level": level})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

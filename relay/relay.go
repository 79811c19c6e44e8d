// Package relay is the store-latest-frame HTTP service snapshots are
// uploaded to. It keeps one global slot on disk: every upload replaces
// latest_frame.jpg, and any viewer can fetch it or its metadata. There is
// no authentication and the last write wins.
//
//	POST /upload            multipart field "frame" → {"ok":true}
//	GET  /latest_meta       {"exists":bool,"bytes":int,"modified":epoch_ms}
//	GET  /latest_frame.jpg  the stored JPEG, 404 before the first upload
//	GET  /*                 static site directory, when configured
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/e7canasta/orion-lens/internal/atomicfile"
)

const (
	// LatestFilename is the fixed name of the stored frame.
	LatestFilename = "latest_frame.jpg"
	// UploadField is the multipart field read by /upload.
	UploadField = "frame"
	// DefaultMaxUploadBytes bounds one upload.
	DefaultMaxUploadBytes = 16 << 20
)

// Config configures a Server.
type Config struct {
	Addr           string `yaml:"addr"`
	UploadDir      string `yaml:"upload_dir"`
	StaticDir      string `yaml:"static_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// Meta is the /latest_meta response.
type Meta struct {
	Exists   bool  `json:"exists"`
	Bytes    int64 `json:"bytes,omitempty"`
	Modified int64 `json:"modified,omitempty"`
}

// Server stores and serves the latest uploaded frame.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex // serializes writes to the slot
	uploads uint64
}

// New creates the upload directory and validates cfg.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UploadDir == "" {
		return nil, fmt.Errorf("relay: upload dir is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("relay: create upload dir: %w", err)
	}
	if cfg.StaticDir != "" {
		if st, err := os.Stat(cfg.StaticDir); err != nil || !st.IsDir() {
			return nil, fmt.Errorf("relay: static dir %q is not a directory", cfg.StaticDir)
		}
	}
	return &Server{cfg: cfg, logger: logger}, nil
}

// LatestPath is the on-disk path of the stored frame.
func (s *Server) LatestPath() string {
	return filepath.Join(s.cfg.UploadDir, LatestFilename)
}

// Handler returns the HTTP routes wrapped in no-cache headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /latest_meta", s.handleMeta)
	mux.HandleFunc("GET /"+LatestFilename, s.handleLatest)
	if s.cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return noCache(mux)
}

// Run serves on cfg.Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay: listening",
			"addr", s.cfg.Addr,
			"upload_dir", s.cfg.UploadDir,
			"static_dir", s.cfg.StaticDir,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay: shutdown: %w", err)
	}
	s.logger.Info("relay: stopped", "uploads", s.uploadCount())
	return nil
}

func (s *Server) uploadCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	file, hdr, err := r.FormFile(UploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "error": "upload too large"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "No file 'frame'"})
		}
		return
	}
	defer file.Close()

	s.mu.Lock()
	n, err := atomicfile.Write(s.LatestPath(), file, 0o644)
	if err == nil {
		s.uploads++
	}
	s.mu.Unlock()

	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "error": "upload too large"})
			return
		}
		s.logger.Error("relay: store failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	s.logger.Info("relay: received new frame",
		"filename", hdr.Filename,
		"bytes", n,
		"remote", r.RemoteAddr,
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMeta(w http.ResponseWriter, _ *http.Request) {
	st, err := os.Stat(s.LatestPath())
	if err != nil {
		writeJSON(w, http.StatusOK, Meta{Exists: false})
		return
	}
	writeJSON(w, http.StatusOK, Meta{
		Exists:   true,
		Bytes:    st.Size(),
		Modified: st.ModTime().UnixMilli(),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(s.LatestPath())
	if err != nil {
		notFound(w)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		notFound(w)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, LatestFilename, st.ModTime(), f)
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("No frame yet"))
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

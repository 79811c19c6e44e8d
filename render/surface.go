// Package render draws the latest processed frame onto a GPU surface.
//
// The surface talks to the GPU only through gpucontext: a Target is a
// TextureDrawer that can also clear. Each draw takes the newest frame from the
// broker without waiting, uploads it into one persistent RGBA8 texture and
// draws it as a full-viewport quad.
//
//	capture goroutine ──Publish──▶ broker ◀──TryTake── Surface.Run ──▶ Target
//	                   RequestRedraw ───────────────▶ (dirty flag)
//
// Texture lifecycle:
//   - first frame: TextureCreator().NewTextureFromRGBA
//   - same size:   TextureUpdater.UpdateData, skipped if already uploaded
//   - new size:    create the new texture, then Destroy the old one
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/e7canasta/orion-lens/frame"
)

// Format is the pixel format of every uploaded texture.
const Format = gputypes.TextureFormatRGBA8Unorm

// ErrNoTextureCreator is returned when the target has no TextureCreator.
var ErrNoTextureCreator = errors.New("render: target has no texture creator")

// Target is the draw context of one frame on the GPU surface.
type Target interface {
	gpucontext.TextureDrawer
	// Clear fills the whole viewport with c.
	Clear(c gputypes.Color) error
}

// LabelDrawer is implemented by targets that can draw overlay text.
type LabelDrawer interface {
	DrawLabel(text string, x, y int) error
}

// FrameSource yields the newest frame without blocking.
type FrameSource interface {
	TryTake() (*frame.Processed, bool)
}

type textureDestroyer interface {
	Destroy()
}

// Option configures a Surface.
type Option func(*Surface)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Surface) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBackground sets the clear colour. Default opaque black.
func WithBackground(c gputypes.Color) Option {
	return func(s *Surface) { s.background = c }
}

// WithHUD draws the text returned by fn in the top-left corner on targets
// implementing LabelDrawer.
func WithHUD(fn func() string) Option {
	return func(s *Surface) { s.hud = fn }
}

// Stats counts draw activity.
type Stats struct {
	Draws         uint64 `json:"draws"`
	Clears        uint64 `json:"clears"`
	Uploads       uint64 `json:"uploads"`
	Allocations   uint64 `json:"allocations"`
	Reallocations uint64 `json:"reallocations"`
	UploadErrors  uint64 `json:"upload_errors"`
	TextureWidth  int    `json:"texture_width"`
	TextureHeight int    `json:"texture_height"`
}

// Surface owns the texture and the last-rendered frame.
type Surface struct {
	src        FrameSource
	logger     *slog.Logger
	background gputypes.Color
	hud        func() string

	dirty chan struct{}

	mu          sync.Mutex // serializes draw cycles and guards the texture
	tex         gpucontext.Texture
	uploadedSeq uint64
	uploaded    bool

	last atomic.Pointer[frame.Processed]

	draws, clears, uploads, allocs, reallocs, uploadErrs atomic.Uint64
}

// NewSurface creates a surface reading from src.
func NewSurface(src FrameSource, opts ...Option) (*Surface, error) {
	if src == nil {
		return nil, fmt.Errorf("render: frame source is required")
	}
	s := &Surface{
		src:        src,
		logger:     slog.Default(),
		background: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
		dirty:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RequestRedraw marks the surface dirty. Never blocks; requests coalesce.
func (s *Surface) RequestRedraw() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Run is the draw goroutine. It draws once per coalesced redraw request
// until ctx is cancelled.
func (s *Surface) Run(ctx context.Context, target Target) error {
	if target == nil {
		return fmt.Errorf("render: target is required")
	}
	s.logger.Info("render: draw loop started")
	defer s.logger.Info("render: draw loop stopped", "draws", s.draws.Load())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.dirty:
			if err := s.DrawFrame(target); err != nil {
				s.logger.Warn("render: draw failed", "error", err)
			}
		}
	}
}

// DrawFrame runs one draw cycle on target. With no frame available the
// viewport is cleared to the background, nothing else is drawn and
// LastRendered becomes nil.
func (s *Surface) DrawFrame(target Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.src.TryTake()
	if !ok || !f.Valid() {
		s.last.Store(nil)
		s.clears.Add(1)
		return target.Clear(s.background)
	}

	if err := s.uploadLocked(target, f); err != nil {
		s.uploadErrs.Add(1)
		return err
	}

	if err := target.Clear(s.background); err != nil {
		return fmt.Errorf("render: clear: %w", err)
	}
	s.clears.Add(1)

	if err := target.DrawTexture(s.tex, 0, 0); err != nil {
		return fmt.Errorf("render: draw texture: %w", err)
	}
	s.draws.Add(1)
	s.last.Store(f)

	if s.hud != nil {
		if ld, ok := target.(LabelDrawer); ok {
			if err := ld.DrawLabel(s.hud(), 8, 16); err != nil {
				s.logger.Debug("render: hud label failed", "error", err)
			}
		}
	}
	return nil
}

// uploadLocked makes s.tex hold f's pixels.
func (s *Surface) uploadLocked(target Target, f *frame.Processed) error {
	if s.tex != nil && s.tex.Width() == f.Width && s.tex.Height() == f.Height {
		if s.uploaded && s.uploadedSeq == f.Seq {
			return nil
		}
		if up, ok := s.tex.(gpucontext.TextureUpdater); ok {
			if err := up.UpdateData(f.Pix); err != nil {
				return fmt.Errorf("render: update texture seq=%d: %w", f.Seq, err)
			}
			s.uploads.Add(1)
			s.uploadedSeq, s.uploaded = f.Seq, true
			return nil
		}
		// Not updatable: fall through and recreate.
	}

	creator := target.TextureCreator()
	if creator == nil {
		return ErrNoTextureCreator
	}
	tex, err := creator.NewTextureFromRGBA(f.Width, f.Height, f.Pix)
	if err != nil {
		return fmt.Errorf("render: create texture %dx%d: %w", f.Width, f.Height, err)
	}

	if old := s.tex; old != nil {
		if d, ok := old.(textureDestroyer); ok {
			d.Destroy()
		}
		s.reallocs.Add(1)
		s.logger.Debug("render: texture reallocated",
			"from", fmt.Sprintf("%dx%d", old.Width(), old.Height()),
			"to", fmt.Sprintf("%dx%d", f.Width, f.Height),
		)
	} else {
		s.allocs.Add(1)
		s.logger.Debug("render: texture allocated", "size", fmt.Sprintf("%dx%d", f.Width, f.Height))
	}

	s.tex = tex
	s.uploads.Add(1)
	s.uploadedSeq, s.uploaded = f.Seq, true
	return nil
}

// LastRendered returns the frame on screen: the one most recently drawn, or
// nil when nothing has been drawn since the last clear.
func (s *Surface) LastRendered() *frame.Processed {
	return s.last.Load()
}

// Release destroys the texture. The surface can draw again afterwards and
// will allocate a new one.
func (s *Surface) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.tex.(textureDestroyer); ok {
		d.Destroy()
	}
	s.tex = nil
	s.uploaded = false
}

// Stats returns draw counters.
func (s *Surface) Stats() Stats {
	st := Stats{
		Draws:         s.draws.Load(),
		Clears:        s.clears.Load(),
		Uploads:       s.uploads.Load(),
		Allocations:   s.allocs.Load(),
		Reallocations: s.reallocs.Load(),
		UploadErrors:  s.uploadErrs.Load(),
	}
	s.mu.Lock()
	if s.tex != nil {
		st.TextureWidth, st.TextureHeight = s.tex.Width(), s.tex.Height()
	}
	s.mu.Unlock()
	return st
}

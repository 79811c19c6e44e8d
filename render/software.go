package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrTextureDestroyed is returned when updating or drawing a destroyed texture.
var ErrTextureDestroyed = errors.New("render: texture destroyed")

// SoftwareTarget is a CPU framebuffer implementing Target. It is the
// surface for headless hosts and the source of the preview image.
type SoftwareTarget struct {
	mu sync.Mutex
	fb *image.RGBA
}

var (
	_ Target                    = (*SoftwareTarget)(nil)
	_ gpucontext.TextureCreator = (*SoftwareTarget)(nil)
	_ LabelDrawer               = (*SoftwareTarget)(nil)
)

// NewSoftwareTarget allocates a w×h framebuffer.
func NewSoftwareTarget(w, h int) (*SoftwareTarget, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("render: invalid viewport %dx%d", w, h)
	}
	return &SoftwareTarget{fb: image.NewRGBA(image.Rect(0, 0, w, h))}, nil
}

// Size returns the viewport size.
func (t *SoftwareTarget) Size() (int, int) {
	b := t.fb.Bounds()
	return b.Dx(), b.Dy()
}

// Clear implements Target.
func (t *SoftwareTarget) Clear(c gputypes.Color) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	draw.Draw(t.fb, t.fb.Bounds(), image.NewUniform(toRGBA(c)), image.Point{}, draw.Src)
	return nil
}

// DrawTexture implements gpucontext.TextureDrawer. The texture is scaled to
// fill the viewport with bilinear filtering; x and y offset the quad.
func (t *SoftwareTarget) DrawTexture(tex gpucontext.Texture, x, y float32) error {
	st, ok := tex.(*softTexture)
	if !ok {
		return fmt.Errorf("render: texture %T not created by this target", tex)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.destroyed {
		return ErrTextureDestroyed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	dst := t.fb.Bounds().Add(image.Pt(int(x), int(y)))
	draw.ApproxBiLinear.Scale(t.fb, dst, st.img, st.img.Bounds(), draw.Src, nil)
	return nil
}

// TextureCreator implements gpucontext.TextureDrawer.
func (t *SoftwareTarget) TextureCreator() gpucontext.TextureCreator { return t }

// NewTextureFromRGBA implements gpucontext.TextureCreator.
func (t *SoftwareTarget) NewTextureFromRGBA(width, height int, data []byte) (gpucontext.Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("render: invalid texture size %dx%d", width, height)
	}
	tex := &softTexture{w: width, h: height, img: image.NewRGBA(image.Rect(0, 0, width, height))}
	if err := tex.UpdateData(data); err != nil {
		return nil, err
	}
	return tex, nil
}

// DrawLabel implements LabelDrawer with the 7x13 basic font in yellow.
// (x, y) is the baseline origin.
func (t *SoftwareTarget) DrawLabel(text string, x, y int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := &font.Drawer{
		Dst:  t.fb,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 220, B: 0, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
	return nil
}

// Snapshot returns a copy of the framebuffer.
func (t *SoftwareTarget) Snapshot() *image.RGBA {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := image.NewRGBA(t.fb.Bounds())
	copy(out.Pix, t.fb.Pix)
	return out
}

func toRGBA(c gputypes.Color) color.RGBA {
	ch := func(v float64) uint8 {
		switch {
		case v <= 0:
			return 0
		case v >= 1:
			return 255
		default:
			return uint8(v*255 + 0.5)
		}
	}
	return color.RGBA{R: ch(c.R), G: ch(c.G), B: ch(c.B), A: ch(c.A)}
}

// softTexture is an RGBA8 texture held in memory.
type softTexture struct {
	w, h int

	mu        sync.Mutex
	img       *image.RGBA
	destroyed bool
}

var _ gpucontext.TextureUpdater = (*softTexture)(nil)

func (s *softTexture) Width() int  { return s.w }
func (s *softTexture) Height() int { return s.h }

// UpdateData implements gpucontext.TextureUpdater.
func (s *softTexture) UpdateData(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrTextureDestroyed
	}
	if len(data) != len(s.img.Pix) {
		return fmt.Errorf("render: texture data is %d bytes, want %d", len(data), len(s.img.Pix))
	}
	copy(s.img.Pix, data)
	return nil
}

// Destroy releases the pixels. Width and Height keep reporting the size.
func (s *softTexture) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = nil
	s.destroyed = true
}

// Package frame holds the value types that travel through the preview pipeline.
//
// Two shapes exist:
//
//	camera (native image) → Raw (3 planes, 1 copy) → transform → Processed (RGBA)
//	                                                                 ↓ (0 copies)
//	                                                           framebroker slot
//	                                                                 ↓ (0 copies)
//	                                                           render surface
//
// A Raw frame is owned by the capture goroutine and discarded once the
// transform has run. A Processed frame is immutable from the moment it is
// published: no goroutine may write to Pix after Publish.
package frame

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// BytesPerPixel is the size of one RGBA pixel in Processed.Pix.
const BytesPerPixel = 4

var (
	// ErrInvalidGeometry is returned when width or height is not positive.
	ErrInvalidGeometry = errors.New("frame: invalid geometry")

	// ErrShortPlane is returned when a plane is too small for its stride and rows.
	ErrShortPlane = errors.New("frame: plane shorter than stride*rows")
)

// Plane is one image plane: row-major bytes with a row stride.
type Plane struct {
	Data   []byte
	Stride int
}

// Raw is a YUV 4:2:0 frame as delivered by the camera.
//
// Y is full resolution, U and V are subsampled by two in both directions.
// Strides may exceed the visible width (driver padding).
type Raw struct {
	Y, U, V Plane

	Width  int
	Height int

	// Seq is assigned by the capture session, monotonically increasing
	// per session run.
	Seq uint64

	// Timestamp is the capture time reported by the device.
	Timestamp time.Time

	// TraceID follows the frame through logs (uuid).
	TraceID string
}

// ChromaSize returns the dimensions of the U and V planes.
func (r *Raw) ChromaSize() (int, int) {
	return (r.Width + 1) / 2, (r.Height + 1) / 2
}

// Validate checks geometry and that every plane can be indexed up to its
// last visible row.
func (r *Raw) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, r.Width, r.Height)
	}
	cw, ch := r.ChromaSize()
	if err := checkPlane("y", r.Y, r.Width, r.Height); err != nil {
		return err
	}
	if err := checkPlane("u", r.U, cw, ch); err != nil {
		return err
	}
	return checkPlane("v", r.V, cw, ch)
}

func checkPlane(name string, p Plane, w, h int) error {
	if p.Stride < w {
		return fmt.Errorf("%w: %s stride %d < width %d", ErrShortPlane, name, p.Stride, w)
	}
	need := p.Stride*(h-1) + w
	if len(p.Data) < need {
		return fmt.Errorf("%w: %s has %d bytes, need %d", ErrShortPlane, name, len(p.Data), need)
	}
	return nil
}

// Processed is the RGBA result of a transform, ready for display.
//
// IMMUTABILITY CONTRACT:
//   - The transform allocates Pix and never touches it again after returning.
//   - Broker, render surface and snapshot exporter only read Pix.
//   - Anything that needs to keep pixels beyond the frame's lifetime calls Clone.
type Processed struct {
	// Pix is tightly packed RGBA, stride = Width*BytesPerPixel.
	Pix []byte

	Width  int
	Height int

	// Seq is inherited from the Raw frame it was produced from.
	Seq uint64

	Timestamp time.Time
	TraceID   string
}

// NewProcessed allocates a zeroed frame of the given size.
func NewProcessed(width, height int) *Processed {
	return &Processed{
		Pix:    make([]byte, width*height*BytesPerPixel),
		Width:  width,
		Height: height,
	}
}

// Stride returns the row stride of Pix in bytes.
func (p *Processed) Stride() int {
	return p.Width * BytesPerPixel
}

// Valid reports whether Pix matches the declared dimensions.
func (p *Processed) Valid() bool {
	return p != nil && p.Width > 0 && p.Height > 0 && len(p.Pix) == p.Width*p.Height*BytesPerPixel
}

// Clone returns a deep copy that shares no memory with p.
func (p *Processed) Clone() *Processed {
	c := *p
	c.Pix = make([]byte, len(p.Pix))
	copy(c.Pix, p.Pix)
	return &c
}

// RGBA returns an image view over Pix without copying.
// Callers must treat the view as read-only.
func (p *Processed) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    p.Pix,
		Stride: p.Stride(),
		Rect:   image.Rect(0, 0, p.Width, p.Height),
	}
}

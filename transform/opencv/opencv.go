// Package opencv provides a transform.Gateway backed by OpenCV through gocv.
//
// Edges mode runs cv::Canny (thresholds 80/160 by default) on the luma plane
// and expands the result to RGBA. Passthrough converts the packed I420 frame
// with cv::cvtColor. Building this package needs OpenCV 4 and cgo.
package opencv

import (
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-lens/frame"
	"github.com/e7canasta/orion-lens/transform"
)

// Gateway is an OpenCV transform.Gateway. Not safe for concurrent use; the
// capture session calls it from one goroutine.
type Gateway struct {
	low, high float32
	logger    *slog.Logger

	// packed is reused between frames to hold tightly packed I420 bytes.
	packed []byte
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithThresholds overrides the Canny thresholds.
func WithThresholds(low, high float32) Option {
	return func(g *Gateway) {
		g.low, g.high = low, high
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a Gateway with thresholds 80/160.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		low:    transform.DefaultLowThreshold,
		high:   transform.DefaultHighThreshold,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Transform implements transform.Gateway.
func (g *Gateway) Transform(raw *frame.Raw, mode transform.Mode) (*frame.Processed, bool) {
	if raw == nil {
		return nil, false
	}
	if err := raw.Validate(); err != nil {
		g.logger.Debug("opencv: rejected frame", "seq", raw.Seq, "error", err)
		return nil, false
	}

	var (
		pix []byte
		err error
	)
	switch mode {
	case transform.ModePassthrough:
		pix, err = g.passthrough(raw)
	case transform.ModeEdges:
		pix, err = g.edges(raw)
	default:
		return nil, false
	}
	if err != nil {
		g.logger.Debug("opencv: transform failed", "seq", raw.Seq, "mode", mode.String(), "error", err)
		return nil, false
	}

	out := &frame.Processed{
		Pix:       pix,
		Width:     raw.Width,
		Height:    raw.Height,
		Seq:       raw.Seq,
		Timestamp: raw.Timestamp,
		TraceID:   raw.TraceID,
	}
	if !out.Valid() {
		return nil, false
	}
	return out, true
}

func (g *Gateway) edges(raw *frame.Raw) ([]byte, error) {
	w, h := raw.Width, raw.Height
	g.packed = packPlane(g.packed[:0], raw.Y, w, h)

	luma, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, g.packed)
	if err != nil {
		return nil, err
	}
	defer luma.Close()

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(luma, &edges, g.low, g.high)

	rgba := gocv.NewMat()
	defer rgba.Close()
	gocv.CvtColor(edges, &rgba, gocv.ColorGrayToRGBA)

	return rgba.ToBytes(), nil
}

func (g *Gateway) passthrough(raw *frame.Raw) ([]byte, error) {
	w, h := raw.Width, raw.Height
	if w%2 != 0 || h%2 != 0 {
		// cvtColor I420 needs even dimensions.
		return transform.YUVToRGBA(raw).Pix, nil
	}
	cw, ch := raw.ChromaSize()

	buf := packPlane(g.packed[:0], raw.Y, w, h)
	buf = packPlane(buf, raw.U, cw, ch)
	buf = packPlane(buf, raw.V, cw, ch)
	g.packed = buf

	yuv, err := gocv.NewMatFromBytes(h+h/2, w, gocv.MatTypeCV8UC1, buf)
	if err != nil {
		return nil, err
	}
	defer yuv.Close()

	rgba := gocv.NewMat()
	defer rgba.Close()
	gocv.CvtColor(yuv, &rgba, gocv.ColorYUVToRGBAIYUV)

	return rgba.ToBytes(), nil
}

// packPlane appends the visible w×h region of p to dst without stride padding.
func packPlane(dst []byte, p frame.Plane, w, h int) []byte {
	for y := 0; y < h; y++ {
		dst = append(dst, p.Data[y*p.Stride:y*p.Stride+w]...)
	}
	return dst
}

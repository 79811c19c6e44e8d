package transform

import (
	"image"
	"image/color"
	"log/slog"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-lens/frame"
)

// Default hysteresis thresholds for edge mode, on the L1 Sobel magnitude.
const (
	DefaultLowThreshold  = 80
	DefaultHighThreshold = 160
)

// SoftwareOption configures a Software gateway.
type SoftwareOption func(*Software)

// WithThresholds overrides the edge hysteresis thresholds.
// Values with low > high are swapped.
func WithThresholds(low, high int) SoftwareOption {
	return func(s *Software) {
		if low > high {
			low, high = high, low
		}
		s.low, s.high = int32(low), int32(high)
	}
}

// WithLogger sets the logger used for rejected frames.
func WithLogger(l *slog.Logger) SoftwareOption {
	return func(s *Software) {
		if l != nil {
			s.logger = l
		}
	}
}

// Software is a pure-Go Gateway.
//
// Passthrough uses the x/image YCbCr fast path. Edges runs a Canny-style
// detector on the luma plane: 3x3 Sobel, non-maximum suppression, then
// hysteresis between the low and high thresholds.
type Software struct {
	low, high int32
	logger    *slog.Logger
}

// NewSoftware returns a Software gateway with default thresholds (80/160).
func NewSoftware(opts ...SoftwareOption) *Software {
	s := &Software{
		low:    DefaultLowThreshold,
		high:   DefaultHighThreshold,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transform implements Gateway.
func (s *Software) Transform(raw *frame.Raw, mode Mode) (*frame.Processed, bool) {
	if raw == nil {
		return nil, false
	}
	if err := raw.Validate(); err != nil {
		s.logger.Debug("transform: rejected frame", "seq", raw.Seq, "error", err)
		return nil, false
	}

	switch mode {
	case ModePassthrough:
		return stamp(YUVToRGBA(raw), raw), true
	case ModeEdges:
		return stamp(s.edges(raw), raw), true
	default:
		s.logger.Debug("transform: unsupported mode", "mode", mode.String())
		return nil, false
	}
}

// YUVToRGBA converts a validated 4:2:0 frame to RGBA.
func YUVToRGBA(raw *frame.Raw) *frame.Processed {
	w, h := raw.Width, raw.Height
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	if raw.U.Stride == raw.V.Stride {
		src := &image.YCbCr{
			Y:              raw.Y.Data,
			Cb:             raw.U.Data,
			Cr:             raw.V.Data,
			YStride:        raw.Y.Stride,
			CStride:        raw.U.Stride,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           image.Rect(0, 0, w, h),
		}
		draw.Draw(dst, dst.Bounds(), src, image.Point{}, draw.Src)
	} else {
		// image.YCbCr needs one chroma stride; convert per pixel otherwise.
		for y := 0; y < h; y++ {
			yRow := raw.Y.Data[y*raw.Y.Stride:]
			uRow := raw.U.Data[(y/2)*raw.U.Stride:]
			vRow := raw.V.Data[(y/2)*raw.V.Stride:]
			o := y * dst.Stride
			for x := 0; x < w; x++ {
				r, g, b := color.YCbCrToRGB(yRow[x], uRow[x/2], vRow[x/2])
				dst.Pix[o] = r
				dst.Pix[o+1] = g
				dst.Pix[o+2] = b
				dst.Pix[o+3] = 0xff
				o += 4
			}
		}
	}

	return &frame.Processed{Pix: dst.Pix, Width: w, Height: h}
}

// edges runs the detector on the luma plane.
func (s *Software) edges(raw *frame.Raw) *frame.Processed {
	w, h := raw.Width, raw.Height
	out := frame.NewProcessed(w, h)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	if w < 3 || h < 3 {
		return out
	}

	lum := raw.Y.Data
	ls := raw.Y.Stride
	mag := make([]int32, w*h)
	dir := make([]uint8, w*h)

	for y := 1; y < h-1; y++ {
		r0 := lum[(y-1)*ls:]
		r1 := lum[y*ls:]
		r2 := lum[(y+1)*ls:]
		for x := 1; x < w-1; x++ {
			gx := int32(r0[x+1]) + 2*int32(r1[x+1]) + int32(r2[x+1]) -
				int32(r0[x-1]) - 2*int32(r1[x-1]) - int32(r2[x-1])
			gy := int32(r2[x-1]) + 2*int32(r2[x]) + int32(r2[x+1]) -
				int32(r0[x-1]) - 2*int32(r0[x]) - int32(r0[x+1])
			i := y*w + x
			mag[i] = abs32(gx) + abs32(gy)
			dir[i] = quantizeDirection(gx, gy)
		}
	}

	// Non-maximum suppression, then classify.
	const (
		none uint8 = iota
		weak
		strong
	)
	class := make([]uint8, w*h)
	stack := make([]int, 0, 1024)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			m := mag[i]
			if m <= s.low {
				continue
			}
			var a, b int32
			switch dir[i] {
			case 0: // horizontal gradient, compare left/right
				a, b = mag[i-1], mag[i+1]
			case 1: // 45°
				a, b = mag[i-w+1], mag[i+w-1]
			case 2: // vertical gradient, compare up/down
				a, b = mag[i-w], mag[i+w]
			default: // 135°
				a, b = mag[i-w-1], mag[i+w+1]
			}
			if m < a || m <= b {
				continue
			}
			if m > s.high {
				class[i] = strong
				stack = append(stack, i)
			} else {
				class[i] = weak
			}
		}
	}

	// Hysteresis: grow strong edges through 8-connected weak pixels.
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		o := i * frame.BytesPerPixel
		out.Pix[o], out.Pix[o+1], out.Pix[o+2] = 0xff, 0xff, 0xff

		for _, d := range [8]int{-w - 1, -w, -w + 1, -1, 1, w - 1, w, w + 1} {
			n := i + d
			if n >= 0 && n < len(class) && class[n] == weak {
				class[n] = strong
				stack = append(stack, n)
			}
		}
	}

	return out
}

// quantizeDirection maps a gradient to 0 (0°), 1 (45°), 2 (90°) or 3 (135°)
// using tan(22.5°) ≈ 0.4142 in fixed point.
func quantizeDirection(gx, gy int32) uint8 {
	ax, ay := abs32(gx), abs32(gy)
	const (
		tan22 = 27145  // 0.4142 << 16
		tan67 = 158217 // 2.4142 << 16
	)
	t := int64(ay) << 16
	switch {
	case t <= int64(ax)*tan22:
		return 0
	case t >= int64(ax)*tan67:
		return 2
	case (gx > 0) == (gy > 0):
		return 3
	default:
		return 1
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

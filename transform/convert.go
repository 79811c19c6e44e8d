package transform

import (
	"image"
	"image/color"

	"github.com/e7canasta/orion-lens/frame"
)

// RawFromImage converts a decoded still image to a 4:2:0 frame so it can go
// through a Gateway like a camera frame. A 4:2:0 *image.YCbCr (most JPEGs) is
// wrapped without converting pixels.
func RawFromImage(img image.Image) *frame.Raw {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if yc, ok := img.(*image.YCbCr); ok && yc.SubsampleRatio == image.YCbCrSubsampleRatio420 && b.Min == (image.Point{}) {
		return &frame.Raw{
			Y:      frame.Plane{Data: yc.Y, Stride: yc.YStride},
			U:      frame.Plane{Data: yc.Cb, Stride: yc.CStride},
			V:      frame.Plane{Data: yc.Cr, Stride: yc.CStride},
			Width:  w,
			Height: h,
		}
	}

	cw, ch := (w+1)/2, (h+1)/2
	raw := &frame.Raw{
		Y:      frame.Plane{Data: make([]byte, w*h), Stride: w},
		U:      frame.Plane{Data: make([]byte, cw*ch), Stride: cw},
		V:      frame.Plane{Data: make([]byte, cw*ch), Stride: cw},
		Width:  w,
		Height: h,
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			yy, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			raw.Y.Data[y*w+x] = yy
			// Chroma is sampled at the top-left pixel of each 2x2 block.
			if x%2 == 0 && y%2 == 0 {
				raw.U.Data[(y/2)*cw+x/2] = cb
				raw.V.Data[(y/2)*cw+x/2] = cr
			}
		}
	}
	return raw
}

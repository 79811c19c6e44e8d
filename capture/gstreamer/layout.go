package gstreamer

import (
	"fmt"
	"image"

	"github.com/e7canasta/orion-lens/frame"
)

// planeLayout is one plane inside a packed I420 buffer.
type planeLayout struct {
	offset int
	stride int
	rows   int
}

func roundUp2(v int) int { return (v + 1) &^ 1 }
func roundUp4(v int) int { return (v + 3) &^ 3 }

// i420Layout returns GStreamer's default I420 plane layout for w×h:
//
//	Y stride = RU4(w)            offset 0
//	U stride = RU4(RU2(w)/2)     offset Ystride*RU2(h)
//	V stride = U stride          offset Uoffset + Ustride*RU2(h)/2
func i420Layout(w, h int) [3]planeLayout {
	ys := roundUp4(w)
	cs := roundUp4(roundUp2(w) / 2)
	ch := roundUp2(h) / 2

	y := planeLayout{offset: 0, stride: ys, rows: h}
	u := planeLayout{offset: ys * roundUp2(h), stride: cs, rows: ch}
	v := planeLayout{offset: u.offset + cs*ch, stride: cs, rows: ch}
	return [3]planeLayout{y, u, v}
}

// i420Size is the byte size of a w×h I420 buffer.
func i420Size(w, h int) int {
	l := i420Layout(w, h)
	return l[2].offset + l[2].stride*l[2].rows
}

// splitI420 slices a mapped buffer into Y, U and V planes without copying.
func splitI420(data []byte, w, h int) ([]frame.Plane, error) {
	if need := i420Size(w, h); len(data) < need {
		return nil, fmt.Errorf("gstreamer: I420 buffer has %d bytes, need %d for %dx%d", len(data), need, w, h)
	}
	layout := i420Layout(w, h)
	planes := make([]frame.Plane, 3)
	for i, l := range layout {
		planes[i] = frame.Plane{
			Data:   data[l.offset : l.offset+l.stride*l.rows],
			Stride: l.stride,
		}
	}
	return planes, nil
}

// cropProperties converts a crop in active-array coordinates into videocrop
// margins. The sensor caps are forced to the active array size, so one
// active-array unit is one source pixel.
func cropProperties(crop, active image.Rectangle) (left, right, top, bottom int) {
	if crop.Empty() {
		return 0, 0, 0, 0
	}
	crop = crop.Intersect(active)
	if crop.Empty() {
		return 0, 0, 0, 0
	}
	return crop.Min.X - active.Min.X,
		active.Max.X - crop.Max.X,
		crop.Min.Y - active.Min.Y,
		active.Max.Y - crop.Max.Y
}

// buildOutputCaps locks the appsink format: I420, output size, fps range.
func buildOutputCaps(w, h, fpsMin, fpsMax int) string {
	if fpsMin == fpsMax {
		return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,pixel-aspect-ratio=1/1,framerate=%d/1",
			w, h, fpsMax)
	}
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,pixel-aspect-ratio=1/1,framerate=[%d/1,%d/1]",
		w, h, fpsMin, fpsMax)
}

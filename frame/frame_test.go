package frame

import (
	"errors"
	"testing"
)

func newRaw(w, h, yStride, cStride int) *Raw {
	ch := (h + 1) / 2
	return &Raw{
		Width:  w,
		Height: h,
		Y:      Plane{Data: make([]byte, yStride*h), Stride: yStride},
		U:      Plane{Data: make([]byte, cStride*ch), Stride: cStride},
		V:      Plane{Data: make([]byte, cStride*ch), Stride: cStride},
	}
}

func TestRawValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     *Raw
		wantErr error
	}{
		{name: "tight planes", raw: newRaw(640, 480, 640, 320)},
		{name: "padded strides", raw: newRaw(638, 480, 640, 320)},
		{name: "odd dimensions", raw: newRaw(5, 3, 8, 4)},
		{name: "zero width", raw: &Raw{Width: 0, Height: 10}, wantErr: ErrInvalidGeometry},
		{name: "stride below width", raw: newRaw(640, 480, 600, 320), wantErr: ErrShortPlane},
		{
			name: "truncated v plane",
			raw: func() *Raw {
				r := newRaw(16, 16, 16, 8)
				r.V.Data = r.V.Data[:10]
				return r
			}(),
			wantErr: ErrShortPlane,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.raw.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProcessedCloneSharesNothing(t *testing.T) {
	p := NewProcessed(4, 2)
	p.Seq = 7
	p.Pix[0] = 200

	c := p.Clone()
	c.Pix[0] = 1

	if p.Pix[0] != 200 {
		t.Fatalf("Clone() shares Pix with source")
	}
	if c.Seq != 7 || c.Width != 4 || c.Height != 2 {
		t.Fatalf("Clone() lost metadata: %+v", c)
	}
	if !c.Valid() {
		t.Fatalf("Clone() produced invalid frame")
	}
}

func TestProcessedRGBAView(t *testing.T) {
	p := NewProcessed(3, 2)
	p.Pix[(1*3+2)*BytesPerPixel] = 99

	img := p.RGBA()
	if got := img.RGBAAt(2, 1).R; got != 99 {
		t.Fatalf("RGBA view pixel = %d, want 99", got)
	}
	if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Fatalf("RGBA bounds = %v", img.Bounds())
	}
}

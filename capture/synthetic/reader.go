package synthetic

import (
	"errors"
	"sync"
	"time"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/frame"
)

var errReaderClosed = errors.New("synthetic: image reader closed")

// reader keeps only the newest image. Buffers are recycled through a pool
// once the consumer closes an image.
type reader struct {
	width, height int
	pool          sync.Pool
	avail         chan struct{}

	mu     sync.Mutex
	latest *syntheticImage
	closed bool
}

func newReader(w, h int) *reader {
	r := &reader{width: w, height: h, avail: make(chan struct{}, 1)}
	cw, ch := (w+1)/2, (h+1)/2
	r.pool.New = func() any {
		return &[3][]byte{make([]byte, w*h), make([]byte, cw*ch), make([]byte, cw*ch)}
	}
	return r
}

func (r *reader) newImage(ts time.Time) *syntheticImage {
	bufs := r.pool.Get().(*[3][]byte)
	cw := (r.width + 1) / 2
	return &syntheticImage{
		r:    r,
		bufs: bufs,
		ts:   ts,
		planes: []frame.Plane{
			{Data: bufs[0], Stride: r.width},
			{Data: bufs[1], Stride: cw},
			{Data: bufs[2], Stride: cw},
		},
	}
}

func (r *reader) deliver(img *syntheticImage) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		img.Close()
		return
	}
	old := r.latest
	r.latest = img
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	select {
	case r.avail <- struct{}{}:
	default:
	}
}

// Available implements capture.ImageReader.
func (r *reader) Available() <-chan struct{} { return r.avail }

// AcquireLatest implements capture.ImageReader.
func (r *reader) AcquireLatest() (capture.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errReaderClosed
	}
	img := r.latest
	r.latest = nil
	if img == nil {
		return nil, capture.ErrNoImage
	}
	return img, nil
}

// Close implements capture.ImageReader.
func (r *reader) Close() error {
	r.mu.Lock()
	r.closed = true
	img := r.latest
	r.latest = nil
	r.mu.Unlock()

	if img != nil {
		img.Close()
	}
	return nil
}

type syntheticImage struct {
	r      *reader
	bufs   *[3][]byte
	planes []frame.Plane
	ts     time.Time
	once   sync.Once
}

func (i *syntheticImage) Width() int           { return i.r.width }
func (i *syntheticImage) Height() int          { return i.r.height }
func (i *syntheticImage) Timestamp() time.Time { return i.ts }

func (i *syntheticImage) Planes() ([]frame.Plane, error) {
	return i.planes, nil
}

func (i *syntheticImage) Close() {
	i.once.Do(func() {
		i.r.pool.Put(i.bufs)
	})
}

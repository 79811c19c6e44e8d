package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-lens/frame"
	"github.com/e7canasta/orion-lens/transform"
)

// callLog records teardown calls in order across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(c string) {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeImage struct {
	w, h      int
	planes    []frame.Plane
	planesErr error
	closed    *atomic.Int32
}

func newFakeImage(w, h int, closed *atomic.Int32) *fakeImage {
	cw, ch := (w+1)/2, (h+1)/2
	return &fakeImage{
		w: w,
		h: h,
		planes: []frame.Plane{
			{Data: make([]byte, w*h), Stride: w},
			{Data: make([]byte, cw*ch), Stride: cw},
			{Data: make([]byte, cw*ch), Stride: cw},
		},
		closed: closed,
	}
}

func (i *fakeImage) Width() int           { return i.w }
func (i *fakeImage) Height() int          { return i.h }
func (i *fakeImage) Timestamp() time.Time { return time.Now() }
func (i *fakeImage) Planes() ([]frame.Plane, error) {
	return i.planes, i.planesErr
}
func (i *fakeImage) Close() {
	if i.closed != nil {
		i.closed.Add(1)
	}
}

type fakeReader struct {
	log *callLog

	mu      sync.Mutex
	pending []Image
	closed  bool
	avail   chan struct{}
}

func newFakeReader(log *callLog) *fakeReader {
	return &fakeReader{log: log, avail: make(chan struct{}, 1)}
}

func (r *fakeReader) push(img Image) {
	r.mu.Lock()
	r.pending = append(r.pending, img)
	r.mu.Unlock()
	select {
	case r.avail <- struct{}{}:
	default:
	}
}

func (r *fakeReader) Available() <-chan struct{} { return r.avail }

func (r *fakeReader) AcquireLatest() (Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("reader closed")
	}
	if len(r.pending) == 0 {
		return nil, ErrNoImage
	}
	latest := r.pending[len(r.pending)-1]
	for _, old := range r.pending[:len(r.pending)-1] {
		old.Close()
	}
	r.pending = nil
	return latest, nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, img := range r.pending {
		img.Close()
	}
	r.pending = nil
	r.log.add("close_reader")
	return nil
}

type fakeDevice struct {
	info         CameraInfo
	log          *callLog
	reader       *fakeReader
	onEvent      func(DeviceEvent)
	configureErr error
	requestErr   error

	mu       sync.Mutex
	requests []Request
}

func (d *fakeDevice) Info() CameraInfo { return d.info }

func (d *fakeDevice) Configure(_ context.Context, _ OutputConfig) (ImageReader, error) {
	if d.configureErr != nil {
		return nil, d.configureErr
	}
	return d.reader, nil
}

func (d *fakeDevice) SetRepeatingRequest(req Request) error {
	if d.requestErr != nil {
		return d.requestErr
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) lastRequest() (Request, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return Request{}, 0
	}
	return d.requests[len(d.requests)-1], len(d.requests)
}

func (d *fakeDevice) StopRepeating() error {
	d.log.add("stop_repeating")
	return nil
}

func (d *fakeDevice) Close() error {
	d.log.add("close_device")
	return nil
}

type fakeDriver struct {
	cams    []CameraInfo
	openErr error
	log     *callLog

	// configure is applied to each new device before it is returned.
	configure func(*fakeDevice)

	mu      sync.Mutex
	devices []*fakeDevice
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		cams: []CameraInfo{
			{ID: "0", Facing: FacingBack, ActiveArray: image.Rect(0, 0, 4000, 3000), Source: "fake"},
			{ID: "1", Facing: FacingFront, ActiveArray: image.Rect(0, 0, 2000, 1500), Source: "fake"},
		},
		log: &callLog{},
	}
}

func (d *fakeDriver) Cameras(context.Context) ([]CameraInfo, error) {
	return d.cams, nil
}

func (d *fakeDriver) Open(_ context.Context, id string, onEvent func(DeviceEvent)) (Device, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	var info CameraInfo
	for _, c := range d.cams {
		if c.ID == id {
			info = c
		}
	}
	dev := &fakeDevice{info: info, log: d.log, reader: newFakeReader(d.log), onEvent: onEvent}
	if d.configure != nil {
		d.configure(dev)
	}
	d.mu.Lock()
	d.devices = append(d.devices, dev)
	d.mu.Unlock()
	return dev, nil
}

func (d *fakeDriver) device(i int) *fakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[i]
}

func (d *fakeDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// countingGateway wraps the software gateway and counts calls.
type countingGateway struct {
	calls    atomic.Int64
	finished atomic.Int64
	fail     atomic.Bool
	panics   atomic.Bool
	delay    time.Duration
	entered  chan struct{}
	inner    transform.Gateway
}

func newCountingGateway() *countingGateway {
	return &countingGateway{inner: transform.NewSoftware(), entered: make(chan struct{}, 16)}
}

func (g *countingGateway) Transform(raw *frame.Raw, mode transform.Mode) (*frame.Processed, bool) {
	g.calls.Add(1)
	defer g.finished.Add(1)
	select {
	case g.entered <- struct{}{}:
	default:
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.panics.Load() {
		panic("gateway exploded")
	}
	if g.fail.Load() {
		return nil, false
	}
	return g.inner.Transform(raw, mode)
}

type countingRedrawer struct{ n atomic.Int64 }

func (r *countingRedrawer) RequestRedraw() { r.n.Add(1) }

type fixedRegion struct{ r image.Rectangle }

func (f fixedRegion) RegionFor(image.Rectangle) image.Rectangle { return f.r }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

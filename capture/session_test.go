package capture

import (
	"context"
	"errors"
	"image"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-lens/framebroker"
	"github.com/e7canasta/orion-lens/zoom"
)

func newTestSession(t *testing.T, drv *fakeDriver, gw *countingGateway, opts ...Option) (*Session, *framebroker.Broker) {
	t.Helper()
	broker := framebroker.New()
	sess, err := NewSession(drv, gw, broker, DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("NewSession() failed: %v", err)
	}
	return sess, broker
}

func TestNewSessionValidation(t *testing.T) {
	drv := newFakeDriver()
	gw := newCountingGateway()
	broker := framebroker.New()

	tests := []struct {
		name   string
		mutate func(*Config)
		nilDrv bool
	}{
		{name: "nil driver", nilDrv: true},
		{name: "fps min zero", mutate: func(c *Config) { c.FPSRange.Min = 0 }},
		{name: "fps max below min", mutate: func(c *Config) { c.FPSRange = FPSRange{Min: 30, Max: 15} }},
		{name: "fps max too high", mutate: func(c *Config) { c.FPSRange.Max = 240 }},
		{name: "unknown resolution", mutate: func(c *Config) { c.Resolution = Resolution(7) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			var d Driver = drv
			if tt.nilDrv {
				d = nil
			}
			if _, err := NewSession(d, gw, broker, cfg); err == nil {
				t.Fatal("NewSession() accepted invalid input")
			}
		})
	}
}

// TestStartStopCycle walks Closed → Streaming → Closed twice.
//
// Scenario:
//  1. Start, push an image, wait for it in the broker
//  2. Stop and check teardown order
//  3. Start again on a fresh device
func TestStartStopCycle(t *testing.T) {
	drv := newFakeDriver()
	gw := newCountingGateway()
	redraw := &countingRedrawer{}
	sess, broker := newTestSession(t, drv, gw, WithRedrawer(redraw))

	for cycle := 0; cycle < 2; cycle++ {
		if err := sess.Start(context.Background()); err != nil {
			t.Fatalf("cycle %d: Start() failed: %v", cycle, err)
		}
		if got := sess.State(); got != StateStreaming {
			t.Fatalf("cycle %d: state = %s, want streaming", cycle, got)
		}

		dev := drv.device(cycle)
		req, n := dev.lastRequest()
		if n != 1 || !req.ContinuousFocus || req.FPSRange != (FPSRange{Min: 15, Max: 30}) {
			t.Errorf("cycle %d: repeating request = %+v (n=%d)", cycle, req, n)
		}
		if req.Crop != dev.info.ActiveArray {
			t.Errorf("cycle %d: default crop = %v, want full array %v", cycle, req.Crop, dev.info.ActiveArray)
		}

		var closed atomic.Int32
		dev.reader.push(newFakeImage(64, 48, &closed))
		waitFor(t, "published frame", func() bool { return sess.Stats().FramesPublished == uint64(cycle+1) })

		f, ok := broker.TryTake()
		if !ok || f.Width != 64 || f.Height != 48 || f.TraceID == "" {
			t.Fatalf("cycle %d: broker frame = %+v, ok=%v", cycle, f, ok)
		}
		waitFor(t, "native image release", func() bool { return closed.Load() == 1 })

		if err := sess.Stop(); err != nil {
			t.Fatalf("cycle %d: Stop() failed: %v", cycle, err)
		}
		if got := sess.State(); got != StateClosed {
			t.Fatalf("cycle %d: state after Stop = %s", cycle, got)
		}
	}

	want := []string{
		"stop_repeating", "close_device", "close_reader",
		"stop_repeating", "close_device", "close_reader",
	}
	if got := drv.log.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("teardown order = %v, want %v", got, want)
	}
	if redraw.n.Load() != 2 {
		t.Errorf("redraw requests = %d, want 2", redraw.n.Load())
	}
	if err := sess.Stop(); err != nil {
		t.Errorf("Stop() on closed session = %v, want nil", err)
	}

	t.Logf("✅ two full cycles, stats=%+v", sess.Stats())
}

func TestStartDeviceNotFound(t *testing.T) {
	drv := newFakeDriver()
	drv.cams = drv.cams[1:] // front only
	sess, _ := newTestSession(t, drv, newCountingGateway())

	err := sess.Start(context.Background())
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Start() error = %v, want ErrDeviceNotFound", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %s, want closed", sess.State())
	}
	if drv.openCount() != 0 {
		t.Errorf("driver opened %d devices", drv.openCount())
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeDriver)
		wantErr   error
		wantCalls []string
	}{
		{
			name:    "open fails",
			setup:   func(d *fakeDriver) { d.openErr = errors.New("busy") },
			wantErr: ErrDeviceError,
		},
		{
			name: "configure fails",
			setup: func(d *fakeDriver) {
				d.configure = func(dev *fakeDevice) { dev.configureErr = errors.New("bad size") }
			},
			wantErr:   ErrConfigurationFailed,
			wantCalls: []string{"stop_repeating", "close_device"},
		},
		{
			name: "repeating request fails",
			setup: func(d *fakeDriver) {
				d.configure = func(dev *fakeDevice) { dev.requestErr = errors.New("refused") }
			},
			wantErr:   ErrConfigurationFailed,
			wantCalls: []string{"stop_repeating", "close_device", "close_reader"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := newFakeDriver()
			tt.setup(drv)
			sess, _ := newTestSession(t, drv, newCountingGateway())

			err := sess.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
			}
			if sess.State() != StateClosed {
				t.Errorf("state = %s, want closed", sess.State())
			}
			if got := drv.log.list(); len(tt.wantCalls) > 0 && !reflect.DeepEqual(got, tt.wantCalls) {
				t.Errorf("teardown calls = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

func TestStartWhileStreamingRejected(t *testing.T) {
	sess, _ := newTestSession(t, newFakeDriver(), newCountingGateway())
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()

	if err := sess.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Start() error = %v, want ErrInvalidTransition", err)
	}
	if sess.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", sess.State())
	}
}

// TestTransformFailureIsTransient: after a few good frames, a failing gateway
// drops the next frame and leaves broker, FPS window and state untouched.
func TestTransformFailureIsTransient(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*countingGateway)
	}{
		{name: "gateway returns false", setup: func(g *countingGateway) { g.fail.Store(true) }},
		{name: "gateway panics", setup: func(g *countingGateway) { g.panics.Store(true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := newFakeDriver()
			gw := newCountingGateway()
			sess, broker := newTestSession(t, drv, gw)

			if err := sess.Start(context.Background()); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			defer sess.Stop()
			reader := drv.device(0).reader

			const good = 3
			for i := 1; i <= good; i++ {
				reader.push(newFakeImage(32, 32, nil))
				waitFor(t, "good frame published", func() bool {
					return sess.Stats().FramesPublished == uint64(i)
				})
			}
			before, ok := broker.TryTake()
			if !ok {
				t.Fatal("broker empty after good frames")
			}
			statsBefore := sess.Stats()
			if statsBefore.FPS <= 0 {
				t.Fatalf("FPS = %v after %d frames, want > 0", statsBefore.FPS, good)
			}

			tt.setup(gw)
			var closed atomic.Int32
			reader.push(newFakeImage(32, 32, &closed))
			waitFor(t, "transient error", func() bool { return sess.Stats().TransientErrors == 1 })

			after, ok := broker.TryTake()
			if !ok || after != before {
				t.Errorf("broker frame changed by a failed transform: seq %d → %v", before.Seq, after)
			}
			st := sess.Stats()
			if st.FramesPublished != good || st.State != StateStreaming {
				t.Errorf("stats = %+v, want %d published and streaming", st, good)
			}
			if st.FPSWindow.Samples != statsBefore.FPSWindow.Samples || st.FPS <= 0 {
				t.Errorf("fps window %d → %d samples (fps %v), want unchanged",
					statsBefore.FPSWindow.Samples, st.FPSWindow.Samples, st.FPS)
			}
			waitFor(t, "image release", func() bool { return closed.Load() == 1 })
			t.Logf("✅ %s dropped, seq %d still current", tt.name, before.Seq)
		})
	}
}

func TestInvalidImageIsTransient(t *testing.T) {
	drv := newFakeDriver()
	gw := newCountingGateway()
	sess, _ := newTestSession(t, drv, gw)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()

	img := newFakeImage(32, 32, nil)
	img.planes = img.planes[:2]
	drv.device(0).reader.push(img)

	waitFor(t, "transient error", func() bool { return sess.Stats().TransientErrors == 1 })
	if gw.calls.Load() != 0 {
		t.Errorf("gateway called %d times for an invalid image", gw.calls.Load())
	}
}

// TestDeviceDisconnect: a disconnect forces Error → Closed and notifies once,
// even if the device reports twice.
func TestDeviceDisconnect(t *testing.T) {
	drv := newFakeDriver()
	var notified atomic.Int32
	var lastErr atomic.Value
	sess, _ := newTestSession(t, drv, newCountingGateway(), WithFatalHandler(func(err error) {
		notified.Add(1)
		lastErr.Store(err)
	}))

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	dev := drv.device(0)
	dev.onEvent(DeviceEvent{Kind: EventDisconnected, Err: errors.New("usb unplugged")})
	dev.onEvent(DeviceEvent{Kind: EventDisconnected})

	waitFor(t, "closed after disconnect", func() bool {
		return sess.State() == StateClosed && notified.Load() == 1
	})
	time.Sleep(50 * time.Millisecond)

	if notified.Load() != 1 {
		t.Errorf("fatal handler called %d times, want 1", notified.Load())
	}
	if err, _ := lastErr.Load().(error); !errors.Is(err, ErrDeviceDisconnected) {
		t.Errorf("fatal error = %v, want ErrDeviceDisconnected", err)
	}
	if st := sess.Stats(); st.FatalErrors != 1 {
		t.Errorf("FatalErrors = %d, want 1", st.FatalErrors)
	}
}

func TestStaleDeviceEventIgnored(t *testing.T) {
	drv := newFakeDriver()
	var notified atomic.Int32
	sess, _ := newTestSession(t, drv, newCountingGateway(), WithFatalHandler(func(error) {
		notified.Add(1)
	}))

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	stale := drv.device(0).onEvent
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer sess.Stop()

	stale(DeviceEvent{Kind: EventError, Err: errors.New("late")})
	time.Sleep(50 * time.Millisecond)

	if sess.State() != StateStreaming {
		t.Errorf("state = %s after stale event, want streaming", sess.State())
	}
	if notified.Load() != 0 {
		t.Errorf("fatal handler called for stale event")
	}
}

// TestStopJoinsCaptureGoroutine: Stop issued mid-transform returns only after
// the in-flight frame finished, and no frame is processed afterwards.
func TestStopJoinsCaptureGoroutine(t *testing.T) {
	drv := newFakeDriver()
	gw := newCountingGateway()
	gw.delay = 100 * time.Millisecond
	sess, _ := newTestSession(t, drv, gw)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	reader := drv.device(0).reader
	reader.push(newFakeImage(16, 16, nil))

	select {
	case <-gw.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never called")
	}

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if gw.calls.Load() != gw.finished.Load() {
		t.Fatalf("Stop() returned while transform in flight: calls=%d finished=%d",
			gw.calls.Load(), gw.finished.Load())
	}

	callsAtStop := gw.calls.Load()
	reader.push(newFakeImage(16, 16, nil))
	time.Sleep(50 * time.Millisecond)

	if got := gw.calls.Load(); got != callsAtStop {
		t.Errorf("gateway called after Stop(): %d → %d", callsAtStop, got)
	}
	t.Logf("✅ Stop() joined after in-flight transform (%d calls)", callsAtStop)
}

func TestSetCropRegion(t *testing.T) {
	drv := newFakeDriver()
	sess, _ := newTestSession(t, drv, newCountingGateway())

	if err := sess.SetCropRegion(image.Rect(0, 0, 10, 10)); err != nil {
		t.Fatalf("SetCropRegion() before start = %v, want nil", err)
	}
	if _, ok := sess.ActiveArray(); ok {
		t.Fatal("ActiveArray() reported a device before start")
	}

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()
	dev := drv.device(0)

	active, ok := sess.ActiveArray()
	if !ok || active != image.Rect(0, 0, 4000, 3000) {
		t.Fatalf("ActiveArray() = %v, %v", active, ok)
	}

	crop := image.Rect(1000, 750, 3000, 2250)
	if err := sess.SetCropRegion(crop); err != nil {
		t.Fatalf("SetCropRegion() failed: %v", err)
	}
	req, n := dev.lastRequest()
	if n != 2 || req.Crop != crop {
		t.Errorf("request after crop = %+v (n=%d)", req, n)
	}

	// Same crop is not re-issued.
	if err := sess.SetCropRegion(crop); err != nil {
		t.Fatalf("SetCropRegion() repeat failed: %v", err)
	}
	if _, n := dev.lastRequest(); n != 2 {
		t.Errorf("identical crop re-issued request (n=%d)", n)
	}

	// Out-of-bounds crop is clamped.
	if err := sess.SetCropRegion(image.Rect(3500, 2500, 5000, 4000)); err != nil {
		t.Fatalf("SetCropRegion() clamp failed: %v", err)
	}
	if req, _ := dev.lastRequest(); req.Crop != image.Rect(3500, 2500, 4000, 3000) {
		t.Errorf("clamped crop = %v", req.Crop)
	}
	if sess.State() != StateStreaming {
		t.Errorf("state = %s after crop change", sess.State())
	}
}

func TestRegionProviderAppliedAtStart(t *testing.T) {
	drv := newFakeDriver()
	want := image.Rect(1200, 900, 2800, 2100)
	sess, _ := newTestSession(t, drv, newCountingGateway(), WithRegionProvider(fixedRegion{r: want}))

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()

	if req, _ := drv.device(0).lastRequest(); req.Crop != want {
		t.Errorf("initial crop = %v, want %v", req.Crop, want)
	}
}

// gatedRegion holds the first RegionFor call until release is closed.
type gatedRegion struct {
	inner   RegionProvider
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRegion) RegionFor(active image.Rectangle) image.Rectangle {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.inner.RegionFor(active)
}

// TestZoomDuringConfigureReachesDevice: a zoom change made while Start is
// configuring the device ends up in that device's repeating request.
func TestZoomDuringConfigureReachesDevice(t *testing.T) {
	zc, err := zoom.New(zoom.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	gate := &gatedRegion{inner: zc, entered: make(chan struct{}), release: make(chan struct{})}
	drv := newFakeDriver()
	sess, _ := newTestSession(t, drv, newCountingGateway(), WithRegionProvider(gate))
	zc.SetTarget(sess)

	started := make(chan error, 1)
	go func() { started <- sess.Start(context.Background()) }()
	<-gate.entered

	zoomed := make(chan error, 1)
	go func() {
		_, err := zc.Increase()
		zoomed <- err
	}()
	waitFor(t, "zoom level stored", func() bool { return zc.Level() == 1.5 })
	close(gate.release)

	if err := <-started; err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer sess.Stop()
	if err := <-zoomed; err != nil {
		t.Fatalf("Increase() failed: %v", err)
	}

	want := zoom.CropRegion(image.Rect(0, 0, 4000, 3000), 1.5)
	if got := sess.Stats().Crop; got != want {
		t.Errorf("session crop = %v, want %v", got, want)
	}
	if req, _ := drv.device(0).lastRequest(); req.Crop != want {
		t.Errorf("device crop = %v, want %v", req.Crop, want)
	}
	if st := zc.State(); !st.Applied || st.Crop != want {
		t.Errorf("zoom state = %+v, want applied %v", st, want)
	}
	t.Logf("✅ zoom 1.5 issued during configure applied as %v", want)
}

func TestReapplyRegionNotStreaming(t *testing.T) {
	sess, _ := newTestSession(t, newFakeDriver(), newCountingGateway(),
		WithRegionProvider(fixedRegion{r: image.Rect(10, 10, 20, 20)}))
	if _, ok, err := sess.ReapplyRegion(); ok || err != nil {
		t.Errorf("ReapplyRegion() before start = ok %v, err %v", ok, err)
	}
}

func TestIllegalTransitionIgnored(t *testing.T) {
	sess, _ := newTestSession(t, newFakeDriver(), newCountingGateway())

	sess.mu.Lock()
	ok := sess.transition(StateStreaming)
	sess.mu.Unlock()

	if ok || sess.State() != StateClosed {
		t.Errorf("Closed → Streaming accepted (ok=%v state=%s)", ok, sess.State())
	}
}

func TestSetMode(t *testing.T) {
	sess, _ := newTestSession(t, newFakeDriver(), newCountingGateway())
	sess.SetMode(1)
	if sess.Mode() != 1 || sess.Stats().Mode != 1 {
		t.Errorf("Mode() = %v", sess.Mode())
	}
}

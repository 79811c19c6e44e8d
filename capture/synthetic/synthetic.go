// Package synthetic is a camera driver that renders a moving test pattern.
//
// It needs no hardware and no cgo, which makes it the default on hosts
// without a camera and the driver used by integration tests. The pattern is
// drawn in active-array coordinates, so crop requests (digital zoom) are
// visible in the output exactly as on a real sensor.
package synthetic

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/frame"
)

// DefaultCamera is a back-facing 1920x1080 sensor.
func DefaultCamera() capture.CameraInfo {
	return capture.CameraInfo{
		ID:          "synthetic-0",
		Facing:      capture.FacingBack,
		ActiveArray: image.Rect(0, 0, 1920, 1080),
		Source:      "pattern",
	}
}

// Driver implements capture.Driver.
type Driver struct {
	cams   []capture.CameraInfo
	logger *slog.Logger
}

// NewDriver returns a driver exposing cams, or DefaultCamera when empty.
func NewDriver(logger *slog.Logger, cams ...capture.CameraInfo) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cams) == 0 {
		cams = []capture.CameraInfo{DefaultCamera()}
	}
	return &Driver{cams: cams, logger: logger}
}

// Cameras implements capture.Driver.
func (d *Driver) Cameras(context.Context) ([]capture.CameraInfo, error) {
	return append([]capture.CameraInfo(nil), d.cams...), nil
}

// Open implements capture.Driver.
func (d *Driver) Open(ctx context.Context, id string, onEvent func(capture.DeviceEvent)) (capture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, c := range d.cams {
		if c.ID == id {
			if c.ActiveArray.Empty() {
				return nil, fmt.Errorf("synthetic: camera %s has empty active array", id)
			}
			d.logger.Info("synthetic: camera opened", "camera_id", id, "active_array", c.ActiveArray.String())
			return &Device{info: c, onEvent: onEvent, logger: d.logger}, nil
		}
	}
	return nil, fmt.Errorf("synthetic: unknown camera %q", id)
}

// Device is an open synthetic camera.
type Device struct {
	info    capture.CameraInfo
	onEvent func(capture.DeviceEvent)
	logger  *slog.Logger

	mu      sync.Mutex
	reader  *reader
	out     capture.OutputConfig
	req     capture.Request
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
	emitted uint64
}

// Info implements capture.Device.
func (d *Device) Info() capture.CameraInfo { return d.info }

// Configure implements capture.Device.
func (d *Device) Configure(_ context.Context, out capture.OutputConfig) (capture.ImageReader, error) {
	if out.Width <= 0 || out.Height <= 0 || out.Width%2 != 0 || out.Height%2 != 0 {
		return nil, fmt.Errorf("synthetic: unsupported output %dx%d", out.Width, out.Height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("synthetic: device closed")
	}
	d.out = out
	d.reader = newReader(out.Width, out.Height)
	return d.reader, nil
}

// SetRepeatingRequest implements capture.Device. The generator starts on the
// first call; later calls swap the request in place.
func (d *Device) SetRepeatingRequest(req capture.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.reader == nil {
		return fmt.Errorf("synthetic: device not configured")
	}
	if req.FPSRange.Max <= 0 {
		return fmt.Errorf("synthetic: invalid fps range %s", req.FPSRange)
	}
	d.req = req

	if d.stopCh == nil {
		d.stopCh = make(chan struct{})
		d.wg.Add(1)
		go d.generate(d.stopCh, time.Second/time.Duration(req.FPSRange.Max))
	}
	return nil
}

// StopRepeating implements capture.Device.
func (d *Device) StopRepeating() error {
	d.mu.Lock()
	stopCh := d.stopCh
	d.stopCh = nil
	d.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		d.wg.Wait()
	}
	return nil
}

// Close implements capture.Device.
func (d *Device) Close() error {
	if err := d.StopRepeating(); err != nil {
		return err
	}
	d.mu.Lock()
	d.closed = true
	emitted := d.emitted
	d.mu.Unlock()

	d.logger.Info("synthetic: camera closed", "camera_id", d.info.ID, "frames_emitted", emitted)
	return nil
}

// SimulateDisconnect reports a disconnect as a real camera would on unplug.
func (d *Device) SimulateDisconnect() {
	if d.onEvent != nil {
		d.onEvent(capture.DeviceEvent{Kind: capture.EventDisconnected, Err: fmt.Errorf("synthetic: camera %s unplugged", d.info.ID)})
	}
}

func (d *Device) generate(stop <-chan struct{}, interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			d.mu.Lock()
			req, out, r := d.req, d.out, d.reader
			d.emitted++
			d.mu.Unlock()

			img := r.newImage(now)
			drawPattern(img.planes, out.Width, out.Height, d.info.ActiveArray, req.Crop, tick)
			r.deliver(img)
			tick++
		}
	}
}

// drawPattern renders a checkerboard with a moving diagonal band. Coordinates
// are sampled through crop, so zoom magnifies the pattern.
func drawPattern(planes []frame.Plane, w, h int, active, crop image.Rectangle, tick int) {
	if crop.Empty() {
		crop = active
	}
	yp, up, vp := planes[0], planes[1], planes[2]
	shift := tick * 8

	for y := 0; y < h; y++ {
		sy := crop.Min.Y + y*crop.Dy()/h
		row := yp.Data[y*yp.Stride:]
		for x := 0; x < w; x++ {
			sx := crop.Min.X + x*crop.Dx()/w
			v := byte(60)
			if (sx/64+sy/64)%2 == 0 {
				v = 190
			}
			if (sx+sy+shift)%256 < 24 {
				v = 255
			}
			row[x] = v
		}
	}

	cw, ch := (w+1)/2, (h+1)/2
	aw, ah := max(active.Dx(), 1), max(active.Dy(), 1)
	for y := 0; y < ch; y++ {
		sy := crop.Min.Y + (2*y)*crop.Dy()/h
		u := up.Data[y*up.Stride:]
		v := vp.Data[y*vp.Stride:]
		for x := 0; x < cw; x++ {
			sx := crop.Min.X + (2*x)*crop.Dx()/w
			u[x] = byte(64 + (sx-active.Min.X)*128/aw)
			v[x] = byte(64 + (sy-active.Min.Y)*128/ah)
		}
	}
}

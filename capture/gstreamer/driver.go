// Package gstreamer is a capture.Driver backed by GStreamer.
//
// Each camera is a pipeline ending in an appsink that keeps one I420 buffer
// (max-buffers=1, drop=true). Digital zoom maps to videocrop margins and the
// fps range to the output caps, both updated in place while PLAYING, so a
// zoom change never restarts the stream.
//
// Camera sources:
//
//	v4l2:/dev/video0   USB / CSI camera through v4l2src
//	test               videotestsrc (live), for hosts without a camera
package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-lens/capture"
)

// Driver implements capture.Driver.
type Driver struct {
	cams   []capture.CameraInfo
	logger *slog.Logger
}

// NewDriver validates the camera list and checks that GStreamer is usable.
//
// Validation is fail-fast:
//   - at least one camera
//   - every ActiveArray non-empty with even dimensions
//   - every Source is "test" or "v4l2:<device>"
func NewDriver(logger *slog.Logger, cams ...capture.CameraInfo) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cams) == 0 {
		return nil, fmt.Errorf("gstreamer: at least one camera is required")
	}
	for _, c := range cams {
		if c.ActiveArray.Empty() || c.ActiveArray.Dx()%2 != 0 || c.ActiveArray.Dy()%2 != 0 {
			return nil, fmt.Errorf("gstreamer: camera %s: invalid active array %v", c.ID, c.ActiveArray)
		}
		if _, _, err := parseSource(c.Source); err != nil {
			return nil, fmt.Errorf("gstreamer: camera %s: %w", c.ID, err)
		}
	}

	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("gstreamer: GStreamer not available: %w", err)
	}

	logger.Info("gstreamer: driver created", "cameras", len(cams))
	return &Driver{cams: cams, logger: logger}, nil
}

// parseSource splits "v4l2:/dev/videoN" or "test".
func parseSource(s string) (sourceKind, string, error) {
	switch {
	case s == "test":
		return sourceTest, "", nil
	case strings.HasPrefix(s, "v4l2:") && len(s) > len("v4l2:"):
		return sourceV4L2, strings.TrimPrefix(s, "v4l2:"), nil
	default:
		return 0, "", fmt.Errorf("unsupported source %q (want \"test\" or \"v4l2:<device>\")", s)
	}
}

// Cameras implements capture.Driver.
func (d *Driver) Cameras(context.Context) ([]capture.CameraInfo, error) {
	return append([]capture.CameraInfo(nil), d.cams...), nil
}

// Open implements capture.Driver. The pipeline is built by Configure.
func (d *Driver) Open(ctx context.Context, id string, onEvent func(capture.DeviceEvent)) (capture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, c := range d.cams {
		if c.ID != id {
			continue
		}
		kind, dev, _ := parseSource(c.Source)
		return &device{
			info:    c,
			kind:    kind,
			devNode: dev,
			onEvent: onEvent,
			logger:  d.logger.With("camera_id", c.ID),
		}, nil
	}
	return nil, fmt.Errorf("gstreamer: unknown camera %q", id)
}

type device struct {
	info    capture.CameraInfo
	kind    sourceKind
	devNode string
	onEvent func(capture.DeviceEvent)
	logger  *slog.Logger

	mu        sync.Mutex
	elements  *pipelineElements
	reader    *sampleReader
	out       capture.OutputConfig
	fps       capture.FPSRange
	focusSet  bool
	playing   bool
	closed    bool
	monCancel context.CancelFunc
	monWG     sync.WaitGroup
}

func (d *device) Info() capture.CameraInfo { return d.info }

// Configure builds the pipeline and appsink target. The pipeline stays in
// NULL until the first repeating request.
func (d *device) Configure(_ context.Context, out capture.OutputConfig) (capture.ImageReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("gstreamer: device closed")
	}
	if d.elements != nil {
		return nil, fmt.Errorf("gstreamer: device already configured")
	}

	fps := capture.FPSRange{Min: 15, Max: 30}
	el, err := createPipeline(pipelineConfig{
		Kind:         d.kind,
		Device:       d.devNode,
		SensorWidth:  d.info.ActiveArray.Dx(),
		SensorHeight: d.info.ActiveArray.Dy(),
		Width:        out.Width,
		Height:       out.Height,
		FPSRange:     fps,
	}, d.logger)
	if err != nil {
		return nil, fmt.Errorf("gstreamer: %w", err)
	}

	reader := newSampleReader(out.Width, out.Height, d.logger)
	el.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: reader.onNewSample,
	})

	monCtx, cancel := context.WithCancel(context.Background())
	d.monCancel = cancel
	d.monWG.Add(1)
	go func() {
		defer d.monWG.Done()
		d.monitorBus(monCtx, el.Pipeline)
	}()

	d.elements = el
	d.reader = reader
	d.out = out
	d.fps = fps
	return reader, nil
}

// SetRepeatingRequest applies crop, fps and focus, then moves to PLAYING if
// not already there.
func (d *device) SetRepeatingRequest(req capture.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.elements == nil {
		return fmt.Errorf("gstreamer: device not configured")
	}

	left, right, top, bottom := cropProperties(req.Crop, d.info.ActiveArray)
	if err := setCrop(d.elements, left, right, top, bottom); err != nil {
		return fmt.Errorf("gstreamer: %w", err)
	}

	if req.FPSRange != d.fps && req.FPSRange.Max > 0 {
		caps := buildOutputCaps(d.out.Width, d.out.Height, req.FPSRange.Min, req.FPSRange.Max)
		d.elements.CapsFilter.SetProperty("caps", gst.NewCapsFromString(caps))
		d.fps = req.FPSRange
		d.logger.Debug("gstreamer: output caps updated", "caps", caps)
	}

	if req.ContinuousFocus && d.kind == sourceV4L2 && !d.focusSet {
		if err := setContinuousFocus(d.elements.Source); err != nil {
			d.logger.Warn("gstreamer: continuous focus not supported, using device default", "error", err)
		}
		d.focusSet = true
	}

	if d.playing {
		return nil
	}
	if err := d.elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: failed to start pipeline: %w", err)
	}
	d.playing = true

	d.logger.Info("gstreamer: pipeline playing",
		"crop", fmt.Sprintf("l=%d r=%d t=%d b=%d", left, right, top, bottom),
		"fps_range", d.fps.String(),
	)
	return nil
}

// StopRepeating pauses the pipeline.
func (d *device) StopRepeating() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.playing || d.elements == nil {
		return nil
	}
	d.playing = false
	if err := d.elements.Pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("gstreamer: failed to pause pipeline: %w", err)
	}
	return nil
}

// Close stops the bus monitor and destroys the pipeline. No events are
// delivered after Close returns.
func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.monCancel
	el := d.elements
	d.elements = nil
	d.playing = false
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.monWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		d.logger.Warn("gstreamer: bus monitor did not stop in time")
	}

	if err := destroyPipeline(el); err != nil {
		return fmt.Errorf("gstreamer: %w", err)
	}
	d.logger.Info("gstreamer: camera closed")
	return nil
}

package gstreamer

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-lens/capture"
	"github.com/e7canasta/orion-lens/frame"
)

var errReaderClosed = errors.New("gstreamer: image reader closed")

// sampleReader is the capture target behind the appsink. It holds only the
// newest sample; samples replaced before the session took them are dropped.
type sampleReader struct {
	width, height int
	logger        *slog.Logger
	avail         chan struct{}

	mu     sync.Mutex
	latest *gst.Sample
	closed bool

	received atomic.Uint64
	replaced atomic.Uint64
}

func newSampleReader(w, h int, logger *slog.Logger) *sampleReader {
	return &sampleReader{
		width:  w,
		height: h,
		logger: logger,
		avail:  make(chan struct{}, 1),
	}
}

// onNewSample runs on a GStreamer streaming thread.
func (r *sampleReader) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		r.logger.Warn("gstreamer: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return gst.FlowOK
	}
	if r.latest != nil {
		r.replaced.Add(1)
	}
	r.latest = sample
	r.mu.Unlock()
	r.received.Add(1)

	select {
	case r.avail <- struct{}{}:
	default:
	}
	return gst.FlowOK
}

// Available implements capture.ImageReader.
func (r *sampleReader) Available() <-chan struct{} { return r.avail }

// AcquireLatest implements capture.ImageReader. The returned image keeps the
// buffer mapped until Close.
func (r *sampleReader) AcquireLatest() (capture.Image, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errReaderClosed
	}
	sample := r.latest
	r.latest = nil
	r.mu.Unlock()

	if sample == nil {
		return nil, capture.ErrNoImage
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errors.New("gstreamer: sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	planes, err := splitI420(data, r.width, r.height)
	if err != nil {
		buffer.Unmap()
		return nil, err
	}

	return &gstImage{
		sample: sample,
		buffer: buffer,
		planes: planes,
		width:  r.width,
		height: r.height,
		ts:     time.Now(),
	}, nil
}

// Close implements capture.ImageReader.
func (r *sampleReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.latest = nil
	r.mu.Unlock()

	r.logger.Debug("gstreamer: image reader closed",
		"received", r.received.Load(),
		"replaced", r.replaced.Load(),
	)
	return nil
}

type gstImage struct {
	sample *gst.Sample // keeps the buffer referenced while mapped
	buffer *gst.Buffer
	planes []frame.Plane
	width  int
	height int
	ts     time.Time
	once   sync.Once
}

func (i *gstImage) Width() int           { return i.width }
func (i *gstImage) Height() int          { return i.height }
func (i *gstImage) Timestamp() time.Time { return i.ts }

func (i *gstImage) Planes() ([]frame.Plane, error) {
	return i.planes, nil
}

func (i *gstImage) Close() {
	i.once.Do(func() {
		i.buffer.Unmap()
		i.planes = nil
		i.sample = nil
	})
}

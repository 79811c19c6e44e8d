package capture

import (
	"context"
	"time"

	"github.com/e7canasta/orion-lens/frame"
)

// EventKind classifies an asynchronous device event.
type EventKind int

const (
	// EventDisconnected: the device was unplugged or taken by another client.
	EventDisconnected EventKind = iota
	// EventError: the device reported an unrecoverable error.
	EventError
)

// String returns "disconnected" or "error".
func (k EventKind) String() string {
	if k == EventDisconnected {
		return "disconnected"
	}
	return "error"
}

// DeviceEvent is delivered by a driver on any goroutine.
type DeviceEvent struct {
	Kind EventKind
	Err  error
}

// Driver enumerates and opens cameras.
//
// Implementations:
//   - gstreamer.Driver: v4l2src / videotestsrc pipelines
//   - synthetic.Driver: pure-Go moving test pattern
type Driver interface {
	// Cameras lists the cameras that can be opened.
	Cameras(ctx context.Context) ([]CameraInfo, error)

	// Open opens one camera. onEvent receives disconnects and fatal errors
	// for the lifetime of the device; it may be called from any goroutine and
	// must not be called after Close returns.
	Open(ctx context.Context, id string, onEvent func(DeviceEvent)) (Device, error)
}

// Device is an open camera.
type Device interface {
	// Info returns the characteristics of this device.
	Info() CameraInfo

	// Configure creates the output target frames are delivered to.
	Configure(ctx context.Context, out OutputConfig) (ImageReader, error)

	// SetRepeatingRequest starts streaming or replaces the active request.
	// Calling it again with a new crop must not interrupt streaming.
	SetRepeatingRequest(req Request) error

	// StopRepeating stops frame production (closes the capture session).
	StopRepeating() error

	// Close releases the device. No events are delivered afterwards.
	Close() error
}

// ImageReader is the output target. It keeps only the newest images.
type ImageReader interface {
	// Available receives a value whenever new images may be pending.
	// Signals coalesce; one receive may cover several images.
	Available() <-chan struct{}

	// AcquireLatest returns the newest image and discards older ones.
	// Returns ErrNoImage if nothing is pending.
	AcquireLatest() (Image, error)

	// Close releases the target and any pending images.
	Close() error
}

// Image is a native image handle. Plane data is only valid until Close.
type Image interface {
	Width() int
	Height() int
	Timestamp() time.Time

	// Planes returns Y, U and V views borrowed from the native buffer.
	Planes() ([]frame.Plane, error)

	// Close returns the buffer to the driver.
	Close()
}

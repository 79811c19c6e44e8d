package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound means no camera matches the requested facing.
	ErrDeviceNotFound = errors.New("capture: no camera with requested facing")

	// ErrConfigurationFailed means the output target or repeating request was refused.
	ErrConfigurationFailed = errors.New("capture: device configuration failed")

	// ErrDeviceDisconnected means the device went away while active.
	ErrDeviceDisconnected = errors.New("capture: device disconnected")

	// ErrDeviceError means the device failed to open or reported a fatal error.
	ErrDeviceError = errors.New("capture: device error")

	// ErrTransientFrame marks a single dropped frame.
	ErrTransientFrame = errors.New("capture: transient frame error")

	// ErrNoImage is returned by ImageReader.AcquireLatest when nothing is pending.
	ErrNoImage = errors.New("capture: no image available")

	// ErrInvalidTransition is returned when a lifecycle call does not fit the current state.
	ErrInvalidTransition = errors.New("capture: invalid state transition")
)

// FrameError is a per-frame failure. It always matches ErrTransientFrame.
type FrameError struct {
	Stage string // acquire, planes, transform
	Seq   uint64
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("capture: frame %d dropped at %s: %v", e.Seq, e.Stage, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransientFrame) true for every FrameError.
func (e *FrameError) Is(target error) bool {
	return target == ErrTransientFrame
}

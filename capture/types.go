package capture

import (
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/e7canasta/orion-lens/transform"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateClosed is initial and terminal; Start leaves it.
	StateClosed State = iota
	// StateOpening means a device open is in flight.
	StateOpening
	// StateConfigured means the device is open and the output target exists.
	StateConfigured
	// StateStreaming means the repeating request is active and frames flow.
	StateStreaming
	// StateError is transient: teardown follows immediately and ends in Closed.
	StateError
)

// String returns a lower-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Active reports whether the state holds device resources.
func (s State) Active() bool {
	return s == StateOpening || s == StateConfigured || s == StateStreaming
}

// Facing is the direction a camera points.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
	FacingExternal
)

// String returns "back", "front" or "external".
func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "back"
	case FacingFront:
		return "front"
	case FacingExternal:
		return "external"
	default:
		return "back"
	}
}

// ParseFacing parses a facing name. Empty means back.
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "back", "rear":
		return FacingBack, nil
	case "front", "user":
		return FacingFront, nil
	case "external", "usb":
		return FacingExternal, nil
	default:
		return 0, fmt.Errorf("capture: unknown facing %q", s)
	}
}

// Resolution is an output size supported by the preview.
type Resolution int

const (
	// Res480p represents 640x480 (default preview size)
	Res480p Resolution = iota
	// Res720p represents 1280x720
	Res720p
	// Res1080p represents 1920x1080
	Res1080p
)

// Dimensions returns the width and height for the resolution.
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Res720p:
		return 1280, 720
	case Res1080p:
		return 1920, 1080
	default:
		return 640, 480
	}
}

// String returns "480p", "720p" or "1080p".
func (r Resolution) String() string {
	switch r {
	case Res720p:
		return "720p"
	case Res1080p:
		return "1080p"
	default:
		return "480p"
	}
}

// ParseResolution parses "480p", "720p" or "1080p".
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "480p", "640x480":
		return Res480p, nil
	case "720p", "1280x720":
		return Res720p, nil
	case "1080p", "1920x1080":
		return Res1080p, nil
	default:
		return 0, fmt.Errorf("capture: unsupported resolution %q", s)
	}
}

// FPSRange bounds the frame rate the device may choose.
type FPSRange struct {
	Min int
	Max int
}

// String returns "[min,max]".
func (r FPSRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// CameraInfo describes a camera the driver can open.
type CameraInfo struct {
	ID     string
	Facing Facing

	// ActiveArray is the sensor region crop rectangles are expressed in.
	ActiveArray image.Rectangle

	// Source is driver specific (device path, pattern name).
	Source string
}

// OutputConfig is the image target requested from a device.
type OutputConfig struct {
	Width  int
	Height int
}

// Request is the repeating capture request.
type Request struct {
	// Crop is in active-array coordinates. Empty means the full array.
	Crop            image.Rectangle
	ContinuousFocus bool
	FPSRange        FPSRange
}

// Config configures a Session.
type Config struct {
	// Facing selects the camera. Default: back.
	Facing Facing

	// Resolution of the output target. Default: 480p.
	Resolution Resolution

	// FPSRange for the repeating request. Default: [15,30].
	FPSRange FPSRange

	// ContinuousFocus asks the device for continuous autofocus.
	ContinuousFocus bool

	// Mode is the initial transform mode.
	Mode transform.Mode
}

// DefaultConfig returns the preview defaults.
func DefaultConfig() Config {
	return Config{
		Facing:          FacingBack,
		Resolution:      Res480p,
		FPSRange:        FPSRange{Min: 15, Max: 30},
		ContinuousFocus: true,
		Mode:            transform.ModeEdges,
	}
}

// Stats is an operational snapshot of a Session.
type Stats struct {
	State    State
	CameraID string

	// FramesDelivered counts images acquired from the device.
	FramesDelivered uint64
	// FramesPublished counts frames handed to the broker.
	FramesPublished uint64
	// TransientErrors counts dropped frames (acquire, plane, transform failures).
	TransientErrors uint64
	// FatalErrors counts device disconnects and errors.
	FatalErrors uint64

	// FPS is the rolling frame rate of published frames.
	FPS       float64
	FPSWindow FPSStats

	Mode        transform.Mode
	Crop        image.Rectangle
	LastFrameAt time.Time
	Uptime      time.Duration
}

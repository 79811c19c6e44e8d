// Package transform converts camera frames into displayable RGBA.
//
// A Gateway receives a YUV 4:2:0 frame.Raw and a Mode and returns a
// frame.Processed. Failure is reported as ok == false, never as a panic, so
// the capture loop can drop the frame and carry on.
//
// Two gateways exist: Software (pure Go, in this package) and the OpenCV
// gateway in transform/opencv.
package transform

import (
	"fmt"
	"strings"

	"github.com/e7canasta/orion-lens/frame"
)

// Mode selects the pixel operation.
type Mode int32

const (
	// ModePassthrough converts YUV to RGBA unchanged.
	ModePassthrough Mode = iota
	// ModeEdges renders edges white on black.
	ModeEdges
)

// String returns the config/command name of the mode.
func (m Mode) String() string {
	switch m {
	case ModePassthrough:
		return "passthrough"
	case ModeEdges:
		return "edges"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// ParseMode parses "passthrough" or "edges" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passthrough", "pass", "none":
		return ModePassthrough, nil
	case "edges", "edge", "canny":
		return ModeEdges, nil
	default:
		return 0, fmt.Errorf("transform: unknown mode %q (expected passthrough or edges)", s)
	}
}

// Gateway converts one raw frame.
//
// Implementations must be safe to call from a single goroutine repeatedly and
// must not retain raw after returning. The returned frame is owned by the
// caller and carries raw's Seq, Timestamp and TraceID.
type Gateway interface {
	Transform(raw *frame.Raw, mode Mode) (*frame.Processed, bool)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(raw *frame.Raw, mode Mode) (*frame.Processed, bool)

// Transform calls f.
func (f GatewayFunc) Transform(raw *frame.Raw, mode Mode) (*frame.Processed, bool) {
	return f(raw, mode)
}

// stamp copies identity fields from raw to out.
func stamp(out *frame.Processed, raw *frame.Raw) *frame.Processed {
	out.Seq = raw.Seq
	out.Timestamp = raw.Timestamp
	out.TraceID = raw.TraceID
	return out
}

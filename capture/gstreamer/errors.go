package gstreamer

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for the session.
type ErrorCategory int

const (
	// ErrCategoryDisconnect: device removed, I/O failure, no such device.
	ErrCategoryDisconnect ErrorCategory = iota
	// ErrCategoryBusy: device held by another process or permission denied.
	ErrCategoryBusy
	// ErrCategoryFormat: caps negotiation or unsupported format.
	ErrCategoryFormat
	// ErrCategoryUnknown: anything else.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDisconnect:
		return "disconnect"
	case ErrCategoryBusy:
		return "busy"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

// ClassifyGStreamerError categorizes a bus error by keyword heuristics on
// its message and debug string.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classifyMessage(gerr.Error(), gerr.DebugString())
}

func classifyMessage(errMsg, debugStr string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debugStr)

	switch {
	case containsAny(combined, "busy", "permission denied", "in use", "not authorized"):
		return ErrCategoryBusy
	case containsAny(combined, "not-negotiated", "not negotiated", "caps", "format", "negotiation"):
		return ErrCategoryFormat
	case containsAny(combined, "no such device", "disconnected", "could not read from resource",
		"could not open device", "i/o error", "enodev", "device removed", "end of stream"):
		return ErrCategoryDisconnect
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

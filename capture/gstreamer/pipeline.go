package gstreamer

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-lens/capture"
)

// sourceKind selects the GStreamer source element.
type sourceKind int

const (
	sourceV4L2 sourceKind = iota
	sourceTest
)

// pipelineConfig contains configuration for creating a camera pipeline.
type pipelineConfig struct {
	Kind   sourceKind
	Device string // v4l2 device node, e.g. /dev/video0

	// Sensor size forced on the source; equals the active array size.
	SensorWidth  int
	SensorHeight int

	// Output size and fps delivered to the appsink.
	Width    int
	Height   int
	FPSRange capture.FPSRange
}

// pipelineElements contains the elements that change at runtime.
type pipelineElements struct {
	Pipeline   *gst.Pipeline
	Source     *gst.Element
	VideoCrop  *gst.Element
	CapsFilter *gst.Element
	AppSink    *app.Sink
}

// createPipeline builds:
//
//	src → capsfilter(sensor) → videoconvert → videocrop → videoscale
//	    → videorate → capsfilter(I420, out, fps) → appsink
//
// videocrop margins carry the digital zoom; the output capsfilter carries
// the fps range. Both can be changed while PLAYING.
func createPipeline(cfg pipelineConfig, logger *slog.Logger) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	var src *gst.Element
	switch cfg.Kind {
	case sourceV4L2:
		src, err = gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", cfg.Device)
	case sourceTest:
		src, err = gst.NewElement("videotestsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
	default:
		return nil, fmt.Errorf("invalid source kind: %d", cfg.Kind)
	}

	sensorCaps, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create sensor capsfilter: %w", err)
	}
	sensorCaps.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,width=%d,height=%d", cfg.SensorWidth, cfg.SensorHeight),
	))

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // 0 = auto-detect cores

	videocrop, err := gst.NewElement("videocrop")
	if err != nil {
		return nil, fmt.Errorf("failed to create videocrop: %w", err)
	}

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true) // Only drop frames, never duplicate

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := buildOutputCaps(cfg.Width, cfg.Height, cfg.FPSRange.Min, cfg.FPSRange.Max)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // No sync with clock (real-time)
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)     // Drop old frames

	pipeline.AddMany(
		src,
		sensorCaps,
		converter,
		videocrop,
		scaler,
		videorate,
		capsfilter,
		appsink.Element,
	)

	if err := gst.ElementLinkMany(
		src,
		sensorCaps,
		converter,
		videocrop,
		scaler,
		videorate,
		capsfilter,
		appsink.Element,
	); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	logger.Debug("gstreamer: pipeline created",
		"sensor", fmt.Sprintf("%dx%d", cfg.SensorWidth, cfg.SensorHeight),
		"caps", capsStr,
	)

	return &pipelineElements{
		Pipeline:   pipeline,
		Source:     src,
		VideoCrop:  videocrop,
		CapsFilter: capsfilter,
		AppSink:    appsink,
	}, nil
}

// setCrop updates the videocrop margins in place.
func setCrop(el *pipelineElements, left, right, top, bottom int) error {
	for _, p := range []struct {
		name  string
		value int
	}{
		{"left", left}, {"right", right}, {"top", top}, {"bottom", bottom},
	} {
		if err := el.VideoCrop.SetProperty(p.name, p.value); err != nil {
			return fmt.Errorf("failed to set videocrop %s=%d: %w", p.name, p.value, err)
		}
	}
	return nil
}

// setContinuousFocus asks a v4l2 source for continuous autofocus through
// its extra-controls structure.
func setContinuousFocus(src *gst.Element) error {
	controls := gst.NewStructureFromString("c,focus_automatic_continuous=1")
	if controls == nil {
		return fmt.Errorf("failed to build extra-controls structure")
	}
	return src.SetProperty("extra-controls", controls)
}

// destroyPipeline sets the pipeline to NULL, releasing the device.
// Safe to call with nil elements.
func destroyPipeline(el *pipelineElements) error {
	if el == nil || el.Pipeline == nil {
		return nil
	}
	if err := el.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// checkGStreamerAvailable checks if GStreamer is available.
//
// This is a fail-fast validation that runs at construction time.
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer core plugins not available: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-lens/capture"
)

// monitorBus polls the pipeline bus until ctx is cancelled or a terminal
// message arrives. EOS and errors are reported once through onEvent.
func (d *device) monitorBus(ctx context.Context, pipeline *gst.Pipeline) {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("gstreamer: context cancelled, stopping bus monitor")
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			d.logger.Warn("gstreamer: end of stream from camera")
			d.emit(ctx, capture.DeviceEvent{
				Kind: capture.EventDisconnected,
				Err:  errors.New("gstreamer: end of stream"),
			})
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)

			kind := capture.EventError
			if category == ErrCategoryDisconnect {
				kind = capture.EventDisconnected
			}

			d.logger.Error("gstreamer: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			d.emit(ctx, capture.DeviceEvent{
				Kind: kind,
				Err:  fmt.Errorf("gstreamer: pipeline error [%s]: %s", category.String(), gerr.Error()),
			})
			return

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				oldState, newState := msg.ParseStateChanged()
				d.logger.Debug("gstreamer: pipeline state changed", "from", oldState, "to", newState)
			}
		}
	}
}

// emit delivers ev unless the device is closing.
func (d *device) emit(ctx context.Context, ev capture.DeviceEvent) {
	if ctx.Err() != nil || d.onEvent == nil {
		return
	}
	d.onEvent(ev)
}

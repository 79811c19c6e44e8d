package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-lens/frame"
)

var errTransformFailed = errors.New("transform returned no frame")

// captureLoop runs on the capture goroutine until ctx is cancelled or the
// reader closes its notification channel.
func (s *Session) captureLoop(ctx context.Context, reader ImageReader) {
	defer s.wg.Done()

	avail := reader.Available()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-avail:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.processLatest(reader)
		}
	}
}

// processLatest handles one delivered image.
//
// Per frame:
//  1. Acquire the newest image (older pending ones are skipped)
//  2. Copy the three planes out of the native buffer
//  3. Run the transform
//  4. Publish to the broker
//  5. Request a redraw
//  6. Tick the FPS meter
//  7. Release the native image (deferred)
//
// Any failure drops this frame only. Nothing is propagated.
func (s *Session) processLatest(reader ImageReader) {
	if !s.accepting.Load() {
		return
	}

	img, err := reader.AcquireLatest()
	if err != nil {
		if !errors.Is(err, ErrNoImage) {
			s.dropFrame(&FrameError{Stage: "acquire", Err: err})
		}
		return
	}
	defer img.Close()

	seq := s.seq.Add(1)
	s.delivered.Add(1)

	defer func() {
		if r := recover(); r != nil {
			s.dropFrame(&FrameError{Stage: "transform", Seq: seq, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	raw, err := extractRaw(img, seq)
	if err != nil {
		s.dropFrame(&FrameError{Stage: "planes", Seq: seq, Err: err})
		return
	}

	processed, ok := s.gateway.Transform(raw, s.Mode())
	if !ok || processed == nil {
		s.dropFrame(&FrameError{Stage: "transform", Seq: seq, Err: errTransformFailed})
		return
	}

	if !s.accepting.Load() {
		return
	}

	s.out.Publish(processed)
	s.published.Add(1)
	if s.redraw != nil {
		s.redraw.RequestRedraw()
	}

	now := time.Now()
	s.fps.Tick(now)
	s.lastFrame.Store(now.UnixNano())

	s.logger.Debug("capture: frame published",
		"seq", seq,
		"trace_id", raw.TraceID,
		"width", processed.Width,
		"height", processed.Height,
	)
}

func (s *Session) dropFrame(err *FrameError) {
	s.transient.Add(1)
	s.logger.Debug("capture: frame dropped",
		"stage", err.Stage,
		"seq", err.Seq,
		"error", err.Err,
	)
}

// extractRaw copies the image planes into Go-owned buffers. This is the one
// copy per frame; the native image can be released right after.
func extractRaw(img Image, seq uint64) (*frame.Raw, error) {
	planes, err := img.Planes()
	if err != nil {
		return nil, err
	}
	if len(planes) != 3 {
		return nil, fmt.Errorf("expected 3 planes, got %d", len(planes))
	}

	raw := &frame.Raw{
		Y:         copyPlane(planes[0]),
		U:         copyPlane(planes[1]),
		V:         copyPlane(planes[2]),
		Width:     img.Width(),
		Height:    img.Height(),
		Seq:       seq,
		Timestamp: img.Timestamp(),
		TraceID:   uuid.NewString(),
	}
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	return raw, nil
}

func copyPlane(p frame.Plane) frame.Plane {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return frame.Plane{Data: data, Stride: p.Stride}
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-lens/frame"
	"github.com/e7canasta/orion-lens/transform"
)

// Publisher receives processed frames. framebroker.Broker implements it.
type Publisher interface {
	Publish(f *frame.Processed)
}

// Redrawer is told that a new frame is ready. render.Surface implements it.
type Redrawer interface {
	RequestRedraw()
}

// RegionProvider supplies the crop for a newly configured device, so a zoom
// chosen while no device was open applies to the next configuration.
type RegionProvider interface {
	RegionFor(active image.Rectangle) image.Rectangle
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRedrawer sets the redraw target notified after each publish.
func WithRedrawer(r Redrawer) Option {
	return func(s *Session) { s.redraw = r }
}

// WithRegionProvider sets the crop source consulted when a device is configured.
func WithRegionProvider(p RegionProvider) Option {
	return func(s *Session) { s.regions = p }
}

// WithFatalHandler is called once per device loss, after the session is Closed.
func WithFatalHandler(fn func(error)) Option {
	return func(s *Session) { s.onFatal = fn }
}

// joinWarnAfter is how long teardown waits for the capture goroutine before
// logging a warning. Teardown keeps waiting after the warning.
const joinWarnAfter = 3 * time.Second

// legalTransitions lists every allowed state change. Anything else is ignored.
var legalTransitions = map[State][]State{
	StateClosed:     {StateOpening},
	StateOpening:    {StateConfigured, StateError, StateClosed},
	StateConfigured: {StateStreaming, StateError, StateClosed},
	StateStreaming:  {StateError, StateClosed},
	StateError:      {StateClosed},
}

// view is the lock-free readable part of the session.
type view struct {
	camera    CameraInfo
	crop      image.Rectangle
	startedAt time.Time
}

// Session owns one camera for preview: it opens the device, configures the
// output target, runs the capture goroutine, and tears everything down in a
// fixed order.
//
// Lifecycle:
//
//	Closed → Opening → Configured → Streaming → Closed
//	            ↓           ↓           ↓
//	          Error ──────────────────────→ Closed
//
// All changes go through transition. Device callbacks carry the generation
// they were registered with; callbacks from an older generation are ignored.
type Session struct {
	cfg     Config
	driver  Driver
	gateway transform.Gateway
	out     Publisher
	redraw  Redrawer
	regions RegionProvider
	onFatal func(error)
	logger  *slog.Logger

	// mu serializes Start, Stop, crop changes and fatal handling.
	mu     sync.Mutex
	gen    uint64
	device Device
	reader ImageReader
	info   CameraInfo
	crop   image.Rectangle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state     atomic.Int32
	accepting atomic.Bool
	mode      atomic.Int32
	view      atomic.Pointer[view]

	seq       atomic.Uint64
	delivered atomic.Uint64
	published atomic.Uint64
	transient atomic.Uint64
	fatal     atomic.Uint64
	lastFrame atomic.Int64
	fps       FPSMeter
}

// NewSession creates a closed Session.
//
// Validation is fail-fast:
//   - driver, gateway and out must be non-nil
//   - 1 <= FPSRange.Min <= FPSRange.Max <= 120
//   - Resolution must be one of the defined constants
func NewSession(driver Driver, gateway transform.Gateway, out Publisher, cfg Config, opts ...Option) (*Session, error) {
	if driver == nil {
		return nil, fmt.Errorf("capture: driver is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("capture: transform gateway is required")
	}
	if out == nil {
		return nil, fmt.Errorf("capture: frame publisher is required")
	}
	if cfg.FPSRange.Min < 1 || cfg.FPSRange.Max < cfg.FPSRange.Min || cfg.FPSRange.Max > 120 {
		return nil, fmt.Errorf("capture: invalid fps range %s (want 1 <= min <= max <= 120)", cfg.FPSRange)
	}
	if cfg.Resolution < Res480p || cfg.Resolution > Res1080p {
		return nil, fmt.Errorf("capture: invalid resolution %d", cfg.Resolution)
	}

	s := &Session{
		cfg:     cfg,
		driver:  driver,
		gateway: gateway,
		out:     out,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mode.Store(int32(cfg.Mode))

	w, h := cfg.Resolution.Dimensions()
	s.logger.Info("capture: session created",
		"facing", cfg.Facing.String(),
		"resolution", fmt.Sprintf("%dx%d", w, h),
		"fps_range", cfg.FPSRange.String(),
		"mode", cfg.Mode.String(),
	)
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Mode returns the transform mode applied to the next frame.
func (s *Session) Mode() transform.Mode {
	return transform.Mode(s.mode.Load())
}

// SetMode switches the transform mode. Takes effect on the next frame.
func (s *Session) SetMode(m transform.Mode) {
	if old := transform.Mode(s.mode.Swap(int32(m))); old != m {
		s.logger.Info("capture: transform mode changed", "from", old.String(), "to", m.String())
	}
}

// Start opens the camera and begins streaming.
//
// This method:
//  1. Picks the first camera with the configured facing (ErrDeviceNotFound if none)
//  2. Opens it (Opening); failure → Error → Closed, ErrDeviceError
//  3. Configures the output target (Configured); failure → ErrConfigurationFailed
//  4. Issues the repeating request with crop, focus and fps range (Streaming)
//  5. Launches the capture goroutine
//
// ctx bounds the blocking device calls only; streaming runs until Stop or a
// device loss. Start on a session that is not Closed returns ErrInvalidTransition.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateClosed {
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, st)
	}

	cams, err := s.driver.Cameras(ctx)
	if err != nil {
		return fmt.Errorf("capture: list cameras: %w: %w", ErrDeviceError, err)
	}
	info, ok := selectCamera(cams, s.cfg.Facing)
	if !ok {
		s.logger.Warn("capture: no camera for facing",
			"facing", s.cfg.Facing.String(),
			"available", len(cams),
		)
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, s.cfg.Facing)
	}

	s.gen++
	gen := s.gen
	s.transition(StateOpening)

	dev, err := s.driver.Open(ctx, info.ID, func(ev DeviceEvent) {
		s.onDeviceEvent(gen, ev)
	})
	if err != nil {
		s.transition(StateError)
		s.transition(StateClosed)
		return fmt.Errorf("capture: open camera %s: %w: %w", info.ID, ErrDeviceError, err)
	}
	s.device = dev
	s.info = dev.Info()

	w, h := s.cfg.Resolution.Dimensions()
	reader, err := dev.Configure(ctx, OutputConfig{Width: w, Height: h})
	if err != nil {
		s.failLocked("configure")
		return fmt.Errorf("capture: configure %dx%d: %w: %w", w, h, ErrConfigurationFailed, err)
	}
	s.reader = reader
	s.transition(StateConfigured)

	s.crop = s.info.ActiveArray
	if s.regions != nil {
		s.crop = clampCrop(s.regions.RegionFor(s.info.ActiveArray), s.info.ActiveArray)
	}

	if err := dev.SetRepeatingRequest(s.request()); err != nil {
		s.failLocked("repeating request")
		return fmt.Errorf("capture: start repeating request: %w: %w", ErrConfigurationFailed, err)
	}
	s.transition(StateStreaming)

	s.fps.Reset()
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.accepting.Store(true)
	s.wg.Add(1)
	go s.captureLoop(loopCtx, reader)

	s.view.Store(&view{camera: s.info, crop: s.crop, startedAt: time.Now()})

	s.logger.Info("capture: streaming started",
		"camera_id", s.info.ID,
		"facing", s.info.Facing.String(),
		"source", s.info.Source,
		"active_array", s.info.ActiveArray.String(),
		"crop", s.crop.String(),
		"output", fmt.Sprintf("%dx%d", w, h),
	)
	return nil
}

// Stop tears the session down and returns once the capture goroutine has
// exited. Safe to call in any state; Stop on a Closed session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return nil
	}

	err := s.teardownLocked()
	s.transition(StateClosed)

	stats := s.Stats()
	s.logger.Info("capture: session stopped",
		"frames_delivered", stats.FramesDelivered,
		"frames_published", stats.FramesPublished,
		"transient_errors", stats.TransientErrors,
	)
	return err
}

// SetCropRegion re-issues the repeating request with a new crop (active-array
// coordinates). The crop is clamped to the active array. When the session is
// not streaming the call is a no-op; the region provider supplies the crop at
// the next configuration.
func (s *Session) SetCropRegion(r image.Rectangle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStreaming || s.device == nil {
		s.logger.Debug("capture: crop deferred, not streaming", "state", s.State().String())
		return nil
	}
	return s.setCropLocked(clampCrop(r, s.info.ActiveArray))
}

// ReapplyRegion asks the region provider for the crop of the streaming
// device and re-issues the repeating request when it differs. ok is false
// when no device is streaming. It waits for an in-progress Start, so a region
// change made while a device is being configured reaches that device.
func (s *Session) ReapplyRegion() (crop image.Rectangle, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.regions == nil || s.State() != StateStreaming || s.device == nil {
		return image.Rectangle{}, false, nil
	}
	crop = clampCrop(s.regions.RegionFor(s.info.ActiveArray), s.info.ActiveArray)
	return crop, true, s.setCropLocked(crop)
}

// setCropLocked issues crop if it changed. Caller holds mu and has checked
// that a device is streaming.
func (s *Session) setCropLocked(crop image.Rectangle) error {
	if crop == s.crop {
		return nil
	}

	prev := s.crop
	s.crop = crop
	if err := s.device.SetRepeatingRequest(s.request()); err != nil {
		s.crop = prev
		return fmt.Errorf("capture: apply crop %v: %w: %w", crop, ErrConfigurationFailed, err)
	}

	if v := s.view.Load(); v != nil {
		s.view.Store(&view{camera: v.camera, crop: crop, startedAt: v.startedAt})
	}
	s.logger.Debug("capture: crop applied", "camera_id", s.info.ID, "crop", crop.String())
	return nil
}

// ActiveArray returns the active array of the device currently streaming.
// ok is false when no device is streaming.
func (s *Session) ActiveArray() (image.Rectangle, bool) {
	if s.State() != StateStreaming {
		return image.Rectangle{}, false
	}
	v := s.view.Load()
	if v == nil {
		return image.Rectangle{}, false
	}
	return v.camera.ActiveArray, true
}

// Stats returns an operational snapshot. Lock-free.
func (s *Session) Stats() Stats {
	st := Stats{
		State:           s.State(),
		FramesDelivered: s.delivered.Load(),
		FramesPublished: s.published.Load(),
		TransientErrors: s.transient.Load(),
		FatalErrors:     s.fatal.Load(),
		FPS:             s.fps.FPS(),
		FPSWindow:       s.fps.Stats(),
		Mode:            s.Mode(),
	}
	if ns := s.lastFrame.Load(); ns != 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	if v := s.view.Load(); v != nil {
		st.CameraID = v.camera.ID
		st.Crop = v.crop
		if st.State == StateStreaming {
			st.Uptime = time.Since(v.startedAt)
		}
	}
	return st
}

// transition moves to the given state if the table allows it. Caller holds mu.
func (s *Session) transition(to State) bool {
	from := s.State()
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			s.state.Store(int32(to))
			s.logger.Debug("capture: state changed", "from", from.String(), "to", to.String())
			return true
		}
	}
	s.logger.Warn("capture: illegal transition ignored", "from", from.String(), "to", to.String())
	return false
}

// failLocked handles a failure during Start: Error, teardown, Closed.
func (s *Session) failLocked(stage string) {
	s.transition(StateError)
	if err := s.teardownLocked(); err != nil {
		s.logger.Warn("capture: teardown after failure", "stage", stage, "error", err)
	}
	s.transition(StateClosed)
}

// teardownLocked releases everything in order:
//  1. Stop accepting callbacks (generation bump, loop context cancelled)
//  2. Close the capture session (stop repeating request)
//  3. Close the device
//  4. Release the output target
//  5. Join the capture goroutine
func (s *Session) teardownLocked() error {
	s.gen++
	s.accepting.Store(false)
	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if s.device != nil {
		if err := s.device.StopRepeating(); err != nil {
			errs = append(errs, fmt.Errorf("stop repeating: %w", err))
		}
		if err := s.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close image reader: %w", err))
		}
	}

	s.joinLoop()

	s.device = nil
	s.reader = nil
	s.cancel = nil
	if v := s.view.Load(); v != nil {
		s.view.Store(&view{camera: v.camera, crop: v.crop})
	}

	if len(errs) > 0 {
		return fmt.Errorf("capture: teardown: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Session) joinLoop() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(joinWarnAfter):
		s.logger.Warn("capture: capture goroutine slow to exit, still waiting", "waited", joinWarnAfter)
	}
	<-done
}

// onDeviceEvent may run on any goroutine, including the capture goroutine,
// so the teardown it triggers runs separately.
func (s *Session) onDeviceEvent(gen uint64, ev DeviceEvent) {
	go s.handleFatal(gen, ev)
}

func (s *Session) handleFatal(gen uint64, ev DeviceEvent) {
	s.mu.Lock()

	if gen != s.gen || !s.State().Active() {
		s.mu.Unlock()
		s.logger.Debug("capture: stale device event ignored", "kind", ev.Kind.String(), "error", ev.Err)
		return
	}

	cause := ErrDeviceError
	if ev.Kind == EventDisconnected {
		cause = ErrDeviceDisconnected
	}
	err := fmt.Errorf("capture: camera %s: %w", s.info.ID, cause)
	if ev.Err != nil {
		err = fmt.Errorf("capture: camera %s: %w: %w", s.info.ID, cause, ev.Err)
	}

	s.fatal.Add(1)
	s.transition(StateError)
	s.logger.Error("capture: device lost", "camera_id", s.info.ID, "kind", ev.Kind.String(), "error", ev.Err)

	if terr := s.teardownLocked(); terr != nil {
		s.logger.Warn("capture: teardown after device loss", "error", terr)
	}
	s.transition(StateClosed)
	notify := s.onFatal
	s.mu.Unlock()

	if notify != nil {
		notify(err)
	}
}

// request builds the repeating request from the current crop. Caller holds mu.
func (s *Session) request() Request {
	return Request{
		Crop:            s.crop,
		ContinuousFocus: s.cfg.ContinuousFocus,
		FPSRange:        s.cfg.FPSRange,
	}
}

func selectCamera(cams []CameraInfo, facing Facing) (CameraInfo, bool) {
	for _, c := range cams {
		if c.Facing == facing {
			return c, true
		}
	}
	return CameraInfo{}, false
}

// clampCrop limits r to active. An empty result means the full array.
func clampCrop(r, active image.Rectangle) image.Rectangle {
	if r.Empty() {
		return active
	}
	r = r.Intersect(active)
	if r.Empty() {
		return active
	}
	return r
}

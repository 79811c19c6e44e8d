// Package zoom maps a digital zoom level to a centred crop of the sensor
// active array and pushes it to the capture session.
//
// The level is kept even while no camera is streaming. The session asks for
// the crop through RegionFor when it configures the next device, so a zoom
// chosen while stopped is applied on start.
package zoom

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
)

// Reconfigurer is the part of a capture session the controller drives.
type Reconfigurer interface {
	// ReapplyRegion asks the controller for the crop of the streaming device
	// through RegionFor and re-issues the repeating request. ok is false when
	// no device is streaming.
	ReapplyRegion() (crop image.Rectangle, ok bool, err error)
}

// Config bounds the zoom level.
type Config struct {
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Step    float64 `yaml:"step"`
	Default float64 `yaml:"default"`
}

// DefaultConfig returns 1.0 to 5.0 in steps of 0.5, starting at 1.0.
func DefaultConfig() Config {
	return Config{Min: 1.0, Max: 5.0, Step: 0.5, Default: 1.0}
}

// ErrInvalidConfig is returned by New for inconsistent bounds.
var ErrInvalidConfig = errors.New("zoom: invalid config")

// Validate checks 1 ≤ Min ≤ Default ≤ Max and Step > 0.
func (c Config) Validate() error {
	switch {
	case c.Min < 1:
		return fmt.Errorf("%w: min %.2f < 1", ErrInvalidConfig, c.Min)
	case c.Max < c.Min:
		return fmt.Errorf("%w: max %.2f < min %.2f", ErrInvalidConfig, c.Max, c.Min)
	case c.Step <= 0:
		return fmt.Errorf("%w: step %.2f must be positive", ErrInvalidConfig, c.Step)
	case c.Default < c.Min || c.Default > c.Max:
		return fmt.Errorf("%w: default %.2f outside [%.2f, %.2f]", ErrInvalidConfig, c.Default, c.Min, c.Max)
	}
	return nil
}

// State is a snapshot of the controller.
type State struct {
	Level   float64         `json:"level" msgpack:"level"`
	Min     float64         `json:"min" msgpack:"min"`
	Max     float64         `json:"max" msgpack:"max"`
	Crop    image.Rectangle `json:"-" msgpack:"-"`
	Applied bool            `json:"applied" msgpack:"applied"`
}

// Controller owns the zoom level.
type Controller struct {
	cfg    Config
	target Reconfigurer
	logger *slog.Logger

	applyMu sync.Mutex

	mu      sync.Mutex
	level   float64
	crop    image.Rectangle
	applied bool
}

// New creates a controller. target may be nil until SetTarget is called.
func New(cfg Config, target Reconfigurer, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		target: target,
		logger: logger,
		level:  cfg.Default,
	}, nil
}

// SetTarget attaches the session. Needed because the session takes the
// controller as its RegionProvider and so is built after it.
func (c *Controller) SetTarget(target Reconfigurer) {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
}

// Increase steps the level up, clamped to Max.
func (c *Controller) Increase() (float64, error) {
	return c.update(func(cur float64) float64 { return cur + c.cfg.Step })
}

// Decrease steps the level down, clamped to Min.
func (c *Controller) Decrease() (float64, error) {
	return c.update(func(cur float64) float64 { return cur - c.cfg.Step })
}

// SetLevel sets an absolute level, clamped to [Min, Max].
func (c *Controller) SetLevel(level float64) (float64, error) {
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return c.Level(), fmt.Errorf("zoom: invalid level %v", level)
	}
	return c.update(func(float64) float64 { return level })
}

// Reset returns to the default level.
func (c *Controller) Reset() (float64, error) {
	return c.update(func(float64) float64 { return c.cfg.Default })
}

// Level returns the current zoom level.
func (c *Controller) Level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// State returns a snapshot of level, bounds and the last applied crop.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Level:   c.level,
		Min:     c.cfg.Min,
		Max:     c.cfg.Max,
		Crop:    c.crop,
		Applied: c.applied,
	}
}

// RegionFor returns the crop for the current level on active. The session
// calls it at configure time and from ReapplyRegion while holding its own
// lock, so it must never call back into the session.
func (c *Controller) RegionFor(active image.Rectangle) image.Rectangle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crop = CropRegion(active, c.level)
	c.applied = true
	return c.crop
}

// update clamps and stores the new level, then has the session re-read it.
// applyMu serializes updates; mu is never held across a session call, since
// the session calls back into RegionFor. A failed apply keeps the new level
// for the next configure.
func (c *Controller) update(next func(cur float64) float64) (float64, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	prev := c.level
	level := clamp(next(prev), c.cfg.Min, c.cfg.Max)
	if level == prev {
		c.mu.Unlock()
		return level, nil
	}
	c.level = level
	c.applied = false
	target := c.target
	c.mu.Unlock()

	if target == nil {
		c.logger.Debug("zoom: level stored, no session", "level", level)
		return level, nil
	}
	crop, ok, err := target.ReapplyRegion()
	if err != nil {
		c.mu.Lock()
		c.applied = false
		c.mu.Unlock()
		return level, fmt.Errorf("zoom: apply level %.2f: %w", level, err)
	}
	if !ok {
		c.logger.Debug("zoom: level stored, camera not streaming", "level", level)
		return level, nil
	}

	c.logger.Info("zoom: level changed",
		"from", prev,
		"to", level,
		"crop", crop.String(),
	)
	return level, nil
}

// CropRegion returns the rectangle centred on active whose half-width and
// half-height are those of active divided by level. Levels below 1 are
// treated as 1.
func CropRegion(active image.Rectangle, level float64) image.Rectangle {
	if active.Empty() {
		return image.Rectangle{}
	}
	if level < 1 || math.IsNaN(level) {
		level = 1
	}
	cx := active.Min.X + active.Dx()/2
	cy := active.Min.Y + active.Dy()/2
	hw := int(math.Round(float64(active.Dx()) / 2 / level))
	hh := int(math.Round(float64(active.Dy()) / 2 / level))
	if hw < 1 {
		hw = 1
	}
	if hh < 1 {
		hh = 1
	}
	return image.Rect(cx-hw, cy-hh, cx+hw, cy+hh).Intersect(active)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

package doa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-doa/internal/stream"
	"github.com/teslashibe/go-doa/internal/tdoa"
)

// Mode is the controller's operating mode
type Mode int

const (
	ModeIdle Mode = iota // not enough samples buffered yet
	ModeCalibrating
	ModeEstimating
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeCalibrating:
		return "calibrating"
	case ModeEstimating:
		return "estimating"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// MarshalText encodes the mode by name
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses a requestable mode name
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "calibrating", "calibrate", "calibration":
		return ModeCalibrating, nil
	case "estimating", "estimate", "estimation":
		return ModeEstimating, nil
	}
	return ModeIdle, fmt.Errorf("unknown mode %q", s)
}

// Offsets are per-channel window offsets; the smaller one is always zero
type Offsets [stream.NumChannels]int

// NewOffsets builds normalized offsets that cancel a measured lag:
// channel 1 stays at zero, channel 2 moves by -lag, then both are
// shifted so the minimum is zero.
func NewOffsets(lag int) Offsets {
	o := Offsets{0, -lag}
	m := min(o[0], o[1])
	return Offsets{o[0] - m, o[1] - m}
}

// Buffer is the sample store the controller reads from
type Buffer interface {
	MinCount() int
	Windows(length int, offsets [stream.NumChannels]int) ([stream.NumChannels][]int16, error)
	Trim() bool
}

// Correlator computes the cross-correlation of two windows
type Correlator interface {
	Correlate(w1, w2 []int16) (tdoa.Correlation, error)
}

// ControllerConfig configures the DOA controller
type ControllerConfig struct {
	TickInterval time.Duration
	WindowSize   int
	Geometry     Geometry
	InitialMode  Mode
}

// DefaultControllerConfig returns sensible defaults
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		TickInterval: 100 * time.Millisecond,
		WindowSize:   20000,
		Geometry:     DefaultGeometry(),
		InitialMode:  ModeEstimating,
	}
}

// Output is what a successful tick emits. In calibration mode only
// Offsets is meaningful; in estimation mode Delay and Angle are set.
type Output struct {
	Mode      Mode      `json:"mode"`
	Offsets   Offsets   `json:"offsets"`
	RawDelay  int       `json:"raw_delay"` // lag before clamping
	Delay     int       `json:"delay"`     // clamped lag, samples
	Angle     float64   `json:"angle"`     // degrees, estimation only
	Clamped   bool      `json:"clamped"`
	Flat      bool      `json:"flat"` // correlation had no discernible peak
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int64     `json:"latency_ms"`
}

// Controller runs the calibrate/estimate state machine on a periodic tick
type Controller struct {
	buf    Buffer
	est    Correlator
	cfg    ControllerConfig
	logger *slog.Logger

	stepMu sync.Mutex // one estimation at a time

	mu        sync.RWMutex
	requested Mode
	idle      bool
	offsets   Offsets
	latest    Output
	hasOutput bool

	// Metrics
	tickCount      int64
	skipCount      int64
	errorCount     int64
	calibrations   int64
	estimates      int64
	clampCount     int64
	totalLatencyMs int64
	droppedTicks   atomic.Int64

	// Lifecycle
	cancel context.CancelFunc
	done   chan struct{}

	// Subscribers for real-time updates
	subsMu sync.RWMutex
	subs   map[chan Output]struct{}
}

// NewController creates a DOA controller
func NewController(buf Buffer, est Correlator, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialMode != ModeCalibrating {
		cfg.InitialMode = ModeEstimating
	}

	return &Controller{
		buf:       buf,
		est:       est,
		cfg:       cfg,
		logger:    logger,
		requested: cfg.InitialMode,
		idle:      true,
		done:      make(chan struct{}),
		subs:      make(map[chan Output]struct{}),
	}
}

// Run ticks the controller until ctx is cancelled (blocking, use goroutine).
// Ticks that fire while an estimation is still running are dropped.
func (c *Controller) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	work := make(chan struct{})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for range work {
			c.Step()
		}
	}()
	defer func() {
		close(work)
		<-workerDone
	}()

	c.logger.Info("controller started",
		"tick_interval", c.cfg.TickInterval,
		"window_size", c.cfg.WindowSize,
		"max_delay", c.cfg.Geometry.MaxDelay,
		"mode", c.RequestedMode(),
	)

	for {
		select {
		case <-ctx.Done():
			c.mu.RLock()
			c.logger.Info("controller stopped",
				"ticks", c.tickCount,
				"skipped", c.skipCount,
				"errors", c.errorCount,
				"dropped", c.droppedTicks.Load(),
			)
			c.mu.RUnlock()
			return ctx.Err()
		case <-ticker.C:
			select {
			case work <- struct{}{}:
			default:
				c.droppedTicks.Add(1)
			}
		}
	}
}

// Step runs one tick synchronously. It reports false when the tick was
// skipped (not enough data) or failed; nothing is emitted then.
func (c *Controller) Step() (Output, bool) {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	// retention runs after the estimation step whatever its outcome
	defer c.buf.Trim()

	start := time.Now()

	c.mu.Lock()
	c.tickCount++
	mode := c.requested
	offsets := c.offsets
	c.mu.Unlock()

	if c.buf.MinCount()-c.cfg.WindowSize <= 0 {
		c.skip(true)
		return Output{}, false
	}

	var use [stream.NumChannels]int
	if mode == ModeEstimating {
		use = offsets
	}

	windows, err := c.buf.Windows(c.cfg.WindowSize, use)
	if err != nil {
		if errors.Is(err, stream.ErrInsufficientData) {
			c.logger.Debug("tick skipped", "reason", err)
			c.skip(false)
			return Output{}, false
		}
		c.fail(err)
		return Output{}, false
	}

	corr, err := c.est.Correlate(windows[stream.Channel1], windows[stream.Channel2])
	if err != nil {
		c.fail(err)
		return Output{}, false
	}

	lag := corr.Lag()
	out := Output{
		Mode:      mode,
		RawDelay:  lag,
		Flat:      corr.Flat(),
		Timestamp: time.Now(),
	}
	// a flat correlation carries no delay; its tie-break lag is not a measurement
	if out.Flat {
		lag = 0
	}

	switch mode {
	case ModeCalibrating:
		// keep the previous calibration rather than storing a meaningless one
		out.Offsets = offsets
		if !out.Flat {
			out.Offsets = NewOffsets(lag)
		}
	default:
		out.Offsets = offsets
		out.Delay = c.cfg.Geometry.ClampDelay(lag)
		out.Clamped = out.Delay != lag
		out.Angle = c.cfg.Geometry.Angle(out.Delay)
	}
	out.LatencyMs = time.Since(start).Milliseconds()

	c.mu.Lock()
	// a toggle during the computation wins over this tick's result
	if c.requested != mode {
		c.mu.Unlock()
		c.logger.Debug("tick discarded after mode change", "mode", mode)
		return Output{}, false
	}
	c.idle = false
	if mode == ModeCalibrating {
		c.offsets = out.Offsets
		c.calibrations++
	} else {
		c.estimates++
		if out.Clamped {
			c.clampCount++
		}
	}
	c.totalLatencyMs += out.LatencyMs
	c.latest = out
	c.hasOutput = true
	tick := c.tickCount
	c.mu.Unlock()

	c.notifySubscribers(out)

	if tick%10 == 0 {
		c.logger.Debug("doa tick",
			"mode", mode,
			"raw_delay", lag,
			"delay", out.Delay,
			"angle", out.Angle,
			"offsets", out.Offsets,
			"flat", out.Flat,
			"latency_ms", out.LatencyMs,
		)
	}

	return out, true
}

func (c *Controller) skip(idle bool) {
	c.mu.Lock()
	c.skipCount++
	if idle {
		c.idle = true
	}
	c.mu.Unlock()
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
	c.logger.Error("estimation failed", "error", err)
}

// SetMode switches between calibrating and estimating
func (c *Controller) SetMode(m Mode) error {
	if m != ModeCalibrating && m != ModeEstimating {
		return fmt.Errorf("cannot request mode %s", m)
	}

	c.mu.Lock()
	prev := c.requested
	c.requested = m
	c.mu.Unlock()

	if prev != m {
		c.logger.Info("mode changed", "from", prev, "to", m)
	}
	return nil
}

// Toggle flips between calibrating and estimating and returns the new mode
func (c *Controller) Toggle() Mode {
	c.mu.Lock()
	prev := c.requested
	next := ModeCalibrating
	if prev == ModeCalibrating {
		next = ModeEstimating
	}
	c.requested = next
	c.mu.Unlock()

	c.logger.Info("mode changed", "from", prev, "to", next)
	return next
}

// Request handles an external mode request: a toggle, or a switch to the
// named mode. It returns the requested mode afterwards.
func (c *Controller) Request(name string, toggle bool) (Mode, error) {
	if toggle {
		return c.Toggle(), nil
	}
	m, err := ParseMode(name)
	if err != nil {
		return c.RequestedMode(), err
	}
	if err := c.SetMode(m); err != nil {
		return c.RequestedMode(), err
	}
	return m, nil
}

// Mode returns the effective mode; Idle until enough samples are buffered
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.idle {
		return ModeIdle
	}
	return c.requested
}

// RequestedMode returns the mode selected by the last SetMode/Toggle
func (c *Controller) RequestedMode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requested
}

// Offsets returns the current compensation offsets
func (c *Controller) Offsets() Offsets {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offsets
}

// SetOffsets installs compensation offsets measured elsewhere
func (c *Controller) SetOffsets(o Offsets) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = NewOffsets(o[0] - o[1])
}

// GetLatest returns the most recent output and whether there is one
func (c *Controller) GetLatest() (Output, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.hasOutput
}

func (c *Controller) notifySubscribers(out Output) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for ch := range c.subs {
		select {
		case ch <- out:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every emitted output
func (c *Controller) Subscribe() chan Output {
	ch := make(chan Output, 10)

	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (c *Controller) Unsubscribe(ch chan Output) {
	c.subsMu.Lock()
	if _, exists := c.subs[ch]; exists {
		delete(c.subs, ch)
		close(ch)
	}
	c.subsMu.Unlock()
}

// ControllerStats contains controller statistics
type ControllerStats struct {
	Mode            Mode    `json:"mode"`
	RequestedMode   Mode    `json:"requested_mode"`
	Offsets         Offsets `json:"offsets"`
	TickCount       int64   `json:"tick_count"`
	SkipCount       int64   `json:"skip_count"`
	ErrorCount      int64   `json:"error_count"`
	DroppedTicks    int64   `json:"dropped_ticks"`
	Calibrations    int64   `json:"calibrations"`
	Estimates       int64   `json:"estimates"`
	ClampCount      int64   `json:"clamp_count"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	SubscriberCount int     `json:"subscriber_count"`
	CurrentDelay    int     `json:"current_delay"`
	CurrentAngle    float64 `json:"current_angle"`
}

// Stats returns controller statistics
func (c *Controller) Stats() ControllerStats {
	c.subsMu.RLock()
	subs := len(c.subs)
	c.subsMu.RUnlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	avgLatency := float64(0)
	if n := c.calibrations + c.estimates; n > 0 {
		avgLatency = float64(c.totalLatencyMs) / float64(n)
	}

	mode := c.requested
	if c.idle {
		mode = ModeIdle
	}

	return ControllerStats{
		Mode:            mode,
		RequestedMode:   c.requested,
		Offsets:         c.offsets,
		TickCount:       c.tickCount,
		SkipCount:       c.skipCount,
		ErrorCount:      c.errorCount,
		DroppedTicks:    c.droppedTicks.Load(),
		Calibrations:    c.calibrations,
		Estimates:       c.estimates,
		ClampCount:      c.clampCount,
		AvgLatencyMs:    avgLatency,
		SubscriberCount: subs,
		CurrentDelay:    c.latest.Delay,
		CurrentAngle:    c.latest.Angle,
	}
}

// Stop stops the controller gracefully
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	// Close all subscriber channels
	c.subsMu.Lock()
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
	c.subsMu.Unlock()
}

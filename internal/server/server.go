// Package server provides the HTTP server for go-doa
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-doa/internal/capture"
	"github.com/teslashibe/go-doa/internal/config"
	"github.com/teslashibe/go-doa/internal/doa"
	"github.com/teslashibe/go-doa/internal/health"
	"github.com/teslashibe/go-doa/internal/stream"
)

// Deps are the components the server reports on and controls
type Deps struct {
	Controller *doa.Controller
	Buffer     *stream.Buffer
	Source     capture.Source
	Health     *health.Checker
}

// Server is the HTTP server for go-doa
type Server struct {
	app        *fiber.App
	cfg        *config.Config
	controller *doa.Controller
	buffer     *stream.Buffer
	source     capture.Source
	health     *health.Checker
	logger     *slog.Logger
	wsHub      *WSHub
	startTime  time.Time
	version    string
}

// New creates a new HTTP server
func New(cfg *config.Config, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker(version)
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-doa",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:        app,
		cfg:        cfg,
		controller: deps.Controller,
		buffer:     deps.Buffer,
		source:     deps.Source,
		health:     deps.Health,
		logger:     logger,
		wsHub:      NewWSHub(deps.Controller, logger),
		startTime:  time.Now(),
		version:    version,
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	api.Get("/doa", s.doaHandler)
	d := api.Group("/doa")
	d.Get("/mode", s.getModeHandler)
	d.Post("/mode", s.setModeHandler)
	d.Post("/toggle", s.toggleHandler)
	d.Get("/stream", s.wsHub.UpgradeHandler())

	// Config endpoint
	api.Get("/config", s.configHandler)

	// Stats endpoint
	api.Get("/stats", s.statsHandler)
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	status := s.health.GetStatus()
	if status.Status == "unhealthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}

func (s *Server) unavailable(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "DOA controller not available",
	})
}

// doaHandler returns the latest controller output
func (s *Server) doaHandler(c *fiber.Ctx) error {
	if s.controller == nil {
		return s.unavailable(c)
	}

	out, ok := s.controller.GetLatest()
	if !ok {
		return c.Status(fiber.StatusNoContent).Send(nil)
	}
	return c.JSON(out)
}

func (s *Server) modeResponse(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"mode":      s.controller.Mode(),
		"requested": s.controller.RequestedMode(),
		"offsets":   s.controller.Offsets(),
	})
}

// getModeHandler returns the effective and requested modes
func (s *Server) getModeHandler(c *fiber.Ctx) error {
	if s.controller == nil {
		return s.unavailable(c)
	}
	return s.modeResponse(c)
}

// setModeHandler switches between calibrating and estimating
func (s *Server) setModeHandler(c *fiber.Ctx) error {
	if s.controller == nil {
		return s.unavailable(c)
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if _, err := s.controller.Request(req.Mode, false); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return s.modeResponse(c)
}

// toggleHandler flips between calibrating and estimating
func (s *Server) toggleHandler(c *fiber.Ctx) error {
	if s.controller == nil {
		return s.unavailable(c)
	}

	s.controller.Toggle()
	return s.modeResponse(c)
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Server.Port,
			"read_timeout_ms":  s.cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.Server.WriteTimeout.Milliseconds(),
		},
		"doa": fiber.Map{
			"sample_rate":    s.cfg.DOA.SampleRate,
			"window_size":    s.cfg.DOA.WindowSize,
			"max_delay":      s.cfg.DOA.MaxDelay,
			"mic_spacing":    s.cfg.DOA.MicSpacing,
			"speed_of_sound": s.cfg.DOA.SpeedOfSound,
			"tick_ms":        s.cfg.DOA.TickMs,
			"phat":           s.cfg.DOA.PHAT,
			"prefilter":      s.cfg.DOA.Prefilter,
		},
		"buffer": fiber.Map{
			"high_water_mark": s.cfg.Buffer.HighWaterMark,
			"trim_chunk":      s.cfg.Buffer.TrimChunk,
		},
		"capture": fiber.Map{
			"source":   s.cfg.Capture.Source,
			"chunk_ms": s.cfg.Capture.ChunkMs,
		},
		"uplink": fiber.Map{
			"enabled": s.cfg.Uplink.Enabled,
		},
	})
}

// Stats aggregates runtime statistics
type Stats struct {
	Controller *doa.ControllerStats `json:"controller,omitempty"`
	Buffer     *stream.Stats        `json:"buffer,omitempty"`
	Capture    *capture.Stats       `json:"capture,omitempty"`
	Source     string               `json:"source,omitempty"`
	WSClients  int                  `json:"ws_clients"`
}

func (s *Server) stats() Stats {
	st := Stats{WSClients: s.wsHub.ClientCount()}
	if s.controller != nil {
		cs := s.controller.Stats()
		st.Controller = &cs
	}
	if s.buffer != nil {
		bs := s.buffer.Stats()
		st.Buffer = &bs
	}
	if s.source != nil {
		ss := s.source.Stats()
		st.Capture = &ss
		st.Source = s.source.Name()
	}
	return st
}

// statsHandler returns controller, buffer and capture statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	if s.controller == nil {
		return s.unavailable(c)
	}
	return c.JSON(s.stats())
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if s.controller == nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("# no controller available\n")
	}

	st := s.stats()
	cs := st.Controller

	var b strings.Builder
	metric := func(name, kind, help string, value any) {
		fmt.Fprintf(&b, "# HELP go_doa_%s %s\n# TYPE go_doa_%s %s\ngo_doa_%s %v\n\n",
			name, help, name, kind, name, value)
	}

	metric("delay_samples", "gauge", "Current clamped inter-channel delay in samples", cs.CurrentDelay)
	metric("angle_degrees", "gauge", "Current direction of arrival in degrees", cs.CurrentAngle)
	metric("mode", "gauge", "Controller mode (0=idle, 1=calibrating, 2=estimating)", int(cs.Mode))
	metric("offset_ch1_samples", "gauge", "Channel 1 window offset", cs.Offsets[stream.Channel1])
	metric("offset_ch2_samples", "gauge", "Channel 2 window offset", cs.Offsets[stream.Channel2])
	metric("ticks_total", "counter", "Total controller ticks", cs.TickCount)
	metric("skipped_ticks_total", "counter", "Ticks skipped for lack of data", cs.SkipCount)
	metric("dropped_ticks_total", "counter", "Ticks dropped while an estimation was running", cs.DroppedTicks)
	metric("errors_total", "counter", "Failed estimations", cs.ErrorCount)
	metric("calibrations_total", "counter", "Completed calibration ticks", cs.Calibrations)
	metric("estimates_total", "counter", "Completed estimation ticks", cs.Estimates)
	metric("clamped_total", "counter", "Estimates clamped to the physical maximum", cs.ClampCount)
	metric("avg_latency_ms", "gauge", "Average estimation latency in milliseconds", cs.AvgLatencyMs)

	if st.Buffer != nil {
		metric("buffer_samples", "gauge", "Aligned samples held per channel", min(st.Buffer.Ch1Len, st.Buffer.Ch2Len))
		metric("buffer_trims_total", "counter", "Retention trims performed", st.Buffer.Trims)
	}
	if st.Capture != nil {
		metric("capture_frames_total", "counter", "Frames delivered by the capture source", st.Capture.Frames)
		metric("capture_errors_total", "counter", "Capture source errors", st.Capture.Errors)
		metric("source_healthy", "gauge", "Capture source health (1=healthy, 0=unhealthy)", boolToInt(s.source.Healthy()))
	}

	metric("uptime_seconds", "gauge", "Server uptime in seconds", int64(time.Since(s.startTime).Seconds()))
	metric("websocket_clients", "gauge", "Current WebSocket client count", st.WSClients)

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(b.String())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

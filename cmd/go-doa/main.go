// go-doa: two-microphone direction-of-arrival daemon
// Estimates the inter-channel delay by FFT cross-correlation and serves the
// resulting angle over HTTP and WebSocket
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-doa/internal/capture"
	"github.com/teslashibe/go-doa/internal/config"
	"github.com/teslashibe/go-doa/internal/doa"
	"github.com/teslashibe/go-doa/internal/health"
	"github.com/teslashibe/go-doa/internal/protocol"
	"github.com/teslashibe/go-doa/internal/server"
	"github.com/teslashibe/go-doa/internal/stream"
	"github.com/teslashibe/go-doa/internal/tdoa"
	"github.com/teslashibe/go-doa/internal/uplink"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-doa/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use the synthetic capture source (for testing)")
	calibrate   = flag.Bool("calibrate", false, "start in calibration mode")
	wavPath     = flag.String("wav", "", "replay a stereo WAV file instead of live capture")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-doa %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	// Flag overrides
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *useMock {
		cfg.Capture.Source = "mock"
	}
	if *wavPath != "" {
		cfg.Capture.Source = "wav"
		cfg.Capture.WAVPath = *wavPath
	}
	if *calibrate {
		cfg.DOA.InitialMode = doa.ModeCalibrating.String()
	}

	// Setup logging
	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-doa",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
	)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := stream.NewBuffer(cfg.StreamConfig())

	// Initialize capture source
	source := capture.NewSourceWithFallback(cfg.CaptureSourceConfig(), logger)
	defer source.Close()

	if err := source.Start(ctx, buf); err != nil {
		logger.Error("failed to start capture", "source", source.Name(), "error", err)
		os.Exit(1)
	}

	logger.Info("capture source ready",
		"type", source.Name(),
		"healthy", source.Healthy(),
	)

	// Create estimator and controller from config
	opts, err := cfg.EstimatorOptions()
	if err != nil {
		logger.Error("invalid estimator options", "error", err)
		os.Exit(1)
	}
	controllerCfg, err := cfg.ControllerConfig()
	if err != nil {
		logger.Error("invalid controller options", "error", err)
		os.Exit(1)
	}

	controller := doa.NewController(buf, tdoa.NewEstimator(opts...), controllerCfg, logger)

	// Start controller in background
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("controller error", "error", err)
		}
	}()

	// Optional uplink to a remote display
	var link *uplink.Client
	if cfg.Uplink.Enabled {
		link = uplink.NewClient(cfg.UplinkClientConfig(), logger)
		link.OnModeRequest(func(req protocol.ModeData) {
			if _, err := controller.Request(req.Mode, req.Toggle); err != nil {
				logger.Warn("rejected uplink mode request", "error", err)
			}
		})
		link.Connect(ctx)
		go link.Forward(ctx, controller.Subscribe())
		defer link.Close()
	}

	checker := setupHealth(source, controller, link, controllerCfg.TickInterval)

	// Create server
	srv := server.New(cfg, server.Deps{
		Controller: controller,
		Buffer:     buf,
		Source:     source,
		Health:     checker,
	}, logger, version)

	// Start WebSocket hub in background
	go srv.WSHub().Run(ctx)

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Print startup info
	printStartupBanner(cfg, version)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> controller -> capture
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("stopping controller...")
	controller.Stop()

	logger.Info("stopping capture...")
	cancel()

	logger.Info("go-doa stopped")
}

// setupHealth registers capture, controller and uplink probes
func setupHealth(source capture.Source, controller *doa.Controller, link *uplink.Client, tick time.Duration) *health.Checker {
	checker := health.NewChecker(version)

	checker.Register("capture", true, func() (bool, string) {
		if !source.Healthy() {
			return false, source.Name() + " not delivering samples"
		}
		return true, source.Name()
	})

	checker.Register("controller", false, func() (bool, string) {
		mode := controller.Mode()
		if mode == doa.ModeIdle {
			return true, "waiting for samples"
		}
		out, ok := controller.GetLatest()
		if ok && time.Since(out.Timestamp) > 20*tick {
			return false, "no output for " + time.Since(out.Timestamp).Round(time.Millisecond).String()
		}
		return true, mode.String()
	})

	checker.Register("uplink", false, func() (bool, string) {
		if link == nil {
			return true, "disabled"
		}
		if !link.IsConnected() {
			return false, "disconnected"
		}
		return true, "connected"
	})

	return checker
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("🎙️  go-doa v" + version)
	fmt.Println("   Two-microphone direction of arrival")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Printf("   Capture: %s @ %d Hz, window %d samples, max delay %d\n",
		cfg.Capture.Source, cfg.DOA.SampleRate, cfg.DOA.WindowSize, cfg.DOA.MaxDelay)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health            - Health check")
	fmt.Println("   GET  /api/doa           - Latest delay and angle")
	fmt.Println("   GET  /api/doa/mode      - Current mode and offsets")
	fmt.Println("   POST /api/doa/mode      - Set mode (calibrating|estimating)")
	fmt.Println("   POST /api/doa/toggle    - Toggle calibration")
	fmt.Println("   WS   /api/doa/stream    - Real-time DOA stream")
	fmt.Println("   GET  /api/stats         - Controller statistics")
	fmt.Println("   GET  /metrics           - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}

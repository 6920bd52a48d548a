// Package config provides configuration management for go-doa
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-doa/internal/capture"
	"github.com/teslashibe/go-doa/internal/doa"
	"github.com/teslashibe/go-doa/internal/stream"
	"github.com/teslashibe/go-doa/internal/tdoa"
	"github.com/teslashibe/go-doa/internal/uplink"
)

// Config is the root configuration structure
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DOA     DOAConfig     `mapstructure:"doa"`
	Buffer  BufferConfig  `mapstructure:"buffer"`
	Capture CaptureConfig `mapstructure:"capture"`
	Uplink  UplinkConfig  `mapstructure:"uplink"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// DOAConfig configures delay estimation and the controller
type DOAConfig struct {
	SampleRate         int     `mapstructure:"sample_rate"`
	WindowSize         int     `mapstructure:"window_size"`
	MaxDelay           int     `mapstructure:"max_delay"`
	MicSpacing         float64 `mapstructure:"mic_spacing"`   // meters
	SpeedOfSound       float64 `mapstructure:"speed_of_sound"` // m/s
	TickMs             int     `mapstructure:"tick_ms"`
	PHAT               bool    `mapstructure:"phat"`
	Prefilter          string  `mapstructure:"prefilter"` // none, moving_average, median
	MovingAverageWidth int     `mapstructure:"moving_average_width"`
	InitialMode        string  `mapstructure:"initial_mode"` // calibrating, estimating
}

// BufferConfig configures sample retention
type BufferConfig struct {
	HighWaterMark int `mapstructure:"high_water_mark"`
	TrimChunk     int `mapstructure:"trim_chunk"`
}

// CaptureConfig configures the audio source
type CaptureConfig struct {
	Source   string `mapstructure:"source"` // mock, arecord, wav, portaudio
	ChunkMs  int    `mapstructure:"chunk_ms"`
	Command  string `mapstructure:"command"`
	Device   string `mapstructure:"device"`
	Device1  int    `mapstructure:"device1"`
	Device2  int    `mapstructure:"device2"`
	WAVPath  string `mapstructure:"wav_path"`
	Loop     bool   `mapstructure:"loop"`
	Realtime bool   `mapstructure:"realtime"`

	Mock MockConfig `mapstructure:"mock"`
}

// MockConfig configures the synthetic source
type MockConfig struct {
	Delay     int `mapstructure:"delay"`
	Period    int `mapstructure:"period"`
	Amplitude int `mapstructure:"amplitude"`
	Sweep     int `mapstructure:"sweep"`
}

// UplinkConfig configures the outbound result stream
type UplinkConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		DOA: DOAConfig{
			SampleRate:         48000,
			WindowSize:         20000,
			MaxDelay:           35,
			MicSpacing:         0.25,
			SpeedOfSound:       340,
			TickMs:             100,
			Prefilter:          "none",
			MovingAverageWidth: 5,
			InitialMode:        "estimating",
		},
		Buffer: BufferConfig{
			HighWaterMark: 400000,
			TrimChunk:     100000,
		},
		Capture: CaptureConfig{
			Source:   "mock",
			ChunkMs:  10,
			Command:  "arecord",
			Device1:  -1,
			Device2:  -1,
			Realtime: true,
			Mock: MockConfig{
				Delay:     10,
				Period:    1000,
				Amplitude: 10000,
			},
		},
		Uplink: UplinkConfig{
			URL:              "ws://localhost:8080/ws/doa",
			ReconnectBackoff: 1 * time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Missing file falls back to defaults
			fmt.Printf("Warning: config file not loaded from %s, using defaults: %v\n", path, err)
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("GODOA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")

	// DOA defaults
	v.SetDefault("doa.sample_rate", d.DOA.SampleRate)
	v.SetDefault("doa.window_size", d.DOA.WindowSize)
	v.SetDefault("doa.max_delay", d.DOA.MaxDelay)
	v.SetDefault("doa.mic_spacing", d.DOA.MicSpacing)
	v.SetDefault("doa.speed_of_sound", d.DOA.SpeedOfSound)
	v.SetDefault("doa.tick_ms", d.DOA.TickMs)
	v.SetDefault("doa.phat", d.DOA.PHAT)
	v.SetDefault("doa.prefilter", d.DOA.Prefilter)
	v.SetDefault("doa.moving_average_width", d.DOA.MovingAverageWidth)
	v.SetDefault("doa.initial_mode", d.DOA.InitialMode)

	// Buffer defaults
	v.SetDefault("buffer.high_water_mark", d.Buffer.HighWaterMark)
	v.SetDefault("buffer.trim_chunk", d.Buffer.TrimChunk)

	// Capture defaults
	v.SetDefault("capture.source", d.Capture.Source)
	v.SetDefault("capture.chunk_ms", d.Capture.ChunkMs)
	v.SetDefault("capture.command", d.Capture.Command)
	v.SetDefault("capture.device", d.Capture.Device)
	v.SetDefault("capture.device1", d.Capture.Device1)
	v.SetDefault("capture.device2", d.Capture.Device2)
	v.SetDefault("capture.wav_path", d.Capture.WAVPath)
	v.SetDefault("capture.loop", d.Capture.Loop)
	v.SetDefault("capture.realtime", d.Capture.Realtime)
	v.SetDefault("capture.mock.delay", d.Capture.Mock.Delay)
	v.SetDefault("capture.mock.period", d.Capture.Mock.Period)
	v.SetDefault("capture.mock.amplitude", d.Capture.Mock.Amplitude)
	v.SetDefault("capture.mock.sweep", d.Capture.Mock.Sweep)

	// Uplink defaults
	v.SetDefault("uplink.enabled", d.Uplink.Enabled)
	v.SetDefault("uplink.url", d.Uplink.URL)
	v.SetDefault("uplink.reconnect_backoff", "1s")
	v.SetDefault("uplink.max_backoff", "30s")
	v.SetDefault("uplink.ping_interval", "10s")
	v.SetDefault("uplink.write_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.DOA.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.DOA.SampleRate)
	}
	if c.DOA.WindowSize < 2 {
		return fmt.Errorf("window_size must be at least 2, got %d", c.DOA.WindowSize)
	}
	if c.DOA.MaxDelay < 0 {
		return fmt.Errorf("max_delay must not be negative, got %d", c.DOA.MaxDelay)
	}
	if c.DOA.MicSpacing <= 0 || c.DOA.SpeedOfSound <= 0 {
		return fmt.Errorf("mic_spacing and speed_of_sound must be positive")
	}
	if c.DOA.TickMs < 1 {
		return fmt.Errorf("tick_ms must be at least 1, got %d", c.DOA.TickMs)
	}
	if _, err := tdoa.ParseFilter(c.DOA.Prefilter, c.DOA.MovingAverageWidth); err != nil {
		return err
	}
	if _, err := doa.ParseMode(c.DOA.InitialMode); err != nil {
		return err
	}

	if c.Buffer.HighWaterMark < c.DOA.WindowSize+c.DOA.MaxDelay {
		return fmt.Errorf("high_water_mark %d cannot hold a %d sample window",
			c.Buffer.HighWaterMark, c.DOA.WindowSize)
	}
	if c.Buffer.TrimChunk < 1 || c.Buffer.TrimChunk > c.Buffer.HighWaterMark {
		return fmt.Errorf("trim_chunk must be between 1 and high_water_mark, got %d", c.Buffer.TrimChunk)
	}

	switch c.Capture.Source {
	case "mock", "arecord", "wav", "portaudio":
	default:
		return fmt.Errorf("unknown capture source %q", c.Capture.Source)
	}
	if c.Capture.Source == "wav" && c.Capture.WAVPath == "" {
		return fmt.Errorf("capture.wav_path is required for the wav source")
	}
	if c.Capture.ChunkMs < 1 {
		return fmt.Errorf("chunk_ms must be at least 1, got %d", c.Capture.ChunkMs)
	}

	if c.Uplink.Enabled && c.Uplink.URL == "" {
		return fmt.Errorf("uplink.url is required when uplink is enabled")
	}

	return nil
}

// Geometry returns the array geometry for the controller
func (c *Config) Geometry() doa.Geometry {
	return doa.Geometry{
		SampleRate:   c.DOA.SampleRate,
		MicSpacing:   c.DOA.MicSpacing,
		SpeedOfSound: c.DOA.SpeedOfSound,
		MaxDelay:     c.DOA.MaxDelay,
	}
}

// ControllerConfig returns the controller settings
func (c *Config) ControllerConfig() (doa.ControllerConfig, error) {
	mode, err := doa.ParseMode(c.DOA.InitialMode)
	if err != nil {
		return doa.ControllerConfig{}, err
	}
	return doa.ControllerConfig{
		TickInterval: time.Duration(c.DOA.TickMs) * time.Millisecond,
		WindowSize:   c.DOA.WindowSize,
		Geometry:     c.Geometry(),
		InitialMode:  mode,
	}, nil
}

// EstimatorOptions returns the correlation options
func (c *Config) EstimatorOptions() ([]tdoa.Option, error) {
	var opts []tdoa.Option
	if c.DOA.PHAT {
		opts = append(opts, tdoa.WithPHAT())
	}
	f, err := tdoa.ParseFilter(c.DOA.Prefilter, c.DOA.MovingAverageWidth)
	if err != nil {
		return nil, err
	}
	if f != nil {
		opts = append(opts, tdoa.WithFilter(f))
	}
	return opts, nil
}

// StreamConfig returns the retention settings
func (c *Config) StreamConfig() stream.Config {
	return stream.Config{
		HighWaterMark: c.Buffer.HighWaterMark,
		TrimChunk:     c.Buffer.TrimChunk,
	}
}

// CaptureSourceConfig returns the capture source settings
func (c *Config) CaptureSourceConfig() capture.Config {
	return capture.Config{
		Source:        c.Capture.Source,
		SampleRate:    c.DOA.SampleRate,
		ChunkDuration: time.Duration(c.Capture.ChunkMs) * time.Millisecond,
		Command:       c.Capture.Command,
		Device:        c.Capture.Device,
		Device1:       c.Capture.Device1,
		Device2:       c.Capture.Device2,
		WAVPath:       c.Capture.WAVPath,
		Loop:          c.Capture.Loop,
		Realtime:      c.Capture.Realtime,
		MockDelay:     c.Capture.Mock.Delay,
		MockPeriod:    c.Capture.Mock.Period,
		MockAmplitude: int16(c.Capture.Mock.Amplitude),
		MockSweep:     c.Capture.Mock.Sweep,
	}
}

// UplinkClientConfig returns the uplink client settings
func (c *Config) UplinkClientConfig() uplink.Config {
	return uplink.Config{
		URL:              c.Uplink.URL,
		ReconnectBackoff: c.Uplink.ReconnectBackoff,
		MaxBackoff:       c.Uplink.MaxBackoff,
		PingInterval:     c.Uplink.PingInterval,
		WriteTimeout:     c.Uplink.WriteTimeout,
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/go-doa/internal/doa"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}

	if cfg.DOA.SampleRate != 48000 {
		t.Errorf("expected sample_rate 48000, got %d", cfg.DOA.SampleRate)
	}

	if cfg.DOA.WindowSize != 20000 {
		t.Errorf("expected window_size 20000, got %d", cfg.DOA.WindowSize)
	}

	if cfg.DOA.MaxDelay != 35 {
		t.Errorf("expected max_delay 35, got %d", cfg.DOA.MaxDelay)
	}

	if cfg.Buffer.HighWaterMark != 400000 || cfg.Buffer.TrimChunk != 100000 {
		t.Errorf("unexpected buffer retention %+v", cfg.Buffer)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	// Load with non-existent file should use defaults
	cfg, err := Load("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected default port 9000, got %d", cfg.Server.Port)
	}

	if cfg.DOA.MicSpacing != 0.25 {
		t.Errorf("expected default mic_spacing 0.25, got %f", cfg.DOA.MicSpacing)
	}

	if cfg.Capture.Device1 != -1 || cfg.Capture.Device2 != -1 {
		t.Errorf("expected default devices -1, got %d/%d", cfg.Capture.Device1, cfg.Capture.Device2)
	}
}

func TestLoad_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
doa:
  window_size: 8192
  max_delay: 20
  phat: true
  prefilter: median
  initial_mode: calibrating
capture:
  source: wav
  wav_path: /tmp/test.wav
  mock:
    delay: -4
uplink:
  enabled: true
  url: ws://example.com/doa
  max_backoff: 1m
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}

	if cfg.DOA.WindowSize != 8192 {
		t.Errorf("expected window_size 8192, got %d", cfg.DOA.WindowSize)
	}

	if !cfg.DOA.PHAT {
		t.Error("expected phat enabled")
	}

	if cfg.Capture.Mock.Delay != -4 {
		t.Errorf("expected mock delay -4, got %d", cfg.Capture.Mock.Delay)
	}

	// Untouched keys keep defaults
	if cfg.Capture.Mock.Period != 1000 {
		t.Errorf("expected default mock period 1000, got %d", cfg.Capture.Mock.Period)
	}

	if cfg.Uplink.MaxBackoff != time.Minute {
		t.Errorf("expected max_backoff 1m, got %v", cfg.Uplink.MaxBackoff)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	cc, err := cfg.ControllerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cc.InitialMode != doa.ModeCalibrating {
		t.Errorf("expected initial mode calibrating, got %v", cc.InitialMode)
	}
	if cc.Geometry.MaxDelay != 20 {
		t.Errorf("expected geometry max delay 20, got %d", cc.Geometry.MaxDelay)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GODOA_SERVER_PORT", "7777")
	t.Setenv("GODOA_DOA_MAX_DELAY", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777 from env, got %d", cfg.Server.Port)
	}

	if cfg.DOA.MaxDelay != 12 {
		t.Errorf("expected max_delay 12 from env, got %d", cfg.DOA.MaxDelay)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port too low",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid port too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "window too small",
			modify: func(c *Config) {
				c.DOA.WindowSize = 1
			},
			wantErr: true,
		},
		{
			name: "negative max delay",
			modify: func(c *Config) {
				c.DOA.MaxDelay = -1
			},
			wantErr: true,
		},
		{
			name: "zero mic spacing",
			modify: func(c *Config) {
				c.DOA.MicSpacing = 0
			},
			wantErr: true,
		},
		{
			name: "unknown prefilter",
			modify: func(c *Config) {
				c.DOA.Prefilter = "butterworth"
			},
			wantErr: true,
		},
		{
			name: "idle is not a requestable mode",
			modify: func(c *Config) {
				c.DOA.InitialMode = "idle"
			},
			wantErr: true,
		},
		{
			name: "retention smaller than window",
			modify: func(c *Config) {
				c.Buffer.HighWaterMark = 1000
				c.Buffer.TrimChunk = 500
			},
			wantErr: true,
		},
		{
			name: "trim chunk larger than high water mark",
			modify: func(c *Config) {
				c.Buffer.TrimChunk = c.Buffer.HighWaterMark + 1
			},
			wantErr: true,
		},
		{
			name: "unknown capture source",
			modify: func(c *Config) {
				c.Capture.Source = "telepathy"
			},
			wantErr: true,
		},
		{
			name: "wav source without path",
			modify: func(c *Config) {
				c.Capture.Source = "wav"
			},
			wantErr: true,
		},
		{
			name: "uplink enabled without url",
			modify: func(c *Config) {
				c.Uplink.Enabled = true
				c.Uplink.URL = ""
			},
			wantErr: true,
		},
		{
			name: "moving average",
			modify: func(c *Config) {
				c.DOA.Prefilter = "moving_average"
				c.DOA.MovingAverageWidth = 9
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_Timeouts(t *testing.T) {
	cfg := Default()

	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}

	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("expected write_timeout 10s, got %v", cfg.Server.WriteTimeout)
	}

	if cfg.Server.GracefulTimeout != 5*time.Second {
		t.Errorf("expected graceful_timeout 5s, got %v", cfg.Server.GracefulTimeout)
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.DOA.PHAT = true
	cfg.DOA.Prefilter = "moving_average"
	cfg.Capture.Mock.Amplitude = 1234

	opts, err := cfg.EstimatorOptions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) != 2 {
		t.Errorf("expected 2 estimator options, got %d", len(opts))
	}

	sc := cfg.StreamConfig()
	if sc.HighWaterMark != 400000 || sc.TrimChunk != 100000 {
		t.Errorf("unexpected stream config %+v", sc)
	}

	cc := cfg.CaptureSourceConfig()
	if cc.ChunkFrames() != 480 {
		t.Errorf("expected 480 frames per chunk, got %d", cc.ChunkFrames())
	}
	if cc.MockAmplitude != 1234 {
		t.Errorf("expected mock amplitude 1234, got %d", cc.MockAmplitude)
	}

	cc2, err := cfg.ControllerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cc2.TickInterval != 100*time.Millisecond {
		t.Errorf("expected 100ms tick, got %v", cc2.TickInterval)
	}

	uc := cfg.UplinkClientConfig()
	if uc.MaxBackoff != 30*time.Second {
		t.Errorf("expected max backoff 30s, got %v", uc.MaxBackoff)
	}
}

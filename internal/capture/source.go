// Package capture delivers two-channel 16-bit PCM into the sample buffer
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-doa/internal/stream"
)

// ErrNoDevice is returned when a hardware source cannot be opened
var ErrNoDevice = errors.New("capture device unavailable")

// Sink receives captured samples
type Sink interface {
	Append(ch stream.Channel, samples []int16)
	AppendInterleaved(frames []int16)
}

// Source produces samples for both channels until its context ends
type Source interface {
	// Start begins delivering samples to sink in the background
	Start(ctx context.Context, sink Sink) error

	// Close stops capture and releases resources
	Close() error

	// Healthy returns true if the source is delivering samples
	Healthy() bool

	// Name returns the source type name
	Name() string

	// Stats returns capture counters
	Stats() Stats
}

// Config selects and configures a capture source
type Config struct {
	Source        string        // mock, arecord, wav, portaudio
	SampleRate    int           // Hz
	ChunkDuration time.Duration // delivery granularity

	// arecord
	Command string // capture binary (default "arecord")
	Device  string // ALSA device passed with -D, empty for default

	// portaudio; -1 selects the default input device. When Device2 is
	// set each device feeds one channel, otherwise Device1 is opened in stereo.
	Device1 int
	Device2 int

	// wav
	WAVPath  string
	Loop     bool
	Realtime bool // pace playback at the file's sample rate

	// mock
	MockDelay     int   // channel 2 delay in samples
	MockPeriod    int   // impulse period in samples
	MockAmplitude int16 // impulse height
	MockSweep     int   // when > 0, delay sweeps ±MockSweep samples
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Source:        "mock",
		SampleRate:    48000,
		ChunkDuration: 10 * time.Millisecond,
		Command:       "arecord",
		Device1:       -1,
		Device2:       -1,
		Realtime:      true,
		MockDelay:     10,
		MockPeriod:    1000,
		MockAmplitude: 10000,
	}
}

// ChunkFrames returns the number of frames per delivered chunk
func (c Config) ChunkFrames() int {
	n := int(int64(c.SampleRate) * int64(c.ChunkDuration) / int64(time.Second))
	return max(n, 1)
}

// NewSource creates the configured source
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		source Source
		err    error
	)
	switch cfg.Source {
	case "mock", "":
		return NewMockSource(cfg), nil
	case "arecord":
		var s *ARecordSource
		if s, err = NewARecordSource(cfg, logger); err == nil {
			source = s
		}
	case "wav":
		var s *WAVSource
		if s, err = NewWAVSource(cfg, logger); err == nil {
			source = s
		}
	case "portaudio":
		var s *PortAudioSource
		if s, err = NewPortAudioSource(cfg, logger); err == nil {
			source = s
		}
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
	if err != nil {
		return nil, err
	}
	return source, nil
}

// NewSourceWithFallback creates the configured source, falling back to the
// synthetic source when hardware is unavailable
func NewSourceWithFallback(cfg Config, logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}

	source, err := NewSource(cfg, logger)
	if err == nil {
		return source
	}

	logger.Warn("capture source unavailable, using mock",
		"source", cfg.Source,
		"error", err,
	)
	return NewMockSource(cfg)
}

// Stats contains capture statistics
type Stats struct {
	Chunks  uint64 `json:"chunks"`
	Frames  uint64 `json:"frames"`
	Errors  uint64 `json:"errors"`
	Running bool   `json:"running"`
}

// counters is shared bookkeeping for sources
type counters struct {
	chunks  atomic.Uint64
	frames  atomic.Uint64
	errors  atomic.Uint64
	running atomic.Bool
}

func (c *counters) delivered(frames int) {
	c.chunks.Add(1)
	c.frames.Add(uint64(frames))
}

func (c *counters) stats() Stats {
	return Stats{
		Chunks:  c.chunks.Load(),
		Frames:  c.frames.Load(),
		Errors:  c.errors.Load(),
		Running: c.running.Load(),
	}
}

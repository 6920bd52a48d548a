package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/teslashibe/go-doa/internal/stream"
)

// paStream is the subset of *portaudio.Stream the source drives
type paStream interface {
	Start() error
	Stop() error
	Close() error
}

// PortAudioSource captures from either one stereo input device or two mono
// input devices, one per channel
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	streams     []paStream
	sink        Sink
	recording   bool
	initialized bool
	lastFrame   time.Time

	counters
}

// NewPortAudioSource initializes PortAudio and validates the devices
func NewPortAudioSource(cfg Config, logger *slog.Logger) (*PortAudioSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %v", ErrNoDevice, err)
	}

	p := &PortAudioSource{
		cfg:         cfg,
		logger:      logger,
		initialized: true,
	}

	if err := p.open(); err != nil {
		portaudio.Terminate()
		return nil, err
	}
	return p, nil
}

func (p *PortAudioSource) device(id int) (*portaudio.DeviceInfo, error) {
	if id == -1 {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: default input device: %v", ErrNoDevice, err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if id < 0 || id >= len(devices) {
		return nil, fmt.Errorf("%w: invalid device ID %d", ErrNoDevice, id)
	}
	return devices[id], nil
}

func (p *PortAudioSource) openStream(id, channels int, callback func([]int16)) (*portaudio.Stream, error) {
	dev, err := p.device(id)
	if err != nil {
		return nil, err
	}
	if dev.MaxInputChannels < channels {
		return nil, fmt.Errorf("%w: device '%s' has %d input channels, need %d",
			ErrNoDevice, dev.Name, dev.MaxInputChannels, channels)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(p.cfg.SampleRate),
		FramesPerBuffer: p.cfg.ChunkFrames(),
	}

	s, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream on '%s': %w", dev.Name, err)
	}

	p.logger.Info("opened input device",
		"device", dev.Name,
		"channels", channels,
		"sample_rate", p.cfg.SampleRate,
	)
	return s, nil
}

func (p *PortAudioSource) open() error {
	if p.cfg.Device2 < 0 {
		s, err := p.openStream(p.cfg.Device1, 2, p.stereoCallback)
		if err != nil {
			return err
		}
		p.streams = []paStream{s}
		return nil
	}

	s1, err := p.openStream(p.cfg.Device1, 1, p.monoCallback(stream.Channel1))
	if err != nil {
		return err
	}
	s2, err := p.openStream(p.cfg.Device2, 1, p.monoCallback(stream.Channel2))
	if err != nil {
		s1.Close()
		return err
	}
	p.streams = []paStream{s1, s2}
	return nil
}

// stereoCallback is called by PortAudio with interleaved frames
func (p *PortAudioSource) stereoCallback(in []int16) {
	p.mu.Lock()
	sink, recording := p.sink, p.recording
	p.lastFrame = time.Now()
	p.mu.Unlock()

	if !recording || sink == nil {
		return
	}
	// PortAudio reuses in after the callback returns
	frames := append([]int16(nil), in...)
	sink.AppendInterleaved(frames)
	p.delivered(len(frames) / 2)
}

func (p *PortAudioSource) monoCallback(ch stream.Channel) func([]int16) {
	return func(in []int16) {
		p.mu.Lock()
		sink, recording := p.sink, p.recording
		p.lastFrame = time.Now()
		p.mu.Unlock()

		if !recording || sink == nil {
			return
		}
		sink.Append(ch, append([]int16(nil), in...))
		if ch == stream.Channel1 {
			p.delivered(len(in))
		}
	}
}

// Start starts every stream; capture stops when ctx ends
func (p *PortAudioSource) Start(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return fmt.Errorf("portaudio source closed")
	}
	if p.recording {
		return nil
	}

	p.sink = sink
	for i, s := range p.streams {
		if err := s.Start(); err != nil {
			for _, started := range p.streams[:i] {
				started.Stop()
			}
			return fmt.Errorf("failed to start stream: %w", err)
		}
	}
	p.recording = true
	p.lastFrame = time.Now()
	p.running.Store(true)

	go func() {
		<-ctx.Done()
		p.stop()
	}()
	return nil
}

// stop must not hold mu while stopping streams: Stream.Stop waits for
// in-flight callbacks, which take mu
func (p *PortAudioSource) stop() {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return
	}
	p.recording = false
	streams := append([]paStream(nil), p.streams...)
	p.mu.Unlock()

	for _, s := range streams {
		if err := s.Stop(); err != nil {
			p.errors.Add(1)
			p.logger.Warn("failed to stop stream", "error", err)
		}
	}
	p.running.Store(false)
}

// Close releases all resources
func (p *PortAudioSource) Close() error {
	p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	for _, s := range p.streams {
		if err := s.Close(); err != nil {
			return fmt.Errorf("failed to close stream: %w", err)
		}
	}
	p.streams = nil
	p.initialized = false

	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// Healthy returns true while callbacks keep arriving
func (p *PortAudioSource) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording && time.Since(p.lastFrame) < time.Second
}

// Name returns the source type name
func (p *PortAudioSource) Name() string {
	return "portaudio"
}

// Stats returns capture counters
func (p *PortAudioSource) Stats() Stats {
	return p.stats()
}

package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-doa/internal/stream"
)

// MockSource synthesizes an impulse train on both channels, with channel 2
// delayed by a configurable number of samples
type MockSource struct {
	cfg Config

	mu        sync.Mutex
	delay     int
	healthy   bool
	pos       int // absolute frame index of the next sample
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	counters
}

// NewMockSource creates a synthetic source
func NewMockSource(cfg Config) *MockSource {
	if cfg.MockPeriod <= 0 {
		cfg.MockPeriod = 1000
	}
	if cfg.MockAmplitude == 0 {
		cfg.MockAmplitude = 10000
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 10 * time.Millisecond
	}

	return &MockSource{
		cfg:       cfg,
		delay:     cfg.MockDelay,
		healthy:   true,
		startTime: time.Now(),
	}
}

// Generate returns the next n frames of both channels
func (m *MockSource) Generate(n int) (ch1, ch2 []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delay := m.delay
	if m.cfg.MockSweep > 0 {
		// Simulate a source moving left-right
		elapsed := time.Since(m.startTime).Seconds()
		delay = int(math.Round(math.Sin(elapsed) * float64(m.cfg.MockSweep)))
	}

	ch1 = make([]int16, n)
	ch2 = make([]int16, n)
	period := m.cfg.MockPeriod
	for i := 0; i < n; i++ {
		t := m.pos + i
		if t%period == 0 {
			ch1[i] = m.cfg.MockAmplitude
		}
		if j := t - delay; j >= 0 && j%period == 0 {
			ch2[i] = m.cfg.MockAmplitude
		}
	}
	m.pos += n
	return ch1, ch2
}

// Start emits one chunk per ChunkDuration until ctx ends or Close is called
func (m *MockSource) Start(ctx context.Context, sink Sink) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.running.Store(true)

	go func() {
		defer close(done)
		defer m.running.Store(false)

		ticker := time.NewTicker(m.cfg.ChunkDuration)
		defer ticker.Stop()

		frames := m.cfg.ChunkFrames()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ch1, ch2 := m.Generate(frames)
				sink.Append(stream.Channel1, ch1)
				sink.Append(stream.Channel2, ch2)
				m.delivered(frames)
			}
		}
	}()

	return nil
}

// Close stops the generator
func (m *MockSource) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Healthy returns true if the source is operational
func (m *MockSource) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Name returns the source type name
func (m *MockSource) Name() string {
	return "mock"
}

// Stats returns capture counters
func (m *MockSource) Stats() Stats {
	return m.stats()
}

// SetDelay sets the synthetic channel 2 delay in samples
func (m *MockSource) SetDelay(delay int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// SetHealthy sets the mock health state
func (m *MockSource) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

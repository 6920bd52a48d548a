package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const bytesPerFrame = 4 // two channels of S16_LE

// ARecordSource captures interleaved stereo from ALSA via arecord
type ARecordSource struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	capturing  bool
	captureCmd *exec.Cmd
	cancelFunc context.CancelFunc
	done       chan struct{}
	healthy    bool

	counters
}

// NewARecordSource checks that the capture command exists
func NewARecordSource(cfg Config, logger *slog.Logger) (*ARecordSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		cfg.Command = "arecord"
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoDevice, cfg.Command, err)
	}

	return &ARecordSource{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// args builds the arecord command line
// arecord -f S16_LE -r 48000 -c 2 -t raw -q [-D device]
func (a *ARecordSource) args() []string {
	args := []string{
		"-f", "S16_LE",
		"-r", fmt.Sprintf("%d", a.cfg.SampleRate),
		"-c", "2",
		"-t", "raw",
		"-q",
	}
	if a.cfg.Device != "" {
		args = append(args, "-D", a.cfg.Device)
	}
	return args
}

// Start begins capturing in the background
func (a *ARecordSource) Start(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	if a.capturing {
		a.mu.Unlock()
		return nil
	}
	a.capturing = true
	ctx, a.cancelFunc = context.WithCancel(ctx)
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	a.logger.Info("starting audio capture",
		"command", a.cfg.Command,
		"device", a.cfg.Device,
		"sample_rate", a.cfg.SampleRate,
	)

	go func() {
		defer close(done)
		a.captureLoop(ctx, sink)
	}()
	return nil
}

// captureLoop restarts arecord until ctx ends
func (a *ARecordSource) captureLoop(ctx context.Context, sink Sink) {
	a.running.Store(true)
	defer a.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := a.runOnce(ctx, sink)
		a.setHealthy(false)
		if ctx.Err() != nil {
			return
		}

		a.errors.Add(1)
		a.logger.Warn("capture process exited", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (a *ARecordSource) runOnce(ctx context.Context, sink Sink) error {
	cmd := exec.CommandContext(ctx, a.cfg.Command, a.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	a.mu.Lock()
	a.captureCmd = cmd
	a.mu.Unlock()

	readErr := a.readLoop(stdout, sink)
	waitErr := cmd.Wait()

	a.mu.Lock()
	a.captureCmd = nil
	a.mu.Unlock()

	if readErr != nil {
		return readErr
	}
	if waitErr != nil {
		return fmt.Errorf("capture command failed: %w", waitErr)
	}
	return errors.New("capture command exited")
}

// readLoop decodes raw S16_LE stereo frames from r into sink
func (a *ARecordSource) readLoop(r io.Reader, sink Sink) error {
	frames := a.cfg.ChunkFrames()
	raw := make([]byte, frames*bytesPerFrame)
	br := bufio.NewReaderSize(r, len(raw)*4)

	for {
		n, err := io.ReadFull(br, raw)
		// keep whole frames only
		n -= n % bytesPerFrame
		if n > 0 {
			samples := make([]int16, n/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
			}
			sink.AppendInterleaved(samples)
			a.delivered(n / bytesPerFrame)
			a.setHealthy(true)
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read capture: %w", err)
		}
	}
}

func (a *ARecordSource) setHealthy(h bool) {
	a.mu.Lock()
	a.healthy = h
	a.mu.Unlock()
}

// Close stops audio capture
func (a *ARecordSource) Close() error {
	a.mu.Lock()
	if !a.capturing {
		a.mu.Unlock()
		return nil
	}
	a.capturing = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	if a.captureCmd != nil && a.captureCmd.Process != nil {
		a.captureCmd.Process.Kill()
	}
	done := a.done
	a.mu.Unlock()

	<-done
	a.logger.Info("audio capture stopped")
	return nil
}

// Healthy returns true while frames are arriving
func (a *ARecordSource) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

// Name returns the source type name
func (a *ARecordSource) Name() string {
	return "arecord"
}

// Stats returns capture counters
func (a *ARecordSource) Stats() Stats {
	return a.stats()
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/teslashibe/go-doa/internal/stream"
)

// WAVSource replays a two-channel .WAV file into the buffer.
// Mono files feed the same signal to both channels.
type WAVSource struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	fileHandle *os.File
	decoder    *wav.Decoder
	cancel     context.CancelFunc
	done       chan struct{}
	finished   bool

	counters
}

// NewWAVSource opens and validates the configured WAV file
func NewWAVSource(cfg Config, logger *slog.Logger) (*WAVSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("wav_source", uuid.New())

	f, err := os.Open(cfg.WAVPath)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("decode wav %s: invalid file: %v", cfg.WAVPath, decoder.Err())
	}
	if decoder.NumChans < 1 || decoder.NumChans > 2 {
		f.Close()
		return nil, fmt.Errorf("wav %s: unsupported channel count %d", cfg.WAVPath, decoder.NumChans)
	}
	if int(decoder.SampleRate) != cfg.SampleRate {
		logger.Warn("wav sample rate differs from configured rate",
			"file_rate", decoder.SampleRate,
			"configured_rate", cfg.SampleRate,
		)
	}

	logger.Debug("loaded audio file",
		"path", cfg.WAVPath,
		"sample_rate", decoder.SampleRate,
		"channels", decoder.NumChans,
		"bit_depth", decoder.BitDepth,
	)

	return &WAVSource{
		cfg:        cfg,
		logger:     logger,
		fileHandle: f,
		decoder:    decoder,
	}, nil
}

// Start replays the file in the background
func (w *WAVSource) Start(ctx context.Context, sink Sink) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.running.Store(true)

	go func() {
		defer close(done)
		defer w.running.Store(false)

		if err := w.play(ctx, sink); err != nil && !errors.Is(err, context.Canceled) {
			w.errors.Add(1)
			w.logger.Error("wav playback failed", "error", err)
		}
	}()
	return nil
}

func (w *WAVSource) play(ctx context.Context, sink Sink) error {
	chans := int(w.decoder.NumChans)
	frames := w.cfg.ChunkFrames()
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: chans, SampleRate: int(w.decoder.SampleRate)},
		Data:   make([]int, frames*chans),
	}
	depth := int(w.decoder.BitDepth)
	rewound := false

	var ticker *time.Ticker
	if w.cfg.Realtime {
		ticker = time.NewTicker(w.cfg.ChunkDuration)
		defer ticker.Stop()
	}

	for {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		buf.Data = buf.Data[:cap(buf.Data)]
		n, err := w.decoder.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read pcm: %w", err)
		}
		n -= n % chans

		if n == 0 {
			if rewound {
				return errors.New("wav has no pcm frames to loop")
			}
			if !w.cfg.Loop {
				w.mu.Lock()
				w.finished = true
				w.mu.Unlock()
				w.logger.Info("wav playback finished")
				return nil
			}
			if err := w.rewind(); err != nil {
				return err
			}
			rewound = true
			continue
		}
		rewound = false

		ch1 := make([]int16, n/chans)
		ch2 := make([]int16, n/chans)
		for i := range ch1 {
			ch1[i] = toInt16(buf.Data[i*chans], depth)
			ch2[i] = ch1[i]
			if chans == 2 {
				ch2[i] = toInt16(buf.Data[i*chans+1], depth)
			}
		}
		sink.Append(stream.Channel1, ch1)
		sink.Append(stream.Channel2, ch2)
		w.delivered(len(ch1))
	}
}

func (w *WAVSource) rewind() error {
	if _, err := w.fileHandle.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind wav: %w", err)
	}
	w.decoder = wav.NewDecoder(w.fileHandle)
	if err := w.decoder.FwdToPCM(); err != nil {
		return fmt.Errorf("rewind wav: %w", err)
	}
	return nil
}

// toInt16 rescales a decoded sample of any bit depth to 16 bits.
// 8-bit PCM is unsigned and centred on 128.
func toInt16(v, bitDepth int) int16 {
	if bitDepth == 8 {
		v -= 128
	}
	shift := bitDepth - 16
	switch {
	case shift > 0:
		v >>= shift
	case shift < 0:
		v <<= -shift
	}
	return int16(max(math.MinInt16, min(math.MaxInt16, v)))
}

// Close stops playback and closes the file
func (w *WAVSource) Close() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return w.fileHandle.Close()
}

// Healthy returns true until a non-looping file has been fully played
func (w *WAVSource) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.finished && w.errors.Load() == 0
}

// Name returns the source type name
func (w *WAVSource) Name() string {
	return "wav"
}

// Stats returns capture counters
func (w *WAVSource) Stats() Stats {
	return w.stats()
}

// Package stream holds the per-channel sample history for the two microphones
package stream

import (
	"errors"
	"fmt"
	"sync"
)

// Channel identifies one of the two capture channels
type Channel int

const (
	Channel1 Channel = iota
	Channel2

	NumChannels = 2
)

func (c Channel) String() string {
	switch c {
	case Channel1:
		return "ch1"
	case Channel2:
		return "ch2"
	}
	return fmt.Sprintf("ch(%d)", int(c))
}

// ErrInsufficientData means a window cannot be taken yet; callers skip the cycle
var ErrInsufficientData = errors.New("insufficient data")

// Config configures sample retention
type Config struct {
	HighWaterMark int // trim once both channels exceed this many samples
	TrimChunk     int // samples dropped from the head of both channels per trim
}

// DefaultConfig returns the retention used at 48 kHz
func DefaultConfig() Config {
	return Config{
		HighWaterMark: 400000,
		TrimChunk:     100000,
	}
}

// Buffer accumulates samples for both channels. It is the only mutator of
// the underlying streams; every read and write holds the same lock so a
// trim never shifts index zero under a reader.
type Buffer struct {
	cfg Config

	mu       sync.Mutex
	samples  [NumChannels][]int16
	appended [NumChannels]uint64
	trimmed  uint64
	trims    uint64
}

// NewBuffer creates an empty two-channel buffer
func NewBuffer(cfg Config) *Buffer {
	if cfg.TrimChunk <= 0 || cfg.TrimChunk > cfg.HighWaterMark {
		cfg.TrimChunk = cfg.HighWaterMark
	}

	b := &Buffer{cfg: cfg}
	for ch := range b.samples {
		b.samples[ch] = make([]int16, 0, cfg.HighWaterMark+cfg.TrimChunk)
	}
	return b
}

// Append adds samples to the tail of ch and applies the retention policy
func (b *Buffer) Append(ch Channel, samples []int16) {
	if ch < 0 || ch >= NumChannels || len(samples) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples[ch] = append(b.samples[ch], samples...)
	b.appended[ch] += uint64(len(samples))
	b.trimLocked()
}

// AppendInterleaved splits interleaved stereo frames (ch1, ch2, ch1, ...)
// and appends both halves atomically.
func (b *Buffer) AppendInterleaved(frames []int16) {
	n := len(frames) / NumChannels
	if n == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < n; i++ {
		b.samples[Channel1] = append(b.samples[Channel1], frames[2*i])
		b.samples[Channel2] = append(b.samples[Channel2], frames[2*i+1])
	}
	b.appended[Channel1] += uint64(n)
	b.appended[Channel2] += uint64(n)
	b.trimLocked()
}

// Trim drops TrimChunk samples from the head of both channels when both
// exceed the high-water mark. It reports whether a trim happened.
func (b *Buffer) Trim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimLocked()
}

func (b *Buffer) trimLocked() bool {
	hw := b.cfg.HighWaterMark
	if hw <= 0 {
		return false
	}
	if len(b.samples[Channel1]) <= hw || len(b.samples[Channel2]) <= hw {
		return false
	}

	n := b.cfg.TrimChunk
	for ch := range b.samples {
		s := b.samples[ch]
		// shift in place to keep the backing array bounded
		kept := copy(s, s[n:])
		b.samples[ch] = s[:kept]
	}
	b.trimmed += uint64(n)
	b.trims++
	return true
}

// MinCount returns the shorter of the two channel lengths
func (b *Buffer) MinCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minCountLocked()
}

func (b *Buffer) minCountLocked() int {
	return min(len(b.samples[Channel1]), len(b.samples[Channel2]))
}

// Lengths returns the current length of each channel
func (b *Buffer) Lengths() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples[Channel1]), len(b.samples[Channel2])
}

// Window copies the length samples of ch ending offsetFromEnd samples
// before the aligned tail (the common end of both channels).
func (b *Buffer) Window(ch Channel, length, offsetFromEnd int) ([]int16, error) {
	if ch < 0 || ch >= NumChannels {
		return nil, fmt.Errorf("invalid channel %d", int(ch))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.windowLocked(ch, length, offsetFromEnd)
}

// Windows copies one window per channel in a single critical section
func (b *Buffer) Windows(length int, offsets [NumChannels]int) ([NumChannels][]int16, error) {
	var out [NumChannels][]int16

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range out {
		w, err := b.windowLocked(Channel(ch), length, offsets[ch])
		if err != nil {
			return out, err
		}
		out[ch] = w
	}
	return out, nil
}

func (b *Buffer) windowLocked(ch Channel, length, offsetFromEnd int) ([]int16, error) {
	if length < 0 || offsetFromEnd < 0 {
		return nil, fmt.Errorf("invalid window: length %d offset %d", length, offsetFromEnd)
	}

	end := b.minCountLocked() - offsetFromEnd
	start := end - length
	if start < 0 {
		return nil, fmt.Errorf("%w: need %d samples, have %d", ErrInsufficientData,
			length+offsetFromEnd, b.minCountLocked())
	}

	w := make([]int16, length)
	copy(w, b.samples[ch][start:end])
	return w, nil
}

// Reset discards all samples
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.samples {
		b.samples[ch] = b.samples[ch][:0]
	}
}

// Stats contains buffer statistics
type Stats struct {
	Ch1Len      int    `json:"ch1_len"`
	Ch2Len      int    `json:"ch2_len"`
	Ch1Appended uint64 `json:"ch1_appended"`
	Ch2Appended uint64 `json:"ch2_appended"`
	Trimmed     uint64 `json:"trimmed"`
	Trims       uint64 `json:"trims"`
}

// Stats returns buffer statistics
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Ch1Len:      len(b.samples[Channel1]),
		Ch2Len:      len(b.samples[Channel2]),
		Ch1Appended: b.appended[Channel1],
		Ch2Appended: b.appended[Channel2],
		Trimmed:     b.trimmed,
		Trims:       b.trims,
	}
}

package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-doa/internal/stream"
)

// writeWAV encodes 16-bit PCM frames into a temp file
func writeWAV(t *testing.T, chans int, data []int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "capture.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, 48000, 16, chans, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: chans, SampleRate: 48000},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func wavConfig(path string) Config {
	cfg := DefaultConfig()
	cfg.Source = "wav"
	cfg.WAVPath = path
	cfg.Realtime = false
	return cfg
}

func TestWAVSource_Stereo(t *testing.T) {
	const frames = 1000
	data := make([]int, 0, frames*2)
	for i := 0; i < frames; i++ {
		data = append(data, i, -i)
	}

	w, err := NewWAVSource(wavConfig(writeWAV(t, 2, data)), nil)
	require.NoError(t, err)
	defer w.Close()

	buf := stream.NewBuffer(stream.DefaultConfig())
	require.NoError(t, w.Start(context.Background(), buf))

	require.Eventually(t, func() bool { return !w.Healthy() }, 2*time.Second, time.Millisecond)

	require.Equal(t, frames, buf.MinCount())
	windows, err := buf.Windows(frames, [stream.NumChannels]int{})
	require.NoError(t, err)
	for i := 0; i < frames; i++ {
		require.Equal(t, int16(i), windows[stream.Channel1][i])
		require.Equal(t, int16(-i), windows[stream.Channel2][i])
	}
	assert.Equal(t, uint64(frames), w.Stats().Frames)
}

func TestWAVSource_MonoFeedsBothChannels(t *testing.T) {
	data := []int{5, 10, 15, 20}

	w, err := NewWAVSource(wavConfig(writeWAV(t, 1, data)), nil)
	require.NoError(t, err)
	defer w.Close()

	buf := stream.NewBuffer(stream.DefaultConfig())
	require.NoError(t, w.Start(context.Background(), buf))
	require.Eventually(t, func() bool { return !w.Healthy() }, 2*time.Second, time.Millisecond)

	windows, err := buf.Windows(4, [stream.NumChannels]int{})
	require.NoError(t, err)
	assert.Equal(t, []int16{5, 10, 15, 20}, windows[stream.Channel1])
	assert.Equal(t, windows[stream.Channel1], windows[stream.Channel2])
}

func TestWAVSource_Loop(t *testing.T) {
	cfg := wavConfig(writeWAV(t, 2, []int{1, 2, 3, 4}))
	cfg.Loop = true

	w, err := NewWAVSource(cfg, nil)
	require.NoError(t, err)

	buf := stream.NewBuffer(stream.DefaultConfig())
	require.NoError(t, w.Start(context.Background(), buf))
	require.Eventually(t, func() bool { return buf.MinCount() >= 10 }, 2*time.Second, time.Millisecond)
	require.NoError(t, w.Close())

	assert.True(t, w.Healthy())
	tail, err := buf.Window(stream.Channel1, 2, 0)
	require.NoError(t, err)
	assert.Contains(t, [][]int16{{1, 3}, {3, 1}}, tail)
}

func TestNewWAVSource_Errors(t *testing.T) {
	_, err := NewWAVSource(wavConfig(filepath.Join(t.TempDir(), "missing.wav")), nil)
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("not a wav file at all"), 0o644))
	_, err = NewWAVSource(wavConfig(garbage), nil)
	assert.Error(t, err)
}

func TestWAVSource_LoopEmptyFile(t *testing.T) {
	cfg := wavConfig(writeWAV(t, 2, nil))
	cfg.Loop = true

	w, err := NewWAVSource(cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	buf := stream.NewBuffer(stream.DefaultConfig())
	require.NoError(t, w.Start(context.Background(), buf))

	// playback gives up instead of rewinding forever
	require.Eventually(t, func() bool { return !w.Stats().Running }, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), w.Stats().Errors)
	assert.Equal(t, uint64(0), w.Stats().Frames)
	assert.False(t, w.Healthy())
}

func TestToInt16(t *testing.T) {
	tests := []struct {
		name  string
		v     int
		depth int
		want  int16
	}{
		{"16 bit", -1234, 16, -1234},
		{"24 bit", 0x7fff00, 24, 0x7fff},
		{"24 bit negative", -0x800000, 24, -0x8000},
		{"8 bit midpoint", 128, 8, 0},
		{"8 bit max", 255, 8, 32512},
		{"8 bit min", 0, 8, -32768},
		{"8 bit", 228, 8, 25600},
		{"clamped", 40000, 16, 32767},
		{"clamped negative", -40000, 16, -32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toInt16(tt.v, tt.depth))
		})
	}
}

package fft

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"
)

const tolerance = 1e-9

func randomBuffer(rng *rand.Rand, n int) []complex128 {
	buf := make([]complex128, n)
	for i := range buf {
		buf[i] = complex(rng.Float64()*2-1, rng.Float64()*2-1)
	}
	return buf
}

func assertClose(t *testing.T, want, got []complex128, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if cmplx.Abs(want[i]-got[i]) > tol {
			t.Fatalf("index %d: want %v, got %v", i, want[i], got[i])
		}
	}
}

func TestTransform_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, n := range []int{1, 2, 4, 8, 64, 1024, 4096} {
		orig := randomBuffer(rng, n)
		buf := append([]complex128(nil), orig...)

		require.NoError(t, Transform(buf, true))
		require.NoError(t, Transform(buf, false))

		assertClose(t, orig, buf, tolerance)
	}
}

func TestTransform_LengthTwo(t *testing.T) {
	buf := []complex128{3, 1}

	require.NoError(t, Forward(buf))
	assert.InDelta(t, 4, real(buf[0]), tolerance)
	assert.InDelta(t, 2, real(buf[1]), tolerance)

	require.NoError(t, Inverse(buf))
	assertClose(t, []complex128{3, 1}, buf, tolerance)
}

func TestTransform_MatchesGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, n := range []int{2, 16, 256, 2048} {
		in := randomBuffer(rng, n)

		want := fourier.NewCmplxFFT(n).Coefficients(nil, in)

		got := append([]complex128(nil), in...)
		require.NoError(t, Forward(got))

		assertClose(t, want, got, 1e-8*float64(n))
	}
}

func TestTransform_Impulse(t *testing.T) {
	buf := make([]complex128, 16)
	buf[0] = 1

	require.NoError(t, Forward(buf))
	for i, v := range buf {
		assert.InDelta(t, 1, real(v), tolerance, "bin %d", i)
		assert.InDelta(t, 0, imag(v), tolerance, "bin %d", i)
	}
}

func TestTransform_SingleTone(t *testing.T) {
	const n = 64
	const bin = 5

	buf := make([]complex128, n)
	for i := range buf {
		buf[i] = cmplx.Exp(complex(0, 2*math.Pi*bin*float64(i)/n))
	}

	require.NoError(t, Forward(buf))
	for i, v := range buf {
		if i == bin {
			assert.InDelta(t, n, cmplx.Abs(v), 1e-9)
			continue
		}
		assert.InDelta(t, 0, cmplx.Abs(v), 1e-9, "bin %d", i)
	}
}

func TestTransform_InvalidLength(t *testing.T) {
	for _, n := range []int{0, 3, 6, 20000} {
		err := Transform(make([]complex128, n), true)
		require.ErrorIs(t, err, ErrInvalidInput, "length %d", n)
	}
}

func TestBitReverse_Involution(t *testing.T) {
	for nbits := 1; nbits <= 12; nbits++ {
		for i := 0; i < 1<<nbits; i++ {
			r := BitReverse(i, nbits)
			require.Less(t, r, 1<<nbits)
			require.Equal(t, i, BitReverse(r, nbits))
		}
	}
}

func TestBitReverse_Values(t *testing.T) {
	tests := []struct {
		i, nbits, want int
	}{
		{0, 3, 0},
		{1, 3, 4},
		{3, 3, 6},
		{6, 3, 3},
		{1, 1, 1},
		{1, 16, 1 << 15},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, BitReverse(tt.i, tt.nbits), "BitReverse(%d, %d)", tt.i, tt.nbits)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := map[int]int{
		0:     1,
		1:     1,
		2:     2,
		3:     4,
		1000:  1024,
		1024:  1024,
		20000: 32768,
	}

	for in, want := range tests {
		assert.Equal(t, want, NextPowerOfTwo(in), "NextPowerOfTwo(%d)", in)
	}
}

func TestPaddedLength_NoWrap(t *testing.T) {
	// linear correlation of two length-L windows spans 2L-1 lags
	for _, l := range []int{1, 2, 3, 1000, 20000, 32768} {
		p := PaddedLength(l, l)
		assert.True(t, IsPowerOfTwo(p))
		assert.GreaterOrEqual(t, p, 2*l-1, "window %d", l)
	}

	assert.Equal(t, 65536, PaddedLength(20000, 20000))
}

func TestTwiddleTable_Cached(t *testing.T) {
	a := twiddleTable(512)
	b := twiddleTable(512)

	require.Len(t, a, 256)
	assert.Same(t, &a[0], &b[0])
}

func BenchmarkTransform65536(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	buf := randomBuffer(rng, 65536)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Transform(buf, i%2 == 0)
	}
}

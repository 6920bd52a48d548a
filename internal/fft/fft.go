// Package fft provides an in-place radix-2 complex FFT
package fft

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidInput is returned when the buffer length is not a power of two
var ErrInvalidInput = errors.New("fft: buffer length is not a power of two")

// twiddleCacheSize bounds the number of distinct transform sizes kept
const twiddleCacheSize = 8

var twiddles = mustTwiddleCache()

func mustTwiddleCache() *lru.Cache[int, []complex128] {
	c, err := lru.New[int, []complex128](twiddleCacheSize)
	if err != nil {
		panic(fmt.Sprintf("fft: twiddle cache: %v", err))
	}
	return c
}

// Transform computes the forward (forward=true) or inverse DFT of buf in place.
// The inverse is normalized by len(buf).
func Transform(buf []complex128, forward bool) error {
	n := len(buf)
	if !IsPowerOfTwo(n) {
		return fmt.Errorf("%w: length %d", ErrInvalidInput, n)
	}
	if n == 1 {
		return nil
	}

	permute(buf)

	// w[k] = exp(-i·2π·k/n); stage size m uses every (n/m)-th entry
	w := twiddleTable(n)

	for m := 2; m <= n; m <<= 1 {
		half := m >> 1
		stride := n / m
		for start := 0; start < n; start += m {
			for k := 0; k < half; k++ {
				tw := w[k*stride]
				if !forward {
					tw = complex(real(tw), -imag(tw))
				}
				a := start + k
				b := a + half
				t := tw * buf[b]
				buf[b] = buf[a] - t
				buf[a] += t
			}
		}
	}

	if !forward {
		scale := complex(1/float64(n), 0)
		for i := range buf {
			buf[i] *= scale
		}
	}

	return nil
}

// Forward is shorthand for Transform(buf, true)
func Forward(buf []complex128) error {
	return Transform(buf, true)
}

// Inverse is shorthand for Transform(buf, false)
func Inverse(buf []complex128) error {
	return Transform(buf, false)
}

// permute reorders buf by the bit-reversal of each index
func permute(buf []complex128) {
	n := len(buf)
	nbits := Log2(n)
	for i := 0; i < n; i++ {
		j := BitReverse(i, nbits)
		if j > i {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}
}

func twiddleTable(n int) []complex128 {
	if w, ok := twiddles.Get(n); ok {
		return w
	}

	w := make([]complex128, n/2)
	for k := range w {
		theta := -2 * math.Pi * float64(k) / float64(n)
		w[k] = complex(math.Cos(theta), math.Sin(theta))
	}
	twiddles.Add(n, w)
	return w
}

// BitReverse reverses the low nbits bits of i
func BitReverse(i, nbits int) int {
	if nbits <= 0 {
		return 0
	}
	return int(bits.Reverse64(uint64(i)) >> (64 - nbits))
}

// IsPowerOfTwo reports whether n is a positive power of two
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n (1 for n <= 1)
func NextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Log2 returns log2(n) for a power of two n
func Log2(n int) int {
	return bits.TrailingZeros64(uint64(n))
}

// PaddedLength returns the working length for correlating two windows of
// lengths a and b without circular wrap-around.
func PaddedLength(a, b int) int {
	return NextPowerOfTwo(max(a, b)) * 2
}

// Package tdoa estimates the time difference of arrival between two
// channels by FFT cross-correlation.
package tdoa

import (
	"fmt"
	"math/cmplx"

	"github.com/teslashibe/go-doa/internal/fft"
)

// Estimator computes correlation peaks between two windows.
// The zero value is usable: plain cross-correlation, no pre-filter.
type Estimator struct {
	phat   bool
	filter Filter
}

// Option configures an Estimator
type Option func(*Estimator)

// WithPHAT enables phase-transform weighting (GCC-PHAT)
func WithPHAT() Option {
	return func(e *Estimator) { e.phat = true }
}

// WithFilter applies f to both windows before correlating
func WithFilter(f Filter) Option {
	return func(e *Estimator) { e.filter = f }
}

// NewEstimator creates a delay estimator
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Correlation is the real part of the inverse-transformed cross spectrum
type Correlation struct {
	Values []float64
	Peak   int // first index of the maximum
	Len1   int // length of the reference window
}

// Lag converts the peak from reversed-window index space into a signed
// sample delay; positive means channel 2 lags channel 1.
func (c Correlation) Lag() int {
	return c.Len1 - c.Peak
}

// Flat reports whether every lag scored the same, i.e. no discernible delay
func (c Correlation) Flat() bool {
	if len(c.Values) == 0 {
		return true
	}
	const eps = 1e-9
	lo, hi := c.Values[0], c.Values[0]
	for _, v := range c.Values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	scale := max(abs(lo), abs(hi), 1)
	return hi-lo <= eps*scale
}

// Correlate cross-correlates w1 against w2.
//
// w1 is placed at [0, len1) of a zero buffer; w2 is time-reversed and
// right-anchored at [len2-1-i], so the spectral product yields a linear
// correlation. The buffer is twice the next power of two of the longer
// window so lags do not wrap.
func (e *Estimator) Correlate(w1, w2 []int16) (Correlation, error) {
	x1 := toFloat(w1)
	x2 := toFloat(w2)
	if e.filter != nil {
		x1 = e.filter.Apply(x1)
		x2 = e.filter.Apply(x2)
	}

	n := fft.PaddedLength(len(x1), len(x2))

	spec1 := make([]complex128, n)
	for i, v := range x1 {
		spec1[i] = complex(v, 0)
	}

	spec2 := make([]complex128, n)
	for i, v := range x2 {
		spec2[len(x2)-1-i] = complex(v, 0)
	}

	if err := fft.Forward(spec1); err != nil {
		return Correlation{}, fmt.Errorf("transform window 1: %w", err)
	}
	if err := fft.Forward(spec2); err != nil {
		return Correlation{}, fmt.Errorf("transform window 2: %w", err)
	}

	// reuse spec1 as the product buffer
	for i := range spec1 {
		p := spec1[i] * spec2[i]
		if e.phat {
			if mag := cmplx.Abs(p); mag > 0 {
				p /= complex(mag, 0)
			}
		}
		spec1[i] = p
	}

	if err := fft.Inverse(spec1); err != nil {
		return Correlation{}, fmt.Errorf("inverse transform: %w", err)
	}

	values := make([]float64, n)
	for i, v := range spec1 {
		values[i] = real(v)
	}

	return Correlation{
		Values: values,
		Peak:   argmax(values),
		Len1:   len(w1),
	}, nil
}

// Peak returns the raw correlation peak index
func (e *Estimator) Peak(w1, w2 []int16) (int, error) {
	c, err := e.Correlate(w1, w2)
	if err != nil {
		return 0, err
	}
	return c.Peak, nil
}

// Lag returns len(w1) minus the correlation peak index
func (e *Estimator) Lag(w1, w2 []int16) (int, error) {
	c, err := e.Correlate(w1, w2)
	if err != nil {
		return 0, err
	}
	return c.Lag(), nil
}

// argmax returns the first index of the largest value
func argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

func toFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

package tdoa

import (
	"fmt"
	"slices"
)

// Filter is an optional smoothing stage applied before correlation
type Filter interface {
	Apply(x []float64) []float64
	Name() string
}

// MovingAverage is a forward-looking mean over Width samples.
// The tail is padded with the last sample.
type MovingAverage struct {
	Width int
}

// Apply returns a filtered copy of x
func (m MovingAverage) Apply(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	if m.Width <= 1 {
		copy(out, x)
		return out
	}

	last := x[len(x)-1]
	at := func(i int) float64 {
		if i < len(x) {
			return x[i]
		}
		return last
	}

	// running sum over [i, i+Width)
	var sum float64
	for k := 0; k < m.Width; k++ {
		sum += at(k)
	}
	w := float64(m.Width)
	for i := range x {
		out[i] = sum / w
		sum += at(i+m.Width) - at(i)
	}
	return out
}

// Name identifies the filter in logs
func (m MovingAverage) Name() string {
	return fmt.Sprintf("moving_average(%d)", m.Width)
}

// Median5 is a forward-looking 5-tap median; the tail is padded with zeros.
type Median5 struct{}

// Apply returns a filtered copy of x
func (Median5) Apply(x []float64) []float64 {
	const taps = 5
	out := make([]float64, len(x))
	var win [taps]float64
	for i := range x {
		for k := 0; k < taps; k++ {
			if i+k < len(x) {
				win[k] = x[i+k]
			} else {
				win[k] = 0
			}
		}
		s := win
		slices.Sort(s[:])
		out[i] = s[taps/2]
	}
	return out
}

// Name identifies the filter in logs
func (Median5) Name() string {
	return "median5"
}

// ParseFilter maps a config name to a Filter; "" and "none" yield nil
func ParseFilter(name string, width int) (Filter, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "moving_average":
		if width < 1 {
			return nil, fmt.Errorf("moving average width must be positive, got %d", width)
		}
		return MovingAverage{Width: width}, nil
	case "median", "median5":
		return Median5{}, nil
	default:
		return nil, fmt.Errorf("unknown prefilter %q", name)
	}
}

// Package doa turns inter-channel delays into Direction of Arrival estimates
package doa

import "math"

// Geometry describes the two-microphone baseline
type Geometry struct {
	SampleRate   int     // Hz
	MicSpacing   float64 // metres between the two microphones
	SpeedOfSound float64 // metres per second
	MaxDelay     int     // largest physically valid delay in samples
}

// DefaultGeometry returns the 25 cm / 48 kHz baseline
func DefaultGeometry() Geometry {
	return Geometry{
		SampleRate:   48000,
		MicSpacing:   0.25,
		SpeedOfSound: 340,
		MaxDelay:     35,
	}
}

// PhysicalMaxDelay is the delay, in samples, of a source on the baseline axis
func (g Geometry) PhysicalMaxDelay() float64 {
	return g.MicSpacing * float64(g.SampleRate) / g.SpeedOfSound
}

// ClampDelay limits delay to [-MaxDelay, MaxDelay]
func (g Geometry) ClampDelay(delay int) int {
	return int(Clamp(float64(delay), float64(-g.MaxDelay), float64(g.MaxDelay)))
}

// Angle maps a delay in samples to degrees in [-90, 90].
// 0 is broadside; positive means channel 2 hears the source later.
func (g Geometry) Angle(delay int) float64 {
	ratio := g.SpeedOfSound * float64(delay) / float64(g.SampleRate) / g.MicSpacing
	return math.Asin(Clamp(ratio, -1, 1)) * 180 / math.Pi
}

// Clamp clamps a value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

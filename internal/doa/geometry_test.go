package doa

import (
	"math"
	"testing"
)

func TestGeometry_Angle(t *testing.T) {
	g := DefaultGeometry()

	tests := []struct {
		name  string
		delay int
		want  float64
	}{
		{
			name:  "broadside",
			delay: 0,
			want:  0,
		},
		{
			name:  "11 samples late",
			delay: 11,
			want:  math.Asin(340.0*11/48000/0.25) * 180 / math.Pi,
		},
		{
			name:  "10 samples early",
			delay: -10,
			want:  -math.Asin(340.0*10/48000/0.25) * 180 / math.Pi,
		},
		{
			name:  "max delay",
			delay: 35,
			want:  math.Asin(340.0*35/48000/0.25) * 180 / math.Pi,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Angle(tt.delay)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Angle(%d) = %f, want %f", tt.delay, got, tt.want)
			}
		})
	}
}

func TestGeometry_AngleNeverNaN(t *testing.T) {
	g := DefaultGeometry()

	// 40 samples is past the physical limit of ~35.3
	for _, d := range []int{-1000, -40, 40, 1000} {
		got := g.Angle(d)
		if math.IsNaN(got) {
			t.Fatalf("Angle(%d) is NaN", d)
		}
		if math.Abs(math.Abs(got)-90) > 1e-9 {
			t.Errorf("Angle(%d) = %f, want ±90", d, got)
		}
	}
}

func TestGeometry_ClampDelay(t *testing.T) {
	g := DefaultGeometry()

	tests := []struct {
		delay int
		want  int
	}{
		{0, 0},
		{35, 35},
		{36, 35},
		{-35, -35},
		{-200, -35},
		{12, 12},
	}

	for _, tt := range tests {
		if got := g.ClampDelay(tt.delay); got != tt.want {
			t.Errorf("ClampDelay(%d) = %d, want %d", tt.delay, got, tt.want)
		}
	}
}

func TestGeometry_PhysicalMaxDelay(t *testing.T) {
	got := DefaultGeometry().PhysicalMaxDelay()
	if math.Abs(got-35.294) > 0.001 {
		t.Errorf("PhysicalMaxDelay() = %f, want ~35.294", got)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		min   float64
		max   float64
		want  float64
	}{
		{
			name:  "within range",
			value: 0.5,
			min:   0,
			max:   1,
			want:  0.5,
		},
		{
			name:  "below min",
			value: -0.5,
			min:   0,
			max:   1,
			want:  0,
		},
		{
			name:  "above max",
			value: 1.5,
			min:   0,
			max:   1,
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Clamp(tt.value, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("Clamp(%f, %f, %f) = %f, want %f", tt.value, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

package windowing

import (
	"fmt"
	"math"
)

// Hann represents a Hann window function
type Hann struct {
	size         int
	symmetric    bool
	coefficients []float64
}

// NewHann creates a new Hann window. A symmetric window spans size-1
// intervals, a periodic one spans size intervals.
func NewHann(size int, symmetric bool) (*Hann, error) {
	if size < 2 {
		return nil, fmt.Errorf("windowing: hann size must be at least 2, got %d", size)
	}
	h := &Hann{
		size:      size,
		symmetric: symmetric,
	}
	h.generate()
	return h, nil
}

func (h *Hann) generate() {
	h.coefficients = make([]float64, h.size)

	denominator := float64(h.size)
	if h.symmetric {
		denominator = float64(h.size - 1)
	}

	for i := range h.size {
		h.coefficients[i] = 0.5 * (1.0 - math.Cos(2*math.Pi*float64(i)/denominator))
	}
}

// ApplyInPlace multiplies signal by the window coefficients.
func (h *Hann) ApplyInPlace(signal []float64) error {
	if len(signal) != h.size {
		return fmt.Errorf("windowing: signal length (%d) doesn't match window size (%d)", len(signal), h.size)
	}

	for i, c := range h.coefficients {
		signal[i] *= c
	}
	return nil
}

// PowerGain is the mean of the squared coefficients, the factor by which the
// window scales the energy of broadband noise.
func (h *Hann) PowerGain() float64 {
	sum := 0.0
	for _, c := range h.coefficients {
		sum += c * c
	}
	return sum / float64(h.size)
}

// Coefficients returns a copy of the window coefficients
func (h *Hann) Coefficients() []float64 {
	coeffs := make([]float64, len(h.coefficients))
	copy(coeffs, h.coefficients)
	return coeffs
}

// Size returns the window size
func (h *Hann) Size() int {
	return h.size
}

package spectral

import (
	"fmt"

	"github.com/mjibson/go-dsp/fft"
)

// FFT wraps mjibson/go-dsp for a fixed transform size.
type FFT struct {
	size int
}

// NewFFT creates a forward transform sized to n samples.
func NewFFT(n int) (*FFT, error) {
	if n <= 0 {
		return nil, fmt.Errorf("spectral: fft size must be positive, got %d", n)
	}
	return &FFT{size: n}, nil
}

// Size returns the transform length.
func (f *FFT) Size() int {
	return f.size
}

// Forward transforms x and writes the real and imaginary parts into re and im.
// go-dsp handles non-power-of-two sizes, so any block length works.
func (f *FFT) Forward(x, re, im []float64) error {
	if len(x) != f.size || len(re) != f.size || len(im) != f.size {
		return fmt.Errorf("spectral: fft expects %d values, got x=%d re=%d im=%d",
			f.size, len(x), len(re), len(im))
	}

	out := fft.FFTReal(x)
	for i, c := range out {
		re[i] = real(c)
		im[i] = imag(c)
	}
	return nil
}

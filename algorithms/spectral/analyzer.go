package spectral

import (
	"fmt"

	"github.com/RyanBlaney/sonido-soundkit/algorithms/windowing"
)

// Frame holds one transformed block. After Analyzer.Transform, Real carries
// the energy of each bin and Imag is all zeros.
type Frame struct {
	Real []float64
	Imag []float64
}

// NewFrame allocates a frame for n bins.
func NewFrame(n int) *Frame {
	return &Frame{
		Real: make([]float64, n),
		Imag: make([]float64, n),
	}
}

// Len returns the number of bins.
func (f *Frame) Len() int {
	return len(f.Real)
}

// Analyzer windows a block, transforms it and reduces every bin to energy.
// Phase is discarded; only levels are reported.
type Analyzer struct {
	size   int
	window *windowing.Hann
	fft    *FFT
	work   []float64
}

// NewAnalyzer creates an analyzer for blocks of exactly size samples.
func NewAnalyzer(size int) (*Analyzer, error) {
	w, err := windowing.NewHann(size, true)
	if err != nil {
		return nil, fmt.Errorf("spectral: %w", err)
	}
	f, err := NewFFT(size)
	if err != nil {
		return nil, err
	}
	return &Analyzer{
		size:   size,
		window: w,
		fft:    f,
		work:   make([]float64, size),
	}, nil
}

// Size returns the block length the analyzer was built for.
func (a *Analyzer) Size() int {
	return a.size
}

// BinWidth returns the bandwidth of one bin in Hz.
func (a *Analyzer) BinWidth(sampleRate float64) float64 {
	return sampleRate / float64(a.size)
}

// Transform fills frame with per-bin energy of samples. samples is left untouched.
// An Analyzer is not safe for concurrent use.
func (a *Analyzer) Transform(samples []float64, frame *Frame) error {
	if len(samples) != a.size {
		return fmt.Errorf("spectral: block has %d samples, analyzer expects %d", len(samples), a.size)
	}
	if frame == nil || frame.Len() != a.size || len(frame.Imag) != a.size {
		return fmt.Errorf("spectral: frame must hold %d bins", a.size)
	}

	copy(a.work, samples)
	if err := a.window.ApplyInPlace(a.work); err != nil {
		return err
	}
	if err := a.fft.Forward(a.work, frame.Real, frame.Imag); err != nil {
		return err
	}
	Energy(frame)
	return nil
}

// Energy replaces Real with re^2+im^2 and zeroes Imag.
func Energy(frame *Frame) {
	for i := range frame.Real {
		re, im := frame.Real[i], frame.Imag[i]
		frame.Real[i] = re*re + im*im
		frame.Imag[i] = 0
	}
}

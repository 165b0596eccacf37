package spectral

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// SkipBins is the number of lowest bins left out of every octave sum. They sit
// below the first band and would only add near-DC leakage to it.
const SkipBins = 2

// DefaultOctaves covers 31.5 Hz to 8 kHz at 22627 Hz / 2048 samples.
const DefaultOctaves = 9

// OctaveAggregator sums contiguous groups of bins whose width doubles from one
// band to the next, starting with two bins.
type OctaveAggregator struct {
	bounds [][2]int
}

// NewOctaveAggregator precomputes the group boundaries for bands octaves over
// frames of blockSize bins.
func NewOctaveAggregator(bands, blockSize int) (*OctaveAggregator, error) {
	if bands <= 0 {
		return nil, fmt.Errorf("spectral: octave count must be positive, got %d", bands)
	}
	if bands > 30 {
		return nil, fmt.Errorf("spectral: octave count %d too large", bands)
	}
	if need := RequiredBins(bands); need > blockSize {
		return nil, fmt.Errorf("spectral: %d octaves need %d bins, block has %d", bands, need, blockSize)
	}

	bounds := make([][2]int, bands)
	lo, width := SkipBins, 2
	for k := range bands {
		bounds[k] = [2]int{lo, lo + width}
		lo += width
		width *= 2
	}
	return &OctaveAggregator{bounds: bounds}, nil
}

// RequiredBins is SkipBins + 2 + 4 + ... + 2^bands.
func RequiredBins(bands int) int {
	return SkipBins + (1<<(bands+1) - 2)
}

// Bands returns the number of octave bands.
func (o *OctaveAggregator) Bands() int {
	return len(o.bounds)
}

// Bounds returns the half-open bin range [lo, hi) summed into band k.
func (o *OctaveAggregator) Bounds(k int) (lo, hi int) {
	b := o.bounds[k]
	return b[0], b[1]
}

// Aggregate writes one energy per band into dst.
func (o *OctaveAggregator) Aggregate(frame *Frame, dst []float64) error {
	if len(dst) != len(o.bounds) {
		return fmt.Errorf("spectral: destination holds %d bands, want %d", len(dst), len(o.bounds))
	}
	last := o.bounds[len(o.bounds)-1][1]
	if frame == nil || frame.Len() < last {
		return fmt.Errorf("spectral: frame too short for octave bounds (need %d bins)", last)
	}

	for k, b := range o.bounds {
		dst[k] = floats.Sum(frame.Real[b[0]:b[1]])
	}
	return nil
}

// CenterFrequencies returns the nominal centre of each band in Hz, the
// geometric mean of its edges.
func (o *OctaveAggregator) CenterFrequencies(sampleRate float64, blockSize int) []float64 {
	binHz := sampleRate / float64(blockSize)
	out := make([]float64, len(o.bounds))
	for k, b := range o.bounds {
		lo := float64(b[0]) * binHz
		hi := float64(b[1]) * binHz
		out[k] = math.Sqrt(lo * hi)
	}
	return out
}

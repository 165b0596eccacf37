// Package measurement accumulates weighted octave levels between reports and
// converts them to decibels when a report is due.
package measurement

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// accumulator's current state.
	ErrInvalidState = errors.New("measurement: invalid accumulator state")

	// ErrNoData is returned by Calculate when nothing was accumulated.
	ErrNoData = fmt.Errorf("%w: no frames accumulated", ErrInvalidState)
)

// energyFloor keeps log10 finite for silent bands.
const energyFloor = 1e-12

// State is the lifecycle position of an Accumulator.
type State int

const (
	Idle State = iota
	Accumulating
	Finalized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Result is the decibel summary of one reporting cycle for one curve.
type Result struct {
	Curve    string    `json:"curve"`
	Count    int       `json:"count"`
	Min      float64   `json:"min_db"`
	Max      float64   `json:"max_db"`
	Avg      float64   `json:"avg_db"`
	Spectrum []float64 `json:"spectrum_db"`
}

// Accumulator keeps running level statistics for a single weighting curve.
// It is not safe for concurrent use; one goroutine owns it.
type Accumulator struct {
	curve string
	state State

	count    int
	sum      float64
	min      float64
	max      float64
	bandSums []float64

	result Result
}

// New creates an accumulator for bands octave bands.
func New(curve string, bands int) *Accumulator {
	a := &Accumulator{
		curve:    curve,
		bandSums: make([]float64, bands),
	}
	a.Reset()
	return a
}

// Curve returns the name of the weighting curve this accumulator follows.
func (a *Accumulator) Curve() string { return a.curve }

// Bands returns the number of octave bands.
func (a *Accumulator) Bands() int { return len(a.bandSums) }

// State returns the current lifecycle state.
func (a *Accumulator) State() State { return a.state }

// Count returns the number of frames folded in since the last reset.
func (a *Accumulator) Count() int { return a.count }

// Reset clears all sums and returns to Idle.
func (a *Accumulator) Reset() {
	a.count = 0
	a.sum = 0
	a.min = math.Inf(1)
	a.max = math.Inf(-1)
	for i := range a.bandSums {
		a.bandSums[i] = 0
	}
	a.result = Result{}
	a.state = Idle
}

// Reopen returns a finalized accumulator to Accumulating with its sums
// intact, for a cycle whose report was never taken.
func (a *Accumulator) Reopen() error {
	if a.state != Finalized {
		return fmt.Errorf("%w: reopen %s accumulator in state %s", ErrInvalidState, a.curve, a.state)
	}
	a.result = Result{}
	a.state = Accumulating
	return nil
}

// Update folds one frame in: the weighted per-band energies and their total.
func (a *Accumulator) Update(weighted []float64, total float64) error {
	if a.state == Finalized {
		return fmt.Errorf("%w: update on finalized %s accumulator", ErrInvalidState, a.curve)
	}
	if len(weighted) != len(a.bandSums) {
		return fmt.Errorf("measurement: %s accumulator has %d bands, got %d", a.curve, len(a.bandSums), len(weighted))
	}

	floats.Add(a.bandSums, weighted)
	a.sum += total
	a.min = math.Min(a.min, total)
	a.max = math.Max(a.max, total)
	a.count++
	a.state = Accumulating
	return nil
}

// Calculate converts the running sums to decibels and freezes the accumulator
// until the next Reset.
func (a *Accumulator) Calculate() error {
	switch a.state {
	case Finalized:
		return fmt.Errorf("%w: %s accumulator already finalized", ErrInvalidState, a.curve)
	case Idle:
		return fmt.Errorf("%s: %w", a.curve, ErrNoData)
	}
	if a.count == 0 {
		return fmt.Errorf("%s: %w", a.curve, ErrNoData)
	}

	n := float64(a.count)
	spectrum := make([]float64, len(a.bandSums))
	for i, s := range a.bandSums {
		spectrum[i] = Decibel(s / n)
	}
	a.result = Result{
		Curve:    a.curve,
		Count:    a.count,
		Min:      Decibel(a.min),
		Max:      Decibel(a.max),
		Avg:      Decibel(a.sum / n),
		Spectrum: spectrum,
	}
	a.state = Finalized
	return nil
}

// Result returns the decibel summary. Only valid once finalized.
func (a *Accumulator) Result() (Result, error) {
	if a.state != Finalized {
		return Result{}, fmt.Errorf("%w: %s accumulator is %s", ErrInvalidState, a.curve, a.state)
	}
	r := a.result
	r.Spectrum = append([]float64(nil), a.result.Spectrum...)
	return r, nil
}

// Clone returns an independent deep copy.
func (a *Accumulator) Clone() *Accumulator {
	c := *a
	c.bandSums = append([]float64(nil), a.bandSums...)
	c.result.Spectrum = append([]float64(nil), a.result.Spectrum...)
	return &c
}

// Decibel converts a linear energy to 10*log10, flooring non-positive input.
func Decibel(v float64) float64 {
	if !(v > energyFloor) {
		v = energyFloor
	}
	return 10 * math.Log10(v)
}

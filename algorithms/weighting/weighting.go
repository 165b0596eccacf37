// Package weighting holds per-octave A, C and Z frequency weighting curves
// and applies them to octave energies.
package weighting

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Octave weighting offsets in dB for bands centred on
// 31.5, 63, 125, 250, 500, 1k, 2k, 4k and 8k Hz.
var (
	ADecibels = []float64{-39.4, -26.2, -16.1, -8.6, -3.2, 0.0, 1.2, 1.0, -1.1}
	CDecibels = []float64{-3.0, -0.8, -0.2, 0.0, 0.0, 0.0, 0.2, 0.3, -3.0}
	ZDecibels = []float64{0, 0, 0, 0, 0, 0, 0, 0, 0}
)

// Curve is an immutable set of per-band energy gains.
type Curve struct {
	name     string
	decibels []float64
	gains    []float64
}

// NewCurve converts dB offsets to linear energy gains, 10^(dB/10).
func NewCurve(name string, decibels []float64) (*Curve, error) {
	if len(decibels) == 0 {
		return nil, fmt.Errorf("weighting: curve %q has no bands", name)
	}
	c := &Curve{
		name:     name,
		decibels: make([]float64, len(decibels)),
		gains:    make([]float64, len(decibels)),
	}
	copy(c.decibels, decibels)
	for i, db := range decibels {
		if math.IsNaN(db) || math.IsInf(db, 0) {
			return nil, fmt.Errorf("weighting: curve %q band %d is not finite", name, i)
		}
		c.gains[i] = math.Pow(10, db/10)
	}
	return c, nil
}

// A returns the A-weighting curve.
func A() *Curve { return mustCurve("A", ADecibels) }

// C returns the C-weighting curve.
func C() *Curve { return mustCurve("C", CDecibels) }

// Z returns the flat curve.
func Z() *Curve { return mustCurve("Z", ZDecibels) }

// Standard returns A, C and Z in wire order.
func Standard() []*Curve {
	return []*Curve{A(), C(), Z()}
}

func mustCurve(name string, db []float64) *Curve {
	c, err := NewCurve(name, db)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the curve label.
func (c *Curve) Name() string { return c.name }

// Bands returns the number of octave bands the curve covers.
func (c *Curve) Bands() int { return len(c.gains) }

// Decibels returns a copy of the dB offsets.
func (c *Curve) Decibels() []float64 {
	return append([]float64(nil), c.decibels...)
}

// Gains returns a copy of the linear gains.
func (c *Curve) Gains() []float64 {
	return append([]float64(nil), c.gains...)
}

// Apply writes energies*gains into weighted and returns their sum, the overall
// level for this curve in linear energy.
func (c *Curve) Apply(energies, weighted []float64) (float64, error) {
	if len(energies) != len(c.gains) || len(weighted) != len(c.gains) {
		return 0, fmt.Errorf("weighting: curve %s has %d bands, got energies=%d weighted=%d",
			c.name, len(c.gains), len(energies), len(weighted))
	}
	floats.MulTo(weighted, energies, c.gains)
	return floats.Sum(weighted), nil
}

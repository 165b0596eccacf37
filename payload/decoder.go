package payload

import (
	"fmt"

	"github.com/RyanBlaney/sonido-soundkit/algorithms/weighting"
)

// Levels is one curve's decoded summary in dB.
type Levels struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Decoded is the receiving side's view of a frame.
type Decoded struct {
	Scale  float64   `json:"scale"`
	A      Levels    `json:"la"`
	C      Levels    `json:"lc"`
	Z      Levels    `json:"lz"`
	Detail []float64 `json:"spectrum"`
}

// Decode inverts Encode: actual = byte / 255 * M.
func Decode(b []byte) (*Decoded, error) {
	if len(b) <= headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need more than %d", ErrMalformed, len(b), headerSize)
	}
	scale := float64(b[0])
	if scale == 0 {
		return nil, fmt.Errorf("%w: zero scale reference", ErrMalformed)
	}
	k := scale / 255

	levels := func(off int) Levels {
		return Levels{Min: k * float64(b[off]), Max: k * float64(b[off+1]), Avg: k * float64(b[off+2])}
	}
	d := &Decoded{
		Scale:  scale,
		A:      levels(1),
		C:      levels(4),
		Z:      levels(7),
		Detail: make([]float64, len(b)-headerSize),
	}
	for i, v := range b[headerSize:] {
		d.Detail[i] = k * float64(v)
	}
	return d, nil
}

// Weighted derives a weighted spectrum from a flat (Z) detail spectrum by
// adding the curve's dB offsets band by band.
func (d *Decoded) Weighted(curve *weighting.Curve) ([]float64, error) {
	db := curve.Decibels()
	if len(db) != len(d.Detail) {
		return nil, fmt.Errorf("payload: curve %s has %d bands, frame has %d", curve.Name(), len(db), len(d.Detail))
	}
	out := make([]float64, len(db))
	for i := range out {
		out[i] = d.Detail[i] + db[i]
	}
	return out, nil
}

// Step returns the quantization step of the frame in dB.
func (d *Decoded) Step() float64 {
	return d.Scale / 255
}

// Package payload packs finalized level statistics into the fixed uplink
// frame and unpacks it again on the receiving side.
//
// Frame layout, 1 + 9 + N bytes:
//
//	0          scale reference M
//	1..3       curve A min, max, avg
//	4..6       curve C min, max, avg
//	7..9       curve Z min, max, avg
//	10..10+N-1 per-band average of the detail curve
//
// Byte 0 is M = ceil(peak), where peak is the largest max level of the three
// curves, and every other value v is sent as round(v * 255 / M). Encoders
// that send round(peak) and scale by 255/peak produce different bytes
// whenever peak has a fraction; rounding up keeps the reference and the
// scale the same integer, so a receiver dividing by byte 0 recovers every
// level to within half a step.
package payload

import (
	"errors"
	"fmt"
	"math"

	"github.com/RyanBlaney/sonido-soundkit/measurement"
)

// DefaultMaxSize is the largest application payload the uplink accepts.
const DefaultMaxSize = 51

// CurveCount is the number of curves in a frame, in wire order A, C, Z.
const CurveCount = 3

// headerSize is the scale byte plus three stats per curve.
const headerSize = 1 + CurveCount*3

var (
	// ErrEncodingOverflow means the frame would not fit in MaxSize bytes.
	ErrEncodingOverflow = errors.New("payload: encoded frame exceeds size limit")

	// ErrInvalidScale means the largest level cannot serve as a byte scale.
	ErrInvalidScale = errors.New("payload: scale reference out of range")

	// ErrMalformed is returned by Decode for frames of the wrong shape.
	ErrMalformed = errors.New("payload: malformed frame")
)

// Encoder builds uplink frames.
type Encoder struct {
	// MaxSize caps the frame length. Zero means DefaultMaxSize.
	MaxSize int
	// Detail selects which curve's spectrum is sent: 0=A, 1=C, 2=Z.
	Detail int
}

// NewEncoder returns an encoder that sends the Z spectrum.
func NewEncoder(maxSize int) *Encoder {
	return &Encoder{MaxSize: maxSize, Detail: 2}
}

// Size returns the frame length for the given band count.
func Size(bands int) int {
	return headerSize + bands
}

// Encode packs three finalized accumulators in A, C, Z order.
func (e *Encoder) Encode(a, c, z *measurement.Accumulator) ([]byte, error) {
	results := make([]measurement.Result, 0, CurveCount)
	for _, acc := range []*measurement.Accumulator{a, c, z} {
		if acc == nil {
			return nil, fmt.Errorf("%w: nil accumulator", measurement.ErrInvalidState)
		}
		r, err := acc.Result()
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return e.EncodeResults(results)
}

// EncodeResults packs already finalized results in A, C, Z order.
func (e *Encoder) EncodeResults(results []measurement.Result) ([]byte, error) {
	if len(results) != CurveCount {
		return nil, fmt.Errorf("payload: need %d curves, got %d", CurveCount, len(results))
	}
	if e.Detail < 0 || e.Detail >= CurveCount {
		return nil, fmt.Errorf("payload: detail curve index %d out of range", e.Detail)
	}

	detail := results[e.Detail].Spectrum
	maxSize := e.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if n := Size(len(detail)); n > maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrEncodingOverflow, n, maxSize)
	}

	peak := math.Inf(-1)
	for _, r := range results {
		peak = math.Max(peak, r.Max)
	}
	ref, err := scaleReference(peak)
	if err != nil {
		return nil, err
	}
	c := 255 / ref

	out := make([]byte, 0, Size(len(detail)))
	out = append(out, byte(ref))
	for _, r := range results {
		out = append(out, quantize(c*r.Min), quantize(c*r.Max), quantize(c*r.Avg))
	}
	for _, v := range detail {
		out = append(out, quantize(c*v))
	}
	return out, nil
}

// scaleReference rounds the peak level up to a whole byte so that the
// transmitted reference and the encoding scale are the same number, keeping
// decode error within half a quantization step.
func scaleReference(peak float64) (float64, error) {
	if math.IsNaN(peak) || math.IsInf(peak, 0) || peak <= 0 {
		return 0, fmt.Errorf("%w: peak level %v", ErrInvalidScale, peak)
	}
	ref := math.Ceil(peak)
	if ref > 255 {
		return 0, fmt.Errorf("%w: peak level %v exceeds 255", ErrInvalidScale, peak)
	}
	return ref, nil
}

func quantize(v float64) byte {
	if math.IsNaN(v) {
		return 0
	}
	return byte(math.Round(math.Max(0, math.Min(255, v))))
}

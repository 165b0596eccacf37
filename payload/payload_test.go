package payload

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/RyanBlaney/sonido-soundkit/algorithms/weighting"
	"github.com/RyanBlaney/sonido-soundkit/measurement"
)

func results(a, c, z [3]float64, spectrum []float64) []measurement.Result {
	mk := func(name string, v [3]float64, s []float64) measurement.Result {
		return measurement.Result{Curve: name, Min: v[0], Max: v[1], Avg: v[2], Spectrum: s}
	}
	flat := make([]float64, len(spectrum))
	return []measurement.Result{
		mk("A", a, flat),
		mk("C", c, flat),
		mk("Z", z, spectrum),
	}
}

func TestEncodeLayout(t *testing.T) {
	spectrum := []float64{30, 35, 40, 45, 50, 55, 60, 50, 40}
	rs := results([3]float64{40, 60, 50}, [3]float64{45, 65, 55}, [3]float64{50, 68, 58}, spectrum)

	out, err := NewEncoder(DefaultMaxSize).EncodeResults(rs)
	if err != nil {
		t.Fatalf("EncodeResults: %v", err)
	}
	if len(out) != 19 {
		t.Fatalf("len = %d, want 19", len(out))
	}
	if out[0] != 68 {
		t.Fatalf("scale byte = %d, want 68", out[0])
	}
	c := 255.0 / 68
	want := []float64{40, 60, 50, 45, 65, 55, 50, 68, 58}
	want = append(want, spectrum...)
	for i, v := range want {
		if got, exp := out[i+1], byte(math.Round(c*v)); got != exp {
			t.Fatalf("byte %d = %d, want %d", i+1, got, exp)
		}
	}
	if out[8] != 255 {
		t.Fatalf("Z max should map to 255, got %d", out[8])
	}
}

func TestEncodeDecodeWithinOneStep(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	enc := NewEncoder(DefaultMaxSize)
	for trial := range 200 {
		var stats [3][3]float64
		for i := range stats {
			lo := 20 + rng.Float64()*40
			hi := lo + rng.Float64()*40
			stats[i] = [3]float64{lo, hi, lo + (hi-lo)*rng.Float64()}
		}
		spectrum := make([]float64, 9)
		for i := range spectrum {
			spectrum[i] = rng.Float64() * stats[2][1]
		}
		rs := results(stats[0], stats[1], stats[2], spectrum)

		out, err := enc.EncodeResults(rs)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if len(out) != Size(9) || len(out) > DefaultMaxSize {
			t.Fatalf("trial %d: len = %d", trial, len(out))
		}
		d, err := Decode(out)
		if err != nil {
			t.Fatalf("trial %d: Decode: %v", trial, err)
		}
		step := d.Step()
		check := func(name string, got, want float64) {
			if math.Abs(got-want) > step {
				t.Fatalf("trial %d: %s decoded %v, original %v, step %v", trial, name, got, want, step)
			}
		}
		for i, lv := range []Levels{d.A, d.C, d.Z} {
			check("min", lv.Min, stats[i][0])
			check("max", lv.Max, stats[i][1])
			check("avg", lv.Avg, stats[i][2])
		}
		for i, v := range d.Detail {
			check("spectrum", v, spectrum[i])
		}
	}
}

func TestScaleByteRoundsUp(t *testing.T) {
	spectrum := make([]float64, 9)
	rs := results([3]float64{40, 60.2, 50}, [3]float64{45, 60.2, 55}, [3]float64{50, 60.2, 58}, spectrum)

	out, err := NewEncoder(DefaultMaxSize).EncodeResults(rs)
	if err != nil {
		t.Fatalf("EncodeResults: %v", err)
	}
	// round(60.2) would be 60 and could not represent the max
	if out[0] != 61 {
		t.Fatalf("scale byte = %d, want 61", out[0])
	}
	d, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if math.Abs(d.Z.Max-60.2) > d.Step()/2 {
		t.Fatalf("max decoded to %v, step %v", d.Z.Max, d.Step())
	}
}

func TestEncodeClampsNegativeLevels(t *testing.T) {
	rs := results([3]float64{-5, 30, 10}, [3]float64{0, 40, 20}, [3]float64{1, 50, 25},
		[]float64{-20, 10, 20, 30, 40, 50, 40, 30, 20})
	out, err := NewEncoder(0).EncodeResults(rs)
	if err != nil {
		t.Fatalf("EncodeResults: %v", err)
	}
	if out[1] != 0 || out[10] != 0 {
		t.Fatalf("negative levels should clamp to 0, got %d and %d", out[1], out[10])
	}
}

func TestEncodeOverflowIsFatal(t *testing.T) {
	spectrum := make([]float64, 42) // 10 + 42 = 52 > 51
	for i := range spectrum {
		spectrum[i] = 40
	}
	rs := results([3]float64{1, 50, 25}, [3]float64{1, 50, 25}, [3]float64{1, 50, 25}, spectrum)
	out, err := NewEncoder(DefaultMaxSize).EncodeResults(rs)
	if !errors.Is(err, ErrEncodingOverflow) {
		t.Fatalf("err = %v, want ErrEncodingOverflow", err)
	}
	if out != nil {
		t.Fatalf("overflowing frame must not be returned")
	}
}

func TestEncodeRejectsBadScale(t *testing.T) {
	for _, peak := range []float64{0, -3, math.NaN(), 300} {
		rs := results([3]float64{-10, peak, -5}, [3]float64{-10, peak, -5}, [3]float64{-10, peak, -5}, make([]float64, 9))
		if _, err := NewEncoder(0).EncodeResults(rs); !errors.Is(err, ErrInvalidScale) {
			t.Fatalf("peak %v: err = %v, want ErrInvalidScale", peak, err)
		}
	}
}

func TestEncodeRequiresFinalizedAccumulators(t *testing.T) {
	a := measurement.New("A", 9)
	c := measurement.New("C", 9)
	z := measurement.New("Z", 9)
	ones := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}
	for _, acc := range []*measurement.Accumulator{a, c, z} {
		if err := acc.Update(ones, 9); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	_ = a.Calculate()
	_ = c.Calculate()

	enc := NewEncoder(DefaultMaxSize)
	if _, err := enc.Encode(a, c, z); !errors.Is(err, measurement.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	_ = z.Calculate()
	out, err := enc.Encode(a, c, z)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// 10*log10(9) = 9.54 dB rounds up to a scale of 10
	if out[0] != 10 {
		t.Fatalf("scale byte = %d, want 10", out[0])
	}
}

func TestDecodeDerivesWeightedSpectra(t *testing.T) {
	frame := []byte{100, 10, 20, 30, 10, 20, 30, 10, 20, 30, 255, 255, 255, 255, 255, 255, 255, 255, 255}
	d, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if math.Abs(d.Z.Avg-30.0*100/255) > 1e-12 {
		t.Fatalf("Z avg = %v", d.Z.Avg)
	}
	la, err := d.Weighted(weighting.A())
	if err != nil {
		t.Fatalf("Weighted: %v", err)
	}
	if math.Abs(la[0]-(100-39.4)) > 1e-9 || math.Abs(la[6]-(100+1.2)) > 1e-9 {
		t.Fatalf("A spectrum = %v", la)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode(make([]byte, 10)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("short frame: err = %v", err)
	}
	if _, err := Decode(make([]byte, 19)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("zero scale: err = %v", err)
	}
}

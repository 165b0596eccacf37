package measurement

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/RyanBlaney/sonido-soundkit/algorithms/weighting"
)

func feed(t *testing.T, acc *Accumulator, curve *weighting.Curve, energies []float64) {
	t.Helper()
	weighted := make([]float64, curve.Bands())
	total, err := curve.Apply(energies, weighted)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := acc.Update(weighted, total); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestSingleFrameLevelMatchesWeightedSum(t *testing.T) {
	energies := []float64{0.5, 1, 2, 4, 8, 16, 8, 4, 2}
	for _, curve := range weighting.Standard() {
		acc := New(curve.Name(), curve.Bands())
		feed(t, acc, curve, energies)
		if err := acc.Calculate(); err != nil {
			t.Fatalf("%s: Calculate: %v", curve.Name(), err)
		}
		r, err := acc.Result()
		if err != nil {
			t.Fatalf("%s: Result: %v", curve.Name(), err)
		}

		sum := 0.0
		for i, g := range curve.Gains() {
			sum += energies[i] * g
		}
		want := 10 * math.Log10(sum)
		for name, got := range map[string]float64{"avg": r.Avg, "min": r.Min, "max": r.Max} {
			if math.Abs(got-want) > 1e-9 {
				t.Fatalf("%s %s = %v, want %v", curve.Name(), name, got, want)
			}
		}
	}
}

func TestACurveThreeIdenticalFrames(t *testing.T) {
	curve := weighting.A()
	acc := New("A", curve.Bands())
	ones := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}
	for range 3 {
		feed(t, acc, curve, ones)
	}
	if err := acc.Calculate(); err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	r, _ := acc.Result()

	sum := 0.0
	for _, db := range []float64{-39.4, -26.2, -16.1, -8.6, -3.2, 0, 1.2, 1.0, -1.1} {
		sum += math.Pow(10, db/10)
	}
	want := 10 * math.Log10(sum)
	if math.Abs(r.Avg-want) > 1e-9 || math.Abs(r.Min-want) > 1e-9 || math.Abs(r.Max-want) > 1e-9 {
		t.Fatalf("avg/min/max = %v/%v/%v, want all %v", r.Avg, r.Min, r.Max, want)
	}
	if r.Count != 3 {
		t.Fatalf("Count = %d, want 3", r.Count)
	}
	for i, db := range curve.Decibels() {
		if math.Abs(r.Spectrum[i]-db) > 1e-9 {
			t.Fatalf("spectrum[%d] = %v, want %v", i, r.Spectrum[i], db)
		}
	}
}

func TestResetRejectsCalculateUntilUpdate(t *testing.T) {
	acc := New("Z", 9)
	if err := acc.Calculate(); !errors.Is(err, ErrNoData) {
		t.Fatalf("Calculate on fresh accumulator = %v, want ErrNoData", err)
	}

	feed(t, acc, weighting.Z(), []float64{1, 1, 1, 1, 1, 1, 1, 1, 1})
	if err := acc.Calculate(); err != nil {
		t.Fatalf("Calculate: %v", err)
	}

	acc.Reset()
	if acc.Count() != 0 || acc.State() != Idle {
		t.Fatalf("after Reset count=%d state=%v", acc.Count(), acc.State())
	}
	err := acc.Calculate()
	if !errors.Is(err, ErrNoData) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Calculate after Reset = %v, want ErrNoData wrapping ErrInvalidState", err)
	}
}

func TestFinalizedIsReadOnly(t *testing.T) {
	acc := New("C", 2)
	if err := acc.Update([]float64{1, 1}, 2); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := acc.Result(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Result before Calculate = %v, want ErrInvalidState", err)
	}
	if err := acc.Calculate(); err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if err := acc.Update([]float64{1, 1}, 2); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Update after Calculate = %v, want ErrInvalidState", err)
	}
	if err := acc.Calculate(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Calculate = %v, want ErrInvalidState", err)
	}
	if acc.Count() != 1 {
		t.Fatalf("rejected update changed count to %d", acc.Count())
	}
}

func TestMinAvgMaxOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	curve := weighting.C()
	for trial := range 50 {
		acc := New("C", curve.Bands())
		frames := 1 + rng.Intn(40)
		for range frames {
			e := make([]float64, curve.Bands())
			for i := range e {
				e[i] = rng.Float64() * math.Pow(10, rng.Float64()*6)
			}
			feed(t, acc, curve, e)
		}
		if err := acc.Calculate(); err != nil {
			t.Fatalf("trial %d: Calculate: %v", trial, err)
		}
		r, _ := acc.Result()
		if !(r.Min <= r.Avg+1e-9 && r.Avg <= r.Max+1e-9) {
			t.Fatalf("trial %d: min %v avg %v max %v out of order", trial, r.Min, r.Avg, r.Max)
		}
	}
}

func TestUpdateRejectsBandMismatch(t *testing.T) {
	acc := New("A", 9)
	if err := acc.Update(make([]float64, 3), 1); err == nil {
		t.Fatalf("expected band mismatch error")
	}
	if acc.State() != Idle {
		t.Fatalf("state = %v, want idle", acc.State())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	acc := New("Z", 2)
	_ = acc.Update([]float64{1, 3}, 4)
	_ = acc.Calculate()
	c := acc.Clone()
	acc.Reset()

	r, err := c.Result()
	if err != nil {
		t.Fatalf("clone lost finalized state: %v", err)
	}
	if math.Abs(r.Avg-10*math.Log10(4)) > 1e-12 {
		t.Fatalf("clone avg = %v", r.Avg)
	}
}

func TestDecibelFloorsSilence(t *testing.T) {
	if got := Decibel(0); math.Abs(got+120) > 1e-9 {
		t.Fatalf("Decibel(0) = %v, want -120", got)
	}
	if got := Decibel(100); math.Abs(got-20) > 1e-12 {
		t.Fatalf("Decibel(100) = %v, want 20", got)
	}
}

func TestReopenResumesTheCycle(t *testing.T) {
	acc := New("Z", 2)
	if err := acc.Reopen(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Reopen on idle = %v, want ErrInvalidState", err)
	}
	if err := acc.Update([]float64{1, 1}, 2); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := acc.Calculate(); err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if err := acc.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if acc.State() != Accumulating {
		t.Fatalf("state = %s, want accumulating", acc.State())
	}
	if err := acc.Update([]float64{2, 2}, 4); err != nil {
		t.Fatalf("Update after Reopen: %v", err)
	}
	if err := acc.Calculate(); err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	r, err := acc.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if r.Count != 2 || math.Abs(r.Avg-Decibel(3)) > 1e-9 || math.Abs(r.Min-Decibel(2)) > 1e-9 || math.Abs(r.Max-Decibel(4)) > 1e-9 {
		t.Fatalf("result = %+v", r)
	}
}

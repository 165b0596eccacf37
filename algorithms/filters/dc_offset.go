package filters

// DefaultDCWarmup is the update count after which the DC estimate settles into
// a fixed-weight moving average.
const DefaultDCWarmup = 100

// DCOffset tracks the constant bias of a microphone across blocks.
//
// Each block contributes its mean through
//
//	estimate += (mean - estimate) / min(count+1, warmup)
//
// which is an exact cumulative mean for the first warmup blocks and an
// exponential average with weight 1/warmup afterwards. Saturating the divisor
// lets the estimate keep following slow drift instead of freezing.
type DCOffset struct {
	estimate float64
	count    int
	warmup   int
}

// NewDCOffset creates an estimator. A warmup below 1 uses DefaultDCWarmup.
func NewDCOffset(warmup int) *DCOffset {
	if warmup < 1 {
		warmup = DefaultDCWarmup
	}
	return &DCOffset{warmup: warmup}
}

// Update folds one block mean into the estimate and returns the new estimate.
func (dc *DCOffset) Update(blockMean float64) float64 {
	if dc.count < dc.warmup {
		dc.count++
	}
	dc.estimate += (blockMean - dc.estimate) / float64(dc.count)
	return dc.estimate
}

// Remove updates the estimate from samples and subtracts it in place.
func (dc *DCOffset) Remove(samples []float64) float64 {
	if len(samples) == 0 {
		return dc.estimate
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	est := dc.Update(sum / float64(len(samples)))
	for i := range samples {
		samples[i] -= est
	}
	return est
}

// Estimate returns the current DC estimate.
func (dc *DCOffset) Estimate() float64 {
	return dc.estimate
}

// Count returns the number of updates, saturated at the warm-up length.
func (dc *DCOffset) Count() int {
	return dc.count
}

// Warmup returns the saturation count.
func (dc *DCOffset) Warmup() int {
	return dc.warmup
}

// Reset forgets the estimate.
func (dc *DCOffset) Reset() {
	dc.estimate = 0
	dc.count = 0
}

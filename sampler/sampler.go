// Package sampler turns raw microphone words into gain-corrected, DC-free
// audio blocks.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/RyanBlaney/sonido-soundkit/algorithms/common"
	"github.com/RyanBlaney/sonido-soundkit/algorithms/filters"
	"github.com/RyanBlaney/sonido-soundkit/logging"
)

const (
	DefaultBlockSize  = 2048
	DefaultSampleRate = 22627
	DefaultShiftBits  = 8
	DefaultInputScale = 256 * 30
)

// ErrHardwareRead marks a failed or short acquisition. The block is dropped
// and the next iteration tries again.
var ErrHardwareRead = errors.New("sampler: hardware read failed")

// HardwareReadError describes one failed acquisition.
type HardwareReadError struct {
	Requested int
	Got       int
	Err       error
}

func (e *HardwareReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sampler: read %d of %d words: %v", e.Got, e.Requested, e.Err)
	}
	return fmt.Sprintf("sampler: read %d of %d words", e.Got, e.Requested)
}

func (e *HardwareReadError) Unwrap() error {
	return e.Err
}

func (e *HardwareReadError) Is(target error) bool {
	return target == ErrHardwareRead
}

// Source delivers raw 32-bit sample words.
//
// ReadWords blocks until len(dst) words are available or an error occurs,
// with io.ReadFull semantics: n < len(dst) always comes with a non-nil error.
type Source interface {
	ReadWords(ctx context.Context, dst []int32) (int, error)
}

// Switchable is implemented by sources that can be powered down while the
// radio is joining.
type Switchable interface {
	Start() error
	Stop() error
}

// Config controls block size and the integer to float conversion.
type Config struct {
	BlockSize   int     `json:"block_size"`
	SampleRate  int     `json:"sample_rate"`
	ShiftBits   uint    `json:"shift_bits"`
	InputScale  float64 `json:"input_scale"`
	DCWarmup    int     `json:"dc_warmup"`
	MicOffsetDB float64 `json:"mic_offset_db"`
}

// DefaultConfig matches a 24-bit I2S microphone in 32-bit slots.
func DefaultConfig() Config {
	return Config{
		BlockSize:   DefaultBlockSize,
		SampleRate:  DefaultSampleRate,
		ShiftBits:   DefaultShiftBits,
		InputScale:  DefaultInputScale,
		DCWarmup:    filters.DefaultDCWarmup,
		MicOffsetDB: 0,
	}
}

// AudioBlock is one block of samples. It belongs to whoever received it
// from Acquire until Release.
type AudioBlock struct {
	Samples []float64
	Raw     []int32
	Seq     uint64
	// DC is the estimate that was subtracted, in shifted word units.
	DC float64

	owner *Sampler
}

// Release hands the block's buffers back to the sampler.
func (b *AudioBlock) Release() {
	if b == nil || b.owner == nil {
		return
	}
	b.owner.samples.Put(b.Samples)
	b.owner.raw.Put(b.Raw)
	b.Samples, b.Raw, b.owner = nil, nil, nil
}

// Sampler reads blocks from a Source. Acquire must be called from a single
// goroutine; SetMicOffsetDB may be called from any.
type Sampler struct {
	cfg    Config
	src    Source
	dc     *filters.DCOffset
	gain   atomic.Uint64 // float64 bits of the linear gain
	offset atomic.Uint64 // float64 bits of the dB offset

	raw     *common.SlicePool[int32]
	samples *common.SlicePool[float64]
	seq     uint64

	logger logging.Logger
}

// New creates a sampler over src. Zero fields in cfg take their defaults;
// every source delivers left-aligned words, so a zero ShiftBits also means
// DefaultShiftBits.
func New(src Source, cfg Config) (*Sampler, error) {
	if src == nil {
		return nil, fmt.Errorf("sampler: nil source")
	}
	def := DefaultConfig()
	if cfg.BlockSize == 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.InputScale == 0 {
		cfg.InputScale = def.InputScale
	}
	if cfg.ShiftBits == 0 {
		cfg.ShiftBits = def.ShiftBits
	}
	if cfg.ShiftBits > 31 {
		return nil, fmt.Errorf("sampler: shift of %d bits leaves no signal", cfg.ShiftBits)
	}
	if cfg.InputScale < 0 || math.IsNaN(cfg.InputScale) || math.IsInf(cfg.InputScale, 0) {
		return nil, fmt.Errorf("sampler: invalid input scale %v", cfg.InputScale)
	}

	raw, err := common.NewSlicePool[int32](cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("sampler: %w", err)
	}
	samples, err := common.NewSlicePool[float64](cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("sampler: %w", err)
	}

	s := &Sampler{
		cfg:     cfg,
		src:     src,
		dc:      filters.NewDCOffset(cfg.DCWarmup),
		raw:     raw,
		samples: samples,
		logger: logging.WithFields(logging.Fields{
			"component": "sampler",
		}),
	}
	s.storeGain(cfg.MicOffsetDB)
	return s, nil
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config {
	c := s.cfg
	c.MicOffsetDB = s.MicOffsetDB()
	return c
}

// Acquire reads one block, removes the running DC estimate and applies the
// microphone gain.
func (s *Sampler) Acquire(ctx context.Context) (*AudioBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	block := &AudioBlock{
		Raw:     s.raw.Get(),
		Samples: s.samples.Get(),
		owner:   s,
	}

	n, err := s.src.ReadWords(ctx, block.Raw)
	if err != nil || n != len(block.Raw) {
		block.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &HardwareReadError{Requested: s.cfg.BlockSize, Got: n, Err: err}
	}

	for i, w := range block.Raw {
		block.Samples[i] = float64(w >> s.cfg.ShiftBits)
	}
	block.DC = s.dc.Remove(block.Samples)

	k := s.Gain() / s.cfg.InputScale
	for i := range block.Samples {
		block.Samples[i] *= k
	}

	s.seq++
	block.Seq = s.seq
	return block, nil
}

// SetMicOffsetDB changes the microphone sensitivity correction. The new
// gain applies from the next acquired block.
func (s *Sampler) SetMicOffsetDB(db float64) {
	s.storeGain(db)
	s.logger.Debug("Microphone offset changed", logging.Fields{
		"offset_db": db,
		"gain":      s.Gain(),
	})
}

// MicOffsetDB returns the current offset in dB.
func (s *Sampler) MicOffsetDB() float64 {
	return math.Float64frombits(s.offset.Load())
}

// Gain returns the current linear amplitude gain, 10^(dB/20).
func (s *Sampler) Gain() float64 {
	return math.Float64frombits(s.gain.Load())
}

func (s *Sampler) storeGain(db float64) {
	s.offset.Store(math.Float64bits(db))
	s.gain.Store(math.Float64bits(math.Pow(10, db/20)))
}

// DCEstimate returns the running DC estimate. Producer goroutine only.
func (s *Sampler) DCEstimate() float64 {
	return s.dc.Estimate()
}

// Start powers the source up if it supports it.
func (s *Sampler) Start() error {
	if sw, ok := s.src.(Switchable); ok {
		if err := sw.Start(); err != nil {
			return fmt.Errorf("sampler: start source: %w", err)
		}
	}
	return nil
}

// Stop powers the source down if it supports it.
func (s *Sampler) Stop() error {
	if sw, ok := s.src.(Switchable); ok {
		if err := sw.Stop(); err != nil {
			return fmt.Errorf("sampler: stop source: %w", err)
		}
	}
	return nil
}

// Close releases the source if it holds resources.
func (s *Sampler) Close() error {
	if c, ok := s.src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

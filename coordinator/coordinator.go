// Package coordinator runs the continuous measurement loop and hands
// finalized reports to the reporting side.
//
// The producer goroutine (Run) is the only one that touches the
// accumulators. A report request carries a reply channel; the producer
// answers it between blocks by finalizing, cloning and resetting its
// accumulators, so the finalized snapshot changes owner through the channel
// and nothing mutable is shared.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/algorithms/spectral"
	"github.com/RyanBlaney/sonido-soundkit/algorithms/weighting"
	"github.com/RyanBlaney/sonido-soundkit/logging"
	"github.com/RyanBlaney/sonido-soundkit/measurement"
	"github.com/RyanBlaney/sonido-soundkit/sampler"
)

// ErrAlreadyRunning is returned by a second concurrent Run.
var ErrAlreadyRunning = errors.New("coordinator: already running")

const (
	DefaultReportTimeout = 30 * time.Second
	DefaultErrorBackoff  = 10 * time.Millisecond
)

// Config tunes the producer loop.
type Config struct {
	Bands         int           `json:"bands"`
	ReportTimeout time.Duration `json:"report_timeout"`
	// ErrorBackoff is slept after a failed acquisition.
	ErrorBackoff time.Duration `json:"error_backoff"`
	// StartPaused keeps the sampler off until the first Resume.
	StartPaused bool `json:"start_paused"`
}

func DefaultConfig() Config {
	return Config{
		Bands:         spectral.DefaultOctaves,
		ReportTimeout: DefaultReportTimeout,
		ErrorBackoff:  DefaultErrorBackoff,
	}
}

// Report is one reporting cycle's finalized measurements. The consumer owns
// it outright.
type Report struct {
	A, C, Z *measurement.Accumulator

	Blocks   uint64
	Started  time.Time
	Finished time.Time
}

// Accumulators returns the report's accumulators in wire order A, C, Z.
func (r *Report) Accumulators() []*measurement.Accumulator {
	return []*measurement.Accumulator{r.A, r.C, r.Z}
}

// Results returns the decibel summaries in wire order A, C, Z.
func (r *Report) Results() ([]measurement.Result, error) {
	out := make([]measurement.Result, 0, 3)
	for _, acc := range r.Accumulators() {
		res, err := acc.Result()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Stats are cumulative counters since construction.
type Stats struct {
	Blocks         uint64 `json:"blocks"`
	HardwareErrors uint64 `json:"hardware_errors"`
	Reports        uint64 `json:"reports"`
	EmptyReports   uint64 `json:"empty_reports"`
	Abandoned      uint64 `json:"abandoned_requests"`
}

type reply struct {
	report *Report
	err    error
}

type request struct {
	ctx   context.Context
	reply chan reply
}

// Coordinator owns the measurement pipeline.
type Coordinator struct {
	cfg      Config
	sampler  *sampler.Sampler
	analyzer *spectral.Analyzer
	octaves  *spectral.OctaveAggregator
	curves   []*weighting.Curve
	accs     []*measurement.Accumulator

	// producer scratch
	frame    *spectral.Frame
	energies []float64
	weighted [][]float64

	cycleStart  time.Time
	cycleBlocks uint64

	requests chan request
	wake     chan struct{}
	paused   atomic.Bool
	running  atomic.Bool

	blocks    atomic.Uint64
	hwErrors  atomic.Uint64
	reports   atomic.Uint64
	empty     atomic.Uint64
	abandoned atomic.Uint64

	logger logging.Logger
}

// New wires the pipeline for s using the standard A, C and Z curves.
func New(s *sampler.Sampler, cfg Config) (*Coordinator, error) {
	return NewWithCurves(s, cfg, weighting.A(), weighting.C(), weighting.Z())
}

// NewWithCurves wires the pipeline with explicit curves in wire order.
func NewWithCurves(s *sampler.Sampler, cfg Config, a, c, z *weighting.Curve) (*Coordinator, error) {
	if s == nil {
		return nil, fmt.Errorf("coordinator: nil sampler")
	}
	if cfg.Bands == 0 {
		cfg.Bands = spectral.DefaultOctaves
	}
	if cfg.ReportTimeout < 0 {
		return nil, fmt.Errorf("coordinator: negative report timeout %v", cfg.ReportTimeout)
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}

	blockSize := s.Config().BlockSize
	analyzer, err := spectral.NewAnalyzer(blockSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	octaves, err := spectral.NewOctaveAggregator(cfg.Bands, blockSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	co := &Coordinator{
		cfg:        cfg,
		sampler:    s,
		analyzer:   analyzer,
		octaves:    octaves,
		frame:      spectral.NewFrame(blockSize),
		energies:   make([]float64, cfg.Bands),
		cycleStart: time.Now(),
		requests:   make(chan request, 1),
		wake:       make(chan struct{}, 1),
		logger: logging.WithFields(logging.Fields{
			"component": "coordinator",
		}),
	}
	for _, curve := range []*weighting.Curve{a, c, z} {
		if curve == nil {
			return nil, fmt.Errorf("coordinator: nil weighting curve")
		}
		if curve.Bands() != cfg.Bands {
			return nil, fmt.Errorf("coordinator: curve %s has %d bands, pipeline has %d", curve.Name(), curve.Bands(), cfg.Bands)
		}
		co.curves = append(co.curves, curve)
		co.accs = append(co.accs, measurement.New(curve.Name(), cfg.Bands))
		co.weighted = append(co.weighted, make([]float64, cfg.Bands))
	}
	co.paused.Store(cfg.StartPaused)
	return co, nil
}

// Run is the producer loop. It returns when ctx ends or the source is
// exhausted. Pause, Resume and report requests take effect only between
// blocks.
func (co *Coordinator) Run(ctx context.Context) error {
	if !co.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer co.running.Store(false)

	// sources may be built running or stopped; force a known state
	stopped := true
	if co.paused.Load() {
		co.stopSampler()
	}
	defer func() {
		if !stopped {
			co.stopSampler()
		}
	}()

	co.logger.Info("Measurement loop started", logging.Fields{
		"block_size": co.analyzer.Size(),
		"bands":      co.cfg.Bands,
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case req := <-co.requests:
			co.serve(req)
		default:
		}

		if co.paused.Load() {
			if !stopped {
				co.stopSampler()
				stopped = true
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req := <-co.requests:
				co.serve(req)
			case <-co.wake:
			}
			continue
		}
		if stopped {
			if err := co.sampler.Start(); err != nil {
				co.logger.Error(err, "Failed to restart sampler")
			}
			stopped = false
		}

		if err := co.step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				co.logger.Info("Audio source exhausted")
				return fmt.Errorf("coordinator: %w", err)
			}
			if !errors.Is(err, sampler.ErrHardwareRead) {
				return err
			}
			co.hwErrors.Add(1)
			co.logger.Debug("Dropped block", logging.Fields{
				"error": err.Error(),
			})
			if !sleep(ctx, co.cfg.ErrorBackoff) {
				return ctx.Err()
			}
		}
	}
}

// step runs one block through the whole pipeline.
func (co *Coordinator) step(ctx context.Context) error {
	block, err := co.sampler.Acquire(ctx)
	if err != nil {
		return err
	}
	err = co.analyzer.Transform(block.Samples, co.frame)
	block.Release()
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if err := co.octaves.Aggregate(co.frame, co.energies); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	for i, curve := range co.curves {
		total, err := curve.Apply(co.energies, co.weighted[i])
		if err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		if err := co.accs[i].Update(co.weighted[i], total); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
	}
	co.blocks.Add(1)
	co.cycleBlocks++
	return nil
}

// serve finalizes the current cycle into a Report and starts a new one.
func (co *Coordinator) serve(req request) {
	if req.ctx.Err() != nil {
		// the requester is gone; keep accumulating for the next one
		co.abandoned.Add(1)
		return
	}

	now := time.Now()
	for _, acc := range co.accs {
		if err := acc.Calculate(); err != nil {
			for _, a := range co.accs {
				a.Reset()
			}
			co.empty.Add(1)
			co.deliver(req, reply{err: fmt.Errorf("coordinator: %w", err)})
			return
		}
	}

	rep := &Report{
		A:        co.accs[0].Clone(),
		C:        co.accs[1].Clone(),
		Z:        co.accs[2].Clone(),
		Blocks:   co.cycleBlocks,
		Started:  co.cycleStart,
		Finished: now,
	}
	if !co.deliver(req, reply{report: rep}) {
		// nobody took the report; the cycle continues
		for _, acc := range co.accs {
			_ = acc.Reopen()
		}
		co.abandoned.Add(1)
		return
	}
	for _, acc := range co.accs {
		acc.Reset()
	}
	co.cycleStart = now
	co.cycleBlocks = 0
	co.reports.Add(1)
}

// deliver hands r to the requester. It reports false when the requester
// gave up first.
func (co *Coordinator) deliver(req request, r reply) bool {
	select {
	case req.reply <- r:
		return true
	case <-req.ctx.Done():
		return false
	}
}

// RequestReport asks the producer to close the current cycle and waits for
// the finalized report, bounded by ctx and the configured timeout. It fails
// with measurement.ErrNoData when no block was processed in the cycle.
func (co *Coordinator) RequestReport(ctx context.Context) (*Report, error) {
	if co.cfg.ReportTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.cfg.ReportTimeout)
		defer cancel()
	}

	// unbuffered: a report is only handed over to a requester still waiting
	req := request{ctx: ctx, reply: make(chan reply)}
	select {
	case co.requests <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("coordinator: queue report request: %w", ctx.Err())
	}

	select {
	case r := <-req.reply:
		return r.report, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("coordinator: wait for report: %w", ctx.Err())
	}
}

// Pause asks the producer to stop sampling at the next block boundary.
func (co *Coordinator) Pause() {
	if !co.paused.Swap(true) {
		co.logger.Debug("Pause requested")
		co.signal()
	}
}

// Resume restarts sampling at the next block boundary.
func (co *Coordinator) Resume() {
	if co.paused.Swap(false) {
		co.logger.Debug("Resume requested")
		co.signal()
	}
}

// Paused reports the requested pause state.
func (co *Coordinator) Paused() bool {
	return co.paused.Load()
}

// Running reports whether Run is active.
func (co *Coordinator) Running() bool {
	return co.running.Load()
}

// Sampler returns the sampler the pipeline reads from.
func (co *Coordinator) Sampler() *sampler.Sampler {
	return co.sampler
}

// Bands returns the number of octave bands per curve.
func (co *Coordinator) Bands() int {
	return co.cfg.Bands
}

// CenterFrequencies returns the nominal band centres in Hz.
func (co *Coordinator) CenterFrequencies() []float64 {
	cfg := co.sampler.Config()
	return co.octaves.CenterFrequencies(float64(cfg.SampleRate), cfg.BlockSize)
}

func (co *Coordinator) Stats() Stats {
	return Stats{
		Blocks:         co.blocks.Load(),
		HardwareErrors: co.hwErrors.Load(),
		Reports:        co.reports.Load(),
		EmptyReports:   co.empty.Load(),
		Abandoned:      co.abandoned.Load(),
	}
}

func (co *Coordinator) signal() {
	select {
	case co.wake <- struct{}{}:
	default:
	}
}

func (co *Coordinator) stopSampler() {
	if err := co.sampler.Stop(); err != nil {
		co.logger.Error(err, "Failed to stop sampler")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

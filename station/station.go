// Package station drives the reporting cycle: it keeps the measurement loop
// quiet until the link is joined, asks for a report every cycle, encodes it
// and sends it, and applies downlink commands as they arrive.
package station

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/control"
	"github.com/RyanBlaney/sonido-soundkit/coordinator"
	"github.com/RyanBlaney/sonido-soundkit/logging"
	"github.com/RyanBlaney/sonido-soundkit/measurement"
	"github.com/RyanBlaney/sonido-soundkit/payload"
	"github.com/RyanBlaney/sonido-soundkit/uplink"
)

// Config holds the reporting loop's timing.
type Config struct {
	Port        uint8
	JoinRetry   time.Duration
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:        control.PortReport,
		JoinRetry:   10 * time.Second,
		SendTimeout: 20 * time.Second,
	}
}

// Stats counts cycle outcomes.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
	Downlinks uint64 `json:"downlinks"`
}

// Station is the consumer side of the coordinator handshake.
type Station struct {
	cfg      Config
	co       *coordinator.Coordinator
	link     uplink.Link
	settings *control.Settings
	handler  *control.Handler
	encoder  *payload.Encoder

	// after is time.After, replaceable in tests
	after func(time.Duration) <-chan time.Time

	sent      atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
	downlinks atomic.Uint64

	logger logging.Logger
}

func New(co *coordinator.Coordinator, link uplink.Link, settings *control.Settings, enc *payload.Encoder, cfg Config) (*Station, error) {
	if co == nil || link == nil || settings == nil {
		return nil, fmt.Errorf("station: coordinator, link and settings are required")
	}
	if enc == nil {
		enc = payload.NewEncoder(payload.DefaultMaxSize)
	}
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.JoinRetry <= 0 {
		cfg.JoinRetry = def.JoinRetry
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Station{
		cfg:      cfg,
		co:       co,
		link:     link,
		settings: settings,
		handler:  control.NewHandler(settings),
		encoder:  enc,
		after:    time.After,
		logger: logging.WithFields(logging.Fields{
			"component": "station",
		}),
	}, nil
}

// Run loops until ctx ends. While the link is not joined the measurement
// loop is paused and the join is retried every JoinRetry.
func (s *Station) Run(ctx context.Context) error {
	downlinks := s.link.Downlinks()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !s.link.Joined() {
			if !s.co.Paused() {
				s.logger.Info("Link not joined, pausing measurements")
			}
			s.co.Pause()
			if !s.wait(ctx, s.cfg.JoinRetry, &downlinks) {
				return ctx.Err()
			}
			continue
		}

		if s.co.Paused() {
			s.logger.Info("Link joined, resuming measurements", logging.Fields{
				"cycle_seconds": s.settings.CycleTime().Seconds(),
			})
			s.co.Resume()
		}
		if !s.wait(ctx, s.settings.CycleTime(), &downlinks) {
			return ctx.Err()
		}
		if !s.link.Joined() {
			continue
		}
		s.Cycle(ctx)
	}
}

// wait sleeps for d while applying downlinks. It reports false when ctx
// ended first.
func (s *Station) wait(ctx context.Context, d time.Duration, downlinks *<-chan uplink.Downlink) bool {
	timer := s.after(d)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer:
			return true
		case dl, ok := <-*downlinks:
			if !ok {
				*downlinks = nil
				continue
			}
			s.downlinks.Add(1)
			_ = s.handler.Handle(dl.Port, dl.Payload)
		}
	}
}

// Cycle runs one report: request, encode, send. Every failure is logged and
// ends the cycle; nothing malformed is ever transmitted.
func (s *Station) Cycle(ctx context.Context) {
	rep, err := s.co.RequestReport(ctx)
	if err != nil {
		if errors.Is(err, measurement.ErrNoData) {
			s.skipped.Add(1)
			s.logger.Warn("No measurements this cycle, skipping report")
			return
		}
		s.failed.Add(1)
		s.logger.Error(err, "Report request failed")
		return
	}

	frame, err := s.encoder.Encode(rep.A, rep.C, rep.Z)
	if err != nil {
		s.failed.Add(1)
		s.logger.Error(err, "Report not sent", logging.Fields{
			"overflow": errors.Is(err, payload.ErrEncodingOverflow),
		})
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.link.Send(sendCtx, s.cfg.Port, frame); err != nil {
		s.failed.Add(1)
		s.logger.Error(err, "Uplink failed", logging.Fields{
			"port":  s.cfg.Port,
			"bytes": len(frame),
		})
		return
	}
	s.sent.Add(1)
	s.logReport(rep, len(frame))
}

// logReport writes the per-cycle summary an operator would read off the
// display.
func (s *Station) logReport(rep *coordinator.Report, size int) {
	results, err := rep.Results()
	if err != nil {
		return
	}
	fields := logging.Fields{
		"blocks":   rep.Blocks,
		"bytes":    size,
		"duration": rep.Finished.Sub(rep.Started).Round(time.Millisecond).String(),
	}
	for _, r := range results {
		prefix := "l" + strings.ToLower(r.Curve)
		fields[prefix+"_avg"] = round1(r.Avg)
		fields[prefix+"_min"] = round1(r.Min)
		fields[prefix+"_max"] = round1(r.Max)
	}
	s.logger.Info("Report sent", fields)
}

func (s *Station) Stats() Stats {
	return Stats{
		Sent:      s.sent.Load(),
		Skipped:   s.skipped.Load(),
		Failed:    s.failed.Load(),
		Downlinks: s.downlinks.Load(),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

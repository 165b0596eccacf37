// Command soundkit runs the noise sensor: it samples audio, measures weighted
// octave-band levels and reports them over the configured link every cycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RyanBlaney/sonido-soundkit/config"
	"github.com/RyanBlaney/sonido-soundkit/control"
	"github.com/RyanBlaney/sonido-soundkit/coordinator"
	"github.com/RyanBlaney/sonido-soundkit/logging"
	"github.com/RyanBlaney/sonido-soundkit/payload"
	"github.com/RyanBlaney/sonido-soundkit/sampler"
	"github.com/RyanBlaney/sonido-soundkit/station"
	"github.com/RyanBlaney/sonido-soundkit/transcode"
	"github.com/RyanBlaney/sonido-soundkit/uplink"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	printConfig := flag.Bool("print-config", false, "print the effective config and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "soundkit: %v\n", err)
		os.Exit(2)
	}
	if *printConfig {
		if err := cfg.Write(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "soundkit: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(err, "Sensor stopped")
		os.Exit(1)
	}
	logger.Info("Sensor stopped")
}

func setupLogging(cfg *config.Config) logging.Logger {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	var logger logging.Logger
	if cfg.LogFormat == "json" {
		logger = logging.NewZapLogger(level)
	} else {
		d := logging.NewDefaultLogger()
		d.SetLevel(level)
		logger = d
	}
	logging.SetGlobalLogger(logger)
	return logger.WithFields(logging.Fields{"device": cfg.DeviceEUI})
}

func run(ctx context.Context, cfg *config.Config) error {
	src, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}

	smp, err := sampler.New(src, cfg.SamplerSettings())
	if err != nil {
		return err
	}
	defer smp.Close()

	co, err := coordinator.New(smp, cfg.CoordinatorSettings())
	if err != nil {
		return err
	}

	settings, err := control.NewSettings(cfg.CycleSeconds, cfg.MicOffsetDB, smp)
	if err != nil {
		return err
	}

	link, err := openLink(ctx, cfg)
	if err != nil {
		return err
	}
	defer link.Close()

	detail, err := cfg.DetailIndex()
	if err != nil {
		return err
	}
	enc := payload.NewEncoder(cfg.Payload.MaxSize)
	enc.Detail = detail

	st, err := station.New(co, link, settings, enc, station.Config{
		Port:        cfg.Payload.Port,
		JoinRetry:   cfg.JoinRetry.Std(),
		SendTimeout: cfg.SendTimeout.Std(),
	})
	if err != nil {
		return err
	}

	logging.Info("Sensor starting", logging.Fields{
		"source":        cfg.Source.Type,
		"link":          cfg.Link.Type,
		"cycle_seconds": cfg.CycleSeconds,
		"mic_offset_db": cfg.MicOffsetDB,
		"bands":         co.Bands(),
	})

	// either loop ending takes the other down
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return co.Run(gctx) })
	g.Go(func() error { return st.Run(gctx) })
	return g.Wait()
}

func openSource(ctx context.Context, cfg *config.Config) (sampler.Source, error) {
	sc := cfg.Source
	switch sc.Type {
	case "tone":
		rate := cfg.Sampler.SampleRate
		if rate == 0 {
			rate = sampler.DefaultSampleRate
		}
		tone := sampler.NewToneSource(rate, sc.ToneFrequency, sc.ToneAmplitude, sc.ToneBias)
		tone.Noise = sc.ToneNoise
		tone.Realtime = sc.Realtime
		return tone, nil

	case "wav":
		f, err := os.Open(sc.Path)
		if err != nil {
			return nil, err
		}
		w, err := sampler.NewWAVSource(f, sc.Loop)
		if err != nil {
			f.Close()
			return nil, err
		}
		if rate := cfg.Sampler.SampleRate; rate != 0 && w.SampleRate() != rate {
			logging.Warn("WAV sample rate differs from the configured rate", logging.Fields{
				"file_rate":   w.SampleRate(),
				"config_rate": rate,
			})
		}
		return w, nil

	case "pcm":
		f, err := os.Open(sc.Path)
		if err != nil {
			return nil, err
		}
		return sampler.NewPCMSource(f), nil

	case "ffmpeg":
		stream, err := transcode.NewStream(cfg.StreamSettings())
		if err != nil {
			return nil, err
		}
		if meta, err := stream.Probe(ctx); err == nil {
			logging.Info("Probed input", logging.Fields{
				"codec":       meta.Codec,
				"sample_rate": meta.SampleRate,
				"channels":    meta.Channels,
			})
		}
		return stream, nil

	default:
		return nil, fmt.Errorf("soundkit: unknown source type %q", sc.Type)
	}
}

func openLink(ctx context.Context, cfg *config.Config) (uplink.Link, error) {
	switch cfg.Link.Type {
	case "log":
		return uplink.NewLogLink(), nil
	case "kafka":
		k, err := uplink.NewKafkaLink(cfg.KafkaSettings())
		if err != nil {
			return nil, err
		}
		k.Start(ctx)
		return k, nil
	default:
		return nil, fmt.Errorf("soundkit: unknown link type %q", cfg.Link.Type)
	}
}

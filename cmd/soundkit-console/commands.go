package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/algorithms/spectral"
	"github.com/RyanBlaney/sonido-soundkit/algorithms/weighting"
	"github.com/RyanBlaney/sonido-soundkit/control"
	"github.com/RyanBlaney/sonido-soundkit/payload"
	"github.com/RyanBlaney/sonido-soundkit/sampler"
)

// downlinkSender is satisfied by uplink.DownlinkWriter.
type downlinkSender interface {
	Send(ctx context.Context, port uint8, payload []byte) error
}

type console struct {
	out       io.Writer
	sender    downlinkSender // nil prints commands instead of publishing
	blockSize int
	rate      int
}

const helpText = `commands:
  decode <hex>      decode a report frame
  cycle <seconds>   set the reporting cycle (10-600)
  offset <dB>       set the microphone offset (-40 to 40, 0.1 dB steps)
  help              show this text
  quit              leave the console
`

func (c *console) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		fmt.Fprint(c.out, helpText)
		return nil

	case "decode":
		if len(args) != 1 {
			return fmt.Errorf("usage: decode <hex>")
		}
		b, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
		if err != nil {
			return fmt.Errorf("bad hex: %w", err)
		}
		return c.decode(b)

	case "cycle":
		if len(args) != 1 {
			return fmt.Errorf("usage: cycle <seconds>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad cycle time %q", args[0])
		}
		b, err := control.EncodeCycleTime(n)
		if err != nil {
			return err
		}
		return c.send(ctx, control.PortCycleTime, b)

	case "offset":
		if len(args) != 1 {
			return fmt.Errorf("usage: offset <dB>")
		}
		db, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("bad offset %q", args[0])
		}
		b, err := control.EncodeMicOffset(db)
		if err != nil {
			return err
		}
		return c.send(ctx, control.PortMicOffset, b)

	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (c *console) send(ctx context.Context, port uint8, b []byte) error {
	if c.sender == nil {
		fmt.Fprintf(c.out, "port %d payload %s\n", port, hex.EncodeToString(b))
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.sender.Send(ctx, port, b); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "published port %d payload %s\n", port, hex.EncodeToString(b))
	return nil
}

// decode prints the summary levels and, for a standard-sized frame, the
// detail spectrum with its A and C weighted versions.
func (c *console) decode(b []byte) error {
	d, err := payload.Decode(b)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "scale\t%.0f dB\tstep %.2f dB\n", d.Scale, d.Step())
	fmt.Fprintf(tw, "curve\tmin\tmax\tavg\n")
	for _, l := range []struct {
		name string
		v    payload.Levels
	}{{"A", d.A}, {"C", d.C}, {"Z", d.Z}} {
		fmt.Fprintf(tw, "L%s\t%.1f\t%.1f\t%.1f\n", l.name, l.v.Min, l.v.Max, l.v.Avg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	bands := len(d.Detail)
	if bands != weighting.Z().Bands() {
		fmt.Fprintf(c.out, "%d detail bands: %v\n", bands, d.Detail)
		return nil
	}
	la, err := d.Weighted(weighting.A())
	if err != nil {
		return err
	}
	lc, err := d.Weighted(weighting.C())
	if err != nil {
		return err
	}
	centres := c.centres(bands)

	tw = tabwriter.NewWriter(c.out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "band\tHz\tZ\tA\tC\t\n")
	for i := range bands {
		fmt.Fprintf(tw, "%d\t%.0f\t%.1f\t%.1f\t%.1f\t\n", i, centres[i], d.Detail[i], la[i], lc[i])
	}
	return tw.Flush()
}

func (c *console) centres(bands int) []float64 {
	size, rate := c.blockSize, c.rate
	if size == 0 {
		size = sampler.DefaultBlockSize
	}
	if rate == 0 {
		rate = sampler.DefaultSampleRate
	}
	agg, err := spectral.NewOctaveAggregator(bands, size)
	if err != nil {
		return make([]float64, bands)
	}
	return agg.CenterFrequencies(float64(rate), size)
}

package sampler

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// PCMSource reads little-endian 32-bit words from a byte stream, the layout
// an I2S driver or `ffmpeg -f s32le` produces.
type PCMSource struct {
	r   io.Reader
	buf []byte
}

func NewPCMSource(r io.Reader) *PCMSource {
	return &PCMSource{r: r}
}

func (p *PCMSource) ReadWords(ctx context.Context, dst []int32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	need := 4 * len(dst)
	if cap(p.buf) < need {
		p.buf = make([]byte, need)
	}
	buf := p.buf[:need]

	n, err := io.ReadFull(p.r, buf)
	words := n / 4
	for i := range words {
		dst[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return words, err
}

// Close closes the underlying reader if it is closable.
func (p *PCMSource) Close() error {
	if c, ok := p.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// WAVSource reads the first channel of a PCM WAV file and left-aligns each
// sample into a 32-bit word, so a 16-bit or 24-bit file looks like the
// microphone's own output.
type WAVSource struct {
	rs   io.ReadSeeker
	dec  *wav.Decoder
	buf  *audio.IntBuffer
	loop bool

	channels int
	shift    uint
}

// NewWAVSource opens a WAV stream. With loop set, the file restarts at EOF
// instead of ending the stream.
func NewWAVSource(rs io.ReadSeeker, loop bool) (*WAVSource, error) {
	w := &WAVSource{rs: rs, loop: loop}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAVSource) open() error {
	dec := wav.NewDecoder(w.rs)
	if !dec.IsValidFile() {
		return fmt.Errorf("sampler: not a valid WAV stream")
	}
	dec.ReadInfo()
	if dec.BitDepth == 0 || dec.BitDepth > 32 {
		return fmt.Errorf("sampler: unsupported WAV bit depth %d", dec.BitDepth)
	}
	if dec.NumChans == 0 {
		return fmt.Errorf("sampler: WAV stream has no channels")
	}
	w.dec = dec
	w.channels = int(dec.NumChans)
	w.shift = uint(32 - dec.BitDepth)
	return nil
}

// SampleRate returns the file's sample rate in Hz.
func (w *WAVSource) SampleRate() int {
	return int(w.dec.SampleRate)
}

func (w *WAVSource) ReadWords(ctx context.Context, dst []int32) (int, error) {
	need := len(dst) * w.channels
	if w.buf == nil || len(w.buf.Data) != need {
		w.buf = &audio.IntBuffer{
			Data:   make([]int, need),
			Format: &audio.Format{NumChannels: w.channels, SampleRate: int(w.dec.SampleRate)},
		}
	}

	got := 0
	rewound := false
	for got < len(dst) {
		if err := ctx.Err(); err != nil {
			return got, err
		}
		w.buf.Data = w.buf.Data[:(len(dst)-got)*w.channels]
		n, err := w.dec.PCMBuffer(w.buf)
		if err != nil && err != io.EOF {
			return got, fmt.Errorf("sampler: decode WAV: %w", err)
		}
		frames := n / w.channels
		for i := range frames {
			dst[got+i] = int32(w.buf.Data[i*w.channels]) << w.shift
		}
		got += frames

		if frames > 0 {
			rewound = false
			continue
		}
		if !w.loop || rewound {
			if got == 0 {
				return 0, io.EOF
			}
			return got, io.ErrUnexpectedEOF
		}
		if _, err := w.rs.Seek(0, io.SeekStart); err != nil {
			return got, fmt.Errorf("sampler: rewind WAV: %w", err)
		}
		if err := w.open(); err != nil {
			return got, err
		}
		rewound = true
	}
	w.buf.Data = w.buf.Data[:cap(w.buf.Data)]
	return got, nil
}

// Close closes the underlying stream if it is closable.
func (w *WAVSource) Close() error {
	if c, ok := w.rs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ToneSource synthesizes a sine wave riding on a fixed DC bias, optionally
// with white noise. Amplitudes are in 24-bit sample units before the left
// shift into a 32-bit word.
type ToneSource struct {
	Frequency  float64
	Amplitude  float64
	Bias       float64
	Noise      float64
	SampleRate int
	// Realtime paces reads at the sample rate.
	Realtime bool

	phase   float64
	rng     *rand.Rand
	running atomic.Bool
	starts  atomic.Int64
	stops   atomic.Int64
}

// NewToneSource creates a running tone generator.
func NewToneSource(sampleRate int, frequency, amplitude, bias float64) *ToneSource {
	t := &ToneSource{
		Frequency:  frequency,
		Amplitude:  amplitude,
		Bias:       bias,
		SampleRate: sampleRate,
		rng:        rand.New(rand.NewSource(1)),
	}
	t.running.Store(true)
	return t
}

func (t *ToneSource) ReadWords(ctx context.Context, dst []int32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !t.running.Load() {
		return 0, fmt.Errorf("sampler: tone source stopped")
	}
	if t.SampleRate <= 0 {
		return 0, fmt.Errorf("sampler: tone source has no sample rate")
	}
	if t.Realtime {
		d := time.Duration(len(dst)) * time.Second / time.Duration(t.SampleRate)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewSource(1))
	}

	step := 2 * math.Pi * t.Frequency / float64(t.SampleRate)
	for i := range dst {
		v := t.Bias + t.Amplitude*math.Sin(t.phase)
		if t.Noise > 0 {
			v += t.Noise * t.rng.NormFloat64()
		}
		v = math.Max(-(1 << 23), math.Min(1<<23-1, v))
		dst[i] = int32(v) << 8
		t.phase = math.Mod(t.phase+step, 2*math.Pi)
	}
	return len(dst), nil
}

func (t *ToneSource) Start() error {
	t.running.Store(true)
	t.starts.Add(1)
	return nil
}

func (t *ToneSource) Stop() error {
	t.running.Store(false)
	t.stops.Add(1)
	return nil
}

// Running reports whether the source is started.
func (t *ToneSource) Running() bool {
	return t.running.Load()
}

// Transitions returns how many times Start and Stop were called.
func (t *ToneSource) Transitions() (starts, stops int64) {
	return t.starts.Load(), t.stops.Load()
}

package sampler

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"gonum.org/v1/gonum/floats"
)

func pcmBytes(words ...int32) []byte {
	var buf bytes.Buffer
	for _, w := range words {
		_ = binary.Write(&buf, binary.LittleEndian, w)
	}
	return buf.Bytes()
}

func TestAcquireRemovesDCAndAppliesGain(t *testing.T) {
	src := NewPCMSource(bytes.NewReader(pcmBytes(100<<8, 300<<8, 100<<8, 300<<8)))
	s, err := New(src, Config{BlockSize: 4, ShiftBits: 8, InputScale: 1, MicOffsetDB: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	block, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer block.Release()

	if block.DC != 200 {
		t.Fatalf("DC = %v, want 200", block.DC)
	}
	want := []float64{-1000, 1000, -1000, 1000}
	if !floats.EqualApprox(block.Samples, want, 1e-12) {
		t.Fatalf("samples = %v, want %v", block.Samples, want)
	}
	if block.Seq != 1 {
		t.Fatalf("seq = %d, want 1", block.Seq)
	}
}

func TestDCEstimateTracksBiasAcrossBlocks(t *testing.T) {
	tone := NewToneSource(DefaultSampleRate, 1000, 0, 5000)
	s, err := New(tone, Config{BlockSize: 256})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for range 3 {
		block, err := s.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		for i, v := range block.Samples {
			if math.Abs(v) > 1e-9 {
				t.Fatalf("sample %d = %v, bias not removed", i, v)
			}
		}
		block.Release()
	}
	if got := s.DCEstimate(); math.Abs(got-5000) > 1e-9 {
		t.Fatalf("DC estimate = %v, want 5000", got)
	}
}

func TestZeroConfigTakesDefaults(t *testing.T) {
	src := NewPCMSource(bytes.NewReader(pcmBytes(7<<8, 7<<8)))
	s, err := New(src, Config{BlockSize: 2, InputScale: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := s.Config()
	if cfg.ShiftBits != DefaultShiftBits || cfg.SampleRate != DefaultSampleRate {
		t.Fatalf("config = %+v", cfg)
	}

	block, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer block.Release()
	if block.DC != 7 {
		t.Fatalf("DC = %v, want 7 after the default shift", block.DC)
	}
}

func TestSetMicOffsetDB(t *testing.T) {
	s, err := New(NewToneSource(DefaultSampleRate, 1000, 1000, 0), Config{BlockSize: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Gain() != 1 {
		t.Fatalf("default gain = %v, want 1", s.Gain())
	}
	s.SetMicOffsetDB(-6)
	if got := s.MicOffsetDB(); got != -6 {
		t.Fatalf("offset = %v, want -6", got)
	}
	if got, want := s.Gain(), math.Pow(10, -6.0/20); math.Abs(got-want) > 1e-12 {
		t.Fatalf("gain = %v, want %v", got, want)
	}
	if s.Config().MicOffsetDB != -6 {
		t.Fatalf("config does not reflect runtime offset")
	}
}

func TestShortReadIsHardwareError(t *testing.T) {
	src := NewPCMSource(bytes.NewReader(pcmBytes(1, 2, 3)))
	s, err := New(src, Config{BlockSize: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = s.Acquire(context.Background())
	if !errors.Is(err, ErrHardwareRead) {
		t.Fatalf("err = %v, want ErrHardwareRead", err)
	}
	var hw *HardwareReadError
	if !errors.As(err, &hw) {
		t.Fatalf("err %T is not *HardwareReadError", err)
	}
	if hw.Requested != 8 || hw.Got != 3 {
		t.Fatalf("requested/got = %d/%d, want 8/3", hw.Requested, hw.Got)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause not preserved: %v", err)
	}
}

func TestStartStopReachSwitchableSource(t *testing.T) {
	tone := NewToneSource(DefaultSampleRate, 440, 100, 0)
	s, err := New(tone, Config{BlockSize: 32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if tone.Running() {
		t.Fatalf("tone still running after Stop")
	}
	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrHardwareRead) {
		t.Fatalf("acquire on stopped source: err = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	block, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after Start: %v", err)
	}
	block.Release()
	if starts, stops := tone.Transitions(); starts != 1 || stops != 1 {
		t.Fatalf("transitions = %d/%d, want 1/1", starts, stops)
	}
}

func TestAcquireHonoursCancelledContext(t *testing.T) {
	s, _ := New(NewToneSource(DefaultSampleRate, 440, 100, 0), Config{BlockSize: 16})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	src := NewToneSource(DefaultSampleRate, 440, 100, 0)
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error for nil source")
	}
	if _, err := New(src, Config{ShiftBits: 32}); err == nil {
		t.Fatalf("expected error for 32-bit shift")
	}
	if _, err := New(src, Config{BlockSize: -1}); err == nil {
		t.Fatalf("expected error for negative block size")
	}
}

func writeWAV(t *testing.T, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestWAVSourceLeftAlignsAndLoops(t *testing.T) {
	path := writeWAV(t, []int{1, -1, 2, -2})
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	src, err := NewWAVSource(f, true)
	if err != nil {
		t.Fatalf("NewWAVSource: %v", err)
	}
	if src.SampleRate() != 8000 {
		t.Fatalf("sample rate = %d", src.SampleRate())
	}

	dst := make([]int32, 6)
	n, err := src.ReadWords(context.Background(), dst)
	if err != nil || n != 6 {
		t.Fatalf("ReadWords = %d, %v", n, err)
	}
	want := []int32{1 << 16, -1 << 16, 2 << 16, -2 << 16, 1 << 16, -1 << 16}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("word %d = %d, want %d", i, dst[i], want[i])
		}
	}
}

func TestWAVSourceWithoutLoopEnds(t *testing.T) {
	path := writeWAV(t, []int{5, 6, 7})
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	src, err := NewWAVSource(f, false)
	if err != nil {
		t.Fatalf("NewWAVSource: %v", err)
	}
	n, err := src.ReadWords(context.Background(), make([]int32, 8))
	if n != 3 || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadWords = %d, %v; want 3, ErrUnexpectedEOF", n, err)
	}
}

func TestWAVSourceReportsEOFWhenDrained(t *testing.T) {
	path := writeWAV(t, []int{5, 6})
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	src, err := NewWAVSource(f, false)
	if err != nil {
		t.Fatalf("NewWAVSource: %v", err)
	}
	if n, err := src.ReadWords(context.Background(), make([]int32, 2)); n != 2 || err != nil {
		t.Fatalf("first read = %d, %v", n, err)
	}
	if _, err := src.ReadWords(context.Background(), make([]int32, 2)); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

package transcode

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/coordinator"
	"github.com/RyanBlaney/sonido-soundkit/sampler"
)

func TestBuildArgsFile(t *testing.T) {
	s, err := NewStream(&StreamConfig{Input: "noise.flac", StreamType: "file", SampleRate: 22627, Realtime: true, Loop: true})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	args := s.buildArgs()
	for _, want := range [][]string{
		{"-re"},
		{"-stream_loop", "-1"},
		{"-i", "noise.flac"},
		{"-f", "s32le"},
		{"-ac", "1"},
		{"-ar", "22627"},
	} {
		if !containsRun(args, want) {
			t.Fatalf("args %v missing %v", args, want)
		}
	}
	if args[len(args)-1] != "pipe:1" {
		t.Fatalf("output must go to stdout, got %q", args[len(args)-1])
	}
}

func TestBuildArgsCaptureDevice(t *testing.T) {
	s, _ := NewStream(&StreamConfig{Input: "hw:1", InputFormat: "alsa", StreamType: "device", SampleRate: 48000})
	args := s.buildArgs()
	if !containsRun(args, []string{"-f", "alsa", "-i", "hw:1"}) {
		t.Fatalf("input format must precede input: %v", args)
	}
	if slices.Contains(args, "-re") {
		t.Fatalf("-re without Realtime: %v", args)
	}
}

func TestBuildArgsIcecast(t *testing.T) {
	s, _ := NewStream(&StreamConfig{Input: "http://radio/stream", StreamType: "icecast", SampleRate: 22627, Realtime: true})
	args := s.buildArgs()
	if !containsRun(args, []string{"-reconnect", "1"}) {
		t.Fatalf("icecast args missing reconnect: %v", args)
	}
	if slices.Contains(args, "-re") {
		t.Fatalf("live input must not be rate limited: %v", args)
	}
}

func TestNewStreamValidates(t *testing.T) {
	if _, err := NewStream(&StreamConfig{SampleRate: 8000}); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := NewStream(&StreamConfig{Input: "x"}); err == nil {
		t.Fatalf("expected error for zero sample rate")
	}
}

func TestReadBeforeStart(t *testing.T) {
	s, _ := NewStream(&StreamConfig{Input: "x.wav", SampleRate: 8000})
	if _, err := s.ReadWords(context.Background(), make([]int32, 4)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop on stopped stream: %v", err)
	}
}

func TestStartFailsWithoutBinary(t *testing.T) {
	s, _ := NewStream(&StreamConfig{Input: "x.wav", SampleRate: 8000, FFmpegPath: "/nonexistent/ffmpeg"})
	if err := s.Start(); err == nil {
		t.Fatalf("expected start error for missing binary")
	}
}

func TestParseProbeOutput(t *testing.T) {
	out := []byte(`{"streams":[{"codec_type":"audio","codec_name":"flac","sample_rate":"48000","channels":2,"duration":"12.5","bit_rate":"","codec_long_name":"FLAC"}]}`)
	md, err := parseProbeOutput(out)
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if md.SampleRate != 48000 || md.Channels != 2 || md.Codec != "flac" || md.Duration != 12.5 || md.Bitrate != 0 {
		t.Fatalf("metadata = %+v", md)
	}

	for _, bad := range []string{
		`{"streams":[]}`,
		`{"streams":[{"codec_type":"video","channels":1,"sample_rate":"1"}]}`,
		`{"streams":[{"codec_type":"audio","channels":0,"sample_rate":"1"}]}`,
		`not json`,
	} {
		if _, err := parseProbeOutput([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

// fakeFFmpeg writes a shell script that ignores its arguments and runs body.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh in PATH")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestStreamDeliversAllOutputThenEOF(t *testing.T) {
	// two blocks of 2048 words, then exit
	ffmpeg := fakeFFmpeg(t, "head -c 16384 /dev/zero")
	s, err := NewStream(&StreamConfig{Input: "x.wav", SampleRate: 8000, FFmpegPath: ffmpeg})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// let the process exit before anything is read
	time.Sleep(200 * time.Millisecond)

	dst := make([]int32, 2048)
	for i := range 2 {
		n, err := s.ReadWords(context.Background(), dst)
		if err != nil || n != len(dst) {
			t.Fatalf("block %d: n = %d, err = %v", i, n, err)
		}
	}
	for range 2 {
		if _, err := s.ReadWords(context.Background(), dst); !errors.Is(err, io.EOF) {
			t.Fatalf("err = %v, want io.EOF", err)
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStreamStopAndRestart(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, "exec cat /dev/zero")
	s, err := NewStream(&StreamConfig{Input: "hw:0", SampleRate: 8000, FFmpegPath: ffmpeg})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	dst := make([]int32, 512)
	for round := range 2 {
		if err := s.Start(); err != nil {
			t.Fatalf("round %d: Start: %v", round, err)
		}
		if n, err := s.ReadWords(context.Background(), dst); err != nil || n != len(dst) {
			t.Fatalf("round %d: n = %d, err = %v", round, n, err)
		}
		if err := s.Stop(); err != nil {
			t.Fatalf("round %d: Stop: %v", round, err)
		}
		if _, err := s.ReadWords(context.Background(), dst); !errors.Is(err, ErrNotStarted) {
			t.Fatalf("round %d: read after Stop: %v", round, err)
		}
	}
}

func TestCoordinatorStopsWhenStreamEnds(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, "head -c 16384 /dev/zero")
	stream, err := NewStream(&StreamConfig{Input: "x.wav", SampleRate: 8000, FFmpegPath: ffmpeg})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer stream.Close()

	smp, err := sampler.New(stream, sampler.Config{SampleRate: 8000})
	if err != nil {
		t.Fatalf("sampler.New: %v", err)
	}
	co, err := coordinator.New(smp, coordinator.DefaultConfig())
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = co.Run(ctx)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Run = %v, want io.EOF", err)
	}
	if st := co.Stats(); st.Blocks != 2 {
		t.Fatalf("stats = %+v, want 2 blocks", st)
	}
}

func TestNewStreamCopiesConfig(t *testing.T) {
	cfg := &StreamConfig{Input: "x.wav", SampleRate: 8000}
	if _, err := NewStream(cfg); err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if cfg.FFmpegPath != "" || cfg.FFprobePath != "" {
		t.Fatalf("caller's config modified: %+v", cfg)
	}
}

func containsRun(args, run []string) bool {
	for i := 0; i+len(run) <= len(args); i++ {
		if slices.Equal(args[i:i+len(run)], run) {
			return true
		}
	}
	return false
}

// Package transcode feeds the sampler from anything ffmpeg can read: files,
// ALSA/Pulse capture devices, Icecast and HLS streams.
package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/logging"
	"github.com/RyanBlaney/sonido-soundkit/sampler"
)

// ErrNotStarted is returned by ReadWords before Start or after Stop.
var ErrNotStarted = errors.New("transcode: stream not started")

// StreamConfig holds ffmpeg settings for a capture stream
type StreamConfig struct {
	Input       string        `json:"input"`
	InputFormat string        `json:"input_format"` // "alsa", "pulse", ... passed to -f; empty lets ffmpeg guess
	StreamType  string        `json:"stream_type"`  // "icecast", "hls", "file"
	SampleRate  int           `json:"sample_rate"`
	Realtime    bool          `json:"realtime"` // read file inputs at native rate
	Loop        bool          `json:"loop"`     // restart file inputs at EOF
	FFmpegPath  string        `json:"ffmpeg_path"`
	FFprobePath string        `json:"ffprobe_path"`
	Timeout     time.Duration `json:"timeout"` // probe timeout
}

// DefaultStreamConfig returns defaults matching the sampler's block timing
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		StreamType:  "file",
		SampleRate:  sampler.DefaultSampleRate,
		Realtime:    true,
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Timeout:     15 * time.Second,
	}
}

// AudioMetadata holds detected audio properties from FFprobe
type AudioMetadata struct {
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Codec      string  `json:"codec"`
	Duration   float64 `json:"duration"`
	Bitrate    int     `json:"bitrate"`
	Format     string  `json:"format"`
}

// Stream runs ffmpeg as a child process and exposes its mono s32le output
// as a sampler.Source. Stop kills the process; Start launches a fresh one.
type Stream struct {
	config *StreamConfig

	mu   sync.Mutex
	proc *process

	logger logging.Logger
}

// process is one ffmpeg run. Wait is only called once stdout has been read
// to EOF or the process has been killed, so no buffered output is lost.
type process struct {
	cmd    *exec.Cmd
	pcm    *sampler.PCMSource
	stderr *strings.Builder

	drained atomic.Bool
	once    sync.Once
	exitErr error
}

func (p *process) wait() error {
	p.once.Do(func() {
		err := p.cmd.Wait()
		if err != nil && p.stderr.Len() > 0 {
			err = fmt.Errorf("%w, stderr: %s", err, strings.TrimSpace(p.stderr.String()))
		}
		p.exitErr = err
	})
	return p.exitErr
}

// NewStream creates a stopped stream. config is copied.
func NewStream(config *StreamConfig) (*Stream, error) {
	if config == nil {
		config = DefaultStreamConfig()
	}
	cfg := *config
	if cfg.Input == "" {
		return nil, fmt.Errorf("transcode: empty input")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("transcode: sample rate must be positive: %d", cfg.SampleRate)
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return &Stream{
		config: &cfg,
		logger: logging.WithFields(logging.Fields{
			"component":   "transcode_stream",
			"input":       cfg.Input,
			"stream_type": cfg.StreamType,
		}),
	}, nil
}

// Start launches ffmpeg. Calling Start on a running stream is a no-op.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil
	}

	args := s.buildArgs()
	cmd := exec.Command(s.config.FFmpegPath, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transcode: stdout pipe: %w", err)
	}
	stderr := &strings.Builder{}
	cmd.Stderr = stderr

	s.logger.Debug("Starting FFmpeg capture", logging.Fields{
		"command": fmt.Sprintf("%s %s", s.config.FFmpegPath, strings.Join(args, " ")),
	})
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transcode: start ffmpeg: %w", err)
	}

	s.proc = &process{
		cmd:    cmd,
		pcm:    sampler.NewPCMSource(out),
		stderr: stderr,
	}
	return nil
}

// Stop kills ffmpeg and waits for it to exit.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proc
	if p == nil {
		return nil
	}
	s.proc = nil

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err := p.wait()
	s.logger.Debug("FFmpeg capture stopped", logging.Fields{
		"exit": fmt.Sprint(err),
	})
	return nil
}

// Close is Stop.
func (s *Stream) Close() error {
	return s.Stop()
}

// ReadWords implements sampler.Source. Once ffmpeg's output is exhausted
// the process is reaped and every further read returns io.EOF.
func (s *Stream) ReadWords(ctx context.Context, dst []int32) (int, error) {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return 0, ErrNotStarted
	}
	if p.drained.Load() {
		return 0, io.EOF
	}

	n, err := p.pcm.ReadWords(ctx, dst)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		p.drained.Store(true)
		exit := p.wait()
		s.logger.Warn("FFmpeg output ended", logging.Fields{
			"words": n,
			"exit":  fmt.Sprint(exit),
		})
	}
	return n, err
}

func (s *Stream) buildArgs() []string {
	args := []string{"-v", "error", "-nostdin"}

	switch s.config.StreamType {
	case "icecast":
		args = append(args,
			"-reconnect", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "1",
			"-fflags", "+genpts+igndts+flush_packets",
			"-rw_timeout", "5000000",
		)
	case "hls":
		args = append(args,
			"-fflags", "+genpts+igndts+flush_packets",
			"-live_start_index", "-1",
			"-rw_timeout", "30000000",
			"-reconnect", "1",
			"-reconnect_streamed", "1",
		)
	default:
		if s.config.Realtime {
			args = append(args, "-re")
		}
		if s.config.Loop {
			args = append(args, "-stream_loop", "-1")
		}
	}

	if s.config.InputFormat != "" {
		args = append(args, "-f", s.config.InputFormat)
	}
	args = append(args, "-i", s.config.Input)

	args = append(args,
		"-map", "0:a:0?",
		"-vn",
		"-f", "s32le",
		"-acodec", "pcm_s32le",
		"-ac", "1",
		"-ar", strconv.Itoa(s.config.SampleRate),
		"pipe:1",
	)
	return args
}

// Probe runs ffprobe against the configured input
func (s *Stream) Probe(ctx context.Context) (*AudioMetadata, error) {
	timeout := s.config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "a:0",
	}
	if s.config.InputFormat != "" {
		args = append(args, "-f", s.config.InputFormat)
	}
	args = append(args, s.config.Input)

	output, err := exec.CommandContext(probeCtx, s.config.FFprobePath, args...).Output()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return nil, fmt.Errorf("transcode: ffprobe failed: %w, stderr: %s", err, string(exitError.Stderr))
		}
		return nil, fmt.Errorf("transcode: ffprobe failed: %w", err)
	}

	metadata, err := parseProbeOutput(output)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("FFprobe completed", logging.Fields{
		"sample_rate": metadata.SampleRate,
		"channels":    metadata.Channels,
		"codec":       metadata.Codec,
	})
	return metadata, nil
}

func parseProbeOutput(jsonData []byte) (*AudioMetadata, error) {
	var probe struct {
		Streams []struct {
			CodecType     string `json:"codec_type"`
			CodecName     string `json:"codec_name"`
			SampleRate    string `json:"sample_rate"`
			Channels      int    `json:"channels"`
			Duration      string `json:"duration"`
			BitRate       string `json:"bit_rate"`
			CodecLongName string `json:"codec_long_name"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(jsonData, &probe); err != nil {
		return nil, fmt.Errorf("transcode: parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return nil, fmt.Errorf("transcode: no audio streams found")
	}

	stream := probe.Streams[0]
	if stream.CodecType != "audio" {
		return nil, fmt.Errorf("transcode: stream is not audio type: %s", stream.CodecType)
	}
	if stream.Channels <= 0 || stream.Channels > 8 {
		return nil, fmt.Errorf("transcode: invalid channel count: %d", stream.Channels)
	}

	sampleRate, err := strconv.Atoi(stream.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("transcode: bad sample rate %q: %w", stream.SampleRate, err)
	}
	// duration and bitrate are absent for live inputs
	duration, _ := strconv.ParseFloat(stream.Duration, 64)
	bitrate, _ := strconv.Atoi(stream.BitRate)

	return &AudioMetadata{
		SampleRate: sampleRate,
		Channels:   stream.Channels,
		Codec:      stream.CodecName,
		Duration:   duration,
		Bitrate:    bitrate,
		Format:     stream.CodecLongName,
	}, nil
}

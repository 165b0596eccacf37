// Package config loads the sensor configuration from a JSON file and
// SOUNDKIT_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/algorithms/spectral"
	"github.com/RyanBlaney/sonido-soundkit/algorithms/weighting"
	"github.com/RyanBlaney/sonido-soundkit/control"
	"github.com/RyanBlaney/sonido-soundkit/coordinator"
	"github.com/RyanBlaney/sonido-soundkit/logging"
	"github.com/RyanBlaney/sonido-soundkit/payload"
	"github.com/RyanBlaney/sonido-soundkit/sampler"
	"github.com/RyanBlaney/sonido-soundkit/transcode"
	"github.com/RyanBlaney/sonido-soundkit/uplink"
)

// Duration is a time.Duration written as "10s" or "2m" in JSON.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("config: duration must be a string or nanoseconds: %s", b)
	}
	*d = Duration(n)
	return nil
}

// Config is the complete sensor configuration.
type Config struct {
	DeviceEUI string `json:"device_eui"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "text" or "json"

	CycleSeconds int      `json:"cycle_seconds"`
	MicOffsetDB  float64  `json:"mic_offset_db"`
	JoinRetry    Duration `json:"join_retry"`
	SendTimeout  Duration `json:"send_timeout"`

	Source      SourceConfig      `json:"source"`
	Sampler     SamplerConfig     `json:"sampler"`
	Measurement MeasurementConfig `json:"measurement"`
	Payload     PayloadConfig     `json:"payload"`
	Link        LinkConfig        `json:"link"`
}

// SourceConfig selects where raw samples come from.
type SourceConfig struct {
	Type string `json:"type"` // "tone", "wav", "pcm", "ffmpeg"
	Path string `json:"path"` // file, device or URL

	Loop        bool   `json:"loop"`
	Realtime    bool   `json:"realtime"`
	InputFormat string `json:"input_format"` // ffmpeg -f for capture devices
	StreamType  string `json:"stream_type"`  // ffmpeg: "file", "icecast", "hls"
	FFmpegPath  string `json:"ffmpeg_path"`

	ToneFrequency float64 `json:"tone_frequency"`
	ToneAmplitude float64 `json:"tone_amplitude"`
	ToneBias      float64 `json:"tone_bias"`
	ToneNoise     float64 `json:"tone_noise"`
}

type SamplerConfig struct {
	BlockSize  int     `json:"block_size"`
	SampleRate int     `json:"sample_rate"`
	ShiftBits  uint    `json:"shift_bits"`
	InputScale float64 `json:"input_scale"`
	DCWarmup   int     `json:"dc_warmup"`
}

type MeasurementConfig struct {
	Bands         int      `json:"bands"`
	ReportTimeout Duration `json:"report_timeout"`
}

type PayloadConfig struct {
	MaxSize int    `json:"max_size"`
	Detail  string `json:"detail"` // curve whose spectrum is sent: "A", "C" or "Z"
	Port    uint8  `json:"port"`
}

type LinkConfig struct {
	Type  string      `json:"type"` // "log" or "kafka"
	Kafka KafkaConfig `json:"kafka"`
}

type KafkaConfig struct {
	Brokers       []string `json:"brokers"`
	UplinkTopic   string   `json:"uplink_topic"`
	DownlinkTopic string   `json:"downlink_topic"`
	GroupID       string   `json:"group_id"`
	Compression   string   `json:"compression"`
}

// DefaultConfig returns a bench configuration: a synthetic tone source and
// a log link.
func DefaultConfig() *Config {
	sc := sampler.DefaultConfig()
	kc := uplink.DefaultKafkaConfig()
	return &Config{
		DeviceEUI:    "0000000000000001",
		LogLevel:     "info",
		LogFormat:    "text",
		CycleSeconds: control.DefaultCycleSeconds,
		MicOffsetDB:  0,
		JoinRetry:    Duration(10 * time.Second),
		SendTimeout:  Duration(20 * time.Second),
		Source: SourceConfig{
			Type:          "tone",
			Realtime:      true,
			StreamType:    "file",
			FFmpegPath:    "ffmpeg",
			ToneFrequency: 1000,
			ToneAmplitude: 50000,
			ToneNoise:     2000,
		},
		Sampler: SamplerConfig{
			BlockSize:  sc.BlockSize,
			SampleRate: sc.SampleRate,
			ShiftBits:  sc.ShiftBits,
			InputScale: sc.InputScale,
			DCWarmup:   sc.DCWarmup,
		},
		Measurement: MeasurementConfig{
			Bands:         spectral.DefaultOctaves,
			ReportTimeout: Duration(coordinator.DefaultReportTimeout),
		},
		Payload: PayloadConfig{
			MaxSize: payload.DefaultMaxSize,
			Detail:  "Z",
			Port:    control.PortReport,
		},
		Link: LinkConfig{
			Type: "log",
			Kafka: KafkaConfig{
				Brokers:       kc.Brokers,
				UplinkTopic:   kc.UplinkTopic,
				DownlinkTopic: kc.DownlinkTopic,
				GroupID:       kc.GroupID,
			},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write prints c as indented JSON.
func (c *Config) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// ApplyEnv overrides fields from SOUNDKIT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, set func(string) error) {
		if v, ok := lookup(key); ok {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
			}
		}
	}

	str("SOUNDKIT_DEVICE_EUI", &c.DeviceEUI)
	str("SOUNDKIT_LOG_LEVEL", &c.LogLevel)
	str("SOUNDKIT_LOG_FORMAT", &c.LogFormat)
	str("SOUNDKIT_SOURCE", &c.Source.Type)
	str("SOUNDKIT_SOURCE_PATH", &c.Source.Path)
	str("SOUNDKIT_LINK", &c.Link.Type)
	str("SOUNDKIT_KAFKA_UPLINK_TOPIC", &c.Link.Kafka.UplinkTopic)
	str("SOUNDKIT_KAFKA_DOWNLINK_TOPIC", &c.Link.Kafka.DownlinkTopic)
	if v, ok := lookup("SOUNDKIT_KAFKA_BROKERS"); ok {
		c.Link.Kafka.Brokers = splitList(v)
	}
	num("SOUNDKIT_CYCLE_SECONDS", func(v string) error {
		n, err := strconv.Atoi(v)
		c.CycleSeconds = n
		return err
	})
	num("SOUNDKIT_MIC_OFFSET_DB", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.MicOffsetDB = f
		return err
	})

	if len(errs) > 0 {
		return fmt.Errorf("config: bad environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log_format must be text or json, got %q", c.LogFormat)
	}
	if _, err := control.NewSettings(c.CycleSeconds, c.MicOffsetDB, nil); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.JoinRetry <= 0 || c.SendTimeout <= 0 {
		return fmt.Errorf("config: join_retry and send_timeout must be positive")
	}

	switch c.Source.Type {
	case "tone":
	case "wav", "pcm", "ffmpeg":
		if c.Source.Path == "" {
			return fmt.Errorf("config: source %s needs a path", c.Source.Type)
		}
	default:
		return fmt.Errorf("config: unknown source type %q", c.Source.Type)
	}

	if c.Sampler.BlockSize <= 0 || c.Sampler.SampleRate <= 0 {
		return fmt.Errorf("config: block_size and sample_rate must be positive")
	}
	if c.Measurement.Bands <= 0 {
		return fmt.Errorf("config: bands must be positive")
	}
	if n := weighting.A().Bands(); c.Measurement.Bands != n {
		return fmt.Errorf("config: the weighting tables cover %d bands, got %d", n, c.Measurement.Bands)
	}
	if need := spectral.RequiredBins(c.Measurement.Bands); need > c.Sampler.BlockSize {
		return fmt.Errorf("config: %d bands need %d bins, block size is %d", c.Measurement.Bands, need, c.Sampler.BlockSize)
	}

	if _, err := c.DetailIndex(); err != nil {
		return err
	}
	if n := payload.Size(c.Measurement.Bands); n > c.Payload.MaxSize {
		return fmt.Errorf("config: %d bands make a %d byte payload, max_size is %d", c.Measurement.Bands, n, c.Payload.MaxSize)
	}

	switch c.Link.Type {
	case "log":
	case "kafka":
		if c.DeviceEUI == "" {
			return fmt.Errorf("config: kafka link needs device_eui")
		}
		if len(c.Link.Kafka.Brokers) == 0 || c.Link.Kafka.UplinkTopic == "" {
			return fmt.Errorf("config: kafka link needs brokers and uplink_topic")
		}
	default:
		return fmt.Errorf("config: unknown link type %q", c.Link.Type)
	}
	return nil
}

// DetailIndex maps Payload.Detail to the encoder's curve index.
func (c *Config) DetailIndex() (int, error) {
	switch strings.ToUpper(c.Payload.Detail) {
	case "A":
		return 0, nil
	case "C":
		return 1, nil
	case "", "Z":
		return 2, nil
	default:
		return 0, fmt.Errorf("config: detail curve must be A, C or Z, got %q", c.Payload.Detail)
	}
}

// SamplerSettings converts to the sampler's settings.
func (c *Config) SamplerSettings() sampler.Config {
	return sampler.Config{
		BlockSize:   c.Sampler.BlockSize,
		SampleRate:  c.Sampler.SampleRate,
		ShiftBits:   c.Sampler.ShiftBits,
		InputScale:  c.Sampler.InputScale,
		DCWarmup:    c.Sampler.DCWarmup,
		MicOffsetDB: c.MicOffsetDB,
	}
}

func (c *Config) CoordinatorSettings() coordinator.Config {
	cc := coordinator.DefaultConfig()
	cc.Bands = c.Measurement.Bands
	cc.ReportTimeout = time.Duration(c.Measurement.ReportTimeout)
	cc.StartPaused = true
	return cc
}

func (c *Config) KafkaSettings() uplink.KafkaConfig {
	kc := uplink.DefaultKafkaConfig()
	kc.Brokers = c.Link.Kafka.Brokers
	kc.UplinkTopic = c.Link.Kafka.UplinkTopic
	kc.DownlinkTopic = c.Link.Kafka.DownlinkTopic
	kc.GroupID = c.Link.Kafka.GroupID
	kc.Compression = c.Link.Kafka.Compression
	kc.DeviceEUI = c.DeviceEUI
	kc.WriteTimeout = time.Duration(c.SendTimeout)
	kc.JoinRetry = time.Duration(c.JoinRetry)
	return kc
}

func (c *Config) StreamSettings() *transcode.StreamConfig {
	sc := transcode.DefaultStreamConfig()
	sc.Input = c.Source.Path
	sc.InputFormat = c.Source.InputFormat
	sc.StreamType = c.Source.StreamType
	sc.SampleRate = c.Sampler.SampleRate
	sc.Realtime = c.Source.Realtime
	sc.Loop = c.Source.Loop
	if c.Source.FFmpegPath != "" {
		sc.FFmpegPath = c.Source.FFmpegPath
	}
	return sc
}

package uplink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/logging"
	"github.com/segmentio/kafka-go"
)

// Record header keys.
const (
	HeaderPort   = "port"
	HeaderDevice = "device"
)

// KafkaConfig describes a Kafka-backed link. Uplinks are written to
// UplinkTopic keyed by DeviceEUI; downlinks are read from DownlinkTopic.
type KafkaConfig struct {
	Brokers       []string      `json:"brokers"`
	UplinkTopic   string        `json:"uplink_topic"`
	DownlinkTopic string        `json:"downlink_topic"`
	GroupID       string        `json:"group_id"`
	DeviceEUI     string        `json:"device_eui"`
	Compression   string        `json:"compression"` // "", "gzip", "snappy", "lz4", "zstd"
	WriteTimeout  time.Duration `json:"write_timeout"`
	JoinRetry     time.Duration `json:"join_retry"`
}

// DefaultKafkaConfig returns settings for a local broker.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		UplinkTopic:   "soundkit.uplink",
		DownlinkTopic: "soundkit.downlink",
		GroupID:       "soundkit",
		WriteTimeout:  20 * time.Second,
		JoinRetry:     10 * time.Second,
	}
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("uplink: kafka requires at least one broker")
	}
	if c.UplinkTopic == "" {
		return fmt.Errorf("uplink: kafka requires an uplink topic")
	}
	if c.DeviceEUI == "" {
		return fmt.Errorf("uplink: kafka requires a device EUI")
	}
	if _, err := parseCompression(c.Compression); err != nil {
		return err
	}
	return nil
}

func parseCompression(name string) (kafka.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("uplink: unknown kafka compression %q", name)
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaLink bridges the device to a Kafka cluster, standing in for the
// radio network server.
type KafkaLink struct {
	cfg    KafkaConfig
	writer messageWriter
	reader messageReader // nil without a downlink topic
	probe  func(ctx context.Context) error

	joined    atomic.Bool
	downlinks chan Downlink

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	logger logging.Logger
}

// NewKafkaLink builds the writer and reader. Nothing connects until Start.
func NewKafkaLink(cfg KafkaConfig) (*KafkaLink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	compression, _ := parseCompression(cfg.Compression)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.UplinkTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  compression,
	}

	var reader messageReader
	if cfg.DownlinkTopic != "" {
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       cfg.DownlinkTopic,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			MaxWait:     time.Second,
			StartOffset: kafka.LastOffset,
		})
	}

	link := newKafkaLink(cfg, writer, reader)
	link.probe = link.dialProbe
	return link, nil
}

func newKafkaLink(cfg KafkaConfig, w messageWriter, r messageReader) *KafkaLink {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 20 * time.Second
	}
	if cfg.JoinRetry <= 0 {
		cfg.JoinRetry = 10 * time.Second
	}
	return &KafkaLink{
		cfg:       cfg,
		writer:    w,
		reader:    r,
		downlinks: make(chan Downlink, DefaultDownlinkQueue),
		logger: logging.WithFields(logging.Fields{
			"component": "uplink",
			"link":      "kafka",
			"device":    cfg.DeviceEUI,
		}),
	}
}

// Start joins in the background and begins consuming downlinks.
func (k *KafkaLink) Start(ctx context.Context) {
	k.startOnce.Do(func() {
		ctx, k.cancel = context.WithCancel(ctx)
		k.wg.Add(1)
		go k.joinLoop(ctx)
		if k.reader != nil {
			k.wg.Add(1)
			go k.readLoop(ctx)
		}
	})
}

func (k *KafkaLink) joinLoop(ctx context.Context) {
	defer k.wg.Done()
	for {
		err := k.probe(ctx)
		if err == nil {
			k.joined.Store(true)
			k.logger.Info("Joined", logging.Fields{
				"brokers": strings.Join(k.cfg.Brokers, ","),
				"topic":   k.cfg.UplinkTopic,
			})
			return
		}
		if ctx.Err() != nil {
			return
		}
		k.logger.Warn("Join failed", logging.Fields{
			"error": err.Error(),
			"retry": k.cfg.JoinRetry.String(),
		})
		t := time.NewTimer(k.cfg.JoinRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// dialProbe checks that a broker answers and knows the uplink topic.
func (k *KafkaLink) dialProbe(ctx context.Context) error {
	var errs []error
	for _, broker := range k.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.ReadPartitions(k.cfg.UplinkTopic)
		_ = conn.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("uplink: no broker reachable: %w", errors.Join(errs...))
}

func (k *KafkaLink) readLoop(ctx context.Context) {
	defer k.wg.Done()
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Warn("Downlink read failed", logging.Fields{
				"error": err.Error(),
			})
			t := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		dl, ok := k.decode(msg)
		if !ok {
			continue
		}
		select {
		case k.downlinks <- dl:
		default:
			k.logger.Warn("Downlink dropped, queue full", logging.Fields{
				"port": dl.Port,
			})
		}
	}
}

// decode turns a record into a Downlink. Records addressed to another
// device or without a valid port are skipped.
func (k *KafkaLink) decode(msg kafka.Message) (Downlink, bool) {
	var port string
	var havePort bool
	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderDevice:
			if string(h.Value) != k.cfg.DeviceEUI {
				return Downlink{}, false
			}
		case HeaderPort:
			port, havePort = string(h.Value), true
		}
	}
	if len(msg.Key) > 0 && string(msg.Key) != k.cfg.DeviceEUI {
		return Downlink{}, false
	}
	if !havePort {
		k.logger.Warn("Downlink without port header", logging.Fields{
			"offset": msg.Offset,
		})
		return Downlink{}, false
	}
	p, err := strconv.ParseUint(port, 10, 8)
	if err != nil {
		k.logger.Warn("Downlink with bad port header", logging.Fields{
			"port":  port,
			"error": err.Error(),
		})
		return Downlink{}, false
	}

	received := msg.Time
	if received.IsZero() {
		received = time.Now()
	}
	return Downlink{
		Port:     uint8(p),
		Payload:  append([]byte(nil), msg.Value...),
		Received: received,
	}, true
}

// Send writes one uplink record.
func (k *KafkaLink) Send(ctx context.Context, port uint8, payload []byte) error {
	if !k.joined.Load() {
		return ErrNotJoined
	}
	ctx, cancel := context.WithTimeout(ctx, k.cfg.WriteTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, record(k.cfg.DeviceEUI, port, payload)); err != nil {
		return fmt.Errorf("uplink: kafka write: %w", err)
	}
	k.logger.Debug("Uplink delivered", logging.Fields{
		"port":  port,
		"bytes": len(payload),
	})
	return nil
}

func (k *KafkaLink) Joined() bool {
	return k.joined.Load()
}

func (k *KafkaLink) Downlinks() <-chan Downlink {
	return k.downlinks
}

// Close stops the background loops and closes the Kafka clients.
func (k *KafkaLink) Close() error {
	var errs []error
	k.closeOnce.Do(func() {
		if k.cancel != nil {
			k.cancel()
		}
		k.wg.Wait()
		k.joined.Store(false)
		if err := k.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		if k.reader != nil {
			if err := k.reader.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		close(k.downlinks)
	})
	return errors.Join(errs...)
}

func record(device string, port uint8, payload []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(device),
		Value: append([]byte(nil), payload...),
		Headers: []kafka.Header{
			{Key: HeaderPort, Value: []byte(strconv.Itoa(int(port)))},
			{Key: HeaderDevice, Value: []byte(device)},
		},
		Time: time.Now(),
	}
}

// DownlinkWriter publishes commands to a device's downlink topic. It plays
// the network server's part for the operator console.
type DownlinkWriter struct {
	device string
	writer messageWriter
}

func NewDownlinkWriter(cfg KafkaConfig) (*DownlinkWriter, error) {
	if len(cfg.Brokers) == 0 || cfg.DownlinkTopic == "" || cfg.DeviceEUI == "" {
		return nil, fmt.Errorf("uplink: downlink writer needs brokers, a downlink topic and a device EUI")
	}
	return &DownlinkWriter{
		device: cfg.DeviceEUI,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DownlinkTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}, nil
}

func (d *DownlinkWriter) Send(ctx context.Context, port uint8, payload []byte) error {
	if err := d.writer.WriteMessages(ctx, record(d.device, port, payload)); err != nil {
		return fmt.Errorf("uplink: publish downlink: %w", err)
	}
	return nil
}

func (d *DownlinkWriter) Close() error {
	return d.writer.Close()
}

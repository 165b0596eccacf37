// Package uplink is the boundary to the radio collaborator: reports go out
// on a numbered port and downlink commands come back as events on a channel.
package uplink

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/logging"
)

var (
	ErrNotJoined = errors.New("uplink: not joined")
	ErrClosed    = errors.New("uplink: link closed")
	ErrQueueFull = errors.New("uplink: downlink queue full")
)

// DefaultDownlinkQueue is the number of undelivered downlinks a link holds.
const DefaultDownlinkQueue = 16

// Downlink is one received command.
type Downlink struct {
	Port     uint8
	Payload  []byte
	Received time.Time
}

// Link transmits reports and delivers downlinks.
type Link interface {
	// Send transmits payload on port. It returns an error when the link is
	// not joined or the transmission failed.
	Send(ctx context.Context, port uint8, payload []byte) error
	// Joined reports whether the link can transmit.
	Joined() bool
	// Downlinks delivers received commands. The channel is closed by Close.
	Downlinks() <-chan Downlink
	Close() error
}

// Uplink is a transmitted message as recorded by LogLink.
type Uplink struct {
	Port    uint8
	Payload []byte
	Sent    time.Time
}

// LogLink writes uplinks to the log instead of a radio. Downlinks are fed in
// with Inject. It is used for bench runs and tests.
type LogLink struct {
	joined atomic.Bool

	mu        sync.Mutex
	closed    bool
	sent      []Uplink
	downlinks chan Downlink

	logger logging.Logger
}

// NewLogLink creates a joined log link.
func NewLogLink() *LogLink {
	l := &LogLink{
		downlinks: make(chan Downlink, DefaultDownlinkQueue),
		logger: logging.WithFields(logging.Fields{
			"component": "uplink",
			"link":      "log",
		}),
	}
	l.joined.Store(true)
	return l
}

func (l *LogLink) Send(ctx context.Context, port uint8, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.joined.Load() {
		return ErrNotJoined
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.sent = append(l.sent, Uplink{
		Port:    port,
		Payload: append([]byte(nil), payload...),
		Sent:    time.Now(),
	})
	l.logger.Info("Uplink", logging.Fields{
		"port":    port,
		"bytes":   len(payload),
		"payload": hex.EncodeToString(payload),
	})
	return nil
}

func (l *LogLink) Joined() bool {
	return l.joined.Load()
}

// SetJoined simulates joining and leaving the network.
func (l *LogLink) SetJoined(joined bool) {
	l.joined.Store(joined)
}

func (l *LogLink) Downlinks() <-chan Downlink {
	return l.downlinks
}

// Inject queues a downlink as if it had been received over the air.
func (l *LogLink) Inject(port uint8, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.downlinks <- Downlink{Port: port, Payload: append([]byte(nil), payload...), Received: time.Now()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Sent returns a copy of everything transmitted so far.
func (l *LogLink) Sent() []Uplink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Uplink(nil), l.sent...)
}

func (l *LogLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.downlinks)
	return nil
}

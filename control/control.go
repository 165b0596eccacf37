// Package control applies remote configuration received on downlink ports.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/RyanBlaney/sonido-soundkit/logging"
)

// Uplink and downlink port numbers.
const (
	PortCycleTime uint8 = 20
	PortMicOffset uint8 = 21
	PortReport    uint8 = 22
)

const (
	MinCycleSeconds     = 10
	MaxCycleSeconds     = 600
	DefaultCycleSeconds = 120

	MinMicOffsetDB = -40.0
	MaxMicOffsetDB = 40.0
)

// ErrOutOfRange is returned for values outside the accepted range. The
// previous setting stays in effect.
var ErrOutOfRange = errors.New("control: value out of range")

// MicGainSetter receives microphone offset changes. *sampler.Sampler
// implements it.
type MicGainSetter interface {
	SetMicOffsetDB(db float64)
}

// Settings holds the remotely adjustable parameters. All methods are safe
// for concurrent use.
type Settings struct {
	cycleSeconds atomic.Int64
	micOffset    atomic.Uint64
	mic          MicGainSetter
}

// NewSettings starts from cycleSeconds and micOffsetDB. Out-of-range
// starting values are rejected.
func NewSettings(cycleSeconds int, micOffsetDB float64, mic MicGainSetter) (*Settings, error) {
	if err := checkCycle(cycleSeconds); err != nil {
		return nil, err
	}
	if err := checkOffset(micOffsetDB); err != nil {
		return nil, err
	}
	s := &Settings{mic: mic}
	s.cycleSeconds.Store(int64(cycleSeconds))
	s.micOffset.Store(math.Float64bits(micOffsetDB))
	if mic != nil {
		mic.SetMicOffsetDB(micOffsetDB)
	}
	return s, nil
}

// CycleTime returns the reporting interval.
func (s *Settings) CycleTime() time.Duration {
	return time.Duration(s.cycleSeconds.Load()) * time.Second
}

// MicOffsetDB returns the microphone offset.
func (s *Settings) MicOffsetDB() float64 {
	return math.Float64frombits(s.micOffset.Load())
}

// SetCycleTime accepts 10 to 600 seconds inclusive.
func (s *Settings) SetCycleTime(seconds int) error {
	if err := checkCycle(seconds); err != nil {
		return err
	}
	s.cycleSeconds.Store(int64(seconds))
	return nil
}

// SetMicOffsetDB accepts -40 to +40 dB inclusive and forwards the value to
// the microphone.
func (s *Settings) SetMicOffsetDB(db float64) error {
	if err := checkOffset(db); err != nil {
		return err
	}
	s.micOffset.Store(math.Float64bits(db))
	if s.mic != nil {
		s.mic.SetMicOffsetDB(db)
	}
	return nil
}

func checkCycle(seconds int) error {
	if seconds < MinCycleSeconds || seconds > MaxCycleSeconds {
		return fmt.Errorf("%w: cycle time %d s not in [%d, %d]", ErrOutOfRange, seconds, MinCycleSeconds, MaxCycleSeconds)
	}
	return nil
}

func checkOffset(db float64) error {
	if math.IsNaN(db) || db < MinMicOffsetDB || db > MaxMicOffsetDB {
		return fmt.Errorf("%w: mic offset %v dB not in [%v, %v]", ErrOutOfRange, db, MinMicOffsetDB, MaxMicOffsetDB)
	}
	return nil
}

// Handler decodes downlink messages into Settings changes.
type Handler struct {
	settings *Settings
	logger   logging.Logger
}

func NewHandler(settings *Settings) *Handler {
	return &Handler{
		settings: settings,
		logger: logging.WithFields(logging.Fields{
			"component": "control",
		}),
	}
}

// Handle applies one downlink message. Port 20 carries a little-endian
// uint16 cycle time in seconds; port 21 a little-endian int16 offset in
// tenths of a dB. Port 21 is signed so negative offsets can be set; senders
// that only ever encode 0..400 produce the same bytes as an unsigned reading. Messages shorter than two bytes and unknown ports are
// ignored. The returned error is informational: rejected values never change
// the settings.
func (h *Handler) Handle(port uint8, payload []byte) error {
	if len(payload) < 2 {
		h.logger.Debug("Ignoring short downlink", logging.Fields{
			"port":  port,
			"bytes": len(payload),
		})
		return nil
	}

	switch port {
	case PortCycleTime:
		seconds := int(binary.LittleEndian.Uint16(payload))
		if err := h.settings.SetCycleTime(seconds); err != nil {
			h.logger.Warn("Rejected cycle time", logging.Fields{
				"seconds": seconds,
				"error":   err.Error(),
			})
			return err
		}
		h.logger.Info("Cycle time changed", logging.Fields{
			"seconds": seconds,
		})

	case PortMicOffset:
		tenths := int16(binary.LittleEndian.Uint16(payload))
		db := float64(tenths) / 10
		if err := h.settings.SetMicOffsetDB(db); err != nil {
			h.logger.Warn("Rejected mic offset", logging.Fields{
				"offset_db": db,
				"error":     err.Error(),
			})
			return err
		}
		h.logger.Info("Mic offset changed", logging.Fields{
			"offset_db": db,
		})

	default:
		h.logger.Debug("Ignoring downlink on unknown port", logging.Fields{
			"port": port,
		})
	}
	return nil
}

// EncodeCycleTime builds a port 20 downlink.
func EncodeCycleTime(seconds int) ([]byte, error) {
	if err := checkCycle(seconds); err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint16(nil, uint16(seconds)), nil
}

// EncodeMicOffset builds a port 21 downlink, rounding to a tenth of a dB.
func EncodeMicOffset(db float64) ([]byte, error) {
	if err := checkOffset(db); err != nil {
		return nil, err
	}
	tenths := int16(math.Round(db * 10))
	return binary.LittleEndian.AppendUint16(nil, uint16(tenths)), nil
}

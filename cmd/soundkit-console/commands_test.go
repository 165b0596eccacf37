package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/RyanBlaney/sonido-soundkit/control"
)

type recordingSender struct {
	port    uint8
	payload []byte
	err     error
}

func (r *recordingSender) Send(_ context.Context, port uint8, payload []byte) error {
	r.port, r.payload = port, payload
	return r.err
}

func TestConsolePrintsCommandsWithoutSender(t *testing.T) {
	var out bytes.Buffer
	c := &console{out: &out}

	if err := c.execute(context.Background(), "cycle 60"); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if err := c.execute(context.Background(), "offset -12.5"); err != nil {
		t.Fatalf("offset: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "port 20 payload 3c00") {
		t.Fatalf("cycle output = %q", got)
	}
	// -125 as int16 LE
	if !strings.Contains(got, "port 21 payload 83ff") {
		t.Fatalf("offset output = %q", got)
	}
}

func TestConsolePublishes(t *testing.T) {
	var out bytes.Buffer
	s := &recordingSender{}
	c := &console{out: &out, sender: s}

	if err := c.execute(context.Background(), "cycle 600"); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if s.port != control.PortCycleTime || !bytes.Equal(s.payload, []byte{0x58, 0x02}) {
		t.Fatalf("sent port %d payload %x", s.port, s.payload)
	}

	s.err = errors.New("broker down")
	if err := c.execute(context.Background(), "offset 3"); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestConsoleRejectsBadInput(t *testing.T) {
	c := &console{out: &bytes.Buffer{}}
	for _, line := range []string{
		"cycle",
		"cycle 5",
		"cycle abc",
		"offset 41",
		"offset x",
		"decode zz",
		"decode 00",
		"launch",
	} {
		if err := c.execute(context.Background(), line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
	if err := c.execute(context.Background(), "   "); err != nil {
		t.Fatalf("blank line: %v", err)
	}
}

func TestConsoleDecodesFrame(t *testing.T) {
	var out bytes.Buffer
	c := &console{out: &out}

	frame := make([]byte, 19)
	frame[0] = 100
	for i := 1; i < len(frame); i++ {
		frame[i] = 153 // 60 dB at scale 100
	}
	if err := c.execute(context.Background(), "decode 0x"+hex.EncodeToString(frame)); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := out.String()
	for _, want := range []string{"LA", "LC", "LZ", "60.0", "band"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

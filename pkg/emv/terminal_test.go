package emv

import (
	"testing"
	"time"
)

func TestDefaultTerminalConstructValueSizesCorrectly(t *testing.T) {
	term := &DefaultTerminal{Now: func() time.Time { return time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC) }}

	for _, tag := range []uint32{0x9F66, 0x9F02, 0x9F1A, 0x5F2A, 0x9A, 0x9C, 0x9F37, 0x9F35, 0x9F40} {
		v := term.ConstructValue(tag, 4)
		if len(v) != 4 {
			t.Fatalf("tag %X: expected length 4, got %d", tag, len(v))
		}
	}
}

func TestDefaultTerminalDateIsBCDPacked(t *testing.T) {
	term := &DefaultTerminal{Now: func() time.Time { return time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC) }}
	v := term.ConstructValue(0x9A, 3)
	want := []byte{0x26, 0x03, 0x05}
	for i := range want {
		if v[i] != want[i] {
			t.Fatalf("date byte %d: got %02X, want %02X", i, v[i], want[i])
		}
	}
}

func TestConfiguredTerminalOverridesTakePriority(t *testing.T) {
	base := &DefaultTerminal{Now: func() time.Time { return time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC) }}
	term := &ConfiguredTerminal{
		Base:      base,
		Overrides: map[uint32][]byte{0x9F66: {0xFF, 0xFF, 0xFF, 0xFF}},
	}

	if v := term.ConstructValue(0x9F66, 4); v[0] != 0xFF {
		t.Fatalf("expected override to take priority, got %X", v)
	}
	if v := term.ConstructValue(0x9A, 3); v[0] != 0x26 {
		t.Fatalf("expected un-overridden tag to fall through to Base, got %X", v)
	}
}

func TestDefaultTerminalUnrecognizedTagReturnsZeroed(t *testing.T) {
	term := &DefaultTerminal{}
	v := term.ConstructValue(0xDEAD, 5)
	for _, b := range v {
		if b != 0 {
			t.Fatalf("expected zero-filled default, got %X", v)
		}
	}
}

package emv

import (
	"crypto/rand"
	"io"
	"time"
)

// DefaultTerminal is a generic contactless-kernel terminal profile: it
// answers the handful of DOL tags any EMV application is entitled to
// ask for, sourcing the unpredictable number from crypto/rand and the
// transaction date from the clock. Values it does not recognize
// (including Transaction Time, 9F21) come back as
// zero-filled of the requested length, matching a terminal that simply
// has nothing to offer for that tag.
type DefaultTerminal struct {
	// Now, when set, overrides time.Now for the transaction date tag (tests
	// fix it; production leaves it nil).
	Now func() time.Time
}

func (t *DefaultTerminal) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// ConstructValue implements Terminal.
func (t *DefaultTerminal) ConstructValue(tag uint32, length int) []byte {
	switch tag {
	case 0x9F66: // Terminal Transaction Qualifiers
		return padRight([]byte{0x79, 0x00, 0x40, 0x00}, length)
	case 0x9F02: // Amount, Authorized
		return make([]byte, length)
	case 0x9F03: // Amount, Other
		return make([]byte, length)
	case 0x9F1A: // Terminal Country Code
		return padLeft([]byte{0x08, 0x40}, length) // 0840 = US
	case 0x5F2A: // Transaction Currency Code
		return padLeft([]byte{0x08, 0x40}, length) // 0840 = USD
	case 0x9A: // Transaction Date, YYMMDD BCD
		return padLeft(bcdDate(t.now()), length)
	case 0x9C: // Transaction Type
		return padLeft([]byte{0x00}, length) // goods and services
	case 0x9F37: // Unpredictable Number
		buf := make([]byte, length)
		_, _ = io.ReadFull(rand.Reader, buf)
		return buf
	case 0x9F35: // Terminal Type
		return padLeft([]byte{0x22}, length) // attended, online-capable, merchant
	case 0x9F40: // Additional Terminal Capabilities
		return make([]byte, length)
	case 0x9F1E: // Interface Device Serial Number
		return padRight([]byte("EMVREADER01"), length)
	default:
		return make([]byte, length)
	}
}

// ConfiguredTerminal layers a fixed set of tag -> value overrides over
// a base Terminal, the way a site-specific YAML profile customizes the
// generic DefaultTerminal (internal/config). A tag with no override
// falls through to Base unchanged.
type ConfiguredTerminal struct {
	Base      Terminal
	Overrides map[uint32][]byte
}

// ConstructValue implements Terminal.
func (t *ConfiguredTerminal) ConstructValue(tag uint32, length int) []byte {
	if v, ok := t.Overrides[tag]; ok {
		return v
	}
	return t.Base.ConstructValue(tag, length)
}

func padLeft(v []byte, length int) []byte {
	out := make([]byte, length)
	if len(v) >= length {
		copy(out, v[len(v)-length:])
		return out
	}
	copy(out[length-len(v):], v)
	return out
}

func padRight(v []byte, length int) []byte {
	out := make([]byte, length)
	n := copy(out, v)
	_ = n
	return out
}

// bcdDate packs a date as 3 BCD bytes: YY MM DD.
func bcdDate(t time.Time) []byte {
	y := t.Year() % 100
	m := int(t.Month())
	d := t.Day()
	return []byte{bcdByte(y), bcdByte(m), bcdByte(d)}
}

func bcdByte(v int) byte {
	return byte((v/10)<<4 | (v % 10))
}

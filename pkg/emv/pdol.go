package emv

// Terminal supplies the value a terminal would place in a DOL entry
// for a given tag; length is the size the DOL declares for it. The
// returned value need not already be that size: BuildGPOData pads or
// truncates it to length. The default implementation
// (DefaultTerminal) covers the handful of tags a generic contactless
// kernel is expected to populate; callers with richer terminal
// profiles (kernel-specific TTQ bits, live date/time) provide their
// own.
type Terminal interface {
	ConstructValue(tag uint32, length int) []byte
}

// Tags with a BCD/numeric default value: when resized they are
// left-padded with zero or left-truncated, keeping the low-order
// digits. Everything else is treated as an opaque byte string, padded
// or truncated on the right.
var numericDOLTags = map[uint32]bool{
	0x9F02: true, // Amount, Authorized
	0x9F03: true, // Amount, Other
	0x5F2A: true, // Transaction Currency Code
	0x9F1A: true, // Terminal Country Code
	0x9A:   true, // Transaction Date
	0x9C:   true, // Transaction Type
	0x9F35: true, // Terminal Type
}

// fitValue resizes v to exactly length bytes following the padding
// rule for numeric vs byte-string tags (spec §4.3).
func fitValue(v []byte, length int, numeric bool) []byte {
	out := make([]byte, length)
	if len(v) == length {
		copy(out, v)
		return out
	}
	if len(v) < length {
		if numeric {
			copy(out[length-len(v):], v)
		} else {
			copy(out, v)
		}
		return out
	}
	// v is longer than length: truncate.
	if numeric {
		copy(out, v[len(v)-length:])
	} else {
		copy(out, v[:length])
	}
	return out
}

// BuildGPOData constructs the `83 Lc <pdol-values>` command data field
// for GET PROCESSING OPTIONS from a decoded PDOL and a terminal value
// source. An empty or absent PDOL yields `83 00`.
func BuildGPOData(pdol []TagAndLength, terminal Terminal) []byte {
	var values []byte
	for _, tl := range pdol {
		v := terminal.ConstructValue(tl.Tag, tl.Length)
		values = append(values, fitValue(v, tl.Length, numericDOLTags[tl.Tag])...)
	}
	out := []byte{0x83}
	out = append(out, EncodeLength(len(values))...)
	out = append(out, values...)
	return out
}

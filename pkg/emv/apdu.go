package emv

// Status word constants used throughout the session driver. Only the
// ISO 7816-4 / EMV subset the core actually branches on is named here;
// the rest fall through swDescription's generic classification.
const (
	SWSuccess               = 0x9000 // ISO success
	SWSuccessWarning        = 0x6285 // SELECT of a deactivated file - tolerated as success (Interac compatibility)
	SWFileNotFound          = 0x6A82
	SWRecordNotFound        = 0x6A83
	SWSecurityNotSatisfied  = 0x6982
	SWConditionsNotSatisfied = 0x6985
	SWWrongP1P2             = 0x6A86
	SWWrongLength           = 0x6C00 // mask: correct Le is SW2
	SWMoreData              = 0x6100 // mask: SW2 bytes available via GET RESPONSE
)

// Instruction bytes for the four command kinds the driver issues.
const (
	insSelect     = 0xA4
	insReadRecord = 0xB2
	insGetData    = 0xCA
	insGPO        = 0xA8

	claISO = 0x00
	claGPO = 0x80
)

// EncodeAPDU assembles a command APDU from its four mandatory header
// bytes plus optional data and Le, following the short-form ISO 7816-3
// encoding: CLA INS P1 P2 [Lc data] [Le]. Le=0 means "expect up to
// 256 bytes" and is encoded as a literal 0x00 trailing byte, per spec.
func EncodeAPDU(cla, ins, p1, p2 byte, data []byte, le int, withLe bool) []byte {
	apdu := make([]byte, 0, 5+len(data)+1)
	apdu = append(apdu, cla, ins, p1, p2)
	if len(data) > 0 {
		apdu = append(apdu, byte(len(data)))
		apdu = append(apdu, data...)
	}
	if withLe {
		apdu = append(apdu, byte(le))
	}
	return apdu
}

// BuildSelect encodes SELECT (00 A4 04 00) with the given AID or DF
// name as data, Le=0.
func BuildSelect(name []byte) []byte {
	return EncodeAPDU(claISO, insSelect, 0x04, 0x00, name, 0, true)
}

// BuildReadRecord encodes READ RECORD (00 B2) addressing record by
// absolute number within sfi, P2 = (sfi<<3)|4.
func BuildReadRecord(record, sfi byte, le int) []byte {
	p2 := (sfi << 3) | 0x04
	return EncodeAPDU(claISO, insReadRecord, record, p2, nil, le, true)
}

// BuildGetData encodes GET DATA (80 CA) for the given two-byte tag.
func BuildGetData(tagHi, tagLo byte) []byte {
	return EncodeAPDU(claGPO, insGetData, tagHi, tagLo, nil, 0, true)
}

// BuildGPO encodes GET PROCESSING OPTIONS (80 A8 00 00) with the
// already-constructed `83 Lc <pdol-values>` command data field.
func BuildGPO(data []byte) []byte {
	return EncodeAPDU(claGPO, insGPO, 0x00, 0x00, data, 0, true)
}

// StatusWord extracts the trailing two-byte status word from a raw
// response.
func StatusWord(resp []byte) uint16 {
	if len(resp) < 2 {
		return 0
	}
	return uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
}

// Payload returns the response bytes without the trailing status word.
func Payload(resp []byte) []byte {
	if len(resp) < 2 {
		return nil
	}
	return resp[:len(resp)-2]
}

// IsSuccess reports whether sw is 9000 or the tolerated 6285.
func IsSuccess(sw uint16) bool {
	return sw == SWSuccess || sw == SWSuccessWarning
}

// Is6Cxx reports whether sw is a "wrong length" response demanding a
// retry with Le = sw&0xFF.
func Is6Cxx(sw uint16) bool {
	return sw&0xFF00 == SWWrongLength
}

// CorrectLe extracts the Le value a 6Cxx response demands.
func CorrectLe(sw uint16) byte {
	return byte(sw & 0x00FF)
}

package emv

// Transceiver is the byte-in/byte-out link to the physical card,
// provided by the caller. A single Transmit call blocks until the
// full response (including its trailing status word) is available;
// any suspension needed to achieve that is the caller's concern, not
// the driver's.
type Transceiver interface {
	Transmit(apdu []byte) ([]byte, error)
	Connected() bool
}

// KnownAID is one entry of the AID_FALLBACK candidate list: a scheme
// and the AID a terminal would try for it when the (P)PSE directory is
// unavailable or empty.
type KnownAID struct {
	Scheme Scheme
	AID    []byte
}

// SchemeResolver maps AIDs and PANs to card schemes. The driver treats
// it as an external collaborator: scheme tables and BIN ranges are
// policy, not protocol.
type SchemeResolver interface {
	SchemeByAID(aid []byte) (Scheme, bool)
	SchemeByPAN(pan string) (Scheme, bool)
	KnownAIDs() []KnownAID
}

package emv

import (
	"errors"
	"testing"
)

// tlv builds one BER-TLV element with a BER-encoded length, for
// assembling test fixtures without hand-computing length bytes.
func tlv(tag []byte, value []byte) []byte {
	out := append([]byte{}, tag...)
	out = append(out, EncodeLength(len(value))...)
	out = append(out, value...)
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// packDigits packs a digit/'D' string into packed-BCD bytes, the
// inverse of decodeTrack2Digits, padding with a trailing 0xF nibble to
// reach an even length.
func packDigits(s string) []byte {
	if len(s)%2 != 0 {
		s += "F"
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		out[i/2] = nibbleOf(s[i])<<4 | nibbleOf(s[i+1])
	}
	return out
}

func nibbleOf(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c == 'D':
		return 0x0D
	default:
		return 0x0F
	}
}

type fakeResolver struct {
	byAID map[string]Scheme
	known []KnownAID
}

func (r *fakeResolver) SchemeByAID(aid []byte) (Scheme, bool) {
	s, ok := r.byAID[string(aid)]
	return s, ok
}
func (r *fakeResolver) SchemeByPAN(pan string) (Scheme, bool) { return SchemeUnknown, false }
func (r *fakeResolver) KnownAIDs() []KnownAID                 { return r.known }

func visaAID() []byte  { return []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10} }
func mcAID() []byte    { return []byte{0xA0, 0x00, 0x00, 0x00, 0x04, 0x10, 0x10} }

func ppseFCI(appTemplates ...[]byte) []byte {
	var apps []byte
	for _, a := range appTemplates {
		apps = append(apps, a...)
	}
	discretionary := tlv([]byte{0xBF, 0x0C}, apps)
	proprietary := tlv([]byte{0xA5}, discretionary)
	dfName := tlv([]byte{0x84}, []byte("2PAY.SYS.DDF01"))
	return tlv([]byte{0x6F}, concat(dfName, proprietary))
}

func appTemplate(aid []byte, label string, priority byte) []byte {
	parts := concat(
		tlv([]byte{0x4F}, aid),
		tlv([]byte{0x50}, []byte(label)),
	)
	if priority > 0 {
		parts = concat(parts, tlv([]byte{0x87}, []byte{priority}))
	}
	return tlv([]byte{0x61}, parts)
}

func selectAIDResponse(aid []byte, pdol []byte) []byte {
	inner := concat(
		tlv([]byte{0x4F}, aid),
		tlv([]byte{0x50}, []byte("TEST CARD")),
	)
	if pdol != nil {
		inner = concat(inner, tlv([]byte{0x9F, 0x38}, pdol))
	}
	proprietary := tlv([]byte{0xA5}, inner)
	dfName := tlv([]byte{0x84}, aid)
	return tlv([]byte{0x6F}, concat(dfName, proprietary))
}

func gpoRMT2(afl []byte) []byte {
	aip := tlv([]byte{0x82}, []byte{0x19, 0x80})
	aflTLV := tlv([]byte{0x94}, afl)
	return tlv([]byte{0x77}, concat(aip, aflTLV))
}

func track2Record(pan, expiry, name string) []byte {
	track2 := packDigits(pan + "D" + expiry + "201" + "00000000000000")
	rec := concat(
		tlv([]byte{0x57}, track2),
		tlv([]byte{0x5F, 0x20}, []byte(name)),
	)
	return tlv([]byte{0x70}, rec)
}

func TestReadCard_PPSESuccessVisaTrack2(t *testing.T) {
	pdol := concat([]byte{0x9F, 0x66}, []byte{0x04}) // 9F66 04: single PDOL entry (TTQ)
	fci := ppseFCI(appTemplate(visaAID(), "VISA", 1))
	selectAID := selectAIDResponse(visaAID(), pdol)
	gpo := gpoRMT2([]byte{0x08, 0x01, 0x01, 0x00}) // sfi=1 first=1 last=1
	record := track2Record("4111111111111111", "2512", "VISA TEST")

	tr := newScript(
		sw(fci, SWSuccess),
		sw(selectAID, SWSuccess),
		sw(gpo, SWSuccess),
		sw(record, SWSuccess),
		sw(nil, 0x6A88), // GET DATA 9F17: not available
		sw(nil, 0x6A88), // GET DATA 9F36: not available
	)

	resolver := &fakeResolver{byAID: map[string]Scheme{string(visaAID()): SchemeVisa}}
	driver := NewDriver(tr, &DefaultTerminal{}, resolver, DefaultConfig())

	card, err := driver.ReadCard()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if card.State != StateActive {
		t.Fatalf("expected ACTIVE, got %v", card.State)
	}
	if card.PAN != "4111111111111111" {
		t.Fatalf("expected PAN 4111111111111111, got %q", card.PAN)
	}
	if card.Expiry != "2512" {
		t.Fatalf("expected expiry 2512, got %q", card.Expiry)
	}
	if card.HolderLast != "VISA TEST" {
		t.Fatalf("expected holder last VISA TEST, got %q", card.HolderLast)
	}
	if card.Scheme != SchemeVisa {
		t.Fatalf("expected VISA scheme, got %v", card.Scheme)
	}
	if len(card.Applications) != 1 || card.Applications[0].Step != StepGPOPerformed {
		t.Fatalf("expected one application at GPO_PERFORMED, got %+v", card.Applications)
	}
}

func TestReadCard_AIDFallbackWhenPPSEFails(t *testing.T) {
	selectAID := selectAIDResponse(mcAID(), nil)
	gpo := gpoRMT2([]byte{0x08, 0x01, 0x01, 0x00})
	record := track2Record("5500000000000004", "2612", "MC TEST")

	tr := newScript(
		sw(nil, 0x6A82), // PPSE not found
		sw(selectAID, SWSuccess),
		sw(gpo, SWSuccess),
		sw(record, SWSuccess),
		sw(nil, 0x6A88),
		sw(nil, 0x6A88),
	)

	resolver := &fakeResolver{
		byAID: map[string]Scheme{string(mcAID()): SchemeMastercard},
		known: []KnownAID{{Scheme: SchemeMastercard, AID: mcAID()}},
	}
	driver := NewDriver(tr, &DefaultTerminal{}, resolver, DefaultConfig())

	card, err := driver.ReadCard()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if card.State != StateActive {
		t.Fatalf("expected ACTIVE, got %v", card.State)
	}
	if card.PAN != "5500000000000004" {
		t.Fatalf("expected fallback PAN, got %q", card.PAN)
	}
	if card.Scheme != SchemeMastercard {
		t.Fatalf("expected MASTERCARD scheme, got %v", card.Scheme)
	}
}

func TestReadCard_LockedWhenEverythingFails(t *testing.T) {
	tr := newScript(
		sw(nil, 0x6A82), // PPSE fails
		sw(nil, 0x6A82), // AID fallback candidate also fails
	)
	resolver := &fakeResolver{
		known: []KnownAID{{Scheme: SchemeMastercard, AID: mcAID()}},
	}
	driver := NewDriver(tr, &DefaultTerminal{}, resolver, DefaultConfig())

	card, err := driver.ReadCard()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if card.State != StateLocked {
		t.Fatalf("expected LOCKED, got %v", card.State)
	}
	for _, app := range card.Applications {
		if app.Step == StepGPOPerformed {
			t.Fatalf("locked card must have no application at GPO_PERFORMED")
		}
	}
}

func TestReadCard_GPOFallbackChainToReadRecord(t *testing.T) {
	pdol := []byte{0x9F, 0x66, 0x04}
	fci := ppseFCI(appTemplate(visaAID(), "VISA", 1))
	selectAID := selectAIDResponse(visaAID(), pdol)
	record := track2Record("4111111111111111", "2512", "VISA TEST")

	tr := newScript(
		sw(fci, SWSuccess),
		sw(selectAID, SWSuccess),
		sw(nil, 0x6985), // GPO with PDOL fails
		sw(nil, 0x6985), // GPO with empty PDOL also fails
		sw(record, SWSuccess), // READ RECORD(1, SFI=1) fallback succeeds
		sw(nil, 0x6A88),
		sw(nil, 0x6A88),
	)
	resolver := &fakeResolver{byAID: map[string]Scheme{string(visaAID()): SchemeVisa}}
	driver := NewDriver(tr, &DefaultTerminal{}, resolver, DefaultConfig())

	card, err := driver.ReadCard()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if card.State != StateActive {
		t.Fatalf("expected ACTIVE via READ RECORD fallback, got %v", card.State)
	}
	if card.PAN != "4111111111111111" {
		t.Fatalf("expected PAN from fallback record read, got %q", card.PAN)
	}
}

func TestReadCard_CommunicationErrorAbortsSession(t *testing.T) {
	tr := newScript()
	tr.failAt = 0
	tr.failErr = errors.New("reader unplugged")

	resolver := &fakeResolver{}
	driver := NewDriver(tr, &DefaultTerminal{}, resolver, DefaultConfig())

	_, err := driver.ReadCard()
	var ce *CommunicationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommunicationError, got %v (%T)", err, err)
	}
}

func TestReadCard_TransactionLogAmountFilterAndArtifact(t *testing.T) {
	pdol := []byte{0x9F, 0x66, 0x04}
	fci := ppseFCI(appTemplate(visaAID(), "VISA", 1))
	logEntrySFI, logEntryCount := byte(3), byte(2)
	selectInner := concat(
		tlv([]byte{0x4F}, visaAID()),
		tlv([]byte{0x50}, []byte("TEST CARD")),
		tlv([]byte{0x9F, 0x38}, pdol),
		tlv([]byte{0x9F, 0x4D}, []byte{logEntrySFI, logEntryCount}),
	)
	selectAID := tlv([]byte{0x6F}, concat(tlv([]byte{0x84}, visaAID()), tlv([]byte{0xA5}, selectInner)))
	gpo := gpoRMT2([]byte{0x08, 0x01, 0x01, 0x00})
	record := track2Record("4111111111111111", "2512", "VISA TEST")

	logFormat := concat([]byte{0x9F, 0x02}, []byte{0x06}, []byte{0x9A}, []byte{0x03}) // amount(6) + date(3)

	// first log record: amount with VISA artifact added, should be normalized
	logRec1 := concat(bcdAmount(1_500_000_100), bcdAmount3(260101))
	// second log record: amount <= 1 after decode, must be filtered out
	logRec2 := concat(bcdAmount(0), bcdAmount3(260102))

	tr := newScript(
		sw(fci, SWSuccess),
		sw(selectAID, SWSuccess),
		sw(gpo, SWSuccess),
		sw(record, SWSuccess),
		sw(nil, 0x6A88),                  // PIN try counter unavailable
		sw(nil, 0x6A88),                  // ATC unavailable
		sw(logFormat, SWSuccess),         // GET DATA 9F4F (Log Format)
		sw(logRec1, SWSuccess),           // log record 1
		sw(logRec2, SWSuccess),           // log record 2
	)

	resolver := &fakeResolver{byAID: map[string]Scheme{string(visaAID()): SchemeVisa}}
	driver := NewDriver(tr, &DefaultTerminal{}, resolver, DefaultConfig())

	card, err := driver.ReadCard()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(card.Applications) != 1 {
		t.Fatalf("expected one application, got %d", len(card.Applications))
	}
	txs := card.Applications[0].Transactions
	if len(txs) != 1 {
		t.Fatalf("expected 1 surviving transaction after the <=1 filter, got %d", len(txs))
	}
	if txs[0].Amount != 100 {
		t.Fatalf("expected VISA artifact normalized to 100, got %d", txs[0].Amount)
	}
}

// bcdAmount packs n as 6 BCD bytes (12 digits), per Amount, Authorized.
func bcdAmount(n int64) []byte {
	out := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		out[i] = byte((n % 10) | ((n / 10 % 10) << 4))
		n /= 100
	}
	return out
}

// bcdAmount3 packs n as 3 BCD bytes (6 digits), used here as a
// placeholder transaction date field to round out the Log Format DOL.
func bcdAmount3(n int64) []byte {
	out := make([]byte, 3)
	for i := 2; i >= 0; i-- {
		out[i] = byte((n % 10) | ((n / 10 % 10) << 4))
		n /= 100
	}
	return out
}

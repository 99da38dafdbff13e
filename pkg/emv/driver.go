package emv

import (
	"log/slog"
	"sort"
	"strings"
)

// Tag constants the session driver branches on. Declared as a dense
// match table (plain integers, not structured tag objects) so the
// BER-TLV lookups in tlv.go stay cheap switch/map keys.
const (
	tagAID            uint32 = 0x4F
	tagLabel          uint32 = 0x50
	tagAppTemplate    uint32 = 0x61
	tagPriority       uint32 = 0x87
	tagSFI            uint32 = 0x88
	tagAFL            uint32 = 0x94
	tagRMT1           uint32 = 0x80
	tagRMT2           uint32 = 0x77
	tagTrack2         uint32 = 0x57
	tagPAN            uint32 = 0x5A
	tagCardholderName uint32 = 0x5F20
	tagExpiry         uint32 = 0x5F24
	tagPDOL           uint32 = 0x9F38
	tagLogEntry       uint32 = 0x9F4D
	tagLogFormat      uint32 = 0x9F4F
	tagPinTryCounter  uint32 = 0x9F17
	tagATC            uint32 = 0x9F36
	tagBIC            uint32 = 0x5F54
	tagIBAN           uint32 = 0x5F53
	tagAmount         uint32 = 0x9F02
	tagCurrency       uint32 = 0x5F2A
	tagTxDate         uint32 = 0x9A
	tagTxType         uint32 = 0x9C
	tagTxTime         uint32 = 0x9F21
	tagTxCountry      uint32 = 0x9F1A
)

const (
	pseContactless = "2PAY.SYS.DDF01"
	pseContact     = "1PAY.SYS.DDF01"

	// visaAmountArtifact is the empirical VISA log-amount offset: some
	// cards report historical amounts with this constant added. See
	// spec Open Question #2 - preserved verbatim for compatibility.
	visaAmountArtifact = 1_500_000_000
)

// Config holds the driver's three recognized options. All default
// true, matching the teacher's convention of a fully-permissive
// default configuration.
type Config struct {
	Contactless      bool
	ReadTransactions bool
	ReadAllAIDs      bool
}

// DefaultConfig returns {true, true, true}.
func DefaultConfig() Config {
	return Config{Contactless: true, ReadTransactions: true, ReadAllAIDs: true}
}

// Driver is the EMV session state machine (§4.5). It owns the Card it
// builds for the duration of one ReadCard call; nothing else mutates
// that Card concurrently.
type Driver struct {
	cfg     Config
	tr      Transceiver
	term    Terminal
	schemes SchemeResolver
}

// NewDriver builds a session driver over the given transceiver,
// terminal value source and scheme resolver.
func NewDriver(tr Transceiver, term Terminal, schemes SchemeResolver, cfg Config) *Driver {
	return &Driver{tr: tr, term: term, schemes: schemes, cfg: cfg}
}

// ReadCard runs one full read session: PSE discovery, application
// selection, GPO, and (optionally) transaction log extraction. It
// always returns a non-nil Card describing whatever could be read;
// only a transceiver I/O failure is returned as an error.
func (d *Driver) ReadCard() (*Card, error) {
	card := &Card{State: StateLocked}

	dfName := pseContact
	if d.cfg.Contactless {
		dfName = pseContactless
	}

	resp, err := d.tr.Transmit(BuildSelect([]byte(dfName)))
	if err != nil {
		return card, &CommunicationError{Cause: err}
	}

	if IsSuccess(StatusWord(resp)) {
		apps, err := d.parseFCI(Payload(resp))
		if err != nil {
			return card, err
		}
		sortApplications(apps)

		anySuccess := false
		for _, app := range apps {
			card.Applications = append(card.Applications, app)
			ok, err := d.readApp(app, card)
			if err != nil {
				return card, err
			}
			if ok {
				anySuccess = true
				if !d.cfg.ReadAllAIDs {
					break
				}
			}
		}
		if anySuccess {
			card.State = StateActive
		}
		return card, nil
	}

	for _, known := range d.schemes.KnownAIDs() {
		app := &Application{AID: known.AID, Priority: Unknown, LeftPinTry: Unknown, TxCounter: Unknown}
		ok, err := d.readApp(app, card)
		if err != nil {
			return card, err
		}
		if ok {
			card.Applications = []*Application{app}
			card.State = StateActive
			return card, nil
		}
	}

	return card, nil
}

// parseFCI decodes the (P)PSE SELECT response into the ordered set of
// Application Template (tag 61) entries it contains, either via an SFI
// directory scan or directly within the FCI itself.
func (d *Driver) parseFCI(fci []byte) ([]*Application, error) {
	var apps []*Application
	if sfiVal, ok := Find(fci, tagSFI); ok && len(sfiVal) > 0 {
		err := WalkSFIDirectory(d.tr, sfiVal[0], func(payload []byte) {
			for _, tmpl := range FindAll(payload, tagAppTemplate) {
				if app := buildApplication(tmpl); app != nil {
					apps = append(apps, app)
				}
			}
		})
		if err != nil {
			return nil, err
		}
		return apps, nil
	}

	for _, tmpl := range FindAll(fci, tagAppTemplate) {
		if app := buildApplication(tmpl); app != nil {
			apps = append(apps, app)
		}
	}
	return apps, nil
}

// buildApplication reads a single Application Template (tag 61). An
// entry with no AID is dropped: per spec every Application with a
// non-null AID has a valid 5-16 byte AID, so one without an AID at all
// cannot be built.
func buildApplication(tmpl []byte) *Application {
	aid, ok := Find(tmpl, tagAID)
	if !ok || len(aid) < 5 || len(aid) > 16 {
		return nil
	}
	app := &Application{
		AID:        append([]byte(nil), aid...),
		Priority:   Unknown,
		LeftPinTry: Unknown,
		TxCounter:  Unknown,
	}
	if label, ok := Find(tmpl, tagLabel); ok {
		app.Label = string(label)
	}
	if pri, ok := Find(tmpl, tagPriority); ok && len(pri) > 0 {
		app.Priority = int(pri[0])
	}
	return app
}

// sortApplications orders apps by ascending priority, missing priority
// last, ties broken by original (insertion) order.
func sortApplications(apps []*Application) {
	sort.SliceStable(apps, func(i, j int) bool {
		return priorityKey(apps[i]) < priorityKey(apps[j])
	})
}

func priorityKey(a *Application) int {
	if a.Priority < 0 {
		return int(^uint(0) >> 1) // max int: missing priority sorts last
	}
	return a.Priority
}

// readApp drives one application through SELECT, GPO, common-data
// extraction, scheme resolution, counters and (optionally) the
// transaction log. It returns true only once a PAN has been read.
func (d *Driver) readApp(app *Application, card *Card) (bool, error) {
	resp, err := d.tr.Transmit(BuildSelect(app.AID))
	if err != nil {
		return false, &CommunicationError{Cause: err}
	}
	if !IsSuccess(StatusWord(resp)) {
		slog.Debug("select aid failed", "aid", app.AID, "error", &StatusError{Cmd: insSelect, SW: StatusWord(resp)})
		return false, nil
	}
	app.Step = StepSelected
	selectData := Payload(resp)

	if bic, ok := Find(selectData, tagBIC); ok {
		card.BIC = strings.TrimSpace(string(bic))
	}
	if iban, ok := Find(selectData, tagIBAN); ok {
		card.IBAN = strings.TrimSpace(string(iban))
	}

	var logEntry []byte
	if le, ok := Find(selectData, tagLogEntry); ok && len(le) >= 2 {
		logEntry = le
	}

	var pdol []TagAndLength
	if raw, ok := Find(selectData, tagPDOL); ok {
		if parsed, err := ParseTagAndLength(raw); err == nil {
			pdol = parsed
		} else {
			slog.Debug("malformed PDOL, treating as absent", "aid", app.AID,
				"error", &malformedError{context: "PDOL", cause: err})
		}
	}

	gpoResp, err := d.tr.Transmit(BuildGPO(BuildGPOData(pdol, d.term)))
	if err != nil {
		return false, &CommunicationError{Cause: err}
	}
	if !IsSuccess(StatusWord(gpoResp)) && pdol != nil {
		gpoResp, err = d.tr.Transmit(BuildGPO(BuildGPOData(nil, d.term)))
		if err != nil {
			return false, &CommunicationError{Cause: err}
		}
	}
	if !IsSuccess(StatusWord(gpoResp)) {
		fallback := EncodeAPDU(claISO, insReadRecord, 1, (1<<3)|0x0C, nil, 0, true)
		gpoResp, err = d.tr.Transmit(fallback)
		if err != nil {
			return false, &CommunicationError{Cause: err}
		}
		if !IsSuccess(StatusWord(gpoResp)) {
			slog.Debug("read record fallback failed", "aid", app.AID,
				"error", &StatusError{Cmd: insReadRecord, SW: StatusWord(gpoResp)})
			return false, nil
		}
	}
	app.Step = StepGPOPerformed

	found, err := d.extractCommonsCardData(Payload(gpoResp), card)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	scheme, _ := d.schemes.SchemeByAID(app.AID)
	if scheme == SchemeCB {
		if byPAN, ok := d.schemes.SchemeByPAN(card.PAN); ok {
			scheme = byPAN
		}
	}
	card.Scheme = scheme

	if v, err := d.getDataCounter(0x9F, 0x17); err != nil {
		return false, err
	} else {
		app.LeftPinTry = v
	}
	if v, err := d.getDataCounter(0x9F, 0x36); err != nil {
		return false, err
	} else {
		app.TxCounter = v
	}

	if d.cfg.ReadTransactions && logEntry != nil {
		if err := d.extractLog(logEntry, app); err != nil {
			return false, err
		}
	}

	return true, nil
}

// extractCommonsCardData dispatches on the GPO response template and
// walks the AFL (when present) looking for track data, returning true
// as soon as the first record yields a PAN.
func (d *Driver) extractCommonsCardData(gpoData []byte, card *Card) (bool, error) {
	if rmt1, ok := Find(gpoData, tagRMT1); ok {
		if len(rmt1) < 2 {
			return false, nil
		}
		afl, err := ParseAFL(rmt1[2:])
		if err != nil {
			slog.Debug("malformed AFL, skipping application", "error", &malformedError{context: "AFL", cause: err})
			return false, nil
		}
		return d.walkAFLForPAN(afl, card)
	}

	if rmt2, ok := Find(gpoData, tagRMT2); ok {
		if extractTrackData(gpoData, card) {
			if name, ok := Find(gpoData, tagCardholderName); ok {
				setCardholderName(card, name)
			}
			return true, nil
		}
		if aflBytes, ok := Find(rmt2, tagAFL); ok {
			afl, err := ParseAFL(aflBytes)
			if err != nil {
				slog.Debug("malformed AFL, skipping application", "error", &malformedError{context: "AFL", cause: err})
				return false, nil
			}
			return d.walkAFLForPAN(afl, card)
		}
		return false, nil
	}

	// Neither GPO response template is present: this is the READ
	// RECORD(1, SFI=1) fallback path, whose record template carries
	// track data directly rather than an AFL to walk.
	if extractTrackData(gpoData, card) {
		if name, ok := Find(gpoData, tagCardholderName); ok {
			setCardholderName(card, name)
		}
		return true, nil
	}

	return false, nil
}

// walkAFLForPAN reads every AFL record looking for track data,
// returning true (and stopping the walk) on the first PAN found.
func (d *Driver) walkAFLForPAN(afl []AFLEntry, card *Card) (bool, error) {
	found := false
	err := WalkAFL(d.tr, afl, func(payload []byte) bool {
		if name, ok := Find(payload, tagCardholderName); ok {
			setCardholderName(card, name)
		}
		if extractTrackData(payload, card) {
			found = true
			return true
		}
		return false
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// extractTrackData tries Track 2 equivalent data first, then the
// individual PAN/expiry tags, populating card.PAN/card.Expiry.
func extractTrackData(buf []byte, card *Card) bool {
	if track2, ok := Find(buf, tagTrack2); ok {
		if parseTrack2(track2, card) {
			return true
		}
	}
	pan, ok := Find(buf, tagPAN)
	if !ok || len(pan) == 0 {
		return false
	}
	panDigits := bcdToDigits(pan)
	if panDigits == "" {
		return false
	}
	card.PAN = panDigits
	if expiry, ok := Find(buf, tagExpiry); ok {
		if e := bcdToDigits(expiry); len(e) >= 4 {
			card.Expiry = e[:4]
		}
	}
	return true
}

// parseTrack2 decodes Track 2 equivalent data: PAN, separator 'D',
// expiry (YYMM), service code and discretionary data.
func parseTrack2(track2 []byte, card *Card) bool {
	digits := decodeTrack2Digits(track2)
	idx := strings.IndexByte(digits, 'D')
	if idx <= 0 {
		return false
	}
	rest := digits[idx+1:]
	if len(rest) < 4 {
		return false
	}
	card.PAN = digits[:idx]
	card.Expiry = rest[:4]
	return true
}

func decodeTrack2Digits(b []byte) string {
	var sb strings.Builder
	for _, by := range b {
		for _, nib := range [2]byte{by >> 4, by & 0x0F} {
			switch {
			case nib <= 9:
				sb.WriteByte('0' + nib)
			case nib == 0x0D:
				sb.WriteByte('D')
			default: // 0xF padding/fill: stop
				return sb.String()
			}
		}
	}
	return sb.String()
}

// bcdToDigits decodes a packed-BCD byte string into its ASCII digit
// string, stopping at the first non-digit nibble (0xF padding).
func bcdToDigits(b []byte) string {
	var sb strings.Builder
	for _, by := range b {
		hi, lo := by>>4, by&0x0F
		if hi > 9 {
			return sb.String()
		}
		sb.WriteByte('0' + hi)
		if lo > 9 {
			return sb.String()
		}
		sb.WriteByte('0' + lo)
	}
	return sb.String()
}

// bcdToInt decodes a packed-BCD byte string as an unsigned integer,
// treating any non-digit nibble as 0.
func bcdToInt(b []byte) int64 {
	var n int64
	for _, by := range b {
		hi, lo := by>>4, by&0x0F
		if hi > 9 {
			hi = 0
		}
		if lo > 9 {
			lo = 0
		}
		n = n*100 + int64(hi)*10 + int64(lo)
	}
	return n
}

// setCardholderName splits tag 5F20's ASCII value on '/': the part
// before is the last name, the part after (if any) is the first name.
func setCardholderName(card *Card, raw []byte) {
	s := strings.TrimRight(string(raw), " \x00")
	parts := strings.SplitN(s, "/", 2)
	if last := strings.TrimSpace(parts[0]); last != "" {
		card.HolderLast = last
	}
	if len(parts) > 1 {
		if first := strings.TrimSpace(parts[1]); first != "" {
			card.HolderFirst = first
		}
	}
}

// getDataCounter issues GET DATA for a two-byte tag and decodes the
// response as a big-endian unsigned integer, returning Unknown on any
// local failure.
func (d *Driver) getDataCounter(tagHi, tagLo byte) (int, error) {
	resp, err := d.tr.Transmit(BuildGetData(tagHi, tagLo))
	if err != nil {
		return Unknown, &CommunicationError{Cause: err}
	}
	if !IsSuccess(StatusWord(resp)) {
		slog.Debug("get data failed", "tag", []byte{tagHi, tagLo},
			"error", &StatusError{Cmd: insGetData, SW: StatusWord(resp)})
		return Unknown, nil
	}
	data := Payload(resp)
	if len(data) == 0 {
		return Unknown, nil
	}
	v := 0
	for _, b := range data {
		v = v<<8 | int(b)
	}
	return v, nil
}

// extractLog fetches the Log Format DOL and walks the Log Entry's
// (sfi, count) records, decoding each into a TransactionRecord per the
// DOL and dropping the ones the VISA-artifact/amount filter rejects.
func (d *Driver) extractLog(logEntry []byte, app *Application) error {
	sfi, count := logEntry[0], logEntry[1]

	resp, err := d.tr.Transmit(BuildGetData(0x9F, 0x4F))
	if err != nil {
		return &CommunicationError{Cause: err}
	}
	if !IsSuccess(StatusWord(resp)) {
		return nil
	}
	logFormat, err := ParseTagAndLength(Payload(resp))
	if err != nil || len(logFormat) == 0 {
		return nil
	}

	for record := byte(1); record <= count; record++ {
		payload, sw, err := readRecordRetry(d.tr, record, sfi)
		if err != nil {
			return err
		}
		if !IsSuccess(sw) {
			break
		}
		if rec, ok := decodeTransactionRecord(payload, logFormat); ok {
			app.Transactions = append(app.Transactions, rec)
		} else {
			slog.Debug("dropped transaction record", "aid", app.AID, "record", record)
		}
	}
	return nil
}

// decodeTransactionRecord slices payload according to the Log Format
// DOL and applies the amount normalization/filter rule.
func decodeTransactionRecord(payload []byte, dol []TagAndLength) (TransactionRecord, bool) {
	rec := TransactionRecord{Currency: "XXX"}
	offset := 0
	for _, tl := range dol {
		if offset+tl.Length > len(payload) {
			break
		}
		v := payload[offset : offset+tl.Length]
		offset += tl.Length

		switch tl.Tag {
		case tagAmount:
			amt := bcdToInt(v)
			if amt >= visaAmountArtifact {
				amt -= visaAmountArtifact
			}
			rec.Amount = amt
		case tagCurrency:
			if code := bcdToDigits(v); code != "" {
				rec.Currency = code
			}
		case tagTxDate:
			rec.Date = bcdToDigits(v)
		case tagTxTime:
			rec.Time = bcdToDigits(v)
		case tagTxCountry:
			rec.Country = bcdToDigits(v)
		case tagTxType:
			rec.Type = bcdToDigits(v)
		}
	}
	if rec.Amount <= 1 {
		return TransactionRecord{}, false
	}
	return rec, true
}

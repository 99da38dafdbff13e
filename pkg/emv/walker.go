package emv

import "fmt"

// maxSFIDirectoryRecords bounds the (P)PSE directory scan; no directory
// legitimately needs more records than this.
const maxSFIDirectoryRecords = 16

// readRecordRetry issues READ RECORD and, on a 6Cxx response, re-issues
// exactly once with the corrected Le. It never returns a local
// protocol failure as an error: the caller inspects the returned
// status word and decides whether to continue.
func readRecordRetry(tr Transceiver, record, sfi byte) ([]byte, uint16, error) {
	resp, err := tr.Transmit(BuildReadRecord(record, sfi, 0))
	if err != nil {
		return nil, 0, &CommunicationError{Cause: err}
	}
	sw := StatusWord(resp)
	if Is6Cxx(sw) {
		resp, err = tr.Transmit(BuildReadRecord(record, sfi, int(CorrectLe(sw))))
		if err != nil {
			return nil, 0, &CommunicationError{Cause: err}
		}
		sw = StatusWord(resp)
	}
	return Payload(resp), sw, nil
}

// WalkSFIDirectory performs the PSE directory scan: READ RECORD 1..16
// against sfi, delivering each successfully read payload to visit and
// stopping at the first non-success status (no more records).
func WalkSFIDirectory(tr Transceiver, sfi byte, visit func(payload []byte)) error {
	for record := byte(1); record <= maxSFIDirectoryRecords; record++ {
		payload, sw, err := readRecordRetry(tr, record, sfi)
		if err != nil {
			return err
		}
		if !IsSuccess(sw) {
			break
		}
		visit(payload)
	}
	return nil
}

// ParseAFL decodes the Application File Locator (tag 94) into its
// 4-byte entries. Entries with sfi outside [1,30] or first>last are
// rejected as malformed.
func ParseAFL(value []byte) ([]AFLEntry, error) {
	if len(value)%4 != 0 {
		return nil, fmt.Errorf("emv: AFL length %d not a multiple of 4", len(value))
	}
	entries := make([]AFLEntry, 0, len(value)/4)
	for i := 0; i < len(value); i += 4 {
		e := AFLEntry{
			SFI:                value[i] >> 3,
			FirstRecord:        value[i+1],
			LastRecord:         value[i+2],
			OfflineAuthRecords: value[i+3],
		}
		if e.SFI < 1 || e.SFI > 30 || e.FirstRecord > e.LastRecord {
			return nil, fmt.Errorf("emv: malformed AFL entry sfi=%d first=%d last=%d", e.SFI, e.FirstRecord, e.LastRecord)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// WalkAFL walks every record named by afl, delivering each successful
// payload to visit. Unlike the directory scan, a non-success record
// does not stop the outer iteration: the walker skips it and moves on,
// only stopping early when visit reports it has what it needs.
func WalkAFL(tr Transceiver, afl []AFLEntry, visit func(payload []byte) (stop bool)) error {
	for _, entry := range afl {
		for record := entry.FirstRecord; ; record++ {
			payload, sw, err := readRecordRetry(tr, record, entry.SFI)
			if err != nil {
				return err
			}
			if IsSuccess(sw) {
				if visit(payload) {
					return nil
				}
			}
			if record == entry.LastRecord {
				break
			}
		}
	}
	return nil
}

package emv

import "fmt"

// StatusError represents a status word that is neither success nor
// 6Cxx. Per spec this is a ProtocolFailure: the caller's current
// attempt failed, but the session continues with the next candidate.
type StatusError struct {
	Cmd byte
	SW  uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command 0x%02X failed with SW=%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
}

func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWSuccessWarning:
		return "success with warning"
	case SWFileNotFound:
		return "file or application not found"
	case SWRecordNotFound:
		return "record not found"
	case SWSecurityNotSatisfied:
		return "security status not satisfied"
	case SWConditionsNotSatisfied:
		return "conditions of use not satisfied"
	case SWWrongP1P2:
		return "incorrect P1/P2"
	default:
		switch sw & 0xFF00 {
		case SWWrongLength:
			return fmt.Sprintf("wrong length, correct Le=%d", sw&0xFF)
		case SWMoreData:
			return fmt.Sprintf("%d bytes available via GET RESPONSE", sw&0xFF)
		}
		return "unknown error"
	}
}

// CommunicationError wraps a transceiver I/O failure. It is the only
// error class that aborts a read session; everything else is
// tolerated and recorded as a failed attempt.
type CommunicationError struct {
	Cause error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication error: %v", e.Cause)
}

func (e *CommunicationError) Unwrap() error { return e.Cause }

// malformedError marks a local TLV or record-decode failure. Per spec
// these are handled as "tag absent" or "record dropped" and never
// propagated past the function that encountered them; the type exists
// so call sites can log with good context without using it for
// control flow.
type malformedError struct {
	context string
	cause   error
}

func (e *malformedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("malformed %s: %v", e.context, e.cause)
	}
	return fmt.Sprintf("malformed %s", e.context)
}

package fsm

// Result is the outcome code every transition returns alongside its next
// state. Non-fatal results are reported to the caller (for user-initiated
// events); fatal conditions are expressed by the transition itself moving
// to Closed.
type Result int

const (
	ResultOK Result = iota
	ResultNotConnected
	ResultIoError
	ResultRaError
	ResultInvalidDat
	ResultTimeout
	ResultUnknownTransition
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultNotConnected:
		return "NOT_CONNECTED"
	case ResultIoError:
		return "IO_ERROR"
	case ResultRaError:
		return "RA_ERROR"
	case ResultInvalidDat:
		return "INVALID_DAT"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultUnknownTransition:
		return "UNKNOWN_TRANSITION"
	default:
		return "UNKNOWN_RESULT"
	}
}

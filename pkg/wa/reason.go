package wa

import "fmt"

// DisconnectReason is the status code attached to a transport close. The
// numeric values follow the multi-device web protocol's HTTP-like codes.
type DisconnectReason int

const (
	ReasonUnknown             DisconnectReason = 0
	ReasonLoggedOut           DisconnectReason = 401
	ReasonForbidden           DisconnectReason = 403
	ReasonConnectionLost      DisconnectReason = 408
	ReasonTimedOut            DisconnectReason = 408
	ReasonMultideviceMismatch DisconnectReason = 411
	ReasonConnectionClosed    DisconnectReason = 428
	ReasonConnectionReplaced  DisconnectReason = 440
	ReasonBadSession          DisconnectReason = 500
	ReasonUnavailableService  DisconnectReason = 503
	ReasonRestartRequired     DisconnectReason = 515
)

// Terminal reports whether a close with this reason invalidates the stored
// session. Only an explicit logout and a corrupted session do.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut || r == ReasonBadSession
}

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonMultideviceMismatch:
		return "multidevice_mismatch"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonBadSession:
		return "bad_session"
	case ReasonUnavailableService:
		return "unavailable_service"
	case ReasonRestartRequired:
		return "restart_required"
	case ReasonUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("code_%d", int(r))
	}
}

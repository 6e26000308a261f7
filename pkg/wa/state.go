package wa

// ConnectionState is the manager's view of the transport lifecycle.
type ConnectionState int

const (
	StateInitializing ConnectionState = iota
	StateAwaitingAuth
	StateOpen
	StateClosedRetryable
	StateClosedTerminal
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateOpen:
		return "open"
	case StateClosedRetryable:
		return "closed_retryable"
	case StateClosedTerminal:
		return "closed_terminal"
	default:
		return "unknown"
	}
}

// IsOpen reports whether outbound operations may proceed.
func (s ConnectionState) IsOpen() bool {
	return s == StateOpen
}

// IsTerminal reports whether the session was invalidated and must be
// re-initialized from scratch.
func (s ConnectionState) IsTerminal() bool {
	return s == StateClosedTerminal
}

// acceptsClose reports whether a transport close is handled from s. Every
// state except the terminal one reacts to a close.
func (s ConnectionState) acceptsClose() bool {
	switch s {
	case StateInitializing, StateOpen, StateClosedRetryable, StateAwaitingAuth:
		return true
	default:
		return false
	}
}

package wa

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionUnavailable is matched by every outbound failure caused by
	// a missing or non-open session handle.
	ErrConnectionUnavailable = errors.New("whatsapp connection not established")
	ErrPhoneNumberEmpty      = errors.New("phoneNumber is empty")
	ErrNotFound              = errors.New("not found")
	ErrManagerStopped        = errors.New("connection manager stopped")
)

// AuthFailureError is reported through auth_failure and never retried.
type AuthFailureError struct {
	Reason string
	Err    error
}

func (e *AuthFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failure: %s", e.Reason)
}

func (e *AuthFailureError) Unwrap() error {
	return e.Err
}

// DisconnectError describes why a transport closed.
type DisconnectError struct {
	Reason DisconnectReason
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("disconnected (%d %s): %v", int(e.Reason), e.Reason, e.Err)
	}
	return fmt.Sprintf("disconnected (%d %s)", int(e.Reason), e.Reason)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// Terminal reports whether the session must be wiped.
func (e *DisconnectError) Terminal() bool {
	return e != nil && e.Reason.Terminal()
}

// ConnectionUnavailableError is returned by outbound operations when no open
// handle exists. Nothing is queued.
type ConnectionUnavailableError struct {
	Op    string
	State ConnectionState
}

func (e *ConnectionUnavailableError) Error() string {
	return fmt.Sprintf("%s: %v (state %s), please wait for reconnection", e.Op, ErrConnectionUnavailable, e.State)
}

func (e *ConnectionUnavailableError) Unwrap() error {
	return ErrConnectionUnavailable
}

// MediaError wraps download, sniffing, transcoding and encoding failures on
// the media-sending path.
type MediaError struct {
	Op     string // "download", "detect", "transcode", "sticker", "read", "upload"
	Source string
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media error: %s %s: %v", e.Op, e.Source, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// ValidationError describes a caller-input problem.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsConnectionUnavailable is a convenience for callers that don't import errors.
func IsConnectionUnavailable(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable)
}

package bus

import "time"

// EventType names a host-facing lifecycle or message event.
type EventType string

const (
	EventReady         EventType = "ready"
	EventQR            EventType = "qr"
	EventPairingCode   EventType = "pairing_code"
	EventAuthFailure   EventType = "auth_failure"
	EventRequireAction EventType = "require_action"
	EventMessage       EventType = "message"
	EventStateChanged  EventType = "state_changed"
)

// Event is a single notification from a connection manager to its host.
// Exactly one of the payload fields is set, matching Type.
type Event struct {
	Type         EventType     `json:"type"`
	Session      string        `json:"session"`
	Generation   uint64        `json:"generation"`
	QR           *QRCodeEvent  `json:"qr,omitempty"`
	PairingCode  string        `json:"pairing_code,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Instructions []string      `json:"instructions,omitempty"`
	Message      *InboundEvent `json:"message,omitempty"`
	State        string        `json:"state,omitempty"`
	Time         time.Time     `json:"time"`
}

// QRCodeEvent carries a raw QR payload and, when rendered, its artifacts.
type QRCodeEvent struct {
	Code     string `json:"code"`
	SVG      string `json:"svg,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

// InboundEvent is the JSON-safe projection of a normalized message. The raw
// envelope travels alongside it in Raw for in-process consumers only.
type InboundEvent struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	Type      string      `json:"type"`
	Body      string      `json:"body"`
	FromMe    bool        `json:"from_me"`
	PushName  string      `json:"push_name,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Raw       interface{} `json:"-"`
	Voters    interface{} `json:"-"`
}

type Handler func(Event)

package wa

import "time"

// MessageType is the normalized content category of an inbound message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVoice    MessageType = "voice"
	TypeLocation MessageType = "location"
	TypeFile     MessageType = "file"
	TypePoll     MessageType = "poll"
	TypeUnknown  MessageType = "unknown"
)

// Message is the canonical inbound message handed to the host.
type Message struct {
	ID        string
	From      string
	Type      MessageType
	Body      string
	FromMe    bool
	PushName  string
	Timestamp time.Time
	// Raw is the transport envelope the message was built from.
	Raw interface{}
	// Voters references the poll creation message for poll messages.
	Voters interface{}
}

// Envelope returns the transport envelope of a classified message.
func (m Message) Envelope() (Envelope, bool) {
	env, ok := m.Raw.(Envelope)
	return env, ok
}

// HasMedia reports whether the message type carries downloadable media.
func (t MessageType) HasMedia() bool {
	return t == TypeImage || t == TypeVoice || t == TypeFile
}

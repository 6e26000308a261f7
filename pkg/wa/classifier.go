package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// Synthetic body references for non-text content.
const (
	refLocation  = "event_location"
	refMedia     = "event_media"
	refDocument  = "event_document"
	refVoiceNote = "event_voice_note"
)

// EventRef builds the placeholder body for non-text content. It is keyed on
// the message id so classification stays deterministic.
func EventRef(kind, messageID string) string {
	return "_event_" + kind + "_" + messageID
}

// contentRule is one entry of the priority-ordered classification list.
type contentRule struct {
	name    MessageType
	ref     string
	matches func(*waE2E.Message) bool
}

// contentRules is evaluated top to bottom; the first match wins. Text is the
// fallback when nothing matches.
var contentRules = []contentRule{
	{name: TypeLocation, ref: refLocation, matches: hasLocation},
	{name: TypeImage, ref: refMedia, matches: func(m *waE2E.Message) bool { return m.GetImageMessage() != nil }},
	{name: TypeFile, ref: refDocument, matches: func(m *waE2E.Message) bool { return m.GetDocumentMessage() != nil }},
	{name: TypeVoice, ref: refVoiceNote, matches: func(m *waE2E.Message) bool { return m.GetAudioMessage() != nil }},
}

// hasLocation requires both coordinates to be present.
func hasLocation(m *waE2E.Message) bool {
	loc := m.GetLocationMessage()
	if loc == nil {
		return false
	}
	return loc.DegreesLatitude != nil && loc.DegreesLongitude != nil
}

// Classifier maps raw envelopes to normalized messages.
type Classifier struct{}

// Classify normalizes one envelope from a batch of the given type. The
// boolean is false when the envelope must be dropped.
func (Classifier) Classify(batchType string, env Envelope) (Message, bool) {
	if batchType != UpsertNotify {
		return Message{}, false
	}
	msg := env.Message
	if msg.GetPollUpdateMessage() != nil {
		// votes arrive through the message-update path
		return Message{}, false
	}
	if env.Key.RemoteJID == StatusBroadcast {
		return Message{}, false
	}
	if env.Key.FromMe {
		return Message{}, false
	}
	from := CanonicalAddress(env.Key.RemoteJID)
	if from == "" {
		return Message{}, false
	}

	typ, body := classifyContent(env.Key.ID, msg)
	if reply := selectedReply(msg); reply != "" {
		body = reply
	}

	return Message{
		ID:        env.Key.ID,
		From:      from,
		Type:      typ,
		Body:      body,
		FromMe:    env.Key.FromMe,
		PushName:  env.PushName,
		Timestamp: env.Timestamp,
		Raw:       env,
	}, true
}

func classifyContent(id string, msg *waE2E.Message) (MessageType, string) {
	for _, rule := range contentRules {
		if msg != nil && rule.matches(msg) {
			return rule.name, EventRef(rule.ref, id)
		}
	}
	return TypeText, textBody(msg)
}

func textBody(msg *waE2E.Message) string {
	if ext := msg.GetExtendedTextMessage(); ext != nil && ext.Text != nil {
		return ext.GetText()
	}
	return msg.GetConversation()
}

// selectedReply returns the display text of a button or list reply. A list
// reply wins over a button reply when both are present.
func selectedReply(msg *waE2E.Message) string {
	body := ""
	if btn := msg.GetButtonsResponseMessage(); btn != nil {
		if txt := btn.GetSelectedDisplayText(); txt != "" {
			body = txt
		}
	}
	if list := msg.GetListResponseMessage(); list != nil {
		if title := list.GetTitle(); title != "" {
			body = title
		}
	}
	return body
}

package wa

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func envelope(id string, msg *waE2E.Message) Envelope {
	return Envelope{
		Key:     MessageKey{RemoteJID: "5511999@s.whatsapp.net", ID: id},
		Message: msg,
	}
}

func TestClassifyContentPriority(t *testing.T) {
	loc := &waE2E.LocationMessage{
		DegreesLatitude:  proto.Float64(-23.5),
		DegreesLongitude: proto.Float64(-46.6),
	}

	tests := []struct {
		name     string
		msg      *waE2E.Message
		wantType MessageType
		wantBody string
	}{
		{
			name:     "conversation",
			msg:      &waE2E.Message{Conversation: proto.String("hola")},
			wantType: TypeText,
			wantBody: "hola",
		},
		{
			name: "extended text wins over conversation",
			msg: &waE2E.Message{
				Conversation:        proto.String("plain"),
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("rich")},
			},
			wantType: TypeText,
			wantBody: "rich",
		},
		{
			name:     "location",
			msg:      &waE2E.Message{LocationMessage: loc},
			wantType: TypeLocation,
			wantBody: "_event_event_location_M1",
		},
		{
			name: "location without longitude falls back to text",
			msg: &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude: proto.Float64(1),
			}},
			wantType: TypeText,
			wantBody: "",
		},
		{
			name:     "image",
			msg:      &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
			wantType: TypeImage,
			wantBody: "_event_event_media_M1",
		},
		{
			name:     "document",
			msg:      &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}},
			wantType: TypeFile,
			wantBody: "_event_event_document_M1",
		},
		{
			name:     "audio",
			msg:      &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}},
			wantType: TypeVoice,
			wantBody: "_event_event_voice_note_M1",
		},
		{
			name: "location beats image",
			msg: &waE2E.Message{
				LocationMessage: loc,
				ImageMessage:    &waE2E.ImageMessage{},
			},
			wantType: TypeLocation,
			wantBody: "_event_event_location_M1",
		},
		{
			name: "image beats document and audio",
			msg: &waE2E.Message{
				ImageMessage:    &waE2E.ImageMessage{},
				DocumentMessage: &waE2E.DocumentMessage{},
				AudioMessage:    &waE2E.AudioMessage{},
			},
			wantType: TypeImage,
			wantBody: "_event_event_media_M1",
		},
		{
			name: "document beats audio",
			msg: &waE2E.Message{
				DocumentMessage: &waE2E.DocumentMessage{},
				AudioMessage:    &waE2E.AudioMessage{},
			},
			wantType: TypeFile,
			wantBody: "_event_event_document_M1",
		},
		{
			name: "button reply overrides body",
			msg: &waE2E.Message{
				ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{
					Response: &waE2E.ButtonsResponseMessage_SelectedDisplayText{SelectedDisplayText: "Yes"},
				},
			},
			wantType: TypeText,
			wantBody: "Yes",
		},
		{
			name: "list reply overrides button reply",
			msg: &waE2E.Message{
				ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{
					Response: &waE2E.ButtonsResponseMessage_SelectedDisplayText{SelectedDisplayText: "Yes"},
				},
				ListResponseMessage: &waE2E.ListResponseMessage{Title: proto.String("Option B")},
			},
			wantType: TypeText,
			wantBody: "Option B",
		},
		{
			name: "reply overrides media body but keeps type",
			msg: &waE2E.Message{
				ImageMessage:        &waE2E.ImageMessage{},
				ListResponseMessage: &waE2E.ListResponseMessage{Title: proto.String("Pick")},
			},
			wantType: TypeImage,
			wantBody: "Pick",
		},
		{
			name:     "nil payload",
			msg:      nil,
			wantType: TypeText,
			wantBody: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classifier{}.Classify(UpsertNotify, envelope("M1", tt.msg))
			require.True(t, ok)
			require.Equal(t, tt.wantType, got.Type)
			require.Equal(t, tt.wantBody, got.Body)
			require.Equal(t, "M1", got.ID)
			require.Equal(t, "5511999@s.whatsapp.net", got.From)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	env := envelope("M7", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}})
	a, _ := Classifier{}.Classify(UpsertNotify, env)
	b, _ := Classifier{}.Classify(UpsertNotify, env)
	require.Equal(t, a.Type, b.Type)
	require.Equal(t, a.Body, b.Body)
}

func TestClassifyDrops(t *testing.T) {
	text := &waE2E.Message{Conversation: proto.String("x")}

	tests := []struct {
		name      string
		batchType string
		env       Envelope
	}{
		{"append batch", UpsertAppend, envelope("1", text)},
		{"status broadcast", UpsertNotify, Envelope{Key: MessageKey{RemoteJID: StatusBroadcast, ID: "1"}, Message: text}},
		{"from me", UpsertNotify, Envelope{Key: MessageKey{RemoteJID: "1@s.whatsapp.net", ID: "1", FromMe: true}, Message: text}},
		{"no address", UpsertNotify, Envelope{Key: MessageKey{RemoteJID: "", ID: "1"}, Message: text}},
		{"poll vote", UpsertNotify, envelope("1", &waE2E.Message{PollUpdateMessage: &waE2E.PollUpdateMessage{}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Classifier{}.Classify(tt.batchType, tt.env)
			require.False(t, ok)
		})
	}
}

func TestClassifyKeepsRawEnvelope(t *testing.T) {
	env := envelope("R1", &waE2E.Message{Conversation: proto.String("raw")})
	env.PushName = "Bea"

	got, ok := Classifier{}.Classify(UpsertNotify, env)
	require.True(t, ok)
	require.Equal(t, env, got.Raw)
	require.Equal(t, "Bea", got.PushName)
	require.Nil(t, got.Voters)
}

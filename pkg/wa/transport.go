package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// Connection values carried by ConnectionUpdate.
const (
	ConnectionConnecting = "connecting"
	ConnectionOpen       = "open"
	ConnectionClose      = "close"
)

// Upsert batch types. Only live notifications are classified.
const (
	UpsertNotify = "notify"
	UpsertAppend = "append"
)

// ConnectionUpdate is the transport's connection.update event.
type ConnectionUpdate struct {
	Connection     string
	LastDisconnect *DisconnectError
	QR             string
	IsNewLogin     bool
}

// CredsUpdate signals that the transport changed its auth material.
type CredsUpdate struct {
	ID string
}

// MessageKey identifies a message within a chat.
type MessageKey struct {
	RemoteJID   string `json:"remote_jid"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"from_me"`
}

// Envelope is one raw inbound message as delivered by the transport.
type Envelope struct {
	Key       MessageKey
	Message   *waE2E.Message
	PushName  string
	Timestamp time.Time
}

// UpsertBatch is the transport's inbound message batch.
type UpsertBatch struct {
	Type     string
	Messages []Envelope
}

// PollVote is one decrypted vote. SelectedOptions are SHA-256 hashes of the
// chosen option names; an empty selection retracts the voter's vote.
type PollVote struct {
	Voter           string
	SelectedOptions [][]byte
	Timestamp       time.Time
}

// MessageUpdate is a change to a previously delivered message. Key refers to
// the message being updated (for polls, the poll creation message).
type MessageUpdate struct {
	Key         MessageKey
	PollUpdates []PollVote
}

type MessageUpdateBatch struct {
	Updates []MessageUpdate
}

// CallEvent is an incoming call offer.
type CallEvent struct {
	From      string
	CallID    string
	Timestamp time.Time
}

// EventHandler receives *ConnectionUpdate, *CredsUpdate, *UpsertBatch,
// *MessageUpdateBatch and *CallEvent values.
type EventHandler func(evt interface{})

// MediaKind selects the upload bucket for media payloads.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// UploadedMedia is what the transport returns after encrypting and uploading
// a media blob; the fields are copied verbatim into the outgoing payload.
type UploadedMedia struct {
	URL           string
	DirectPath    string
	MediaKey      []byte
	FileEncSHA256 []byte
	FileSHA256    []byte
	FileLength    uint64
}

// Presence states accepted by SendPresenceUpdate.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
	PresenceComposing   Presence = "composing"
	PresenceRecording   Presence = "recording"
	PresencePaused      Presence = "paused"
)

func (p Presence) Valid() bool {
	switch p {
	case PresenceAvailable, PresenceUnavailable, PresenceComposing, PresenceRecording, PresencePaused:
		return true
	default:
		return false
	}
}

// SendExtra are per-send transport options. An empty ID lets the transport
// generate one.
type SendExtra struct {
	ID string
}

// QuotedMessage references an earlier message to reply to.
type QuotedMessage struct {
	Key     MessageKey
	Message *waE2E.Message
}

type SendResult struct {
	ID        string
	Timestamp time.Time
}

// Transport is the protocol client. Implementations own the socket, framing
// and crypto; the core only sees this surface.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	AddEventHandler(h EventHandler) uint32
	RemoveEventHandler(id uint32) bool
	SendMessage(ctx context.Context, to string, msg *waE2E.Message, extra SendExtra) (SendResult, error)
	Upload(ctx context.Context, data []byte, kind MediaKind) (UploadedMedia, error)
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	DownloadMedia(ctx context.Context, env Envelope) ([]byte, error)
	SendPresenceUpdate(ctx context.Context, state Presence, to string) error
}

// Credentials is loaded auth material for one session directory.
type Credentials interface {
	ID() string
	Save(ctx context.Context) error
	Close() error
}

// CredentialStore loads or creates credentials for a session directory and
// removes the directory on terminal logout.
type CredentialStore interface {
	Load(ctx context.Context, dir string) (Credentials, error)
	Remove(dir string) error
}

// TransportOptions are passed to a TransportFactory on every (re)connect.
type TransportOptions struct {
	SessionName    string
	UsePairingCode bool
	MessageStore   MessageStore
}

// TransportFactory builds a fresh transport bound to creds. Each call yields
// a new instance; the manager tags it with a new generation.
type TransportFactory func(ctx context.Context, creds Credentials, opts TransportOptions) (Transport, error)

// MessageStore retrieves previously seen messages by key. A nil message or an
// empty placeholder means not found.
type MessageStore interface {
	GetMessage(ctx context.Context, key MessageKey) (*waE2E.Message, error)
	SaveMessage(ctx context.Context, key MessageKey, msg *waE2E.Message) error
}

// Transcoder converts an audio file into the transport's voice-note codec.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath string) (string, error)
}

// StickerOptions tune sticker encoding.
type StickerOptions struct {
	Pack    string
	Author  string
	Quality int
	Crop    bool
}

// StickerEncoder turns an image source into a sticker-ready webp payload.
type StickerEncoder interface {
	Encode(ctx context.Context, source string, opts StickerOptions) ([]byte, error)
}

// MediaFetcher resolves a URL or local path into a local file and reports
// its detected content type.
type MediaFetcher interface {
	Fetch(ctx context.Context, source string) (path string, err error)
	DetectContentType(path string) (string, error)
}

// QRRenderer prints a QR payload and persists it as an image artifact.
type QRRenderer interface {
	Render(payload, artifactPath string) error
}

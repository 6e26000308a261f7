package wa

import (
	"context"
	"crypto/rand"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/sipeed/walink/pkg/logger"
	"github.com/sipeed/walink/pkg/metrics"
)

const (
	voiceNoteMimetype = "audio/ogg; codecs=opus"
	stickerMimetype   = "image/webp"
	defaultMimetype   = "application/octet-stream"

	defaultStickerQuality = 50
)

// SessionSource yields the currently open session handle. *Manager
// satisfies it.
type SessionSource interface {
	Current() (*SessionHandle, error)
}

// DispatcherOptions are the collaborators used on the media paths. Any of
// them may be nil; the operations that need a missing one fail with a
// MediaError.
type DispatcherOptions struct {
	GIFPlayback bool
	Media       MediaFetcher
	Transcoder  Transcoder
	Stickers    StickerEncoder
	// Messages receives created polls so later votes can be correlated.
	Messages MessageStore
}

// Dispatcher turns outbound requests into transport payloads and sends them
// through the current session. Concurrent calls are allowed and are not
// ordered relative to each other.
type Dispatcher struct {
	sessions SessionSource
	opts     DispatcherOptions
}

func NewDispatcher(sessions SessionSource, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{sessions: sessions, opts: opts}
}

// Dispatch routes a request to its operation.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	switch r := req.(type) {
	case TextRequest:
		return d.SendText(ctx, r.To, r.Body)
	case ImageRequest:
		return d.SendImage(ctx, r.To, r.Path, r.Caption)
	case VideoRequest:
		return d.SendVideo(ctx, r.To, r.Path, r.Caption)
	case AudioRequest:
		return d.SendAudio(ctx, r.To, r.Path)
	case FileRequest:
		return d.SendFile(ctx, r.To, r.Path)
	case ButtonsRequest:
		return d.SendButtons(ctx, r.To, r.Text, r.Buttons)
	case PollRequest:
		return d.SendPoll(ctx, r.To, r.Name, r.Options)
	case LocationRequest:
		return d.SendLocation(ctx, r.To, r.Latitude, r.Longitude, r.Quoted)
	case ContactRequest:
		return d.SendContact(ctx, r.To, r.Number, r.DisplayName, r.Quoted)
	case StickerRequest:
		return d.SendSticker(ctx, r.To, r.Source, r.Options, r.Quoted)
	case PresenceRequest:
		err := d.SendPresenceUpdate(ctx, r.To, r.State)
		return Result{Sent: err == nil}, err
	case nil:
		return Result{}, &ValidationError{Field: "request", Reason: "nil request"}
	default:
		return Result{}, &ValidationError{Field: "request", Reason: fmt.Sprintf("unsupported request %T", req)}
	}
}

// SendMessage sends body to a recipient. Buttons turn it into a poll over
// the button labels, media sends the file with body as caption, otherwise
// body is sent as text.
func (d *Dispatcher) SendMessage(ctx context.Context, to, body string, opts SendOptions) (Result, error) {
	if len(opts.Buttons) > 0 {
		options := make([]string, 0, len(opts.Buttons))
		for _, b := range opts.Buttons {
			options = append(options, b.Body)
		}
		return d.SendPoll(ctx, to, body, options)
	}
	if opts.Media != "" {
		return d.SendMedia(ctx, to, opts.Media, body)
	}
	return d.SendText(ctx, to, body)
}

// SendMedia resolves source (URL or local path) and sends it according to
// its detected content type. Audio is transcoded into a voice note first.
func (d *Dispatcher) SendMedia(ctx context.Context, to, source, caption string) (Result, error) {
	if _, _, err := d.session("media", to); err != nil {
		return Result{}, err
	}
	if d.opts.Media == nil {
		return Result{}, &MediaError{Op: "download", Source: source, Err: fmt.Errorf("no media fetcher configured")}
	}

	path, err := d.opts.Media.Fetch(ctx, source)
	if err != nil {
		return Result{}, &MediaError{Op: "download", Source: source, Err: err}
	}
	contentType, err := d.opts.Media.DetectContentType(path)
	if err != nil {
		return Result{}, &MediaError{Op: "detect", Source: path, Err: err}
	}

	logger.DebugCF("dispatch", "Sending media", map[string]interface{}{
		"to":           to,
		"source":       source,
		"content_type": contentType,
	})

	switch {
	case strings.Contains(contentType, "image"):
		return d.SendImage(ctx, to, path, caption)
	case strings.Contains(contentType, "video"):
		return d.SendVideo(ctx, to, path, caption)
	case strings.Contains(contentType, "audio"):
		if d.opts.Transcoder == nil {
			return Result{}, &MediaError{Op: "transcode", Source: path, Err: fmt.Errorf("no transcoder configured")}
		}
		voice, err := d.opts.Transcoder.Transcode(ctx, path)
		if err != nil {
			return Result{}, &MediaError{Op: "transcode", Source: path, Err: err}
		}
		return d.SendAudio(ctx, to, voice)
	default:
		return d.SendFile(ctx, to, path)
	}
}

func (d *Dispatcher) SendText(ctx context.Context, to, body string) (Result, error) {
	h, jid, err := d.session("text", to)
	if err != nil {
		return Result{}, err
	}
	return d.send(ctx, h, "text", jid, &waE2E.Message{Conversation: proto.String(body)})
}

func (d *Dispatcher) SendImage(ctx context.Context, to, path, caption string) (Result, error) {
	h, jid, err := d.session("image", to)
	if err != nil {
		return Result{}, err
	}
	data, up, err := d.upload(ctx, h, path, MediaImage)
	if err != nil {
		return Result{}, err
	}
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String(detectMimetype(path, data)),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	return d.send(ctx, h, "image", jid, msg)
}

func (d *Dispatcher) SendVideo(ctx context.Context, to, path, caption string) (Result, error) {
	h, jid, err := d.session("video", to)
	if err != nil {
		return Result{}, err
	}
	data, up, err := d.upload(ctx, h, path, MediaVideo)
	if err != nil {
		return Result{}, err
	}
	msg := &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
		Caption:       proto.String(caption),
		GifPlayback:   proto.Bool(d.opts.GIFPlayback),
		Mimetype:      proto.String(detectMimetype(path, data)),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	return d.send(ctx, h, "video", jid, msg)
}

func (d *Dispatcher) SendAudio(ctx context.Context, to, path string) (Result, error) {
	h, jid, err := d.session("audio", to)
	if err != nil {
		return Result{}, err
	}
	_, up, err := d.upload(ctx, h, path, MediaAudio)
	if err != nil {
		return Result{}, err
	}
	msg := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		PTT:           proto.Bool(true),
		Mimetype:      proto.String(voiceNoteMimetype),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	return d.send(ctx, h, "audio", jid, msg)
}

func (d *Dispatcher) SendFile(ctx context.Context, to, path string) (Result, error) {
	h, jid, err := d.session("file", to)
	if err != nil {
		return Result{}, err
	}
	data, up, err := d.upload(ctx, h, path, MediaDocument)
	if err != nil {
		return Result{}, err
	}
	name := filepath.Base(path)
	msg := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		FileName:      proto.String(name),
		Title:         proto.String(name),
		Mimetype:      proto.String(detectMimetype(path, data)),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	return d.send(ctx, h, "file", jid, msg)
}

func (d *Dispatcher) SendButtons(ctx context.Context, to, text string, buttons []Button) (Result, error) {
	h, jid, err := d.session("buttons", to)
	if err != nil {
		return Result{}, err
	}
	return d.send(ctx, h, "buttons", jid, &waE2E.Message{ButtonsMessage: buildButtons(text, buttons)})
}

func buildButtons(text string, buttons []Button) *waE2E.ButtonsMessage {
	out := make([]*waE2E.ButtonsMessage_Button, 0, len(buttons))
	for i, b := range buttons {
		out = append(out, &waE2E.ButtonsMessage_Button{
			ButtonID:   proto.String(fmt.Sprintf("id-btn-%d", i)),
			ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: proto.String(b.Body)},
			Type:       waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
		})
	}
	return &waE2E.ButtonsMessage{
		ContentText: proto.String(text),
		FooterText:  proto.String(""),
		Buttons:     out,
		HeaderType:  waE2E.ButtonsMessage_EMPTY.Enum(),
	}
}

// SendPoll creates a single-select poll. With an open session, fewer than
// two options is rejected with Sent=false and nothing is sent.
func (d *Dispatcher) SendPoll(ctx context.Context, to, name string, options []string) (Result, error) {
	h, jid, err := d.session("poll", to)
	if err != nil {
		return Result{}, err
	}
	if len(options) < 2 {
		logger.WarnCF("dispatch", "Poll needs at least two options", map[string]interface{}{
			"to":      to,
			"options": len(options),
		})
		metrics.RecordOutbound("poll", "rejected")
		return Result{Sent: false}, nil
	}
	msg, err := buildPoll(name, options)
	if err != nil {
		return Result{}, err
	}
	res, err := d.send(ctx, h, "poll", jid, msg)
	if err != nil {
		return res, err
	}
	if d.opts.Messages != nil {
		key := MessageKey{RemoteJID: jid, ID: res.Message.ID, FromMe: true}
		if err := d.opts.Messages.SaveMessage(ctx, key, msg); err != nil {
			logger.WarnCF("dispatch", "Failed to store poll for vote correlation", map[string]interface{}{
				"poll":  res.Message.ID,
				"error": err.Error(),
			})
		}
	}
	return res, nil
}

// buildPoll carries a fresh message secret; votes are encrypted against it.
func buildPoll(name string, options []string) (*waE2E.Message, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate poll secret: %w", err)
	}
	opts := make([]*waE2E.PollCreationMessage_Option, 0, len(options))
	for _, o := range options {
		opts = append(opts, &waE2E.PollCreationMessage_Option{OptionName: proto.String(o)})
	}
	return &waE2E.Message{
		PollCreationMessage: &waE2E.PollCreationMessage{
			Name:                   proto.String(name),
			Options:                opts,
			SelectableOptionsCount: proto.Uint32(1),
		},
		MessageContextInfo: &waE2E.MessageContextInfo{MessageSecret: secret},
	}, nil
}

func (d *Dispatcher) SendLocation(ctx context.Context, to string, lat, lng float64, quoted *QuotedMessage) (Result, error) {
	h, jid, err := d.session("location", to)
	if err != nil {
		return Result{}, err
	}
	msg := &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
		DegreesLatitude:  proto.Float64(lat),
		DegreesLongitude: proto.Float64(lng),
		ContextInfo:      quoteContext(quoted),
	}}
	return d.send(ctx, h, "location", jid, msg)
}

func (d *Dispatcher) SendContact(ctx context.Context, to, number, displayName string, quoted *QuotedMessage) (Result, error) {
	h, jid, err := d.session("contact", to)
	if err != nil {
		return Result{}, err
	}
	msg := &waE2E.Message{ContactMessage: &waE2E.ContactMessage{
		DisplayName: proto.String(displayName),
		Vcard:       proto.String(BuildVCard(displayName, number)),
		ContextInfo: quoteContext(quoted),
	}}
	return d.send(ctx, h, "contact", jid, msg)
}

// BuildVCard renders the minimal card sent for a shared contact. Spaces are
// removed from number; the waid parameter drops the leading plus.
func BuildVCard(displayName, number string) string {
	clean := strings.ReplaceAll(number, " ", "")
	waid := strings.Replace(clean, "+", "", 1)
	return "BEGIN:VCARD\n" +
		"VERSION:3.0\n" +
		"FN:" + displayName + "\n" +
		"TEL;type=CELL;type=VOICE;waid=" + waid + ":" + clean + "\n" +
		"END:VCARD"
}

func (d *Dispatcher) SendSticker(ctx context.Context, to, source string, opts StickerOptions, quoted *QuotedMessage) (Result, error) {
	h, jid, err := d.session("sticker", to)
	if err != nil {
		return Result{}, err
	}
	if d.opts.Stickers == nil {
		return Result{}, &MediaError{Op: "sticker", Source: source, Err: fmt.Errorf("no sticker encoder configured")}
	}
	if opts.Quality <= 0 {
		opts.Quality = defaultStickerQuality
	}
	webp, err := d.opts.Stickers.Encode(ctx, source, opts)
	if err != nil {
		return Result{}, &MediaError{Op: "sticker", Source: source, Err: err}
	}
	up, err := h.Transport.Upload(ctx, webp, MediaSticker)
	if err != nil {
		metrics.RecordOutbound("sticker", "error")
		return Result{}, &MediaError{Op: "upload", Source: source, Err: err}
	}
	msg := &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
		Mimetype:      proto.String(stickerMimetype),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		ContextInfo:   quoteContext(quoted),
	}}
	return d.send(ctx, h, "sticker", jid, msg)
}

// SendPresenceUpdate forwards a presence state for a chat.
func (d *Dispatcher) SendPresenceUpdate(ctx context.Context, to string, state Presence) error {
	h, jid, err := d.session("presence", to)
	if err != nil {
		return err
	}
	if !state.Valid() {
		return &ValidationError{Field: "presence", Reason: fmt.Sprintf("unknown state %q", state)}
	}
	if err := h.Transport.SendPresenceUpdate(ctx, state, jid); err != nil {
		metrics.RecordOutbound("presence", "error")
		return fmt.Errorf("send presence: %w", err)
	}
	metrics.RecordOutbound("presence", "ok")
	return nil
}

// DownloadMedia fetches and decrypts the media carried by an inbound
// envelope through the current session.
func (d *Dispatcher) DownloadMedia(ctx context.Context, env Envelope) ([]byte, error) {
	h, err := d.sessions.Current()
	if err != nil {
		if cu, ok := err.(*ConnectionUnavailableError); ok {
			cu.Op = "download"
		}
		return nil, err
	}
	if env.Message == nil {
		return nil, &ValidationError{Field: "message", Reason: fmt.Sprintf("message %s has no content", env.Key.ID)}
	}
	data, err := h.Transport.DownloadMedia(ctx, env)
	if err != nil {
		return nil, &MediaError{Op: "download", Source: env.Key.ID, Err: err}
	}
	return data, nil
}

// session returns the open handle and the canonical recipient address.
func (d *Dispatcher) session(op, to string) (*SessionHandle, string, error) {
	h, err := d.sessions.Current()
	if err != nil {
		metrics.RecordOutbound(op, "unavailable")
		if cu, ok := err.(*ConnectionUnavailableError); ok {
			cu.Op = op
		}
		return nil, "", err
	}
	jid := CanonicalAddress(to)
	if jid == "" {
		return nil, "", &ValidationError{Field: "to", Reason: fmt.Sprintf("cannot derive an address from %q", to)}
	}
	return h, jid, nil
}

func (d *Dispatcher) upload(ctx context.Context, h *SessionHandle, path string, kind MediaKind) ([]byte, UploadedMedia, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, UploadedMedia{}, &MediaError{Op: "read", Source: path, Err: err}
	}
	up, err := h.Transport.Upload(ctx, data, kind)
	if err != nil {
		metrics.RecordOutbound(string(kind), "error")
		return nil, UploadedMedia{}, &MediaError{Op: "upload", Source: path, Err: err}
	}
	return data, up, nil
}

func (d *Dispatcher) send(ctx context.Context, h *SessionHandle, kind, jid string, msg *waE2E.Message) (Result, error) {
	res, err := h.Transport.SendMessage(ctx, jid, msg, SendExtra{})
	if err != nil {
		metrics.RecordOutbound(kind, "error")
		logger.ErrorCF("dispatch", "Send failed", map[string]interface{}{
			"kind":  kind,
			"to":    jid,
			"error": err.Error(),
		})
		return Result{}, fmt.Errorf("send %s: %w", kind, err)
	}
	metrics.RecordOutbound(kind, "ok")
	logger.DebugCF("dispatch", "Message sent", map[string]interface{}{
		"kind": kind,
		"to":   jid,
		"id":   res.ID,
	})
	return Result{Sent: true, Message: res}, nil
}

func quoteContext(q *QuotedMessage) *waE2E.ContextInfo {
	if q == nil {
		return nil
	}
	ci := &waE2E.ContextInfo{
		StanzaID:      proto.String(q.Key.ID),
		QuotedMessage: q.Message,
	}
	participant := q.Key.Participant
	if participant == "" {
		participant = q.Key.RemoteJID
	}
	if participant != "" {
		ci.Participant = proto.String(participant)
	}
	return ci
}

// detectMimetype resolves by extension and falls back to content sniffing.
func detectMimetype(path string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	if len(data) > 0 {
		return mimetype.Detect(data).String()
	}
	return defaultMimetype
}

package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/sipeed/walink/pkg/logger"
	"github.com/sipeed/walink/pkg/wa"
)

const pairClientName = "Chrome (Linux)"

// WhatsAppTransport adapts a whatsmeow client to wa.Transport. It never
// reconnects on its own; the connection manager builds a fresh transport for
// every attempt.
type WhatsAppTransport struct {
	client   *whatsmeow.Client
	store    wa.MessageStore
	session  string
	pairMode bool

	// decryptVote is client.DecryptPollVote; replaced in tests.
	decryptVote func(ctx context.Context, evt *events.Message) (*waE2E.PollVoteMessage, error)
	// self lists this device's own phone and LID JIDs.
	self func() []types.JID

	mu       sync.RWMutex
	nextID   uint32
	handlers map[uint32]wa.EventHandler
	qrCancel context.CancelFunc
}

// NewWhatsAppTransport is a wa.TransportFactory. creds must come from a
// SQLCredentialStore.
func NewWhatsAppTransport(ctx context.Context, creds wa.Credentials, opts wa.TransportOptions) (wa.Transport, error) {
	sc, ok := creds.(*SQLCredentials)
	if !ok {
		return nil, fmt.Errorf("unsupported credentials type %T", creds)
	}

	client := whatsmeow.NewClient(sc.device, waLog.Zerolog(logger.Sub("whatsmeow")))
	client.EnableAutoReconnect = false

	t := newWhatsAppTransport(opts)
	t.client = client
	t.decryptVote = client.DecryptPollVote
	t.self = func() []types.JID {
		own := []types.JID{client.Store.LID}
		if client.Store.ID != nil {
			own = append(own, *client.Store.ID)
		}
		return own
	}
	client.AddEventHandler(t.handleEvent)
	return t, nil
}

func newWhatsAppTransport(opts wa.TransportOptions) *WhatsAppTransport {
	return &WhatsAppTransport{
		store:    opts.MessageStore,
		session:  opts.SessionName,
		pairMode: opts.UsePairingCode,
		handlers: make(map[uint32]wa.EventHandler),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect opens the socket. A device without an identity starts the QR
// login flow; its codes are delivered as connection updates.
func (t *WhatsAppTransport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		logger.InfoC("whatsapp", "No existing session found, starting login")
		qrCtx, cancel := context.WithCancel(ctx)
		qrChan, err := t.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		t.mu.Lock()
		t.qrCancel = cancel
		t.mu.Unlock()
		go t.pumpQR(qrChan)
	} else {
		logger.InfoCF("whatsapp", "Resuming existing session", map[string]interface{}{
			"device_id": t.client.Store.ID.String(),
		})
	}

	t.deliver(&wa.ConnectionUpdate{Connection: wa.ConnectionConnecting})
	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (t *WhatsAppTransport) Disconnect() {
	t.mu.Lock()
	if t.qrCancel != nil {
		t.qrCancel()
		t.qrCancel = nil
	}
	t.mu.Unlock()
	t.client.Disconnect()
}

// pumpQR forwards login codes until the channel closes.
func (t *WhatsAppTransport) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			logger.DebugCF("whatsapp", "QR code issued", map[string]interface{}{
				"timeout": evt.Timeout.String(),
			})
			t.deliver(&wa.ConnectionUpdate{QR: evt.Code})
		case "success":
			logger.InfoC("whatsapp", "Login successful")
		case "timeout":
			logger.WarnC("whatsapp", "QR code timed out")
			t.deliver(closeUpdate(wa.ReasonTimedOut, errors.New("qr login timed out")))
		default:
			err := evt.Error
			if err == nil {
				err = fmt.Errorf("qr login: %s", evt.Event)
			}
			logger.ErrorCF("whatsapp", "QR login error", map[string]interface{}{
				"event": evt.Event,
				"error": err.Error(),
			})
			t.deliver(closeUpdate(wa.ReasonUnknown, err))
		}
	}
}

// ---------------------------------------------------------------------------
// Event handling
// ---------------------------------------------------------------------------

func (t *WhatsAppTransport) AddEventHandler(h wa.EventHandler) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.handlers[t.nextID] = h
	return t.nextID
}

func (t *WhatsAppTransport) RemoveEventHandler(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[id]
	delete(t.handlers, id)
	return ok
}

// deliver calls every handler in registration order. Handlers may add or
// remove handlers while running.
func (t *WhatsAppTransport) deliver(evt interface{}) {
	t.mu.RLock()
	ids := make([]uint32, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]wa.EventHandler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, t.handlers[id])
	}
	t.mu.RUnlock()

	for _, h := range hs {
		h(evt)
	}
}

// handleEvent is the central whatsmeow event dispatcher.
func (t *WhatsAppTransport) handleEvent(evt interface{}) {
	for _, out := range t.translate(evt) {
		t.deliver(out)
	}
}

// translate maps one whatsmeow event to the transport-neutral events the
// manager understands.
func (t *WhatsAppTransport) translate(evt interface{}) []interface{} {
	switch v := evt.(type) {
	case *events.Connected:
		logger.InfoC("whatsapp", "WhatsApp connected")
		return []interface{}{&wa.ConnectionUpdate{Connection: wa.ConnectionOpen}}
	case *events.Disconnected:
		logger.WarnC("whatsapp", "WhatsApp disconnected")
		return []interface{}{closeUpdate(wa.ReasonConnectionLost, nil)}
	case *events.KeepAliveTimeout:
		logger.WarnCF("whatsapp", "Keepalive timeout", map[string]interface{}{
			"error_count": v.ErrorCount,
		})
		return nil
	case *events.LoggedOut:
		logger.ErrorCF("whatsapp", "WhatsApp logged out", map[string]interface{}{
			"reason":     v.Reason.String(),
			"on_connect": v.OnConnect,
		})
		return []interface{}{closeUpdate(wa.ReasonLoggedOut, fmt.Errorf("logged out: %s", v.Reason))}
	case *events.StreamReplaced:
		logger.WarnC("whatsapp", "Session opened elsewhere")
		return []interface{}{closeUpdate(wa.ReasonConnectionReplaced, nil)}
	case *events.TemporaryBan:
		logger.ErrorCF("whatsapp", "Temporarily banned", map[string]interface{}{
			"ban": v.String(),
		})
		return []interface{}{closeUpdate(wa.ReasonForbidden, errors.New(v.String()))}
	case *events.ConnectFailure:
		return []interface{}{closeUpdate(connectFailureReason(v.Reason), fmt.Errorf("connect failure: %s %s", v.Reason, v.Message))}
	case *events.ClientOutdated:
		return []interface{}{closeUpdate(wa.ReasonMultideviceMismatch, errors.New("client outdated"))}
	case *events.PairSuccess:
		logger.InfoCF("whatsapp", "Device paired", map[string]interface{}{
			"jid":      v.ID.String(),
			"platform": v.Platform,
		})
		return []interface{}{&wa.CredsUpdate{ID: v.ID.String()}, &wa.ConnectionUpdate{IsNewLogin: true}}
	case *events.CallOffer:
		return []interface{}{&wa.CallEvent{From: v.From.String(), CallID: v.CallID, Timestamp: v.Timestamp}}
	case *events.Message:
		return t.translateMessage(v)
	case *events.HistorySync:
		// only live notifications are surfaced
		return nil
	}
	return nil
}

func connectFailureReason(r events.ConnectFailureReason) wa.DisconnectReason {
	switch {
	case r.IsLoggedOut():
		return wa.ReasonLoggedOut
	case r == events.ConnectFailureTempBanned:
		return wa.ReasonForbidden
	case r == events.ConnectFailureClientOutdated:
		return wa.ReasonMultideviceMismatch
	default:
		// server-side errors are retried with the existing session
		return wa.ReasonUnavailableService
	}
}

func closeUpdate(reason wa.DisconnectReason, err error) *wa.ConnectionUpdate {
	return &wa.ConnectionUpdate{
		Connection:     wa.ConnectionClose,
		LastDisconnect: &wa.DisconnectError{Reason: reason, Err: err},
	}
}

func (t *WhatsAppTransport) translateMessage(evt *events.Message) []interface{} {
	if evt.Message.GetPollUpdateMessage() != nil {
		if upd, ok := t.pollUpdate(evt); ok {
			return []interface{}{&wa.MessageUpdateBatch{Updates: []wa.MessageUpdate{upd}}}
		}
		return nil
	}

	env := envelopeFromEvent(evt)
	if wa.PollCreation(evt.Message) != nil && t.store != nil {
		// votes on this poll can only be tallied if the creation is known
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.store.SaveMessage(ctx, env.Key, evt.Message); err != nil {
			logger.WarnCF("whatsapp", "Failed to store poll", map[string]interface{}{
				"id":    env.Key.ID,
				"error": err.Error(),
			})
		}
		cancel()
	}
	return []interface{}{&wa.UpsertBatch{Type: wa.UpsertNotify, Messages: []wa.Envelope{env}}}
}

func envelopeFromEvent(evt *events.Message) wa.Envelope {
	key := wa.MessageKey{
		RemoteJID: evt.Info.Chat.String(),
		ID:        evt.Info.ID,
		FromMe:    evt.Info.IsFromMe,
	}
	if evt.Info.IsGroup {
		key.Participant = evt.Info.Sender.String()
	}
	return wa.Envelope{
		Key:       key,
		Message:   evt.Message,
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
	}
}

// pollCreationKey rewrites the poll key a voter sent, which is written from
// the voter's side of the chat, into the key the poll was stored under on
// this device: our chat JID, and FromMe when we created the poll.
func (t *WhatsAppTransport) pollCreationKey(evt *events.Message, pollKey *waCommon.MessageKey) wa.MessageKey {
	key := wa.MessageKey{
		RemoteJID: evt.Info.Chat.ToNonAD().String(),
		ID:        pollKey.GetID(),
	}

	var creator types.JID
	switch {
	case pollKey.GetFromMe():
		// the voter created the poll
		creator = evt.Info.Sender
	case evt.Info.Chat.Server == types.DefaultUserServer || evt.Info.Chat.Server == types.HiddenUserServer:
		creator, _ = types.ParseJID(pollKey.GetRemoteJID())
	default:
		creator, _ = types.ParseJID(pollKey.GetParticipant())
	}
	key.FromMe = t.isSelf(creator)
	if evt.Info.IsGroup && !creator.IsEmpty() {
		key.Participant = creator.ToNonAD().String()
	}
	return key
}

func (t *WhatsAppTransport) isSelf(jid types.JID) bool {
	if jid.IsEmpty() || t.self == nil {
		return false
	}
	jid = jid.ToNonAD()
	for _, own := range t.self() {
		if !own.IsEmpty() && own.ToNonAD() == jid {
			return true
		}
	}
	return false
}

func (t *WhatsAppTransport) pollUpdate(evt *events.Message) (wa.MessageUpdate, bool) {
	pollKey := evt.Message.GetPollUpdateMessage().GetPollCreationMessageKey()
	if pollKey == nil || t.decryptVote == nil {
		return wa.MessageUpdate{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	vote, err := t.decryptVote(ctx, evt)
	if err != nil {
		logger.WarnCF("whatsapp", "Failed to decrypt poll vote", map[string]interface{}{
			"poll":  pollKey.GetID(),
			"error": err.Error(),
		})
		return wa.MessageUpdate{}, false
	}

	return wa.MessageUpdate{
		Key: t.pollCreationKey(evt, pollKey),
		PollUpdates: []wa.PollVote{{
			Voter:           evt.Info.Sender.ToNonAD().String(),
			SelectedOptions: vote.GetSelectedOptions(),
			Timestamp:       evt.Info.Timestamp,
		}},
	}, true
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (t *WhatsAppTransport) SendMessage(ctx context.Context, to string, msg *waE2E.Message, extra wa.SendExtra) (wa.SendResult, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return wa.SendResult{}, fmt.Errorf("invalid chat ID '%s': %w", to, err)
	}
	var reqExtra []whatsmeow.SendRequestExtra
	if extra.ID != "" {
		reqExtra = append(reqExtra, whatsmeow.SendRequestExtra{ID: types.MessageID(extra.ID)})
	}
	resp, err := t.client.SendMessage(ctx, jid, msg, reqExtra...)
	if err != nil {
		return wa.SendResult{}, fmt.Errorf("failed to send whatsapp message: %w", err)
	}
	return wa.SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (t *WhatsAppTransport) Upload(ctx context.Context, data []byte, kind wa.MediaKind) (wa.UploadedMedia, error) {
	resp, err := t.client.Upload(ctx, data, mediaType(kind))
	if err != nil {
		return wa.UploadedMedia{}, fmt.Errorf("failed to upload %s: %w", kind, err)
	}
	return wa.UploadedMedia{
		URL:           resp.URL,
		DirectPath:    resp.DirectPath,
		MediaKey:      resp.MediaKey,
		FileEncSHA256: resp.FileEncSHA256,
		FileSHA256:    resp.FileSHA256,
		FileLength:    resp.FileLength,
	}, nil
}

func mediaType(kind wa.MediaKind) whatsmeow.MediaType {
	switch kind {
	case wa.MediaVideo:
		return whatsmeow.MediaVideo
	case wa.MediaAudio:
		return whatsmeow.MediaAudio
	case wa.MediaDocument:
		return whatsmeow.MediaDocument
	default:
		// stickers share the image bucket
		return whatsmeow.MediaImage
	}
}

func (t *WhatsAppTransport) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := t.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, pairClientName)
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	return code, nil
}

func (t *WhatsAppTransport) DownloadMedia(ctx context.Context, env wa.Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, fmt.Errorf("message %s has no content", env.Key.ID)
	}
	data, err := t.client.DownloadAny(ctx, env.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return data, nil
}

func (t *WhatsAppTransport) SendPresenceUpdate(ctx context.Context, state wa.Presence, to string) error {
	switch state {
	case wa.PresenceAvailable:
		return t.client.SendPresence(ctx, types.PresenceAvailable)
	case wa.PresenceUnavailable:
		return t.client.SendPresence(ctx, types.PresenceUnavailable)
	}

	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid chat ID '%s': %w", to, err)
	}
	switch state {
	case wa.PresenceComposing:
		return t.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	case wa.PresenceRecording:
		return t.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaAudio)
	case wa.PresencePaused:
		return t.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	default:
		return fmt.Errorf("unsupported presence %q", state)
	}
}

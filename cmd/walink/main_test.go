package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/sipeed/walink/pkg/bus"
	"github.com/sipeed/walink/pkg/config"
	"github.com/sipeed/walink/pkg/storage"
	"github.com/sipeed/walink/pkg/wa"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		line string
		want wa.Request
	}{
		{"send 34600111222 hello there", wa.TextRequest{To: "34600111222", Body: "hello there"}},
		{"poll 34600111222 Lunch? | Pizza | Sushi", wa.PollRequest{To: "34600111222", Name: "Lunch?", Options: []string{"Pizza", "Sushi"}}},
		{"buttons 34600111222 Pick one | Yes | No", wa.ButtonsRequest{To: "34600111222", Text: "Pick one", Buttons: []wa.Button{{Body: "Yes"}, {Body: "No"}}}},
		{"location 34600111222 40.4168 -3.7038", wa.LocationRequest{To: "34600111222", Latitude: 40.4168, Longitude: -3.7038}},
		{"contact 34600111222 +34600999888 Ana Lopez", wa.ContactRequest{To: "34600111222", Number: "+34600999888", DisplayName: "Ana Lopez"}},
		{"sticker 34600111222 cat.png crop", wa.StickerRequest{To: "34600111222", Source: "cat.png", Options: wa.StickerOptions{Crop: true}}},
		{"presence 34600111222 composing", wa.PresenceRequest{To: "34600111222", State: wa.PresenceComposing}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, rest := splitWord(tt.line)
			got, err := parseRequest(name, rest)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseRequestErrors(t *testing.T) {
	for _, line := range []string{
		"send",
		"send 34600111222",
		"location 34600111222 north 3",
		"presence 34600111222 dancing",
		"teleport 34600111222",
	} {
		name, rest := splitWord(line)
		_, err := parseRequest(name, rest)
		require.Error(t, err, line)
	}
}

type recordingSender struct {
	requests []wa.Request
	media    []string
	err      error
}

func (s *recordingSender) Dispatch(ctx context.Context, req wa.Request) (wa.Result, error) {
	s.requests = append(s.requests, req)
	return wa.Result{Sent: true, Message: wa.SendResult{ID: "3EB0"}}, s.err
}

func (s *recordingSender) SendMedia(ctx context.Context, to, source, caption string) (wa.Result, error) {
	s.media = append(s.media, to+" "+source+" "+caption)
	return wa.Result{Sent: true, Message: wa.SendResult{ID: "3EB1"}}, s.err
}

func (s *recordingSender) DownloadMedia(ctx context.Context, env wa.Envelope) ([]byte, error) {
	return []byte("img:" + env.Key.ID), s.err
}

type fixedState struct{}

func (fixedState) State() wa.ConnectionState { return wa.StateOpen }
func (fixedState) Generation() uint64        { return 2 }
func (fixedState) ReconnectPending() bool    { return false }

func TestConsoleExec(t *testing.T) {
	var out bytes.Buffer
	s := &recordingSender{}
	c := &console{out: &out}
	c.bind(s, fixedState{})
	ctx := context.Background()

	require.NoError(t, c.exec(ctx, "send 34600111222 hi"))
	require.Contains(t, out.String(), "sent 3EB0")

	require.NoError(t, c.exec(ctx, "media 34600111222 https://x/y.mp3 my song"))
	require.Equal(t, []string{"34600111222 https://x/y.mp3 my song"}, s.media)

	require.NoError(t, c.exec(ctx, "state"))
	require.Contains(t, out.String(), "generation=2")

	require.NoError(t, c.exec(ctx, "   "))
	require.ErrorIs(t, c.exec(ctx, "quit"), errQuit)

	s.err = errors.New("boom")
	require.ErrorContains(t, c.exec(ctx, "send 1 x"), "boom")
}

func TestConsoleSavesLastMedia(t *testing.T) {
	var out bytes.Buffer
	c := &console{out: &out}
	c.bind(&recordingSender{}, fixedState{})
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "photo.jpg")

	require.ErrorContains(t, c.exec(ctx, "save "+path), "no media")

	c.remember(bus.Event{Type: bus.EventMessage, Message: &bus.InboundEvent{
		Type: "image",
		Raw:  wa.Envelope{Key: wa.MessageKey{RemoteJID: "1@s.whatsapp.net", ID: "IMG1"}},
	}})
	// text messages do not replace it
	c.remember(bus.Event{Type: bus.EventMessage, Message: &bus.InboundEvent{
		Type: "text",
		Raw:  wa.Envelope{Key: wa.MessageKey{ID: "TXT1"}},
	}})

	require.NoError(t, c.exec(ctx, "save "+path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "img:IMG1", string(data))
	require.Contains(t, out.String(), "saved 8 bytes")
}

func TestFormatEvent(t *testing.T) {
	require.Equal(t, "[bot] connected", formatEvent(bus.Event{Type: bus.EventReady, Session: "bot"}))
	require.Equal(t, "[bot] pairing code: ABCD-1234", formatEvent(bus.Event{Type: bus.EventPairingCode, Session: "bot", PairingCode: "ABCD-1234"}))
	require.Equal(t, "<- Ana (34600111222@s.whatsapp.net) [text] hola", formatEvent(bus.Event{
		Type: bus.EventMessage,
		Message: &bus.InboundEvent{
			From:     "34600111222@s.whatsapp.net",
			Type:     "text",
			Body:     "hola",
			PushName: "Ana",
		},
	}))
	require.Empty(t, formatEvent(bus.Event{Type: bus.EventMessage}))
}

func TestPrintEventsStopsWithContext(t *testing.T) {
	mb := bus.NewMessageBus()
	var out bytes.Buffer
	mb.Publish(bus.Event{Type: bus.EventReady, Session: "bot"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		printEvents(ctx, mb, &out)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("printEvents did not return")
	}
	require.Contains(t, out.String(), "[bot] connected")
}

func TestMigrationTargets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "postgres"
	cfg.Storage.DatabaseURL = "postgres://x"
	src, dst := migrationTargets(cfg)
	require.Equal(t, "sqlite", src.Type)
	require.Equal(t, "postgres", dst.Type)

	cfg.Storage.Type = "sqlite"
	src, dst = migrationTargets(cfg)
	require.Equal(t, "postgres", src.Type)
	require.Equal(t, "sqlite", dst.Type)
}

func TestMigrateMessagesCopiesEverything(t *testing.T) {
	ctx := context.Background()
	src, err := openStore(ctx, storage.Config{Type: "memory"})
	require.NoError(t, err)
	dst, err := openStore(ctx, storage.Config{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer dst.Close()

	for _, id := range []string{"A", "B", "C"} {
		msg := &waE2E.Message{Conversation: proto.String(id)}
		require.NoError(t, src.Messages().SaveMessage(ctx, wa.MessageKey{RemoteJID: "x@s.whatsapp.net", ID: id}, msg))
	}

	n, err := migrateMessages(ctx, src, dst)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	count, err := dst.Messages().Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestMessagePrunerUsesRetention(t *testing.T) {
	ctx := context.Background()
	s, err := openStore(ctx, storage.Config{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Messages().SaveMessage(ctx, wa.MessageKey{RemoteJID: "x", ID: "1"}, &waE2E.Message{}))

	n, err := (&messagePruner{repo: s.Messages(), retention: time.Hour}).Clean()
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = (&messagePruner{repo: s.Messages(), retention: -time.Hour}).Clean()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

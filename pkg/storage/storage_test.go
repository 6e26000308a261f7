package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/sipeed/walink/pkg/wa"
)

func openStorage(t *testing.T, cfg Config) Storage {
	t.Helper()
	s, err := NewStorage(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]Config {
	sqliteCfg := DefaultConfig("sqlite")
	sqliteCfg.FilePath = filepath.Join(t.TempDir(), "data", "messages.db")
	return map[string]Config{
		"memory": DefaultConfig("memory"),
		"sqlite": sqliteCfg,
	}
}

func pollMessage(name string, options ...string) *waE2E.Message {
	poll := &waE2E.PollCreationMessage{Name: proto.String(name), SelectableOptionsCount: proto.Uint32(1)}
	for _, o := range options {
		poll.Options = append(poll.Options, &waE2E.PollCreationMessage_Option{OptionName: proto.String(o)})
	}
	return &waE2E.Message{PollCreationMessageV3: poll}
}

func TestMessageRepositoryRoundTrip(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := openStorage(t, cfg).Messages()
			key := wa.MessageKey{RemoteJID: "34600111222@s.whatsapp.net", ID: "P1", FromMe: true}

			got, err := repo.GetMessage(ctx, key)
			require.NoError(t, err)
			require.Nil(t, got)

			require.NoError(t, repo.SaveMessage(ctx, key, pollMessage("Lunch?", "Pizza", "Sushi")))
			got, err = repo.GetMessage(ctx, key)
			require.NoError(t, err)
			require.Equal(t, "Lunch?", got.GetPollCreationMessageV3().GetName())
			require.Len(t, got.GetPollCreationMessageV3().GetOptions(), 2)

			// from_me is part of the key
			other, err := repo.GetMessage(ctx, wa.MessageKey{RemoteJID: key.RemoteJID, ID: key.ID})
			require.NoError(t, err)
			require.Nil(t, other)

			require.NoError(t, repo.SaveMessage(ctx, key, pollMessage("Dinner?", "Tacos", "Ramen")))
			got, err = repo.GetMessage(ctx, key)
			require.NoError(t, err)
			require.Equal(t, "Dinner?", got.GetPollCreationMessageV3().GetName())

			n, err := repo.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		})
	}
}

func TestMessageRepositoryPrune(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := openStorage(t, cfg).Messages()
			require.NoError(t, repo.SaveMessage(ctx, wa.MessageKey{RemoteJID: "a", ID: "1"}, pollMessage("q", "x", "y")))

			removed, err := repo.Prune(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			require.Zero(t, removed)

			removed, err = repo.Prune(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			require.EqualValues(t, 1, removed)

			n, err := repo.Count(ctx)
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := backends(t)["sqlite"]
	key := wa.MessageKey{RemoteJID: "g@g.us", ID: "P9"}

	s := openStorage(t, cfg)
	require.NoError(t, s.Messages().SaveMessage(ctx, key, pollMessage("keep", "a", "b")))
	require.NoError(t, s.Close())

	s = openStorage(t, cfg)
	got, err := s.Messages().GetMessage(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "keep", got.GetPollCreationMessageV3().GetName())
}

func TestNewStorageRejectsBadConfig(t *testing.T) {
	_, err := NewStorage(Config{Type: "redis"})
	require.ErrorContains(t, err, "unsupported storage type")

	_, err = NewStorage(Config{Type: "postgres"})
	require.Error(t, err)

	_, err = NewStorage(Config{Type: "sqlite"})
	require.Error(t, err)
}

func TestMessageRepositoryWalk(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := openStorage(t, cfg).Messages()
			keys := []wa.MessageKey{
				{RemoteJID: "a@s.whatsapp.net", ID: "1", FromMe: true},
				{RemoteJID: "b@g.us", ID: "2"},
			}
			for _, k := range keys {
				require.NoError(t, repo.SaveMessage(ctx, k, pollMessage(k.ID, "x", "y")))
			}

			seen := map[wa.MessageKey]string{}
			require.NoError(t, repo.Walk(ctx, func(key wa.MessageKey, msg *waE2E.Message) error {
				seen[key] = msg.GetPollCreationMessageV3().GetName()
				return nil
			}))
			require.Equal(t, map[wa.MessageKey]string{keys[0]: "1", keys[1]: "2"}, seen)

			stop := errors.New("stop")
			calls := 0
			err := repo.Walk(ctx, func(wa.MessageKey, *waE2E.Message) error {
				calls++
				return stop
			})
			require.ErrorIs(t, err, stop)
			require.Equal(t, 1, calls)
		})
	}
}

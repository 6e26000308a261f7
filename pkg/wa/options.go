package wa

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/sipeed/walink/pkg/bus"
)

const (
	DefaultSessionName    = "bot"
	DefaultReconnectDelay = 3 * time.Second
)

// Options configure one connection manager.
type Options struct {
	// Name identifies the session; it names the session directory and the
	// QR artifact.
	Name string
	// Dir is the parent directory of the session directory.
	Dir            string
	UsePairingCode bool
	PhoneNumber    string
	GIFPlayback    bool
	// Embedded selects require_action instructions instead of raw QR and
	// pairing payloads, for hosts that wrap this manager as a plugin.
	Embedded       bool
	ReconnectDelay time.Duration
	// Backoff replaces the fixed reconnect delay when set.
	Backoff *BackoffConfig
	HelpURL string
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultSessionName
	}
	if o.Dir == "" {
		o.Dir = "."
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	return o
}

// SessionDir is where the credential store keeps auth material.
func (o Options) SessionDir() string {
	return filepath.Join(o.Dir, o.Name+"_sessions")
}

// QRArtifact is the path of the persisted QR image.
func (o Options) QRArtifact() string {
	return filepath.Join(o.Dir, o.Name+".qr.png")
}

// Publisher receives host-facing events. *bus.MessageBus satisfies it.
type Publisher interface {
	Publish(event bus.Event)
}

// Deps are the collaborators a manager drives.
type Deps struct {
	Credentials  CredentialStore
	NewTransport TransportFactory
	Messages     MessageStore
	QR           QRRenderer
	Events       Publisher
}

// SessionHandle is the currently bound transport, tagged with the generation
// that created it.
type SessionHandle struct {
	Generation uint64
	Transport  Transport
}

type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// generationState is everything owned by one transport instance.
type generationState struct {
	id       uint64
	handle   *SessionHandle
	creds    Credentials
	handlers []uint32
	bound    bool
	ctx      context.Context
	cancel   context.CancelFunc
	retired  sync.Once
}

package wa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/sipeed/walink/pkg/bus"
)

type sentMessage struct {
	To  string
	Msg *waE2E.Message
}

type presenceCall struct {
	State Presence
	To    string
}

type fakeTransport struct {
	mu           sync.Mutex
	nextID       uint32
	handlers     map[uint32]EventHandler
	connects     int
	disconnects  int
	sent         []sentMessage
	uploads      []MediaKind
	presence     []presenceCall
	pairingCalls []string
	pairingCode  string
	pairingErr   error
	sendErr      error
	connectErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[uint32]EventHandler), pairingCode: "ABCD-1234"}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) AddEventHandler(h EventHandler) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[f.nextID] = h
	return f.nextID
}

func (f *fakeTransport) RemoveEventHandler(id uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[id]
	delete(f.handlers, id)
	return ok
}

func (f *fakeTransport) SendMessage(ctx context.Context, to string, msg *waE2E.Message, extra SendExtra) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return SendResult{}, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{To: to, Msg: msg})
	return SendResult{ID: fmt.Sprintf("MSG%d", len(f.sent)), Timestamp: time.Unix(1700000000, 0)}, nil
}

func (f *fakeTransport) Upload(ctx context.Context, data []byte, kind MediaKind) (UploadedMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, kind)
	return UploadedMedia{
		URL:        "https://mmg.example/" + string(kind),
		DirectPath: "/v/" + string(kind),
		MediaKey:   []byte("key"),
		FileLength: uint64(len(data)),
	}, nil
}

func (f *fakeTransport) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairingCalls = append(f.pairingCalls, phone)
	return f.pairingCode, f.pairingErr
}

func (f *fakeTransport) DownloadMedia(ctx context.Context, env Envelope) ([]byte, error) {
	return []byte("media"), nil
}

func (f *fakeTransport) SendPresenceUpdate(ctx context.Context, state Presence, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, presenceCall{State: state, To: to})
	return nil
}

// fire delivers evt to every registered handler in registration order.
func (f *fakeTransport) fire(evt interface{}) {
	for _, h := range f.snapshot() {
		h(evt)
	}
}

func (f *fakeTransport) snapshot() []EventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0, len(f.handlers))
	for id := range f.handlers {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.handlers[uint32(id)])
	}
	return out
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) pairingRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pairingCalls...)
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeCreds struct {
	mu     sync.Mutex
	id     string
	saves  int
	closed bool
}

func (c *fakeCreds) ID() string { return c.id }

func (c *fakeCreds) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	return nil
}

func (c *fakeCreds) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCreds) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeCredStore struct {
	mu        sync.Mutex
	loaded    []*fakeCreds
	removed   []string
	loadErr   error
	removeErr error
}

func (s *fakeCredStore) Load(ctx context.Context, dir string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	c := &fakeCreds{id: fmt.Sprintf("creds-%d", len(s.loaded)+1)}
	s.loaded = append(s.loaded, c)
	return c, nil
}

func (s *fakeCredStore) Remove(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	s.removed = append(s.removed, dir)
	return nil
}

func (s *fakeCredStore) removedDirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

func (s *fakeCredStore) creds(i int) *fakeCreds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded[i]
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	configure  func(*fakeTransport)
}

func (f *fakeFactory) New(ctx context.Context, creds Credentials, opts TransportOptions) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := newFakeTransport()
	if f.configure != nil {
		f.configure(t)
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) latest() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[len(f.transports)-1]
}

func (f *fakeFactory) at(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

type memoryStore struct {
	mu   sync.Mutex
	msgs map[MessageKey]*waE2E.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{msgs: make(map[MessageKey]*waE2E.Message)}
}

func (s *memoryStore) GetMessage(ctx context.Context, key MessageKey) (*waE2E.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[key], nil
}

func (s *memoryStore) SaveMessage(ctx context.Context, key MessageKey, msg *waE2E.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[key] = msg
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Publish(evt bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) ofType(typ bus.EventType) []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) types() []bus.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeQR struct {
	mu       sync.Mutex
	payloads []string
	paths    []string
	err      error
}

func (q *fakeQR) Render(payload, artifactPath string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, payload)
	q.paths = append(q.paths, artifactPath)
	return q.err
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs timer i unless it was stopped.
func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	if !t.stopped {
		t.f()
	}
}

type harness struct {
	m       *Manager
	creds   *fakeCredStore
	factory *fakeFactory
	pub     *recordingPublisher
	clock   *fakeClock
	qr      *fakeQR
	store   *memoryStore
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		creds:   &fakeCredStore{},
		factory: &fakeFactory{},
		pub:     &recordingPublisher{},
		clock:   &fakeClock{},
		qr:      &fakeQR{},
		store:   newMemoryStore(),
	}
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	h.m = NewManager(opts, Deps{
		Credentials:  h.creds,
		NewTransport: h.factory.New,
		Messages:     h.store,
		QR:           h.qr,
		Events:       h.pub,
	})
	h.m.afterFunc = h.clock.AfterFunc
	t.Cleanup(h.m.Stop)
	return h
}

func closeUpdate(reason DisconnectReason) *ConnectionUpdate {
	return &ConnectionUpdate{
		Connection:     ConnectionClose,
		LastDisconnect: &DisconnectError{Reason: reason},
	}
}

func openUpdate() *ConnectionUpdate {
	return &ConnectionUpdate{Connection: ConnectionOpen}
}

package wa

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sipeed/walink/pkg/bus"
	"github.com/sipeed/walink/pkg/logger"
	"github.com/sipeed/walink/pkg/metrics"
)

// Manager owns one transport at a time, the connection state machine, the
// reconnect policy and the binding of inbound listeners.
//
// Every callback registered on a transport captures the generation that
// created it and is discarded once a newer generation exists, so a late
// event from a superseded transport can never touch current state.
type Manager struct {
	opts       Options
	deps       Deps
	auth       *AuthFlow
	classifier Classifier
	polls      *PollCorrelator
	afterFunc  afterFunc
	rng        *rand.Rand

	mu               sync.Mutex
	state            ConnectionState
	generation       uint64
	current          *generationState
	pendingReconnect bool
	reconnectTimer   timer
	attempts         int
	started          bool
	stopped          bool
	ctx              context.Context
	cancel           context.CancelFunc
}

// NewManager wires a manager. Nothing connects until Start.
func NewManager(opts Options, deps Deps) *Manager {
	m := &Manager{
		opts:      opts.withDefaults(),
		deps:      deps,
		polls:     NewPollCorrelator(deps.Messages),
		afterFunc: realAfterFunc,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		state:     StateInitializing,
	}
	m.auth = newAuthFlow(m.opts, deps.QR, m)
	return m
}

func (m *Manager) Options() Options {
	return m.opts
}

// Start runs the first initialization. Setup failures are reported as
// auth_failure events and also returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	logger.InfoCF("manager", "Starting connection manager", map[string]interface{}{
		"session":      m.opts.Name,
		"session_dir":  m.opts.SessionDir(),
		"pairing_code": m.opts.UsePairingCode,
		"embedded":     m.opts.Embedded,
	})
	return m.initialize(false)
}

// Stop tears the manager down. A pending reconnect is cancelled and any
// later timer firing is ignored.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.pendingReconnect = false
	gs := m.current
	m.current = nil
	cancel := m.cancel
	m.mu.Unlock()

	m.retire(gs)
	if cancel != nil {
		cancel()
	}
	logger.InfoCF("manager", "Connection manager stopped", map[string]interface{}{
		"session": m.opts.Name,
	})
}

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// ReconnectPending reports whether a reconnect timer is outstanding.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingReconnect
}

// Current returns the open session handle, or a ConnectionUnavailableError
// when the manager has no open transport.
func (m *Manager) Current() (*SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.current == nil || m.current.handle == nil || m.state != StateOpen {
		return nil, &ConnectionUnavailableError{Op: "current", State: m.state}
	}
	h := *m.current.handle
	return &h, nil
}

// ---------------------------------------------------------------------------
// Initialization
// ---------------------------------------------------------------------------

// initialize builds a new generation: load credentials, build a transport,
// register the lifecycle handler and connect. retry marks attempts made by a
// reconnect or a restart, whose dial failures are retried like a close.
func (m *Manager) initialize(retry bool) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	m.generation++
	gen := m.generation
	old := m.current
	gctx, gcancel := context.WithCancel(m.ctx)
	gs := &generationState{id: gen, ctx: gctx, cancel: gcancel}
	m.current = gs
	m.pendingReconnect = false
	changed := m.setStateLocked(StateInitializing)
	m.mu.Unlock()

	m.retire(old)
	if changed {
		m.publishState(gen, StateInitializing)
	}

	logger.InfoCF("manager", "Initializing transport", map[string]interface{}{
		"generation": gen,
	})

	creds, err := m.deps.Credentials.Load(gctx, m.opts.SessionDir())
	if err != nil {
		return m.setupFailed(gen, "failed to load credentials", err)
	}

	t, err := m.deps.NewTransport(gctx, creds, TransportOptions{
		SessionName:    m.opts.Name,
		UsePairingCode: m.opts.UsePairingCode,
		MessageStore:   m.deps.Messages,
	})
	if err != nil {
		_ = creds.Close()
		return m.setupFailed(gen, "failed to create transport", err)
	}

	m.mu.Lock()
	if m.stopped || m.current != gs {
		m.mu.Unlock()
		t.Disconnect()
		_ = creds.Close()
		return nil
	}
	gs.handle = &SessionHandle{Generation: gen, Transport: t}
	gs.creds = creds
	m.mu.Unlock()

	id := t.AddEventHandler(m.lifecycleHandler(gen))
	if !m.trackHandler(gen, id) {
		return nil
	}

	m.auth.Begin(gctx, gen, t)

	if err := t.Connect(gctx); err != nil {
		if retry {
			m.connectFailed(gen, err)
			return err
		}
		return m.setupFailed(gen, "failed to connect", err)
	}
	return nil
}

// connectFailed handles a dial error on a retried attempt as a transient
// disconnect of gen.
func (m *Manager) connectFailed(gen uint64, err error) {
	m.mu.Lock()
	if m.stopped || m.current == nil || m.current.id != gen || !m.state.acceptsClose() {
		m.mu.Unlock()
		return
	}
	changed := m.setStateLocked(StateClosedRetryable)
	delay, scheduled := m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	if changed {
		m.publishState(gen, StateClosedRetryable)
	}
	if scheduled {
		logger.WarnCF("manager", "Connect failed, retrying", map[string]interface{}{
			"generation": gen,
			"error":      err.Error(),
			"delay":      delay.String(),
		})
	}
}

// setupFailed reports a setup error. It is never retried automatically.
func (m *Manager) setupFailed(gen uint64, reason string, err error) error {
	failure := &AuthFailureError{Reason: reason, Err: err}
	logger.ErrorCF("manager", "Transport setup failed", map[string]interface{}{
		"generation": gen,
		"error":      failure.Error(),
	})
	m.emit(gen, bus.Event{Type: bus.EventAuthFailure, Reason: failure.Error()})
	return failure
}

// trackHandler records a handler id against gen. When gen has been
// superseded meanwhile the handler is removed and false is returned.
func (m *Manager) trackHandler(gen uint64, id uint32) bool {
	m.mu.Lock()
	gs := m.current
	if gs != nil && gs.id == gen && !m.stopped {
		gs.handlers = append(gs.handlers, id)
		m.mu.Unlock()
		return true
	}
	var t Transport
	if gs != nil && gs.handle != nil {
		t = gs.handle.Transport
	}
	m.mu.Unlock()
	if t != nil {
		t.RemoveEventHandler(id)
	}
	return false
}

// retire detaches and closes everything owned by a superseded generation.
// Only the first call for a generation has any effect.
func (m *Manager) retire(gs *generationState) {
	if gs == nil {
		return
	}
	gs.retired.Do(func() { m.release(gs) })
}

func (m *Manager) release(gs *generationState) {
	m.mu.Lock()
	handle, creds := gs.handle, gs.creds
	handlers := append([]uint32(nil), gs.handlers...)
	m.mu.Unlock()

	if gs.cancel != nil {
		gs.cancel()
	}
	if handle != nil {
		t := handle.Transport
		for _, id := range handlers {
			t.RemoveEventHandler(id)
		}
		t.Disconnect()
	}
	if creds != nil {
		if err := creds.Close(); err != nil {
			logger.WarnCF("manager", "Failed to close credentials", map[string]interface{}{
				"generation": gs.id,
				"error":      err.Error(),
			})
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle events
// ---------------------------------------------------------------------------

func (m *Manager) lifecycleHandler(gen uint64) EventHandler {
	return func(evt interface{}) {
		if !m.isCurrent(gen) {
			logger.DebugCF("manager", "Discarding event from superseded transport", map[string]interface{}{
				"generation": gen,
				"event":      fmt.Sprintf("%T", evt),
			})
			return
		}
		switch v := evt.(type) {
		case *ConnectionUpdate:
			m.handleConnectionUpdate(gen, *v)
		case *CredsUpdate:
			m.handleCredsUpdate(gen)
		case *CallEvent:
			logger.InfoCF("manager", "Incoming call", map[string]interface{}{
				"from":    v.From,
				"call_id": v.CallID,
			})
			metrics.RecordCall(m.opts.Name)
		}
	}
}

func (m *Manager) handleConnectionUpdate(gen uint64, update ConnectionUpdate) {
	switch update.Connection {
	case ConnectionClose:
		m.handleClose(gen, update.LastDisconnect)
	case ConnectionOpen:
		m.handleOpen(gen)
	}
	if update.QR != "" {
		logger.InfoCF("manager", "QR code received", map[string]interface{}{
			"generation": gen,
			"length":     len(update.QR),
		})
		m.auth.HandleQR(gen, update.QR)
	}
}

func (m *Manager) handleClose(gen uint64, cause *DisconnectError) {
	reason := ReasonUnknown
	if cause != nil {
		reason = cause.Reason
	}

	m.mu.Lock()
	if m.stopped || m.current == nil || m.current.id != gen || !m.state.acceptsClose() {
		m.mu.Unlock()
		return
	}
	gs := m.current
	if reason.Terminal() {
		changed := m.setStateLocked(StateClosedTerminal)
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.pendingReconnect = false
		m.mu.Unlock()

		if changed {
			m.publishState(gen, StateClosedTerminal)
		}
		logger.WarnCF("manager", "Session invalidated, clearing it", map[string]interface{}{
			"generation": gen,
			"reason":     reason.String(),
			"code":       int(reason),
		})
		metrics.RecordTerminalLogout(m.opts.Name)
		go m.clearSessionAndRestart(gs)
		return
	}

	changed := m.setStateLocked(StateClosedRetryable)
	delay, scheduled := m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	if changed {
		m.publishState(gen, StateClosedRetryable)
	}
	if scheduled {
		logger.WarnCF("manager", "Temporary disconnection, reconnecting with existing session", map[string]interface{}{
			"generation": gen,
			"reason":     reason.String(),
			"code":       int(reason),
			"delay":      delay.String(),
		})
	}
}

func (m *Manager) handleOpen(gen uint64) {
	m.mu.Lock()
	if m.stopped || m.current == nil || m.current.id != gen || m.current.handle == nil {
		m.mu.Unlock()
		return
	}
	gs := m.current
	changed := m.setStateLocked(StateOpen)
	m.attempts = 0
	bind := !gs.bound
	gs.bound = true
	t := gs.handle.Transport
	m.mu.Unlock()

	if bind {
		id := t.AddEventHandler(m.inboundHandler(gen))
		if !m.trackHandler(gen, id) {
			return
		}
	}
	if changed {
		m.publishState(gen, StateOpen)
	}
	logger.InfoCF("manager", "Connection opened", map[string]interface{}{
		"generation": gen,
		"bound":      bind,
	})
	m.emit(gen, bus.Event{Type: bus.EventReady})
}

func (m *Manager) handleCredsUpdate(gen uint64) {
	m.mu.Lock()
	var creds Credentials
	var ctx context.Context
	if m.current != nil && m.current.id == gen {
		creds = m.current.creds
		ctx = m.current.ctx
	}
	m.mu.Unlock()
	if creds == nil {
		return
	}
	if err := creds.Save(ctx); err != nil {
		logger.ErrorCF("manager", "Failed to persist credentials", map[string]interface{}{
			"generation": gen,
			"error":      err.Error(),
		})
	}
}

// ---------------------------------------------------------------------------
// Reconnection
// ---------------------------------------------------------------------------

// scheduleReconnectLocked arms the one-shot reconnect timer unless one is
// already pending.
func (m *Manager) scheduleReconnectLocked(gen uint64) (time.Duration, bool) {
	if m.pendingReconnect || m.stopped {
		return 0, false
	}
	m.pendingReconnect = true
	m.attempts++
	delay := m.opts.ReconnectDelay
	if m.opts.Backoff != nil {
		delay = NextBackoffDelay(*m.opts.Backoff, m.attempts, m.rng)
	}
	m.reconnectTimer = m.afterFunc(delay, func() { m.reconnect(gen) })
	metrics.RecordReconnect(m.opts.Name)
	return delay, true
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.stopped || m.current == nil || m.current.id != gen || m.state != StateClosedRetryable {
		m.pendingReconnect = false
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	logger.InfoCF("manager", "Reconnecting", map[string]interface{}{
		"previous_generation": gen,
	})
	_ = m.initialize(true)
}

// clearSessionAndRestart wipes the session directory and starts over with
// a new generation. Credentials are closed before the directory goes away.
func (m *Manager) clearSessionAndRestart(gs *generationState) {
	m.mu.Lock()
	if m.stopped || m.current != gs {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.retire(gs)

	dir := m.opts.SessionDir()
	if err := m.deps.Credentials.Remove(dir); err != nil {
		logger.ErrorCF("manager", "Failed to delete session directory", map[string]interface{}{
			"dir":   dir,
			"error": err.Error(),
		})
		m.emit(gs.id, bus.Event{
			Type:   bus.EventAuthFailure,
			Reason: (&AuthFailureError{Reason: "failed to clear session", Err: err}).Error(),
		})
		return
	}
	logger.InfoCF("manager", "Session cleared", map[string]interface{}{
		"dir": dir,
	})

	m.mu.Lock()
	stale := m.stopped || m.current != gs
	m.mu.Unlock()
	if stale {
		return
	}
	_ = m.initialize(true)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (m *Manager) inboundHandler(gen uint64) EventHandler {
	return func(evt interface{}) {
		if !m.isCurrent(gen) {
			return
		}
		switch v := evt.(type) {
		case *UpsertBatch:
			for _, env := range v.Messages {
				msg, ok := m.classifier.Classify(v.Type, env)
				if !ok {
					continue
				}
				m.emitMessage(gen, msg)
			}
		case *MessageUpdateBatch:
			m.handleMessageUpdates(gen, v.Updates)
		}
	}
}

func (m *Manager) handleMessageUpdates(gen uint64, updates []MessageUpdate) {
	ctx := m.generationContext(gen)
	if ctx == nil {
		return
	}
	for _, update := range updates {
		if len(update.PollUpdates) == 0 {
			continue
		}
		msg, ok, err := m.polls.Handle(ctx, update)
		if err != nil {
			logger.WarnCF("manager", "Poll correlation failed", map[string]interface{}{
				"poll":  update.Key.ID,
				"error": err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}
		// the lookup may have outlived the transport that delivered the vote
		if !m.isCurrent(gen) {
			return
		}
		m.emitMessage(gen, msg)
	}
}

func (m *Manager) emitMessage(gen uint64, msg Message) {
	metrics.RecordInbound(m.opts.Name, string(msg.Type))
	logger.DebugCF("manager", "Message received", map[string]interface{}{
		"from": msg.From,
		"type": string(msg.Type),
		"id":   msg.ID,
	})
	m.emit(gen, bus.Event{
		Type: bus.EventMessage,
		Message: &bus.InboundEvent{
			ID:        msg.ID,
			From:      msg.From,
			Type:      string(msg.Type),
			Body:      msg.Body,
			FromMe:    msg.FromMe,
			PushName:  msg.PushName,
			Timestamp: msg.Timestamp,
			Raw:       msg.Raw,
			Voters:    msg.Voters,
		},
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && m.current != nil && m.current.id == gen
}

func (m *Manager) generationContext(gen uint64) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.current == nil || m.current.id != gen {
		return nil
	}
	return m.current.ctx
}

func (m *Manager) enterAwaitingAuth(gen uint64) {
	m.mu.Lock()
	if m.stopped || m.current == nil || m.current.id != gen {
		m.mu.Unlock()
		return
	}
	changed := m.setStateLocked(StateAwaitingAuth)
	m.mu.Unlock()
	if changed {
		m.publishState(gen, StateAwaitingAuth)
	}
}

// setStateLocked must be called with m.mu held.
func (m *Manager) setStateLocked(s ConnectionState) bool {
	if m.state == s {
		return false
	}
	logger.DebugCF("manager", "State transition", map[string]interface{}{
		"from": m.state.String(),
		"to":   s.String(),
	})
	m.state = s
	metrics.SetConnectionState(m.opts.Name, int(s))
	return true
}

func (m *Manager) publishState(gen uint64, s ConnectionState) {
	m.emit(gen, bus.Event{Type: bus.EventStateChanged, State: s.String()})
}

func (m *Manager) emit(gen uint64, evt bus.Event) {
	if m.deps.Events == nil {
		return
	}
	evt.Session = m.opts.Name
	evt.Generation = gen
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	m.deps.Events.Publish(evt)
}

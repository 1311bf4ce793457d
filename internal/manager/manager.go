// Package manager orchestrates the notification pipeline: it gates on the
// user preference, owns the stream connection, deduplicates inbound events
// against the checkpoint store, and routes each notification through the
// best available delivery channel.
package manager

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"clubwatch/internal/channel"
	"clubwatch/internal/checkpoint"
	"clubwatch/internal/eventbus"
	"clubwatch/internal/preference"
	"clubwatch/internal/stream"
	logx "clubwatch/pkg/logx"
)

// Status is the externally visible pipeline state.
type Status struct {
	Connected           bool `json:"connected"`
	ReconnectAttempts   int  `json:"reconnect_attempts"`
	HasActiveConnection bool `json:"has_active_connection"`
}

// Deps are the collaborators a Manager needs. Push and Direct may be nil
// when the corresponding channel is not configured; a nil Bus simply means
// no operational signals are emitted.
type Deps struct {
	Preference *preference.Cache
	Store      checkpoint.Store
	Push       channel.Channel
	Direct     channel.Channel
	Log        logx.Logger
	Bus        eventbus.Bus
}

// StreamFactory builds the connection once the manager knows its handler.
// Indirection keeps the manager testable without a real transport.
type StreamFactory func(handler stream.Handler) Conn

// Conn is the slice of stream.Conn the manager drives.
type Conn interface {
	Connect(ctx context.Context)
	Disconnect()
	CurrentStatus() stream.Status
}

type Manager struct {
	deps      Deps
	newStream StreamFactory
	log       logx.Logger

	mu          sync.Mutex
	conn        Conn
	baseCtx     context.Context
	initialized bool
}

func New(deps Deps, newStream StreamFactory) *Manager {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{deps: deps, newStream: newStream, log: log}
}

// Initialize checks the user's preference and, if notifications are wanted,
// warms up the push channel and opens the event stream. It reports whether
// the pipeline is active. Calling it again while active is a no-op.
//
// A disabled preference is not an error: the manager stays idle and a later
// Initialize (after the preference changed) can still bring it up.
func (m *Manager) Initialize(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	if !m.deps.Preference.IsEnabled(ctx) {
		m.log.Info("notifications disabled by preference; staying idle")
		return false, nil
	}

	// Push readiness is best-effort: a missing subscription or VAPID keys
	// just means delivery falls through to the direct channel.
	if m.deps.Push != nil && m.deps.Push.Available(ctx) {
		m.log.Debug("push channel ready")
	}

	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return true, nil
	}
	m.baseCtx = ctx
	m.conn = m.newStream(m.handleEvent)
	m.initialized = true
	conn := m.conn
	m.mu.Unlock()

	conn.Connect(ctx)
	m.log.Info("notification pipeline started")
	return true, nil
}

// Disconnect tears down the stream and marks the pipeline idle.
// Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.initialized = false
	m.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
		m.log.Info("notification pipeline stopped")
	}
}

// Reconnect restarts a Failed or torn-down stream without re-checking the
// preference. No-op when the pipeline was never initialized.
func (m *Manager) Reconnect(ctx context.Context) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Connect(ctx)
	}
}

// Status reports the pipeline state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	conn := m.conn
	init := m.initialized
	m.mu.Unlock()

	if conn == nil {
		return Status{HasActiveConnection: false}
	}
	ss := conn.CurrentStatus()
	return Status{
		Connected:           ss.State == stream.StateOpen,
		ReconnectAttempts:   ss.Attempts,
		HasActiveConnection: init && ss.State != stream.StateFailed && ss.State != stream.StateDisconnected,
	}
}

// TestNotification pushes a synthetic notification through the normal
// delivery path, bypassing dedup, and reports whether any channel accepted
// it. It verifies the pipeline end to end without a server event.
func (m *Manager) TestNotification(ctx context.Context) bool {
	n := channel.Notification{
		Title: "Test notification",
		Body:  "Delivery pipeline is working.",
		Tag:   "test-" + uuid.NewString(),
	}
	if err := m.deliver(ctx, n); err != nil {
		m.log.Warn("test notification failed", logx.Err(err))
		return false
	}
	return true
}

// handleEvent is the stream handler: one inbound notification event.
// It runs on the stream's read goroutine, so everything here must be quick.
func (m *Manager) handleEvent(ev stream.Event) {
	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	log := m.log.With(logx.String("event_id", ev.ID))

	if m.deps.Store != nil {
		seen, err := m.deps.Store.HasProcessed(ctx, ev.ID)
		if err != nil {
			log.Warn("dedup lookup failed; delivering anyway", logx.Err(err))
		} else if seen {
			log.Debug("duplicate event suppressed")
			m.publish("notify.deduped", map[string]any{"id": ev.ID})
			return
		}

		// Checkpoint before any delivery side effect. A crash after this
		// point dedups on restart instead of notifying twice.
		if err := m.deps.Store.MarkProcessed(ctx, ev.ID, ev.ReceivedAt); err != nil {
			log.Warn("checkpoint write failed", logx.Err(err))
		}
	}

	if !m.deps.Preference.IsEnabled(ctx) {
		// The user opted out between connect and now. The event is already
		// checkpointed, so it will not resurface when they opt back in.
		log.Debug("preference disabled; event consumed without delivery")
		m.publish("notify.dropped", map[string]any{"id": ev.ID, "reason": "preference"})
		return
	}

	n := channel.Notification{
		Title:       ev.Payload.Title,
		Body:        ev.Payload.Body,
		Icon:        ev.Payload.Icon,
		Tag:         ev.Payload.Tag,
		URL:         ev.Payload.URL,
		MatchDate:   ev.Payload.MatchDate,
		UserName:    ev.Payload.UserName,
		ContactType: ev.Payload.ContactType,
	}
	if n.Tag == "" {
		n.Tag = ev.ID
	}

	switch err := m.deliver(ctx, n); {
	case errors.Is(err, errNoChannel):
		// Nothing can show notifications right now (no permission, no
		// subscription). The event was consumed on purpose and stays
		// checkpointed.
		log.Debug("no delivery channel available; event consumed")
		m.publish("notify.dropped", map[string]any{"id": ev.ID, "reason": "no_channel"})
	case err != nil:
		log.Warn("delivery failed on all channels", logx.Err(err))
		m.publish("notify.dropped", map[string]any{"id": ev.ID, "reason": "delivery"})
	default:
		m.publish("notify.delivered", map[string]any{"id": ev.ID})
	}
}

// errNoChannel distinguishes "nowhere to deliver" from a send that failed.
var errNoChannel = errors.New("no delivery channel available")

// deliver routes n through the preferred channel, falling back to the other
// one exactly once.
func (m *Manager) deliver(ctx context.Context, n channel.Notification) error {
	primary, fallback := m.pick(ctx)
	if primary == nil {
		return errNoChannel
	}

	err := primary.Send(ctx, n)
	if err == nil {
		m.log.Debug("notification delivered", logx.String("channel", primary.Name()), logx.String("tag", n.Tag))
		return nil
	}
	m.log.Warn("channel send failed", logx.String("channel", primary.Name()), logx.Err(err))

	if fallback == nil {
		return err
	}
	if err2 := fallback.Send(ctx, n); err2 != nil {
		m.log.Warn("fallback send failed", logx.String("channel", fallback.Name()), logx.Err(err2))
		return err2
	}
	m.log.Debug("notification delivered", logx.String("channel", fallback.Name()), logx.String("tag", n.Tag))
	return nil
}

// pick returns the preferred channel and the single fallback. Push wins
// when it is available because it survives the host being backgrounded.
func (m *Manager) pick(ctx context.Context) (primary, fallback channel.Channel) {
	push, direct := m.deps.Push, m.deps.Direct

	if push != nil && push.Available(ctx) {
		if direct != nil && direct.Available(ctx) {
			return push, direct
		}
		return push, nil
	}
	if direct != nil && direct.Available(ctx) {
		return direct, nil
	}
	return nil, nil
}

func (m *Manager) publish(typ string, data map[string]any) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// ResumeFrom adapts the checkpoint store into the stream's resume source.
// An empty string makes the stream fall back to "now".
func ResumeFrom(store checkpoint.Store, log logx.Logger) func(ctx context.Context) string {
	return func(ctx context.Context) string {
		if store == nil {
			return ""
		}
		wm, err := store.ResumePoint(ctx)
		if err != nil {
			log.Warn("resume point unavailable", logx.Err(err))
			return ""
		}
		return wm
	}
}

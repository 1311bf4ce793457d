package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clubwatch/internal/channel"
	"clubwatch/internal/checkpoint"
	"clubwatch/internal/preference"
	"clubwatch/internal/stream"
	logx "clubwatch/pkg/logx"
)

type prefStub bool

func (p prefStub) Fetch(ctx context.Context) (bool, error) { return bool(p), nil }

type fakeChannel struct {
	name      string
	available bool
	sendErr   error

	mu    sync.Mutex
	sends []channel.Notification
}

func (f *fakeChannel) Name() string                       { return f.name }
func (f *fakeChannel) Available(ctx context.Context) bool { return f.available }
func (f *fakeChannel) Send(ctx context.Context, n channel.Notification) error {
	f.mu.Lock()
	f.sends = append(f.sends, n)
	f.mu.Unlock()
	return f.sendErr
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeConn struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	status      stream.Status
}

func (f *fakeConn) Connect(ctx context.Context) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeConn) CurrentStatus() stream.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func newTestManager(pref preference.Client, store checkpoint.Store, push, direct channel.Channel) (*Manager, *fakeConn) {
	conn := &fakeConn{}
	deps := Deps{
		Preference: preference.NewCache(pref, time.Hour, logx.Nop()),
		Store:      store,
		Push:       push,
		Direct:     direct,
		Log:        logx.Nop(),
	}
	m := New(deps, func(h stream.Handler) Conn { return conn })
	return m, conn
}

func notifEvent(id, title string) stream.Event {
	return stream.Event{
		ID:         id,
		Kind:       stream.KindNotification,
		Payload:    stream.Payload{Title: title},
		ReceivedAt: time.Now(),
	}
}

func TestInitializeGatedByPreference(t *testing.T) {
	t.Parallel()

	direct := &fakeChannel{name: "direct", available: true}
	m, conn := newTestManager(prefStub(false), checkpoint.NewMemory(time.Hour), nil, direct)

	active, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if active {
		t.Fatalf("pipeline must stay idle with a disabled preference")
	}
	if conn.connects != 0 {
		t.Fatalf("stream connected despite disabled preference")
	}
	if st := m.Status(); st.HasActiveConnection {
		t.Fatalf("status reports active connection while idle")
	}
}

func TestInitializeConnectsOnce(t *testing.T) {
	t.Parallel()

	direct := &fakeChannel{name: "direct", available: true}
	m, conn := newTestManager(prefStub(true), checkpoint.NewMemory(time.Hour), nil, direct)

	for i := 0; i < 3; i++ {
		active, err := m.Initialize(context.Background())
		if err != nil || !active {
			t.Fatalf("Initialize #%d: active=%v err=%v", i+1, active, err)
		}
	}
	if conn.connects != 1 {
		t.Fatalf("stream connected %d times, want 1", conn.connects)
	}

	m.Disconnect()
	m.Disconnect()
	if conn.disconnects != 1 {
		t.Fatalf("stream disconnected %d times, want 1", conn.disconnects)
	}
}

func TestDuplicateEventSuppressed(t *testing.T) {
	t.Parallel()

	direct := &fakeChannel{name: "direct", available: true}
	store := checkpoint.NewMemory(time.Hour)
	m, _ := newTestManager(prefStub(true), store, nil, direct)

	m.handleEvent(notifEvent("e-1", "first"))
	m.handleEvent(notifEvent("e-1", "replayed"))

	if got := direct.sendCount(); got != 1 {
		t.Fatalf("delivered %d times, want 1", got)
	}
	seen, err := store.HasProcessed(context.Background(), "e-1")
	if err != nil || !seen {
		t.Fatalf("event not checkpointed: seen=%v err=%v", seen, err)
	}
}

func TestDisabledPreferenceConsumesWithoutDelivery(t *testing.T) {
	t.Parallel()

	direct := &fakeChannel{name: "direct", available: true}
	store := checkpoint.NewMemory(time.Hour)
	m, _ := newTestManager(prefStub(false), store, nil, direct)

	m.handleEvent(notifEvent("e-2", "unwanted"))

	if direct.sendCount() != 0 {
		t.Fatalf("delivered despite disabled preference")
	}
	// The event is still checkpointed so opting back in does not replay it.
	seen, err := store.HasProcessed(context.Background(), "e-2")
	if err != nil || !seen {
		t.Fatalf("consumed event not checkpointed: seen=%v err=%v", seen, err)
	}
}

func TestPushPreferredWithSingleFallback(t *testing.T) {
	t.Parallel()

	push := &fakeChannel{name: "push", available: true, sendErr: errors.New("push service 500")}
	direct := &fakeChannel{name: "direct", available: true}
	m, _ := newTestManager(prefStub(true), checkpoint.NewMemory(time.Hour), push, direct)

	m.handleEvent(notifEvent("e-3", "match tomorrow"))

	if push.sendCount() != 1 {
		t.Fatalf("push tried %d times, want 1", push.sendCount())
	}
	if direct.sendCount() != 1 {
		t.Fatalf("fallback tried %d times, want exactly 1", direct.sendCount())
	}
}

func TestBothChannelsFailingStillCheckpoints(t *testing.T) {
	t.Parallel()

	push := &fakeChannel{name: "push", available: true, sendErr: errors.New("push down")}
	direct := &fakeChannel{name: "direct", available: true, sendErr: errors.New("direct down")}
	store := checkpoint.NewMemory(time.Hour)
	m, _ := newTestManager(prefStub(true), store, push, direct)

	m.handleEvent(notifEvent("e-6", "lost"))

	if push.sendCount() != 1 || direct.sendCount() != 1 {
		t.Fatalf("push=%d direct=%d, want one try each", push.sendCount(), direct.sendCount())
	}
	// The checkpoint happened before delivery, so the failed event is
	// dropped rather than retried on the next replay.
	seen, err := store.HasProcessed(context.Background(), "e-6")
	if err != nil || !seen {
		t.Fatalf("failed event not checkpointed: seen=%v err=%v", seen, err)
	}
}

func TestPushUsedWhenHealthy(t *testing.T) {
	t.Parallel()

	push := &fakeChannel{name: "push", available: true}
	direct := &fakeChannel{name: "direct", available: true}
	m, _ := newTestManager(prefStub(true), checkpoint.NewMemory(time.Hour), push, direct)

	m.handleEvent(notifEvent("e-4", "ok"))

	if push.sendCount() != 1 || direct.sendCount() != 0 {
		t.Fatalf("push=%d direct=%d, want push only", push.sendCount(), direct.sendCount())
	}
}

func TestNoChannelIsSilentNoop(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemory(time.Hour)
	m, _ := newTestManager(prefStub(true), store, nil, nil)

	// Must not panic and must still checkpoint.
	m.handleEvent(notifEvent("e-5", "nowhere to go"))

	seen, err := store.HasProcessed(context.Background(), "e-5")
	if err != nil || !seen {
		t.Fatalf("event not checkpointed: seen=%v err=%v", seen, err)
	}
}

func TestStatusReflectsStream(t *testing.T) {
	t.Parallel()

	direct := &fakeChannel{name: "direct", available: true}
	m, conn := newTestManager(prefStub(true), checkpoint.NewMemory(time.Hour), nil, direct)
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	conn.mu.Lock()
	conn.status = stream.Status{State: stream.StateOpen}
	conn.mu.Unlock()
	st := m.Status()
	if !st.Connected || !st.HasActiveConnection {
		t.Fatalf("open stream not reflected: %+v", st)
	}

	conn.mu.Lock()
	conn.status = stream.Status{State: stream.StateRetrying, Attempts: 3}
	conn.mu.Unlock()
	st = m.Status()
	if st.Connected || st.ReconnectAttempts != 3 || !st.HasActiveConnection {
		t.Fatalf("retrying stream not reflected: %+v", st)
	}

	conn.mu.Lock()
	conn.status = stream.Status{State: stream.StateFailed, Attempts: 5}
	conn.mu.Unlock()
	st = m.Status()
	if st.Connected || st.HasActiveConnection {
		t.Fatalf("failed stream still reads active: %+v", st)
	}
}

func TestTestNotificationBypassesDedup(t *testing.T) {
	t.Parallel()

	direct := &fakeChannel{name: "direct", available: true}
	m, _ := newTestManager(prefStub(true), checkpoint.NewMemory(time.Hour), nil, direct)

	for i := 0; i < 2; i++ {
		if !m.TestNotification(context.Background()) {
			t.Fatalf("TestNotification #%d failed", i+1)
		}
	}
	if got := direct.sendCount(); got != 2 {
		t.Fatalf("test notifications deduped: %d sends, want 2", got)
	}

	direct.mu.Lock()
	t1, t2 := direct.sends[0].Tag, direct.sends[1].Tag
	direct.mu.Unlock()
	if t1 == t2 {
		t.Fatalf("test notifications must carry unique tags")
	}
}

func TestTestNotificationFailsWithoutChannels(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(prefStub(true), checkpoint.NewMemory(time.Hour), nil, nil)
	if m.TestNotification(context.Background()) {
		t.Fatalf("TestNotification must report failure when nothing can show it")
	}
}

func TestTestNotificationReportsFailure(t *testing.T) {
	t.Parallel()

	direct := &fakeChannel{name: "direct", available: true, sendErr: errors.New("broken")}
	m, _ := newTestManager(prefStub(true), checkpoint.NewMemory(time.Hour), nil, direct)

	if m.TestNotification(context.Background()) {
		t.Fatalf("TestNotification must report delivery failure")
	}
}

package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"clubwatch/internal/eventbus"
	logx "clubwatch/pkg/logx"
)

// dialFunc opens the transport and returns the frame reader. Swappable in
// tests so the state machine can be driven without a real server.
type dialFunc func(ctx context.Context, lastSeen string) (io.ReadCloser, error)

// Conn owns the long-lived connection to the server event stream.
//
// One goroutine per connection generation reads frames; every callback into
// the machine carries its generation and is ignored when a newer connection
// (or a Disconnect) has superseded it. That guard is what keeps a stale
// transport's late "open" or frames from corrupting state after cancellation.
type Conn struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	handler Handler

	// resume supplies the lastSeen query value before each connect.
	resume func(ctx context.Context) string

	dial      dialFunc
	afterFunc func(d time.Duration, fn func()) *time.Timer

	httpc *http.Client

	mu          sync.Mutex
	state       State
	attempts    int
	nextDelay   time.Duration
	gen         uint64
	baseCtx     context.Context
	readCancel  context.CancelFunc
	retryTimer  *time.Timer
	lastEventAt time.Time
}

func NewConn(cfg Config, handler Handler, resume func(ctx context.Context) string, log logx.Logger, bus eventbus.Bus) *Conn {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Conn{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		handler:   handler,
		resume:    resume,
		afterFunc: time.AfterFunc,
		httpc:     &http.Client{}, // no overall timeout: the stream is long-lived
	}
	c.dial = c.httpDial
	return c
}

// Connect starts (or restarts, e.g. after Failed) the connection.
// It returns once the attempt has been issued, not once the stream is open.
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.baseCtx = ctx
	c.attempts = 0
	c.startLocked()
	c.mu.Unlock()
}

// startLocked begins a new connection generation. Caller holds c.mu.
func (c *Conn) startLocked() {
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.nextDelay = 0

	// Release the previous generation's context; its read loop is already
	// gone (or gen-guarded), but without this every reconnect would leave
	// a child registered on the long-lived base context.
	if c.readCancel != nil {
		c.readCancel()
	}

	base := c.baseCtx
	if base == nil {
		base = context.Background()
	}
	readCtx, cancel := context.WithCancel(base)
	c.readCancel = cancel

	go c.readLoop(readCtx, gen)
}

// Disconnect tears down the transport and detaches all callbacks.
// Safe to call at any time, any number of times.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.gen++ // invalidate all in-flight callbacks
	c.stopRetryLocked()
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	was := c.state
	c.state = StateDisconnected
	c.attempts = 0
	c.nextDelay = 0
	c.mu.Unlock()

	if was != StateDisconnected && c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: "stream.disconnected"})
	}
}

func (c *Conn) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// CurrentStatus is a pure read of connection state.
func (c *Conn) CurrentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Attempts:  c.attempts,
		NextDelay: c.nextDelay,
		LastEvent: c.lastEventAt,
	}
}

func (c *Conn) readLoop(ctx context.Context, gen uint64) {
	lastSeen := ""
	if c.resume != nil {
		lastSeen = c.resume(ctx)
	}
	if lastSeen == "" {
		// No checkpoint yet: ask only for events after "now" so a fresh
		// agent doesn't replay history.
		lastSeen = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}

	rc, err := c.dial(ctx, lastSeen)
	if err != nil {
		c.onTransportError(gen, err)
		return
	}
	defer rc.Close()

	if !c.onOpen(gen) {
		return // superseded while dialing
	}

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 16*1024), 256*1024)

	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				c.onFrame(gen, strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment/heartbeat line, ignore
		default:
			// event:/id:/retry: fields are unused; the type discriminator
			// lives inside the JSON data payload.
		}
	}
	if len(data) > 0 {
		c.onFrame(gen, strings.Join(data, "\n"))
	}

	err = sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF // server closed the stream
	}
	c.onTransportError(gen, err)
}

// onOpen reports whether this generation is still current.
func (c *Conn) onOpen(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.state = StateOpen
	c.attempts = 0
	c.nextDelay = 0
	c.lastEventAt = time.Now()
	c.mu.Unlock()

	c.log.Info("event stream open", logx.String("url", c.cfg.URL))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: "stream.open"})
	}
	return true
}

func (c *Conn) onFrame(gen uint64, data string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastEventAt = time.Now()
	handler := c.handler
	c.mu.Unlock()

	ev, err := decodeFrame([]byte(data), time.Now())
	if err != nil {
		// A bad frame never tears the connection down.
		c.log.Warn("dropping frame", logx.Err(err))
		return
	}

	switch ev.Kind {
	case KindNotification:
		if handler != nil {
			handler(ev)
		}
	case KindConnected:
		c.log.Debug("stream handshake acknowledged")
	case KindKeepalive:
		// liveness already updated above
	}
}

func (c *Conn) onTransportError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		// Superseded or deliberately torn down; nothing to recover.
		c.mu.Unlock()
		return
	}
	if c.baseCtx != nil && c.baseCtx.Err() != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}

	c.attempts++
	if c.attempts > c.cfg.MaxAttempts {
		c.state = StateFailed
		c.nextDelay = 0
		attempts := c.attempts
		c.mu.Unlock()

		c.log.Error("event stream failed; giving up until an explicit reconnect",
			logx.Int("attempts", attempts-1), logx.Err(err))
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: "stream.failed"})
		}
		return
	}

	delay := c.cfg.BaseDelay << (c.attempts - 1)
	c.state = StateRetrying
	c.nextDelay = delay
	attempt := c.attempts
	c.retryTimer = c.afterFunc(delay, func() { c.retryFire(gen) })
	c.mu.Unlock()

	c.log.Warn("event stream dropped; reconnecting",
		logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: "stream.retry", Data: map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
		}})
	}
}

func (c *Conn) retryFire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateRetrying {
		return
	}
	c.retryTimer = nil
	c.startLocked()
}

func (c *Conn) httpDial(ctx context.Context, lastSeen string) (io.ReadCloser, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}
	q := u.Query()
	q.Set("lastSeen", lastSeen)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if strings.TrimSpace(c.cfg.Token) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream connect: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

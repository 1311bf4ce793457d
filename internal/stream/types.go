package stream

import (
	"time"
)

// State is the connection lifecycle of the server event stream.
//
// Failed is terminal: the machine never schedules another attempt on its
// own; the operator (or the hosting app) must call Connect again.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time read of the connection.
type Status struct {
	State     State         `json:"state"`
	Attempts  int           `json:"attempts"`
	NextDelay time.Duration `json:"next_delay,omitempty"`
	LastEvent time.Time     `json:"last_event,omitempty"`
}

// Kind discriminates inbound frames.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindNotification Kind = "notification"
	KindKeepalive    Kind = "keepalive"
)

// Payload carries the notification content of a frame.
type Payload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Icon        string `json:"icon,omitempty"`
	Tag         string `json:"tag,omitempty"`
	URL         string `json:"url,omitempty"`
	MatchDate   string `json:"matchDate,omitempty"`
	UserName    string `json:"userName,omitempty"`
	ContactType string `json:"contactType,omitempty"`
}

// Event is one accepted frame. Events are immutable once decoded; the
// manager consumes each exactly once and discards it after checkpointing.
type Event struct {
	ID         string
	Kind       Kind
	Timestamp  int64 // server epoch millis, 0 when absent
	Payload    Payload
	ReceivedAt time.Time
}

// Config tunes the connection.
type Config struct {
	// URL of the stream endpoint.
	URL string
	// Token is sent as a bearer credential.
	Token string
	// BaseDelay seeds the reconnect backoff ladder (default 1s).
	BaseDelay time.Duration
	// MaxAttempts bounds consecutive reconnects before Failed (default 5).
	MaxAttempts int
}

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
)

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Handler receives decoded notification frames, in stream order.
// connected/keepalive frames update liveness only and are not handed out.
type Handler func(Event)

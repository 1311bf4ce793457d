package config

// Config is the full agent configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface at load time instead of
// silently disabling a section.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Stream     StreamConfig     `json:"stream,omitempty"`
	Preference PreferenceConfig `json:"preference,omitempty"`
	Permission PermissionConfig `json:"permission,omitempty"`
	Push       PushConfig       `json:"push,omitempty"`
	Direct     DirectConfig     `json:"direct,omitempty"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig points the agent at the club server.
type ServerConfig struct {
	// BaseURL is the origin of the fan-club backend, e.g. "https://club.example.org".
	BaseURL string `json:"base_url"`
	// StreamPath is the admin event stream endpoint (SSE).
	StreamPath string `json:"stream_path,omitempty"` // default: /api/admin/notifications/stream
	// PreferencePath is the per-user notification preference endpoint.
	PreferencePath string `json:"preference_path,omitempty"` // default: /api/admin/notifications/preference
	// Token is the admin session token sent as a bearer credential.
	Token string `json:"token"`
	// RequestTimeout bounds preference fetches (not the stream itself).
	RequestTimeout string `json:"request_timeout,omitempty"` // default: 10s
}

// StreamConfig tunes the reconnect state machine.
//
// Defaults match the delivery contract: 1s base delay doubling across
// 5 attempts (1s...16s), then a terminal failed state that requires an
// explicit reconnect.
type StreamConfig struct {
	BaseDelay   string `json:"base_delay,omitempty"`   // default: 1s
	MaxAttempts int    `json:"max_attempts,omitempty"` // default: 5
}

// PreferenceConfig tunes the preference cache.
type PreferenceConfig struct {
	TTL string `json:"ttl,omitempty"` // default: 30s
}

// PermissionConfig records whether the admin user has granted notification
// permission. It is a user-level fact shared by every delivery channel;
// false (or an omitted section) means nothing is ever shown.
type PermissionConfig struct {
	Granted bool `json:"granted"`
}

// PushConfig controls the push-capable delivery channel (Web Push / VAPID).
//
// The channel is considered unavailable unless both VAPID keys are set and
// a subscription exists (created lazily, persisted in SubscriptionFile).
type PushConfig struct {
	Enabled          bool   `json:"enabled"`
	VAPIDPublicKey   string `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey  string `json:"vapid_private_key,omitempty"`
	Subscriber       string `json:"subscriber,omitempty"` // contact for the push service (mailto)
	SubscriptionFile string `json:"subscription_file,omitempty"`
	TTL              string `json:"ttl,omitempty"` // push service retention, default: 24h
}

// DirectConfig controls the foreground fallback channel.
type DirectConfig struct {
	RatePerSec   int             `json:"rate_per_sec,omitempty"`  // default: 1
	DismissAfter string          `json:"dismiss_after,omitempty"` // default: 10s
	Telegram     *TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig configures the optional Telegram sink for the direct channel.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// CheckpointConfig controls the durable dedup/checkpoint store.
//
// Example:
//
//	"checkpoint": { "driver": "sqlite", "path": "./clubwatch.db" }
type CheckpointConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	Retention   string `json:"retention,omitempty"`    // default: 1h
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	GCSchedule  string `json:"gc_schedule,omitempty"`  // cron spec, default: @hourly
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

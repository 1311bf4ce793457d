package checkpoint

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "clubwatch/pkg/logx"
)

var ErrDisabled = errors.New("checkpoint storage disabled")

// DefaultRetention bounds how long a processed event id suppresses
// redelivery. The server's replay overlap after a reconnect is far smaller
// than this, so an hour is enough to absorb it while keeping the store tiny.
const DefaultRetention = time.Hour

// Config configures the checkpoint store.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the agent falls back
// to in-memory dedup only (no reload survival).
type Config struct {
	Driver      string
	Path        string
	Retention   time.Duration // 0 means DefaultRetention
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable dedup/checkpoint API used by the manager.
//
// MarkProcessed MUST be called before any delivery side effect so that a
// crash between the write and the notification produces a duplicate
// suppression, not a duplicate delivery, on restart.
type Store interface {
	// HasProcessed reports whether id was delivered within the retention window.
	HasProcessed(ctx context.Context, id string) (bool, error)
	// MarkProcessed records id as delivered at the given time. Idempotent;
	// also advances the resume watermark when id sorts after the current one.
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// ResumePoint returns the last-seen watermark, or "" when none exists.
	ResumePoint(ctx context.Context) (string, error)
	// GC removes entries older than the retention window.
	GC(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown checkpoint driver: " + driver)
	}
}

// watermarkLess compares two resume watermarks. Event ids are either epoch
// millis or monotonically increasing opaque strings; compare numerically when
// both sides parse, lexically otherwise.
func watermarkLess(a, b string) bool {
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return an < bn
	}
	return a < b
}

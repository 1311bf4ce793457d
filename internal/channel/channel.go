// Package channel holds the delivery paths a notification can take.
//
// Two variants exist: a push-capable channel that survives the host being
// backgrounded (Web Push through the platform push service) and a direct
// channel that surfaces the notification immediately in the running host.
// The manager selects between them per event; this package only defines
// what each channel can do, never when it is used.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned by Send when the channel's preconditions
	// (capability, permission, subscription) do not hold.
	ErrUnavailable = errors.New("channel unavailable")
)

// Notification is the content delivered to the admin user.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Tag   string `json:"tag,omitempty"`
	URL   string `json:"url,omitempty"`

	MatchDate   string `json:"matchDate,omitempty"`
	UserName    string `json:"userName,omitempty"`
	ContactType string `json:"contactType,omitempty"`
}

// Channel is one delivery path.
type Channel interface {
	Name() string
	// Available reports whether a Send could plausibly succeed right now.
	Available(ctx context.Context) bool
	// Send delivers the notification or returns an error. Platform-level
	// silent failures surface as errors here so the caller can fall back.
	Send(ctx context.Context, n Notification) error
}

// PermissionSource answers whether the admin user has granted notification
// permission. Denied and not-yet-asked both read as false.
type PermissionSource interface {
	Granted(ctx context.Context) bool
}

// StaticPermission is a PermissionSource fixed at construction, used when
// permission is an operator decision (config) rather than a runtime prompt.
type StaticPermission bool

func (p StaticPermission) Granted(ctx context.Context) bool { return bool(p) }

// Sink is the foreground notification surface of the direct channel.
// Implementations must respect ctx's deadline: it carries the auto-dismiss
// window after which the notification is stale.
type Sink interface {
	Show(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Show(ctx context.Context, n Notification) error { return f(ctx, n) }

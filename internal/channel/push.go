package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	logx "clubwatch/pkg/logx"
)

// ErrNoSubscription is returned by Send when no push subscription exists yet.
var ErrNoSubscription = errors.New("no push subscription")

// Subscription is the push-service registration: an opaque endpoint URL and
// the client keying material (base64, as handed out by the platform).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

func (s Subscription) valid() bool {
	return s.Endpoint != "" && s.P256dh != "" && s.Auth != ""
}

// SubscriptionStore persists the subscription across restarts.
type SubscriptionStore interface {
	Load() (Subscription, bool, error)
	Save(s Subscription) error
	Clear() error
}

// FileSubscriptionStore keeps the subscription in a single JSON file.
type FileSubscriptionStore struct {
	Path string

	mu sync.Mutex
}

func (f *FileSubscriptionStore) Load() (Subscription, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	var s Subscription
	if err := json.Unmarshal(b, &s); err != nil {
		return Subscription{}, false, err
	}
	return s, s.valid(), nil
}

func (f *FileSubscriptionStore) Save(s Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func (f *FileSubscriptionStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// PushConfig holds the VAPID material for the push channel.
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string        // contact for the push service (mailto)
	TTL             time.Duration // push service retention; default 24h
}

// Push is the push-capable delivery channel.
//
// It is available only when VAPID keys are configured, permission has been
// granted, and an active subscription exists. A 404/410 from the push
// service means the subscription is gone; it is dropped so Available flips
// to false until a new one is registered.
type Push struct {
	cfg   PushConfig
	perm  PermissionSource
	store SubscriptionStore
	log   logx.Logger

	// send is swappable in tests.
	send func(ctx context.Context, payload []byte, sub *webpush.Subscription, opt *webpush.Options) (*http.Response, error)
}

func NewPush(cfg PushConfig, perm PermissionSource, store SubscriptionStore, log logx.Logger) *Push {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Push{
		cfg:   cfg,
		perm:  perm,
		store: store,
		log:   log,
		send:  webpush.SendNotificationWithContext,
	}
}

func (p *Push) Name() string { return "push" }

func (p *Push) configured() bool {
	return strings.TrimSpace(p.cfg.VAPIDPublicKey) != "" && strings.TrimSpace(p.cfg.VAPIDPrivateKey) != ""
}

func (p *Push) Available(ctx context.Context) bool {
	if !p.configured() || p.store == nil {
		return false
	}
	if p.perm == nil || !p.perm.Granted(ctx) {
		return false
	}
	_, ok, err := p.store.Load()
	if err != nil {
		p.log.Debug("subscription load failed", logx.Err(err))
		return false
	}
	return ok
}

// Register stores a freshly created subscription (lazy, after the first
// successful permission grant).
func (p *Push) Register(sub Subscription) error {
	if !sub.valid() {
		return errors.New("incomplete subscription")
	}
	if p.store == nil {
		return ErrNoSubscription
	}
	return p.store.Save(sub)
}

// Unregister destroys the stored subscription.
func (p *Push) Unregister() error {
	if p.store == nil {
		return nil
	}
	return p.store.Clear()
}

func (p *Push) Send(ctx context.Context, n Notification) error {
	if !p.configured() || p.perm == nil || !p.perm.Granted(ctx) {
		return ErrUnavailable
	}
	sub, ok, err := p.store.Load()
	if err != nil {
		return fmt.Errorf("subscription load: %w", err)
	}
	if !ok {
		return ErrNoSubscription
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	resp, err := p.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             int(p.cfg.TTL / time.Second),
	})
	if err != nil {
		return fmt.Errorf("push send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// Subscription expired or was revoked at the push service.
		if cerr := p.store.Clear(); cerr != nil {
			p.log.Debug("clearing dead subscription failed", logx.Err(cerr))
		}
		p.log.Warn("push subscription gone; dropped", logx.Int("status", resp.StatusCode))
		return fmt.Errorf("push send: subscription gone (%d)", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push send: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

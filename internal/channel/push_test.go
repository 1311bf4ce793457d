package channel

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	logx "clubwatch/pkg/logx"
)

func testPush(t *testing.T, status int) (*Push, *int) {
	t.Helper()

	store := &FileSubscriptionStore{Path: filepath.Join(t.TempDir(), "sub.json")}
	if err := store.Save(Subscription{
		Endpoint: "https://push.example.org/send/abc",
		P256dh:   "key",
		Auth:     "auth",
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	p := NewPush(PushConfig{
		VAPIDPublicKey:  "pub",
		VAPIDPrivateKey: "priv",
		Subscriber:      "mailto:admin@club.example.org",
	}, StaticPermission(true), store, logx.Nop())

	sends := 0
	p.send = func(ctx context.Context, payload []byte, sub *webpush.Subscription, opt *webpush.Options) (*http.Response, error) {
		sends++
		if sub.Endpoint != "https://push.example.org/send/abc" {
			t.Fatalf("wrong endpoint: %s", sub.Endpoint)
		}
		if !strings.Contains(string(payload), "title") {
			t.Fatalf("payload missing notification body: %s", payload)
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return p, &sends
}

func TestPushSendOK(t *testing.T) {
	t.Parallel()

	p, sends := testPush(t, http.StatusCreated)
	if !p.Available(context.Background()) {
		t.Fatalf("expected available with keys, permission and subscription")
	}
	if err := p.Send(context.Background(), Notification{Title: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if *sends != 1 {
		t.Fatalf("sends = %d", *sends)
	}
}

func TestPushDropsGoneSubscription(t *testing.T) {
	t.Parallel()

	p, _ := testPush(t, http.StatusGone)
	if err := p.Send(context.Background(), Notification{Title: "hello"}); err == nil {
		t.Fatalf("expected error on 410")
	}
	// The dead subscription is gone; the channel reads unavailable and the
	// next send short-circuits.
	if p.Available(context.Background()) {
		t.Fatalf("channel still available after subscription was dropped")
	}
	if err := p.Send(context.Background(), Notification{Title: "again"}); err != ErrNoSubscription {
		t.Fatalf("err = %v, want ErrNoSubscription", err)
	}
}

func TestPushUnavailableWithoutKeys(t *testing.T) {
	t.Parallel()

	store := &FileSubscriptionStore{Path: filepath.Join(t.TempDir(), "sub.json")}
	p := NewPush(PushConfig{}, StaticPermission(true), store, logx.Nop())
	if p.Available(context.Background()) {
		t.Fatalf("no VAPID keys must read unavailable")
	}
	if err := p.Send(context.Background(), Notification{}); err != ErrUnavailable {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestSubscriptionStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := &FileSubscriptionStore{Path: filepath.Join(t.TempDir(), "sub.json")}

	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	want := Subscription{Endpoint: "https://e", P256dh: "p", Auth: "a"}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := store.Load(); ok {
		t.Fatalf("subscription survived Clear")
	}
}

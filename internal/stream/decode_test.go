package stream

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)

	cases := []struct {
		name    string
		data    string
		wantErr error
		check   func(t *testing.T, ev Event)
	}{
		{
			name: "connected",
			data: `{"type":"connected","timestamp":1700000000000}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindConnected {
					t.Fatalf("kind = %q", ev.Kind)
				}
			},
		},
		{
			name: "keepalive",
			data: `{"type":"keepalive"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindKeepalive {
					t.Fatalf("kind = %q", ev.Kind)
				}
			},
		},
		{
			name: "notification",
			data: `{"type":"notification","id":"n-1","title":"New message","body":"from Alex","tag":"contact","url":"/admin/messages"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind != KindNotification {
					t.Fatalf("kind = %q", ev.Kind)
				}
				if ev.ID != "n-1" {
					t.Fatalf("id = %q", ev.ID)
				}
				if ev.Payload.Title != "New message" || ev.Payload.Body != "from Alex" {
					t.Fatalf("payload = %+v", ev.Payload)
				}
				if !ev.ReceivedAt.Equal(now) {
					t.Fatalf("receivedAt = %v", ev.ReceivedAt)
				}
			},
		},
		{
			name: "notification id derived from timestamp",
			data: `{"type":"notification","timestamp":1700000000123,"title":"x"}`,
			check: func(t *testing.T, ev Event) {
				if ev.ID != "1700000000123" {
					t.Fatalf("derived id = %q", ev.ID)
				}
			},
		},
		{
			name:    "notification without any id",
			data:    `{"type":"notification","title":"x"}`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "unknown type",
			data:    `{"type":"promo","id":"1"}`,
			wantErr: ErrUnknownKind,
		},
		{
			name:    "not json",
			data:    `<html>`,
			wantErr: ErrMalformedFrame,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := decodeFrame([]byte(tc.data), now)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeFrame: %v", err)
			}
			tc.check(t, ev)
		})
	}
}

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownKind    = errors.New("unknown frame kind")
)

// wireFrame is the JSON shape of one frame's data field.
type wireFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	Title       string `json:"title,omitempty"`
	Body        string `json:"body,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Tag         string `json:"tag,omitempty"`
	URL         string `json:"url,omitempty"`
	MatchDate   string `json:"matchDate,omitempty"`
	UserName    string `json:"userName,omitempty"`
	ContactType string `json:"contactType,omitempty"`
}

// decodeFrame turns a raw data payload into a closed tagged variant.
//
// Unknown or malformed frames come back as errors so the caller can drop
// them without touching connection state.
func decodeFrame(data []byte, now time.Time) (Event, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	ev := Event{
		ID:         w.ID,
		Timestamp:  w.Timestamp,
		ReceivedAt: now,
	}

	switch Kind(w.Type) {
	case KindConnected:
		ev.Kind = KindConnected
	case KindKeepalive:
		ev.Kind = KindKeepalive
	case KindNotification:
		ev.Kind = KindNotification
		ev.Payload = Payload{
			Title:       w.Title,
			Body:        w.Body,
			Icon:        w.Icon,
			Tag:         w.Tag,
			URL:         w.URL,
			MatchDate:   w.MatchDate,
			UserName:    w.UserName,
			ContactType: w.ContactType,
		}
		// Notification frames without an id cannot be checkpointed; derive
		// one from the server timestamp so dedup stays meaningful.
		if ev.ID == "" && w.Timestamp > 0 {
			ev.ID = strconv.FormatInt(w.Timestamp, 10)
		}
		if ev.ID == "" {
			return Event{}, fmt.Errorf("%w: notification frame without id", ErrMalformedFrame)
		}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
	return ev, nil
}

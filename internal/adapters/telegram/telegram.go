// Package telegram adapts a Telegram bot into a notification Sink.
//
// The agent is send-only: it never polls for updates, it just pushes
// formatted messages to a fixed chat.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"clubwatch/internal/channel"
	logx "clubwatch/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
}

type Sink struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	// No poller: this bot only sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, log: log, bot: b}, nil
}

// Show sends the notification as a Telegram message. The context deadline
// (the auto-dismiss window upstream) bounds the API call.
func (s *Sink) Show(ctx context.Context, n channel.Notification) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, render(n), &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		s.log.Debug("telegram message sent", logx.Int64("chat_id", s.cfg.ChatID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func render(n channel.Notification) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(escape(n.Title))
	b.WriteString("</b>")
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(escape(n.Body))
	}
	if n.URL != "" {
		b.WriteString("\n")
		b.WriteString(escape(n.URL))
	}
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

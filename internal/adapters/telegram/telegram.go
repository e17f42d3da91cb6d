// Package telegram sends operator alerts through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"sharepilot/internal/notifier"
)

type Config struct {
	Token string
	// URL overrides the Bot API endpoint (tests).
	URL     string
	Timeout time.Duration
	// Offline skips the getMe handshake.
	Offline bool
}

// Sender implements notifier.Sender.
type Sender struct {
	bot *tele.Bot
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b}, nil
}

// Send posts text to the target chat. Link previews are disabled so alert
// messages stay compact.
func (s *Sender) Send(ctx context.Context, to notifier.Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: to.ThreadID}
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: to.ChatID}, text, opts)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

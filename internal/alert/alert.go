// Package alert pushes terminal job failures to a Telegram chat, so a
// speaker that went silent does not fail silently too.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"github.com/palemoky/xiaomi-speaker/internal/dispatch"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int
}

// Notifier is a send-only Telegram client. It never polls for updates.
type Notifier struct {
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: chat id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// No poller: this bot only ever sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	return &Notifier{
		bot:     b,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		log:     log,
	}, nil
}

// NotifyFailure pushes one failed job to the chat. Sends are best-effort: an
// unreachable Telegram must never stall the playback worker, so anything
// over the rate budget is dropped rather than queued.
func (n *Notifier) NotifyFailure(ctx context.Context, st dispatch.JobStatus) {
	if !n.limiter.Allow() {
		n.log.Debug("failure alert rate-limited", logx.String("job", st.ID))
		return
	}

	text := fmt.Sprintf("🔇 speaker notification failed\njob: %s\nsource: %s\nattempts: %d\nerror: %s",
		st.ID, st.Source, st.Attempts, st.Error)

	done := make(chan error, 1)
	go func() {
		_, err := n.bot.Send(n.chat, text)
		done <- err
	}()

	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()
	select {
	case err := <-done:
		if err != nil {
			n.log.Warn("failure alert send failed", logx.String("job", st.ID), logx.Err(err))
		}
	case <-ctx.Done():
	case <-timeout.C:
		n.log.Warn("failure alert send timed out", logx.String("job", st.ID))
	}
}

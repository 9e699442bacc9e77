// Package telegram delivers broadcasts as Telegram bot messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"broadcastd/internal/channel"
	logx "broadcastd/pkg/logx"
)

const textLimit = 4096

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted API servers, tests).
	APIURL  string
	Timeout time.Duration
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Send-only: no poller, and no getMe round trip at construction.
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b, log: log.With(logx.String("comp", "telegram"))}, nil
}

// Send posts the message to the recipient's chat, split into several
// messages when it exceeds Telegram's length limit.
func (a *Adapter) Send(ctx context.Context, d channel.Delivery) error {
	if d.Contact.TelegramChatID == 0 {
		return channel.ErrNoContact
	}
	chat := &tele.Chat{ID: d.Contact.TelegramChatID}

	for _, chunk := range splitText(render(d), textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return classify(fmt.Errorf("telegram send to %d: %w", chat.ID, err))
		}
	}
	a.log.Trace("telegram sent", logx.String("broadcast", d.BroadcastID), logx.String("recipient", d.Recipient.ID))
	return nil
}

func render(d channel.Delivery) string {
	if s := strings.TrimSpace(d.Message.Subject); s != "" {
		return s + "\n\n" + d.Message.Body
	}
	return d.Message.Body
}

// classify maps Bot API refusals (bad chat, blocked bot) to permanent errors
// and flood control to a retry hint.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return channel.RetryAfter(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden) {
		return channel.Permanent(err)
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries near the end of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// Package email delivers broadcasts over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"gopkg.in/gomail.v2"

	"broadcastd/internal/channel"
	logx "broadcastd/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// InsecureSkipVerify disables certificate checks (local relays only).
	InsecureSkipVerify bool
}

// Dialer opens an SMTP session. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

type Adapter struct {
	from   string
	dialer Dialer
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: smtp host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from address is empty")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	d := gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host}
	}
	return NewWithDialer(cfg.From, d, log), nil
}

// NewWithDialer builds an adapter over an existing dialer.
func NewWithDialer(from string, d Dialer, log logx.Logger) *Adapter {
	return &Adapter{from: from, dialer: d, log: log.With(logx.String("comp", "email"))}
}

// Send dials, delivers one message and hangs up. SMTP 5xx replies and a
// missing address are permanent; connection problems, 4xx and an expired ctx
// are transient.
func (a *Adapter) Send(ctx context.Context, d channel.Delivery) error {
	to := strings.TrimSpace(d.Contact.Email)
	if to == "" {
		return channel.ErrNoContact
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", to)
	subject := d.Message.Subject
	if subject == "" {
		subject = "Notification"
	}
	m.SetHeader("Subject", subject)
	m.SetHeader("X-Broadcast-ID", d.BroadcastID)
	m.SetBody("text/plain", d.Message.Body)

	// gomail has no context support; the session runs aside and a deadline
	// abandons it. A late reply is discarded, so the row is retried, not SENT.
	done := make(chan error, 1)
	go func() { done <- a.deliver(to, m) }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", to, ctx.Err())
	}
	a.log.Trace("email sent", logx.String("broadcast", d.BroadcastID), logx.String("recipient", d.Recipient.ID))
	return nil
}

func (a *Adapter) deliver(to string, m *gomail.Message) error {
	sc, err := a.dialer.Dial()
	if err != nil {
		return classify(fmt.Errorf("smtp dial: %w", err))
	}
	defer func() { _ = sc.Close() }()

	if err := sc.Send(a.from, []string{to}, m); err != nil {
		return classify(fmt.Errorf("smtp send to %s: %w", to, err))
	}
	return nil
}

func classify(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return channel.Permanent(err)
	}
	return err
}

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/gomail.v2"

	"healthmon/internal/config"
	"healthmon/internal/model"
)

var ErrEmailNotConfigured = errors.New("email host, username or password missing")

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email sends one message to all recipients over SMTP.
type Email struct {
	cfg    config.EmailConfig
	sender mailSender
}

func NewEmail(cfg config.EmailConfig) *Email {
	e := &Email{cfg: cfg}
	if cfg.Configured() {
		dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
		dialer.SSL = cfg.UseSSL
		e.sender = dialer
	}
	return e
}

func (e *Email) Name() string { return "email" }

func (e *Email) Accepts(d model.Delivery) bool {
	return d.Email && len(d.Emails) > 0
}

func (e *Email) Send(ctx context.Context, d model.Delivery) error {
	if e.sender == nil {
		return ErrEmailNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	from := e.cfg.FromEmail
	if from == "" {
		from = e.cfg.Username
	}
	m := gomail.NewMessage()
	m.SetAddressHeader("From", from, e.cfg.FromName)
	m.SetHeader("To", d.Emails...)
	m.SetHeader("Subject", Subject(d))
	m.SetBody("text/plain", Body(d))
	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email to %d recipients: %w", len(d.Emails), err)
	}
	return nil
}

func (e *Email) Close() error { return nil }

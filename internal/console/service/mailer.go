package service

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"go.uber.org/zap"
)

// Message: письмо пользователю (подтверждение email, решение по заявке).
type Message struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// NewMailer выбирает SMTP, если заданы учётные данные, иначе письма только пишутся в лог.
func NewMailer(cfg infra.MailConfig, logger *zap.Logger) Mailer {
	if cfg.Host == "" || cfg.Username == "" {
		return &LogMailer{logger: logger.Named("mailer")}
	}
	return &SMTPMailer{cfg: cfg, logger: logger.Named("mailer")}
}

// LogMailer: режим разработки: содержимое письма уходит в лог.
type LogMailer struct {
	logger *zap.Logger
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("mail delivery simulated",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}

type SMTPMailer struct {
	cfg    infra.MailConfig
	logger *zap.Logger
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", m.cfg.FromName, from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)

	// smtp.SendMail не принимает контекст: ограничиваем ожидание снаружи
	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(addr, auth, from, []string{msg.To}, []byte(b.String())) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", msg.To, err)
		}
		m.logger.Info("mail sent", zap.String("to", msg.To), zap.String("subject", msg.Subject))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package alerting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// SinkEmail is the SMTP sink ID.
const SinkEmail = "email"

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSink delivers plain-text mail through an SMTP relay.
type EmailSink struct {
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	sendMail sendMailFunc
	logger   zerolog.Logger
}

// NewEmailSink constructs the SMTP sink. Auth is skipped when username is empty.
func NewEmailSink(host string, port int, username, password, from string, to []string, logger zerolog.Logger) *EmailSink {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailSink{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		auth:     auth,
		from:     from,
		to:       append([]string(nil), to...),
		sendMail: smtp.SendMail,
		logger:   logger.With().Str("component", "sink_email").Logger(),
	}
}

func (s *EmailSink) ID() string { return SinkEmail }

// Send writes one message to every recipient. net/smtp has no context support, so the
// call is abandoned (not aborted) when ctx ends.
func (s *EmailSink) Send(ctx context.Context, msg Message) error {
	if len(s.to) == 0 {
		return errors.New("email sink has no recipients")
	}

	body := s.compose(msg)
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, s.auth, s.from, s.to, body)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
	}

	s.logger.Info().Str("subject", msg.Subject()).Int("recipients", len(s.to)).Msg("告警已发送 (Email)")
	return nil
}

func (s *EmailSink) compose(msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + s.from + "\r\n")
	b.WriteString("To: " + strings.Join(s.to, ", ") + "\r\n")
	b.WriteString("Subject: " + msg.Subject() + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text(), "\n", "\r\n"))
	return []byte(b.String())
}

var _ Sink = (*EmailSink)(nil)

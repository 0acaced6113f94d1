package mail

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"tavolo.app/internal/obs"
)

// Message is a single outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers messages. Implementations must be safe for concurrent use.
// Delivery failures are the caller's problem to log; authentication flows never
// block on them.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers messages through a plain SMTP relay.
type SMTPSender struct {
	Addr string // host:port
	From string
	Auth smtp.Auth
}

// Send submits the message to the configured relay.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return errors.New("mail: recipient is required")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	if err := smtp.SendMail(s.Addr, s.Auth, s.From, []string{to}, []byte(b.String())); err != nil {
		return fmt.Errorf("mail: send: %w", err)
	}
	return nil
}

// LogSender writes messages to the shared logger instead of delivering them.
// Used in development when no relay is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	obs.LogEvent(map[string]any{
		"type":    "mail",
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.HTML,
	})
	return nil
}

// Recorder captures messages for tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	Err  error // returned by Send when set
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

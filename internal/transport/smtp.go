package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clubops/mailroom/internal/pkg/logger"
)

// SMTPSender is the secondary transport: authenticated mail submission
// used when the primary provider rejects or is unreachable.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration
}

// NewSMTPSender creates the fallback sender.
func NewSMTPSender(host string, port int, username, password string, timeout time.Duration) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		timeout:  timeout,
	}
}

// Name identifies this transport in delivery logs.
func (s *SMTPSender) Name() string { return "smtp" }

// Send submits one message over SMTP with STARTTLS and PLAIN auth. The
// dial honors both the configured timeout and the caller's context.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if s.host == "" {
		return nil, fmt.Errorf("smtp host not configured")
	}

	start := time.Now()
	fail := func(err error) (*Result, error) {
		return &Result{
			Success:   false,
			Transport: s.Name(),
			Err:       err,
			Duration:  time.Since(start),
		}, nil
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(fmt.Errorf("smtp dial: %w", err))
	}
	// The overall deadline caps the whole session, not just the dial.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fail(fmt.Errorf("smtp handshake: %w", err))
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return fail(fmt.Errorf("smtp starttls: %w", err))
		}
	}

	if s.username != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return fail(fmt.Errorf("smtp auth: %w", err))
		}
	}

	if err := client.Mail(msg.FromEmail); err != nil {
		return fail(fmt.Errorf("smtp mail from: %w", err))
	}
	if err := client.Rcpt(msg.RecipientEmail); err != nil {
		return fail(fmt.Errorf("smtp rcpt to: %w", err))
	}

	w, err := client.Data()
	if err != nil {
		return fail(fmt.Errorf("smtp data: %w", err))
	}

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), s.host)
	if _, err := w.Write(buildMIMEMessage(msg, messageID)); err != nil {
		return fail(fmt.Errorf("smtp write body: %w", err))
	}
	if err := w.Close(); err != nil {
		return fail(fmt.Errorf("smtp finish body: %w", err))
	}
	_ = client.Quit()

	logger.Debug("smtp accepted message",
		"recipient", msg.RecipientEmail, "message_id", messageID)

	return &Result{
		Success:   true,
		MessageID: messageID,
		Transport: s.Name(),
		SentAt:    time.Now(),
		Duration:  time.Since(start),
	}, nil
}

// buildMIMEMessage assembles a multipart/alternative body so clients can
// pick text or HTML.
func buildMIMEMessage(msg *Message, messageID string) []byte {
	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")

	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: <%s>\r\n", messageID)
	fmt.Fprintf(&b, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", msg.FromName), msg.FromEmail)
	fmt.Fprintf(&b, "To: %s\r\n", msg.RecipientEmail)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	for k, v := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	if msg.TextBody != "" {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(msg.TextBody)
		b.WriteString("\r\n")
	}
	if msg.HTMLBody != "" {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(msg.HTMLBody)
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	return []byte(b.String())
}

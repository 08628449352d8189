// Package transport contains the outbound delivery paths: the primary
// SparkPost-style HTTP provider and the secondary SMTP fallback. Both
// implement Sender so the dispatcher can fail over without caring which
// wire it is on.
package transport

import (
	"context"
	"time"
)

// Message is one fully rendered email ready to hand to a transport.
type Message struct {
	ID             string
	RecipientEmail string
	RecipientName  string
	FromEmail      string
	FromName       string
	ReplyTo        string
	Subject        string
	HTMLBody       string
	TextBody       string
	CampaignID     string
	Headers        map[string]string
}

// Result is the outcome of one send attempt. A failed attempt with a
// provider-level rejection comes back as Success=false with Err set; only
// infrastructure problems (building the request) surface as a returned
// error.
type Result struct {
	Success   bool
	MessageID string
	Transport string
	Err       error
	SentAt    time.Time
	Duration  time.Duration
}

// Sender delivers a single message. Implementations must honor the
// context deadline; a timeout is a failure like any other.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg *Message) (*Result, error)
}

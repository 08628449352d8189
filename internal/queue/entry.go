// Package queue owns the durable notification queue: one row per outbound
// email with scheduling, retry, and deduplication state. The store is the
// single source of truth that concurrent dispatch cycles contend on; the
// pending→sending claim flip is the engine's one mandatory transactional
// boundary.
package queue

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Priority conventions: lower sends sooner. Event reminders use the
// urgency-inverted scale carried over from the original product — the 24h
// wave gets the most urgent value because it is the largest wave and needs
// the most clearing time.
const (
	PriorityReminder24h = 1
	PriorityReminder1h  = 2
	PriorityReminder5m  = 3
	PriorityCampaign    = 5
	PriorityDefault     = 10
)

// DefaultMaxRetries is the retry budget for entries enqueued without one,
// matching the configured mailer default. Without it a direct enqueue
// would go terminal on its first failed attempt.
const DefaultMaxRetries = 3

// Entry is one pending/sent/failed notification row.
type Entry struct {
	ID             uuid.UUID
	RecipientEmail string
	RecipientName  string

	Subject  string
	HTMLBody string
	TextBody string

	// TemplateName plus ContextJSON let the dispatcher re-render at send
	// time; entries with pre-rendered bodies leave TemplateName empty.
	TemplateName string
	ContextJSON  []byte

	CampaignID uuid.NullUUID
	EventID    uuid.NullUUID // indexed, used for structured reminder cancellation
	DedupKey   sql.NullString

	ScheduledAt time.Time
	Priority    int
	Status      Status

	RetryCount   int
	MaxRetries   int
	ErrorMessage sql.NullString

	Fingerprint string

	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    sql.NullTime
}

// ComputeFingerprint hashes recipient+subject+bodies; two entries with the
// same fingerprint would deliver identical content to the same address.
func ComputeFingerprint(recipientEmail, subject, htmlBody, textBody string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(recipientEmail))))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(htmlBody))
	h.Write([]byte{0})
	h.Write([]byte(textBody))
	return hex.EncodeToString(h.Sum(nil))
}

// ReminderDedupKey builds the deterministic idempotency key for one event
// reminder: re-running the scheduler can never create a second pending row
// for the same (event, recipient, offset).
func ReminderDedupKey(eventID, recipientID uuid.UUID, offset string) string {
	return fmt.Sprintf("reminder:%s:%s:%s", eventID, recipientID, offset)
}

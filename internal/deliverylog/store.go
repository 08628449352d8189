// Package deliverylog keeps the append-only record of every transport
// attempt. The queue tracks where an entry is; the delivery log tracks
// what actually happened on the wire, one row per attempt including the
// failed ones that preceded a retry.
package deliverylog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clubops/mailroom/internal/pkg/logger"
)

// Attempt is one transport attempt for one queue entry.
type Attempt struct {
	ID             uuid.UUID
	QueueID        uuid.UUID
	CampaignID     uuid.NullUUID
	RecipientEmail string
	Subject        string
	Transport      string
	Success        bool
	MessageID      string
	ErrorMessage   string
	Duration       time.Duration
	AttemptedAt    time.Time
}

// Store writes and aggregates the delivery_log table.
type Store struct {
	db *sql.DB
}

// NewStore creates a delivery log store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends one attempt. Logging failures never block the dispatch
// path; the caller treats a Record error as advisory.
func (s *Store) Record(ctx context.Context, a *Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_log (
			id, queue_id, campaign_id, recipient_email, recipient_domain,
			subject, transport, success, message_id, error_message,
			duration_ms, attempted_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		a.ID, a.QueueID, a.CampaignID,
		a.RecipientEmail, DomainOf(a.RecipientEmail),
		a.Subject, a.Transport, a.Success,
		nullIfEmpty(a.MessageID), nullIfEmpty(a.ErrorMessage),
		a.Duration.Milliseconds(), a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// DomainOf extracts the lowercased recipient domain for per-provider
// breakdowns.
func DomainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// TransportStats is the attempt breakdown for one transport.
type TransportStats struct {
	Transport string  `json:"transport"`
	Attempts  int64   `json:"attempts"`
	Delivered int64   `json:"delivered"`
	Failed    int64   `json:"failed"`
	AvgMs     float64 `json:"avg_ms"`
}

// DomainStats is the attempt breakdown for one recipient domain.
type DomainStats struct {
	Domain    string `json:"domain"`
	Attempts  int64  `json:"attempts"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
}

// Summary aggregates the delivery log over a trailing window.
type Summary struct {
	WindowHours  int              `json:"window_hours"`
	Attempts     int64            `json:"attempts"`
	Delivered    int64            `json:"delivered"`
	Failed       int64            `json:"failed"`
	DeliveryRate float64          `json:"delivery_rate"`
	ByTransport  []TransportStats `json:"by_transport"`
	ByDomain     []DomainStats    `json:"by_domain"`
}

// Stats aggregates the trailing window: overall counts, per-transport
// breakdown, and the top recipient domains by volume.
func (s *Store) Stats(ctx context.Context, hours int) (*Summary, error) {
	if hours <= 0 {
		hours = 24
	}
	sum := &Summary{WindowHours: hours}
	cutoff := fmt.Sprintf("%d hours", hours)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success)
		FROM delivery_log
		WHERE attempted_at > NOW() - $1::interval
	`, cutoff).Scan(&sum.Attempts, &sum.Delivered, &sum.Failed)
	if err != nil {
		return nil, fmt.Errorf("delivery totals: %w", err)
	}
	if sum.Attempts > 0 {
		sum.DeliveryRate = float64(sum.Delivered) / float64(sum.Attempts) * 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transport, COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(AVG(duration_ms), 0)
		FROM delivery_log
		WHERE attempted_at > NOW() - $1::interval
		GROUP BY transport
		ORDER BY COUNT(*) DESC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delivery transport stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t TransportStats
		if err := rows.Scan(&t.Transport, &t.Attempts, &t.Delivered, &t.Failed, &t.AvgMs); err != nil {
			logger.Warn("delivery log: transport stats scan failed", "error", err.Error())
			continue
		}
		sum.ByTransport = append(sum.ByTransport, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	domainRows, err := s.db.QueryContext(ctx, `
		SELECT recipient_domain, COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success)
		FROM delivery_log
		WHERE attempted_at > NOW() - $1::interval
		  AND recipient_domain <> ''
		GROUP BY recipient_domain
		ORDER BY COUNT(*) DESC
		LIMIT 20
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delivery domain stats: %w", err)
	}
	defer domainRows.Close()
	for domainRows.Next() {
		var d DomainStats
		if err := domainRows.Scan(&d.Domain, &d.Attempts, &d.Delivered, &d.Failed); err != nil {
			continue
		}
		sum.ByDomain = append(sum.ByDomain, d)
	}
	return sum, domainRows.Err()
}

// Purge removes attempts older than the retention window.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_log
		WHERE attempted_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge delivery log: %w", err)
	}
	return res.RowsAffected()
}

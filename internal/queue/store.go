package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clubops/mailroom/internal/pkg/logger"
)

// Store is the durable queue backed by the notification_queue table.
type Store struct {
	db *sql.DB
}

// NewStore creates a queue store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnqueueResult reports the outcome of an Enqueue call. When Duplicate is
// true, ID is the pre-existing pending entry and no row was inserted.
type EnqueueResult struct {
	ID        uuid.UUID
	Duplicate bool
}

// Enqueue inserts a new pending entry unless an equivalent pending entry
// already exists. Dedup checks run in order: caller-supplied dedup key,
// then (recipient, campaign, fingerprint), then (recipient, subject,
// fingerprint). The check and insert share a transaction so an enqueue
// either fully commits or not at all.
func (s *Store) Enqueue(ctx context.Context, e *Entry, skipDedup bool) (*EnqueueResult, error) {
	if e.RecipientEmail == "" {
		return nil, fmt.Errorf("enqueue: recipient email is required")
	}
	if e.Fingerprint == "" {
		e.Fingerprint = ComputeFingerprint(e.RecipientEmail, e.Subject, e.HTMLBody, e.TextBody)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = time.Now()
	}
	if e.Priority == 0 {
		e.Priority = PriorityDefault
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = DefaultMaxRetries
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("enqueue: begin tx: %w", err)
	}
	defer tx.Rollback()

	if !skipDedup {
		existingID, found, err := s.findPendingDuplicate(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		if found {
			// Idempotent enqueue: hand back the original id, insert nothing.
			return &EnqueueResult{ID: existingID, Duplicate: true}, tx.Commit()
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_queue (
			id, recipient_email, recipient_name,
			subject, html_body, text_body,
			template_name, context_json,
			campaign_id, event_id, dedup_key,
			scheduled_at, priority, status,
			retry_count, max_retries,
			content_fingerprint, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW(),NOW())
	`,
		e.ID, e.RecipientEmail, e.RecipientName,
		e.Subject, e.HTMLBody, e.TextBody,
		e.TemplateName, e.ContextJSON,
		e.CampaignID, e.EventID, e.DedupKey,
		e.ScheduledAt, e.Priority, string(e.Status),
		e.RetryCount, e.MaxRetries,
		e.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("enqueue commit: %w", err)
	}
	return &EnqueueResult{ID: e.ID}, nil
}

// findPendingDuplicate applies the dedup ladder against pending rows only.
func (s *Store) findPendingDuplicate(ctx context.Context, tx *sql.Tx, e *Entry) (uuid.UUID, bool, error) {
	var id uuid.UUID

	if e.DedupKey.Valid && e.DedupKey.String != "" {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM notification_queue
			WHERE status = 'pending' AND dedup_key = $1
			LIMIT 1
		`, e.DedupKey.String).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if err != sql.ErrNoRows {
			return uuid.Nil, false, fmt.Errorf("dedup key lookup: %w", err)
		}
	}

	if e.CampaignID.Valid {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM notification_queue
			WHERE status = 'pending'
			  AND recipient_email = $1
			  AND campaign_id = $2
			  AND content_fingerprint = $3
			LIMIT 1
		`, e.RecipientEmail, e.CampaignID.UUID, e.Fingerprint).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if err != sql.ErrNoRows {
			return uuid.Nil, false, fmt.Errorf("campaign dedup lookup: %w", err)
		}
		return uuid.Nil, false, nil
	}

	err := tx.QueryRowContext(ctx, `
		SELECT id FROM notification_queue
		WHERE status = 'pending'
		  AND recipient_email = $1
		  AND subject = $2
		  AND content_fingerprint = $3
		LIMIT 1
	`, e.RecipientEmail, e.Subject, e.Fingerprint).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("content dedup lookup: %w", err)
	}
	return uuid.Nil, false, nil
}

// ClaimDue atomically flips up to limit due pending entries to sending and
// returns them ordered by priority then scheduled time. FOR UPDATE SKIP
// LOCKED makes overlapping dispatch cycles claim disjoint sets.
func (s *Store) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE notification_queue
		SET status = 'sending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'pending'
			  AND scheduled_at <= $1
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient_email, COALESCE(recipient_name, ''),
			COALESCE(subject, ''), COALESCE(html_body, ''), COALESCE(text_body, ''),
			COALESCE(template_name, ''), context_json,
			campaign_id, event_id, dedup_key,
			scheduled_at, priority, retry_count, max_retries, content_fingerprint
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{Status: StatusSending}
		err := rows.Scan(
			&e.ID, &e.RecipientEmail, &e.RecipientName,
			&e.Subject, &e.HTMLBody, &e.TextBody,
			&e.TemplateName, &e.ContextJSON,
			&e.CampaignID, &e.EventID, &e.DedupKey,
			&e.ScheduledAt, &e.Priority, &e.RetryCount, &e.MaxRetries, &e.Fingerprint,
		)
		if err != nil {
			logger.Warn("queue: claim scan failed", "error", err.Error())
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSent records a successful delivery. Sent rows are permanent history.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'sent', sent_at = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed counts one failed attempt. The entry reverts to pending for a
// later retry pass until the retry budget is exhausted, at which point it
// becomes terminal failed.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE notification_queue
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'pending' END,
			error_message = $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING status
	`, id, errMsg).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}
	if Status(status) == StatusFailed {
		logger.Warn("queue: entry exhausted retry budget", "entry_id", id.String(), "error", errMsg)
	}
	return Status(status), nil
}

// Release returns a claimed entry to pending without touching its retry
// budget, used when a dispatch cycle is interrupted before the entry
// reaches a transport.
func (s *Store) Release(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'pending', updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id)
	if err != nil {
		return fmt.Errorf("release entry: %w", err)
	}
	return nil
}

// CancelByDedupKey soft-cancels the pending entry carrying the given key.
func (s *Store) CancelByDedupKey(ctx context.Context, key string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'cancelled', updated_at = NOW()
		WHERE status = 'pending' AND dedup_key = $1
	`, key)
	if err != nil {
		return 0, fmt.Errorf("cancel by dedup key: %w", err)
	}
	return res.RowsAffected()
}

// CancelByEvent soft-cancels all pending reminders for an event. Sent and
// in-flight rows are untouched; history is immutable and cancellation never
// aborts a request already handed to a transport.
func (s *Store) CancelByEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'cancelled', updated_at = NOW()
		WHERE status = 'pending' AND event_id = $1
	`, eventID)
	if err != nil {
		return 0, fmt.Errorf("cancel by event: %w", err)
	}
	return res.RowsAffected()
}

// CancelByCampaign soft-cancels all pending entries of a withdrawn campaign.
func (s *Store) CancelByCampaign(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'cancelled', updated_at = NOW()
		WHERE status = 'pending' AND campaign_id = $1
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel by campaign: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed is the admin escape hatch: it returns up to limit terminal
// failed entries to pending with a fresh retry budget.
func (s *Store) RetryFailed(ctx context.Context, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'pending', retry_count = 0, error_message = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = 'failed'
			ORDER BY updated_at ASC
			LIMIT $1
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		logger.Info("queue: failed entries returned to pending", "count", n)
	}
	return n, err
}

// Stats summarizes the queue by status plus the currently-due count.
type Stats struct {
	Pending   int64 `json:"pending"`
	Sending   int64 `json:"sending"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Due       int64 `json:"due"`
}

// GetStats returns per-status counts. Due is the number of pending rows
// whose scheduled time has arrived; the dispatcher sizes its batches off it.
func (s *Store) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_at <= $1)
		FROM notification_queue
	`, now).Scan(&st.Pending, &st.Sending, &st.Sent, &st.Failed, &st.Cancelled, &st.Due)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &st, nil
}

// CampaignCounts returns sent/failed counts for a campaign's entries,
// feeding the campaign completion check.
func (s *Store) CampaignCounts(ctx context.Context, campaignID uuid.UUID) (sent, failed int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status IN ('failed', 'cancelled'))
		FROM notification_queue
		WHERE campaign_id = $1
	`, campaignID).Scan(&sent, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("campaign counts: %w", err)
	}
	return sent, failed, nil
}

// ReleaseStuck reclaims entries stuck in sending longer than maxAge, which
// happens when a worker dies mid-batch. Reclaimed entries go back to
// pending without consuming retry budget.
func (s *Store) ReleaseStuck(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'sending' AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("release stuck: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		logger.Warn("queue: reclaimed stuck entries", "count", n)
	}
	return n, err
}

// PurgeOld removes aged terminal rows. Sent rows within the retention
// window are kept as permanent history.
func (s *Store) PurgeOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_queue
		WHERE status IN ('sent', 'failed', 'cancelled')
		  AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge old: %w", err)
	}
	return res.RowsAffected()
}

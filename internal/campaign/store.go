package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Campaign is one bulk-send definition targeting recipient groups.
type Campaign struct {
	ID           uuid.UUID
	Name         string
	Subject      string
	TemplateName string
	ContentVars  []byte // JSON object merged into each recipient's context
	GroupIDs     []uuid.UUID

	SendType    SendType
	ScheduledAt sql.NullTime
	Status      Status

	TotalRecipients int
	SentCount       int
	FailedCount     int

	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    sql.NullTime
}

// Store persists campaigns in the campaigns table.
type Store struct {
	db *sql.DB
}

// NewStore creates a campaign store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const campaignColumns = `
	id, name, subject, COALESCE(template_name, ''), COALESCE(content_vars, '{}'),
	group_ids::text[], send_type, scheduled_at, status,
	total_recipients, sent_count, failed_count,
	created_at, updated_at, sent_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*Campaign, error) {
	var c Campaign
	var groupIDs pq.StringArray
	var sendType, status string
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.TemplateName, &c.ContentVars,
		&groupIDs, &sendType, &c.ScheduledAt, &status,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount,
		&c.CreatedAt, &c.UpdatedAt, &c.SentAt,
	)
	if err != nil {
		return nil, err
	}
	c.SendType = SendType(sendType)
	c.Status = Status(status)
	for _, g := range groupIDs {
		id, err := uuid.Parse(g)
		if err != nil {
			continue
		}
		c.GroupIDs = append(c.GroupIDs, id)
	}
	return &c, nil
}

// Get loads one campaign by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns WHERE id = $1
	`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("campaign %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	return c, nil
}

// UpdateStatus moves a campaign to a new status, guarded by the expected
// current status so concurrent transitions cannot race past the table.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("campaign %s is no longer %s", id, from)
	}
	return nil
}

// MarkSendingStarted stamps total_recipients when the fan-out begins.
func (s *Store) MarkSendingStarted(ctx context.Context, id uuid.UUID, from Status, totalRecipients int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sending', total_recipients = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), totalRecipients)
	if err != nil {
		return fmt.Errorf("mark campaign sending: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("campaign %s is no longer %s", id, from)
	}
	return nil
}

// SetTotalRecipients corrects the fan-out denominator after enqueue
// failures, so the completion check stays reachable.
func (s *Store) SetTotalRecipients(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET total_recipients = $2, updated_at = NOW()
		WHERE id = $1
	`, id, total)
	if err != nil {
		return fmt.Errorf("set campaign total recipients: %w", err)
	}
	return nil
}

// UpdateCounters refreshes sent/failed counts; when complete is true the
// campaign also moves to completed and gets its sent_at stamp.
func (s *Store) UpdateCounters(ctx context.Context, id uuid.UUID, sent, failed int64, complete bool) error {
	var err error
	if complete {
		_, err = s.db.ExecContext(ctx, `
			UPDATE campaigns
			SET sent_count = $2, failed_count = $3,
				status = 'completed', sent_at = COALESCE(sent_at, NOW()), updated_at = NOW()
			WHERE id = $1 AND status = 'sending'
		`, id, sent, failed)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE campaigns
			SET sent_count = $2, failed_count = $3, updated_at = NOW()
			WHERE id = $1
		`, id, sent, failed)
	}
	if err != nil {
		return fmt.Errorf("update campaign counters: %w", err)
	}
	return nil
}

// ListDueScheduled returns scheduled campaigns whose send time has arrived.
func (s *Store) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSending returns campaigns currently fanned out, for stats refresh.
func (s *Store) ListSending(ctx context.Context, limit int) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'sending'
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sending: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

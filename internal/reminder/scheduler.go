package reminder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/clubops/mailroom/internal/member"
	"github.com/clubops/mailroom/internal/pkg/logger"
	"github.com/clubops/mailroom/internal/queue"
)

// Event is the slice of the events table the scheduler needs.
type Event struct {
	ID       uuid.UUID
	Title    string
	StartsAt time.Time
	Location string
	GroupIDs []uuid.UUID
}

// RecipientSource expands group ids into deduplicated recipients.
type RecipientSource interface {
	ResolveGroups(ctx context.Context, groupIDs []uuid.UUID) ([]member.Recipient, error)
}

// Queue is the slice of the queue store the scheduler needs.
type Queue interface {
	Enqueue(ctx context.Context, e *queue.Entry, skipDedup bool) (*queue.EnqueueResult, error)
	CancelByEvent(ctx context.Context, eventID uuid.UUID) (int64, error)
}

// Scheduler enqueues event reminders with deterministic dedup keys so that
// re-running it is always safe.
type Scheduler struct {
	db            *sql.DB
	recipients    RecipientSource
	queue         Queue
	batchSize     int
	perEmailDelay time.Duration
	maxRetries    int
	now           func() time.Time
}

// NewScheduler wires the reminder scheduler. batchSize and perEmailDelay
// are the throughput estimate used for backward scheduling.
func NewScheduler(db *sql.DB, recipients RecipientSource, q Queue, batchSize int, perEmailDelay time.Duration, maxRetries int) *Scheduler {
	return &Scheduler{
		db:            db,
		recipients:    recipients,
		queue:         q,
		batchSize:     batchSize,
		perEmailDelay: perEmailDelay,
		maxRetries:    maxRetries,
		now:           time.Now,
	}
}

func (s *Scheduler) loadEvent(ctx context.Context, eventID uuid.UUID) (*Event, error) {
	var ev Event
	var groupIDs pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, starts_at, COALESCE(location, ''), group_ids::text[]
		FROM events WHERE id = $1
	`, eventID).Scan(&ev.ID, &ev.Title, &ev.StartsAt, &ev.Location, &groupIDs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s not found", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	for _, g := range groupIDs {
		id, err := uuid.Parse(g)
		if err != nil {
			continue
		}
		ev.GroupIDs = append(ev.GroupIDs, id)
	}
	return &ev, nil
}

// ScheduleResult summarizes one scheduling pass over an event.
type ScheduleResult struct {
	Enqueued       int
	Duplicates     int
	SkippedOffsets []Offset
}

// ScheduleEvent enqueues all reminder waves for an event. Deterministic
// dedup keys make the call idempotent: pending reminders that already exist
// are recognized and left alone. Offsets whose computed send-start time has
// already passed are skipped outright — a late reminder is worse than no
// reminder.
func (s *Scheduler) ScheduleEvent(ctx context.Context, eventID uuid.UUID) (*ScheduleResult, error) {
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	recipients, err := s.recipients.ResolveGroups(ctx, ev.GroupIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve event recipients: %w", err)
	}
	if len(recipients) == 0 {
		return &ScheduleResult{}, nil
	}

	now := s.now()
	result := &ScheduleResult{}

	for _, offset := range AllOffsets {
		target := ev.StartsAt.Add(-offset.Lead())
		sendStart := ComputeSendStartTime(target, len(recipients), s.batchSize, s.perEmailDelay)

		if sendStart.Before(now) {
			logger.Warn("reminder wave skipped, send window already passed",
				"event_id", ev.ID.String(),
				"offset", string(offset),
				"send_start", sendStart.Format(time.RFC3339))
			result.SkippedOffsets = append(result.SkippedOffsets, offset)
			continue
		}

		for _, rec := range recipients {
			vars := map[string]interface{}{
				"name":           rec.Name,
				"email":          rec.Email,
				"event_title":    ev.Title,
				"event_location": ev.Location,
				"event_starts":   ev.StartsAt.Format(time.RFC3339),
				"reminder_kind":  string(offset),
				"active_member":  rec.Active,
			}
			ctxJSON, _ := json.Marshal(vars)

			res, err := s.queue.Enqueue(ctx, &queue.Entry{
				RecipientEmail: rec.Email,
				RecipientName:  rec.Name,
				Subject:        fmt.Sprintf("Reminder: %s", ev.Title),
				TemplateName:   "event_reminder",
				ContextJSON:    ctxJSON,
				EventID:        uuid.NullUUID{UUID: ev.ID, Valid: true},
				DedupKey: sql.NullString{
					String: queue.ReminderDedupKey(ev.ID, rec.ID, string(offset)),
					Valid:  true,
				},
				ScheduledAt: sendStart,
				Priority:    offset.Priority(),
				MaxRetries:  s.maxRetries,
			}, false)
			if err != nil {
				logger.Error("reminder enqueue failed",
					"event_id", ev.ID.String(), "recipient", rec.Email, "error", err.Error())
				continue
			}
			if res.Duplicate {
				result.Duplicates++
			} else {
				result.Enqueued++
			}
		}
	}

	logger.Info("event reminders scheduled",
		"event_id", ev.ID.String(),
		"enqueued", result.Enqueued,
		"duplicates", result.Duplicates,
		"skipped_offsets", len(result.SkippedOffsets))
	return result, nil
}

// RescheduleEvent handles an event time change: every pending reminder for
// the event is cancelled (structured event_id lookup, never content
// matching), then all waves are recomputed against the new time. Sent rows
// are history and stay untouched.
func (s *Scheduler) RescheduleEvent(ctx context.Context, eventID uuid.UUID) (*ScheduleResult, error) {
	cancelled, err := s.queue.CancelByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	logger.Info("pending reminders cancelled for reschedule",
		"event_id", eventID.String(), "cancelled", cancelled)
	return s.ScheduleEvent(ctx, eventID)
}

// ScheduleUpcoming sweeps events starting within the lookahead window and
// schedules their reminder waves. Idempotent; called from the worker's
// periodic trigger.
func (s *Scheduler) ScheduleUpcoming(ctx context.Context, lookahead time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM events
		WHERE starts_at > NOW()
		  AND starts_at <= NOW() + $1::interval
		ORDER BY starts_at ASC
	`, fmt.Sprintf("%d seconds", int(lookahead.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("list upcoming events: %w", err)
	}
	defer rows.Close()

	var eventIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			continue
		}
		eventIDs = append(eventIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	scheduled := 0
	for _, id := range eventIDs {
		if _, err := s.ScheduleEvent(ctx, id); err != nil {
			logger.Error("event reminder scheduling failed",
				"event_id", id.String(), "error", err.Error())
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

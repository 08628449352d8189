package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clubops/mailroom/internal/member"
	"github.com/clubops/mailroom/internal/pkg/logger"
	"github.com/clubops/mailroom/internal/queue"
)

// ValidationError rejects a campaign operation before any side effect. The
// reason string goes straight back to the admin UI.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsValidation reports whether err is a pre-side-effect rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RecipientSource expands group ids into deduplicated recipients.
type RecipientSource interface {
	ResolveGroups(ctx context.Context, groupIDs []uuid.UUID) ([]member.Recipient, error)
}

// Queue is the slice of the queue store the campaign service needs.
type Queue interface {
	Enqueue(ctx context.Context, e *queue.Entry, skipDedup bool) (*queue.EnqueueResult, error)
	CancelByCampaign(ctx context.Context, campaignID uuid.UUID) (int64, error)
	CampaignCounts(ctx context.Context, campaignID uuid.UUID) (sent, failed int64, err error)
}

// Service drives the campaign state machine.
type Service struct {
	store      *Store
	recipients RecipientSource
	queue      Queue
	maxRetries int
	now        func() time.Time
}

// NewService wires the campaign service.
func NewService(store *Store, recipients RecipientSource, q Queue, defaultMaxRetries int) *Service {
	return &Service{
		store:      store,
		recipients: recipients,
		queue:      q,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
}

// Activate moves a draft campaign into the sendable world. A future
// scheduled_at parks it in scheduled; otherwise it goes ready and is sent
// immediately. Drafts are never directly sendable — this is the only door.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.Status != StatusDraft {
		return nil, &TransitionError{From: c.Status, To: StatusReady}
	}
	if err := s.validateSendable(c, "activate"); err != nil {
		return nil, err
	}

	if err := s.store.UpdateStatus(ctx, c.ID, StatusDraft, StatusReady); err != nil {
		return nil, err
	}
	c.Status = StatusReady

	if c.ScheduledAt.Valid && c.ScheduledAt.Time.After(s.now()) {
		if err := s.store.UpdateStatus(ctx, c.ID, StatusReady, StatusScheduled); err != nil {
			return nil, err
		}
		c.Status = StatusScheduled
		logger.Info("campaign scheduled",
			"campaign_id", c.ID.String(),
			"scheduled_at", c.ScheduledAt.Time.Format(time.RFC3339))
		return c, nil
	}

	return s.Send(ctx, c.ID)
}

// Send fans out one queue entry per resolved recipient. Valid only from
// ready or scheduled.
func (s *Service) Send(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := CheckTransition(c.Status, StatusSending); err != nil {
		return nil, err
	}
	if err := s.validateSendable(c, "send"); err != nil {
		return nil, err
	}

	recipients, err := s.recipients.ResolveGroups(ctx, c.GroupIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve campaign recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, &ValidationError{Reason: "cannot send: recipient groups resolved to zero members"}
	}

	if err := s.store.MarkSendingStarted(ctx, c.ID, c.Status, len(recipients)); err != nil {
		return nil, err
	}
	c.Status = StatusSending
	c.TotalRecipients = len(recipients)

	var baseVars map[string]interface{}
	if len(c.ContentVars) > 0 {
		if err := json.Unmarshal(c.ContentVars, &baseVars); err != nil {
			logger.Warn("campaign content vars unparseable, sending without them",
				"campaign_id", c.ID.String(), "error", err.Error())
		}
	}

	enqueued := 0
	for _, rec := range recipients {
		vars := make(map[string]interface{}, len(baseVars)+4)
		for k, v := range baseVars {
			vars[k] = v
		}
		vars["name"] = rec.Name
		vars["email"] = rec.Email
		vars["member_id"] = rec.ID.String()
		vars["active_member"] = rec.Active

		ctxJSON, _ := json.Marshal(vars)

		_, err := s.queue.Enqueue(ctx, &queue.Entry{
			RecipientEmail: rec.Email,
			RecipientName:  rec.Name,
			Subject:        c.Subject,
			TemplateName:   c.TemplateName,
			ContextJSON:    ctxJSON,
			CampaignID:     uuid.NullUUID{UUID: c.ID, Valid: true},
			ScheduledAt:    s.now(),
			Priority:       queue.PriorityCampaign,
			MaxRetries:     s.maxRetries,
		}, false)
		if err != nil {
			logger.Warn("campaign enqueue failed for recipient",
				"campaign_id", c.ID.String(), "recipient", rec.Email, "error", err.Error())
			continue
		}
		enqueued++
	}

	// Enqueue failures shrink the denominator; otherwise sent+failed
	// could never reach total_recipients and the campaign would sit in
	// sending forever.
	if enqueued < len(recipients) {
		logger.Warn("campaign fan-out incomplete, adjusting total",
			"campaign_id", c.ID.String(),
			"resolved", len(recipients), "enqueued", enqueued)
		if err := s.store.SetTotalRecipients(ctx, c.ID, enqueued); err != nil {
			return nil, err
		}
		c.TotalRecipients = enqueued
	}

	logger.Info("campaign fan-out complete",
		"campaign_id", c.ID.String(), "recipients", enqueued)
	return c, nil
}

// RefreshStats recomputes sent/failed counts from the campaign's queue rows
// and completes the campaign once every recipient reached a terminal state.
func (s *Service) RefreshStats(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sent, failed, err := s.queue.CampaignCounts(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	complete := c.Status == StatusSending &&
		c.TotalRecipients > 0 &&
		sent+failed >= int64(c.TotalRecipients)

	if err := s.store.UpdateCounters(ctx, c.ID, sent, failed, complete); err != nil {
		return nil, err
	}

	c.SentCount = int(sent)
	c.FailedCount = int(failed)
	if complete {
		c.Status = StatusCompleted
		c.SentAt = sql.NullTime{Time: s.now(), Valid: true}
		logger.Info("campaign completed",
			"campaign_id", c.ID.String(), "sent", sent, "failed", failed)
	}
	return c, nil
}

// Cancel withdraws a campaign and soft-cancels its pending queue entries.
// In-flight entries are allowed to complete.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := CheckTransition(c.Status, StatusCancelled); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, c.ID, c.Status, StatusCancelled); err != nil {
		return nil, err
	}
	c.Status = StatusCancelled

	n, err := s.queue.CancelByCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	logger.Info("campaign cancelled", "campaign_id", c.ID.String(), "entries_cancelled", n)
	return c, nil
}

// ProcessDueScheduled sends every scheduled campaign whose time arrived.
// Called from the worker's periodic trigger.
func (s *Service) ProcessDueScheduled(ctx context.Context) (int, error) {
	due, err := s.store.ListDueScheduled(ctx, s.now(), 10)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range due {
		if _, err := s.Send(ctx, c.ID); err != nil {
			logger.Error("scheduled campaign send failed",
				"campaign_id", c.ID.String(), "error", err.Error())
			continue
		}
		sent++
	}
	return sent, nil
}

// RefreshSendingStats sweeps all sending campaigns, completing finished
// ones. Called after each dispatch cycle.
func (s *Service) RefreshSendingStats(ctx context.Context) error {
	sending, err := s.store.ListSending(ctx, 50)
	if err != nil {
		return err
	}
	for _, c := range sending {
		if _, err := s.RefreshStats(ctx, c.ID); err != nil {
			logger.Warn("campaign stats refresh failed",
				"campaign_id", c.ID.String(), "error", err.Error())
		}
	}
	return nil
}

func (s *Service) validateSendable(c *Campaign, op string) error {
	if c.Name == "" {
		return &ValidationError{Reason: fmt.Sprintf("cannot %s: campaign name is empty", op)}
	}
	if c.Subject == "" {
		return &ValidationError{Reason: fmt.Sprintf("cannot %s: campaign subject is empty", op)}
	}
	if len(c.GroupIDs) == 0 {
		return &ValidationError{Reason: fmt.Sprintf("cannot %s: no recipient groups assigned", op)}
	}
	return nil
}

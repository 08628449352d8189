// Package api is the admin control surface and the public consent
// endpoints. Admin routes drive campaigns, the queue, and reminder
// scheduling; the two public routes act on signed consent tokens.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clubops/mailroom/internal/campaign"
	"github.com/clubops/mailroom/internal/consent"
	"github.com/clubops/mailroom/internal/deliverylog"
	"github.com/clubops/mailroom/internal/pkg/logger"
	"github.com/clubops/mailroom/internal/queue"
	"github.com/clubops/mailroom/internal/reminder"
)

// CampaignService drives campaign lifecycle transitions.
type CampaignService interface {
	Activate(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	Send(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	Cancel(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	RefreshStats(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
}

// QueueAdmin is the queue surface the API exposes.
type QueueAdmin interface {
	Enqueue(ctx context.Context, e *queue.Entry, skipDedup bool) (*queue.EnqueueResult, error)
	GetStats(ctx context.Context, now time.Time) (*queue.Stats, error)
	RetryFailed(ctx context.Context, limit int) (int64, error)
	CancelByDedupKey(ctx context.Context, key string) (int64, error)
}

// ReminderAdmin schedules and reschedules event reminder waves.
type ReminderAdmin interface {
	ScheduleEvent(ctx context.Context, eventID uuid.UUID) (*reminder.ScheduleResult, error)
	RescheduleEvent(ctx context.Context, eventID uuid.UUID) (*reminder.ScheduleResult, error)
}

// DeliveryStats aggregates the delivery log.
type DeliveryStats interface {
	Stats(ctx context.Context, hours int) (*deliverylog.Summary, error)
}

// ConsentVerifier checks public consent tokens.
type ConsentVerifier interface {
	Verify(ctx context.Context, token string) (*consent.Verification, error)
}

// MemberConsent applies verified consent actions.
type MemberConsent interface {
	Unsubscribe(ctx context.Context, email string) error
	Deactivate(ctx context.Context, email string) error
}

// Handlers carries the services behind the HTTP surface.
type Handlers struct {
	campaigns CampaignService
	queue     QueueAdmin
	reminders ReminderAdmin
	delivery  DeliveryStats
	consent   ConsentVerifier
	members   MemberConsent
	startedAt time.Time
}

// NewHandlers wires the HTTP handlers.
func NewHandlers(campaigns CampaignService, q QueueAdmin, reminders ReminderAdmin,
	delivery DeliveryStats, consentVerifier ConsentVerifier, members MemberConsent) *Handlers {
	return &Handlers{
		campaigns: campaigns,
		queue:     q,
		reminders: reminders,
		delivery:  delivery,
		consent:   consentVerifier,
		members:   members,
		startedAt: time.Now(),
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("response encode failed", "error", err.Error())
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func parseIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// campaignAction maps service errors onto HTTP statuses shared by all
// three lifecycle endpoints.
func (h *Handlers) campaignAction(w http.ResponseWriter, r *http.Request,
	action func(context.Context, uuid.UUID) (*campaign.Campaign, error)) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	c, err := action(r.Context(), id)
	if err != nil {
		var transitionErr *campaign.TransitionError
		switch {
		case errors.Is(err, sql.ErrNoRows):
			respondError(w, http.StatusNotFound, "campaign not found")
		case errors.As(err, &transitionErr):
			respondError(w, http.StatusConflict, transitionErr.Error())
		case campaign.IsValidation(err):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			logger.Error("campaign action failed", "campaign_id", id.String(), "error", err.Error())
			respondError(w, http.StatusInternalServerError, "campaign action failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// ActivateCampaign validates a draft and moves it to ready, then either
// sends immediately or parks it as scheduled.
func (h *Handlers) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignAction(w, r, h.campaigns.Activate)
}

// SendCampaign starts the fan-out of a ready or scheduled campaign.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignAction(w, r, h.campaigns.Send)
}

// CancelCampaign withdraws a campaign and its pending queue entries.
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignAction(w, r, h.campaigns.Cancel)
}

// GetCampaignStats recomputes and returns a campaign's delivery counters.
func (h *Handlers) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	h.campaignAction(w, r, h.campaigns.RefreshStats)
}

// enqueueRequest is the direct notification payload.
type enqueueRequest struct {
	RecipientEmail string                 `json:"recipient_email"`
	RecipientName  string                 `json:"recipient_name"`
	Subject        string                 `json:"subject"`
	HTMLBody       string                 `json:"html_body"`
	TextBody       string                 `json:"text_body"`
	TemplateName   string                 `json:"template_name"`
	Context        map[string]interface{} `json:"context"`
	DedupKey       string                 `json:"dedup_key"`
	ScheduledAt    *time.Time             `json:"scheduled_at"`
	Priority       int                    `json:"priority"`
	MaxRetries     int                    `json:"max_retries"`
	SkipDedup      bool                   `json:"skip_dedup"`
}

// EnqueueNotification inserts one direct notification into the queue.
func (h *Handlers) EnqueueNotification(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RecipientEmail == "" {
		respondError(w, http.StatusUnprocessableEntity, "recipient_email is required")
		return
	}
	if req.Subject == "" && req.TemplateName == "" {
		respondError(w, http.StatusUnprocessableEntity, "subject or template_name is required")
		return
	}

	e := &queue.Entry{
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		Subject:        req.Subject,
		HTMLBody:       req.HTMLBody,
		TextBody:       req.TextBody,
		TemplateName:   req.TemplateName,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries, // zero falls through to the store default
	}
	if req.Context != nil {
		ctxJSON, err := json.Marshal(req.Context)
		if err != nil {
			respondError(w, http.StatusBadRequest, "context is not serializable")
			return
		}
		e.ContextJSON = ctxJSON
	}
	if req.DedupKey != "" {
		e.DedupKey = sql.NullString{String: req.DedupKey, Valid: true}
	}
	if req.ScheduledAt != nil {
		e.ScheduledAt = *req.ScheduledAt
	}

	res, err := h.queue.Enqueue(r.Context(), e, req.SkipDedup)
	if err != nil {
		logger.Error("direct enqueue failed", "error", err.Error())
		respondError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]interface{}{
		"id":        res.ID.String(),
		"duplicate": res.Duplicate,
	})
}

// CancelNotification cancels the pending entry carrying a dedup key.
func (h *Handlers) CancelNotification(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "dedupKey")
	if key == "" {
		respondError(w, http.StatusBadRequest, "dedup key is required")
		return
	}
	n, err := h.queue.CancelByDedupKey(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

// GetQueueStats returns per-status queue counts.
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.GetStats(r.Context(), time.Now())
	if err != nil {
		logger.Error("queue stats failed", "error", err.Error())
		respondError(w, http.StatusInternalServerError, "queue stats unavailable")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// RetryFailed returns terminal failed entries to pending.
func (h *Handlers) RetryFailed(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	n, err := h.queue.RetryFailed(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

// ScheduleEventReminders enqueues all reminder waves for an event.
func (h *Handlers) ScheduleEventReminders(w http.ResponseWriter, r *http.Request) {
	h.reminderAction(w, r, h.reminders.ScheduleEvent)
}

// RescheduleEventReminders cancels pending reminders and recomputes the
// waves, used after an event time change.
func (h *Handlers) RescheduleEventReminders(w http.ResponseWriter, r *http.Request) {
	h.reminderAction(w, r, h.reminders.RescheduleEvent)
}

func (h *Handlers) reminderAction(w http.ResponseWriter, r *http.Request,
	action func(context.Context, uuid.UUID) (*reminder.ScheduleResult, error)) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	res, err := action(r.Context(), id)
	if err != nil {
		logger.Error("reminder scheduling failed", "event_id", id.String(), "error", err.Error())
		respondError(w, http.StatusInternalServerError, "reminder scheduling failed")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GetDeliveryStats aggregates the delivery log over a trailing window.
func (h *Handlers) GetDeliveryStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	sum, err := h.delivery.Stats(r.Context(), hours)
	if err != nil {
		logger.Error("delivery stats failed", "error", err.Error())
		respondError(w, http.StatusInternalServerError, "delivery stats unavailable")
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// Unsubscribe is the public opt-out endpoint hit from email footers.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.consentAction(w, r, consent.ActionUnsubscribe)
}

// RemoveAccount is the public account-removal endpoint.
func (h *Handlers) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	h.consentAction(w, r, consent.ActionDeleteAccount)
}

func (h *Handlers) consentAction(w http.ResponseWriter, r *http.Request, expected consent.Action) {
	token := chi.URLParam(r, "token")

	v, err := h.consent.Verify(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, consent.ErrTokenExpired):
			respondError(w, http.StatusGone, "this link has expired, please request a new one")
		case errors.Is(err, consent.ErrTokenInvalid), errors.Is(err, consent.ErrUnknownMember):
			respondError(w, http.StatusNotFound, "this link is not valid")
		default:
			logger.Error("consent verification failed", "error", err.Error())
			respondError(w, http.StatusInternalServerError, "could not process this link")
		}
		return
	}
	// A token authorizes exactly the action it was minted for.
	if v.Action != expected {
		respondError(w, http.StatusNotFound, "this link is not valid")
		return
	}

	switch v.Action {
	case consent.ActionUnsubscribe:
		err = h.members.Unsubscribe(r.Context(), v.Email)
	case consent.ActionDeleteAccount:
		err = h.members.Deactivate(r.Context(), v.Email)
	}
	if err != nil {
		logger.Error("consent action failed",
			"action", string(v.Action), "error", err.Error())
		respondError(w, http.StatusInternalServerError, "could not process this link")
		return
	}

	logger.Info("consent action applied", "action", string(v.Action), "email", v.Email)
	respondJSON(w, http.StatusOK, map[string]string{
		"result": fmt.Sprintf("%s confirmed", v.Action),
	})
}

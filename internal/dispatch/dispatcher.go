// Package dispatch drains the notification queue: it claims due entries,
// renders them, pushes them through the primary transport with an SMTP
// fallback, and records every attempt. One RunOnce call is one dispatch
// cycle; overlapping cycles are safe because claiming is atomic.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clubops/mailroom/internal/deliverylog"
	"github.com/clubops/mailroom/internal/pkg/logger"
	"github.com/clubops/mailroom/internal/queue"
	"github.com/clubops/mailroom/internal/template"
	"github.com/clubops/mailroom/internal/transport"
)

// Queue is the slice of the queue store the dispatcher needs.
type Queue interface {
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*queue.Entry, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (queue.Status, error)
	Release(ctx context.Context, id uuid.UUID) error
	GetStats(ctx context.Context, now time.Time) (*queue.Stats, error)
}

// Renderer produces final content from a named template or inline source.
type Renderer interface {
	Render(ctx context.Context, name string, vars map[string]interface{}) (*template.Rendered, error)
	RenderInline(subjectTpl, htmlTpl, textTpl string, vars map[string]interface{}) (*template.Rendered, error)
}

// ConsentLinks issues the per-recipient consent URLs injected into every
// outbound email.
type ConsentLinks interface {
	UnsubscribeURL(baseURL, email string) (string, error)
	RemoveAccountURL(baseURL, email string) (string, error)
}

// DeliveryLog records transport attempts.
type DeliveryLog interface {
	Record(ctx context.Context, a *deliverylog.Attempt) error
}

// CampaignStats refreshes counters of campaigns currently sending.
type CampaignStats interface {
	RefreshSendingStats(ctx context.Context) error
}

// Options is the dispatcher's tuning surface.
type Options struct {
	FromEmail       string
	FromName        string
	ReplyTo         string
	PublicBaseURL   string
	MinBatchSize    int
	MaxBatchSize    int
	Workers         int
	InterSendDelay  time.Duration
	InterBatchPause time.Duration
}

// Dispatcher runs dispatch cycles against the queue.
type Dispatcher struct {
	queue     Queue
	renderer  Renderer
	consent   ConsentLinks
	log       DeliveryLog
	primary   transport.Sender
	secondary transport.Sender
	limiter   Limiter
	campaigns CampaignStats
	opts      Options
	now       func() time.Time
}

// NewDispatcher wires a dispatcher. secondary, limiter, and campaigns may
// be nil; the corresponding behavior is skipped.
func NewDispatcher(q Queue, r Renderer, consent ConsentLinks, log DeliveryLog,
	primary, secondary transport.Sender, limiter Limiter, campaigns CampaignStats, opts Options) *Dispatcher {
	if opts.MinBatchSize <= 0 {
		opts.MinBatchSize = 10
	}
	if opts.MaxBatchSize < opts.MinBatchSize {
		opts.MaxBatchSize = opts.MinBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	return &Dispatcher{
		queue:     q,
		renderer:  r,
		consent:   consent,
		log:       log,
		primary:   primary,
		secondary: secondary,
		limiter:   limiter,
		campaigns: campaigns,
		opts:      opts,
		now:       time.Now,
	}
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Claimed int
	Sent    int
	Retried int
	Failed  int
}

// batchSize adapts to queue depth: a backed-up queue gets the max batch,
// a trickle gets the min.
func (d *Dispatcher) batchSize(due int64) int {
	if due >= int64(d.opts.MaxBatchSize) {
		return d.opts.MaxBatchSize
	}
	if due < int64(d.opts.MinBatchSize) {
		return d.opts.MinBatchSize
	}
	return int(due)
}

// RunOnce executes one dispatch cycle. Entry failures never abort the
// cycle; each entry succeeds or fails on its own.
func (d *Dispatcher) RunOnce(ctx context.Context) (*CycleResult, error) {
	now := d.now()
	stats, err := d.queue.GetStats(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("dispatch cycle: %w", err)
	}
	result := &CycleResult{}
	if stats.Due == 0 {
		return result, nil
	}

	entries, err := d.queue.ClaimDue(ctx, d.batchSize(stats.Due), now)
	if err != nil {
		return nil, fmt.Errorf("dispatch cycle: %w", err)
	}
	result.Claimed = len(entries)
	if len(entries) == 0 {
		return result, nil
	}

	logger.Info("dispatch cycle started",
		"claimed", len(entries), "due", stats.Due, "workers", d.opts.Workers)

	jobs := make(chan *queue.Entry)
	var mu sync.Mutex
	var wg sync.WaitGroup
	campaignTouched := false

	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				outcome := d.processEntry(ctx, e)
				mu.Lock()
				switch outcome {
				case outcomeSent:
					result.Sent++
				case outcomeRetried:
					result.Retried++
				case outcomeFailed:
					result.Failed++
				}
				if e.CampaignID.Valid {
					campaignTouched = true
				}
				mu.Unlock()
				if d.opts.InterSendDelay > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(d.opts.InterSendDelay):
					}
				}
			}
		}()
	}

	for _, e := range entries {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return result, ctx.Err()
		case jobs <- e:
		}
	}
	close(jobs)
	wg.Wait()

	if campaignTouched && d.campaigns != nil {
		if err := d.campaigns.RefreshSendingStats(ctx); err != nil {
			logger.Warn("campaign stats refresh failed after cycle", "error", err.Error())
		}
	}

	logger.Info("dispatch cycle finished",
		"claimed", result.Claimed, "sent", result.Sent,
		"retried", result.Retried, "failed", result.Failed)
	return result, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomeFailed
)

func (d *Dispatcher) processEntry(ctx context.Context, e *queue.Entry) outcome {
	rendered, err := d.render(ctx, e)
	if err != nil {
		// Render problems are content problems, not transport problems.
		// They still consume retry budget so a broken template cannot spin
		// forever.
		return d.fail(ctx, e, fmt.Sprintf("render: %v", err))
	}

	msg := &transport.Message{
		ID:             e.ID.String(),
		RecipientEmail: e.RecipientEmail,
		RecipientName:  e.RecipientName,
		FromEmail:      d.opts.FromEmail,
		FromName:       d.opts.FromName,
		ReplyTo:        d.opts.ReplyTo,
		Subject:        rendered.Subject,
		HTMLBody:       rendered.HTML,
		TextBody:       rendered.Text,
	}
	if msg.Subject == "" {
		msg.Subject = e.Subject
	}
	if e.CampaignID.Valid {
		msg.CampaignID = e.CampaignID.UUID.String()
	}

	if d.limiter != nil {
		if err := WaitAcquire(ctx, d.limiter, 1); err != nil {
			// Shutdown mid-cycle: nothing reached a transport, so the
			// entry goes back to pending without consuming retry budget.
			return d.release(ctx, e)
		}
	}

	res := d.send(ctx, d.primary, msg)
	if !res.Success && d.secondary != nil {
		d.record(ctx, e, msg, res)
		logger.Warn("primary transport failed, trying fallback",
			"entry_id", e.ID.String(), "error", errString(res.Err))
		res = d.send(ctx, d.secondary, msg)
	}
	d.record(ctx, e, msg, res)

	if !res.Success {
		return d.fail(ctx, e, errString(res.Err))
	}

	sentAt := res.SentAt
	if sentAt.IsZero() {
		sentAt = d.now()
	}
	if err := d.queue.MarkSent(ctx, e.ID, sentAt); err != nil {
		logger.Error("mark sent failed", "entry_id", e.ID.String(), "error", err.Error())
	}
	return outcomeSent
}

func (d *Dispatcher) render(ctx context.Context, e *queue.Entry) (*template.Rendered, error) {
	vars := map[string]interface{}{}
	if len(e.ContextJSON) > 0 {
		if err := json.Unmarshal(e.ContextJSON, &vars); err != nil {
			logger.Warn("entry context unparseable, rendering without vars",
				"entry_id", e.ID.String(), "error", err.Error())
			vars = map[string]interface{}{}
		}
	}
	d.injectConsentLinks(e, vars)

	if e.TemplateName != "" {
		return d.renderer.Render(ctx, e.TemplateName, vars)
	}
	return d.renderer.RenderInline(e.Subject, e.HTMLBody, e.TextBody, vars)
}

// injectConsentLinks adds the recipient's consent URLs to the template
// vars. Active members get both links; everyone else gets only the
// account-removal link.
func (d *Dispatcher) injectConsentLinks(e *queue.Entry, vars map[string]interface{}) {
	if d.consent == nil || d.opts.PublicBaseURL == "" {
		return
	}

	active, _ := vars["active_member"].(bool)
	if active {
		if u, err := d.consent.UnsubscribeURL(d.opts.PublicBaseURL, e.RecipientEmail); err == nil {
			vars["unsubscribe_url"] = u
		} else {
			logger.Warn("unsubscribe link issue failed", "entry_id", e.ID.String(), "error", err.Error())
		}
	}
	if u, err := d.consent.RemoveAccountURL(d.opts.PublicBaseURL, e.RecipientEmail); err == nil {
		vars["remove_account_url"] = u
	} else {
		logger.Warn("remove-account link issue failed", "entry_id", e.ID.String(), "error", err.Error())
	}
}

// send normalizes transport errors into a failed Result so fallback and
// bookkeeping see one shape.
func (d *Dispatcher) send(ctx context.Context, s transport.Sender, msg *transport.Message) *transport.Result {
	res, err := s.Send(ctx, msg)
	if err != nil {
		return &transport.Result{Success: false, Transport: s.Name(), Err: err}
	}
	return res
}

func (d *Dispatcher) record(ctx context.Context, e *queue.Entry, msg *transport.Message, res *transport.Result) {
	if d.log == nil {
		return
	}
	a := &deliverylog.Attempt{
		QueueID:        e.ID,
		CampaignID:     e.CampaignID,
		RecipientEmail: e.RecipientEmail,
		Subject:        msg.Subject,
		Transport:      res.Transport,
		Success:        res.Success,
		MessageID:      res.MessageID,
		ErrorMessage:   errString(res.Err),
		Duration:       res.Duration,
	}
	if err := d.log.Record(ctx, a); err != nil {
		logger.Warn("delivery attempt not recorded", "entry_id", e.ID.String(), "error", err.Error())
	}
}

func (d *Dispatcher) release(ctx context.Context, e *queue.Entry) outcome {
	// The cycle context is usually already cancelled here; the release
	// gets its own short deadline so shutdown still puts the entry back.
	// ReleaseStuck is the safety net if even this fails.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.queue.Release(rctx, e.ID); err != nil {
		logger.Error("release errored", "entry_id", e.ID.String(), "error", err.Error())
	}
	return outcomeRetried
}

func (d *Dispatcher) fail(ctx context.Context, e *queue.Entry, reason string) outcome {
	status, err := d.queue.MarkFailed(ctx, e.ID, reason)
	if err != nil {
		logger.Error("mark failed errored", "entry_id", e.ID.String(), "error", err.Error())
		return outcomeFailed
	}
	if status == queue.StatusFailed {
		return outcomeFailed
	}
	return outcomeRetried
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Run loops dispatch cycles until the context ends. A cycle that filled
// its max batch means the queue is backed up; the loop then waits only
// the short inter-batch pause before draining more, instead of the full
// interval.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	for {
		res, err := d.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatch cycle failed", "error", err.Error())
		}

		wait := interval
		if res != nil && res.Claimed >= d.opts.MaxBatchSize && d.opts.InterBatchPause > 0 {
			wait = d.opts.InterBatchPause
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

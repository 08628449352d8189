package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubops/mailroom/internal/deliverylog"
	"github.com/clubops/mailroom/internal/queue"
	"github.com/clubops/mailroom/internal/template"
	"github.com/clubops/mailroom/internal/transport"
)

// fakeQueue hands out a fixed claim set and tracks terminal bookkeeping.
type fakeQueue struct {
	mu       sync.Mutex
	entries  []*queue.Entry
	sent     []uuid.UUID
	failed   map[uuid.UUID]int
	released []uuid.UUID
}

func newFakeQueue(entries []*queue.Entry) *fakeQueue {
	return &fakeQueue{entries: entries, failed: make(map[uuid.UUID]int)}
}

func (f *fakeQueue) GetStats(_ context.Context, _ time.Time) (*queue.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &queue.Stats{Due: int64(len(f.entries))}, nil
}

func (f *fakeQueue) ClaimDue(_ context.Context, limit int, _ time.Time) ([]*queue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.entries) {
		limit = len(f.entries)
	}
	claimed := f.entries[:limit]
	f.entries = f.entries[limit:]
	return claimed, nil
}

func (f *fakeQueue) MarkSent(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeQueue) MarkFailed(_ context.Context, id uuid.UUID, _ string) (queue.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id]++
	if f.failed[id] > 3 {
		return queue.StatusFailed, nil
	}
	return queue.StatusPending, nil
}

func (f *fakeQueue) Release(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

// passRenderer renders inline content verbatim.
type passRenderer struct{}

func (passRenderer) Render(_ context.Context, name string, vars map[string]interface{}) (*template.Rendered, error) {
	if name == "missing" {
		return nil, template.ErrTemplateNotFound
	}
	u, _ := vars["unsubscribe_url"].(string)
	return &template.Rendered{Subject: "from " + name, HTML: "<p>body</p>" + u}, nil
}

func (passRenderer) RenderInline(subject, html, text string, _ map[string]interface{}) (*template.Rendered, error) {
	return &template.Rendered{Subject: subject, HTML: html, Text: text}, nil
}

// scriptedSender succeeds for the first n sends and fails the rest, or
// fails everything when n < 0.
type scriptedSender struct {
	mu       sync.Mutex
	name     string
	succeed  int
	attempts int
}

func (s *scriptedSender) Name() string { return s.name }

func (s *scriptedSender) Send(_ context.Context, _ *transport.Message) (*transport.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.succeed >= 0 && s.attempts <= s.succeed {
		return &transport.Result{Success: true, Transport: s.name, MessageID: fmt.Sprintf("%s-%d", s.name, s.attempts), SentAt: time.Now()}, nil
	}
	return &transport.Result{Success: false, Transport: s.name, Err: errors.New("provider rejected")}, nil
}

type memLog struct {
	mu       sync.Mutex
	attempts []*deliverylog.Attempt
}

func (l *memLog) Record(_ context.Context, a *deliverylog.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

type fakeLinks struct{}

func (fakeLinks) UnsubscribeURL(base, email string) (string, error) {
	return base + "/unsubscribe/tok-" + email, nil
}
func (fakeLinks) RemoveAccountURL(base, email string) (string, error) {
	return base + "/remove-account/tok-" + email, nil
}

func makeEntries(n int) []*queue.Entry {
	entries := make([]*queue.Entry, n)
	for i := range entries {
		entries[i] = &queue.Entry{
			ID:             uuid.New(),
			RecipientEmail: fmt.Sprintf("member%d@club.test", i),
			Subject:        "Hello",
			HTMLBody:       "<p>hi</p>",
			MaxRetries:     3,
		}
	}
	return entries
}

func newTestDispatcher(q Queue, primary, secondary transport.Sender, log DeliveryLog) *Dispatcher {
	return NewDispatcher(q, passRenderer{}, fakeLinks{}, log, primary, secondary, nil, nil, Options{
		FromEmail:     "mailroom@club.test",
		FromName:      "Club Mailroom",
		PublicBaseURL: "https://club.test",
		MinBatchSize:  10,
		MaxBatchSize:  50,
		Workers:       3,
	})
}

func TestRunOnceAllPrimary(t *testing.T) {
	q := newFakeQueue(makeEntries(5))
	primary := &scriptedSender{name: "sparkpost", succeed: 5}
	log := &memLog{}

	res, err := newTestDispatcher(q, primary, nil, log).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, res.Claimed)
	assert.Equal(t, 5, res.Sent)
	assert.Zero(t, res.Retried)
	assert.Zero(t, res.Failed)
	assert.Len(t, q.sent, 5)
	assert.Len(t, log.attempts, 5)
}

func TestRunOnceFallbackPartial(t *testing.T) {
	// Primary rejects everything, fallback delivers 7 of 10. The 7 are
	// sent, the 3 fallback misses go back for retry.
	q := newFakeQueue(makeEntries(10))
	primary := &scriptedSender{name: "sparkpost", succeed: -1}
	secondary := &scriptedSender{name: "smtp", succeed: 7}
	log := &memLog{}

	res, err := newTestDispatcher(q, primary, secondary, log).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, res.Claimed)
	assert.Equal(t, 7, res.Sent)
	assert.Equal(t, 3, res.Retried)
	assert.Zero(t, res.Failed)
	assert.Len(t, q.sent, 7)
	assert.Len(t, q.failed, 3)

	// Every entry logs a failed primary attempt plus a fallback attempt.
	assert.Len(t, log.attempts, 20)
	byTransport := map[string]int{}
	for _, a := range log.attempts {
		byTransport[a.Transport]++
	}
	assert.Equal(t, 10, byTransport["sparkpost"])
	assert.Equal(t, 10, byTransport["smtp"])
}

func TestRunOnceEntryIsolation(t *testing.T) {
	// One broken template must not take down the rest of the batch.
	entries := makeEntries(3)
	entries[1].TemplateName = "missing"
	q := newFakeQueue(entries)
	primary := &scriptedSender{name: "sparkpost", succeed: 99}

	res, err := newTestDispatcher(q, primary, nil, &memLog{}).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 2, primary.attempts, "broken entry never reaches a transport")
}

func TestRunOnceEmptyQueue(t *testing.T) {
	q := newFakeQueue(nil)
	primary := &scriptedSender{name: "sparkpost", succeed: 0}

	res, err := newTestDispatcher(q, primary, nil, &memLog{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Zero(t, primary.attempts)
}

func TestConsentLinksInjected(t *testing.T) {
	e := &queue.Entry{
		ID:             uuid.New(),
		RecipientEmail: "member@club.test",
		TemplateName:   "newsletter",
		ContextJSON:    []byte(`{"active_member":true}`),
		MaxRetries:     3,
	}
	q := newFakeQueue([]*queue.Entry{e})
	primary := &capturingSender{}

	_, err := newTestDispatcher(q, primary, nil, &memLog{}).RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, primary.messages, 1)
	assert.True(t, strings.Contains(primary.messages[0].HTMLBody, "/unsubscribe/tok-member@club.test"))
}

// downLimiter simulates a limiter cut off mid-cycle.
type downLimiter struct{}

func (downLimiter) Acquire(_ context.Context, _ int) (bool, time.Duration, error) {
	return false, 0, errors.New("limiter unavailable")
}

func TestLimiterInterruptReleasesWithoutRetryCost(t *testing.T) {
	entries := makeEntries(2)
	q := newFakeQueue(entries)
	primary := &scriptedSender{name: "sparkpost", succeed: 99}

	d := NewDispatcher(q, passRenderer{}, fakeLinks{}, &memLog{}, primary, nil,
		downLimiter{}, nil, Options{
			FromEmail:     "mailroom@club.test",
			PublicBaseURL: "https://club.test",
			MinBatchSize:  10,
			MaxBatchSize:  50,
			Workers:       2,
		})

	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Retried)
	assert.Len(t, q.released, 2)
	assert.Empty(t, q.failed, "an interrupted entry must not consume retry budget")
	assert.Zero(t, primary.attempts)
}

func TestBatchSizeAdaptsToDepth(t *testing.T) {
	d := newTestDispatcher(newFakeQueue(nil), &scriptedSender{name: "x"}, nil, nil)
	assert.Equal(t, 10, d.batchSize(3), "shallow queue clamps to min")
	assert.Equal(t, 25, d.batchSize(25))
	assert.Equal(t, 50, d.batchSize(4000), "deep queue clamps to max")
}

type capturingSender struct {
	mu       sync.Mutex
	messages []*transport.Message
}

func (c *capturingSender) Name() string { return "capture" }

func (c *capturingSender) Send(_ context.Context, msg *transport.Message) (*transport.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return &transport.Result{Success: true, Transport: "capture", SentAt: time.Now()}, nil
}

package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeFingerprintIsStableAndCaseInsensitiveOnRecipient(t *testing.T) {
	a := ComputeFingerprint("Alex@club.test", "Hello", "<p>hi</p>", "hi")
	b := ComputeFingerprint("alex@club.test ", "Hello", "<p>hi</p>", "hi")
	c := ComputeFingerprint("alex@club.test", "Hello", "<p>hi!</p>", "hi")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestReminderDedupKeyIsDeterministic(t *testing.T) {
	eventID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	memberID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	k1 := ReminderDedupKey(eventID, memberID, "24h")
	k2 := ReminderDedupKey(eventID, memberID, "24h")
	k3 := ReminderDedupKey(eventID, memberID, "1h")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, "reminder:11111111-1111-1111-1111-111111111111:22222222-2222-2222-2222-222222222222:24h", k1)
}

func TestEnqueueReturnsExistingIDOnDedupKeyHit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	existing := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("WHERE status = 'pending' AND dedup_key").
		WithArgs("reminder:e:r:24h").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing))
	mock.ExpectCommit()

	s := NewStore(db)
	res, err := s.Enqueue(context.Background(), &Entry{
		RecipientEmail: "alex@club.test",
		Subject:        "Reminder",
		DedupKey:       sql.NullString{String: "reminder:e:r:24h", Valid: true},
	}, false)
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Equal(t, existing, res.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueInsertsWhenNoDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	// No dedup key, no campaign → content dedup path.
	mock.ExpectQuery("AND subject = ").
		WithArgs("alex@club.test", "Welcome", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO notification_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewStore(db)
	res, err := s.Enqueue(context.Background(), &Entry{
		RecipientEmail: "alex@club.test",
		Subject:        "Welcome",
		HTMLBody:       "<p>hi</p>",
		MaxRetries:     3,
	}, false)
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.NotEqual(t, uuid.Nil, res.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueSkipDedupBypassesLookups(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notification_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewStore(db)
	res, err := s.Enqueue(context.Background(), &Entry{
		RecipientEmail: "alex@club.test",
		Subject:        "Welcome",
	}, true)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueCampaignDedupPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	campaignID := uuid.New()
	existing := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("AND campaign_id = ").
		WithArgs("alex@club.test", campaignID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing))
	mock.ExpectCommit()

	s := NewStore(db)
	res, err := s.Enqueue(context.Background(), &Entry{
		RecipientEmail: "alex@club.test",
		Subject:        "Campaign news",
		CampaignID:     uuid.NullUUID{UUID: campaignID, Valid: true},
	}, false)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, existing, res.ID)
}

func TestEnqueueDefaultsRetryBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notification_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Built the way a direct transactional send arrives: no retry budget
	// set by the caller.
	e := &Entry{
		RecipientEmail: "alex@club.test",
		Subject:        "Welcome",
	}
	s := NewStore(db)
	_, err = s.Enqueue(context.Background(), e, true)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRetries, e.MaxRetries,
		"an unset budget must not make the first failure terminal")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueKeepsExplicitRetryBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO notification_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e := &Entry{
		RecipientEmail: "alex@club.test",
		Subject:        "Welcome",
		MaxRetries:     5,
	}
	s := NewStore(db)
	_, err = s.Enqueue(context.Background(), e, true)
	require.NoError(t, err)
	assert.Equal(t, 5, e.MaxRetries)
}

func TestEnqueueRejectsMissingRecipient(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db)
	_, err = s.Enqueue(context.Background(), &Entry{Subject: "No one home"}, false)
	assert.Error(t, err)
}

func TestMarkFailedRevertsToPendingWithinBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery("SET retry_count = retry_count").
		WithArgs(id, "connection refused").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	s := NewStore(db)
	status, err := s.MarkFailed(context.Background(), id, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
}

func TestMarkFailedTerminalWhenBudgetExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery("SET retry_count = retry_count").
		WithArgs(id, "550 mailbox unavailable").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	s := NewStore(db)
	status, err := s.MarkFailed(context.Background(), id, "550 mailbox unavailable")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestClaimDueScansEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	id1 := uuid.New()
	id2 := uuid.New()

	cols := []string{
		"id", "recipient_email", "recipient_name",
		"subject", "html_body", "text_body",
		"template_name", "context_json",
		"campaign_id", "event_id", "dedup_key",
		"scheduled_at", "priority", "retry_count", "max_retries", "content_fingerprint",
	}
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(id1, "a@club.test", "A", "s1", "<p>1</p>", "1", "", nil, nil, nil, nil, now.Add(-time.Minute), 1, 0, 3, "fp1").
			AddRow(id2, "b@club.test", "B", "s2", "<p>2</p>", "2", "", nil, nil, nil, nil, now, 5, 1, 3, "fp2"))

	s := NewStore(db)
	entries, err := s.ClaimDue(context.Background(), 10, now)
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, StatusSending, entries[0].Status)
	assert.Equal(t, 1, entries[0].Priority)
	assert.Equal(t, "b@club.test", entries[1].RecipientEmail)
}

func TestCancelByEventOnlyTouchesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	eventID := uuid.New()
	mock.ExpectExec("WHERE status = 'pending' AND event_id").
		WithArgs(eventID).
		WillReturnResult(sqlmock.NewResult(0, 4))

	s := NewStore(db)
	n, err := s.CancelByEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestReleaseRevertsClaimWithoutRetryCost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	// The update flips the status back only; retry_count is untouched.
	mock.ExpectExec("SET status = 'pending', updated_at = NOW\\(\\)\\s+WHERE id = \\$1 AND status = 'sending'").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	require.NoError(t, s.Release(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryFailedResetsBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SET status = 'pending', retry_count = 0").
		WithArgs(25).
		WillReturnResult(sqlmock.NewResult(0, 3))

	s := NewStore(db)
	n, err := s.RetryFailed(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestGetStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("FROM notification_queue").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"pending", "sending", "sent", "failed", "cancelled", "due"}).
			AddRow(12, 2, 100, 3, 1, 7))

	s := NewStore(db)
	st, err := s.GetStats(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.Pending)
	assert.Equal(t, int64(7), st.Due)
}

package deliverylog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "gmail.com", DomainOf("skipper@Gmail.com"))
	assert.Equal(t, "club.test", DomainOf("a@b@club.test"))
	assert.Equal(t, "", DomainOf("not-an-email"))
	assert.Equal(t, "", DomainOf("trailing@"))
}

func TestRecordInsertsDerivedDomain(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	a := &Attempt{
		QueueID:        uuid.New(),
		RecipientEmail: "Skipper@Gmail.com",
		Subject:        "Race day",
		Transport:      "sparkpost",
		Success:        true,
		MessageID:      "msg-1",
		Duration:       340 * time.Millisecond,
	}

	mock.ExpectExec("INSERT INTO delivery_log").
		WithArgs(sqlmock.AnyArg(), a.QueueID, a.CampaignID,
			a.RecipientEmail, "gmail.com",
			a.Subject, a.Transport, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(),
			int64(340), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewStore(db).Record(context.Background(), a))
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.False(t, a.AttemptedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsAggregatesWindow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM delivery_log").
		WillReturnRows(sqlmock.NewRows([]string{"count", "delivered", "failed"}).
			AddRow(100, 93, 7))
	mock.ExpectQuery("GROUP BY transport").
		WillReturnRows(sqlmock.NewRows([]string{"transport", "attempts", "delivered", "failed", "avg"}).
			AddRow("sparkpost", 90, 88, 2, 210.5).
			AddRow("smtp", 10, 5, 5, 1800.0))
	mock.ExpectQuery("GROUP BY recipient_domain").
		WillReturnRows(sqlmock.NewRows([]string{"domain", "attempts", "delivered", "failed"}).
			AddRow("gmail.com", 60, 58, 2).
			AddRow("club.test", 40, 35, 5))

	sum, err := NewStore(db).Stats(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, int64(100), sum.Attempts)
	assert.InDelta(t, 93.0, sum.DeliveryRate, 0.01)
	require.Len(t, sum.ByTransport, 2)
	assert.Equal(t, "sparkpost", sum.ByTransport[0].Transport)
	assert.Equal(t, int64(5), sum.ByTransport[1].Failed)
	require.Len(t, sum.ByDomain, 2)
	assert.Equal(t, "gmail.com", sum.ByDomain[0].Domain)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package member

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveGroupsDeduplicatesAcrossGroups(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	groupA := uuid.New()
	groupB := uuid.New()
	shared := uuid.New()
	onlyA := uuid.New()
	onlyB := uuid.New()

	cols := []string{"id", "email", "name", "active"}
	mock.ExpectQuery("SELECT m.id, m.email").
		WithArgs(groupA).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(onlyA, "a@club.test", "A", true).
			AddRow(shared, "shared@club.test", "S", true))
	mock.ExpectQuery("SELECT m.id, m.email").
		WithArgs(groupB).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(shared, "shared@club.test", "S", true).
			AddRow(onlyB, "b@club.test", "B", false))

	r := NewResolver(db)
	recs, err := r.ResolveGroups(context.Background(), []uuid.UUID{groupA, groupB})
	require.NoError(t, err)

	assert.Len(t, recs, 3)
	emails := map[string]bool{}
	for _, rec := range recs {
		emails[rec.Email] = true
	}
	assert.True(t, emails["a@club.test"])
	assert.True(t, emails["b@club.test"])
	assert.True(t, emails["shared@club.test"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("known@club.test").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost@club.test").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	r := NewResolver(db)

	found, err := r.FindByEmail(context.Background(), "known@club.test")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = r.FindByEmail(context.Background(), "ghost@club.test")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUnsubscribeIsIdempotentUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE members SET unsubscribed = true").
		WithArgs("a@club.test").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := NewResolver(db)
	require.NoError(t, r.Unsubscribe(context.Background(), "a@club.test"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

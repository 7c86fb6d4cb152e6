package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestWatchInitialThenDiffs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.UpsertItems(ctx, "", []Fields{{ID: 1, Title: "a"}, {ID: 3, Title: "c"}})
	require.NoError(t, err)

	sub, err := s.Watch(ctx, Query{})
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.Equal(t, EventInitial, ev.Kind)
	assert.Equal(t, []int64{1, 3}, ids(ev.Items))

	_, err = s.UpsertItems(ctx, "", []Fields{{ID: 2, Title: "b"}})
	require.NoError(t, err)

	ev = nextEvent(t, sub)
	assert.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, []int{1}, ev.Insertions)
	assert.Empty(t, ev.Deletions)
	assert.Equal(t, []int64{1, 2, 3}, ids(ev.Items))

	require.NoError(t, s.SetLiked(ctx, 3, true))
	ev = nextEvent(t, sub)
	assert.Equal(t, []int{2}, ev.Modifications)
	assert.True(t, ev.Items[2].IsLiked)
}

func TestWatchLikedView(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.UpsertItems(ctx, "", []Fields{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}})
	require.NoError(t, err)

	sub, err := s.Watch(ctx, Query{LikedOnly: true})
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.Empty(t, ev.Items)

	require.NoError(t, s.SetLiked(ctx, 2, true))
	ev = nextEvent(t, sub)
	assert.Equal(t, []int{0}, ev.Insertions)

	require.NoError(t, s.SetLiked(ctx, 2, false))
	ev = nextEvent(t, sub)
	assert.Equal(t, []int{0}, ev.Deletions)
	assert.Empty(t, ev.Items)
}

func TestWatchCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sub, err := s.Watch(ctx, Query{})
	require.NoError(t, err)
	nextEvent(t, sub)

	sub.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err = s.UpsertItems(ctx, "", []Fields{{ID: 1, Title: "a"}})
	require.NoError(t, err)
}

func TestWatchAfterCloseFails(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Watch(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWatchReportsQueryErrorsAndRecovers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newStore(sqlx.NewDb(db, "sqlite"))

	cols := []string{"id", "title", "year", "rating", "poster_path", "description", "is_liked", "preview_pictures", "updated_at"}
	list := `SELECT .* FROM items ORDER BY id ASC`
	mock.ExpectQuery(list).WillReturnRows(sqlmock.NewRows(cols).AddRow(1, "a", "", "", "", "", false, "[]", 0))
	mock.ExpectQuery(list).WillReturnError(errors.New("database is locked"))
	mock.ExpectQuery(list).WillReturnRows(sqlmock.NewRows(cols).
		AddRow(1, "a", "", "", "", "", false, "[]", 0).
		AddRow(2, "b", "", "", "", "", false, "[]", 0))

	sub, err := s.Watch(context.Background(), Query{})
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.Equal(t, EventInitial, ev.Kind)
	assert.Equal(t, []int64{1}, ids(ev.Items))

	s.notify()
	ev = nextEvent(t, sub)
	assert.Equal(t, EventError, ev.Kind)
	assert.ErrorContains(t, ev.Err, "database is locked")
	assert.Nil(t, ev.Items)

	// The next write diffs against the last good snapshot.
	s.notify()
	ev = nextEvent(t, sub)
	assert.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, []int{1}, ev.Insertions)
	assert.Equal(t, []int64{1, 2}, ids(ev.Items))

	assert.NoError(t, mock.ExpectationsWereMet())
}

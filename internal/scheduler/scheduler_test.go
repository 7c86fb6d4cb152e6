package scheduler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/internal/syncer"
	"github.com/elonfeng/filmcache/pkg/alert"
	"github.com/elonfeng/filmcache/pkg/catalog"
)

type fakeCatalog struct {
	mu    sync.Mutex
	pages map[catalog.Category]map[int][]catalog.Movie
	fail  map[catalog.Category]error
	total int
}

func (f *fakeCatalog) FetchCategory(ctx context.Context, cat catalog.Category, page int) (*catalog.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[cat]; err != nil {
		return nil, err
	}
	return &catalog.Page{Page: page, TotalPages: f.total, Results: f.pages[cat][page]}, nil
}

func (f *fakeCatalog) Search(ctx context.Context, query string, page int) (*catalog.Page, error) {
	return &catalog.Page{Page: page}, nil
}

func (f *fakeCatalog) Images(ctx context.Context, id int64, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeCatalog) Videos(ctx context.Context, id int64) ([]catalog.Trailer, error) {
	return nil, nil
}

func (f *fakeCatalog) ImageBaseURL() string { return "https://img.test" }

func movie(id int64, title string) catalog.Movie {
	return catalog.Movie{ID: id, Title: title, ReleaseDate: "2019-01-01", VoteAverage: 7}
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "films.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRefreshLoadsRequestedPages(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	fc := &fakeCatalog{total: 3, pages: map[catalog.Category]map[int][]catalog.Movie{
		catalog.Popular: {
			1: {movie(1, "a"), movie(2, "b")},
			2: {movie(3, "c")},
			3: {movie(4, "d")},
		},
	}}
	p := syncer.NewCategoryPager(fc, st, catalog.Popular, syncer.Options{})

	sum, err := Refresh(ctx, p, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 3, sum.Fetched)
	assert.ElementsMatch(t, []int64{1, 2, 3}, sum.Inserted)
	assert.True(t, sum.HasMore)

	// A second refresh starts over from page 1 and finds nothing new.
	sum, err = Refresh(ctx, p, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Pages)
	assert.Equal(t, []int64{4}, sum.Inserted)
	assert.Equal(t, 3, sum.Updated)
	assert.False(t, sum.HasMore)
}

func TestSyncAllAnnouncesNewTitles(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	var (
		mu     sync.Mutex
		bodies [][]byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		mu.Unlock()
	}))
	defer srv.Close()

	fc := &fakeCatalog{
		total: 1,
		pages: map[catalog.Category]map[int][]catalog.Movie{
			catalog.Popular:  {1: {movie(1, "Dune")}},
			catalog.Upcoming: {1: {movie(2, "Arrival")}},
		},
		fail: map[catalog.Category]error{catalog.TopRated: errors.New("boom")},
	}
	reg := syncer.NewRegistry(fc, st, []catalog.Category{catalog.Popular, catalog.TopRated, catalog.Upcoming}, syncer.Options{})
	mgr := alert.NewManager([]alert.Notifier{alert.NewWebhook(srv.URL, "")})

	sums := New(st, reg, mgr, 0, 1).SyncAll(ctx)
	require.Len(t, sums, 2)
	assert.Equal(t, "popular", sums[0].Source)
	assert.Equal(t, "upcoming", sums[1].Source)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	var got alert.Notification
	require.NoError(t, json.Unmarshal(bodies[0], &got))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "Dune", got.Items[0].Title)
}

func TestSyncAllQuietWhenNothingNew(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	fc := &fakeCatalog{total: 1, pages: map[catalog.Category]map[int][]catalog.Movie{
		catalog.Popular: {1: {movie(1, "Dune")}},
	}}
	reg := syncer.NewRegistry(fc, st, []catalog.Category{catalog.Popular}, syncer.Options{})
	s := New(st, reg, alert.NewManager([]alert.Notifier{alert.NewWebhook(srv.URL, "")}), 0, 1)

	s.SyncAll(ctx)
	s.SyncAll(ctx)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReplacingSyncKeepsOtherCategoriesAndLaterPages(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	fc := &fakeCatalog{total: 2, pages: map[catalog.Category]map[int][]catalog.Movie{
		catalog.Popular:  {1: {movie(1, "a"), movie(2, "b")}, 2: {movie(3, "c")}},
		catalog.TopRated: {1: {movie(3, "c"), movie(4, "d")}, 2: {movie(5, "e")}},
	}}
	reg := syncer.NewRegistry(fc, st, []catalog.Category{catalog.Popular, catalog.TopRated},
		syncer.Options{ReplaceOnRefresh: true})
	s := New(st, reg, alert.NewManager([]alert.Notifier{alert.NewWebhook(srv.URL, "")}), 0, 2)

	sums := s.SyncAll(ctx)
	require.Len(t, sums, 2)
	assert.ElementsMatch(t, []int64{1, 2, 3}, sums[0].Inserted)
	assert.ElementsMatch(t, []int64{4, 5}, sums[1].Inserted)
	assert.Equal(t, int32(2), calls.Load())

	for i := 0; i < 2; i++ {
		sums = s.SyncAll(ctx)
		require.Len(t, sums, 2)
		for _, sum := range sums {
			assert.Empty(t, sum.Inserted, sum.Source)
			assert.Zero(t, sum.Deleted, sum.Source)
		}
	}
	assert.Equal(t, int32(2), calls.Load())

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// 1 leaves popular for good, 3 leaves popular but stays top rated.
	fc.mu.Lock()
	fc.pages[catalog.Popular] = map[int][]catalog.Movie{1: {movie(2, "b")}, 2: {movie(6, "f")}}
	fc.mu.Unlock()

	sums = s.SyncAll(ctx)
	require.Len(t, sums, 2)
	assert.Equal(t, []int64{6}, sums[0].Inserted)
	assert.Equal(t, 1, sums[0].Deleted)

	_, err = st.GetItem(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetItem(ctx, 3)
	assert.NoError(t, err)
	n, err = st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := openStore(t)
	fc := &fakeCatalog{}
	reg := syncer.NewRegistry(fc, st, []catalog.Category{catalog.Popular}, syncer.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(st, reg, nil, 0, 1).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

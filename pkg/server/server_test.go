package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/internal/syncer"
	"github.com/elonfeng/filmcache/pkg/catalog"
)

type fakeCatalog struct {
	mu      sync.Mutex
	pages   map[int][]catalog.Movie
	total   int
	fail    error
	block   chan struct{}
	entered chan struct{}
	search  []catalog.Movie
	images  []string
	videos  []catalog.Trailer
}

func (f *fakeCatalog) FetchCategory(ctx context.Context, cat catalog.Category, page int) (*catalog.Page, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &catalog.Page{Page: page, TotalPages: f.total, Results: f.pages[page]}, nil
}

func (f *fakeCatalog) Search(ctx context.Context, query string, page int) (*catalog.Page, error) {
	return &catalog.Page{Page: page, TotalPages: 2, TotalResults: 21, Results: f.search}, nil
}

func (f *fakeCatalog) Images(ctx context.Context, id int64, limit int) ([]string, error) {
	return f.images, nil
}

func (f *fakeCatalog) Videos(ctx context.Context, id int64) ([]catalog.Trailer, error) {
	return f.videos, nil
}

func (f *fakeCatalog) ImageBaseURL() string { return "https://img.test" }

func movie(id int64, title string) catalog.Movie {
	return catalog.Movie{ID: id, Title: title, ReleaseDate: "2021-10-22", VoteAverage: 7.84}
}

type fixture struct {
	srv   *httptest.Server
	store *store.SQLiteStore
	fc    *fakeCatalog
}

func newFixture(t *testing.T, fc *fakeCatalog) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "films.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := syncer.NewRegistry(fc, st, []catalog.Category{catalog.Popular}, syncer.Options{})
	srv := httptest.NewServer(New(st, fc, reg, 3, 0).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, fc: fc}
}

func (f *fixture) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return resp.StatusCode, out
}

func (f *fixture) seed(t *testing.T, ids ...int64) {
	t.Helper()
	fields := make([]store.Fields, len(ids))
	for i, id := range ids {
		fields[i] = store.Fields{ID: id, Title: "Movie"}
	}
	_, err := f.store.UpsertItems(context.Background(), "", fields)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &fakeCatalog{})
	code, body := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestItemsAndLikes(t *testing.T) {
	f := newFixture(t, &fakeCatalog{})
	f.seed(t, 1, 2, 3)

	code, body := f.do(t, http.MethodGet, "/api/v1/items?limit=2")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])

	code, _ = f.do(t, http.MethodPut, "/api/v1/items/2/like")
	assert.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/items?liked=true")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = f.do(t, http.MethodGet, "/api/v1/items/2")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_liked"])

	code, _ = f.do(t, http.MethodDelete, "/api/v1/items/2/like")
	assert.Equal(t, http.StatusOK, code)
	it, err := f.store.GetItem(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, it.IsLiked)
}

func TestItemErrors(t *testing.T) {
	f := newFixture(t, &fakeCatalog{})

	code, _ := f.do(t, http.MethodGet, "/api/v1/items/99")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPut, "/api/v1/items/99/like")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/items/abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/items?liked=maybe")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSyncEndpoint(t *testing.T) {
	fc := &fakeCatalog{total: 1, pages: map[int][]catalog.Movie{1: {movie(10, "Dune")}}}
	f := newFixture(t, fc)

	code, body := f.do(t, http.MethodPost, "/api/v1/sync/popular")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["fetched"])
	assert.Equal(t, false, body["has_more"])

	code, body = f.do(t, http.MethodPost, "/api/v1/sync/popular")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["has_more"])

	code, body = f.do(t, http.MethodPost, "/api/v1/sync/popular?reset=true")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["page"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/sync/trending")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/sync/upcoming")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/sync")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
}

func TestSyncMapsCatalogFailure(t *testing.T) {
	fc := &fakeCatalog{fail: &catalog.StatusError{Code: 503, Endpoint: "popular"}}
	f := newFixture(t, fc)

	code, body := f.do(t, http.MethodPost, "/api/v1/sync/popular")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body["error"], "503")
}

func TestSyncConcurrentTriggerConflicts(t *testing.T) {
	fc := &fakeCatalog{
		total:   2,
		pages:   map[int][]catalog.Movie{1: {movie(1, "a")}},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	f := newFixture(t, fc)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(f.srv.URL+"/api/v1/sync/popular", "application/json", nil)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-fc.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never reached the catalog")
	}

	code, _ := f.do(t, http.MethodPost, "/api/v1/sync/popular")
	assert.Equal(t, http.StatusConflict, code)

	close(fc.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestDetailsAndTrailers(t *testing.T) {
	fc := &fakeCatalog{
		images: []string{"https://img.test/a.jpg"},
		videos: []catalog.Trailer{{ID: "v1", Key: "k1", Name: "Trailer", Site: "YouTube", Type: "Trailer"}},
	}
	f := newFixture(t, fc)
	f.seed(t, 5)

	code, body := f.do(t, http.MethodPost, "/api/v1/items/5/details")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["preview_pictures"], 1)

	code, body = f.do(t, http.MethodGet, "/api/v1/items/5/trailers")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/items/6/details")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSearchStoresResults(t *testing.T) {
	fc := &fakeCatalog{search: []catalog.Movie{movie(7, "Arrival")}}
	f := newFixture(t, fc)

	code, body := f.do(t, http.MethodGet, "/api/v1/search?q=arrival")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, true, body["has_more"])

	it, err := f.store.GetItem(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "2021", it.Year)
	assert.Equal(t, "7.8", it.Rating)

	code, _ = f.do(t, http.MethodGet, "/api/v1/search")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/search?q=x&page=0")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWatchStreamsEvents(t *testing.T) {
	f := newFixture(t, &fakeCatalog{})
	f.seed(t, 1, 2)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() watchMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m watchMessage
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	m := read()
	assert.Equal(t, "initial", m.Type)
	assert.Len(t, m.Items, 2)

	require.NoError(t, f.store.SetLiked(context.Background(), 2, true))
	m = read()
	assert.Equal(t, "update", m.Type)
	assert.Equal(t, []int{1}, m.Modifications)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(store.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(syncer.ErrBusy))
	assert.Equal(t, http.StatusBadGateway, statusFor(catalog.ErrCircuitOpen))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}

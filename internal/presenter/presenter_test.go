package presenter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/internal/syncer"
)

type fakeLoader struct {
	mu      sync.Mutex
	calls   int
	canLoad bool
	err     error
}

func (f *fakeLoader) LoadNext(ctx context.Context) (syncer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return syncer.Result{}, f.err
}

func (f *fakeLoader) CanLoad() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canLoad
}

func (f *fakeLoader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) Render(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) last() (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return Change{}, false
	}
	return r.changes[len(r.changes)-1], true
}

func setup(t *testing.T, n int) (*store.SQLiteStore, *recorder) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "films.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fields := make([]store.Fields, n)
	for i := range fields {
		fields[i] = store.Fields{ID: int64(i + 1), Title: "Movie"}
	}
	fields[0].Title = "Alien"
	if n > 0 {
		_, err = st.UpsertItems(context.Background(), "", fields)
		require.NoError(t, err)
	}
	return st, &recorder{}
}

func waitRows(t *testing.T, p *Presenter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Rows()) == n }, 5*time.Second, 5*time.Millisecond)
}

func TestStartRendersInitialSnapshot(t *testing.T) {
	st, rec := setup(t, 3)
	p := New(st, nil, Options{Render: rec.Render})
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	waitRows(t, p, 3)
	c, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, store.EventInitial, c.Kind)
}

func TestFilterRebuildsQuery(t *testing.T) {
	ctx := context.Background()
	st, rec := setup(t, 4)
	p := New(st, nil, Options{Render: rec.Render})
	require.NoError(t, p.Start(ctx))
	defer p.Close()
	waitRows(t, p, 4)

	require.NoError(t, p.SetFilter(ctx, Filter{Text: "ali"}))
	waitRows(t, p, 1)
	assert.Equal(t, "Alien", p.Rows()[0].Title)

	require.NoError(t, p.SetFilter(ctx, Filter{LikedOnly: true}))
	waitRows(t, p, 0)

	_, err := p.ToggleLike(ctx, 2)
	require.NoError(t, err)
	waitRows(t, p, 1)
	assert.Equal(t, int64(2), p.Rows()[0].ID)

	c, _ := rec.last()
	assert.True(t, c.Filter.LikedOnly)
	assert.Equal(t, []int{0}, c.Insertions)
}

func TestQueryErrorKeepsLastRows(t *testing.T) {
	ctx := context.Background()
	st, rec := setup(t, 2)
	p := New(st, nil, Options{Render: rec.Render})
	require.NoError(t, p.Start(ctx))
	defer p.Close()
	waitRows(t, p, 2)

	p.mu.Lock()
	gen, f := p.gen, p.filter
	p.mu.Unlock()

	locked := errors.New("database is locked")
	p.apply(gen, f, store.Event{Kind: store.EventError, Err: locked})

	assert.Len(t, p.Rows(), 2)
	c, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, store.EventError, c.Kind)
	assert.ErrorIs(t, c.Err, locked)
	assert.Len(t, c.Rows, 2)

	// Errors from a query that a filter change already replaced are dropped.
	require.NoError(t, p.SetFilter(ctx, Filter{Text: "ali"}))
	waitRows(t, p, 1)
	p.apply(gen, f, store.Event{Kind: store.EventError, Err: locked})
	c, _ = rec.last()
	assert.NotEqual(t, store.EventError, c.Kind)
	assert.Equal(t, "ali", c.Filter.Text)
	assert.Len(t, p.Rows(), 1)
}

func TestToggleLikeProducesModification(t *testing.T) {
	ctx := context.Background()
	st, rec := setup(t, 2)
	p := New(st, nil, Options{Render: rec.Render})
	require.NoError(t, p.Start(ctx))
	defer p.Close()
	waitRows(t, p, 2)

	liked, err := p.ToggleLike(ctx, 2)
	require.NoError(t, err)
	assert.True(t, liked)

	require.Eventually(t, func() bool {
		c, _ := rec.last()
		return c.Kind == store.EventUpdate && len(c.Modifications) == 1
	}, 5*time.Second, 5*time.Millisecond)

	c, _ := rec.last()
	assert.Equal(t, []int{1}, c.Modifications)
	assert.True(t, p.Rows()[1].IsLiked)
}

func TestScrolledNearBottomLoads(t *testing.T) {
	ctx := context.Background()
	st, _ := setup(t, 10)
	loader := &fakeLoader{canLoad: true}
	p := New(st, loader, Options{Threshold: 3})
	require.NoError(t, p.Start(ctx))
	defer p.Close()
	waitRows(t, p, 10)

	loaded, err := p.Scrolled(ctx, 2)
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 0, loader.Calls())

	loaded, err = p.Scrolled(ctx, 7)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 1, loader.Calls())
}

func TestScrolledSkipsWhenIdleNotPossible(t *testing.T) {
	ctx := context.Background()
	st, _ := setup(t, 2)
	loader := &fakeLoader{canLoad: false}
	p := New(st, loader, Options{})
	require.NoError(t, p.Start(ctx))
	defer p.Close()
	waitRows(t, p, 2)

	loaded, err := p.Scrolled(ctx, 1)
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 0, loader.Calls())

	loader.canLoad = true
	require.NoError(t, p.SetFilter(ctx, Filter{Text: "movie"}))
	loaded, err = p.Scrolled(ctx, 1)
	require.NoError(t, err)
	assert.False(t, loaded, "filtered lists do not page")
}

func TestScrolledSurfacesFailures(t *testing.T) {
	ctx := context.Background()
	st, _ := setup(t, 1)
	boom := errors.New("catalog down")

	loader := &fakeLoader{canLoad: true, err: boom}
	p := New(st, loader, Options{})
	require.NoError(t, p.Start(ctx))
	defer p.Close()
	waitRows(t, p, 1)

	_, err := p.Scrolled(ctx, 0)
	assert.ErrorIs(t, err, boom)

	loader.err = syncer.ErrBusy
	loaded, err := p.Scrolled(ctx, 0)
	assert.NoError(t, err)
	assert.False(t, loaded)
}

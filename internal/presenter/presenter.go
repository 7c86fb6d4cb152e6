// Package presenter is a headless list view-model over a live store query.
package presenter

import (
	"context"
	"errors"
	"sync"

	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/internal/syncer"
)

const DefaultThreshold = 5

// Loader fetches further pages on demand.
type Loader interface {
	LoadNext(ctx context.Context) (syncer.Result, error)
	CanLoad() bool
}

// Filter narrows the rows shown.
type Filter struct {
	Text      string
	LikedOnly bool
}

// Active reports whether any filter is applied.
func (f Filter) Active() bool { return f.Text != "" || f.LikedOnly }

// Change is delivered to the renderer for every store event.
type Change struct {
	Kind   store.EventKind
	Rows   []store.Item
	Filter Filter
	store.ChangeSet
	Err error
}

// Options configure a Presenter.
type Options struct {
	// Threshold is how many rows from the end a scroll must reach before
	// the next page is requested.
	Threshold int
	Render    func(Change)
}

// Presenter keeps the visible rows in sync with the store.
type Presenter struct {
	store store.Store
	opts  Options

	mu     sync.Mutex
	loader Loader
	filter Filter
	rows   []store.Item
	sub    *store.Subscription
	gen    uint64
	wg     sync.WaitGroup
}

// New creates a presenter. loader may be nil for local-only lists.
func New(st store.Store, loader Loader, opts Options) *Presenter {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Render == nil {
		opts.Render = func(Change) {}
	}
	return &Presenter{store: st, loader: loader, opts: opts}
}

// Start subscribes with the current filter.
func (p *Presenter) Start(ctx context.Context) error {
	p.mu.Lock()
	f := p.filter
	p.mu.Unlock()
	return p.subscribe(ctx, f)
}

// SetFilter swaps the live query for one matching f.
func (p *Presenter) SetFilter(ctx context.Context, f Filter) error {
	return p.subscribe(ctx, f)
}

// SetLoader switches the page source used by Scrolled.
func (p *Presenter) SetLoader(l Loader) {
	p.mu.Lock()
	p.loader = l
	p.mu.Unlock()
}

func (p *Presenter) subscribe(ctx context.Context, f Filter) error {
	sub, err := p.store.Watch(ctx, store.Query{LikedOnly: f.LikedOnly, TitleContains: f.Text})
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.sub
	p.gen++
	gen := p.gen
	p.sub = sub
	p.filter = f
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range sub.Events() {
			p.apply(gen, f, ev)
		}
	}()
	return nil
}

func (p *Presenter) apply(gen uint64, f Filter, ev store.Event) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	if ev.Kind != store.EventError {
		p.rows = ev.Items
	}
	rows := p.rows
	p.mu.Unlock()

	p.opts.Render(Change{Kind: ev.Kind, Rows: rows, Filter: f, ChangeSet: ev.ChangeSet, Err: ev.Err})
}

// Rows returns the current snapshot.
func (p *Presenter) Rows() []store.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.Item, len(p.rows))
	copy(out, p.rows)
	return out
}

// Filter returns the active filter.
func (p *Presenter) Filter() Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}

// Scrolled reports that row index became visible. Near the end of an
// unfiltered list it loads the next page and returns true. Busy or
// exhausted sources are not errors; fetch failures are returned.
func (p *Presenter) Scrolled(ctx context.Context, index int) (bool, error) {
	p.mu.Lock()
	n := len(p.rows)
	f := p.filter
	loader := p.loader
	p.mu.Unlock()

	if loader == nil || f.Active() || n-index > p.opts.Threshold {
		return false, nil
	}
	if !loader.CanLoad() {
		return false, nil
	}

	_, err := loader.LoadNext(ctx)
	if errors.Is(err, syncer.ErrBusy) || errors.Is(err, syncer.ErrExhausted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ToggleLike flips the liked flag of one item. The row update arrives as a
// Modifications change.
func (p *Presenter) ToggleLike(ctx context.Context, id int64) (bool, error) {
	return p.store.ToggleLiked(ctx, id)
}

// Close stops the live query and waits for the event loop to exit.
func (p *Presenter) Close() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.gen++
	p.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	p.wg.Wait()
}

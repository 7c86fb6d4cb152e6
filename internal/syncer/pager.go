// Package syncer mirrors catalog pages into the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/elonfeng/filmcache/internal/logging"
	"github.com/elonfeng/filmcache/internal/metrics"
	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/pkg/catalog"
)

var (
	ErrBusy      = errors.New("page fetch already in progress")
	ErrExhausted = errors.New("no more pages")
)

// Catalog is the subset of the catalog client the syncer uses.
type Catalog interface {
	FetchCategory(ctx context.Context, cat catalog.Category, page int) (*catalog.Page, error)
	Search(ctx context.Context, query string, page int) (*catalog.Page, error)
	Images(ctx context.Context, id int64, limit int) ([]string, error)
	Videos(ctx context.Context, id int64) ([]catalog.Trailer, error)
	ImageBaseURL() string
}

// FetchFunc loads one page from the remote catalog.
type FetchFunc func(ctx context.Context, page int) (*catalog.Page, error)

// Options tune how a pager writes into the store.
type Options struct {
	// ReplaceOnRefresh prunes unliked rows of this source missing from a
	// fresh page 1.
	ReplaceOnRefresh bool
	// Source tags stored rows and labels metrics. Defaults to the pager name.
	Source string
}

// SearchSource tags rows written from search results.
const SearchSource = "search"

// State is a snapshot of a pager.
type State struct {
	Source  string `json:"source"`
	Page    int    `json:"page"`
	Loading bool   `json:"loading"`
	HasMore bool   `json:"has_more"`
}

// Result describes one successful page load.
type Result struct {
	Source  string `json:"source"`
	Page    int    `json:"page"`
	Fetched int    `json:"fetched"`
	HasMore bool   `json:"has_more"`
	store.UpsertResult
}

// Pager walks a paginated source one page at a time:
// Idle -> Loading -> Idle, advancing the page counter only on success.
type Pager struct {
	name      string
	source    string
	fetch     FetchFunc
	store     store.Store
	imageBase string
	opts      Options

	mu      sync.Mutex
	page    int
	loading bool
	hasMore bool
}

// New creates a pager over an arbitrary fetch function.
func New(name string, fetch FetchFunc, st store.Store, imageBase string, opts Options) *Pager {
	source := opts.Source
	if source == "" {
		source = name
	}
	return &Pager{
		name:      name,
		source:    source,
		fetch:     fetch,
		store:     st,
		imageBase: imageBase,
		opts:      opts,
		hasMore:   true,
	}
}

// NewCategoryPager pages through one listing category.
func NewCategoryPager(c Catalog, st store.Store, cat catalog.Category, opts Options) *Pager {
	fetch := func(ctx context.Context, page int) (*catalog.Page, error) {
		return c.FetchCategory(ctx, cat, page)
	}
	opts.Source = cat.String()
	return New(cat.String(), fetch, st, c.ImageBaseURL(), opts)
}

// NewSearchPager pages through search results. Search never prunes.
func NewSearchPager(c Catalog, st store.Store, query string) *Pager {
	fetch := func(ctx context.Context, page int) (*catalog.Page, error) {
		return c.Search(ctx, query, page)
	}
	return New("search:"+query, fetch, st, c.ImageBaseURL(), Options{Source: SearchSource})
}

func (p *Pager) Name() string { return p.name }

// Source is the tag written with every stored row and the metrics label.
func (p *Pager) Source() string { return p.source }

// State returns the current pager state.
func (p *Pager) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{Source: p.name, Page: p.page, Loading: p.loading, HasMore: p.hasMore}
}

// CanLoad reports whether LoadNext would start a fetch right now.
func (p *Pager) CanLoad() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.loading && p.hasMore
}

// Reset rewinds to before page 1.
func (p *Pager) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loading {
		return ErrBusy
	}
	p.page = 0
	p.hasMore = true
	return nil
}

// LoadNext fetches and stores the next page. It returns ErrBusy while
// another load is running and ErrExhausted once the source ran dry.
func (p *Pager) LoadNext(ctx context.Context) (Result, error) {
	return p.loadNext(ctx, p.opts.ReplaceOnRefresh)
}

// SweepResult is the result of a multi-page walk.
type SweepResult struct {
	Pages   []Result
	Deleted []int64
}

// Sweep restarts from page 1 and loads up to pages pages. With
// ReplaceOnRefresh the prune runs once after a complete walk against every
// loaded page, so rows on later pages are never dropped and inserted again.
func (p *Pager) Sweep(ctx context.Context, pages int) (SweepResult, error) {
	var sw SweepResult
	if err := p.Reset(); err != nil {
		return sw, err
	}

	var keep []int64
	for i := 0; i < pages; i++ {
		res, err := p.loadNext(ctx, false)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if err != nil {
			return sw, err
		}
		sw.Pages = append(sw.Pages, res)
		keep = append(keep, res.Inserted...)
		keep = append(keep, res.Updated...)
	}

	if p.opts.ReplaceOnRefresh && len(keep) > 0 {
		deleted, err := p.store.PruneSource(ctx, p.source, keep)
		if err != nil {
			return sw, fmt.Errorf("prune %s: %w", p.source, err)
		}
		sw.Deleted = deleted
	}
	return sw, nil
}

func (p *Pager) loadNext(ctx context.Context, replace bool) (Result, error) {
	p.mu.Lock()
	if p.loading {
		p.mu.Unlock()
		return Result{}, ErrBusy
	}
	if !p.hasMore {
		p.mu.Unlock()
		return Result{}, ErrExhausted
	}
	p.loading = true
	next := p.page + 1
	p.mu.Unlock()

	res, total, err := p.load(ctx, next, replace)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false

	if err != nil {
		metrics.PageFailures.WithLabelValues(p.source).Inc()
		logging.Warn().Err(err).Str("source", p.name).Int("page", next).Msg("page fetch failed")
		return Result{Source: p.name, Page: next, HasMore: p.hasMore}, fmt.Errorf("load %s page %d: %w", p.name, next, err)
	}

	p.page = next
	if res.Fetched == 0 || (total > 0 && next >= total) {
		p.hasMore = false
	}
	res.HasMore = p.hasMore

	metrics.PagesSynced.WithLabelValues(p.source).Inc()
	logging.Debug().Str("source", p.name).Int("page", next).Int("fetched", res.Fetched).
		Int("inserted", len(res.Inserted)).Bool("has_more", p.hasMore).Msg("page stored")
	return res, nil
}

func (p *Pager) load(ctx context.Context, page int, replace bool) (Result, int, error) {
	res := Result{Source: p.name, Page: page}

	pg, err := p.fetch(ctx, page)
	if err != nil {
		return res, 0, err
	}
	res.Fetched = len(pg.Results)
	if res.Fetched == 0 {
		return res, pg.TotalPages, nil
	}

	fields := make([]store.Fields, len(pg.Results))
	for i, m := range pg.Results {
		fields[i] = ToFields(m, p.imageBase)
	}

	write := p.store.UpsertItems
	if page == 1 && replace {
		write = p.store.RefreshItems
	}
	res.UpsertResult, err = write(ctx, p.source, fields)
	if err != nil {
		return res, 0, err
	}
	return res, pg.TotalPages, nil
}

// ToFields maps a catalog result onto the server-derived item fields.
func ToFields(m catalog.Movie, imageBase string) store.Fields {
	return store.Fields{
		ID:          m.ID,
		Title:       m.DisplayTitle(),
		Year:        m.Year(),
		Rating:      m.Rating(),
		PosterPath:  m.PosterURL(imageBase),
		Description: m.Overview,
	}
}

package syncer

import (
	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/pkg/catalog"
)

// Registry holds one long-lived pager per category.
type Registry struct {
	order  []catalog.Category
	pagers map[catalog.Category]*Pager
}

// NewRegistry creates pagers for cats, or for every category if cats is empty.
func NewRegistry(c Catalog, st store.Store, cats []catalog.Category, opts Options) *Registry {
	if len(cats) == 0 {
		cats = catalog.Categories()
	}
	r := &Registry{pagers: make(map[catalog.Category]*Pager, len(cats))}
	for _, cat := range cats {
		if _, dup := r.pagers[cat]; dup {
			continue
		}
		r.order = append(r.order, cat)
		r.pagers[cat] = NewCategoryPager(c, st, cat, opts)
	}
	return r
}

func (r *Registry) Categories() []catalog.Category { return r.order }

func (r *Registry) Pager(cat catalog.Category) (*Pager, bool) {
	p, ok := r.pagers[cat]
	return p, ok
}

func (r *Registry) States() []State {
	states := make([]State, 0, len(r.order))
	for _, cat := range r.order {
		states = append(states, r.pagers[cat].State())
	}
	return states
}

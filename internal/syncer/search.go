package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/elonfeng/filmcache/internal/store"
)

// SearchResult is one page of search hits after they were cached.
type SearchResult struct {
	Query        string       `json:"query"`
	Page         int          `json:"page"`
	TotalPages   int          `json:"total_pages"`
	TotalResults int          `json:"total_results"`
	HasMore      bool         `json:"has_more"`
	Items        []store.Item `json:"data"`
}

// SearchPage fetches one page of search results, caches it and returns the
// stored rows in catalog order.
func SearchPage(ctx context.Context, c Catalog, st store.Store, query string, page int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if page < 1 {
		page = 1
	}

	pg, err := c.Search(ctx, query, page)
	if err != nil {
		return nil, fmt.Errorf("search %q page %d: %w", query, page, err)
	}

	fields := make([]store.Fields, 0, len(pg.Results))
	seen := make(map[int64]bool, len(pg.Results))
	for _, m := range pg.Results {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		fields = append(fields, ToFields(m, c.ImageBaseURL()))
	}
	if len(fields) > 0 {
		if _, err := st.UpsertItems(ctx, SearchSource, fields); err != nil {
			return nil, err
		}
	}

	res := &SearchResult{
		Query:        query,
		Page:         page,
		TotalPages:   pg.TotalPages,
		TotalResults: pg.TotalResults,
		HasMore:      len(fields) > 0 && page < pg.TotalPages,
		Items:        make([]store.Item, 0, len(fields)),
	}
	for _, f := range fields {
		it, err := st.GetItem(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		res.Items = append(res.Items, *it)
	}
	return res, nil
}

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/internal/syncer"
	"github.com/elonfeng/filmcache/pkg/catalog"
)

var errBadRequest = errors.New("bad request")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "items": n})
}

// parseQuery reads the liked, q and limit parameters shared by list and watch.
func parseQuery(r *http.Request) (store.Query, error) {
	var q store.Query
	v := r.URL.Query()
	if s := v.Get("liked"); s != "" {
		liked, err := strconv.ParseBool(s)
		if err != nil {
			return q, fmt.Errorf("%w: liked=%q", errBadRequest, s)
		}
		q.LikedOnly = liked
	}
	q.TitleContains = strings.TrimSpace(v.Get("q"))
	if s := v.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("%w: limit=%q", errBadRequest, s)
		}
		q.Limit = limit
	}
	return q, nil
}

func itemID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id=%q", errBadRequest, raw)
	}
	return id, nil
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	items, err := s.store.ListItems(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	it, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleLike(liked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := itemID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.store.SetLiked(r.Context(), id, liked); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_liked": liked})
	}
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := syncer.FetchDetails(r.Context(), s.catalog, s.store, id, s.previewLimit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleTrailers(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetItem(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	trailers, err := s.store.ListTrailers(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  trailers,
		"count": len(trailers),
	})
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	states := s.registry.States()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  states,
		"count": len(states),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	cat, err := catalog.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, ok := s.registry.Pager(cat)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("category %s is not synced", cat))
		return
	}

	if reset, _ := strconv.ParseBool(r.URL.Query().Get("reset")); reset {
		if err := p.Reset(); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}

	res, err := p.LoadNext(r.Context())
	if errors.Is(err, syncer.ErrExhausted) {
		st := p.State()
		writeJSON(w, http.StatusOK, syncer.Result{Source: st.Source, Page: st.Page, HasMore: false})
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: missing q", errBadRequest))
		return
	}
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: page=%q", errBadRequest, raw))
			return
		}
		page = n
	}

	res, err := syncer.SearchPage(r.Context(), s.catalog, s.store, query, page)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":          res.Items,
		"count":         len(res.Items),
		"page":          res.Page,
		"total_pages":   res.TotalPages,
		"total_results": res.TotalResults,
		"has_more":      res.HasMore,
	})
}

// Package scheduler refreshes cached categories on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/filmcache/internal/logging"
	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/internal/syncer"
	"github.com/elonfeng/filmcache/pkg/alert"
)

// Summary totals one refresh of one source.
type Summary struct {
	Source   string  `json:"source"`
	Pages    int     `json:"pages"`
	Fetched  int     `json:"fetched"`
	Inserted []int64 `json:"inserted"`
	Updated  int     `json:"updated"`
	Deleted  int     `json:"deleted"`
	HasMore  bool    `json:"has_more"`
}

// Refresh restarts p from page 1 and loads up to pages pages. A pager that
// runs out of pages early is not an error. Pages loaded before a failure are
// still summarized.
func Refresh(ctx context.Context, p *syncer.Pager, pages int) (Summary, error) {
	sum := Summary{Source: p.Name()}
	sw, err := p.Sweep(ctx, pages)
	for _, res := range sw.Pages {
		sum.Pages++
		sum.Fetched += res.Fetched
		sum.Inserted = append(sum.Inserted, res.Inserted...)
		sum.Updated += len(res.Updated)
		sum.HasMore = res.HasMore
	}
	sum.Deleted = len(sw.Deleted)
	return sum, err
}

// Scheduler runs periodic category refreshes.
type Scheduler struct {
	store    store.Store
	registry *syncer.Registry
	alertMgr *alert.Manager
	interval time.Duration
	pages    int
}

// New creates a new scheduler.
func New(s store.Store, registry *syncer.Registry, alertMgr *alert.Manager, interval time.Duration, pages int) *Scheduler {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if pages <= 0 {
		pages = 1
	}
	return &Scheduler{
		store:    s,
		registry: registry,
		alertMgr: alertMgr,
		interval: interval,
		pages:    pages,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logging.With("scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Msg("initial sync")
	s.SyncAll(ctx)
	log.Info().Dur("interval", s.interval).Int("pages", s.pages).Msg("running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return ctx.Err()
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll refreshes every registered category and announces new titles.
// Failures are logged per category and do not stop the others.
func (s *Scheduler) SyncAll(ctx context.Context) []Summary {
	log := logging.With("scheduler")
	var out []Summary
	for _, cat := range s.registry.Categories() {
		p, _ := s.registry.Pager(cat)
		sum, err := Refresh(ctx, p, s.pages)
		if errors.Is(err, syncer.ErrBusy) {
			log.Debug().Str("source", p.Name()).Msg("skipped, already loading")
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("source", p.Name()).Msg("sync failed")
			if sum.Pages == 0 {
				continue
			}
		}
		log.Info().
			Str("source", sum.Source).
			Int("pages", sum.Pages).
			Int("fetched", sum.Fetched).
			Int("inserted", len(sum.Inserted)).
			Int("deleted", sum.Deleted).
			Msg("synced")
		out = append(out, sum)

		if err := s.announce(ctx, cat.Title(), sum.Inserted); err != nil {
			log.Warn().Err(err).Str("source", sum.Source).Msg("alert failed")
		}
	}
	return out
}

func (s *Scheduler) announce(ctx context.Context, source string, ids []int64) error {
	if len(ids) == 0 || !s.alertMgr.HasNotifiers() {
		return nil
	}
	items := make([]store.Item, 0, len(ids))
	for _, id := range ids {
		it, err := s.store.GetItem(ctx, id)
		if err != nil {
			// Pruned or unliked-and-removed since the sweep.
			continue
		}
		items = append(items, *it)
	}
	if len(items) == 0 {
		return nil
	}
	if err := s.alertMgr.Broadcast(ctx, alert.NewTitles(source, items)); err != nil {
		return fmt.Errorf("broadcast new titles: %w", err)
	}
	return nil
}

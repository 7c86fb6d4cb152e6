package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/goccy/go-json"

	"github.com/elonfeng/filmcache/internal/config"
	"github.com/elonfeng/filmcache/internal/logging"
	"github.com/elonfeng/filmcache/internal/presenter"
	"github.com/elonfeng/filmcache/internal/scheduler"
	"github.com/elonfeng/filmcache/internal/store"
	"github.com/elonfeng/filmcache/internal/syncer"
	"github.com/elonfeng/filmcache/pkg/alert"
	"github.com/elonfeng/filmcache/pkg/catalog"
	"github.com/elonfeng/filmcache/pkg/server"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func buildClient(cfg *config.Config) *catalog.Client {
	if !cfg.Catalog.HasCredentials() {
		logging.Warn().Msg("no catalog credentials configured; set TMDB_API_KEY or TMDB_BEARER_TOKEN")
	}
	return catalog.New(catalog.Config{
		BaseURL:      cfg.Catalog.BaseURL,
		ImageBaseURL: cfg.Catalog.ImageBaseURL,
		APIKey:       cfg.Catalog.APIKey,
		BearerToken:  cfg.Catalog.BearerToken,
		Language:     cfg.Catalog.Language,
		Timeout:      cfg.Catalog.ParseTimeout(),
		RateLimit:    cfg.Catalog.RateLimit,
		Burst:        cfg.Catalog.Burst,
	})
}

func parseCategories(names []string) ([]catalog.Category, error) {
	cats := make([]catalog.Category, 0, len(names))
	for _, n := range names {
		c, err := catalog.ParseCategory(n)
		if err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, nil
}

func buildRegistry(cfg *config.Config, c syncer.Catalog, db store.Store, names []string, replace bool) (*syncer.Registry, error) {
	if len(names) == 0 {
		names = cfg.Sync.Categories
	}
	cats, err := parseCategories(names)
	if err != nil {
		return nil, err
	}
	opts := syncer.Options{ReplaceOnRefresh: cfg.Sync.ReplaceOnRefresh || replace}
	return syncer.NewRegistry(c, db, cats, opts), nil
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func runSync(categories []string, pages int, reset bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if pages <= 0 {
		pages = cfg.Sync.Pages
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := buildRegistry(cfg, buildClient(cfg), db, categories, reset)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var errs []error
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tPAGES\tFETCHED\tNEW\tUPDATED\tREMOVED\tMORE")
	for _, cat := range reg.Categories() {
		p, _ := reg.Pager(cat)
		sum, err := scheduler.Refresh(ctx, p, pages)
		if err != nil {
			errs = append(errs, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%t\n",
			cat, sum.Pages, sum.Fetched, len(sum.Inserted), sum.Updated, sum.Deleted, sum.HasMore)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func runSearch(args []string, page int, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := syncer.SearchPage(context.Background(), buildClient(cfg), db, strings.Join(args, " "), page)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(os.Stdout, res)
	}
	if len(res.Items) == 0 {
		fmt.Println("no results")
		return nil
	}
	if err := printItems(os.Stdout, res.Items); err != nil {
		return err
	}
	fmt.Printf("\npage %d of %d (%d results)\n", res.Page, res.TotalPages, res.TotalResults)
	return nil
}

func runList(liked bool, query string, jsonOutput bool, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.ListItems(context.Background(), store.Query{LikedOnly: liked, TitleContains: query, Limit: limit})
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	if jsonOutput {
		return writeJSON(os.Stdout, items)
	}
	if len(items) == 0 {
		fmt.Println("no titles cached (try: filmcache sync)")
		return nil
	}
	return printItems(os.Stdout, items)
}

func runLike(args []string, liked bool) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, id := range ids {
		if err := db.SetLiked(context.Background(), id, liked); err != nil {
			return fmt.Errorf("item %d: %w", id, err)
		}
	}
	verb := "liked"
	if !liked {
		verb = "unliked"
	}
	fmt.Printf("%s %d title(s)\n", verb, len(ids))
	return nil
}

func runDetails(arg string, jsonOutput bool) error {
	ids, err := parseIDs([]string{arg})
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	d, err := syncer.FetchDetails(context.Background(), buildClient(cfg), db, ids[0], cfg.Sync.PreviewLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(os.Stdout, d)
	}
	fmt.Printf("%d preview picture(s)\n", len(d.PreviewPictures))
	for _, u := range d.PreviewPictures {
		fmt.Println("  " + u)
	}
	fmt.Printf("%d trailer(s)\n", len(d.Trailers))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, t := range d.Trailers {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.Type, t.Site, t.Key, t.Name)
	}
	return w.Flush()
}

func runMigrate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := db.SchemaVersion(context.Background())
	if err != nil {
		return err
	}
	n, err := db.Count(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%s: schema version %d, %d titles\n", cfg.Database.Path, v, n)
	return nil
}

func runBrowse(category string) error {
	cat, err := catalog.ParseCategory(category)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := buildClient(cfg)
	opts := syncer.Options{ReplaceOnRefresh: cfg.Sync.ReplaceOnRefresh}
	pager := syncer.NewCategoryPager(client, db, cat, opts)

	b := &browser{out: os.Stdout, client: client, db: db, opts: opts, pager: pager}
	b.pres = presenter.New(db, pager, presenter.Options{Threshold: cfg.Presenter.Threshold, Render: b.render})
	if err := b.pres.Start(ctx); err != nil {
		return err
	}
	defer b.pres.Close()

	// First page, as if the list had just scrolled into view.
	if _, err := pager.LoadNext(ctx); err != nil && !errors.Is(err, syncer.ErrExhausted) {
		fmt.Fprintf(os.Stderr, "load failed: %v\n", err)
	}
	return b.loop(ctx, os.Stdin)
}

// browser is a line-oriented front end over the presenter.
type browser struct {
	out    io.Writer
	client syncer.Catalog
	db     store.Store
	opts   syncer.Options
	pager  *syncer.Pager
	pres   *presenter.Presenter
}

const browseHelp = `commands:
  n            scroll to the end (loads the next page)
  r            refresh from page 1
  p            print the list
  l <id>       toggle liked
  f <text>     filter by title (empty clears)
  liked        toggle liked-only view
  c <category> switch category
  s <query>    page through search results
  q            quit`

func (b *browser) render(c presenter.Change) {
	switch c.Kind {
	case store.EventInitial:
		fmt.Fprintf(b.out, "[%d titles]\n", len(c.Rows))
	case store.EventUpdate:
		fmt.Fprintf(b.out, "[%d titles: +%d -%d ~%d]\n",
			len(c.Rows), len(c.Insertions), len(c.Deletions), len(c.Modifications))
	case store.EventError:
		fmt.Fprintf(b.out, "[query failed: %v]\n", c.Err)
	}
}

func (b *browser) loop(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(b.out, browseHelp)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(b.out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "":
		case "q", "quit", "exit":
			return nil
		case "n":
			rows := b.pres.Rows()
			loaded, err := b.pres.Scrolled(ctx, len(rows)-1)
			switch {
			case err != nil:
				fmt.Fprintf(b.out, "load failed: %v\n", err)
			case !loaded:
				st := b.pager.State()
				fmt.Fprintf(b.out, "nothing to load (page %d, more: %t)\n", st.Page, st.HasMore)
			}
		case "r":
			if err := b.pager.Reset(); err != nil {
				fmt.Fprintln(b.out, err)
				continue
			}
			if _, err := b.pager.LoadNext(ctx); err != nil {
				fmt.Fprintf(b.out, "refresh failed: %v\n", err)
			}
		case "p":
			if err := printItems(b.out, b.pres.Rows()); err != nil {
				return err
			}
		case "l":
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Fprintf(b.out, "bad id %q\n", arg)
				continue
			}
			if _, err := b.pres.ToggleLike(ctx, id); err != nil {
				fmt.Fprintln(b.out, err)
			}
		case "f":
			f := b.pres.Filter()
			f.Text = arg
			if err := b.pres.SetFilter(ctx, f); err != nil {
				fmt.Fprintln(b.out, err)
			}
		case "liked":
			f := b.pres.Filter()
			f.LikedOnly = !f.LikedOnly
			if err := b.pres.SetFilter(ctx, f); err != nil {
				fmt.Fprintln(b.out, err)
			}
		case "c":
			cat, err := catalog.ParseCategory(arg)
			if err != nil {
				fmt.Fprintln(b.out, err)
				continue
			}
			b.pager = syncer.NewCategoryPager(b.client, b.db, cat, b.opts)
			b.pres.SetLoader(b.pager)
			if _, err := b.pager.LoadNext(ctx); err != nil {
				fmt.Fprintf(b.out, "load failed: %v\n", err)
			}
		case "s":
			if arg == "" {
				fmt.Fprintln(b.out, "empty query")
				continue
			}
			b.pager = syncer.NewSearchPager(b.client, b.db, arg)
			b.pres.SetLoader(b.pager)
			res, err := b.pager.LoadNext(ctx)
			if err != nil {
				fmt.Fprintf(b.out, "search failed: %v\n", err)
				continue
			}
			fmt.Fprintf(b.out, "%d results for %q\n", res.Fetched, arg)
		default:
			fmt.Fprintln(b.out, browseHelp)
		}
	}
}

func runServe(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client := buildClient(cfg)
	reg, err := buildRegistry(cfg, client, db, nil, false)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(db, client, reg, cfg.Sync.PreviewLimit, port)
	return srv.ListenAndServe(ctx)
}

func runDaemon(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client := buildClient(cfg)
	reg, err := buildRegistry(cfg, client, db, nil, false)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(db, reg, buildAlertManager(cfg), cfg.Sync.ParseInterval(), cfg.Sync.Pages)

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	srv := server.New(db, client, reg, cfg.Sync.PreviewLimit, port)
	err = srv.ListenAndServe(ctx)
	logging.Info().Msg("shutting down")
	return err
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printItems(out io.Writer, items []store.Item) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tYEAR\tRATING\tLIKED\tTITLE")
	for _, it := range items {
		liked := ""
		if it.IsLiked {
			liked = "♥"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", it.ID, it.Year, it.Rating, liked, it.Title)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/filmcache/internal/logging"
	"github.com/elonfeng/filmcache/internal/metrics"
)

// ErrNotFound is returned when no item has the requested id.
var ErrNotFound = errors.New("item not found")

// Item is one cached movie record.
type Item struct {
	ID              int64    `db:"id" json:"id"`
	Title           string   `db:"title" json:"title"`
	Year            string   `db:"year" json:"year"`
	Rating          string   `db:"rating" json:"rating"`
	PosterPath      string   `db:"poster_path" json:"poster_path"`
	Description     string   `db:"description" json:"description,omitempty"`
	IsLiked         bool     `db:"is_liked" json:"is_liked"`
	PreviewPictures []string `db:"-" json:"preview_pictures,omitempty"`
	PreviewJSON     string   `db:"preview_pictures" json:"-"`
	UpdatedAt       int64    `db:"updated_at" json:"updated_at"`
}

// Fields are the server-derived values written by an upsert.
type Fields struct {
	ID          int64
	Title       string
	Year        string
	Rating      string
	PosterPath  string
	Description string
}

// Trailer is a video attached to an item.
type Trailer struct {
	ID     string `db:"id" json:"id"`
	ItemID int64  `db:"item_id" json:"item_id"`
	Key    string `db:"key" json:"key"`
	Name   string `db:"name" json:"name"`
	Site   string `db:"site" json:"site"`
	Type   string `db:"type" json:"type"`
}

// Query selects a live or one-shot view over the items table. Results are
// always ordered by id.
type Query struct {
	LikedOnly     bool
	TitleContains string
	Limit         int
}

// UpsertResult reports which ids a write created, changed or removed.
type UpsertResult struct {
	Inserted []int64 `json:"inserted"`
	Updated  []int64 `json:"updated"`
	Deleted  []int64 `json:"deleted,omitempty"`
}

// Store is the persistence interface.
type Store interface {
	UpsertItems(ctx context.Context, source string, fields []Fields) (UpsertResult, error)
	RefreshItems(ctx context.Context, source string, fields []Fields) (UpsertResult, error)
	PruneSource(ctx context.Context, source string, keep []int64) ([]int64, error)
	GetItem(ctx context.Context, id int64) (*Item, error)
	ListItems(ctx context.Context, q Query) ([]Item, error)
	Count(ctx context.Context) (int, error)

	SetLiked(ctx context.Context, id int64, liked bool) error
	ToggleLiked(ctx context.Context, id int64) (bool, error)
	SetPreviewPictures(ctx context.Context, id int64, urls []string) error

	ReplaceTrailers(ctx context.Context, itemID int64, trailers []Trailer) error
	ListTrailers(ctx context.Context, itemID int64) ([]Trailer, error)

	Watch(ctx context.Context, q Query) (*Subscription, error)
	SchemaVersion(ctx context.Context) (int, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time

	// SQLite allows one writer; serializing here keeps busy errors out of
	// the write path.
	writeMu sync.Mutex

	subMu  sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newStore(db), nil
}

func newStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{
		db:   db,
		now:  time.Now,
		subs: make(map[uint64]*Subscription),
	}
}

// Close cancels all subscriptions and closes the database.
func (s *SQLiteStore) Close() error {
	s.subMu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return s.db.Close()
}

func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	return userVersion(ctx, s.db)
}

const upsertSQL = `
INSERT INTO items (id, title, year, rating, poster_path, description, is_liked, preview_pictures, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, '[]', ?)
ON CONFLICT(id) DO UPDATE SET
    title = excluded.title,
    year = excluded.year,
    rating = excluded.rating,
    poster_path = excluded.poster_path,
    description = CASE WHEN excluded.description = '' THEN items.description ELSE excluded.description END,
    updated_at = excluded.updated_at`

// UpsertItems writes every row in one transaction. Existing rows keep their
// liked flag and preview pictures. A non-empty source records that the rows
// were listed by that source.
func (s *SQLiteStore) UpsertItems(ctx context.Context, source string, fields []Fields) (UpsertResult, error) {
	return s.write(ctx, source, fields, false)
}

// RefreshItems is UpsertItems preceded by detaching source from every row not
// in fields. Detached rows that are unliked and no longer listed by any
// source are deleted.
func (s *SQLiteStore) RefreshItems(ctx context.Context, source string, fields []Fields) (UpsertResult, error) {
	if source == "" {
		return UpsertResult{}, errors.New("refresh items: empty source")
	}
	return s.write(ctx, source, fields, true)
}

func (s *SQLiteStore) write(ctx context.Context, source string, fields []Fields, prune bool) (UpsertResult, error) {
	var res UpsertResult
	for _, f := range fields {
		if f.ID <= 0 {
			return res, fmt.Errorf("upsert item: invalid id %d", f.ID)
		}
	}
	fields = dedupe(fields)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var detached []int64
	if prune {
		ids := make([]int64, len(fields))
		for i, f := range fields {
			ids[i] = f.ID
		}
		detached, err = detachSource(ctx, tx, source, ids)
		if err != nil {
			return UpsertResult{}, err
		}
	}

	now := s.now().Unix()
	for _, f := range fields {
		var exists int
		if err := tx.GetContext(ctx, &exists, "SELECT COUNT(1) FROM items WHERE id = ?", f.ID); err != nil {
			return UpsertResult{}, fmt.Errorf("lookup item %d: %w", f.ID, err)
		}

		if _, err := tx.ExecContext(ctx, upsertSQL,
			f.ID, f.Title, f.Year, f.Rating, f.PosterPath, f.Description, now); err != nil {
			return UpsertResult{}, fmt.Errorf("upsert item %d: %w", f.ID, err)
		}

		if source != "" {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO item_sources (item_id, source) VALUES (?, ?) ON CONFLICT DO NOTHING",
				f.ID, source); err != nil {
				return UpsertResult{}, fmt.Errorf("tag item %d: %w", f.ID, err)
			}
		}

		if exists > 0 {
			res.Updated = append(res.Updated, f.ID)
		} else {
			res.Inserted = append(res.Inserted, f.ID)
		}
	}

	if len(detached) > 0 {
		res.Deleted, err = deleteOrphans(ctx, tx, detached)
		if err != nil {
			return UpsertResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}

	metrics.ItemsUpserted.WithLabelValues("insert").Add(float64(len(res.Inserted)))
	metrics.ItemsUpserted.WithLabelValues("update").Add(float64(len(res.Updated)))
	metrics.ItemsUpserted.WithLabelValues("delete").Add(float64(len(res.Deleted)))
	s.notify()
	return res, nil
}

// PruneSource detaches source from every row not in keep and deletes the
// detached rows that are unliked and listed by no other source.
func (s *SQLiteStore) PruneSource(ctx context.Context, source string, keep []int64) ([]int64, error) {
	if source == "" {
		return nil, errors.New("prune source: empty source")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	detached, err := detachSource(ctx, tx, source, keep)
	if err != nil {
		return nil, err
	}
	if len(detached) == 0 {
		return nil, nil
	}
	deleted, err := deleteOrphans(ctx, tx, detached)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prune: %w", err)
	}

	metrics.ItemsUpserted.WithLabelValues("delete").Add(float64(len(deleted)))
	if len(deleted) > 0 {
		s.notify()
	}
	return deleted, nil
}

// dedupe keeps the last value written for each id at the position the id
// was first seen.
func dedupe(fields []Fields) []Fields {
	pos := make(map[int64]int, len(fields))
	out := make([]Fields, 0, len(fields))
	for _, f := range fields {
		if i, ok := pos[f.ID]; ok {
			out[i] = f
			continue
		}
		pos[f.ID] = len(out)
		out = append(out, f)
	}
	return out
}

// detachSource removes source from every row missing from keep and returns
// the affected ids.
func detachSource(ctx context.Context, tx *sqlx.Tx, source string, keep []int64) ([]int64, error) {
	query := "SELECT item_id FROM item_sources WHERE source = ?"
	args := []any{source}
	if len(keep) > 0 {
		var err error
		query, args, err = sqlx.In(query+" AND item_id NOT IN (?)", source, keep)
		if err != nil {
			return nil, fmt.Errorf("build detach query: %w", err)
		}
		query = tx.Rebind(query)
	}
	query += " ORDER BY item_id"

	var stale []int64
	if err := tx.SelectContext(ctx, &stale, query, args...); err != nil {
		return nil, fmt.Errorf("select stale items: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	del, delArgs, err := sqlx.In("DELETE FROM item_sources WHERE source = ? AND item_id IN (?)", source, stale)
	if err != nil {
		return nil, fmt.Errorf("build detach delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(del), delArgs...); err != nil {
		return nil, fmt.Errorf("detach %s: %w", source, err)
	}
	return stale, nil
}

// deleteOrphans deletes the unliked rows among ids that no source lists.
func deleteOrphans(ctx context.Context, tx *sqlx.Tx, ids []int64) ([]int64, error) {
	query, args, err := sqlx.In(`
		SELECT id FROM items
		WHERE id IN (?) AND is_liked = 0
		  AND NOT EXISTS (SELECT 1 FROM item_sources WHERE item_sources.item_id = items.id)
		ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build orphan query: %w", err)
	}

	var orphans []int64
	if err := tx.SelectContext(ctx, &orphans, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select orphaned items: %w", err)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	del, delArgs, err := sqlx.In("DELETE FROM items WHERE id IN (?)", orphans)
	if err != nil {
		return nil, fmt.Errorf("build delete query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(del), delArgs...); err != nil {
		return nil, fmt.Errorf("delete stale items: %w", err)
	}
	return orphans, nil
}

const itemColumns = "id, title, year, rating, poster_path, description, is_liked, preview_pictures, updated_at"

func (s *SQLiteStore) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := s.db.GetContext(ctx, &item, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	item.decode()
	return &item, nil
}

// ListItems applies the liked filter in SQL and the title filter in Go so
// that matching is case-insensitive beyond ASCII.
func (s *SQLiteStore) ListItems(ctx context.Context, q Query) ([]Item, error) {
	query := "SELECT " + itemColumns + " FROM items"
	if q.LikedOnly {
		query += " WHERE is_liked = 1"
	}
	query += " ORDER BY id ASC"

	var rows []Item
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	needle := strings.ToLower(strings.TrimSpace(q.TitleContains))
	items := make([]Item, 0, len(rows))
	for _, it := range rows {
		if needle != "" && !strings.Contains(strings.ToLower(it.Title), needle) {
			continue
		}
		it.decode()
		items = append(items, it)
		if q.Limit > 0 && len(items) == q.Limit {
			break
		}
	}
	return items, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM items"); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// SetLiked changes only the local liked flag.
func (s *SQLiteStore) SetLiked(ctx context.Context, id int64, liked bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE items SET is_liked = ? WHERE id = ?", liked, id)
	if err != nil {
		return fmt.Errorf("set liked %d: %w", id, err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	s.notify()
	return nil
}

// ToggleLiked flips the liked flag and returns the new value.
func (s *SQLiteStore) ToggleLiked(ctx context.Context, id int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin toggle: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE items SET is_liked = 1 - is_liked WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("toggle liked %d: %w", id, err)
	}
	if err := requireRow(res, id); err != nil {
		return false, err
	}

	var liked bool
	if err := tx.GetContext(ctx, &liked, "SELECT is_liked FROM items WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("read liked %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit toggle: %w", err)
	}

	s.notify()
	return liked, nil
}

func (s *SQLiteStore) SetPreviewPictures(ctx context.Context, id int64, urls []string) error {
	if urls == nil {
		urls = []string{}
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("marshal preview pictures: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE items SET preview_pictures = ? WHERE id = ?", string(data), id)
	if err != nil {
		return fmt.Errorf("set preview pictures %d: %w", id, err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	s.notify()
	return nil
}

// ReplaceTrailers swaps the full trailer list of one item.
func (s *SQLiteStore) ReplaceTrailers(ctx context.Context, itemID int64, trailers []Trailer) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trailers: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(1) FROM items WHERE id = ?", itemID); err != nil {
		return fmt.Errorf("lookup item %d: %w", itemID, err)
	}
	if exists == 0 {
		return fmt.Errorf("replace trailers %d: %w", itemID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM trailers WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("clear trailers %d: %w", itemID, err)
	}
	for _, t := range trailers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trailers (id, item_id, key, name, site, type) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET item_id = excluded.item_id, key = excluded.key,
				name = excluded.name, site = excluded.site, type = excluded.type
		`, t.ID, itemID, t.Key, t.Name, t.Site, t.Type); err != nil {
			return fmt.Errorf("insert trailer %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTrailers(ctx context.Context, itemID int64) ([]Trailer, error) {
	var trailers []Trailer
	err := s.db.SelectContext(ctx, &trailers,
		"SELECT id, item_id, key, name, site, type FROM trailers WHERE item_id = ? ORDER BY id", itemID)
	if err != nil {
		return nil, fmt.Errorf("list trailers %d: %w", itemID, err)
	}
	return trailers, nil
}

func (it *Item) decode() {
	it.PreviewPictures = nil
	if it.PreviewJSON == "" {
		return
	}
	if err := json.Unmarshal([]byte(it.PreviewJSON), &it.PreviewPictures); err != nil {
		logging.Warn().Err(err).Int64("id", it.ID).Msg("unreadable preview pictures")
		it.PreviewPictures = nil
	}
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return nil
}

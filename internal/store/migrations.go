package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/elonfeng/filmcache/internal/logging"
)

// SchemaVersion is the version written by the newest migration.
const SchemaVersion = 5

// ErrSchemaTooNew is returned when the database was written by a newer binary.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create items",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS items (
    id          INTEGER PRIMARY KEY,
    title       TEXT NOT NULL DEFAULT '',
    year        TEXT NOT NULL DEFAULT '',
    rating      TEXT NOT NULL DEFAULT '',
    poster_path TEXT NOT NULL DEFAULT '',
    is_liked    INTEGER NOT NULL DEFAULT 0
)`,
			`CREATE INDEX IF NOT EXISTS idx_items_liked ON items(is_liked)`,
		},
	},
	{
		version: 2,
		name:    "add description",
		stmts: []string{
			`ALTER TABLE items ADD COLUMN description TEXT NOT NULL DEFAULT ''`,
		},
	},
	{
		version: 3,
		name:    "add preview pictures",
		stmts: []string{
			`ALTER TABLE items ADD COLUMN preview_pictures TEXT NOT NULL DEFAULT '[]'`,
		},
	},
	{
		version: 4,
		name:    "add updated_at and trailers",
		stmts: []string{
			`ALTER TABLE items ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`,
			`CREATE INDEX IF NOT EXISTS idx_items_title ON items(title)`,
			`CREATE TABLE IF NOT EXISTS trailers (
    id      TEXT PRIMARY KEY,
    item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    key     TEXT NOT NULL,
    name    TEXT NOT NULL DEFAULT '',
    site    TEXT NOT NULL DEFAULT '',
    type    TEXT NOT NULL DEFAULT ''
)`,
			`CREATE INDEX IF NOT EXISTS idx_trailers_item ON trailers(item_id)`,
		},
	},
	{
		version: 5,
		name:    "add item sources",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS item_sources (
    item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    source  TEXT NOT NULL,
    PRIMARY KEY (item_id, source)
)`,
			`CREATE INDEX IF NOT EXISTS idx_item_sources_source ON item_sources(source)`,
		},
	},
}

func userVersion(ctx context.Context, q sqlx.QueryerContext) (int, error) {
	var v int
	if err := sqlx.GetContext(ctx, q, &v, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies every migration above the stored user_version, each in
// its own transaction.
func migrate(ctx context.Context, db *sqlx.DB) error {
	current, err := userVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: have %d, support %d", ErrSchemaTooNew, current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logging.Info().Int("version", m.version).Str("name", m.name).Msg("applied schema migration")
	}
	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, m migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("set schema version %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

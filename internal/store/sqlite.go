package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS repos (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	url          TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	full_name    TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	stars        INTEGER NOT NULL DEFAULT 0,
	forks        INTEGER NOT NULL DEFAULT 0,
	license      TEXT NOT NULL DEFAULT '',
	license_url  TEXT NOT NULL DEFAULT '',
	readme       TEXT NOT NULL DEFAULT '',
	readme_url   TEXT NOT NULL DEFAULT '',
	design_files TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL,
	inserted_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS parts (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	catalog_id   TEXT NOT NULL UNIQUE,
	mpn          TEXT NOT NULL,
	mpn_key      TEXT NOT NULL DEFAULT '',
	manufacturer TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	datasheet    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS items (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	repo_id    TEXT NOT NULL REFERENCES repos(id),
	reference  TEXT NOT NULL,
	value      TEXT NOT NULL,
	footprint  TEXT NOT NULL DEFAULT '',
	part_id    TEXT REFERENCES parts(id),
	UNIQUE (repo_id, reference, value)
);

CREATE INDEX IF NOT EXISTS idx_items_part_id ON items(part_id);
CREATE INDEX IF NOT EXISTS idx_parts_mpn_key ON parts(mpn_key);
`

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertRepo stores repo and sets its ID. A known URL returns ErrDuplicate.
func (s *SQLiteStore) InsertRepo(ctx context.Context, repo *Repo) error {
	files, err := json.Marshal(nonNil(repo.DesignFiles))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal design files")
	}
	id := uuid.New().String()
	created := repo.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repos (id, url, name, full_name, description, stars, forks, license, license_url, readme, readme_url, design_files, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO NOTHING`,
		id, repo.URL, repo.Name, repo.FullName, repo.Description, repo.Stars, repo.Forks,
		repo.License, repo.LicenseURL, repo.Readme, repo.ReadmeURL, string(files), created.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert repo %s", repo.URL)
	}
	if err := checkInserted(res, "repo", repo.URL); err != nil {
		return err
	}
	repo.ID = id
	return nil
}

// InsertItem stores item and sets its ID. An item already recorded for the
// same repository, reference and value returns ErrDuplicate.
func (s *SQLiteStore) InsertItem(ctx context.Context, item *Item) error {
	id := uuid.New().String()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, repo_id, reference, value, footprint, part_id)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo_id, reference, value) DO NOTHING`,
		id, item.RepoID, item.Reference, item.Value, item.Footprint, item.PartID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert item %s", item.Reference)
	}
	if err := checkInserted(res, "item", item.Reference); err != nil {
		return err
	}
	item.ID = id
	return nil
}

// InsertPart stores part with its folded MPN and sets its ID. A known
// catalog ID returns ErrDuplicate.
func (s *SQLiteStore) InsertPart(ctx context.Context, part *Part) error {
	id := uuid.New().String()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO parts (id, catalog_id, mpn, mpn_key, manufacturer, description, datasheet)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(catalog_id) DO NOTHING`,
		id, part.CatalogID, part.MPN, FoldKey(part.MPN), part.Manufacturer, part.Description, part.Datasheet,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert part %s", part.CatalogID)
	}
	if err := checkInserted(res, "part", part.CatalogID); err != nil {
		return err
	}
	part.ID = id
	return nil
}

// UnmatchedItems returns items without a part, oldest first.
func (s *SQLiteStore) UnmatchedItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo_id, reference, value, footprint FROM items WHERE part_id IS NULL ORDER BY seq`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query unmatched items")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.RepoID, &it.Reference, &it.Value, &it.Footprint); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

// PartsMatching returns parts whose folded MPN contains the folded value.
func (s *SQLiteStore) PartsMatching(ctx context.Context, value string) ([]Part, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, catalog_id, mpn, manufacturer, description, datasheet FROM parts
		 WHERE instr(mpn_key, ?) > 0 ORDER BY seq`,
		FoldKey(value),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query parts matching %q", value)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.ID, &p.CatalogID, &p.MPN, &p.Manufacturer, &p.Description, &p.Datasheet); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan part")
		}
		parts = append(parts, p)
	}
	return parts, eris.Wrap(rows.Err(), "sqlite: iterate parts")
}

// AssignPart links an item to a part. A missing item returns ErrNotFound.
func (s *SQLiteStore) AssignPart(ctx context.Context, itemID, partID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE items SET part_id = ? WHERE id = ?`, partID, itemID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: assign part %s to item %s", partID, itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: item %s", itemID)
	}
	return nil
}

// Counts returns the row totals reported at the end of a job.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM repos),
		(SELECT COUNT(*) FROM items),
		(SELECT COUNT(*) FROM items WHERE part_id IS NOT NULL),
		(SELECT COUNT(*) FROM parts)`,
	).Scan(&c.Repos, &c.Items, &c.MatchedItems, &c.Parts)
	return c, eris.Wrap(err, "sqlite: counts")
}

// checkInserted maps a conflict-ignored insert to ErrDuplicate.
func checkInserted(res sql.Result, entity, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrDuplicate, "%s %s", entity, key)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

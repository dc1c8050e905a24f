package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	// All jobs are serial; a small pool is enough.
	pgxCfg.MaxConns = 4
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS repos (
	seq          BIGSERIAL PRIMARY KEY,
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
	design_files JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL,
	inserted_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS parts (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	catalog_id   TEXT NOT NULL UNIQUE,
	mpn          TEXT NOT NULL,
	mpn_key      TEXT NOT NULL DEFAULT '',
	manufacturer TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	datasheet    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS items (
	seq        BIGSERIAL PRIMARY KEY,
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
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InsertRepo stores repo and sets its ID. A known URL returns ErrDuplicate.
func (s *PostgresStore) InsertRepo(ctx context.Context, repo *Repo) error {
	files, err := json.Marshal(nonNil(repo.DesignFiles))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal design files")
	}
	id := uuid.New().String()
	created := repo.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO repos (id, url, name, full_name, description, stars, forks, license, license_url, readme, readme_url, design_files, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (url) DO NOTHING`,
		id, repo.URL, repo.Name, repo.FullName, repo.Description, repo.Stars, repo.Forks,
		repo.License, repo.LicenseURL, repo.Readme, repo.ReadmeURL, files, created.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert repo %s", repo.URL)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicate, "repo %s", repo.URL)
	}
	repo.ID = id
	return nil
}

// InsertItem stores item and sets its ID. An item already recorded for the
// same repository, reference and value returns ErrDuplicate.
func (s *PostgresStore) InsertItem(ctx context.Context, item *Item) error {
	id := uuid.New().String()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO items (id, repo_id, reference, value, footprint, part_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (repo_id, reference, value) DO NOTHING`,
		id, item.RepoID, item.Reference, item.Value, item.Footprint, item.PartID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert item %s", item.Reference)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicate, "item %s", item.Reference)
	}
	item.ID = id
	return nil
}

// InsertPart stores part with its folded MPN and sets its ID. A known
// catalog ID returns ErrDuplicate.
func (s *PostgresStore) InsertPart(ctx context.Context, part *Part) error {
	id := uuid.New().String()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO parts (id, catalog_id, mpn, mpn_key, manufacturer, description, datasheet)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (catalog_id) DO NOTHING`,
		id, part.CatalogID, part.MPN, FoldKey(part.MPN), part.Manufacturer, part.Description, part.Datasheet,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert part %s", part.CatalogID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicate, "part %s", part.CatalogID)
	}
	part.ID = id
	return nil
}

// UnmatchedItems returns items without a part, oldest first.
func (s *PostgresStore) UnmatchedItems(ctx context.Context) ([]Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, repo_id, reference, value, footprint FROM items WHERE part_id IS NULL ORDER BY seq`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query unmatched items")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.RepoID, &it.Reference, &it.Value, &it.Footprint); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}

// PartsMatching returns parts whose folded MPN contains the folded value.
func (s *PostgresStore) PartsMatching(ctx context.Context, value string) ([]Part, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, catalog_id, mpn, manufacturer, description, datasheet FROM parts
		 WHERE strpos(mpn_key, $1) > 0 ORDER BY seq`,
		FoldKey(value),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query parts matching %q", value)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.ID, &p.CatalogID, &p.MPN, &p.Manufacturer, &p.Description, &p.Datasheet); err != nil {
			return nil, eris.Wrap(err, "postgres: scan part")
		}
		parts = append(parts, p)
	}
	return parts, eris.Wrap(rows.Err(), "postgres: iterate parts")
}

// AssignPart links an item to a part. A missing item returns ErrNotFound.
func (s *PostgresStore) AssignPart(ctx context.Context, itemID, partID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE items SET part_id = $1 WHERE id = $2`, partID, itemID)
	if err != nil {
		return eris.Wrapf(err, "postgres: assign part %s to item %s", partID, itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: item %s", itemID)
	}
	return nil
}

// Counts returns the row totals reported at the end of a job.
func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM repos),
		(SELECT COUNT(*) FROM items),
		(SELECT COUNT(*) FROM items WHERE part_id IS NOT NULL),
		(SELECT COUNT(*) FROM parts)`,
	).Scan(&c.Repos, &c.Items, &c.MatchedItems, &c.Parts)
	return c, eris.Wrap(err, "postgres: counts")
}

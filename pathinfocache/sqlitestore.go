package pathinfocache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/flokli/nixcached/internal/narinfo"
	"github.com/flokli/nixcached/internal/storepath"
)

// row is the persisted form of a cache Entry: the narinfo text is stored
// as-is rather than decomposed into columns, since this table exists to
// avoid re-fetching and re-parsing it, not to query its fields.
type row struct {
	bun.BaseModel `bun:"table:pathinfo_cache,alias:pic"`

	CacheURI  string `bun:"cache_uri,pk"`
	HashPart  string `bun:"hash_part,pk"`
	Found     bool
	Narinfo   string
	ExpiresAt time.Time
}

// SQLiteStore is a Store persisted to a SQLite database via bun, so that
// cached lookups survive process restarts.
type SQLiteStore struct {
	db  *bun.DB
	dir storepath.Directory
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed Store at
// dsn, e.g. "file:pathinfo-cache.db?cache=shared".
func NewSQLiteStore(ctx context.Context, dsn string, dir storepath.Directory) (*SQLiteStore, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("pathinfocache: opening %s: %w", dsn, err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	db.AddQueryHook(bundebug.NewQueryHook(bundebug.FromEnv("BUNDEBUG")))

	if _, err := db.NewCreateTable().Model((*row)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("pathinfocache: creating table: %w", err)
	}

	return &SQLiteStore{db: db, dir: dir}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	r := new(row)
	err := s.db.NewSelect().
		Model(r).
		Where("cache_uri = ? AND hash_part = ?", key.CacheURI, key.HashPart).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	e := Entry{Found: r.Found, ExpiresAt: r.ExpiresAt}
	if r.Found {
		info, err := narinfo.Parse(s.dir, r.Narinfo)
		if err != nil {
			return Entry{}, false, fmt.Errorf("pathinfocache: decoding cached narinfo: %w", err)
		}
		e.Info = info
	}
	return e, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, e Entry) error {
	r := &row{
		CacheURI:  key.CacheURI,
		HashPart:  key.HashPart,
		Found:     e.Found,
		ExpiresAt: e.ExpiresAt,
	}
	if e.Found {
		r.Narinfo = e.Info.String()
	}
	_, err := s.db.NewInsert().
		Model(r).
		On("CONFLICT (cache_uri, hash_part) DO UPDATE").
		Set("found = EXCLUDED.found").
		Set("narinfo = EXCLUDED.narinfo").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

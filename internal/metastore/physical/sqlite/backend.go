// Package sqlite provides an embedded SQLite metadata backend.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/placement"
	"github.com/gezibash/drop/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeyCacheSize   = "cache_size"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.drop/metadata.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeyCacheSize:   "8MiB",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS file_mappings (
    id            TEXT PRIMARY KEY,
    filename      TEXT NOT NULL,
    content_type  TEXT NOT NULL,
    file_path     TEXT,
    file_size     INTEGER NOT NULL,
    is_in_memory  INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    accessed_at   INTEGER NOT NULL,
    access_count  INTEGER NOT NULL DEFAULT 0,
    expires_at    INTEGER
);

CREATE TABLE IF NOT EXISTS short_urls (
    short_code  TEXT PRIMARY KEY,
    file_id     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    FOREIGN KEY (file_id) REFERENCES file_mappings(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS rate_limits (
    client_ip      TEXT PRIMARY KEY,
    request_count  INTEGER NOT NULL,
    window_start   INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_mappings_expires ON file_mappings(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_file_mappings_memory ON file_mappings(is_in_memory) WHERE is_in_memory = 1;
CREATE INDEX IF NOT EXISTS idx_short_urls_file ON short_urls(file_id);
CREATE INDEX IF NOT EXISTS idx_rate_limits_updated ON rate_limits(updated_at);
`

const selectBlob = `SELECT id, filename, content_type, file_path, file_size, is_in_memory,
    created_at, accessed_at, access_count, expires_at FROM file_mappings`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout, err := storage.GetInt(config, KeyBusyTimeout, 5000)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("sqlite", KeyBusyTimeout, config[KeyBusyTimeout], err.Error())
	}

	cacheSize, err := storage.GetBytes(config, KeyCacheSize, 8<<20)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("sqlite", KeyCacheSize, config[KeyCacheSize], err.Error())
	}

	// A negative cache_size is a limit in KiB rather than pages.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=cache_size(%d)&_pragma=foreign_keys(1)",
		path, journalMode, busyTimeout, -max(cacheSize/1024, 1))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	// One connection serializes transactions, which the rate window
	// read-modify-write relies on.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.InfoContext(ctx, "sqlite metastore initialized",
		"path", path, "journal_mode", journalMode, "cache_size", storage.FormatBytes(cacheSize))
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	var one int
	if err := b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return classify("sqlite ping", err)
	}
	return nil
}

func (b *Backend) CreateBlob(ctx context.Context, rec *physical.BlobRecord, alias string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	return b.inTx(ctx, "sqlite create blob", func(tx *sql.Tx) error {
		if alias != "" {
			taken, err := aliasExists(ctx, tx, alias)
			if err != nil {
				return err
			}
			if taken {
				return physical.ErrAliasTaken
			}
		}

		inMemory, path := encodePlacement(rec.Placement)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_mappings (id, filename, content_type, file_path, file_size, is_in_memory,
			    created_at, accessed_at, access_count, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID.String(), rec.Filename, rec.ContentType, path, rec.Size, inMemory,
			rec.CreatedAt.UnixNano(), rec.AccessedAt.UnixNano(), rec.AccessCount, nullTime(rec.ExpiresAt),
		); err != nil {
			return err
		}

		if alias != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO short_urls (short_code, file_id, created_at) VALUES (?, ?, ?)`,
				alias, rec.ID.String(), rec.CreatedAt.UnixNano(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) GetBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rec, err := scanBlob(b.db.QueryRowContext(ctx, selectBlob+` WHERE id = ?`, id.String()))
	if err != nil {
		return nil, classify("sqlite get blob", err)
	}
	return rec, nil
}

func (b *Backend) ResolveAlias(ctx context.Context, code string) (uuid.UUID, error) {
	if b.closed.Load() {
		return uuid.Nil, physical.ErrClosed
	}

	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT file_id FROM short_urls WHERE short_code = ?`, code).Scan(&raw)
	if err != nil {
		return uuid.Nil, classify("sqlite resolve alias", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("sqlite resolve alias: stored id %q: %w", raw, err)
	}
	return id, nil
}

func (b *Backend) TouchBlob(ctx context.Context, id uuid.UUID, at time.Time) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	res, err := b.db.ExecContext(ctx,
		`UPDATE file_mappings SET accessed_at = ?, access_count = access_count + 1 WHERE id = ?`,
		at.UnixNano(), id.String())
	if err != nil {
		return classify("sqlite touch blob", err)
	}
	return requireRow("sqlite touch blob", res)
}

func (b *Backend) CreateAlias(ctx context.Context, code string, id uuid.UUID, at time.Time) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	return b.inTx(ctx, "sqlite create alias", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_mappings WHERE id = ?`, id.String()).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("alias target %s: %w", id, physical.ErrConflict)
		}
		taken, err := aliasExists(ctx, tx, code)
		if err != nil {
			return err
		}
		if taken {
			return physical.ErrAliasTaken
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO short_urls (short_code, file_id, created_at) VALUES (?, ?, ?)`,
			code, id.String(), at.UnixNano())
		return err
	})
}

func (b *Backend) AliasExists(ctx context.Context, code string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	ok, err := aliasExists(ctx, b.db, code)
	if err != nil {
		return false, classify("sqlite alias exists", err)
	}
	return ok, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func aliasExists(ctx context.Context, q queryer, code string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM short_urls WHERE short_code = ?`, code).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *Backend) DeleteBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var rec *physical.BlobRecord
	err := b.inTx(ctx, "sqlite delete blob", func(tx *sql.Tx) error {
		var err error
		rec, err = scanBlob(tx.QueryRowContext(ctx, selectBlob+` WHERE id = ?`, id.String()))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM file_mappings WHERE id = ?`, id.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Backend) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}

	var out []*physical.BlobRecord
	err := b.inTx(ctx, "sqlite delete expired", func(tx *sql.Tx) error {
		var err error
		out, err = queryBlobs(ctx, tx,
			selectBlob+` WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at LIMIT ?`,
			now.UnixNano(), limit)
		if err != nil {
			return err
		}
		for _, rec := range out {
			if _, err := tx.ExecContext(ctx, `DELETE FROM file_mappings WHERE id = ?`, rec.ID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) PurgeMemoryResident(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	res, err := b.db.ExecContext(ctx, `DELETE FROM file_mappings WHERE is_in_memory = 1`)
	if err != nil {
		return 0, classify("sqlite purge memory", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	st := &physical.Stats{BackendType: "sqlite"}
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size), 0), COALESCE(SUM(is_in_memory), 0) FROM file_mappings`,
	).Scan(&st.TotalFiles, &st.TotalSize, &st.MemoryFiles)
	if err != nil {
		return nil, classify("sqlite stats", err)
	}
	return st, nil
}

func (b *Backend) UpdateRateWindow(ctx context.Context, clientIP string, fn physical.RateFunc) (*physical.RateWindow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	w := physical.RateWindow{ClientIP: clientIP}
	err := b.inTx(ctx, "sqlite update rate window", func(tx *sql.Tx) error {
		var count, start, updated int64
		err := tx.QueryRowContext(ctx,
			`SELECT request_count, window_start, updated_at FROM rate_limits WHERE client_ip = ?`, clientIP,
		).Scan(&count, &start, &updated)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			w.Count = count
			w.WindowStart = time.Unix(0, start).UTC()
			w.UpdatedAt = time.Unix(0, updated).UTC()
		}

		if !fn(&w) {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_limits (client_ip, request_count, window_start, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (client_ip) DO UPDATE SET
			     request_count = excluded.request_count,
			     window_start = excluded.window_start,
			     updated_at = excluded.updated_at`,
			clientIP, w.Count, w.WindowStart.UnixNano(), w.UpdatedAt.UnixNano())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (b *Backend) DeleteStaleRateWindows(ctx context.Context, before time.Time) (int, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	res, err := b.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE updated_at < ?`, before.UnixNano())
	if err != nil {
		return 0, classify("sqlite delete stale rate windows", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

// inTx runs fn in a transaction and classifies whatever it returns.
func (b *Backend) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlob(row rowScanner) (*physical.BlobRecord, error) {
	var (
		rawID, filename, contentType string
		path                         sql.NullString
		size, accessCount            int64
		inMemory                     bool
		created, accessed            int64
		expires                      sql.NullInt64
	)
	if err := row.Scan(&rawID, &filename, &contentType, &path, &size, &inMemory,
		&created, &accessed, &accessCount, &expires); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("stored id %q: %w", rawID, err)
	}
	p, err := placement.Decode(inMemory, id.String(), path.String)
	if err != nil {
		return nil, err
	}

	rec := &physical.BlobRecord{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		Placement:   p,
		CreatedAt:   time.Unix(0, created).UTC(),
		AccessedAt:  time.Unix(0, accessed).UTC(),
		AccessCount: accessCount,
	}
	if expires.Valid {
		rec.ExpiresAt = time.Unix(0, expires.Int64).UTC()
	}
	return rec, nil
}

func queryBlobs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*physical.BlobRecord, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*physical.BlobRecord
	for rows.Next() {
		rec, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodePlacement(p placement.Placement) (inMemory bool, path sql.NullString) {
	switch p := p.(type) {
	case placement.InMemory:
		return true, sql.NullString{}
	case placement.OnDisk:
		return false, sql.NullString{String: p.Path, Valid: true}
	}
	return false, sql.NullString{}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func requireRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return physical.ErrNotFound
	}
	return nil
}

// classify maps driver errors onto the physical error taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, physical.ErrNotFound), errors.Is(err, physical.ErrConflict):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return physical.ErrNotFound
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn):
		return physical.Unavailable(op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}

	var serr *msqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%s: %w: %w", op, physical.ErrConflict, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return physical.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if strings.Contains(err.Error(), "database is closed") {
		return physical.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

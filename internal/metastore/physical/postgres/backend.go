// Package postgres provides a PostgreSQL metadata backend built on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/placement"
	"github.com/gezibash/drop/internal/storage"
)

const (
	KeyURL             = "url"
	KeyMaxConns        = "max_conns"
	KeyConnectTimeout  = "connect_timeout"
	KeyMaxConnIdleTime = "max_conn_idle_time"
)

// aliasPrimaryKey is the constraint name a duplicate short code violates.
const aliasPrimaryKey = "short_urls_pkey"

func init() {
	physical.Register("postgres", NewFactory, Defaults)
}

// Defaults returns the default configuration for the PostgreSQL backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyURL:             "",
		KeyMaxConns:        "10",
		KeyConnectTimeout:  "5s",
		KeyMaxConnIdleTime: "5m",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS file_mappings (
    id            UUID PRIMARY KEY,
    filename      TEXT NOT NULL,
    content_type  TEXT NOT NULL,
    file_path     TEXT,
    file_size     BIGINT NOT NULL,
    is_in_memory  BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL,
    accessed_at   TIMESTAMPTZ NOT NULL,
    access_count  BIGINT NOT NULL DEFAULT 0,
    expires_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS short_urls (
    short_code  TEXT PRIMARY KEY,
    file_id     UUID NOT NULL REFERENCES file_mappings(id) ON DELETE CASCADE,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limits (
    client_ip      TEXT PRIMARY KEY,
    request_count  BIGINT NOT NULL,
    window_start   TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_mappings_expires ON file_mappings(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_file_mappings_memory ON file_mappings(is_in_memory) WHERE is_in_memory;
CREATE INDEX IF NOT EXISTS idx_short_urls_file ON short_urls(file_id);
CREATE INDEX IF NOT EXISTS idx_rate_limits_updated ON rate_limits(updated_at);
`

const selectBlob = `SELECT id, filename, content_type, file_path, file_size, is_in_memory,
    created_at, accessed_at, access_count, expires_at FROM file_mappings`

// NewFactory creates a new PostgreSQL backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	url := storage.GetString(config, KeyURL, "")
	if url == "" {
		return nil, storage.NewConfigError("postgres", KeyURL, "cannot be empty")
	}

	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("postgres", KeyURL, "invalid connection string", err)
	}

	maxConns, err := storage.GetInt(config, KeyMaxConns, 10)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("postgres", KeyMaxConns, config[KeyMaxConns], err.Error())
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	connectTimeout, err := storage.GetDuration(config, KeyConnectTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("postgres", KeyConnectTimeout, config[KeyConnectTimeout], err.Error())
	}
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout
	idle, err := storage.GetDuration(config, KeyMaxConnIdleTime, 5*time.Minute)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("postgres", KeyMaxConnIdleTime, config[KeyMaxConnIdleTime], err.Error())
	}
	poolCfg.MaxConnIdleTime = idle

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, physical.Unavailable("postgres connect", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if _, err := pool.Exec(initCtx, schema); err != nil {
		pool.Close()
		return nil, classify("postgres initialize schema", err)
	}

	slog.InfoContext(ctx, "postgres metastore initialized",
		"host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database, "max_conns", poolCfg.MaxConns)
	return &Backend{pool: pool}, nil
}

// Backend is a PostgreSQL implementation of physical.Backend.
type Backend struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	var one int
	if err := b.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return classify("postgres ping", err)
	}
	return nil
}

func (b *Backend) CreateBlob(ctx context.Context, rec *physical.BlobRecord, alias string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	return b.inTx(ctx, "postgres create blob", func(tx pgx.Tx) error {
		inMemory, path := encodePlacement(rec.Placement)
		if _, err := tx.Exec(ctx,
			`INSERT INTO file_mappings (id, filename, content_type, file_path, file_size, is_in_memory,
			    created_at, accessed_at, access_count, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.ID, rec.Filename, rec.ContentType, path, rec.Size, inMemory,
			rec.CreatedAt, rec.AccessedAt, rec.AccessCount, nullTime(rec.ExpiresAt),
		); err != nil {
			return err
		}
		if alias == "" {
			return nil
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO short_urls (short_code, file_id, created_at) VALUES ($1, $2, $3)`,
			alias, rec.ID, rec.CreatedAt)
		return err
	})
}

func (b *Backend) GetBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rec, err := scanBlob(b.pool.QueryRow(ctx, selectBlob+` WHERE id = $1`, id))
	if err != nil {
		return nil, classify("postgres get blob", err)
	}
	return rec, nil
}

func (b *Backend) ResolveAlias(ctx context.Context, code string) (uuid.UUID, error) {
	if b.closed.Load() {
		return uuid.Nil, physical.ErrClosed
	}

	var id uuid.UUID
	if err := b.pool.QueryRow(ctx, `SELECT file_id FROM short_urls WHERE short_code = $1`, code).Scan(&id); err != nil {
		return uuid.Nil, classify("postgres resolve alias", err)
	}
	return id, nil
}

func (b *Backend) TouchBlob(ctx context.Context, id uuid.UUID, at time.Time) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	tag, err := b.pool.Exec(ctx,
		`UPDATE file_mappings SET accessed_at = $1, access_count = access_count + 1 WHERE id = $2`, at, id)
	if err != nil {
		return classify("postgres touch blob", err)
	}
	if tag.RowsAffected() == 0 {
		return physical.ErrNotFound
	}
	return nil
}

func (b *Backend) CreateAlias(ctx context.Context, code string, id uuid.UUID, at time.Time) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	_, err := b.pool.Exec(ctx,
		`INSERT INTO short_urls (short_code, file_id, created_at) VALUES ($1, $2, $3)`, code, id, at)
	if err != nil {
		return classify("postgres create alias", err)
	}
	return nil
}

func (b *Backend) AliasExists(ctx context.Context, code string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}

	var ok bool
	err := b.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM short_urls WHERE short_code = $1)`, code).Scan(&ok)
	if err != nil {
		return false, classify("postgres alias exists", err)
	}
	return ok, nil
}

func (b *Backend) DeleteBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rec, err := scanBlob(b.pool.QueryRow(ctx, `DELETE FROM file_mappings WHERE id = $1
	    RETURNING id, filename, content_type, file_path, file_size, is_in_memory,
	        created_at, accessed_at, access_count, expires_at`, id))
	if err != nil {
		return nil, classify("postgres delete blob", err)
	}
	return rec, nil
}

func (b *Backend) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := b.pool.Query(ctx, `DELETE FROM file_mappings WHERE id IN (
	        SELECT id FROM file_mappings
	        WHERE expires_at IS NOT NULL AND expires_at <= $1
	        ORDER BY expires_at LIMIT $2
	        FOR UPDATE SKIP LOCKED)
	    RETURNING id, filename, content_type, file_path, file_size, is_in_memory,
	        created_at, accessed_at, access_count, expires_at`, now, lim)
	if err != nil {
		return nil, classify("postgres delete expired", err)
	}
	defer rows.Close()

	var out []*physical.BlobRecord
	for rows.Next() {
		rec, err := scanBlob(rows)
		if err != nil {
			return nil, classify("postgres delete expired", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("postgres delete expired", err)
	}
	return out, nil
}

func (b *Backend) PurgeMemoryResident(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	tag, err := b.pool.Exec(ctx, `DELETE FROM file_mappings WHERE is_in_memory`)
	if err != nil {
		return 0, classify("postgres purge memory", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	st := &physical.Stats{BackendType: "postgres"}
	err := b.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size), 0)::BIGINT, COUNT(*) FILTER (WHERE is_in_memory) FROM file_mappings`,
	).Scan(&st.TotalFiles, &st.TotalSize, &st.MemoryFiles)
	if err != nil {
		return nil, classify("postgres stats", err)
	}
	return st, nil
}

// UpdateRateWindow inserts an empty row first so the SELECT ... FOR UPDATE
// always has a row to lock, serializing concurrent callers for one address.
func (b *Backend) UpdateRateWindow(ctx context.Context, clientIP string, fn physical.RateFunc) (*physical.RateWindow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	w := physical.RateWindow{ClientIP: clientIP}
	err := b.inTx(ctx, "postgres update rate window", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rate_limits (client_ip, request_count, window_start, updated_at)
			 VALUES ($1, 0, 'epoch', 'epoch') ON CONFLICT (client_ip) DO NOTHING`, clientIP); err != nil {
			return err
		}

		var start, updated time.Time
		if err := tx.QueryRow(ctx,
			`SELECT request_count, window_start, updated_at FROM rate_limits WHERE client_ip = $1 FOR UPDATE`, clientIP,
		).Scan(&w.Count, &start, &updated); err != nil {
			return err
		}
		if w.Count > 0 {
			w.WindowStart = start.UTC()
			w.UpdatedAt = updated.UTC()
		}

		if !fn(&w) {
			if w.Count == 0 {
				_, err := tx.Exec(ctx, `DELETE FROM rate_limits WHERE client_ip = $1 AND request_count = 0`, clientIP)
				return err
			}
			return nil
		}
		_, err := tx.Exec(ctx,
			`UPDATE rate_limits SET request_count = $2, window_start = $3, updated_at = $4 WHERE client_ip = $1`,
			clientIP, w.Count, w.WindowStart, w.UpdatedAt)
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

	tag, err := b.pool.Exec(ctx, `DELETE FROM rate_limits WHERE updated_at < $1`, before)
	if err != nil {
		return 0, classify("postgres delete stale rate windows", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.pool.Close()
	return nil
}

func (b *Backend) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return classify(op+": begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

func scanBlob(row pgx.Row) (*physical.BlobRecord, error) {
	var (
		rec      physical.BlobRecord
		path     *string
		inMemory bool
		expires  *time.Time
	)
	if err := row.Scan(&rec.ID, &rec.Filename, &rec.ContentType, &path, &rec.Size, &inMemory,
		&rec.CreatedAt, &rec.AccessedAt, &rec.AccessCount, &expires); err != nil {
		return nil, err
	}

	var diskPath string
	if path != nil {
		diskPath = *path
	}
	p, err := placement.Decode(inMemory, rec.ID.String(), diskPath)
	if err != nil {
		return nil, err
	}
	rec.Placement = p
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.AccessedAt = rec.AccessedAt.UTC()
	if expires != nil {
		rec.ExpiresAt = expires.UTC()
	}
	return &rec, nil
}

func encodePlacement(p placement.Placement) (inMemory bool, path *string) {
	if d, ok := p.(placement.OnDisk); ok {
		return false, &d.Path
	}
	return placement.IsMemory(p), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// classify maps pgx errors onto the physical error taxonomy. Anything that is
// not a server-reported error is treated as a connectivity failure.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, physical.ErrNotFound), errors.Is(err, physical.ErrConflict):
		return err
	case errors.Is(err, pgx.ErrNoRows):
		return physical.ErrNotFound
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			if pgErr.ConstraintName == aliasPrimaryKey {
				return fmt.Errorf("%s: %w", op, physical.ErrAliasTaken)
			}
			return fmt.Errorf("%s: %w: %w", op, physical.ErrConflict, err)
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code):
			return physical.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return physical.Unavailable(op, err)
}

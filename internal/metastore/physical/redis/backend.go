// Package redis provides a Redis-backed metadata backend.
//
// Layout under the configured prefix:
//
//	blob:<id>          hash of record fields
//	blob:<id>:aliases  set of short codes pointing at the blob
//	alias:<code>       blob id
//	expiries           zset of blob ids scored by expiry (unix nanos)
//	memory             set of blob ids with an in-memory placement
//	stats              hash of running totals
//	rate:<ip>          hash holding one rate window
//	rate:updated       zset of client addresses scored by last update
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/placement"
	"github.com/gezibash/drop/internal/storage"
)

const (
	KeyURL          = "url"
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"
	KeyTLS          = "tls"

	// maxTxRetries bounds optimistic transaction retries under contention.
	maxTxRetries = 100
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyURL:          "",
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "drop:",
		KeyTLS:          "false",
	}
}

// NewFactory creates a new Redis backend from a configuration map. A url
// entry takes precedence over addr, password and db.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	opts, err := parseOptions(config)
	if err != nil {
		return nil, err
	}
	keyPrefix := storage.GetString(config, KeyKeyPrefix, "drop:")

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, physical.Unavailable("redis connect "+opts.Addr, err)
	}

	slog.InfoContext(ctx, "redis metastore initialized", "addr", opts.Addr, "db", opts.DB, "key_prefix", keyPrefix)
	return NewWithClient(client, keyPrefix), nil
}

func parseOptions(config map[string]string) (*redis.Options, error) {
	var opts *redis.Options
	if url := storage.GetString(config, KeyURL, ""); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("redis", KeyURL, "invalid url", err)
		}
		opts = parsed
	} else {
		addr := storage.GetString(config, KeyAddr, "")
		if addr == "" {
			return nil, storage.NewConfigError("redis", KeyAddr, "cannot be empty")
		}
		db, err := storage.GetInt(config, KeyDB, 0)
		if err != nil {
			return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], err.Error())
		}
		if db < 0 {
			return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], "must be non-negative")
		}
		opts = &redis.Options{
			Addr:     addr,
			Password: storage.GetString(config, KeyPassword, ""),
			DB:       db,
		}
	}

	maxRetries, err := storage.GetInt(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyMaxRetries, config[KeyMaxRetries], err.Error())
	}
	dialTimeout, err := storage.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDialTimeout, config[KeyDialTimeout], err.Error())
	}
	readTimeout, err := storage.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyReadTimeout, config[KeyReadTimeout], err.Error())
	}
	writeTimeout, err := storage.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyWriteTimeout, config[KeyWriteTimeout], err.Error())
	}
	poolSize, err := storage.GetInt(config, KeyPoolSize, 0)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyPoolSize, config[KeyPoolSize], err.Error())
	}
	useTLS, err := storage.GetBool(config, KeyTLS, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyTLS, config[KeyTLS], err.Error())
	}

	// rediss:// URLs already carry a TLS config.
	if useTLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	opts.MaxRetries = maxRetries
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	return opts, nil
}

// Backend is a Redis implementation of physical.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a new backend with an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

// touchScript bumps the access fields only when the record exists.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'accessed', ARGV[1])
return 1
`)

// staleRateScript removes a window only if it was not refreshed since the
// sweep read it.
var staleRateScript = redis.NewScript(`
local updated = tonumber(redis.call('HGET', KEYS[1], 'updated') or '0')
if updated < tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return classify("redis ping", err)
	}
	return nil
}

func (b *Backend) CreateBlob(ctx context.Context, rec *physical.BlobRecord, alias string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	id := rec.ID.String()
	keys := []string{b.blobKey(id)}
	if alias != "" {
		keys = append(keys, b.aliasKey(alias))
	}

	err := b.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			if exists, err := tx.Exists(ctx, b.blobKey(id)).Result(); err != nil {
				return err
			} else if exists > 0 {
				return fmt.Errorf("blob %s: %w", id, physical.ErrConflict)
			}
			return physical.ErrAliasTaken
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.blobKey(id), encodeBlob(rec))
			if alias != "" {
				pipe.Set(ctx, b.aliasKey(alias), id, 0)
				pipe.SAdd(ctx, b.blobAliasesKey(id), alias)
			}
			if !rec.ExpiresAt.IsZero() {
				pipe.ZAdd(ctx, b.expiriesKey(), redis.Z{Score: float64(rec.ExpiresAt.UnixNano()), Member: id})
			}
			if rec.InMemory() {
				pipe.SAdd(ctx, b.memoryKey(), id)
			}
			b.adjustStats(ctx, pipe, rec, 1)
			return nil
		})
		return err
	}, keys...)
	return classify("redis create blob", err)
}

func (b *Backend) GetBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	fields, err := b.client.HGetAll(ctx, b.blobKey(id.String())).Result()
	if err != nil {
		return nil, classify("redis get blob", err)
	}
	if len(fields) == 0 {
		return nil, physical.ErrNotFound
	}
	return decodeBlob(id, fields)
}

func (b *Backend) ResolveAlias(ctx context.Context, code string) (uuid.UUID, error) {
	if b.closed.Load() {
		return uuid.Nil, physical.ErrClosed
	}

	raw, err := b.client.Get(ctx, b.aliasKey(code)).Result()
	if err != nil {
		return uuid.Nil, classify("redis resolve alias", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("redis resolve alias: stored id %q: %w", raw, err)
	}
	return id, nil
}

func (b *Backend) TouchBlob(ctx context.Context, id uuid.UUID, at time.Time) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	n, err := touchScript.Run(ctx, b.client, []string{b.blobKey(id.String())}, at.UnixNano()).Int()
	if err != nil {
		return classify("redis touch blob", err)
	}
	if n == 0 {
		return physical.ErrNotFound
	}
	return nil
}

func (b *Backend) CreateAlias(ctx context.Context, code string, id uuid.UUID, at time.Time) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	blobKey, aliasKey := b.blobKey(id.String()), b.aliasKey(code)
	err := b.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, blobKey).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("alias target %s: %w", id, physical.ErrConflict)
		}
		taken, err := tx.Exists(ctx, aliasKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return physical.ErrAliasTaken
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, aliasKey, id.String(), 0)
			pipe.SAdd(ctx, b.blobAliasesKey(id.String()), code)
			return nil
		})
		return err
	}, blobKey, aliasKey)
	return classify("redis create alias", err)
}

func (b *Backend) AliasExists(ctx context.Context, code string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}

	n, err := b.client.Exists(ctx, b.aliasKey(code)).Result()
	if err != nil {
		return false, classify("redis alias exists", err)
	}
	return n > 0, nil
}

func (b *Backend) DeleteBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	rec, err := b.deleteBlob(ctx, id)
	if err != nil {
		return nil, classify("redis delete blob", err)
	}
	return rec, nil
}

func (b *Backend) deleteBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	key, aliasesKey := b.blobKey(id.String()), b.blobAliasesKey(id.String())

	var rec *physical.BlobRecord
	err := b.watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return physical.ErrNotFound
		}
		rec, err = decodeBlob(id, fields)
		if err != nil {
			return err
		}
		aliases, err := tx.SMembers(ctx, aliasesKey).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, aliasesKey)
			for _, code := range aliases {
				pipe.Del(ctx, b.aliasKey(code))
			}
			pipe.ZRem(ctx, b.expiriesKey(), id.String())
			pipe.SRem(ctx, b.memoryKey(), id.String())
			b.adjustStats(ctx, pipe, rec, -1)
			return nil
		})
		return err
	}, key, aliasesKey)
	return rec, err
}

func (b *Backend) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixNano(), 10)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := b.client.ZRangeByScore(ctx, b.expiriesKey(), rng).Result()
	if err != nil {
		return nil, classify("redis delete expired", err)
	}
	return b.deleteEach(ctx, "redis delete expired", ids, func(rec *physical.BlobRecord) bool {
		return rec.Expired(now)
	})
}

func (b *Backend) PurgeMemoryResident(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	ids, err := b.client.SMembers(ctx, b.memoryKey()).Result()
	if err != nil {
		return 0, classify("redis purge memory", err)
	}
	recs, err := b.deleteEach(ctx, "redis purge memory", ids, nil)
	return len(recs), err
}

// deleteEach deletes the listed blobs, skipping ids that vanished or that
// keep rejects. Index entries for vanished ids are dropped.
func (b *Backend) deleteEach(ctx context.Context, op string, ids []string, keep func(*physical.BlobRecord) bool) ([]*physical.BlobRecord, error) {
	var out []*physical.BlobRecord
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			b.client.ZRem(ctx, b.expiriesKey(), raw)
			b.client.SRem(ctx, b.memoryKey(), raw)
			continue
		}
		if keep != nil {
			rec, err := b.GetBlob(ctx, id)
			if err != nil && !errors.Is(err, physical.ErrNotFound) {
				return out, err
			}
			if rec != nil && !keep(rec) {
				continue
			}
		}
		rec, err := b.deleteBlob(ctx, id)
		switch {
		case errors.Is(err, physical.ErrNotFound):
			b.client.ZRem(ctx, b.expiriesKey(), raw)
			b.client.SRem(ctx, b.memoryKey(), raw)
		case err != nil:
			return out, classify(op, err)
		default:
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	vals, err := b.client.HMGet(ctx, b.statsKey(), "files", "bytes", "memory_files").Result()
	if err != nil {
		return nil, classify("redis stats", err)
	}
	return &physical.Stats{
		TotalFiles:  toInt64(vals[0]),
		TotalSize:   toInt64(vals[1]),
		MemoryFiles: toInt64(vals[2]),
		BackendType: "redis",
	}, nil
}

func (b *Backend) UpdateRateWindow(ctx context.Context, clientIP string, fn physical.RateFunc) (*physical.RateWindow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	key := b.rateKey(clientIP)
	var w physical.RateWindow
	err := b.watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		w = physical.RateWindow{ClientIP: clientIP}
		if len(fields) > 0 {
			w.Count = parseInt(fields["count"])
			w.WindowStart = parseTime(fields["start"])
			w.UpdatedAt = parseTime(fields["updated"])
		}

		if !fn(&w) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"count", w.Count,
				"start", w.WindowStart.UnixNano(),
				"updated", w.UpdatedAt.UnixNano())
			pipe.ZAdd(ctx, b.rateUpdatedKey(), redis.Z{Score: float64(w.UpdatedAt.UnixNano()), Member: clientIP})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, classify("redis update rate window", err)
	}
	return &w, nil
}

func (b *Backend) DeleteStaleRateWindows(ctx context.Context, before time.Time) (int, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	cutoff := before.UnixNano()
	ips, err := b.client.ZRangeByScore(ctx, b.rateUpdatedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, classify("redis delete stale rate windows", err)
	}

	deleted := 0
	for _, ip := range ips {
		n, err := staleRateScript.Run(ctx, b.client,
			[]string{b.rateKey(ip), b.rateUpdatedKey()}, cutoff, ip).Int()
		if err != nil {
			return deleted, classify("redis delete stale rate windows", err)
		}
		deleted += n
	}
	return deleted, nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}

// watch runs fn under WATCH on keys, retrying when another client modified
// a watched key before EXEC.
func (b *Backend) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := b.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("optimistic transaction on %v: %w", keys, redis.TxFailedErr)
}

func (b *Backend) adjustStats(ctx context.Context, pipe redis.Pipeliner, rec *physical.BlobRecord, sign int64) {
	pipe.HIncrBy(ctx, b.statsKey(), "files", sign)
	pipe.HIncrBy(ctx, b.statsKey(), "bytes", sign*rec.Size)
	if rec.InMemory() {
		pipe.HIncrBy(ctx, b.statsKey(), "memory_files", sign)
	}
}

func (b *Backend) blobKey(id string) string        { return b.prefix + "blob:" + id }
func (b *Backend) blobAliasesKey(id string) string { return b.prefix + "blob:" + id + ":aliases" }
func (b *Backend) aliasKey(code string) string     { return b.prefix + "alias:" + code }
func (b *Backend) expiriesKey() string             { return b.prefix + "expiries" }
func (b *Backend) memoryKey() string               { return b.prefix + "memory" }
func (b *Backend) statsKey() string                { return b.prefix + "stats" }
func (b *Backend) rateKey(ip string) string        { return b.prefix + "rate:" + ip }
func (b *Backend) rateUpdatedKey() string          { return b.prefix + "rate:updated" }

func encodeBlob(rec *physical.BlobRecord) map[string]any {
	fields := map[string]any{
		"filename":     rec.Filename,
		"content_type": rec.ContentType,
		"size":         rec.Size,
		"in_memory":    "0",
		"path":         "",
		"created":      rec.CreatedAt.UnixNano(),
		"accessed":     rec.AccessedAt.UnixNano(),
		"count":        rec.AccessCount,
		"expires":      int64(0),
	}
	switch p := rec.Placement.(type) {
	case placement.InMemory:
		fields["in_memory"] = "1"
	case placement.OnDisk:
		fields["path"] = p.Path
	}
	if !rec.ExpiresAt.IsZero() {
		fields["expires"] = rec.ExpiresAt.UnixNano()
	}
	return fields
}

func decodeBlob(id uuid.UUID, fields map[string]string) (*physical.BlobRecord, error) {
	p, err := placement.Decode(fields["in_memory"] == "1", id.String(), fields["path"])
	if err != nil {
		return nil, err
	}
	rec := &physical.BlobRecord{
		ID:          id,
		Filename:    fields["filename"],
		ContentType: fields["content_type"],
		Size:        parseInt(fields["size"]),
		Placement:   p,
		CreatedAt:   parseTime(fields["created"]),
		AccessedAt:  parseTime(fields["accessed"]),
		AccessCount: parseInt(fields["count"]),
		ExpiresAt:   parseTime(fields["expires"]),
	}
	return rec, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// parseTime decodes unix nanos; zero or missing yields the zero time.
func parseTime(s string) time.Time {
	n := parseInt(s)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toInt64(v any) int64 {
	if s, ok := v.(string); ok {
		return parseInt(s)
	}
	return 0
}

// transientReplies are server error prefixes that mean the server cannot
// serve requests right now.
var transientReplies = []string{"LOADING", "READONLY", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN", "BUSY"}

// classify maps go-redis errors onto the physical error taxonomy. Errors
// that are not server replies are treated as connectivity failures.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, physical.ErrNotFound), errors.Is(err, physical.ErrConflict):
		return err
	case errors.Is(err, redis.Nil):
		return physical.ErrNotFound
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	}

	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		for _, prefix := range transientReplies {
			if strings.HasPrefix(msg, prefix) {
				return physical.Unavailable(op, err)
			}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return physical.Unavailable(op, err)
}

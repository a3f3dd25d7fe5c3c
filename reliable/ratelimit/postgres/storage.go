// Package postgres backs the rate limiter with one counter row per
// (bucket, window).
//
// Expected schema:
//
//	CREATE TABLE rate_limit_buckets (
//	    bucket       TEXT        NOT NULL,
//	    window_start TIMESTAMPTZ NOT NULL,
//	    count        BIGINT      NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (bucket, window_start)
//	);
//
// Stale windows accumulate; reap them with a periodic
// DELETE WHERE window_start < now() - interval.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veldtbase/lib-reliable/reliable"
	"github.com/veldtbase/lib-reliable/reliable/ratelimit"
	libpg "github.com/veldtbase/lib-reliable/reliable/postgres"
)

var (
	ErrConnectionRequired    = errors.New("postgres connection is required")
	ErrStorageNotInitialized = errors.New("rate limit storage not initialized")
	ErrInvalidTableName      = errors.New("invalid table name")
)

type Option func(*Storage)

func WithTableName(tableName string) Option {
	return func(storage *Storage) {
		storage.tableName = tableName
	}
}

// Storage implements ratelimit.Storage with a conditional upsert, so the
// count can never pass the limit even under concurrent requests.
type Storage struct {
	conn      *libpg.Connection
	tableName string
}

var _ ratelimit.Storage = (*Storage)(nil)

// NewStorage creates a PostgreSQL rate limit storage.
func NewStorage(conn *libpg.Connection, opts ...Option) (*Storage, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	storage := &Storage{
		conn:      conn,
		tableName: "rate_limit_buckets",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(storage)
		}
	}

	storage.tableName = strings.TrimSpace(storage.tableName)
	if storage.tableName == "" || strings.ContainsAny(storage.tableName, `"';`) {
		return nil, ErrInvalidTableName
	}

	return storage, nil
}

// Increment counts one admission for (bucket, windowStart) if the window
// still has capacity. The upsert's WHERE clause makes the check-and-
// increment a single atomic statement.
func (storage *Storage) Increment(ctx context.Context, bucket string, windowStart time.Time, _ time.Duration, limit int64) (int64, bool, error) {
	if storage == nil || storage.conn == nil {
		return 0, false, ErrStorageNotInitialized
	}

	_, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.ratelimit_increment")
	defer span.End()

	db, err := storage.conn.GetPrimaryDB(ctx)
	if err != nil {
		return 0, false, err
	}

	now := time.Now().UTC()

	query := "INSERT INTO " + storage.tableName + " (bucket, window_start, count, updated_at) VALUES ($1, $2, 1, $3)" +
		" ON CONFLICT (bucket, window_start) DO UPDATE SET count = " + storage.tableName + ".count + 1, updated_at = $3" +
		" WHERE " + storage.tableName + ".count < $4 RETURNING count"

	var count int64

	err = db.QueryRowContext(ctx, query, bucket, windowStart, now, limit).Scan(&count)
	if err == nil {
		return count, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		span.RecordError(err)

		return 0, false, fmt.Errorf("incrementing rate limit bucket: %w", err)
	}

	// The window is full. Read the current count for the denial decision.
	selectQuery := "SELECT count FROM " + storage.tableName + " WHERE bucket = $1 AND window_start = $2"

	err = db.QueryRowContext(ctx, selectQuery, bucket, windowStart).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The full row was reaped between the two statements.
			return limit, false, nil
		}

		span.RecordError(err)

		return 0, false, fmt.Errorf("reading rate limit bucket: %w", err)
	}

	return count, false, nil
}

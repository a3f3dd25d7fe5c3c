// Package postgres persists idempotency keys in PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE idempotency_keys (
//	    org_id          TEXT        NOT NULL,
//	    key             TEXT        NOT NULL,
//	    request_hash    TEXT        NOT NULL,
//	    response_status INT         NOT NULL DEFAULT 0,
//	    response_content_type TEXT  NOT NULL DEFAULT '',
//	    response_body   BYTEA,
//	    locked_at       TIMESTAMPTZ,
//	    completed_at    TIMESTAMPTZ,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (org_id, key)
//	);
//
// The primary key makes the claim insert atomic: under concurrent requests
// with the same key exactly one insert wins.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veldtbase/lib-reliable/reliable"
	"github.com/veldtbase/lib-reliable/reliable/idempotency"
	"github.com/veldtbase/lib-reliable/reliable/log"
	libpg "github.com/veldtbase/lib-reliable/reliable/postgres"
)

const uniqueViolationCode = "23505"

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("idempotency store not initialized")
	ErrInvalidTableName    = errors.New("invalid table name")
)

type Option func(*Store)

func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store keeps idempotency records in a single PostgreSQL table. All
// statements run on the primary so a replay immediately after completion
// never misses the cached response on a lagging replica.
type Store struct {
	conn      *libpg.Connection
	logger    log.Logger
	tableName string
}

var _ idempotency.Store = (*Store)(nil)

// NewStore creates a PostgreSQL idempotency store.
func NewStore(conn *libpg.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		conn:      conn,
		logger:    &log.NopLogger{},
		tableName: "idempotency_keys",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" || strings.ContainsAny(store.tableName, `"';`) {
		return nil, ErrInvalidTableName
	}

	return store, nil
}

// TryClaim inserts an in-flight claim for (orgID, key). On a unique
// violation the existing record is returned instead.
func (store *Store) TryClaim(ctx context.Context, orgID, key, requestHash string, now time.Time) (bool, *idempotency.Record, error) {
	if !store.initialized() {
		return false, nil, ErrStoreNotInitialized
	}

	_, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.idempotency_try_claim")
	defer span.End()

	db, err := store.conn.GetPrimaryDB(ctx)
	if err != nil {
		return false, nil, err
	}

	query := "INSERT INTO " + store.tableName +
		" (org_id, key, request_hash, locked_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $4, $4)"

	// A released claim can disappear between our failed insert and the
	// follow-up read; retry the pair a few times before giving up.
	for range 3 {
		_, err := db.ExecContext(ctx, query, orgID, key, requestHash, now)
		if err == nil {
			return true, nil, nil
		}

		if !isUniqueViolation(err) {
			span.RecordError(err)

			return false, nil, fmt.Errorf("inserting idempotency claim: %w", err)
		}

		existing, getErr := store.Get(ctx, orgID, key)
		if getErr == nil {
			return false, existing, nil
		}

		if !errors.Is(getErr, idempotency.ErrRecordNotFound) {
			return false, nil, getErr
		}
	}

	return false, nil, fmt.Errorf("claiming idempotency key: %w", idempotency.ErrInFlight)
}

// SaveResponse caches the handler response and clears the lock.
func (store *Store) SaveResponse(ctx context.Context, orgID, key string, resp *idempotency.Response, completedAt time.Time) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if resp == nil {
		resp = &idempotency.Response{}
	}

	_, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.idempotency_save_response")
	defer span.End()

	db, err := store.conn.GetPrimaryDB(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE " + store.tableName +
		" SET response_status = $1, response_content_type = $2, response_body = $3, completed_at = $4, locked_at = NULL, updated_at = $4" +
		" WHERE org_id = $5 AND key = $6 AND completed_at IS NULL"

	result, err := db.ExecContext(ctx, query, resp.Status, resp.ContentType, resp.Body, completedAt, orgID, key)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("saving idempotent response: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return idempotency.ErrRecordNotFound
	}

	return nil
}

// Release drops an in-flight claim. Completed records are kept.
func (store *Store) Release(ctx context.Context, orgID, key string) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	_, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.idempotency_release")
	defer span.End()

	db, err := store.conn.GetPrimaryDB(ctx)
	if err != nil {
		return err
	}

	query := "DELETE FROM " + store.tableName + " WHERE org_id = $1 AND key = $2 AND completed_at IS NULL"

	if _, err := db.ExecContext(ctx, query, orgID, key); err != nil {
		span.RecordError(err)

		return fmt.Errorf("releasing idempotency claim: %w", err)
	}

	return nil
}

// Reclaim takes over a stale claim whose lock predates staleBefore.
func (store *Store) Reclaim(ctx context.Context, orgID, key, requestHash string, staleBefore, now time.Time) (bool, error) {
	if !store.initialized() {
		return false, ErrStoreNotInitialized
	}

	_, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.idempotency_reclaim")
	defer span.End()

	db, err := store.conn.GetPrimaryDB(ctx)
	if err != nil {
		return false, err
	}

	query := "UPDATE " + store.tableName +
		" SET locked_at = $1, updated_at = $1" +
		" WHERE org_id = $2 AND key = $3 AND request_hash = $4 AND completed_at IS NULL" +
		" AND (locked_at IS NULL OR locked_at <= $5)"

	result, err := db.ExecContext(ctx, query, now, orgID, key, requestHash, staleBefore)
	if err != nil {
		span.RecordError(err)

		return false, fmt.Errorf("reclaiming idempotency key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return rows == 1, nil
}

// Get fetches a record by (orgID, key).
func (store *Store) Get(ctx context.Context, orgID, key string) (*idempotency.Record, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	_, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.idempotency_get")
	defer span.End()

	db, err := store.conn.GetPrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT org_id, key, request_hash, response_status, response_content_type, response_body, locked_at, completed_at, created_at, updated_at" +
		" FROM " + store.tableName + " WHERE org_id = $1 AND key = $2"

	var record idempotency.Record

	err = db.QueryRowContext(ctx, query, orgID, key).Scan(
		&record.OrgID,
		&record.Key,
		&record.RequestHash,
		&record.ResponseStatus,
		&record.ResponseContentType,
		&record.ResponseBody,
		&record.LockedAt,
		&record.CompletedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, idempotency.ErrRecordNotFound
		}

		span.RecordError(err)

		return nil, fmt.Errorf("getting idempotency record: %w", err)
	}

	return &record, nil
}

func (store *Store) initialized() bool {
	return store != nil && store.conn != nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

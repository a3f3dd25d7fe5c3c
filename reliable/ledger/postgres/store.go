// Package postgres records processed events in PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE processed_events (
//	    event_id     TEXT        PRIMARY KEY,
//	    event_type   TEXT        NOT NULL,
//	    org_id       TEXT,
//	    metadata     JSONB,
//	    processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
// Rows are insert-only in the hot path; the primary key detects
// redeliveries.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/veldtbase/lib-reliable/reliable"
	"github.com/veldtbase/lib-reliable/reliable/ledger"
	libpg "github.com/veldtbase/lib-reliable/reliable/postgres"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("ledger store not initialized")
	ErrEventRequired       = errors.New("event is required")
	ErrInvalidTableName    = errors.New("invalid table name")
)

type Option func(*Store)

func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store implements ledger.Store with an insert guarded by the event id
// primary key.
type Store struct {
	conn      *libpg.Connection
	tableName string
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a PostgreSQL processed-event store.
func NewStore(conn *libpg.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		conn:      conn,
		tableName: "processed_events",
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

// Insert records the event, reporting false when the id was seen before.
func (store *Store) Insert(ctx context.Context, event *ledger.Event) (bool, error) {
	if store == nil || store.conn == nil {
		return false, ErrStoreNotInitialized
	}

	db, err := store.conn.GetPrimaryDB(ctx)
	if err != nil {
		return false, err
	}

	return store.insert(ctx, db, event)
}

// InsertWithTx records the event inside the caller's transaction.
func (store *Store) InsertWithTx(ctx context.Context, tx *sql.Tx, event *ledger.Event) (bool, error) {
	if store == nil || store.conn == nil {
		return false, ErrStoreNotInitialized
	}

	if tx == nil {
		return false, ledger.ErrTxRequired
	}

	return store.insert(ctx, tx, event)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (store *Store) insert(ctx context.Context, db execer, event *ledger.Event) (bool, error) {
	if event == nil {
		return false, ErrEventRequired
	}

	_, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.ledger_insert")
	defer span.End()

	var orgID any
	if event.OrgID != "" {
		orgID = event.OrgID
	}

	var metadata any
	if len(event.Metadata) > 0 {
		metadata = event.Metadata
	}

	query := "INSERT INTO " + store.tableName +
		" (event_id, event_type, org_id, metadata, processed_at) VALUES ($1, $2, $3, $4, $5)" +
		" ON CONFLICT (event_id) DO NOTHING"

	result, err := db.ExecContext(ctx, query, event.EventID, event.EventType, orgID, metadata, event.ProcessedAt)
	if err != nil {
		span.RecordError(err)

		return false, fmt.Errorf("inserting processed event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return rows == 1, nil
}

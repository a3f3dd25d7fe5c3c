package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veldtbase/lib-reliable/reliable"
	"github.com/veldtbase/lib-reliable/reliable/log"
	"github.com/veldtbase/lib-reliable/reliable/outbox"
	libpg "github.com/veldtbase/lib-reliable/reliable/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second

	entryColumns = "id, org_id, event_type, payload, status, attempts, next_retry_at, delivered_at, last_error, created_at, updated_at"
)

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox entries in PostgreSQL.
type Repository struct {
	conn               *libpg.Connection
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(conn *libpg.Connection, opts ...Option) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		conn:               conn,
		logger:             &log.NopLogger{},
		tableName:          "outbox_entries",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_entries"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create stores a new outbox entry using a new transaction.
func (repo *Repository) Create(ctx context.Context, entry *outbox.Entry) (*outbox.Entry, error) {
	return repo.create(ctx, nil, entry)
}

// CreateWithTx stores a new outbox entry using an existing transaction.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, entry *outbox.Entry) (*outbox.Entry, error) {
	return repo.create(ctx, tx, entry)
}

func (repo *Repository) create(ctx context.Context, tx *sql.Tx, entry *outbox.Entry) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if entry == nil {
		return nil, outbox.ErrEntryRequired
	}

	if entry.ID == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_entry")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, tx, func(execTx *sql.Tx) (*outbox.Entry, error) {
		now := time.Now().UTC()

		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		table := quoteIdentifierPath(repo.tableName)
		query := "INSERT INTO " + table + " (" + entryColumns + ")" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING " + entryColumns

		row := execTx.QueryRowContext(ctx, query,
			entry.ID,
			entry.OrgID,
			strings.TrimSpace(entry.EventType),
			entry.Payload,
			outbox.StatusPending,
			0,
			nil,
			nil,
			"",
			createdAt,
			createdAt,
		)

		return scanEntry(row)
	})
	if err != nil {
		span.RecordError(err)
		logSanitizedError(logger, ctx, "failed to create outbox entry", err)

		return nil, fmt.Errorf("creating outbox entry: %w", err)
	}

	return result, nil
}

// ClaimDue atomically claims up to limit due pending entries, flipping them
// to DELIVERING and incrementing attempts. When the context carries an org
// id, the claim is scoped to that org.
func (repo *Repository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_outbox_due")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Entry, error) {
		table := quoteIdentifierPath(repo.tableName)

		inner := "SELECT id FROM " + table +
			" WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)"
		args := []any{outbox.StatusPending, now}

		if orgID, ok := outbox.OrgIDFromContext(ctx); ok {
			inner += fmt.Sprintf(" AND org_id = $%d", len(args)+1)
			args = append(args, orgID)
		}

		inner += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED", len(args)+1)
		args = append(args, limit)

		query := "UPDATE " + table +
			fmt.Sprintf(" SET status = $%d, attempts = attempts + 1, updated_at = $%d", len(args)+1, len(args)+2) +
			" WHERE id IN (" + inner + ") RETURNING " + entryColumns
		args = append(args, outbox.StatusDelivering, now)

		return queryEntries(ctx, tx, query, args, limit, "claiming due entries")
	})
	if err != nil {
		span.RecordError(err)
		logSanitizedError(logger, ctx, "failed to claim due outbox entries", err)

		return nil, fmt.Errorf("claiming due entries: %w", err)
	}

	return result, nil
}

// ReclaimStuck returns DELIVERING entries older than claimedBefore to PENDING.
func (repo *Repository) ReclaimStuck(ctx context.Context, limit int, claimedBefore time.Time) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	logger, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reclaim_outbox_stuck")
	defer span.End()

	count, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (int64, error) {
		table := quoteIdentifierPath(repo.tableName)

		inner := "SELECT id FROM " + table +
			" WHERE status = $1 AND updated_at <= $2"
		args := []any{outbox.StatusDelivering, claimedBefore}

		if orgID, ok := outbox.OrgIDFromContext(ctx); ok {
			inner += fmt.Sprintf(" AND org_id = $%d", len(args)+1)
			args = append(args, orgID)
		}

		inner += fmt.Sprintf(" ORDER BY updated_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED", len(args)+1)
		args = append(args, limit)

		query := "UPDATE " + table +
			fmt.Sprintf(" SET status = $%d, updated_at = $%d", len(args)+1, len(args)+2) +
			" WHERE id IN (" + inner + ")"
		args = append(args, outbox.StatusPending, time.Now().UTC())

		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("executing update: %w", execErr)
		}

		return result.RowsAffected()
	})
	if err != nil {
		span.RecordError(err)
		logSanitizedError(logger, ctx, "failed to reclaim stuck outbox entries", err)

		return 0, fmt.Errorf("reclaiming stuck entries: %w", err)
	}

	return int(count), nil
}

// MarkDelivered transitions DELIVERING -> DELIVERED.
func (repo *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) error {
	return repo.guardedUpdate(ctx, "postgres.mark_outbox_delivered", "marking delivered", id,
		"SET status = $1, delivered_at = $2, updated_at = $3 WHERE id = $4 AND status = $5",
		[]any{outbox.StatusDelivered, deliveredAt, time.Now().UTC(), id, outbox.StatusDelivering},
	)
}

// MarkFailed transitions DELIVERING -> PENDING with the next retry time.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	errMsg = outbox.SanitizeErrorMessage(errMsg)

	return repo.guardedUpdate(ctx, "postgres.mark_outbox_failed", "marking failed", id,
		"SET status = $1, next_retry_at = $2, last_error = $3, updated_at = $4 WHERE id = $5 AND status = $6",
		[]any{outbox.StatusPending, nextRetryAt, errMsg, time.Now().UTC(), id, outbox.StatusDelivering},
	)
}

// MarkDead transitions DELIVERING -> DEAD.
func (repo *Repository) MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error {
	errMsg = outbox.SanitizeErrorMessage(errMsg)

	return repo.guardedUpdate(ctx, "postgres.mark_outbox_dead", "marking dead", id,
		"SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4 AND status = $5",
		[]any{outbox.StatusDead, errMsg, time.Now().UTC(), id, outbox.StatusDelivering},
	)
}

// Requeue transitions DEAD -> PENDING with a fresh attempt budget.
func (repo *Repository) Requeue(ctx context.Context, id uuid.UUID) error {
	return repo.guardedUpdate(ctx, "postgres.requeue_outbox_dead", "requeueing dead entry", id,
		"SET status = $1, attempts = 0, next_retry_at = NULL, last_error = '', updated_at = $2 WHERE id = $3 AND status = $4",
		[]any{outbox.StatusPending, time.Now().UTC(), id, outbox.StatusDead},
	)
}

func (repo *Repository) guardedUpdate(
	ctx context.Context,
	spanName string,
	action string,
	id uuid.UUID,
	setClause string,
	args []any,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	logger, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	_, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "UPDATE " + table + " " + setClause

		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		span.RecordError(err)
		logSanitizedError(logger, ctx, "failed "+action, err)

		return fmt.Errorf("%s: %w", action, err)
	}

	return nil
}

// GetByID retrieves an outbox entry by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_outbox_by_id")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) (*outbox.Entry, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + entryColumns + " FROM " + table + " WHERE id = $1"

		return scanEntry(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrEntryNotFound
		}

		span.RecordError(err)
		logSanitizedError(logger, ctx, "failed to get outbox entry", err)

		return nil, fmt.Errorf("getting outbox entry: %w", err)
	}

	return result, nil
}

// ListDead returns dead entries, newest first.
func (repo *Repository) ListDead(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_dead")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Entry, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + entryColumns + " FROM " + table + " WHERE status = $1"
		args := []any{outbox.StatusDead}

		if orgID, ok := outbox.OrgIDFromContext(ctx); ok {
			query += fmt.Sprintf(" AND org_id = $%d", len(args)+1)
			args = append(args, orgID)
		}

		query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args)+1)
		args = append(args, limit)

		return queryEntries(ctx, tx, query, args, limit, "querying dead entries")
	})
	if err != nil {
		span.RecordError(err)
		logSanitizedError(logger, ctx, "failed to list dead outbox entries", err)

		return nil, fmt.Errorf("listing dead entries: %w", err)
	}

	return result, nil
}

// ListOrgs lists org ids with pending entries.
func (repo *Repository) ListOrgs(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	logger, tracer, _ := reliable.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_orgs")
	defer span.End()

	result, err := withTxOrExisting(repo, ctx, nil, func(tx *sql.Tx) ([]string, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT DISTINCT org_id FROM " + table + " WHERE status = $1 ORDER BY org_id"

		rows, err := tx.QueryContext(ctx, query, outbox.StatusPending)
		if err != nil {
			return nil, fmt.Errorf("querying orgs: %w", err)
		}

		defer rows.Close()

		var orgs []string

		for rows.Next() {
			var orgID string
			if err := rows.Scan(&orgID); err != nil {
				return nil, fmt.Errorf("scanning org id: %w", err)
			}

			orgs = append(orgs, orgID)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating rows: %w", err)
		}

		return orgs, nil
	})
	if err != nil {
		span.RecordError(err)
		logSanitizedError(logger, ctx, "failed to list outbox orgs", err)

		return nil, fmt.Errorf("listing orgs: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.conn != nil
}

func withTxOrExisting[T any](
	repo *Repository,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	primaryDB, err := repo.conn.GetPrimaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*outbox.Entry, error) {
	var entry outbox.Entry

	var (
		status    string
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.OrgID,
		&entry.EventType,
		&entry.Payload,
		&status,
		&entry.Attempts,
		&entry.NextRetryAt,
		&entry.DeliveredAt,
		&lastError,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox entry: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	entry.Status = parsed

	if lastError.Valid {
		entry.LastError = lastError.String
	}

	return &entry, nil
}

func queryEntries(
	ctx context.Context,
	tx *sql.Tx,
	query string,
	args []any,
	limit int,
	errorPrefix string,
) ([]*outbox.Entry, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorPrefix, err)
	}

	defer rows.Close()

	entries := make([]*outbox.Entry, 0, limit)

	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return entries, nil
}

func ensureRowsAffected(result sql.Result) error {
	if result == nil {
		return outbox.ErrStateTransitionConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return outbox.ErrStateTransitionConflict
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if logger == nil || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

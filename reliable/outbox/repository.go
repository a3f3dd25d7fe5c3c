package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx.
//
// It intentionally aliases *sql.Tx so enqueue runs inside the caller's
// existing database/sql transaction without hidden adapter layers.
type Tx = *sql.Tx

// Repository defines persistence operations for outbox entries.
type Repository interface {
	// Create persists a new pending entry outside any caller transaction.
	Create(ctx context.Context, entry *Entry) (*Entry, error)
	// CreateWithTx persists a new pending entry inside the caller's
	// transaction, so the entry commits or rolls back with the business write.
	CreateWithTx(ctx context.Context, tx Tx, entry *Entry) (*Entry, error)
	// ClaimDue atomically selects up to limit due pending entries (NextRetryAt
	// unset or <= now), flips them to DELIVERING and increments Attempts.
	// Rows are locked with SKIP LOCKED so concurrent dispatchers never claim
	// the same entry.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Entry, error)
	// ReclaimStuck returns DELIVERING entries older than claimedBefore back
	// to PENDING so a crashed dispatcher cannot strand them.
	ReclaimStuck(ctx context.Context, limit int, claimedBefore time.Time) (int, error)
	// MarkDelivered transitions DELIVERING -> DELIVERED.
	MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) error
	// MarkFailed transitions DELIVERING -> PENDING with the next retry time
	// and a sanitized error message.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error
	// MarkDead transitions DELIVERING -> DEAD once the retry cap is exhausted.
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error
	// GetByID fetches a single entry.
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// ListDead returns dead entries for inspection and manual requeue.
	ListDead(ctx context.Context, limit int) ([]*Entry, error)
	// Requeue transitions a DEAD entry back to PENDING with zeroed attempts.
	Requeue(ctx context.Context, id uuid.UUID) error
	// ListOrgs lists org identifiers that currently have pending entries.
	ListOrgs(ctx context.Context) ([]string, error)
}

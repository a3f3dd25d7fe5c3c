// Package ledger deduplicates inbound events from retry-happy external
// senders. Each event is recorded once under the sender's own event id;
// redeliveries are detected and reported as not new, so their side
// effects run exactly once.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrStoreRequired     = errors.New("ledger store is required")
	ErrEventIDRequired   = errors.New("event id is required")
	ErrEventTypeRequired = errors.New("event type is required")
	ErrMetadataNotJSON   = errors.New("metadata must be valid JSON")
	ErrTxRequired        = errors.New("transaction is required")
)

// Event is one processed external event.
type Event struct {
	EventID     string
	EventType   string
	OrgID       string
	Metadata    []byte
	ProcessedAt time.Time
}

// Store records events with a uniqueness guarantee on EventID: under
// concurrent inserts of the same id exactly one reports inserted.
type Store interface {
	Insert(ctx context.Context, event *Event) (inserted bool, err error)
	InsertWithTx(ctx context.Context, tx *sql.Tx, event *Event) (inserted bool, err error)
}

type Option func(*Ledger)

func WithTracer(tracer trace.Tracer) Option {
	return func(ledger *Ledger) {
		if tracer != nil {
			ledger.tracer = tracer
		}
	}
}

// Ledger marks events processed at most once.
type Ledger struct {
	store  Store
	tracer trace.Tracer
}

// NewLedger creates a Ledger backed by store.
func NewLedger(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	ledger := &Ledger{
		store:  store,
		tracer: noop.NewTracerProvider().Tracer("reliable.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}

	return ledger, nil
}

// MarkProcessedIfNew records the event and reports whether it is new.
// A false return means the event was already processed: skip all side
// effects and acknowledge the sender.
func (ledger *Ledger) MarkProcessedIfNew(ctx context.Context, eventID, eventType, orgID string, metadata []byte) (bool, error) {
	return ledger.mark(ctx, nil, eventID, eventType, orgID, metadata)
}

// MarkProcessedIfNewTx is MarkProcessedIfNew inside the caller's
// transaction, so the dedup mark commits or rolls back together with the
// side effects it guards.
func (ledger *Ledger) MarkProcessedIfNewTx(ctx context.Context, tx *sql.Tx, eventID, eventType, orgID string, metadata []byte) (bool, error) {
	if tx == nil {
		return false, ErrTxRequired
	}

	return ledger.mark(ctx, tx, eventID, eventType, orgID, metadata)
}

func (ledger *Ledger) mark(ctx context.Context, tx *sql.Tx, eventID, eventType, orgID string, metadata []byte) (bool, error) {
	if ledger == nil || ledger.store == nil {
		return false, ErrStoreRequired
	}

	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, ErrEventIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return false, ErrEventTypeRequired
	}

	if len(metadata) > 0 && !json.Valid(metadata) {
		return false, ErrMetadataNotJSON
	}

	ctx, span := ledger.tracer.Start(ctx, "ledger.mark_processed")
	defer span.End()

	event := &Event{
		EventID:     eventID,
		EventType:   eventType,
		OrgID:       strings.TrimSpace(orgID),
		Metadata:    metadata,
		ProcessedAt: time.Now().UTC(),
	}

	var (
		inserted bool
		err      error
	)

	if tx != nil {
		inserted, err = ledger.store.InsertWithTx(ctx, tx, event)
	} else {
		inserted, err = ledger.store.Insert(ctx, event)
	}

	if err != nil {
		span.RecordError(err)

		return false, err
	}

	span.SetAttributes(attribute.Bool("ledger.is_new", inserted))

	return inserted, nil
}

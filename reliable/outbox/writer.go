package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Writer enqueues outbox entries. The transactional path is the normal one:
// Enqueue shares the caller's transaction so the entry commits atomically
// with the business write it describes.
type Writer struct {
	repo   Repository
	tracer trace.Tracer
}

// NewWriter creates a Writer backed by repo.
func NewWriter(repo Repository, tracer trace.Tracer) (*Writer, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("reliable.noop")
	}

	return &Writer{repo: repo, tracer: tracer}, nil
}

// Enqueue validates and persists a new pending entry inside tx.
func (writer *Writer) Enqueue(ctx context.Context, tx Tx, orgID, eventType string, payload []byte) (*Entry, error) {
	if writer == nil || writer.repo == nil {
		return nil, ErrRepositoryRequired
	}

	if tx == nil {
		return nil, ErrTxRequired
	}

	ctx, span := writer.tracer.Start(ctx, "outbox.enqueue")
	defer span.End()

	entry, err := NewEntry(orgID, eventType, payload)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	created, err := writer.repo.CreateWithTx(ctx, tx, entry)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("enqueue outbox entry: %w", err)
	}

	return created, nil
}

//go:build unit

package outbox

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriterRequiresRepository(t *testing.T) {
	_, err := NewWriter(nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)
}

func TestEnqueueRequiresTx(t *testing.T) {
	writer, err := NewWriter(&fakeRepo{}, nil)
	require.NoError(t, err)

	_, err = writer.Enqueue(context.Background(), nil, "org-1", "invoice.created", []byte(`{}`))
	require.ErrorIs(t, err, ErrTxRequired)
}

func TestEnqueuePersistsPendingEntry(t *testing.T) {
	repo := &fakeRepo{}

	writer, err := NewWriter(repo, nil)
	require.NoError(t, err)

	entry, err := writer.Enqueue(context.Background(), &sql.Tx{}, "org-1", "invoice.created", []byte(`{"id":1}`))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, "org-1", entry.OrgID)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	writer, err := NewWriter(&fakeRepo{}, nil)
	require.NoError(t, err)

	_, err = writer.Enqueue(context.Background(), &sql.Tx{}, "org-1", "invoice.created", []byte("nope"))
	require.ErrorIs(t, err, ErrPayloadNotJSON)
}

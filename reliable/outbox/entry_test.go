//go:build unit

package outbox

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	entry, err := NewEntry("org-1", " invoice.created ", []byte(`{"id":1}`))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, "org-1", entry.OrgID)
	assert.Equal(t, "invoice.created", entry.EventType)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Zero(t, entry.Attempts)
	assert.Nil(t, entry.NextRetryAt)
	assert.Nil(t, entry.DeliveredAt)
	assert.Equal(t, entry.CreatedAt, entry.UpdatedAt)
	assert.Equal(t, entry.CreatedAt.Location(), entry.CreatedAt.UTC().Location())
}

func TestNewEntryValidation(t *testing.T) {
	valid := []byte(`{"id":1}`)

	_, err := NewEntryWithID(uuid.Nil, "org-1", "t", valid)
	require.Error(t, err)

	_, err = NewEntry("  ", "t", valid)
	require.ErrorIs(t, err, ErrOrgIDRequired)

	_, err = NewEntry("org-1", "  ", valid)
	require.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = NewEntry("org-1", "t", nil)
	require.ErrorIs(t, err, ErrPayloadRequired)

	_, err = NewEntry("org-1", "t", []byte("not json"))
	require.ErrorIs(t, err, ErrPayloadNotJSON)

	oversized := []byte(`"` + strings.Repeat("x", DefaultMaxPayloadBytes) + `"`)
	_, err = NewEntry("org-1", "t", oversized)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

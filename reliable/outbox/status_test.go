//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("PENDING")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	_, err = ParseStatus("PUBLISHED")
	require.ErrorIs(t, err, ErrStatusInvalid)

	_, err = ParseStatus("")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusDelivering},
		{StatusDelivering, StatusDelivered},
		{StatusDelivering, StatusPending},
		{StatusDelivering, StatusDead},
	}

	for _, tt := range allowed {
		assert.True(t, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusDelivered},
		{StatusPending, StatusDead},
		{StatusDelivered, StatusPending},
		{StatusDelivered, StatusDelivering},
		{StatusDead, StatusPending},
		{StatusDead, StatusDelivering},
		{StatusDelivering, StatusDelivering},
	}

	for _, tt := range denied {
		assert.False(t, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusDelivered.IsTerminal())
	assert.True(t, StatusDead.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusDelivering.IsTerminal())
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition("PENDING", "DELIVERING"))
	require.ErrorIs(t, ValidateTransition("DELIVERED", "PENDING"), ErrTransitionInvalid)
	require.ErrorIs(t, ValidateTransition("bogus", "PENDING"), ErrStatusInvalid)
	require.ErrorIs(t, ValidateTransition("PENDING", "bogus"), ErrStatusInvalid)
}

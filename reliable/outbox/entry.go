package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds payload size so a single oversized event
// cannot wedge a dispatch batch.
const DefaultMaxPayloadBytes = 1 << 20

// Entry is an event stored in the outbox for reliable delivery.
type Entry struct {
	ID          uuid.UUID
	OrgID       string
	EventType   string
	Payload     []byte
	Status      Status
	Attempts    int
	NextRetryAt *time.Time
	DeliveredAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEntry creates a valid outbox entry initialized as pending.
func NewEntry(orgID, eventType string, payload []byte) (*Entry, error) {
	return NewEntryWithID(uuid.New(), orgID, eventType, payload)
}

// NewEntryWithID creates a valid outbox entry initialized as pending using a
// caller-provided ID. Callers that derive the ID deterministically from the
// business operation get natural enqueue dedup via the primary key.
func NewEntryWithID(entryID uuid.UUID, orgID, eventType string, payload []byte) (*Entry, error) {
	if entryID == uuid.Nil {
		return nil, fmt.Errorf("outbox entry id: %w", ErrEntryRequired)
	}

	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("outbox entry org: %w", ErrOrgIDRequired)
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("outbox entry type: %w", ErrEventTypeRequired)
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Entry{
		ID:        entryID,
		OrgID:     orgID,
		EventType: eventType,
		Payload:   payload,
		Status:    StatusPending,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

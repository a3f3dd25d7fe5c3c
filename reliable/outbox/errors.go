package outbox

import "errors"

var (
	ErrEntryRequired           = errors.New("outbox entry is required")
	ErrRepositoryRequired      = errors.New("outbox repository is required")
	ErrDispatcherRequired      = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning       = errors.New("outbox dispatcher is already running")
	ErrPayloadRequired         = errors.New("outbox entry payload is required")
	ErrPayloadTooLarge         = errors.New("outbox entry payload exceeds maximum allowed size")
	ErrPayloadNotJSON          = errors.New("outbox entry payload must be valid JSON (stored as JSONB)")
	ErrSinkRegistryRequired    = errors.New("sink registry is required")
	ErrEventTypeRequired       = errors.New("event type is required")
	ErrSinkRequired            = errors.New("sink is required")
	ErrSinkAlreadyRegistered   = errors.New("sink already registered")
	ErrSinkNotRegistered       = errors.New("no sink registered for event type")
	ErrOrgIDRequired           = errors.New("org id is required")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")
	ErrTxRequired              = errors.New("transaction is required")
	ErrEntryNotFound           = errors.New("outbox entry not found")
	ErrStateTransitionConflict = errors.New("outbox entry state changed concurrently")
)

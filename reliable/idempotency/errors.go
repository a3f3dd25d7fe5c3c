package idempotency

import "errors"

var (
	ErrStoreRequired   = errors.New("idempotency store is required")
	ErrKeyRequired     = errors.New("idempotency key is required")
	ErrHandlerRequired = errors.New("handler is required")
	ErrRecordNotFound  = errors.New("idempotency record not found")

	// ErrConflict reports the same key reused for a different request.
	ErrConflict = errors.New("idempotency key reused with a different request")

	// ErrInFlight reports that a prior attempt with the same key is still
	// executing and no result became available within the wait budget.
	ErrInFlight = errors.New("request with this idempotency key is in flight")
)

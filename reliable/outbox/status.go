package outbox

import "fmt"

// Status represents a valid outbox entry lifecycle state.
type Status string

const (
	// StatusPending marks an entry waiting for delivery. Entries re-enter
	// this state after a failed attempt, gated by NextRetryAt.
	StatusPending Status = "PENDING"
	// StatusDelivering marks an entry claimed by a dispatcher.
	StatusDelivering Status = "DELIVERING"
	// StatusDelivered is terminal: the entry reached its sink.
	StatusDelivered Status = "DELIVERED"
	// StatusDead is terminal: the retry cap was exhausted.
	StatusDead Status = "DEAD"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusDelivering, StatusDelivered, StatusDead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (status Status) IsTerminal() bool {
	return status == StatusDelivered || status == StatusDead
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusDelivering
	case StatusDelivering:
		return next == StatusPending || next == StatusDelivered || next == StatusDead
	case StatusDelivered, StatusDead:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}

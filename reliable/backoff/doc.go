// Package backoff provides exponential backoff with full jitter for the
// retry paths in this module (outbox redelivery scheduling, idempotency
// in-flight polling).
package backoff

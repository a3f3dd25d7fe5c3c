// Package outbox implements the transactional outbox: entries are enqueued
// inside the caller's database transaction and a background dispatcher
// delivers them to registered sinks with per-entry exponential backoff.
//
// Delivery is at-least-once. A delivered entry whose state update fails may
// be delivered again, so sinks and their downstream consumers must tolerate
// duplicates (pair the dispatcher with the ledger package on the receiving
// side).
package outbox

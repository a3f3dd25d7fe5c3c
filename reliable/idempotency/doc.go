// Package idempotency makes mutating requests safe to retry. A client
// supplies an idempotency key; the executor guarantees the wrapped handler
// runs at most once successfully per key, replays the cached response to
// retries, and rejects key reuse across different requests.
package idempotency

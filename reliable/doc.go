// Package reliable is the root of lib-reliable, the reliable event delivery
// and request-safety core for multi-tenant SaaS backends.
//
// The subpackages implement four mechanisms that share one problem:
// producing exactly the right number of side effects under crashes, retries
// and concurrency.
//
//   - outbox: transactional outbox writer and a background dispatcher that
//     delivers entries to webhook, message-queue and email sinks with
//     per-entry exponential backoff and a retry cap.
//   - idempotency: idempotency-key store and executor guaranteeing a
//     mutating handler runs at most once successfully per key.
//   - ratelimit: fixed-window rate limiter over atomic storage counters.
//   - ledger: processed-event ledger deduplicating inbound webhooks.
//
// This root package carries the shared lifecycle (App/Launcher) and the
// tracking bundle (logger + tracer) propagated through context.
package reliable

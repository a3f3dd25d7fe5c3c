// Package http provides fiber middlewares for the request-safety
// components: idempotent execution, fixed-window rate limiting and
// inbound webhook deduplication.
package http

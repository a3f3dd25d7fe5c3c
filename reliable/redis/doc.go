// Package redis provides the Redis connection hub used by the rate limiter
// storage backend.
package redis

// Package ratelimit admits at most N requests per bucket per fixed time
// window. Counting happens in shared storage with atomic conditional
// increments, so the limit holds across concurrent requests and across
// multiple service instances.
package ratelimit

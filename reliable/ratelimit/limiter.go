package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/veldtbase/lib-reliable/reliable/log"
)

var (
	ErrStorageRequired = errors.New("rate limit storage is required")
	ErrBucketRequired  = errors.New("bucket is required")
	ErrLimitInvalid    = errors.New("limit must be greater than zero")
	ErrWindowInvalid   = errors.New("window must be greater than zero")

	// ErrStorageUnavailable wraps storage failures. The returned Decision
	// still reflects the configured FailurePolicy.
	ErrStorageUnavailable = errors.New("rate limit storage unavailable")
)

// FailurePolicy decides what happens to a request when storage fails.
type FailurePolicy int

const (
	// FailClosed rejects requests on storage failure. Safer for abuse
	// protection, the default.
	FailClosed FailurePolicy = iota

	// FailOpen admits requests on storage failure. Safer for availability.
	FailOpen
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	// Count is the number of admitted requests in the current window,
	// including this one when allowed.
	Count int64
	// RetryAfter is the time until the next window opens. Zero when allowed.
	RetryAfter time.Duration
}

// Storage counts admissions per (bucket, window). Increment must be a
// single atomic conditional operation: two concurrent calls at count
// limit-1 must never both be allowed.
type Storage interface {
	Increment(ctx context.Context, bucket string, windowStart time.Time, window time.Duration, limit int64) (count int64, allowed bool, err error)
}

type LimiterOption func(*Limiter)

func WithFailurePolicy(policy FailurePolicy) LimiterOption {
	return func(limiter *Limiter) {
		limiter.policy = policy
	}
}

func WithLogger(logger log.Logger) LimiterOption {
	return func(limiter *Limiter) {
		if logger != nil {
			limiter.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) LimiterOption {
	return func(limiter *Limiter) {
		if tracer != nil {
			limiter.tracer = tracer
		}
	}
}

// Limiter enforces fixed-window limits over a Storage.
type Limiter struct {
	storage Storage
	policy  FailurePolicy
	logger  log.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewLimiter creates a Limiter over storage.
func NewLimiter(storage Storage, opts ...LimiterOption) (*Limiter, error) {
	if storage == nil {
		return nil, ErrStorageRequired
	}

	limiter := &Limiter{
		storage: storage,
		policy:  FailClosed,
		logger:  &log.NopLogger{},
		tracer:  noop.NewTracerProvider().Tracer("reliable.noop"),
		now:     time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(limiter)
		}
	}

	return limiter, nil
}

// Check atomically counts this request against the bucket's current
// window. On storage failure the Decision follows the FailurePolicy and
// the error wraps ErrStorageUnavailable.
func (limiter *Limiter) Check(ctx context.Context, bucket string, limit int64, window time.Duration) (*Decision, error) {
	if limiter == nil || limiter.storage == nil {
		return nil, ErrStorageRequired
	}

	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, ErrBucketRequired
	}

	if limit <= 0 {
		return nil, ErrLimitInvalid
	}

	if window <= 0 {
		return nil, ErrWindowInvalid
	}

	ctx, span := limiter.tracer.Start(ctx, "ratelimit.check")
	defer span.End()

	now := limiter.now().UTC()
	windowStart := now.Truncate(window)

	count, allowed, err := limiter.storage.Increment(ctx, bucket, windowStart, window, limit)
	if err != nil {
		span.RecordError(err)
		log.SafeError(limiter.logger, ctx, "rate limit storage failure", err)

		return &Decision{Allowed: limiter.policy == FailOpen},
			fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	decision := &Decision{Allowed: allowed, Count: count}
	if !allowed {
		decision.RetryAfter = windowStart.Add(window).Sub(now)
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", decision.Allowed),
		attribute.Int64("ratelimit.count", decision.Count),
	)

	return decision, nil
}

package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/veldtbase/lib-reliable/reliable/backoff"
	"github.com/veldtbase/lib-reliable/reliable/log"
)

// WaitPolicy controls what happens when a request finds its key in flight.
type WaitPolicy int

const (
	// WaitForResult polls for the prior attempt's result until WaitTimeout,
	// then fails with ErrInFlight.
	WaitForResult WaitPolicy = iota

	// ReturnConflict fails immediately with ErrInFlight.
	ReturnConflict
)

const (
	// DefaultExecutionTimeout bounds how long a claim is honored before a
	// crashed owner's lock is considered stale and reclaimable.
	DefaultExecutionTimeout = 30 * time.Second

	// DefaultWaitTimeout bounds how long WaitForResult blocks.
	DefaultWaitTimeout = 10 * time.Second

	// DefaultPollInterval is the base delay between in-flight polls.
	DefaultPollInterval = 50 * time.Millisecond

	releaseTimeout = 5 * time.Second
)

// Handler is the wrapped business operation. It runs at most once
// successfully per idempotency key.
type Handler func(ctx context.Context) (*Response, error)

// Request identifies one idempotent execution. Method, Path and Body feed
// the request digest; OrgID scopes the key.
type Request struct {
	OrgID  string
	Key    string
	Method string
	Path   string
	Body   []byte
}

// Result is the response of an idempotent execution. Replayed reports
// whether it was served from the cache instead of running the handler.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Replayed    bool
}

type ExecutorOption func(*Executor)

func WithExecutionTimeout(timeout time.Duration) ExecutorOption {
	return func(executor *Executor) {
		if timeout > 0 {
			executor.executionTimeout = timeout
		}
	}
}

func WithWaitTimeout(timeout time.Duration) ExecutorOption {
	return func(executor *Executor) {
		if timeout > 0 {
			executor.waitTimeout = timeout
		}
	}
}

func WithPollInterval(interval time.Duration) ExecutorOption {
	return func(executor *Executor) {
		if interval > 0 {
			executor.pollInterval = interval
		}
	}
}

func WithWaitPolicy(policy WaitPolicy) ExecutorOption {
	return func(executor *Executor) {
		executor.waitPolicy = policy
	}
}

func WithLogger(logger log.Logger) ExecutorOption {
	return func(executor *Executor) {
		if logger != nil {
			executor.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(executor *Executor) {
		if tracer != nil {
			executor.tracer = tracer
		}
	}
}

// Executor runs handlers at most once successfully per idempotency key.
type Executor struct {
	store            Store
	logger           log.Logger
	tracer           trace.Tracer
	executionTimeout time.Duration
	waitTimeout      time.Duration
	pollInterval     time.Duration
	waitPolicy       WaitPolicy
}

// NewExecutor creates an Executor backed by store.
func NewExecutor(store Store, opts ...ExecutorOption) (*Executor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	executor := &Executor{
		store:            store,
		logger:           &log.NopLogger{},
		tracer:           noop.NewTracerProvider().Tracer("reliable.noop"),
		executionTimeout: DefaultExecutionTimeout,
		waitTimeout:      DefaultWaitTimeout,
		pollInterval:     DefaultPollInterval,
		waitPolicy:       WaitForResult,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(executor)
		}
	}

	return executor, nil
}

// Execute runs handler under the request's idempotency key. The first
// caller to claim the key executes; retries with the same request replay
// the cached response; key reuse with a different request is ErrConflict.
func (executor *Executor) Execute(ctx context.Context, req Request, handler Handler) (*Result, error) {
	if executor == nil || executor.store == nil {
		return nil, ErrStoreRequired
	}

	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return nil, ErrKeyRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	requestHash := Digest(req.Method, req.Path, req.Body)

	ctx, span := executor.tracer.Start(ctx, "idempotency.execute")
	defer span.End()

	span.SetAttributes(attribute.String("idempotency.request_hash", requestHash))

	deadline := time.Now().Add(executor.waitTimeout)

	for {
		now := time.Now().UTC()

		claimed, existing, err := executor.store.TryClaim(ctx, req.OrgID, req.Key, requestHash, now)
		if err != nil {
			span.RecordError(err)

			return nil, fmt.Errorf("claiming idempotency key: %w", err)
		}

		if claimed {
			return executor.run(ctx, req, handler)
		}

		if existing.RequestHash != requestHash {
			return nil, ErrConflict
		}

		if existing.Completed() {
			span.SetAttributes(attribute.Bool("idempotency.replayed", true))

			return &Result{
				Status:      existing.ResponseStatus,
				ContentType: existing.ResponseContentType,
				Body:        existing.ResponseBody,
				Replayed:    true,
			}, nil
		}

		// In flight. A lock older than the execution timeout belongs to a
		// crashed owner and can be taken over.
		staleBefore := now.Add(-executor.executionTimeout)
		if existing.LockedAt == nil || !existing.LockedAt.After(staleBefore) {
			reclaimed, err := executor.store.Reclaim(ctx, req.OrgID, req.Key, requestHash, staleBefore, now)
			if err != nil {
				span.RecordError(err)

				return nil, fmt.Errorf("reclaiming stale idempotency key: %w", err)
			}

			if reclaimed {
				return executor.run(ctx, req, handler)
			}

			// Lost the reclaim race; the winner's result will show up on
			// the next poll.
		}

		if executor.waitPolicy == ReturnConflict {
			return nil, ErrInFlight
		}

		if time.Now().After(deadline) {
			return nil, ErrInFlight
		}

		delay := executor.pollInterval + backoff.FullJitter(executor.pollInterval)
		if err := backoff.WaitContext(ctx, delay); err != nil {
			return nil, fmt.Errorf("waiting for in-flight request: %w", err)
		}
	}
}

// run executes the handler as the claim owner. A failed or panicking
// handler releases the claim so a client retry can execute again; only a
// stored response makes the key permanent.
func (executor *Executor) run(ctx context.Context, req Request, handler Handler) (*Result, error) {
	handlerDone := false

	defer func() {
		if handlerDone {
			return
		}

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		if err := executor.store.Release(releaseCtx, req.OrgID, req.Key); err != nil {
			log.SafeError(executor.logger, releaseCtx, "failed to release idempotency claim", err)
		}
	}()

	resp, err := handler(ctx)
	if err != nil {
		return nil, err
	}

	if resp == nil {
		resp = &Response{}
	}

	handlerDone = true

	if err := executor.store.SaveResponse(ctx, req.OrgID, req.Key, resp, time.Now().UTC()); err != nil {
		// The claim stays in place. The stale-lock path will eventually
		// reopen the key rather than caching a response we failed to store.
		return nil, fmt.Errorf("saving idempotent response: %w", err)
	}

	return &Result{Status: resp.Status, ContentType: resp.ContentType, Body: resp.Body}, nil
}

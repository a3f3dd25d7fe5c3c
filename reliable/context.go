package reliable

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/veldtbase/lib-reliable/reliable/log"
)

type trackingContextKey string

// TrackingContextKey stores the request-scoped tracking bundle.
const TrackingContextKey trackingContextKey = "reliable.tracking"

// Tracking holds the request-scoped facilities attached to context.
type Tracking struct {
	Logger   log.Logger
	Tracer   trace.Tracer
	HeaderID string
}

// ContextWithLogger returns a context carrying logger in the tracking bundle.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	tracking := trackingFrom(ctx)
	tracking.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// ContextWithTracer returns a context carrying tracer in the tracking bundle.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	tracking := trackingFrom(ctx)
	tracking.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// ContextWithHeaderID returns a context carrying a correlation id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	tracking := trackingFrom(ctx)
	tracking.HeaderID = strings.TrimSpace(headerID)

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// NewTrackingFromContext extracts tracking components with fail-safe
// fallbacks: a nop logger, the global tracer and a generated correlation id
// when the bundle is absent or partially populated.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	tracking := trackingFrom(ctx)

	logger := tracking.Logger
	if logger == nil {
		logger = &log.NopLogger{}
	}

	tracer := tracking.Tracer
	if tracer == nil {
		tracer = otel.Tracer("reliable.default")
	}

	headerID := strings.TrimSpace(tracking.HeaderID)
	if headerID == "" {
		headerID = uuid.New().String()
	}

	return logger, tracer, headerID
}

func trackingFrom(ctx context.Context) *Tracking {
	if ctx != nil {
		if tracking, ok := ctx.Value(TrackingContextKey).(*Tracking); ok && tracking != nil {
			clone := *tracking

			return &clone
		}
	}

	return &Tracking{}
}

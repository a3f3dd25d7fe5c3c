package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/veldtbase/lib-reliable/reliable"
	"github.com/veldtbase/lib-reliable/reliable/backoff"
	"github.com/veldtbase/lib-reliable/reliable/log"
	"github.com/veldtbase/lib-reliable/reliable/runtime"
)

const (
	overflowOrgMetricLabel     = "_other"
	maxTrackedClaimFailureOrgs = 4096
)

// Dispatcher claims due outbox entries and delivers them through registered
// sinks. Multiple dispatcher instances can run against the same table; the
// claim query uses row locks with SKIP LOCKED so they never double-deliver
// within a cycle.
type Dispatcher struct {
	repo            Repository
	sinks           *SinkRegistry
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             DispatcherConfig

	claimFailureCounts map[string]int
	failureCountsMu    sync.Mutex
	orgMetricKeys      map[string]struct{}
	orgMetricMu        sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup
	orgTurn    int

	metrics dispatcherMetrics
}

var _ reliable.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed           int
	Delivered         int
	Retried           int
	Dead              int
	StateUpdateFailed int
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	repo Repository,
	sinks *SinkRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if sinks == nil {
		return nil, ErrSinkRegistryRequired
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("reliable.noop")
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	dispatcher := &Dispatcher{
		repo:               repo,
		sinks:              sinks,
		logger:             logger,
		tracer:             tracer,
		cfg:                DefaultDispatcherConfig(),
		claimFailureCounts: make(map[string]int),
		orgMetricKeys:      make(map[string]struct{}),
		stop:               make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.cfg.IncludeOrgMetrics {
		dispatcher.logger.Log(
			context.Background(),
			log.LevelWarn,
			fmt.Sprintf(
				"outbox org metric attributes enabled; cardinality capped at %d with overflow label %q",
				dispatcher.cfg.MaxOrgMetricLabels,
				overflowOrgMetricLabel,
			),
		)
	}

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *reliable.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *reliable.Launcher) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if dispatcher.repo == nil || dispatcher.sinks == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	func() {
		dispatcher.dispatchWg.Add(1)
		defer dispatcher.dispatchWg.Done()

		initCtx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.initial_dispatch")
		defer span.End()
		defer runtime.RecoverAndLog(initCtx, dispatcher.logger, "outbox", "dispatcher_initial")

		dispatcher.dispatchAcrossOrgs(initCtx)
	}()

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			func() {
				dispatcher.dispatchWg.Add(1)
				defer dispatcher.dispatchWg.Done()

				tickCtx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.dispatch_once")
				defer span.End()
				defer runtime.RecoverAndLog(tickCtx, dispatcher.logger, "outbox", "dispatcher_tick")

				dispatcher.dispatchAcrossOrgs(tickCtx)
			}()
		}
	}
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown waits for in-flight dispatch cycle completion.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox", "dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one org-scoped dispatch cycle.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Claimed
}

// DispatchOnceResult processes one org-scoped dispatch cycle and returns counters.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil {
		return DispatchResult{}
	}

	if dispatcher.repo == nil || dispatcher.sinks == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if logger == nil {
		logger = &log.NopLogger{}
	}

	start := time.Now().UTC()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	entries := dispatcher.claimEntries(ctx, span)
	result := DispatchResult{}

	orgKey := orgKeyFromContext(ctx)
	dispatcher.recordClaimedDepth(ctx, orgKey, int64(len(entries)))

	// Delivery semantics are at-least-once: the sink call happens before
	// MarkDelivered. If state persistence fails after delivery, the entry is
	// eventually reclaimed and delivered again, so consumers must dedup.
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if entry == nil {
			continue
		}

		result.Claimed++

		if err := dispatcher.deliverEntry(ctx, entry); err != nil {
			dispatcher.handleDeliveryError(ctx, logger, entry, err, &result)

			continue
		}

		result.Delivered++

		if err := dispatcher.repo.MarkDelivered(ctx, entry.ID, time.Now().UTC()); err != nil {
			logger.Log(
				ctx,
				log.LevelError,
				"outbox entry delivered but failed to persist DELIVERED state; entry may be redelivered",
				log.String("entry_id", entry.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)),
			)
			dispatcher.addStateUpdateFailure(ctx, orgKey, 1)

			result.StateUpdateFailed++
		}
	}

	dispatcher.addDelivered(ctx, orgKey, int64(result.Delivered))
	dispatcher.addRetried(ctx, orgKey, int64(result.Retried))
	dispatcher.addDead(ctx, orgKey, int64(result.Dead))
	dispatcher.recordDispatchLatency(ctx, orgKey, time.Since(start).Seconds())

	return result
}

// claimEntries gathers entries for one dispatch cycle: stuck DELIVERING
// entries are first returned to PENDING, then due pending entries are
// claimed up to BatchSize.
func (dispatcher *Dispatcher) claimEntries(ctx context.Context, span trace.Span) []*Entry {
	now := time.Now().UTC()

	dispatcher.reclaimStuck(ctx, span)

	entries, err := dispatcher.repo.ClaimDue(ctx, dispatcher.cfg.BatchSize, now)
	if err != nil {
		orgKey := orgKeyFromContext(ctx)
		dispatcher.handleClaimError(ctx, span, orgKey, err)

		return nil
	}

	dispatcher.clearClaimFailureCount(orgKeyFromContext(ctx))

	return entries
}

// reclaimStuck returns DELIVERING entries older than the claim timeout to
// PENDING. When ctx carries no org id the reclaim spans all orgs.
func (dispatcher *Dispatcher) reclaimStuck(ctx context.Context, span trace.Span) {
	logger := dispatcher.logger
	claimedBefore := time.Now().UTC().Add(-dispatcher.cfg.ClaimTimeout)

	reclaimed, err := dispatcher.repo.ReclaimStuck(ctx, dispatcher.cfg.BatchSize, claimedBefore)
	if err != nil {
		span.RecordError(err)
		log.SafeError(logger, ctx, "failed to reclaim stuck outbox entries", err)

		return
	}

	if reclaimed > 0 {
		logger.Log(ctx, log.LevelWarn, "reclaimed stuck outbox entries", log.Int("count", reclaimed))
	}
}

// dispatchAcrossOrgs keeps org dispatch sequential for per-cycle
// predictability, but rotates the starting org between cycles to reduce
// unfairness when a single org is consistently slow.
func (dispatcher *Dispatcher) dispatchAcrossOrgs(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	logger, tracer, _ := reliable.NewTrackingFromContext(ctx)
	if _, ok := logger.(*log.NopLogger); ok {
		logger = dispatcher.logger
	}

	ctx, span := tracer.Start(ctx, "outbox.dispatcher.orgs")
	defer span.End()

	// Org discovery only sees PENDING rows. An org whose whole backlog is
	// stuck in DELIVERING would otherwise never be visited, so the reclaim
	// runs unscoped before discovery.
	dispatcher.reclaimStuck(ctx, span)

	orgs, err := dispatcher.repo.ListOrgs(ctx)
	if err != nil {
		span.RecordError(err)
		log.SafeError(logger, ctx, "failed to list outbox orgs", err)

		return
	}

	orderedOrgs := dispatcher.orgDispatchOrder(nonEmptyOrgs(orgs))
	if len(orderedOrgs) == 0 {
		return
	}

	for _, orgID := range orderedOrgs {
		if ctx.Err() != nil {
			break
		}

		orgCtx := ContextWithOrgID(ctx, orgID)
		orgCtx, orgSpan := tracer.Start(orgCtx, "outbox.dispatcher.org")
		result := dispatcher.DispatchOnceResult(orgCtx)
		// Keep org trace correlation without exposing raw org identifiers.
		orgSpan.SetAttributes(
			attribute.String("org.id_hash", hashOrgID(orgID)),
			attribute.Int("outbox.dispatch.claimed", result.Claimed),
			attribute.Int("outbox.dispatch.delivered", result.Delivered),
			attribute.Int("outbox.dispatch.retried", result.Retried),
			attribute.Int("outbox.dispatch.dead", result.Dead),
			attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
		)

		orgSpan.End()
	}
}

func (dispatcher *Dispatcher) deliverEntry(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrEntryRequired
	}

	if len(entry.Payload) == 0 {
		return ErrPayloadRequired
	}

	return dispatcher.sinks.Deliver(ctx, entry)
}

// handleDeliveryError routes a failed entry: non-retryable errors and
// exhausted attempt budgets go DEAD, everything else returns to PENDING
// with an exponential, jittered retry time.
func (dispatcher *Dispatcher) handleDeliveryError(
	ctx context.Context,
	logger log.Logger,
	entry *Entry,
	err error,
	result *DispatchResult,
) {
	sanitized := sanitizeErrorForStorage(err)

	if dispatcher.isNonRetryableError(err) || entry.Attempts >= dispatcher.cfg.MaxAttempts {
		if markErr := dispatcher.repo.MarkDead(ctx, entry.ID, sanitized); markErr != nil {
			logger.Log(ctx, log.LevelError, "failed to mark outbox entry dead",
				log.String("entry_id", entry.ID.String()),
				log.String("error", sanitizeErrorForStorage(markErr)))

			result.StateUpdateFailed++

			return
		}

		logger.Log(ctx, log.LevelError, "outbox entry moved to DEAD",
			log.String("entry_id", entry.ID.String()),
			log.String("event_type", entry.EventType),
			log.Int("attempts", entry.Attempts),
			log.String("last_error", sanitized))

		result.Dead++

		return
	}

	nextRetryAt := time.Now().UTC().Add(dispatcher.retryDelay(entry.Attempts))

	if markErr := dispatcher.repo.MarkFailed(ctx, entry.ID, sanitized, nextRetryAt); markErr != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox entry for retry",
			log.String("entry_id", entry.ID.String()),
			log.String("error", sanitizeErrorForStorage(markErr)))

		result.StateUpdateFailed++

		return
	}

	result.Retried++
}

// retryDelay computes the backoff for the next attempt. Attempts is the
// count already consumed, so the first retry uses the base delay.
func (dispatcher *Dispatcher) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := backoff.ExponentialWithJitter(dispatcher.cfg.RetryBackoffBase, attempts-1)
	if delay > dispatcher.cfg.RetryBackoffCap {
		delay = dispatcher.cfg.RetryBackoffCap
	}

	return delay
}

func (dispatcher *Dispatcher) isNonRetryableError(err error) bool {
	if err == nil || dispatcher.retryClassifier == nil {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func (dispatcher *Dispatcher) orgDispatchOrder(orgs []string) []string {
	if len(orgs) <= 1 {
		return append([]string(nil), orgs...)
	}

	dispatcher.runStateMu.Lock()
	start := dispatcher.orgTurn % len(orgs)
	dispatcher.orgTurn = (dispatcher.orgTurn + 1) % len(orgs)
	dispatcher.runStateMu.Unlock()

	ordered := make([]string, 0, len(orgs))
	ordered = append(ordered, orgs[start:]...)
	ordered = append(ordered, orgs[:start]...)

	return ordered
}

func nonEmptyOrgs(orgs []string) []string {
	if len(orgs) == 0 {
		return nil
	}

	result := make([]string, 0, len(orgs))

	for _, orgID := range orgs {
		orgID = strings.TrimSpace(orgID)
		if orgID == "" {
			continue
		}

		result = append(result, orgID)
	}

	return result
}

func orgKeyFromContext(ctx context.Context) string {
	orgID, ok := OrgIDFromContext(ctx)
	if ok && orgID != "" {
		return orgID
	}

	return defaultOrgFallbackKey
}

func hashOrgID(orgID string) string {
	if orgID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(orgID))

	return hex.EncodeToString(sum[:8])
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (dispatcher *Dispatcher) handleClaimError(ctx context.Context, span trace.Span, orgKey string, err error) {
	logger := dispatcher.logger

	span.RecordError(err)
	log.SafeError(logger, ctx, "failed to claim outbox entries", err)

	counterOrgKey := orgKey

	dispatcher.failureCountsMu.Lock()

	if _, exists := dispatcher.claimFailureCounts[counterOrgKey]; !exists &&
		len(dispatcher.claimFailureCounts) >= maxTrackedClaimFailureOrgs {
		counterOrgKey = defaultOrgFallbackKey
	}

	dispatcher.claimFailureCounts[counterOrgKey]++
	count := dispatcher.claimFailureCounts[counterOrgKey]
	dispatcher.failureCountsMu.Unlock()

	if count >= dispatcher.cfg.ClaimFailureLogEvery {
		fields := []log.Field{log.Int("count", count)}
		if counterOrgKey == defaultOrgFallbackKey {
			fields = append(fields, log.String("org_bucket", defaultOrgFallbackKey))
		} else {
			fields = append(fields, log.String("org_hash", hashOrgID(counterOrgKey)))
		}

		logger.Log(ctx, log.LevelError, "outbox claim failures exceeded threshold", fields...)
	}
}

func (dispatcher *Dispatcher) clearClaimFailureCount(orgKey string) {
	dispatcher.failureCountsMu.Lock()
	defer dispatcher.failureCountsMu.Unlock()

	if orgKey == "" || orgKey == defaultOrgFallbackKey {
		dispatcher.claimFailureCounts[defaultOrgFallbackKey] = 0

		return
	}

	if _, exists := dispatcher.claimFailureCounts[orgKey]; !exists {
		// Untracked orgs are folded into the fallback bucket once the cap is
		// reached, so a successful claim clears the fallback too.
		dispatcher.claimFailureCounts[defaultOrgFallbackKey] = 0

		return
	}

	delete(dispatcher.claimFailureCounts, orgKey)
}

func (dispatcher *Dispatcher) orgMetricAttribute(orgKey string) (attribute.KeyValue, bool) {
	if !dispatcher.cfg.IncludeOrgMetrics {
		return attribute.KeyValue{}, false
	}

	return attribute.String("org", dispatcher.boundedOrgMetricKey(orgKey)), true
}

func (dispatcher *Dispatcher) boundedOrgMetricKey(orgKey string) string {
	if orgKey == "" {
		orgKey = defaultOrgFallbackKey
	}

	dispatcher.orgMetricMu.Lock()
	defer dispatcher.orgMetricMu.Unlock()

	if dispatcher.orgMetricKeys == nil {
		dispatcher.orgMetricKeys = make(map[string]struct{})
	}

	if _, exists := dispatcher.orgMetricKeys[orgKey]; exists {
		return orgKey
	}

	if len(dispatcher.orgMetricKeys) < dispatcher.cfg.MaxOrgMetricLabels {
		dispatcher.orgMetricKeys[orgKey] = struct{}{}

		return orgKey
	}

	return overflowOrgMetricLabel
}

func (dispatcher *Dispatcher) orgAddOptions(orgKey string) []metric.AddOption {
	if attr, ok := dispatcher.orgMetricAttribute(orgKey); ok {
		return []metric.AddOption{metric.WithAttributes(attr)}
	}

	return nil
}

func (dispatcher *Dispatcher) orgRecordOptions(orgKey string) []metric.RecordOption {
	if attr, ok := dispatcher.orgMetricAttribute(orgKey); ok {
		return []metric.RecordOption{metric.WithAttributes(attr)}
	}

	return nil
}

func (dispatcher *Dispatcher) recordClaimedDepth(ctx context.Context, orgKey string, depth int64) {
	if dispatcher.metrics.claimedDepth == nil {
		return
	}

	dispatcher.metrics.claimedDepth.Record(ctx, depth, dispatcher.orgRecordOptions(orgKey)...)
}

func (dispatcher *Dispatcher) addDelivered(ctx context.Context, orgKey string, count int64) {
	if dispatcher.metrics.entriesDelivered == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesDelivered.Add(ctx, count, dispatcher.orgAddOptions(orgKey)...)
}

func (dispatcher *Dispatcher) addRetried(ctx context.Context, orgKey string, count int64) {
	if dispatcher.metrics.entriesRetried == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesRetried.Add(ctx, count, dispatcher.orgAddOptions(orgKey)...)
}

func (dispatcher *Dispatcher) addDead(ctx context.Context, orgKey string, count int64) {
	if dispatcher.metrics.entriesDead == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesDead.Add(ctx, count, dispatcher.orgAddOptions(orgKey)...)
}

func (dispatcher *Dispatcher) addStateUpdateFailure(ctx context.Context, orgKey string, count int64) {
	if dispatcher.metrics.entriesStateFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.entriesStateFailed.Add(ctx, count, dispatcher.orgAddOptions(orgKey)...)
}

func (dispatcher *Dispatcher) recordDispatchLatency(ctx context.Context, orgKey string, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds, dispatcher.orgRecordOptions(orgKey)...)
}

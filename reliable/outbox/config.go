package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval     = 2 * time.Second
	defaultBatchSize            = 50
	defaultMaxAttempts          = 10
	defaultRetryBackoffBase     = 5 * time.Second
	defaultRetryBackoffCap      = 15 * time.Minute
	defaultClaimTimeout         = 10 * time.Minute
	defaultClaimFailureLogEvery = 3
	defaultMaxOrgMetricLabels   = 1000
	defaultOrgFallbackKey       = "_default"
)

// DispatcherConfig controls dispatcher polling, retry, and metric behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of entries claimed per org per cycle.
	BatchSize int
	// MaxAttempts caps delivery attempts per entry before it goes DEAD.
	MaxAttempts int
	// RetryBackoffBase is the base delay for the per-entry retry schedule.
	RetryBackoffBase time.Duration
	// RetryBackoffCap bounds the per-entry retry delay.
	RetryBackoffCap time.Duration
	// ClaimTimeout is the age threshold for reclaiming stuck DELIVERING
	// entries left behind by a crashed dispatcher.
	ClaimTimeout time.Duration
	// ClaimFailureLogEvery emits an error log once repeated claim failures
	// reach this count.
	ClaimFailureLogEvery int
	// IncludeOrgMetrics enables org metric attributes and can increase cardinality.
	IncludeOrgMetrics bool
	// MaxOrgMetricLabels caps unique org labels before falling back to an overflow label.
	MaxOrgMetricLabels int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:     defaultDispatchInterval,
		BatchSize:            defaultBatchSize,
		MaxAttempts:          defaultMaxAttempts,
		RetryBackoffBase:     defaultRetryBackoffBase,
		RetryBackoffCap:      defaultRetryBackoffCap,
		ClaimTimeout:         defaultClaimTimeout,
		ClaimFailureLogEvery: defaultClaimFailureLogEvery,
		IncludeOrgMetrics:    false,
		MaxOrgMetricLabels:   defaultMaxOrgMetricLabels,
		MeterProvider:        nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = defaults.RetryBackoffCap
	}

	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaults.ClaimTimeout
	}

	if cfg.ClaimFailureLogEvery <= 0 {
		cfg.ClaimFailureLogEvery = defaults.ClaimFailureLogEvery
	}

	if cfg.MaxOrgMetricLabels <= 0 {
		cfg.MaxOrgMetricLabels = defaults.MaxOrgMetricLabels
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets the maximum entries claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithMaxAttempts sets max delivery attempts per entry before it goes dead.
func WithMaxAttempts(maxAttempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.MaxAttempts = maxAttempts
		}
	}
}

// WithRetryBackoff sets the base and cap for per-entry retry scheduling.
func WithRetryBackoff(base, cap time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.RetryBackoffBase = base
		}

		if cap > 0 {
			dispatcher.cfg.RetryBackoffCap = cap
		}
	}
}

// WithClaimTimeout sets the timeout used to reclaim stuck delivering entries.
func WithClaimTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.ClaimTimeout = timeout
		}
	}
}

// WithClaimFailureLogEvery sets the log threshold for repeated claim failures.
func WithClaimFailureLogEvery(threshold int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if threshold > 0 {
			dispatcher.cfg.ClaimFailureLogEvery = threshold
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.retryClassifier = classifier
	}
}

// WithOrgMetricAttributes toggles org attributes for dispatcher metrics.
func WithOrgMetricAttributes(enabled bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.IncludeOrgMetrics = enabled
	}
}

// WithMaxOrgMetricLabels sets the maximum unique org labels used in metrics.
func WithMaxOrgMetricLabels(maxLabels int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxLabels > 0 {
			dispatcher.cfg.MaxOrgMetricLabels = maxLabels
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}

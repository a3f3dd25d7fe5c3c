package outbox

// RetryClassifier determines whether a delivery error should not be retried.
// Non-retryable failures send the entry straight to DEAD regardless of the
// remaining attempt budget.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

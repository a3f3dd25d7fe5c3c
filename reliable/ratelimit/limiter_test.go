//go:build unit

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStorage is an in-process fixed-window counter with the same atomic
// conditional increment semantics the real storages provide.
type memStorage struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newMemStorage() *memStorage {
	return &memStorage{counts: make(map[string]int64)}
}

func (s *memStorage) Increment(_ context.Context, bucket string, windowStart time.Time, _ time.Duration, limit int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, false, s.err
	}

	key := bucket + "@" + windowStart.Format(time.RFC3339Nano)

	if s.counts[key] >= limit {
		return s.counts[key], false, nil
	}

	s.counts[key]++

	return s.counts[key], true, nil
}

func TestNewLimiterRequiresStorage(t *testing.T) {
	_, err := NewLimiter(nil)
	require.ErrorIs(t, err, ErrStorageRequired)
}

func TestCheckValidation(t *testing.T) {
	limiter, err := NewLimiter(newMemStorage())
	require.NoError(t, err)

	_, err = limiter.Check(context.Background(), "  ", 5, time.Minute)
	require.ErrorIs(t, err, ErrBucketRequired)

	_, err = limiter.Check(context.Background(), "b", 0, time.Minute)
	require.ErrorIs(t, err, ErrLimitInvalid)

	_, err = limiter.Check(context.Background(), "b", 5, 0)
	require.ErrorIs(t, err, ErrWindowInvalid)
}

func TestCheckWindowBoundary(t *testing.T) {
	limiter, err := NewLimiter(newMemStorage())
	require.NoError(t, err)

	current := time.Date(2026, 8, 31, 10, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	for i := int64(1); i <= 5; i++ {
		decision, err := limiter.Check(context.Background(), "org:1:create", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, i, decision.Count)
		assert.Zero(t, decision.RetryAfter)
	}

	denied, err := limiter.Check(context.Background(), "org:1:create", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, int64(5), denied.Count)
	assert.Equal(t, 30*time.Second, denied.RetryAfter)

	// Advancing past the window boundary opens a fresh window.
	current = current.Add(31 * time.Second)

	decision, err := limiter.Check(context.Background(), "org:1:create", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Count)
}

func TestCheckConcurrentNeverOverAdmits(t *testing.T) {
	limiter, err := NewLimiter(newMemStorage())
	require.NoError(t, err)

	const (
		limit    = int64(10)
		requests = 100
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for range requests {
		wg.Add(1)

		go func() {
			defer wg.Done()

			decision, err := limiter.Check(context.Background(), "org:1:create", limit, time.Minute)
			if err != nil {
				return
			}

			if decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int(limit), allowed)
}

func TestCheckFailurePolicy(t *testing.T) {
	storage := newMemStorage()
	storage.err = errors.New("connection refused")

	closed, err := NewLimiter(storage)
	require.NoError(t, err)

	decision, err := closed.Check(context.Background(), "b", 5, time.Minute)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.False(t, decision.Allowed)

	open, err := NewLimiter(storage, WithFailurePolicy(FailOpen))
	require.NoError(t, err)

	decision, err = open.Check(context.Background(), "b", 5, time.Minute)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.True(t, decision.Allowed)
}

func TestCheckBucketsAreIndependent(t *testing.T) {
	limiter, err := NewLimiter(newMemStorage())
	require.NoError(t, err)

	first, err := limiter.Check(context.Background(), "org:1:create", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	denied, err := limiter.Check(context.Background(), "org:1:create", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)

	other, err := limiter.Check(context.Background(), "org:2:create", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

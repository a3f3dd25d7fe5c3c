//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, Exponential(base, 0))
	assert.Equal(t, 200*time.Millisecond, Exponential(base, 1))
	assert.Equal(t, 800*time.Millisecond, Exponential(base, 3))
}

func TestExponentialNegativeAttempt(t *testing.T) {
	assert.Equal(t, time.Second, Exponential(time.Second, -5))
}

func TestExponentialZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Exponential(0, 3))
	assert.Equal(t, time.Duration(0), Exponential(-time.Second, 3))
}

func TestExponentialOverflowClamped(t *testing.T) {
	result := Exponential(time.Hour, 200)

	assert.Equal(t, time.Duration(math.MaxInt64), result)
}

func TestFullJitterBounds(t *testing.T) {
	delay := 50 * time.Millisecond

	for i := 0; i < 100; i++ {
		jittered := FullJitter(delay)

		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, delay)
	}
}

func TestFullJitterZeroDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))
}

func TestExponentialWithJitterBounds(t *testing.T) {
	base := 10 * time.Millisecond

	for attempt := 0; attempt < 5; attempt++ {
		jittered := ExponentialWithJitter(base, attempt)

		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, Exponential(base, attempt))
	}
}

func TestWaitContextCompletes(t *testing.T) {
	err := WaitContext(context.Background(), time.Millisecond)

	require.NoError(t, err)
}

func TestWaitContextZeroDuration(t *testing.T) {
	require.NoError(t, WaitContext(context.Background(), 0))
}

func TestWaitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitContext(ctx, time.Minute)

	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

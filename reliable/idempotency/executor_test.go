//go:build unit

package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*Record

	claimErr error
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record)}
}

func storeKey(orgID, key string) string { return orgID + "\x00" + key }

func (s *memStore) TryClaim(_ context.Context, orgID, key, requestHash string, now time.Time) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return false, nil, s.claimErr
	}

	if existing, ok := s.records[storeKey(orgID, key)]; ok {
		copied := *existing

		return false, &copied, nil
	}

	lockedAt := now
	s.records[storeKey(orgID, key)] = &Record{
		OrgID:       orgID,
		Key:         key,
		RequestHash: requestHash,
		LockedAt:    &lockedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	return true, nil, nil
}

func (s *memStore) SaveResponse(_ context.Context, orgID, key string, resp *Response, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	record, ok := s.records[storeKey(orgID, key)]
	if !ok {
		return ErrRecordNotFound
	}

	record.ResponseStatus = resp.Status
	record.ResponseContentType = resp.ContentType
	record.ResponseBody = resp.Body
	record.CompletedAt = &completedAt
	record.LockedAt = nil
	record.UpdatedAt = completedAt

	return nil
}

func (s *memStore) Release(_ context.Context, orgID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[storeKey(orgID, key)]; ok && !record.Completed() {
		delete(s.records, storeKey(orgID, key))
	}

	return nil
}

func (s *memStore) Reclaim(_ context.Context, orgID, key, requestHash string, staleBefore, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[storeKey(orgID, key)]
	if !ok || record.Completed() || record.RequestHash != requestHash {
		return false, nil
	}

	if record.LockedAt != nil && record.LockedAt.After(staleBefore) {
		return false, nil
	}

	lockedAt := now
	record.LockedAt = &lockedAt
	record.UpdatedAt = now

	return true, nil
}

func (s *memStore) Get(_ context.Context, orgID, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[storeKey(orgID, key)]
	if !ok {
		return nil, ErrRecordNotFound
	}

	copied := *record

	return &copied, nil
}

func testRequest(body string) Request {
	return Request{
		OrgID:  "org-1",
		Key:    "key-1",
		Method: "POST",
		Path:   "/v1/invoices",
		Body:   []byte(body),
	}
}

func TestNewExecutorRequiresStore(t *testing.T) {
	_, err := NewExecutor(nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestExecuteValidation(t *testing.T) {
	executor, err := NewExecutor(newMemStore())
	require.NoError(t, err)

	handler := func(context.Context) (*Response, error) { return &Response{Status: 200}, nil }

	_, err = executor.Execute(context.Background(), Request{Key: "  "}, handler)
	require.ErrorIs(t, err, ErrKeyRequired)

	_, err = executor.Execute(context.Background(), testRequest("{}"), nil)
	require.ErrorIs(t, err, ErrHandlerRequired)
}

func TestExecuteReplaysCachedResponse(t *testing.T) {
	executor, err := NewExecutor(newMemStore())
	require.NoError(t, err)

	var calls int32

	handler := func(context.Context) (*Response, error) {
		atomic.AddInt32(&calls, 1)

		return &Response{Status: 201, ContentType: "application/json", Body: []byte(`{"id":"r1"}`)}, nil
	}

	first, err := executor.Execute(context.Background(), testRequest(`{"a":1}`), handler)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, 201, first.Status)

	second, err := executor.Execute(context.Background(), testRequest(`{"a":1}`), handler)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ContentType, second.ContentType)
	assert.Equal(t, first.Body, second.Body)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecuteConflictOnDifferentBody(t *testing.T) {
	executor, err := NewExecutor(newMemStore())
	require.NoError(t, err)

	var calls int32

	handler := func(context.Context) (*Response, error) {
		atomic.AddInt32(&calls, 1)

		return &Response{Status: 200}, nil
	}

	_, err = executor.Execute(context.Background(), testRequest(`{"a":1}`), handler)
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), testRequest(`{"a":2}`), handler)
	require.ErrorIs(t, err, ErrConflict)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecuteConcurrentSingleExecution(t *testing.T) {
	executor, err := NewExecutor(newMemStore(),
		WithWaitTimeout(5*time.Second),
		WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	var calls int32

	handler := func(context.Context) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)

		return &Response{Status: 201, Body: []byte(`{"id":"r1"}`)}, nil
	}

	const concurrency = 20

	results := make([]*Result, concurrency)
	errs := make([]error, concurrency)

	var wg sync.WaitGroup

	for i := range concurrency {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i], errs[i] = executor.Execute(context.Background(), testRequest(`{"a":1}`), handler)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	for i := range concurrency {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, 201, results[i].Status)
		assert.Equal(t, []byte(`{"id":"r1"}`), results[i].Body)
	}
}

func TestExecuteReturnConflictPolicy(t *testing.T) {
	store := newMemStore()

	executor, err := NewExecutor(store, WithWaitPolicy(ReturnConflict))
	require.NoError(t, err)

	// Seed a fresh in-flight claim.
	claimed, _, err := store.TryClaim(context.Background(), "org-1", "key-1", Digest("POST", "/v1/invoices", []byte(`{"a":1}`)), time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = executor.Execute(context.Background(), testRequest(`{"a":1}`), func(context.Context) (*Response, error) {
		t.Fatal("handler must not run while the key is in flight")

		return nil, nil
	})
	require.ErrorIs(t, err, ErrInFlight)
}

func TestExecuteWaitTimesOut(t *testing.T) {
	store := newMemStore()

	executor, err := NewExecutor(store,
		WithWaitTimeout(30*time.Millisecond),
		WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	claimed, _, err := store.TryClaim(context.Background(), "org-1", "key-1", Digest("POST", "/v1/invoices", []byte(`{"a":1}`)), time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = executor.Execute(context.Background(), testRequest(`{"a":1}`), func(context.Context) (*Response, error) {
		return &Response{Status: 200}, nil
	})
	require.ErrorIs(t, err, ErrInFlight)
}

func TestExecuteReclaimsStaleLock(t *testing.T) {
	store := newMemStore()

	executor, err := NewExecutor(store, WithExecutionTimeout(50*time.Millisecond))
	require.NoError(t, err)

	// Seed a claim whose owner crashed long ago.
	stale := time.Now().UTC().Add(-time.Minute)
	store.records[storeKey("org-1", "key-1")] = &Record{
		OrgID:       "org-1",
		Key:         "key-1",
		RequestHash: Digest("POST", "/v1/invoices", []byte(`{"a":1}`)),
		LockedAt:    &stale,
	}

	result, err := executor.Execute(context.Background(), testRequest(`{"a":1}`), func(context.Context) (*Response, error) {
		return &Response{Status: 200, Body: []byte(`{}`)}, nil
	})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, 200, result.Status)
}

func TestExecuteFailedHandlerAllowsRetry(t *testing.T) {
	executor, err := NewExecutor(newMemStore())
	require.NoError(t, err)

	handlerErr := errors.New("downstream unavailable")

	_, err = executor.Execute(context.Background(), testRequest(`{"a":1}`), func(context.Context) (*Response, error) {
		return nil, handlerErr
	})
	require.ErrorIs(t, err, handlerErr)

	// The failed attempt released the claim, so the retry executes.
	result, err := executor.Execute(context.Background(), testRequest(`{"a":1}`), func(context.Context) (*Response, error) {
		return &Response{Status: 200, Body: []byte(`{}`)}, nil
	})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
}

func TestExecuteStoreErrorPropagates(t *testing.T) {
	store := newMemStore()
	store.claimErr = errors.New("connection lost")

	executor, err := NewExecutor(store)
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), testRequest(`{"a":1}`), func(context.Context) (*Response, error) {
		return &Response{Status: 200}, nil
	})
	require.ErrorIs(t, err, store.claimErr)
}

func TestDigest(t *testing.T) {
	a := Digest("POST", "/v1/invoices", []byte(`{"a":1}`))
	b := Digest("POST", "/v1/invoices", []byte(`{"a":1}`))
	c := Digest("POST", "/v1/invoices", []byte(`{"a":2}`))
	d := Digest("PUT", "/v1/invoices", []byte(`{"a":1}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

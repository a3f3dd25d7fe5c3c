//go:build unit

package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtbase/lib-reliable/reliable/idempotency"
)

type memIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{records: make(map[string]*idempotency.Record)}
}

func idemKey(orgID, key string) string { return orgID + "\x00" + key }

func (s *memIdempotencyStore) TryClaim(_ context.Context, orgID, key, requestHash string, now time.Time) (bool, *idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[idemKey(orgID, key)]; ok {
		copied := *existing

		return false, &copied, nil
	}

	lockedAt := now
	s.records[idemKey(orgID, key)] = &idempotency.Record{
		OrgID:       orgID,
		Key:         key,
		RequestHash: requestHash,
		LockedAt:    &lockedAt,
	}

	return true, nil, nil
}

func (s *memIdempotencyStore) SaveResponse(_ context.Context, orgID, key string, resp *idempotency.Response, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[idemKey(orgID, key)]
	if !ok {
		return idempotency.ErrRecordNotFound
	}

	record.ResponseStatus = resp.Status
	record.ResponseContentType = resp.ContentType
	record.ResponseBody = resp.Body
	record.CompletedAt = &completedAt
	record.LockedAt = nil

	return nil
}

func (s *memIdempotencyStore) Release(_ context.Context, orgID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[idemKey(orgID, key)]; ok && !record.Completed() {
		delete(s.records, idemKey(orgID, key))
	}

	return nil
}

func (s *memIdempotencyStore) Reclaim(_ context.Context, orgID, key, requestHash string, staleBefore, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[idemKey(orgID, key)]
	if !ok || record.Completed() || record.RequestHash != requestHash {
		return false, nil
	}

	if record.LockedAt != nil && record.LockedAt.After(staleBefore) {
		return false, nil
	}

	lockedAt := now
	record.LockedAt = &lockedAt

	return true, nil
}

func (s *memIdempotencyStore) Get(_ context.Context, orgID, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[idemKey(orgID, key)]
	if !ok {
		return nil, idempotency.ErrRecordNotFound
	}

	copied := *record

	return &copied, nil
}

func idempotentApp(t *testing.T, handler fiber.Handler) *fiber.App {
	t.Helper()

	executor, err := idempotency.NewExecutor(newMemIdempotencyStore())
	require.NoError(t, err)

	orgID := func(c *fiber.Ctx) string { return c.Get("X-Org-Id") }

	app := fiber.New()
	app.Post("/v1/invoices", WithIdempotency(executor, orgID), handler)

	return app
}

func postInvoice(t *testing.T, app *fiber.App, key, body string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/invoices", strings.NewReader(body))
	req.Header.Set("X-Org-Id", "org-1")

	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}

	res, err := app.Test(req)
	require.NoError(t, err)

	return res
}

func TestWithIdempotency_ReplaysCachedResponse(t *testing.T) {
	t.Parallel()

	var calls int32

	app := idempotentApp(t, func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)

		return c.Status(http.StatusCreated).JSON(fiber.Map{"id": "r1"})
	})

	first := postInvoice(t, app, "key-1", `{"a":1}`)
	defer func() { require.NoError(t, first.Body.Close()) }()

	assert.Equal(t, http.StatusCreated, first.StatusCode)
	assert.Empty(t, first.Header.Get(HeaderIdempotentReplayed))

	firstBody, err := io.ReadAll(first.Body)
	require.NoError(t, err)

	second := postInvoice(t, app, "key-1", `{"a":1}`)
	defer func() { require.NoError(t, second.Body.Close()) }()

	assert.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get(HeaderIdempotentReplayed))

	secondBody, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	assert.Equal(t, firstBody, secondBody)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWithIdempotency_ReplayPreservesContentType(t *testing.T) {
	t.Parallel()

	app := idempotentApp(t, func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)

		return c.Status(http.StatusCreated).SendString("receipt #42")
	})

	first := postInvoice(t, app, "key-1", `{"a":1}`)
	require.NoError(t, first.Body.Close())
	require.Equal(t, http.StatusCreated, first.StatusCode)

	second := postInvoice(t, app, "key-1", `{"a":1}`)
	defer func() { require.NoError(t, second.Body.Close()) }()

	assert.Equal(t, "true", second.Header.Get(HeaderIdempotentReplayed))
	assert.Equal(t, first.Header.Get(fiber.HeaderContentType), second.Header.Get(fiber.HeaderContentType))

	body, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	assert.Equal(t, "receipt #42", string(body))
}

func TestWithIdempotency_ConflictOnDifferentBody(t *testing.T) {
	t.Parallel()

	var calls int32

	app := idempotentApp(t, func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)

		return c.SendStatus(http.StatusCreated)
	})

	first := postInvoice(t, app, "key-1", `{"a":1}`)
	require.NoError(t, first.Body.Close())

	second := postInvoice(t, app, "key-1", `{"a":2}`)
	defer func() { require.NoError(t, second.Body.Close()) }()

	assert.Equal(t, http.StatusConflict, second.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWithIdempotency_NoHeaderPassesThrough(t *testing.T) {
	t.Parallel()

	var calls int32

	app := idempotentApp(t, func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)

		return c.SendStatus(http.StatusCreated)
	})

	for range 2 {
		res := postInvoice(t, app, "", `{"a":1}`)
		require.NoError(t, res.Body.Close())
		assert.Equal(t, http.StatusCreated, res.StatusCode)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWithIdempotency_ServerErrorIsNotCached(t *testing.T) {
	t.Parallel()

	var calls int32

	app := idempotentApp(t, func(c *fiber.Ctx) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return c.SendStatus(http.StatusInternalServerError)
		}

		return c.SendStatus(http.StatusCreated)
	})

	first := postInvoice(t, app, "key-1", `{"a":1}`)
	require.NoError(t, first.Body.Close())
	assert.Equal(t, http.StatusInternalServerError, first.StatusCode)

	// The failed attempt released the key, so the retry executes and its
	// success is what gets cached.
	second := postInvoice(t, app, "key-1", `{"a":1}`)
	require.NoError(t, second.Body.Close())
	assert.Equal(t, http.StatusCreated, second.StatusCode)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/veldtbase/lib-reliable/reliable/idempotency"
	libpg "github.com/veldtbase/lib-reliable/reliable/postgres"
)

const idempotencySchema = `
CREATE TABLE idempotency_keys (
    org_id          TEXT        NOT NULL,
    key             TEXT        NOT NULL,
    request_hash    TEXT        NOT NULL,
    response_status INT         NOT NULL DEFAULT 0,
    response_content_type TEXT  NOT NULL DEFAULT '',
    response_body   BYTEA,
    locked_at       TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (org_id, key)
);
`

func setupStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn := &libpg.Connection{
		ConnectionStringPrimary: connStr,
		ConnectionStringReplica: connStr,
		PrimaryDBName:           "testdb",
	}
	require.NoError(t, conn.Connect(ctx))

	t.Cleanup(func() {
		_ = conn.Close()
	})

	db, err := conn.GetPrimaryDB(ctx)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, idempotencySchema)
	require.NoError(t, err)

	store, err := NewStore(conn)
	require.NoError(t, err)

	return store
}

func TestIntegration_Idempotency_ClaimReplayLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	hash := idempotency.Digest("POST", "/v1/invoices", []byte(`{"a":1}`))
	now := time.Now().UTC()

	claimed, existing, err := store.TryClaim(ctx, "org-1", "key-1", hash, now)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, existing)

	// Second claim loses and sees the in-flight record.
	claimed, existing, err = store.TryClaim(ctx, "org-1", "key-1", hash, now)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, existing)
	assert.Equal(t, hash, existing.RequestHash)
	assert.False(t, existing.Completed())
	require.NotNil(t, existing.LockedAt)

	resp := &idempotency.Response{Status: 201, ContentType: "application/json", Body: []byte(`{"id":"r1"}`)}
	require.NoError(t, store.SaveResponse(ctx, "org-1", "key-1", resp, time.Now().UTC()))

	record, err := store.Get(ctx, "org-1", "key-1")
	require.NoError(t, err)
	assert.True(t, record.Completed())
	assert.Equal(t, 201, record.ResponseStatus)
	assert.Equal(t, "application/json", record.ResponseContentType)
	assert.Equal(t, []byte(`{"id":"r1"}`), record.ResponseBody)
	assert.Nil(t, record.LockedAt)
}

func TestIntegration_Idempotency_ReleaseAndReclaim(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	hash := idempotency.Digest("POST", "/v1/invoices", []byte(`{"a":1}`))
	now := time.Now().UTC()

	claimed, _, err := store.TryClaim(ctx, "org-1", "key-1", hash, now)
	require.NoError(t, err)
	require.True(t, claimed)

	// Release clears the claim so the key can be claimed again.
	require.NoError(t, store.Release(ctx, "org-1", "key-1"))

	_, err = store.Get(ctx, "org-1", "key-1")
	require.ErrorIs(t, err, idempotency.ErrRecordNotFound)

	// A fresh claim cannot be reclaimed; a stale one can.
	claimed, _, err = store.TryClaim(ctx, "org-1", "key-1", hash, now)
	require.NoError(t, err)
	require.True(t, claimed)

	reclaimed, err := store.Reclaim(ctx, "org-1", "key-1", hash, now.Add(-time.Minute), time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, reclaimed)

	reclaimed, err = store.Reclaim(ctx, "org-1", "key-1", hash, time.Now().UTC().Add(time.Minute), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, reclaimed)
}

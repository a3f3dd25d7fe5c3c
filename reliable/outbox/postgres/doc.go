// Package postgres persists outbox entries in PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE outbox_entries (
//	    id            UUID PRIMARY KEY,
//	    org_id        TEXT        NOT NULL,
//	    event_type    TEXT        NOT NULL,
//	    payload       JSONB       NOT NULL,
//	    status        TEXT        NOT NULL DEFAULT 'PENDING',
//	    attempts      INT         NOT NULL DEFAULT 0,
//	    next_retry_at TIMESTAMPTZ,
//	    delivered_at  TIMESTAMPTZ,
//	    last_error    TEXT        NOT NULL DEFAULT '',
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX outbox_entries_due_idx
//	    ON outbox_entries (org_id, created_at)
//	    WHERE status = 'PENDING';
//
// Claims lock rows with FOR UPDATE SKIP LOCKED, so multiple dispatcher
// replicas can poll the same table.
package postgres

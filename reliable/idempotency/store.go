package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Digest hashes the request identity. Two requests with the same digest
// are the same logical request for replay purposes.
func Digest(method, path string, body []byte) string {
	hash := sha256.New()
	hash.Write([]byte(method))
	hash.Write([]byte{0})
	hash.Write([]byte(path))
	hash.Write([]byte{0})
	hash.Write(body)

	return hex.EncodeToString(hash.Sum(nil))
}

// Response is a completed handler outcome. ContentType is stored with the
// body so a replay serves the response exactly as the handler produced it.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Record is one idempotency key row. A record with CompletedAt set holds a
// cached response; one without is an in-flight claim leased at LockedAt.
type Record struct {
	OrgID               string
	Key                 string
	RequestHash         string
	ResponseStatus      int
	ResponseContentType string
	ResponseBody        []byte
	LockedAt            *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Completed reports whether the record holds a cached response.
func (r *Record) Completed() bool {
	return r != nil && r.CompletedAt != nil
}

// Store persists idempotency records. Claim and Reclaim must be atomic:
// under concurrent callers exactly one wins.
type Store interface {
	// TryClaim inserts an in-flight claim. When a row for (orgID, key)
	// already exists, claimed is false and the existing record is returned.
	TryClaim(ctx context.Context, orgID, key, requestHash string, now time.Time) (claimed bool, existing *Record, err error)

	// SaveResponse caches the handler response and clears the lock.
	SaveResponse(ctx context.Context, orgID, key string, resp *Response, completedAt time.Time) error

	// Release drops an in-flight claim after a failed execution, so a
	// client retry can execute again. Completed records are never released.
	Release(ctx context.Context, orgID, key string) error

	// Reclaim takes over a stale in-flight claim whose lock predates
	// staleBefore. Reclaimed is false if the record completed, changed
	// hash or was refreshed concurrently.
	Reclaim(ctx context.Context, orgID, key, requestHash string, staleBefore, now time.Time) (reclaimed bool, err error)

	// Get fetches a record, ErrRecordNotFound when absent.
	Get(ctx context.Context, orgID, key string) (*Record, error)
}

package outbox

import (
	"context"
	"strings"
)

type orgIDContextKey string

// OrgIDContextKey stores the org id used by multi-tenant outbox operations.
const OrgIDContextKey orgIDContextKey = "outbox.org_id"

// ContextWithOrgID returns a context carrying orgID.
func ContextWithOrgID(ctx context.Context, orgID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, OrgIDContextKey, strings.TrimSpace(orgID))
}

// OrgIDFromContext reads the org id from context.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	orgID, ok := ctx.Value(OrgIDContextKey).(string)
	if !ok || strings.TrimSpace(orgID) == "" {
		return "", false
	}

	return strings.TrimSpace(orgID), true
}

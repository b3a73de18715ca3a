package azauth

import (
	"context"
	"errors"
	"time"
)

const (
	eventLoginSuccess           = "login_success"
	eventLoginFailure           = "login_failure"
	eventRefreshStale           = "refresh_stale"
	eventTokenCacheHit          = "token_cache_hit"
	eventTokenGrantFailed       = "token_grant_failed"
	eventInteractionRequired    = "interaction_required"
	eventBaseTokenMissing       = "base_token_missing"
	eventAccountVersionRejected = "account_version_rejected"
	eventTenantDiscoveryFailed  = "tenant_discovery_failed"
	eventCacheDeleted           = "cache_deleted"
)

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e.audit == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	e.audit.Emit(ctx, event)
}

// auditErrorCode maps an error to a short stable code for audit events. Raw
// error text never enters events; it can carry identifiers.
func auditErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTenantNotFound):
		return "tenant_not_found"
	case errors.Is(err, ErrMissingBaseToken):
		return "missing_base_token"
	case errors.Is(err, ErrTokenEndpoint):
		return "token_endpoint_error"
	case errors.Is(err, ErrMissingAccessToken):
		return "missing_access_token"
	case errors.Is(err, ErrNoUserKey):
		return "no_user_key"
	case errors.Is(err, ErrTenantDiscovery):
		return "tenant_discovery_failed"
	case errors.Is(err, ErrClaimsDecode):
		return "claims_decode_failed"
	default:
		return "internal_error"
	}
}

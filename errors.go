package azauth

import (
	"errors"

	"github.com/azurekit/azauth/claims"
)

var (
	// ErrTenantNotFound is returned when the requested tenant is absent from
	// the account's known tenant list.
	ErrTenantNotFound = errors.New("tenant not found in account tenant list")
	// ErrMissingBaseToken is returned when the bootstrap (common tenant)
	// refresh token is absent while a cache fallback was required. It indicates
	// a corrupted authentication cycle; the account is also flagged stale.
	ErrMissingBaseToken = errors.New("no base token registered for the bootstrap resource")
	// ErrTokenEndpoint is returned when AAD answers a token grant with an
	// error other than interaction_required.
	ErrTokenEndpoint = errors.New("token endpoint returned an error")
	// ErrMissingAccessToken is returned when the token endpoint reports
	// success without an access token.
	ErrMissingAccessToken = errors.New("token endpoint response missing access token")
	// ErrNoUserKey is returned when decoded claims contain none of the
	// recognized subject identifiers (home_oid, oid, unique_name, sub).
	ErrNoUserKey = errors.New("token claims contain no user key")
	// ErrTenantDiscovery wraps failures of the tenant-listing call.
	ErrTenantDiscovery = errors.New("tenant discovery failed")
	// ErrClaimsDecode aliases the decoder's malformed-payload error so callers
	// can match it without importing claims.
	ErrClaimsDecode = claims.ErrMalformed
	// ErrEngineNotReady is returned when an operation needs a capability the
	// builder was never given (e.g. interactive login without an Authenticator).
	ErrEngineNotReady = errors.New("engine not initialized")
)

// IsAuthErr reports whether err is one of the engine's domain error kinds.
// StartLogin re-raises domain errors but swallows everything else into a
// "no account" result; this is the test it uses.
func IsAuthErr(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []error{
		ErrTenantNotFound,
		ErrMissingBaseToken,
		ErrTokenEndpoint,
		ErrMissingAccessToken,
		ErrNoUserKey,
		ErrTenantDiscovery,
		ErrClaimsDecode,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

package internaldefs

import (
	azauth "github.com/azurekit/azauth"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   azauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   azauth.MetricID
	Name string
	Help string
}

// CounterDefs is the shared counter naming table.
var CounterDefs = []CounterDef{
	{ID: azauth.MetricLoginSuccess, Name: "azauth_login_success_total", Help: "Completed interactive logins."},
	{ID: azauth.MetricLoginFailure, Name: "azauth_login_failure_total", Help: "Interactive logins that ended in an error."},
	{ID: azauth.MetricTokenCacheHit, Name: "azauth_token_cache_hit_total", Help: "Token requests served from cache without a network call."},
	{ID: azauth.MetricTokenRefreshSuccess, Name: "azauth_token_refresh_success_total", Help: "Successful silent refresh grants."},
	{ID: azauth.MetricTokenRefreshFailure, Name: "azauth_token_refresh_failure_total", Help: "Failed silent refresh grants."},
	{ID: azauth.MetricBaseTokenFallback, Name: "azauth_base_token_fallback_total", Help: "Refreshes that fell back to the bootstrap refresh token."},
	{ID: azauth.MetricBaseTokenMissing, Name: "azauth_base_token_missing_total", Help: "Fallbacks that found no bootstrap token."},
	{ID: azauth.MetricInteractionRequired, Name: "azauth_interaction_required_total", Help: "Grants answered with interaction_required."},
	{ID: azauth.MetricAccountStale, Name: "azauth_account_stale_total", Help: "Accounts flagged stale by a refresh pass."},
	{ID: azauth.MetricAccountVersionRejected, Name: "azauth_account_version_rejected_total", Help: "Accounts rejected by the schema version gate."},
	{ID: azauth.MetricTenantDiscoverySuccess, Name: "azauth_tenant_discovery_success_total", Help: "Successful tenant listings."},
	{ID: azauth.MetricTenantDiscoveryFailure, Name: "azauth_tenant_discovery_failure_total", Help: "Failed tenant listings."},
	{ID: azauth.MetricCacheDeleted, Name: "azauth_cache_deleted_total", Help: "Cache deletion operations."},
}

// HistogramDefs is the shared histogram naming table.
var HistogramDefs = []HistogramDef{
	{ID: azauth.MetricTokenGrantLatency, Name: "azauth_token_grant_latency_seconds", Help: "Token grant round-trip latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix are bound labels usable inside metric names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

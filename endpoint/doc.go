// Package endpoint is the HTTP client for the AAD v1 token endpoint, the
// device-code endpoint, and the Azure Resource Manager tenant listing.
//
// Token grants never fail on HTTP status: status validation is deliberately
// disabled, and the response body's error field is the sole signal the engine
// acts on. Transport-level failures (DNS, connect, context cancellation) are
// still surfaced as errors.
package endpoint

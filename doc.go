// Package azauth provides an Azure Active Directory token acquisition, caching,
// and refresh engine for client applications that sign users in across multiple
// tenants and resources.
//
// The engine owns the protocol state machine: interactive sign-in against the
// common tenant, silent refresh of expiring access tokens, cross-resource token
// exchange via the refresh-token grant, and persistence of cached credentials
// keyed by (account, tenant, resource). Callers supply the pieces that cannot
// live in a library: the interactive login capability ([Authenticator]), the
// secure secret store ([SecretStore]), and the consent prompt ([ConsentPrompter]).
//
// # Architecture boundaries
//
// azauth is the public surface. It exposes [Engine], [Builder], [Config], and the
// account/token data model. Claims decoding lives in claims/, the split token
// cache in cache/, and the AAD HTTP client in endpoint/. Interactive flow
// implementations (authorization code, device code) live under flows/ and depend
// only on the [Authenticator] contract.
//
// # What this package must NOT do
//
//   - Verify token signatures. Tokens are consumed, never validated; the decoder
//     reads claims without checking the signature.
//   - Log or audit token values. Secrets flow through the secret store only.
//   - Retry transport failures. Retries, timeouts beyond the configured HTTP
//     client, and backoff are the transport's responsibility.
//
// # Concurrency contract
//
// Engine methods are safe to call from multiple goroutines after [Builder.Build].
// There is no engine-level coalescing of concurrent refreshes for the same
// (account, tenant, resource): the two cache sub-stores are written without a
// transaction and concurrent writers race last-writer-wins, matching the
// documented cache model.
package azauth

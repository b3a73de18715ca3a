// Package cache persists access/refresh token secrets and their expiry times
// for the auth engine.
//
// The cache is physically split in two, matching the engine's consistency
// model: token JSON blobs live in a secure [SecretStore] under composite keys
// "{accountId}_access_{resourceId}_{tenantId}" and
// "{accountId}_refresh_{resourceId}_{tenantId}", while the expiry timestamp
// lives in a separate volatile [ExpiryStore] under
// "{accountId}_{tenantId}_{resourceId}". Writes across the two stores are not
// transactional; concurrent writers race last-writer-wins per sub-key.
package cache

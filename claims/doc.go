// Package claims decodes the payload segment of AAD-issued JWT access tokens
// into a structured claims record. No signature verification and no network I/O
// happen here: the engine consumes tokens issued to it, it does not validate
// them on behalf of a resource.
package claims

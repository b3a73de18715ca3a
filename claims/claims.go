package claims

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned when a token cannot be split and decoded as a
// compact JWT. Callers that want "missing claims" to be non-fatal must handle
// this at the call site.
var ErrMalformed = errors.New("unable to decode token claims")

// TokenClaims is the decoded payload of an AAD access token.
// Field reference: https://docs.microsoft.com/en-us/azure/active-directory/develop/id-tokens
type TokenClaims struct {
	IDP               string `json:"idp,omitempty"`
	HomeOID           string `json:"home_oid,omitempty"`
	OID               string `json:"oid,omitempty"`
	TID               string `json:"tid,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	UniqueName        string `json:"unique_name,omitempty"`
	Version           string `json:"ver,omitempty"`
	jwt.RegisteredClaims
}

// Decode splits a compact JWT and parses its middle segment into TokenClaims.
// The signature is not checked. A malformed encoding yields ErrMalformed.
func Decode(accessToken string) (*TokenClaims, error) {
	var c TokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &c, nil
}

// UserKey derives the stable per-user identifier from the claims, in priority
// order home_oid, oid, unique_name, sub. The second return is false when none
// of the recognized subject identifiers are present.
func (c *TokenClaims) UserKey() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, key := range []string{c.HomeOID, c.OID, c.UniqueName, c.Subject} {
		if key != "" {
			return key, true
		}
	}
	return "", false
}

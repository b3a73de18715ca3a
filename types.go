package azauth

import (
	"context"

	"github.com/azurekit/azauth/cache"
	"github.com/azurekit/azauth/claims"
)

// AccountVersion is the schema version stamped into every account this engine
// creates. Accounts carrying a different version are unusable and must be
// deleted by the caller rather than refreshed.
const AccountVersion = "2.0"

// TenantCategoryHome marks the home tenant in tenant-discovery output. At most
// one tenant in an account's list carries it, and when present it is the first
// element after discovery.
const TenantCategoryHome = "Home"

// AccountKey uniquely identifies a stored account.
type AccountKey struct {
	ProviderID     string `json:"providerId"`
	AccountID      string `json:"accountId"`
	AccountVersion string `json:"accountVersion"`
}

// Tenant is an AAD directory. The synthetic tenant id "common" represents the
// multi-tenant home endpoint used for the initial bootstrap resource.
type Tenant struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	TenantCategory string `json:"tenantCategory,omitempty"`
}

// CommonTenant returns the synthetic multi-tenant discovery tenant.
func CommonTenant() Tenant {
	return Tenant{ID: "common", DisplayName: "common"}
}

// Resource is an AAD-protected API audience, e.g. Azure Resource Manager.
type Resource struct {
	ID  string `json:"id"`
	URI string `json:"resource"`
}

// AccessToken carries a bearer access token together with the stable per-user
// key derived from claims. Key is never the raw token value.
type AccessToken struct {
	Key   string `json:"key"`
	Token string `json:"token"`
}

// RefreshToken carries a refresh token keyed the same way as [AccessToken].
type RefreshToken struct {
	Key   string `json:"key"`
	Token string `json:"token"`
}

// Token is an access token tagged with its token type, ready for use in an
// Authorization header.
type Token struct {
	AccessToken
	TokenType string `json:"tokenType"`
}

// OAuthTokenResponse is the unit persisted per (account, tenant, resource).
type OAuthTokenResponse struct {
	AccessToken  AccessToken
	RefreshToken *RefreshToken
	Claims       claims.TokenClaims
	ExpiresOn    string
}

// AuthType identifies which interactive flow produced an account.
type AuthType string

const (
	// AuthTypeAuthCode is the authorization-code grant flow.
	AuthTypeAuthCode AuthType = "authCodeGrant"
	// AuthTypeDeviceCode is the device-code flow.
	AuthTypeDeviceCode AuthType = "deviceCode"
)

// Account type classifications assigned by [Engine.CreateAccount].
const (
	AccountTypeMicrosoft  = "microsoft"
	AccountTypeWorkSchool = "work_school"
)

// DisplayInfo holds the human-facing fields of an account.
type DisplayInfo struct {
	AccountType           string
	UserID                string
	ContextualDisplayName string
	DisplayName           string
	Email                 string
	Name                  string
}

// AccountProperties carries the tenant list and flow metadata of an account.
type AccountProperties struct {
	Tenants       []Tenant
	IsMsAccount   bool
	AzureAuthType AuthType
}

// AzureAccount is the engine's externally visible identity object. IsStale is
// set when cached credentials could not be refreshed; Delete is set when the
// account's schema version no longer matches [AccountVersion].
type AzureAccount struct {
	Key         AccountKey
	DisplayInfo DisplayInfo
	Properties  AccountProperties
	IsStale     bool
	Delete      bool
}

// LoginResponse is what an [Authenticator] hands back after an interactive
// login. AuthComplete lets a separate waiter observe completion of the flow;
// it is resolved or rejected exactly once by the engine.
type LoginResponse struct {
	Response     *OAuthTokenResponse
	AuthComplete *Completion
}

// TokenFinalizer validates, keys, and persists a raw token-endpoint response.
// [Engine] implements it; flow implementations call it so every token reaches
// the cache through the same path.
type TokenFinalizer interface {
	FinalizeToken(ctx context.Context, tenant Tenant, resource Resource, accessToken, refreshToken, expiresOn string) (*OAuthTokenResponse, error)
}

// Authenticator is the caller-supplied interactive login capability. One
// implementation exists per supported flow; the engine depends only on this
// interface.
type Authenticator interface {
	AuthType() AuthType
	PerformInteractiveLogin(ctx context.Context, fin TokenFinalizer, tenant Tenant, resource Resource) (*LoginResponse, error)
}

// ConsentChoice is the user's answer to an interactive re-authentication
// prompt.
type ConsentChoice int

const (
	// ConsentCancel declines the prompt.
	ConsentCancel ConsentChoice = iota
	// ConsentOpen proceeds with interactive login.
	ConsentOpen
	// ConsentIgnoreTenant declines and permanently adds the tenant to the
	// exclusion set.
	ConsentIgnoreTenant
)

// ConsentPrompter asks the user whether to re-authenticate interactively for a
// tenant. Implemented by the caller (dialog, terminal prompt, ...).
type ConsentPrompter interface {
	PromptConsent(ctx context.Context, tenant Tenant, resource Resource) (ConsentChoice, error)
}

// SecretStore is the secure credential store contract consumed by the token
// cache. See [cache.SecretStore].
type SecretStore = cache.SecretStore

// ExpiryStore is the volatile expiry store contract consumed by the token
// cache. See [cache.ExpiryStore].
type ExpiryStore = cache.ExpiryStore

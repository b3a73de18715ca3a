package azauth

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/azurekit/azauth/claims"
)

// Issuer and identity-provider markers used to classify accounts. The first
// issuer is the well-known consumer (MSA) tenant of the Microsoft identity
// platform; the second is Microsoft's own corporate tenant.
const (
	idpLiveCom        = "live.com"
	msAccountIssuer   = "https://sts.windows.net/9188040d-6c67-4c5b-b112-36a304b66dad/"
	corpAccountIssuer = "https://sts.windows.net/72f988bf-86f1-41af-91ab-2d7cd011db47/"
)

// Contextual labels shown for classified accounts in place of the raw
// display name.
const (
	contextualNameCorp      = "Microsoft Corp"
	contextualNameMicrosoft = "Microsoft Account"
)

// HydrateAccount discovers the tenants visible to the token and builds the
// full account object from the token's claims.
func (e *Engine) HydrateAccount(ctx context.Context, token AccessToken, tokenClaims claims.TokenClaims, authType AuthType) (*AzureAccount, error) {
	tenants, err := e.GetTenants(ctx, token.Token)
	if err != nil {
		return nil, err
	}
	return e.CreateAccount(&tokenClaims, token.Key, tenants, authType), nil
}

// GetTenants lists the tenants the token can see via the Azure Resource
// Manager endpoint. The home tenant, when present, is moved to the front; the
// rest keep their listing order. Failures wrap ErrTenantDiscovery.
func (e *Engine) GetTenants(ctx context.Context, accessToken string) ([]Tenant, error) {
	ctx = ensureContext(ctx)

	entries, err := e.client.ListTenants(ctx, e.config.Resources.ResourceManager.URI, accessToken)
	if err != nil {
		e.metrics.Inc(MetricTenantDiscoveryFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventTenantDiscoveryFailed,
			Error:     auditErrorCode(err),
		})
		return nil, fmt.Errorf("%w: %v", ErrTenantDiscovery, err)
	}

	tenants := make([]Tenant, 0, len(entries))
	for _, entry := range entries {
		displayName := entry.DisplayName
		if displayName == "" {
			displayName = entry.TenantID
		}
		tenants = append(tenants, Tenant{
			ID:             entry.TenantID,
			DisplayName:    displayName,
			TenantCategory: entry.TenantCategory,
		})
	}

	for i, t := range tenants {
		if t.TenantCategory == TenantCategoryHome && i != 0 {
			home := tenants[i]
			tenants = append(tenants[:i], tenants[i+1:]...)
			tenants = append([]Tenant{home}, tenants...)
			break
		}
	}

	e.metrics.Inc(MetricTenantDiscoverySuccess)
	e.logger.Debug("tenant discovery complete", zap.Int("tenants", len(tenants)))
	return tenants, nil
}

// CreateAccount builds the account object for a set of decoded claims. The
// account id is the stable user key, the schema version is stamped with
// AccountVersion, and the account is classified as a Microsoft (consumer) or
// work/school account by the identity-provider and issuer claims. The
// contextual display name follows the classification: corporate accounts are
// labelled "Microsoft Corp", consumer accounts "Microsoft Account", and
// everything else keeps the plain display name.
func (e *Engine) CreateAccount(tokenClaims *claims.TokenClaims, userKey string, tenants []Tenant, authType AuthType) *AzureAccount {
	name := firstNonEmpty(tokenClaims.Name, tokenClaims.Email, tokenClaims.UniqueName)
	email := firstNonEmpty(tokenClaims.Email, tokenClaims.PreferredUsername, tokenClaims.UniqueName)

	displayName := name
	if email != "" {
		displayName = name + " - " + email
	}

	isMSAccount := tokenClaims.IDP == idpLiveCom || tokenClaims.Issuer == msAccountIssuer
	accountType := AccountTypeWorkSchool
	if isMSAccount {
		accountType = AccountTypeMicrosoft
	}

	contextualDisplayName := displayName
	switch {
	case tokenClaims.Issuer == corpAccountIssuer:
		contextualDisplayName = contextualNameCorp
	case isMSAccount:
		contextualDisplayName = contextualNameMicrosoft
	}

	return &AzureAccount{
		Key: AccountKey{
			ProviderID:     e.config.Provider.DisplayName,
			AccountID:      userKey,
			AccountVersion: AccountVersion,
		},
		DisplayInfo: DisplayInfo{
			AccountType:           accountType,
			UserID:                userKey,
			ContextualDisplayName: contextualDisplayName,
			DisplayName:           displayName,
			Email:                 email,
			Name:                  name,
		},
		Properties: AccountProperties{
			Tenants:       tenants,
			IsMsAccount:   isMSAccount,
			AzureAuthType: authType,
		},
	}
}

// homeTenant returns the account's home tenant, falling back to the first
// known tenant and finally to the synthetic common tenant.
func (e *Engine) homeTenant(account *AzureAccount) Tenant {
	for _, t := range account.Properties.Tenants {
		if t.TenantCategory == TenantCategoryHome {
			return t
		}
	}
	if len(account.Properties.Tenants) > 0 {
		return account.Properties.Tenants[0]
	}
	return CommonTenant()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

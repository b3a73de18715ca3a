package azauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/azurekit/azauth/cache"
	"github.com/azurekit/azauth/claims"
	"github.com/azurekit/azauth/endpoint"
)

const interactionRequiredError = "interaction_required"

// Engine acquires, caches, and refreshes AAD tokens for stored accounts.
// All methods are safe for concurrent use. The engine implements
// [TokenFinalizer] so interactive flows persist tokens through the same path
// as silent refreshes.
type Engine struct {
	config         Config
	client         *endpoint.Client
	cache          *cache.Store
	consent        *consentCoordinator
	tenantFilter   *TenantFilter
	authMu         sync.RWMutex
	authenticators map[AuthType]Authenticator
	logger         *zap.Logger
	audit          *auditDispatcher
	metrics        *Metrics
}

// StartLogin runs the registered interactive flow for authType against the
// common tenant, persists the resulting tokens, and builds the account.
//
// Domain errors (token endpoint, claims, user key, tenant discovery) are
// returned to the caller. Any other failure is logged and swallowed into a
// (nil, nil) result, mirroring a user-cancelled login.
func (e *Engine) StartLogin(ctx context.Context, authType AuthType, resource Resource) (*AzureAccount, error) {
	ctx = ensureContext(ctx)

	auth, err := e.authenticator(authType)
	if err != nil {
		return nil, err
	}

	resp, err := auth.PerformInteractiveLogin(ctx, e, CommonTenant(), resource)
	if err != nil {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventLoginFailure,
			Resource:  resource.ID,
			Error:     auditErrorCode(err),
		})
		if IsAuthErr(err) {
			return nil, err
		}
		e.logger.Warn("interactive login failed", zap.Error(err))
		return nil, nil
	}
	if resp == nil || resp.Response == nil {
		// User backed out of the flow before a token was issued.
		return nil, nil
	}

	account, err := e.HydrateAccount(ctx, resp.Response.AccessToken, resp.Response.Claims, authType)
	if err != nil {
		resp.AuthComplete.Reject(err)
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventLoginFailure,
			Resource:  resource.ID,
			Error:     auditErrorCode(err),
		})
		if IsAuthErr(err) {
			return nil, err
		}
		e.logger.Warn("account hydration failed", zap.Error(err))
		return nil, nil
	}

	resp.AuthComplete.Resolve()
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventLoginSuccess,
		AccountID: account.Key.AccountID,
		Resource:  resource.ID,
		Success:   true,
	})
	return account, nil
}

// RefreshAccess revalidates an account's cached credentials and returns a
// freshly hydrated account on success. It never returns an error: a
// schema-version mismatch sets Delete without any network call, and every
// refresh or hydration failure is swallowed into IsStale on the input account.
func (e *Engine) RefreshAccess(ctx context.Context, account *AzureAccount) *AzureAccount {
	ctx = ensureContext(ctx)

	if account.Key.AccountVersion != AccountVersion {
		account.Delete = true
		e.metrics.Inc(MetricAccountVersionRejected)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventAccountVersionRejected,
			AccountID: account.Key.AccountID,
			Metadata:  map[string]string{"account_version": account.Key.AccountVersion},
		})
		return account
	}

	token, err := e.GetAccountSecurityToken(ctx, account, "", e.config.Resources.Management)
	if err != nil || token == nil {
		return e.markStale(ctx, account, err)
	}

	tokenClaims, err := claims.Decode(token.Token)
	if err != nil {
		return e.markStale(ctx, account, err)
	}

	refreshed, err := e.HydrateAccount(ctx, token.AccessToken, *tokenClaims, account.Properties.AzureAuthType)
	if err != nil {
		return e.markStale(ctx, account, err)
	}
	return refreshed
}

func (e *Engine) markStale(ctx context.Context, account *AzureAccount, err error) *AzureAccount {
	account.IsStale = true
	e.metrics.Inc(MetricAccountStale)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventRefreshStale,
		AccountID: account.Key.AccountID,
		Error:     auditErrorCode(err),
	})
	if err != nil {
		e.logger.Info("refresh access failed, flagging account stale",
			zap.String("account", account.Key.AccountID),
			zap.Error(err))
	}
	return account
}

// GetAccountSecurityToken returns a valid access token for (account, tenant,
// resource), serving from cache when the cached token has more than the
// configured tolerance left, refreshing silently otherwise, and falling back
// to the bootstrap refresh token when the entry has no refresh token of its
// own. An empty tenantID selects the account's home tenant. A nil, nil return
// means no token could be produced without interactive re-authentication:
// either the account is stale, or the user declined the interaction needed to
// proceed.
func (e *Engine) GetAccountSecurityToken(ctx context.Context, account *AzureAccount, tenantID string, resource Resource) (*Token, error) {
	ctx = ensureContext(ctx)

	if account.IsStale {
		// Stale accounts never attempt a network refresh; the caller must
		// re-authenticate interactively first.
		return nil, nil
	}

	tenant, err := e.resolveTenant(account, tenantID)
	if err != nil {
		return nil, err
	}

	key := cache.Key{
		AccountID:  account.Key.AccountID,
		TenantID:   tenant.ID,
		ResourceID: resource.ID,
	}
	entry, err := e.cache.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	var refresh *RefreshToken
	var hasAccess bool
	if entry != nil {
		access, ok := decodeAccessBlob(entry.Access)
		hasAccess = ok
		if ok && e.withinTolerance(entry.ExpiresOn) {
			e.metrics.Inc(MetricTokenCacheHit)
			e.emitAudit(ctx, AuditEvent{
				EventType: eventTokenCacheHit,
				AccountID: account.Key.AccountID,
				TenantID:  tenant.ID,
				Resource:  resource.ID,
				Success:   true,
			})
			return &Token{AccessToken: *access, TokenType: "Bearer"}, nil
		}
		refresh = decodeRefreshBlob(entry.Refresh)
	}

	if refresh == nil && (entry == nil || !hasAccess) {
		// Nothing usable cached for this slice, either because the entry is
		// missing or because its access blob cannot be decoded: fall back to
		// the bootstrap refresh token minted for the common tenant during
		// login. An entry with a readable but expired access token and no
		// refresh token goes to the interaction path instead.
		refresh, err = e.baseRefreshToken(ctx, account)
		if err != nil {
			return nil, err
		}
		e.metrics.Inc(MetricBaseTokenFallback)
	}

	response, err := e.RefreshToken(ctx, account.Properties.AzureAuthType, tenant, resource, refresh)
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, nil
	}
	return &Token{AccessToken: response.AccessToken, TokenType: "Bearer"}, nil
}

// baseRefreshToken loads the bootstrap refresh token. Its absence is judged by
// the access blob: a missing access entry means the authentication cycle is
// corrupted, which flags the account stale and raises ErrMissingBaseToken. An
// access entry without a refresh blob yields (nil, nil) and sends the caller
// down the interaction path.
func (e *Engine) baseRefreshToken(ctx context.Context, account *AzureAccount) (*RefreshToken, error) {
	baseKey := cache.Key{
		AccountID:  account.Key.AccountID,
		TenantID:   CommonTenant().ID,
		ResourceID: e.config.Resources.Management.ID,
	}
	entry, err := e.cache.Lookup(ctx, baseKey)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		account.IsStale = true
		e.metrics.Inc(MetricBaseTokenMissing)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventBaseTokenMissing,
			AccountID: account.Key.AccountID,
		})
		return nil, ErrMissingBaseToken
	}
	return decodeRefreshBlob(entry.Refresh), nil
}

// RefreshToken exchanges a refresh token for a new token pair at the given
// tenant and resource. A nil refresh token goes straight to the interaction
// path.
func (e *Engine) RefreshToken(ctx context.Context, authType AuthType, tenant Tenant, resource Resource, refresh *RefreshToken) (*OAuthTokenResponse, error) {
	if refresh == nil {
		return e.handleInteractionRequired(ctx, authType, tenant, resource)
	}
	form := endpoint.RefreshTokenForm(e.client.ClientID(), refresh.Token, tenant.ID, resource.URI)
	return e.GetToken(ctx, authType, tenant, resource, form)
}

// GetToken posts a grant to the token endpoint and finalizes the response.
// The endpoint's HTTP status is ignored; the body's error field is the sole
// failure signal. interaction_required routes to the consent coordinator,
// every other error value becomes ErrTokenEndpoint.
func (e *Engine) GetToken(ctx context.Context, authType AuthType, tenant Tenant, resource Resource, form url.Values) (*OAuthTokenResponse, error) {
	ctx = ensureContext(ctx)

	start := time.Now()
	resp, err := e.client.TokenGrant(ctx, tenant.ID, form)
	e.metrics.Observe(MetricTokenGrantLatency, time.Since(start))
	if err != nil {
		e.metrics.Inc(MetricTokenRefreshFailure)
		return nil, err
	}

	if resp.Error == interactionRequiredError {
		e.metrics.Inc(MetricInteractionRequired)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventInteractionRequired,
			TenantID:  tenant.ID,
			Resource:  resource.ID,
		})
		return e.handleInteractionRequired(ctx, authType, tenant, resource)
	}
	if resp.Error != "" {
		e.metrics.Inc(MetricTokenRefreshFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType: eventTokenGrantFailed,
			TenantID:  tenant.ID,
			Resource:  resource.ID,
			Error:     resp.Error,
		})
		return nil, fmt.Errorf("%w: %s: %s", ErrTokenEndpoint, resp.Error, resp.ErrorDescription)
	}

	response, err := e.FinalizeToken(ctx, tenant, resource, resp.AccessToken, resp.RefreshToken, resp.ExpiresOnString())
	if err != nil {
		e.metrics.Inc(MetricTokenRefreshFailure)
		return nil, err
	}
	if response == nil {
		e.metrics.Inc(MetricTokenRefreshFailure)
		return nil, nil
	}
	e.metrics.Inc(MetricTokenRefreshSuccess)
	return response, nil
}

// FinalizeToken validates a raw token-endpoint response, derives the per-user
// key from its claims, persists the pair, and returns the finished response.
// This is the single path by which tokens reach the cache. An undecodable
// access token yields (nil, nil): the token cannot be keyed or cached, and the
// caller falls back to an interactive flow.
func (e *Engine) FinalizeToken(ctx context.Context, tenant Tenant, resource Resource, accessToken, refreshToken, expiresOn string) (*OAuthTokenResponse, error) {
	ctx = ensureContext(ctx)

	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}

	tokenClaims, err := claims.Decode(accessToken)
	if err != nil {
		e.logger.Debug("token claims decode failed", zap.Error(err))
		return nil, nil
	}
	userKey, ok := tokenClaims.UserKey()
	if !ok {
		return nil, ErrNoUserKey
	}

	response := &OAuthTokenResponse{
		AccessToken: AccessToken{Key: userKey, Token: accessToken},
		Claims:      *tokenClaims,
		ExpiresOn:   expiresOn,
	}
	if refreshToken != "" {
		response.RefreshToken = &RefreshToken{Key: userKey, Token: refreshToken}
	}

	if err := e.saveToken(ctx, tenant, resource, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (e *Engine) saveToken(ctx context.Context, tenant Tenant, resource Resource, response *OAuthTokenResponse) error {
	accessJSON, err := json.Marshal(response.AccessToken)
	if err != nil {
		return fmt.Errorf("encode access token: %w", err)
	}
	refreshJSON := []byte("")
	if response.RefreshToken != nil {
		refreshJSON, err = json.Marshal(response.RefreshToken)
		if err != nil {
			return fmt.Errorf("encode refresh token: %w", err)
		}
	}

	key := cache.Key{
		AccountID:  response.AccessToken.Key,
		TenantID:   tenant.ID,
		ResourceID: resource.ID,
	}
	return e.cache.Save(ctx, key, string(accessJSON), string(refreshJSON), response.ExpiresOn)
}

// handleInteractionRequired asks the consent coordinator whether a new
// interactive login may run for the tenant, and runs it when allowed. A
// declined or suppressed prompt yields (nil, nil).
func (e *Engine) handleInteractionRequired(ctx context.Context, authType AuthType, tenant Tenant, resource Resource) (*OAuthTokenResponse, error) {
	open, err := e.consent.askForInteraction(ctx, tenant, resource)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, nil
	}

	auth, err := e.authenticator(authType)
	if err != nil {
		return nil, err
	}
	resp, err := auth.PerformInteractiveLogin(ctx, e, tenant, resource)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Response == nil {
		return nil, nil
	}
	resp.AuthComplete.Resolve()
	return resp.Response, nil
}

// withinTolerance reports whether a cached expiry still has at least the
// configured tolerance left. Missing or unparsable values count as expired.
func (e *Engine) withinTolerance(expiresOn string) bool {
	expiry, err := strconv.ParseInt(expiresOn, 10, 64)
	if err != nil {
		expiry = 0
	}
	remaining := expiry - time.Now().Unix()
	return remaining >= int64(e.config.ExpiryTolerance/time.Second)
}

func (e *Engine) resolveTenant(account *AzureAccount, tenantID string) (Tenant, error) {
	if tenantID == "" {
		return e.homeTenant(account), nil
	}
	for _, t := range account.Properties.Tenants {
		if t.ID == tenantID {
			return t, nil
		}
	}
	return Tenant{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
}

// decodeAccessBlob parses a cached access blob. Unparsable or empty blobs are
// treated as absent rather than fatal.
func decodeAccessBlob(blob string) (*AccessToken, bool) {
	if blob == "" {
		return nil, false
	}
	var at AccessToken
	if err := json.Unmarshal([]byte(blob), &at); err != nil || at.Token == "" {
		return nil, false
	}
	return &at, true
}

func decodeRefreshBlob(blob string) *RefreshToken {
	if blob == "" {
		return nil
	}
	var rt RefreshToken
	if err := json.Unmarshal([]byte(blob), &rt); err != nil || rt.Token == "" {
		return nil
	}
	return &rt
}

// DeleteAccountCache removes every cached secret belonging to the account.
func (e *Engine) DeleteAccountCache(ctx context.Context, key AccountKey) error {
	ctx = ensureContext(ctx)
	if err := e.cache.DeleteAccount(ctx, key.AccountID); err != nil {
		return err
	}
	e.metrics.Inc(MetricCacheDeleted)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventCacheDeleted,
		AccountID: key.AccountID,
		Success:   true,
	})
	return nil
}

// DeleteAllCache removes every cached secret the engine owns.
func (e *Engine) DeleteAllCache(ctx context.Context) error {
	ctx = ensureContext(ctx)
	if err := e.cache.DeleteAll(ctx); err != nil {
		return err
	}
	e.metrics.Inc(MetricCacheDeleted)
	e.emitAudit(ctx, AuditEvent{
		EventType: eventCacheDeleted,
		Success:   true,
	})
	return nil
}

// RegisterAuthenticator registers an interactive flow after construction.
// Flows are usually built against [Engine.Endpoint], which only exists once
// Build has run, so registration is a separate step.
func (e *Engine) RegisterAuthenticator(a Authenticator) {
	if a == nil {
		return
	}
	e.authMu.Lock()
	e.authenticators[a.AuthType()] = a
	e.authMu.Unlock()
}

func (e *Engine) authenticator(authType AuthType) (Authenticator, error) {
	e.authMu.RLock()
	defer e.authMu.RUnlock()
	auth, ok := e.authenticators[authType]
	if !ok {
		return nil, fmt.Errorf("%w: no authenticator registered for %q", ErrEngineNotReady, authType)
	}
	return auth, nil
}

// Endpoint exposes the engine's token endpoint client so interactive flows
// can share its HTTP client and configuration.
func (e *Engine) Endpoint() *endpoint.Client {
	return e.client
}

// TenantFilter exposes the engine's tenant exclusion set.
func (e *Engine) TenantFilter() *TenantFilter {
	return e.tenantFilter
}

// MetricsSnapshot copies the engine's counters and histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped returns how many audit events were discarded under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// Close drains and stops the audit dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	e.audit.Close()
}

package azauth_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	azauth "github.com/azurekit/azauth"
	"github.com/azurekit/azauth/cache"
	"github.com/azurekit/azauth/claims"
)

func testJWT(t *testing.T, payload map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + "."
}

// fakeAAD is an httptest-backed stand-in for the login endpoint and the ARM
// tenant listing.
type fakeAAD struct {
	mu          sync.Mutex
	grants      []url.Values
	grantStatus int
	grantBody   func(form url.Values) string

	tenantsStatus int
	tenantsBody   string
}

func (f *fakeAAD) handler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/oauth2/token"):
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			form := url.Values{}
			for k, v := range r.PostForm {
				form[k] = append([]string(nil), v...)
			}
			f.mu.Lock()
			f.grants = append(f.grants, form)
			body := ""
			if f.grantBody != nil {
				body = f.grantBody(form)
			}
			status := f.grantStatus
			f.mu.Unlock()
			if status != 0 {
				w.WriteHeader(status)
			}
			_, _ = io.WriteString(w, body)
		case r.URL.Path == "/tenants":
			f.mu.Lock()
			status := f.tenantsStatus
			body := f.tenantsBody
			f.mu.Unlock()
			if status != 0 {
				w.WriteHeader(status)
			}
			_, _ = io.WriteString(w, body)
		default:
			t.Errorf("unexpected request path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeAAD) grantCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grants)
}

func (f *fakeAAD) grantAt(t *testing.T, i int) url.Values {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.grants) {
		t.Fatalf("grant %d not recorded (have %d)", i, len(f.grants))
	}
	return f.grants[i]
}

type fakePrompter struct {
	mu     sync.Mutex
	choice azauth.ConsentChoice
	err    error
	calls  int
}

func (p *fakePrompter) PromptConsent(context.Context, azauth.Tenant, azauth.Resource) (azauth.ConsentChoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.choice, p.err
}

func (p *fakePrompter) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeAuthenticator struct {
	authType azauth.AuthType
	login    func(ctx context.Context, fin azauth.TokenFinalizer, tenant azauth.Tenant, resource azauth.Resource) (*azauth.LoginResponse, error)
	mu       sync.Mutex
	calls    int
}

func (a *fakeAuthenticator) AuthType() azauth.AuthType {
	if a.authType == "" {
		return azauth.AuthTypeDeviceCode
	}
	return a.authType
}

func (a *fakeAuthenticator) PerformInteractiveLogin(ctx context.Context, fin azauth.TokenFinalizer, tenant azauth.Tenant, resource azauth.Resource) (*azauth.LoginResponse, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.login == nil {
		return nil, nil
	}
	return a.login(ctx, fin, tenant, resource)
}

func (a *fakeAuthenticator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type testEnv struct {
	engine     *azauth.Engine
	secrets    *cache.MemorySecretStore
	aad        *fakeAAD
	prompter   *fakePrompter
	auth       *fakeAuthenticator
	management azauth.Resource
	arm        azauth.Resource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	aad := &fakeAAD{
		tenantsBody: `{"value":[{"tenantId":"tenant-2","displayName":"Second"},{"tenantId":"tenant-1","displayName":"First","tenantCategory":"Home"}]}`,
	}
	server := httptest.NewServer(aad.handler(t))
	t.Cleanup(server.Close)

	management := azauth.Resource{ID: "management", URI: server.URL + "/management/"}
	arm := azauth.Resource{ID: "arm", URI: server.URL}

	cfg := azauth.Config{
		Provider: azauth.ProviderConfig{
			ClientID:      "client-1",
			DisplayName:   "Azure",
			LoginEndpoint: server.URL + "/",
		},
		Resources: azauth.ResourcesConfig{
			Management:      management,
			ResourceManager: arm,
		},
		HTTP:            azauth.HTTPConfig{Timeout: 5 * time.Second},
		Metrics:         azauth.MetricsConfig{Enabled: true, EnableLatencyHistograms: true},
		ExpiryTolerance: 2 * time.Minute,
	}

	secrets := cache.NewMemorySecretStore()
	prompter := &fakePrompter{}
	auth := &fakeAuthenticator{}

	engine, err := azauth.New().
		WithConfig(cfg).
		WithSecretStore(secrets).
		WithPrompter(prompter).
		WithAuthenticator(auth).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{
		engine:     engine,
		secrets:    secrets,
		aad:        aad,
		prompter:   prompter,
		auth:       auth,
		management: management,
		arm:        arm,
	}
}

func (env *testEnv) account() *azauth.AzureAccount {
	return &azauth.AzureAccount{
		Key: azauth.AccountKey{
			ProviderID:     "Azure",
			AccountID:      "user-1",
			AccountVersion: azauth.AccountVersion,
		},
		Properties: azauth.AccountProperties{
			Tenants: []azauth.Tenant{
				{ID: "tenant-1", DisplayName: "First", TenantCategory: azauth.TenantCategoryHome},
				{ID: "tenant-2", DisplayName: "Second"},
			},
			AzureAuthType: azauth.AuthTypeDeviceCode,
		},
	}
}

func grantResponse(accessToken, refreshToken string, expiresOn int64) string {
	return fmt.Sprintf(`{"access_token":%q,"refresh_token":%q,"expires_on":%q}`,
		accessToken, refreshToken, strconv.FormatInt(expiresOn, 10))
}

func TestRefreshAccessVersionGate(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	account.Key.AccountVersion = "1.0"

	got := env.engine.RefreshAccess(context.Background(), account)

	if !got.Delete {
		t.Fatal("version mismatch must set Delete")
	}
	if got.IsStale {
		t.Fatal("version mismatch must not touch IsStale")
	}
	if env.aad.grantCount() != 0 {
		t.Fatalf("version gate made %d network calls, want 0", env.aad.grantCount())
	}
	snap := env.engine.MetricsSnapshot()
	if snap.Counters[azauth.MetricAccountVersionRejected] != 1 {
		t.Fatalf("version rejections = %d, want 1", snap.Counters[azauth.MetricAccountVersionRejected])
	}
}

func TestGetAccountSecurityTokenCacheHit(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	jwt := testJWT(t, map[string]any{"oid": "user-1"})

	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.arm,
		jwt, "rt-1", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	token, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil {
		t.Fatalf("GetAccountSecurityToken: %v", err)
	}
	if token == nil {
		t.Fatal("expected a cached token")
	}
	if token.Token != jwt {
		t.Fatal("cached token must be returned byte-identical")
	}
	if token.TokenType != "Bearer" {
		t.Fatalf("TokenType = %q, want Bearer", token.TokenType)
	}
	if env.aad.grantCount() != 0 {
		t.Fatalf("cache hit made %d network calls, want 0", env.aad.grantCount())
	}
	snap := env.engine.MetricsSnapshot()
	if snap.Counters[azauth.MetricTokenCacheHit] != 1 {
		t.Fatalf("cache hits = %d, want 1", snap.Counters[azauth.MetricTokenCacheHit])
	}
}

func TestGetAccountSecurityTokenToleranceBoundary(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	env.aad.grantBody = func(url.Values) string {
		return grantResponse(jwt, "rt-x", time.Now().Add(time.Hour).Unix())
	}

	// A token with exactly the configured tolerance remaining is still
	// served from the cache. Retry if the wall clock ticks over a second
	// between seeding the entry and checking it.
	for attempt := 0; attempt < 5; attempt++ {
		start := time.Now().Unix()
		_, err := env.engine.FinalizeToken(context.Background(),
			azauth.Tenant{ID: "tenant-1"}, env.arm,
			jwt, "rt-1", strconv.FormatInt(start+120, 10))
		if err != nil {
			t.Fatalf("FinalizeToken: %v", err)
		}
		before := env.aad.grantCount()

		token, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
		if err != nil {
			t.Fatalf("GetAccountSecurityToken: %v", err)
		}
		if time.Now().Unix() != start {
			continue
		}
		if token == nil || token.Token != jwt {
			t.Fatal("token at the tolerance boundary must come from the cache")
		}
		if grants := env.aad.grantCount() - before; grants != 0 {
			t.Fatalf("boundary lookup made %d grants, want 0", grants)
		}
		return
	}
	t.Fatal("clock never held still for a full attempt")
}

func TestGetAccountSecurityTokenRefreshesExpired(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()

	oldJWT := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.arm,
		oldJWT, "rt-old", strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	newJWT := testJWT(t, map[string]any{"oid": "user-1", "name": "Ada"})
	env.aad.grantBody = func(url.Values) string {
		return grantResponse(newJWT, "rt-new", time.Now().Add(time.Hour).Unix())
	}

	token, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil {
		t.Fatalf("GetAccountSecurityToken: %v", err)
	}
	if token == nil || token.Token != newJWT {
		t.Fatal("expected the refreshed token")
	}
	if env.aad.grantCount() != 1 {
		t.Fatalf("refresh made %d grants, want exactly 1", env.aad.grantCount())
	}

	form := env.aad.grantAt(t, 0)
	if form.Get("grant_type") != "refresh_token" {
		t.Fatalf("grant_type = %q", form.Get("grant_type"))
	}
	if form.Get("refresh_token") != "rt-old" {
		t.Fatalf("refresh_token = %q, want the entry's own token", form.Get("refresh_token"))
	}
	if form.Get("tenant") != "tenant-1" {
		t.Fatalf("tenant = %q", form.Get("tenant"))
	}
	if form.Get("resource") != env.arm.URI {
		t.Fatalf("resource = %q, want %q", form.Get("resource"), env.arm.URI)
	}

	// Second request is a cache hit against the rewritten entry.
	token, err = env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil || token == nil || token.Token != newJWT {
		t.Fatalf("follow-up lookup = (%v, %v), want cached refreshed token", token, err)
	}
	if env.aad.grantCount() != 1 {
		t.Fatalf("follow-up lookup made a network call (%d grants)", env.aad.grantCount())
	}
}

func TestGetAccountSecurityTokenUnparsableExpiry(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "rt-1", "not-a-number")
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	env.aad.grantBody = func(url.Values) string {
		return grantResponse(jwt, "rt-2", time.Now().Add(time.Hour).Unix())
	}

	if _, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm); err != nil {
		t.Fatalf("GetAccountSecurityToken: %v", err)
	}
	if env.aad.grantCount() != 1 {
		t.Fatalf("unparsable expiry should force a refresh, got %d grants", env.aad.grantCount())
	}
}

func TestFallbackToBaseToken(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()

	baseJWT := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.CommonTenant(), env.management,
		baseJWT, "rt-base", strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	newJWT := testJWT(t, map[string]any{"oid": "user-1"})
	env.aad.grantBody = func(url.Values) string {
		return grantResponse(newJWT, "rt-new", time.Now().Add(time.Hour).Unix())
	}

	token, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil {
		t.Fatalf("GetAccountSecurityToken: %v", err)
	}
	if token == nil {
		t.Fatal("expected a token from the base fallback")
	}
	if env.aad.grantCount() != 1 {
		t.Fatalf("fallback made %d grants, want 1", env.aad.grantCount())
	}

	form := env.aad.grantAt(t, 0)
	if form.Get("refresh_token") != "rt-base" {
		t.Fatalf("refresh_token = %q, want the bootstrap token", form.Get("refresh_token"))
	}
	if form.Get("resource") != env.arm.URI {
		t.Fatalf("fallback grant must target the requested resource, got %q", form.Get("resource"))
	}
	if form.Get("tenant") != "tenant-1" {
		t.Fatalf("fallback grant must target the requested tenant, got %q", form.Get("tenant"))
	}

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[azauth.MetricBaseTokenFallback] != 1 {
		t.Fatalf("fallback counter = %d, want 1", snap.Counters[azauth.MetricBaseTokenFallback])
	}
}

func TestFallbackCorruptAccessEntry(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	ctx := context.Background()

	baseJWT := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(ctx, azauth.CommonTenant(), env.management,
		baseJWT, "rt-base", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}
	// A damaged per-resource entry: the access blob does not decode and no
	// refresh token is stored alongside it. It must count as absent, not
	// block the bootstrap fallback.
	if err := env.secrets.Save(ctx, "user-1_access_arm_tenant-1", "not-json"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	newJWT := testJWT(t, map[string]any{"oid": "user-1"})
	env.aad.grantBody = func(url.Values) string {
		return grantResponse(newJWT, "rt-new", time.Now().Add(time.Hour).Unix())
	}

	token, err := env.engine.GetAccountSecurityToken(ctx, account, "tenant-1", env.arm)
	if err != nil {
		t.Fatalf("GetAccountSecurityToken: %v", err)
	}
	if token == nil || token.Token != newJWT {
		t.Fatal("damaged entry must fall back to the bootstrap refresh token")
	}
	if env.prompter.callCount() != 0 {
		t.Fatalf("prompter called %d times, want a silent fallback", env.prompter.callCount())
	}
	if env.aad.grantCount() != 1 {
		t.Fatalf("fallback made %d grants, want 1", env.aad.grantCount())
	}
	if form := env.aad.grantAt(t, 0); form.Get("refresh_token") != "rt-base" {
		t.Fatalf("refresh_token = %q, want the bootstrap token", form.Get("refresh_token"))
	}
	snap := env.engine.MetricsSnapshot()
	if snap.Counters[azauth.MetricBaseTokenFallback] != 1 {
		t.Fatalf("fallback counter = %d, want 1", snap.Counters[azauth.MetricBaseTokenFallback])
	}
}

func TestMissingBaseToken(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()

	_, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if !errors.Is(err, azauth.ErrMissingBaseToken) {
		t.Fatalf("err = %v, want ErrMissingBaseToken", err)
	}
	if !account.IsStale {
		t.Fatal("missing base token must flag the account stale")
	}
	if env.aad.grantCount() != 0 {
		t.Fatalf("missing base token made %d network calls, want 0", env.aad.grantCount())
	}
	if !azauth.IsAuthErr(err) {
		t.Fatal("ErrMissingBaseToken must be a domain error")
	}
}

func TestTenantNotFound(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()

	_, err := env.engine.GetAccountSecurityToken(context.Background(), account, "ghost", env.arm)
	if !errors.Is(err, azauth.ErrTenantNotFound) {
		t.Fatalf("err = %v, want ErrTenantNotFound", err)
	}
	if env.aad.grantCount() != 0 {
		t.Fatal("tenant resolution must not reach the network")
	}
}

func TestTokenEndpointErrorBody(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "rt-1",
		strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	env.aad.grantStatus = http.StatusBadRequest
	env.aad.grantBody = func(url.Values) string {
		return `{"error":"invalid_grant","error_description":"expired"}`
	}

	_, err = env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if !errors.Is(err, azauth.ErrTokenEndpoint) {
		t.Fatalf("err = %v, want ErrTokenEndpoint", err)
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Fatalf("error should carry the endpoint code: %v", err)
	}
}

func TestInteractionRequiredDeclined(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	env.prompter.choice = azauth.ConsentCancel

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "rt-1",
		strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}
	env.aad.grantBody = func(url.Values) string {
		return `{"error":"interaction_required"}`
	}

	token, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil {
		t.Fatalf("declined interaction must not error, got %v", err)
	}
	if token != nil {
		t.Fatal("declined interaction must yield a nil token")
	}
	if env.prompter.callCount() != 1 {
		t.Fatalf("prompter called %d times, want 1", env.prompter.callCount())
	}
	if env.auth.callCount() != 0 {
		t.Fatal("declined interaction must not start a login")
	}
}

func TestInteractionRequiredOpen(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	env.prompter.choice = azauth.ConsentOpen

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "rt-1",
		strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}
	env.aad.grantBody = func(url.Values) string {
		return `{"error":"interaction_required"}`
	}

	env.auth.login = func(_ context.Context, _ azauth.TokenFinalizer, tenant azauth.Tenant, _ azauth.Resource) (*azauth.LoginResponse, error) {
		if tenant.ID != "tenant-1" {
			t.Errorf("login tenant = %q, want tenant-1", tenant.ID)
		}
		return &azauth.LoginResponse{
			Response: &azauth.OAuthTokenResponse{
				AccessToken: azauth.AccessToken{Key: "user-1", Token: "interactive-token"},
			},
			AuthComplete: azauth.NewCompletion(),
		}, nil
	}

	token, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil {
		t.Fatalf("GetAccountSecurityToken: %v", err)
	}
	if token == nil || token.Token != "interactive-token" {
		t.Fatalf("token = %+v, want the interactive login result", token)
	}
	if env.auth.callCount() != 1 {
		t.Fatalf("authenticator called %d times, want 1", env.auth.callCount())
	}
}

func TestInteractionRequiredIgnoreTenant(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	env.prompter.choice = azauth.ConsentIgnoreTenant

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "rt-1",
		strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}
	env.aad.grantBody = func(url.Values) string {
		return `{"error":"interaction_required"}`
	}

	token, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil || token != nil {
		t.Fatalf("ignored tenant = (%v, %v), want (nil, nil)", token, err)
	}
	if !env.engine.TenantFilter().Ignored("tenant-1") {
		t.Fatal("tenant must be added to the exclusion set")
	}

	// Next time around the prompt is suppressed entirely.
	token, err = env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil || token != nil {
		t.Fatalf("excluded tenant = (%v, %v), want (nil, nil)", token, err)
	}
	if env.prompter.callCount() != 1 {
		t.Fatalf("prompter called %d times, want 1 (second ask suppressed)", env.prompter.callCount())
	}
}

func TestRefreshAccessSwallowsFailures(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.management, jwt, "rt-1",
		strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}
	// Undecodable body makes the refresh fail with a transport-level error.
	env.aad.grantStatus = http.StatusBadGateway
	env.aad.grantBody = func(url.Values) string { return "<html>bad gateway</html>" }

	got := env.engine.RefreshAccess(context.Background(), account)

	if !got.IsStale {
		t.Fatal("failed refresh must flag the account stale")
	}
	if got.Delete {
		t.Fatal("refresh failure must not set Delete")
	}
	snap := env.engine.MetricsSnapshot()
	if snap.Counters[azauth.MetricAccountStale] != 1 {
		t.Fatalf("stale counter = %d, want 1", snap.Counters[azauth.MetricAccountStale])
	}
}

func TestRefreshAccessFreshCache(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()

	jwt := testJWT(t, map[string]any{"oid": "user-1", "name": "Ada"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.management, jwt, "rt-1",
		strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	got := env.engine.RefreshAccess(context.Background(), account)

	if got.IsStale {
		t.Fatal("successful revalidation must not flag the account stale")
	}
	// Success re-hydrates: the returned account carries freshly discovered
	// tenants and the original flow type.
	if got.Key.AccountID != "user-1" {
		t.Fatalf("AccountID = %q", got.Key.AccountID)
	}
	if len(got.Properties.Tenants) != 2 || got.Properties.Tenants[0].ID != "tenant-1" {
		t.Fatalf("tenants = %+v, want rediscovered list, home first", got.Properties.Tenants)
	}
	if got.Properties.AzureAuthType != azauth.AuthTypeDeviceCode {
		t.Fatalf("AzureAuthType = %q", got.Properties.AzureAuthType)
	}
	if env.aad.grantCount() != 0 {
		t.Fatalf("fresh cache revalidation made %d grants, want 0", env.aad.grantCount())
	}
}

func TestRefreshAccessStaleStaysStale(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	account.IsStale = true

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	_, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.management, jwt, "rt-1",
		strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	got := env.engine.RefreshAccess(context.Background(), account)

	if !got.IsStale {
		t.Fatal("stale accounts stay stale until an interactive re-login")
	}
	if env.aad.grantCount() != 0 {
		t.Fatalf("stale account made %d network calls, want 0", env.aad.grantCount())
	}
}

func TestGetAccountSecurityTokenStaleShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	account := env.account()
	account.IsStale = true

	token, err := env.engine.GetAccountSecurityToken(context.Background(), account, "tenant-1", env.arm)
	if err != nil || token != nil {
		t.Fatalf("stale account = (%v, %v), want (nil, nil)", token, err)
	}
	if env.aad.grantCount() != 0 {
		t.Fatal("stale account must never reach the network")
	}
}

func TestStartLoginSuccess(t *testing.T) {
	env := newTestEnv(t)

	jwt := testJWT(t, map[string]any{
		"oid":   "user-1",
		"name":  "Ada Lovelace",
		"email": "ada@example.com",
	})

	completion := azauth.NewCompletion()
	env.auth.login = func(ctx context.Context, fin azauth.TokenFinalizer, tenant azauth.Tenant, resource azauth.Resource) (*azauth.LoginResponse, error) {
		if tenant.ID != "common" {
			t.Errorf("login tenant = %q, want common", tenant.ID)
		}
		response, err := fin.FinalizeToken(ctx, tenant, resource, jwt, "rt-1",
			strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		if err != nil {
			return nil, err
		}
		return &azauth.LoginResponse{Response: response, AuthComplete: completion}, nil
	}

	account, err := env.engine.StartLogin(context.Background(), azauth.AuthTypeDeviceCode, env.management)
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if account == nil {
		t.Fatal("expected an account")
	}

	if account.Key.AccountID != "user-1" {
		t.Fatalf("AccountID = %q, want the user key", account.Key.AccountID)
	}
	if account.Key.AccountVersion != azauth.AccountVersion {
		t.Fatalf("AccountVersion = %q, want %q", account.Key.AccountVersion, azauth.AccountVersion)
	}
	if account.DisplayInfo.DisplayName != "Ada Lovelace - ada@example.com" {
		t.Fatalf("DisplayName = %q", account.DisplayInfo.DisplayName)
	}
	if len(account.Properties.Tenants) != 2 || account.Properties.Tenants[0].ID != "tenant-1" {
		t.Fatalf("tenants = %+v, want home tenant first", account.Properties.Tenants)
	}
	if account.Properties.AzureAuthType != azauth.AuthTypeDeviceCode {
		t.Fatalf("AzureAuthType = %q", account.Properties.AzureAuthType)
	}

	select {
	case <-completion.Done():
	default:
		t.Fatal("completion must be resolved after a successful login")
	}
	if completion.Err() != nil {
		t.Fatalf("completion error = %v", completion.Err())
	}

	// The common-tenant bootstrap entry must now exist for the fallback path.
	ctx := context.Background()
	if _, ok, _ := env.secrets.Get(ctx, "user-1_access_management_common"); !ok {
		t.Fatal("bootstrap access entry missing after login")
	}
	if _, ok, _ := env.secrets.Get(ctx, "user-1_refresh_management_common"); !ok {
		t.Fatal("bootstrap refresh entry missing after login")
	}
}

func TestStartLoginDomainErrorPropagates(t *testing.T) {
	env := newTestEnv(t)

	env.auth.login = func(context.Context, azauth.TokenFinalizer, azauth.Tenant, azauth.Resource) (*azauth.LoginResponse, error) {
		return nil, fmt.Errorf("%w: invalid_grant: bad", azauth.ErrTokenEndpoint)
	}

	_, err := env.engine.StartLogin(context.Background(), azauth.AuthTypeDeviceCode, env.management)
	if !errors.Is(err, azauth.ErrTokenEndpoint) {
		t.Fatalf("err = %v, want ErrTokenEndpoint propagated", err)
	}
}

func TestStartLoginGenericErrorSwallowed(t *testing.T) {
	env := newTestEnv(t)

	env.auth.login = func(context.Context, azauth.TokenFinalizer, azauth.Tenant, azauth.Resource) (*azauth.LoginResponse, error) {
		return nil, errors.New("browser closed")
	}

	account, err := env.engine.StartLogin(context.Background(), azauth.AuthTypeDeviceCode, env.management)
	if err != nil {
		t.Fatalf("generic failure must be swallowed, got %v", err)
	}
	if account != nil {
		t.Fatal("swallowed failure must yield a nil account")
	}
}

func TestStartLoginNoResponse(t *testing.T) {
	env := newTestEnv(t)
	env.auth.login = func(context.Context, azauth.TokenFinalizer, azauth.Tenant, azauth.Resource) (*azauth.LoginResponse, error) {
		return nil, nil
	}

	account, err := env.engine.StartLogin(context.Background(), azauth.AuthTypeDeviceCode, env.management)
	if err != nil || account != nil {
		t.Fatalf("cancelled login = (%v, %v), want (nil, nil)", account, err)
	}
}

func TestStartLoginHydrationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.aad.tenantsStatus = http.StatusInternalServerError
	env.aad.tenantsBody = ""

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	completion := azauth.NewCompletion()
	env.auth.login = func(ctx context.Context, fin azauth.TokenFinalizer, tenant azauth.Tenant, resource azauth.Resource) (*azauth.LoginResponse, error) {
		response, err := fin.FinalizeToken(ctx, tenant, resource, jwt, "rt-1",
			strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		if err != nil {
			return nil, err
		}
		return &azauth.LoginResponse{Response: response, AuthComplete: completion}, nil
	}

	_, err := env.engine.StartLogin(context.Background(), azauth.AuthTypeDeviceCode, env.management)
	if !errors.Is(err, azauth.ErrTenantDiscovery) {
		t.Fatalf("err = %v, want ErrTenantDiscovery", err)
	}

	select {
	case <-completion.Done():
	default:
		t.Fatal("completion must be rejected on hydration failure")
	}
	if completion.Err() == nil {
		t.Fatal("completion must carry the rejection error")
	}
}

func TestStartLoginNoAuthenticator(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.StartLogin(context.Background(), azauth.AuthTypeAuthCode, env.management)
	if !errors.Is(err, azauth.ErrEngineNotReady) {
		t.Fatalf("err = %v, want ErrEngineNotReady", err)
	}
}

func TestFinalizeTokenValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := azauth.Tenant{ID: "tenant-1"}

	if _, err := env.engine.FinalizeToken(ctx, tenant, env.arm, "", "rt", "1"); !errors.Is(err, azauth.ErrMissingAccessToken) {
		t.Fatalf("empty access = %v, want ErrMissingAccessToken", err)
	}

	response, err := env.engine.FinalizeToken(ctx, tenant, env.arm, "not-a-jwt", "rt", "1")
	if err != nil || response != nil {
		t.Fatalf("undecodable access = (%+v, %v), want (nil, nil)", response, err)
	}

	noKey := testJWT(t, map[string]any{"name": "Nobody"})
	if _, err := env.engine.FinalizeToken(ctx, tenant, env.arm, noKey, "rt", "1"); !errors.Is(err, azauth.ErrNoUserKey) {
		t.Fatalf("keyless claims = %v, want ErrNoUserKey", err)
	}
}

func TestFinalizeTokenPersists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jwt := testJWT(t, map[string]any{"home_oid": "home-1", "oid": "oid-1"})
	response, err := env.engine.FinalizeToken(ctx, azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "rt-1", "1700000000")
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	if response.AccessToken.Key != "home-1" {
		t.Fatalf("user key = %q, want home_oid to win", response.AccessToken.Key)
	}
	if response.RefreshToken == nil || response.RefreshToken.Token != "rt-1" {
		t.Fatalf("refresh = %+v", response.RefreshToken)
	}
	if response.ExpiresOn != "1700000000" {
		t.Fatalf("ExpiresOn = %q", response.ExpiresOn)
	}

	blob, ok, err := env.secrets.Get(ctx, "home-1_access_arm_tenant-1")
	if err != nil || !ok {
		t.Fatalf("access blob missing: ok=%v err=%v", ok, err)
	}
	var at azauth.AccessToken
	if err := json.Unmarshal([]byte(blob), &at); err != nil {
		t.Fatalf("access blob not JSON: %v", err)
	}
	if at.Token != jwt || at.Key != "home-1" {
		t.Fatalf("stored access = %+v", at)
	}
}

func TestFinalizeTokenNoRefresh(t *testing.T) {
	env := newTestEnv(t)

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	response, err := env.engine.FinalizeToken(context.Background(),
		azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "", "1700000000")
	if err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}
	if response.RefreshToken != nil {
		t.Fatalf("RefreshToken = %+v, want nil", response.RefreshToken)
	}
}

func TestGetTenantsHomeFirst(t *testing.T) {
	env := newTestEnv(t)
	env.aad.tenantsBody = `{"value":[{"tenantId":"t2","displayName":"Two"},{"tenantId":"t3","displayName":"Three","tenantCategory":"Home"},{"tenantId":"t4","displayName":"Four"}]}`

	tenants, err := env.engine.GetTenants(context.Background(), "bearer-token")
	if err != nil {
		t.Fatalf("GetTenants: %v", err)
	}
	want := []string{"t3", "t2", "t4"}
	if len(tenants) != len(want) {
		t.Fatalf("got %d tenants, want %d", len(tenants), len(want))
	}
	for i, id := range want {
		if tenants[i].ID != id {
			t.Fatalf("tenant[%d] = %q, want %q (order %v)", i, tenants[i].ID, id, tenants)
		}
	}
}

func TestGetTenantsDisplayNameFallback(t *testing.T) {
	env := newTestEnv(t)
	env.aad.tenantsBody = `{"value":[{"tenantId":"t1"}]}`

	tenants, err := env.engine.GetTenants(context.Background(), "bearer-token")
	if err != nil {
		t.Fatalf("GetTenants: %v", err)
	}
	if len(tenants) != 1 || tenants[0].DisplayName != "t1" {
		t.Fatalf("tenants = %+v, want display name falling back to the id", tenants)
	}
}

func TestGetTenantsFailureWraps(t *testing.T) {
	env := newTestEnv(t)
	env.aad.tenantsStatus = http.StatusForbidden
	env.aad.tenantsBody = ""

	_, err := env.engine.GetTenants(context.Background(), "bearer-token")
	if !errors.Is(err, azauth.ErrTenantDiscovery) {
		t.Fatalf("err = %v, want ErrTenantDiscovery", err)
	}
}

func TestHydrateAccountIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	raw := testJWT(t, map[string]any{"oid": "user-1", "name": "Ada", "email": "ada@example.com"})
	tokenClaims, err := claims.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	token := azauth.AccessToken{Key: "user-1", Token: raw}

	first, err := env.engine.HydrateAccount(ctx, token, *tokenClaims, azauth.AuthTypeDeviceCode)
	if err != nil {
		t.Fatalf("HydrateAccount: %v", err)
	}
	second, err := env.engine.HydrateAccount(ctx, token, *tokenClaims, azauth.AuthTypeDeviceCode)
	if err != nil {
		t.Fatalf("HydrateAccount: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("hydration not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestCreateAccountClassification(t *testing.T) {
	env := newTestEnv(t)

	msa := &claims.TokenClaims{IDP: "live.com", Name: "Ada", Email: "ada@outlook.com"}
	account := env.engine.CreateAccount(msa, "user-1", nil, azauth.AuthTypeDeviceCode)
	if !account.Properties.IsMsAccount {
		t.Fatal("live.com idp must classify as a Microsoft account")
	}
	if account.DisplayInfo.AccountType != azauth.AccountTypeMicrosoft {
		t.Fatalf("AccountType = %q", account.DisplayInfo.AccountType)
	}
	if account.DisplayInfo.ContextualDisplayName != "Microsoft Account" {
		t.Fatalf("ContextualDisplayName = %q, want Microsoft Account", account.DisplayInfo.ContextualDisplayName)
	}

	consumer := &claims.TokenClaims{
		Name:  "Ada",
		Email: "ada@outlook.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "https://sts.windows.net/9188040d-6c67-4c5b-b112-36a304b66dad/",
		},
	}
	account = env.engine.CreateAccount(consumer, "user-3", nil, azauth.AuthTypeDeviceCode)
	if !account.Properties.IsMsAccount {
		t.Fatal("consumer-tenant issuer must classify as a Microsoft account")
	}
	if account.DisplayInfo.ContextualDisplayName != "Microsoft Account" {
		t.Fatalf("ContextualDisplayName = %q, want Microsoft Account", account.DisplayInfo.ContextualDisplayName)
	}

	corp := &claims.TokenClaims{
		Name:  "Ada",
		Email: "ada@microsoft.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "https://sts.windows.net/72f988bf-86f1-41af-91ab-2d7cd011db47/",
		},
	}
	account = env.engine.CreateAccount(corp, "user-4", nil, azauth.AuthTypeDeviceCode)
	if account.Properties.IsMsAccount {
		t.Fatal("corporate-tenant issuer must not classify as a consumer account")
	}
	if account.DisplayInfo.AccountType != azauth.AccountTypeWorkSchool {
		t.Fatalf("AccountType = %q", account.DisplayInfo.AccountType)
	}
	if account.DisplayInfo.ContextualDisplayName != "Microsoft Corp" {
		t.Fatalf("ContextualDisplayName = %q, want Microsoft Corp", account.DisplayInfo.ContextualDisplayName)
	}
	if account.DisplayInfo.DisplayName != "Ada - ada@microsoft.com" {
		t.Fatalf("DisplayName = %q", account.DisplayInfo.DisplayName)
	}

	org := &claims.TokenClaims{Name: "Ada", UniqueName: "ada@contoso.com"}
	account = env.engine.CreateAccount(org, "user-2", nil, azauth.AuthTypeAuthCode)
	if account.Properties.IsMsAccount {
		t.Fatal("org account misclassified as Microsoft account")
	}
	if account.DisplayInfo.AccountType != azauth.AccountTypeWorkSchool {
		t.Fatalf("AccountType = %q", account.DisplayInfo.AccountType)
	}
	if account.DisplayInfo.DisplayName != "Ada - ada@contoso.com" {
		t.Fatalf("DisplayName = %q", account.DisplayInfo.DisplayName)
	}
	if account.DisplayInfo.ContextualDisplayName != account.DisplayInfo.DisplayName {
		t.Fatalf("ContextualDisplayName = %q, want the plain display name", account.DisplayInfo.ContextualDisplayName)
	}
	if account.Properties.AzureAuthType != azauth.AuthTypeAuthCode {
		t.Fatalf("AzureAuthType = %q", account.Properties.AzureAuthType)
	}
}

func TestDeleteAccountCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jwt := testJWT(t, map[string]any{"oid": "user-1"})
	if _, err := env.engine.FinalizeToken(ctx, azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "rt-1", "1"); err != nil {
		t.Fatalf("FinalizeToken: %v", err)
	}

	if err := env.engine.DeleteAccountCache(ctx, azauth.AccountKey{AccountID: "user-1"}); err != nil {
		t.Fatalf("DeleteAccountCache: %v", err)
	}
	if _, ok, _ := env.secrets.Get(ctx, "user-1_access_arm_tenant-1"); ok {
		t.Fatal("access entry must be removed")
	}
	if _, ok, _ := env.secrets.Get(ctx, "user-1_refresh_arm_tenant-1"); ok {
		t.Fatal("refresh entry must be removed")
	}
}

func TestDeleteAllCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, oid := range []string{"user-1", "user-2"} {
		jwt := testJWT(t, map[string]any{"oid": oid})
		if _, err := env.engine.FinalizeToken(ctx, azauth.Tenant{ID: "tenant-1"}, env.arm, jwt, "rt", "1"); err != nil {
			t.Fatalf("FinalizeToken: %v", err)
		}
	}

	if err := env.engine.DeleteAllCache(ctx); err != nil {
		t.Fatalf("DeleteAllCache: %v", err)
	}
	creds, err := env.secrets.FindAll(ctx, "")
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("%d credentials survive DeleteAllCache", len(creds))
	}
}

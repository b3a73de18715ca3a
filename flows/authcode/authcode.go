package authcode

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	azauth "github.com/azurekit/azauth"
	"github.com/azurekit/azauth/endpoint"
)

// CodeReceiver obtains an authorization code for the given authorize URL.
// Implementations typically open the URL in a browser and run a loopback
// listener on the redirect URI; they must verify that the returned state
// matches before handing the code back.
type CodeReceiver interface {
	ReceiveCode(ctx context.Context, authorizeURL, state string) (code string, err error)
}

// Authenticator runs the AAD authorization-code grant.
type Authenticator struct {
	client      *endpoint.Client
	redirectURI string
	receiver    CodeReceiver
	logger      *zap.Logger
}

// New builds an authorization-code authenticator. receiver is required.
func New(client *endpoint.Client, redirectURI string, receiver CodeReceiver, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		client:      client,
		redirectURI: redirectURI,
		receiver:    receiver,
		logger:      logger,
	}
}

func (a *Authenticator) AuthType() azauth.AuthType {
	return azauth.AuthTypeAuthCode
}

// BuildAuthorizeURL assembles the authorize endpoint URL with fresh state and
// nonce values. The state is returned so the receiver can verify it.
func (a *Authenticator) BuildAuthorizeURL(tenant azauth.Tenant, resource azauth.Resource) (authorizeURL, state string) {
	state = uuid.NewString()
	nonce := uuid.NewString()

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", a.client.ClientID())
	query.Set("redirect_uri", a.redirectURI)
	query.Set("resource", resource.URI)
	query.Set("state", state)
	query.Set("nonce", nonce)
	query.Set("prompt", "select_account")

	return a.client.LoginEndpoint() + tenant.ID + "/oauth2/authorize?" + query.Encode(), state
}

// PerformInteractiveLogin drives one authorization-code login and finalizes
// the resulting token through fin.
func (a *Authenticator) PerformInteractiveLogin(ctx context.Context, fin azauth.TokenFinalizer, tenant azauth.Tenant, resource azauth.Resource) (*azauth.LoginResponse, error) {
	if a.receiver == nil {
		return nil, fmt.Errorf("authorization code flow requires a code receiver")
	}

	authorizeURL, state := a.BuildAuthorizeURL(tenant, resource)
	a.logger.Debug("authorize URL built", zap.String("tenant", tenant.ID))

	code, err := a.receiver.ReceiveCode(ctx, authorizeURL, state)
	if err != nil {
		return nil, err
	}
	if code == "" {
		// User closed the browser without completing the flow.
		return nil, nil
	}

	resp, err := a.client.TokenGrant(ctx, tenant.ID, endpoint.AuthCodeForm(a.client.ClientID(), code, a.redirectURI, resource.URI))
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s: %s", azauth.ErrTokenEndpoint, resp.Error, resp.ErrorDescription)
	}

	oauth, err := fin.FinalizeToken(ctx, tenant, resource, resp.AccessToken, resp.RefreshToken, resp.ExpiresOnString())
	if err != nil {
		return nil, err
	}
	if oauth == nil {
		return nil, nil
	}
	return &azauth.LoginResponse{
		Response:     oauth,
		AuthComplete: azauth.NewCompletion(),
	}, nil
}

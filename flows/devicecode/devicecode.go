package devicecode

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	azauth "github.com/azurekit/azauth"
	"github.com/azurekit/azauth/endpoint"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultCodeLifetime = 15 * time.Minute
	slowDownStep        = 5 * time.Second
)

// PromptFunc surfaces the user code to the user. It is called once per login,
// before polling starts.
type PromptFunc func(ctx context.Context, userCode, verificationURL, message string) error

// Authenticator runs the AAD device-code flow: start, surface the user code,
// then poll the token endpoint until the user approves, the code expires, or
// the context is cancelled.
type Authenticator struct {
	client *endpoint.Client
	prompt PromptFunc
	logger *zap.Logger
}

// New builds a device-code authenticator. prompt is required.
func New(client *endpoint.Client, prompt PromptFunc, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		client: client,
		prompt: prompt,
		logger: logger,
	}
}

func (a *Authenticator) AuthType() azauth.AuthType {
	return azauth.AuthTypeDeviceCode
}

// PerformInteractiveLogin drives one device-code login and finalizes the
// resulting token through fin.
func (a *Authenticator) PerformInteractiveLogin(ctx context.Context, fin azauth.TokenFinalizer, tenant azauth.Tenant, resource azauth.Resource) (*azauth.LoginResponse, error) {
	if a.prompt == nil {
		return nil, fmt.Errorf("device code flow requires a prompt function")
	}

	start, err := a.client.DeviceCodeStart(ctx, tenant.ID, resource.URI)
	if err != nil {
		return nil, err
	}

	if err := a.prompt(ctx, start.UserCode, start.VerificationURL, start.Message); err != nil {
		return nil, err
	}

	interval := defaultPollInterval
	if s := start.IntervalSeconds(); s > 0 {
		interval = time.Duration(s) * time.Second
	}
	lifetime := defaultCodeLifetime
	if s := start.ExpiresInSeconds(); s > 0 {
		lifetime = time.Duration(s) * time.Second
	}
	deadline := time.Now().Add(lifetime)

	a.logger.Debug("device code issued, polling",
		zap.String("tenant", tenant.ID),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("device code expired before the user approved")
		}

		resp, err := a.client.TokenGrant(ctx, tenant.ID, endpoint.DeviceCodeCheckForm(a.client.ClientID(), start.DeviceCode))
		if err != nil {
			return nil, err
		}

		switch resp.Error {
		case "":
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
		case "authorization_pending":
			// keep polling
		case "slow_down":
			interval += slowDownStep
		default:
			return nil, fmt.Errorf("%w: %s: %s", azauth.ErrTokenEndpoint, resp.Error, resp.ErrorDescription)
		}
	}
}

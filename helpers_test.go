package azauth

import (
	"context"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

type stubAuthenticator struct {
	authType AuthType
}

func (s *stubAuthenticator) AuthType() AuthType {
	return s.authType
}

func (s *stubAuthenticator) PerformInteractiveLogin(context.Context, TokenFinalizer, Tenant, Resource) (*LoginResponse, error) {
	return nil, nil
}

// Package auth issues and validates operator bearer tokens for the
// control-plane API. It does not manage a user directory: operators are a
// small fixed set provisioned via configuration, not self-registered.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/kuro6061/nexum/internal/config"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// LoginResult carries a freshly issued access token for a successful login.
type LoginResult struct {
	AccessToken string
	ExpiresAt   time.Time
	Username    string
	IsAdmin     bool
}

// Service authenticates operators against the configured credential list
// and issues/validates their access tokens.
type Service struct {
	operators map[string]config.OperatorCredential
	passwords *PasswordService
	jwt       *JWTService
}

// NewService builds a Service from the control-plane auth config.
func NewService(cfg config.AuthConfig) *Service {
	operators := make(map[string]config.OperatorCredential, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op.Username] = op
	}
	return &Service{
		operators: operators,
		passwords: NewPasswordService(8),
		jwt:       NewJWTService(cfg),
	}
}

// Login verifies username/password against the configured operators and
// issues an access token on success.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	op, ok := s.operators[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := s.passwords.VerifyPassword(password, op.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.jwt.GenerateAccessToken(op)
	if err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: token, ExpiresAt: expiresAt, Username: op.Username, IsAdmin: op.IsAdmin}, nil
}

// ValidateToken verifies a bearer token and returns its claims.
func (s *Service) ValidateToken(tokenStr string) (*JWTClaims, error) {
	return s.jwt.ValidateAccessToken(tokenStr)
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuro6061/nexum/internal/config"
)

func newTestAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret: "test-secret-key-minimum-32-characters!",
		JWTIssuer: "nexum-test",
		JWTExpiry: 24 * time.Hour,
	}
}

func newTestOperator() config.OperatorCredential {
	return config.OperatorCredential{Username: "alice", IsAdmin: false}
}

func TestJWTGenerateAccessToken_ShouldReturnValidToken_WhenOperatorProvided(t *testing.T) {
	svc := NewJWTService(newTestAuthConfig())
	op := newTestOperator()

	tokenStr, expiresAt, err := svc.GenerateAccessToken(op)

	require.NoError(t, err)
	assert.NotEmpty(t, tokenStr)
	assert.False(t, expiresAt.IsZero())
	assert.True(t, expiresAt.After(time.Now()))
	assert.True(t, expiresAt.Before(time.Now().Add(25*time.Hour)))
}

func TestJWTGenerateAccessToken_ShouldSetCorrectClaims_WhenTokenParsed(t *testing.T) {
	svc := NewJWTService(newTestAuthConfig())
	op := newTestOperator()
	beforeGeneration := time.Now().Add(-1 * time.Second)

	tokenStr, _, err := svc.GenerateAccessToken(op)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(tokenStr)
	require.NoError(t, err)

	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.False(t, claims.IsAdmin)

	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "nexum-test", claims.Issuer)
	require.NotNil(t, claims.IssuedAt)
	assert.True(t, claims.IssuedAt.Time.After(beforeGeneration))
	require.NotNil(t, claims.ExpiresAt)
	assert.True(t, claims.ExpiresAt.Time.After(time.Now()))
}

func TestJWTGenerateAccessToken_ShouldSetAdminFlag_WhenOperatorIsAdmin(t *testing.T) {
	svc := NewJWTService(newTestAuthConfig())
	op := config.OperatorCredential{Username: "root", IsAdmin: true}

	tokenStr, _, err := svc.GenerateAccessToken(op)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(tokenStr)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin)
}

func TestJWTGenerateAccessToken_ShouldProduceUniqueTokens_AcrossCalls(t *testing.T) {
	svc := NewJWTService(newTestAuthConfig())
	op := newTestOperator()

	first, _, err := svc.GenerateAccessToken(op)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, _, err := svc.GenerateAccessToken(op)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestJWTValidateAccessToken_ShouldReturnError_WhenTokenExpired(t *testing.T) {
	cfg := newTestAuthConfig()
	cfg.JWTExpiry = -time.Hour
	svc := NewJWTService(cfg)
	op := newTestOperator()

	tokenStr, _, err := svc.GenerateAccessToken(op)
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(tokenStr)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTValidateAccessToken_ShouldReturnError_WhenSignedWithWrongKey(t *testing.T) {
	cfg := newTestAuthConfig()
	svc := NewJWTService(cfg)
	op := newTestOperator()

	otherCfg := cfg
	otherCfg.JWTSecret = "a-completely-different-secret-of-32+chars"
	other := NewJWTService(otherCfg)

	tokenStr, _, err := other.GenerateAccessToken(op)
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(tokenStr)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTValidateAccessToken_ShouldReturnError_WhenTokenMalformed(t *testing.T) {
	svc := NewJWTService(newTestAuthConfig())

	for _, tok := range []string{"", "garbage", "a.b.c.d", "not-a-jwt-at-all"} {
		_, err := svc.ValidateAccessToken(tok)
		assert.Error(t, err, "token %q should be rejected", tok)
	}
}

func TestJWTValidateAccessToken_ShouldRejectAlgNone(t *testing.T) {
	svc := NewJWTService(newTestAuthConfig())
	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tokenStr, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(tokenStr)
	assert.Error(t, err)
}

func TestJWTValidateAccessToken_ShouldRoundTrip(t *testing.T) {
	svc := NewJWTService(newTestAuthConfig())
	op := newTestOperator()

	tokenStr, _, err := svc.GenerateAccessToken(op)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(tokenStr)
	require.NoError(t, err)
	assert.Equal(t, op.Username, claims.Username)
}

func TestJWTExtractClaimsFromExpiredToken_ShouldStillReturnClaims(t *testing.T) {
	cfg := newTestAuthConfig()
	cfg.JWTExpiry = -time.Hour
	svc := NewJWTService(cfg)
	op := newTestOperator()

	tokenStr, _, err := svc.GenerateAccessToken(op)
	require.NoError(t, err)

	claims, err := svc.ExtractClaimsFromExpiredToken(tokenStr)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
}

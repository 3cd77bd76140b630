package rest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kuro6061/nexum/internal/application/auth"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

const (
	ContextKeyUserID  = "user_id"
	ContextKeyIsAdmin = "is_admin"
	ContextKeyClaims  = "claims"
)

// AuthMiddleware enforces operator bearer-token auth on the operator
// control-plane routes, reads included. Worker-facing RPCs use WorkerKeyMiddleware instead.
type AuthMiddleware struct {
	authService *auth.Service
	logger      *logger.Logger
}

func NewAuthMiddleware(authService *auth.Service, log *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{authService: authService, logger: log}
}

// RequireAuth validates the Authorization bearer token and populates the
// request context with the operator's identity.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractBearerToken(c)
		if err != nil {
			respondAPIError(c, NewAPIError("UNAUTHENTICATED", "missing or malformed authorization header", http.StatusUnauthorized))
			c.Abort()
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			status := http.StatusUnauthorized
			code := "UNAUTHENTICATED"
			msg := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token expired"
			}
			respondAPIError(c, NewAPIError(code, msg, status))
			c.Abort()
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyIsAdmin, claims.IsAdmin)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAdmin builds on RequireAuth, additionally rejecting non-admin
// operators. It must run after RequireAuth in the chain.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			respondAPIError(c, NewAPIError("PERMISSION_DENIED", "admin privileges required", http.StatusForbidden))
			c.Abort()
			return
		}
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("malformed authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

// GetUserID returns the authenticated operator's ID, if any.
func GetUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyUserID)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// IsAdmin reports whether the authenticated operator has admin privileges.
func IsAdmin(c *gin.Context) bool {
	v, exists := c.Get(ContextKeyIsAdmin)
	if !exists {
		return false
	}
	admin, _ := v.(bool)
	return admin
}

// GetClaims returns the validated JWT claims for the current request.
func GetClaims(c *gin.Context) (*auth.JWTClaims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*auth.JWTClaims)
	return claims, ok
}

// WorkerKeyMiddleware enforces a static API key on worker-facing RPCs
// (PollTask/CompleteTask/FailTask). Workers never authenticate as
// operators: the key set is configured separately and carries no identity
// beyond "is a worker".
type WorkerKeyMiddleware struct {
	keys   map[string]struct{}
	logger *logger.Logger
}

func NewWorkerKeyMiddleware(keys []string, log *logger.Logger) *WorkerKeyMiddleware {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &WorkerKeyMiddleware{keys: set, logger: log}
}

func (m *WorkerKeyMiddleware) RequireWorkerKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(m.keys) == 0 {
			// No worker keys configured: worker auth is disabled.
			c.Next()
			return
		}

		key := c.GetHeader("X-Worker-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if _, ok := m.keys[key]; !ok {
			respondAPIError(c, NewAPIError("UNAUTHENTICATED", "invalid or missing worker key", http.StatusUnauthorized))
			c.Abort()
			return
		}
		c.Next()
	}
}

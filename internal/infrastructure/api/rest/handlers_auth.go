package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kuro6061/nexum/internal/application/auth"
	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

// AuthHandlers serves the control plane's operator login endpoint.
type AuthHandlers struct {
	auth   *auth.Service
	logger *logger.Logger
}

func NewAuthHandlers(authService *auth.Service, log *logger.Logger) *AuthHandlers {
	return &AuthHandlers{auth: authService, logger: log}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// HandleLogin handles POST /auth/login, exchanging operator credentials for
// a bearer token.
func (h *AuthHandlers) HandleLogin(c *gin.Context) {
	var req loginRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	result, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondAPIError(c, NewAPIError("UNAUTHENTICATED", "invalid username or password", http.StatusUnauthorized))
			return
		}
		h.logger.Error("login failed", "error", err, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"access_token": result.AccessToken,
		"expires_at":   result.ExpiresAt.Format(timeLayout),
		"username":     result.Username,
		"is_admin":     result.IsAdmin,
	})
}

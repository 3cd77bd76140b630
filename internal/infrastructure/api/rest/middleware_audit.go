package rest

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

// AuditMiddleware records every mutating control-plane request as a
// structured log line: who (operator ID), what (action derived from the
// route), and the outcome status. There is no separate audit store; the
// log stream itself is the audit trail, consistent with how the rest of
// the control plane treats observability.
type AuditMiddleware struct {
	logger *logger.Logger
}

func NewAuditMiddleware(log *logger.Logger) *AuditMiddleware {
	return &AuditMiddleware{logger: log}
}

func (m *AuditMiddleware) RecordAction() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isMutating(c.Request.Method) {
			c.Next()
			return
		}

		c.Next()

		userID, _ := GetUserID(c)
		if userID == "" {
			userID = "anonymous"
		}

		m.logger.Info("control plane action",
			"request_id", GetRequestID(c),
			"user_id", userID,
			"action", auditAction(c.Request.URL.Path, c.Request.Method),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
		)
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func auditAction(path, method string) string {
	trimmed := strings.TrimPrefix(path, "/api/v1/")
	parts := strings.SplitN(trimmed, "/", 3)
	resource := "unknown"
	if len(parts) > 0 && parts[0] != "" {
		resource = strings.ReplaceAll(strings.TrimSuffix(parts[0], "s"), "-", "_")
	}

	switch method {
	case http.MethodPost:
		if len(parts) >= 3 {
			return resource + "." + parts[2]
		}
		return resource + ".create"
	case http.MethodPut, http.MethodPatch:
		return resource + ".update"
	case http.MethodDelete:
		return resource + ".delete"
	default:
		return resource + "." + strings.ToLower(method)
	}
}

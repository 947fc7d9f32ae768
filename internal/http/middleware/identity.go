// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the calling operator. Every API request carries the
// operator id in X-Operator-ID; the middleware resolves it to an identity
// (operator, tenant, role) and stores it in the Gin context for handlers,
// the rate limiter and the idempotency validator.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-router/internal/services"
)

// HeaderOperatorID carries the caller's operator id.
const HeaderOperatorID = "X-Operator-ID"

// Context keys set by Identity.
const (
	ctxKeyIdentity   = "identity"
	ctxKeyOperatorID = "operatorID"
	ctxKeyTenantID   = "tenantID"
)

// Identity resolves X-Operator-ID through res. Requests without the header
// or with an unknown operator are rejected with 401.
func Identity(res services.IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderOperatorID))
		if id == "" {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing "+HeaderOperatorID+" header")
			return
		}

		who, err := res.Resolve(c.Request.Context(), id)
		switch {
		case err == nil:
		case services.IsBusiness(err):
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "unknown operator")
			return
		default:
			LoggerFrom(c).Error().Err(err).Msg("identity lookup failed")
			abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}

		c.Set(ctxKeyIdentity, *who)
		c.Set(ctxKeyOperatorID, who.OperatorID)
		c.Set(ctxKeyTenantID, who.TenantID)

		l := LoggerFrom(c).With().
			Str("operator_id", who.OperatorID).
			Str("tenant_id", who.TenantID).
			Logger()
		c.Set(ctxKeyLogger, &l)

		c.Next()
	}
}

// IdentityFrom returns the identity stored by Identity.
func IdentityFrom(c *gin.Context) (services.Identity, bool) {
	v, ok := c.Get(ctxKeyIdentity)
	if !ok {
		return services.Identity{}, false
	}
	who, ok := v.(services.Identity)
	return who, ok
}

// OperatorIDFrom returns the resolved operator id, or "" before Identity
// has run.
func OperatorIDFrom(c *gin.Context) string {
	v, _ := c.Get(ctxKeyOperatorID)
	return asString(v)
}

func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}

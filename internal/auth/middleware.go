package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/boltshell/internal/metrics"
)

// ContextKeySessionID is the echo context key of the session an attach token
// was validated for.
const ContextKeySessionID = "session_id"

// AttachTokenMiddleware validates session-scoped attach tokens. The token is
// read from the token query parameter (browsers cannot set headers on
// WebSocket upgrades) or a Bearer Authorization header, and must match the
// :id URL parameter.
func AttachTokenMiddleware(issuer *TokenIssuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr := c.QueryParam("token")
			if tokenStr == "" {
				if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
					tokenStr = strings.TrimPrefix(h, "Bearer ")
				}
			}
			if tokenStr == "" {
				recordAttempt("attach_token", "missing")
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing attach token",
				})
			}

			claims, err := issuer.Validate(c.Request().Context(), tokenStr, c.Param("id"))
			if err != nil {
				result := "invalid"
				if errors.Is(err, ErrTokenRevoked) {
					result = "revoked"
				}
				recordAttempt("attach_token", result)
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": err.Error(),
				})
			}

			recordAttempt("attach_token", "ok")
			c.Set(ContextKeySessionID, claims.SessionID)
			return next(c)
		}
	}
}

// SessionID returns the session an attach token was validated for.
func SessionID(c echo.Context) (string, bool) {
	id, ok := c.Get(ContextKeySessionID).(string)
	return id, ok
}

func recordAttempt(kind, result string) {
	metrics.AuthAttemptsTotal.WithLabelValues(kind, result).Inc()
}

package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIKeyMiddleware rejects requests that do not carry apiKey. An empty key
// disables the check (development mode).
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	if apiKey == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	want := []byte(apiKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			status, outcome := checkKey(want, requestKey(c))
			recordAttempt("api_key", outcome)
			if status != http.StatusOK {
				return c.JSON(status, map[string]string{"error": outcome + " API key"})
			}
			return next(c)
		}
	}
}

// requestKey reads the X-API-Key header, falling back to the api_key query
// parameter browser WebSocket clients have to use.
func requestKey(c echo.Context) string {
	if k := c.Request().Header.Get("X-API-Key"); k != "" {
		return k
	}
	return c.QueryParam("api_key")
}

func checkKey(want []byte, got string) (status int, outcome string) {
	switch {
	case got == "":
		return http.StatusUnauthorized, "missing"
	case subtle.ConstantTimeCompare([]byte(got), want) != 1:
		return http.StatusForbidden, "invalid"
	}
	return http.StatusOK, "ok"
}

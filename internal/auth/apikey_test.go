package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAPIKeyMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		path       string
		header     string
		want       int
	}{
		{name: "no key configured", configured: "", path: "/sessions", want: http.StatusOK},
		{name: "valid header", configured: "secret-key", path: "/sessions", header: "secret-key", want: http.StatusOK},
		{name: "valid query", configured: "secret-key", path: "/sessions?api_key=secret-key", want: http.StatusOK},
		{name: "invalid key", configured: "secret-key", path: "/sessions", header: "wrong-key", want: http.StatusForbidden},
		{name: "missing key", configured: "secret-key", path: "/sessions", want: http.StatusUnauthorized},
		{name: "header wins over query", configured: "secret-key", path: "/sessions?api_key=wrong-key", header: "secret-key", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(APIKeyMiddleware(tt.configured))
			ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
			e.GET("/sessions", ok)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusForbidden && !strings.Contains(rec.Body.String(), "invalid API key") {
				t.Errorf("unexpected body %q", rec.Body.String())
			}
		})
	}
}

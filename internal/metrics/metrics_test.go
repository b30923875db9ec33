package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoMiddleware_CountsByRoute(t *testing.T) {
	e := echo.New()
	e.Use(EchoMiddleware())
	e.GET("/sessions/:id", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/missing/:id", func(c echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) })

	ok := HTTPRequestsTotal.WithLabelValues("GET", "/sessions/:id", "204")
	notFound := HTTPRequestsTotal.WithLabelValues("GET", "/missing/:id", "404")
	okBefore, nfBefore := testutil.ToFloat64(ok), testutil.ToFloat64(notFound)

	for _, p := range []string{"/sessions/bolt", "/sessions/term-1", "/missing/x"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ok))
	assert.Equal(t, nfBefore+1, testutil.ToFloat64(notFound))
}

func TestHandler_ExposesBoltshellMetrics(t *testing.T) {
	SessionsActive.Set(2)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "boltshell_sessions_active 2"))
}

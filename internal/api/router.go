// Package api serves the workspace over HTTP: session management, the
// terminal WebSocket, workspace files, chat streaming and snapshots.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/auth"
	"github.com/opensandbox/boltshell/internal/chat"
	"github.com/opensandbox/boltshell/internal/db"
	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/internal/sandbox"
	"github.com/opensandbox/boltshell/internal/session"
	"github.com/opensandbox/boltshell/internal/workspace"
	"github.com/opensandbox/boltshell/pkg/types"
)

// History lists executed commands. *sandbox.Journal implements it.
type History interface {
	RecentCommands(sessionID string, limit int) ([]sandbox.CommandRecord, error)
}

// SharedHistory lists commands of the workspace across every node.
// *db.Store implements it.
type SharedHistory interface {
	ListCommandLogs(ctx context.Context, workspaceID, sessionID string, limit int) ([]db.CommandLog, error)
}

// FileJournal records file writes made through the API.
type FileJournal interface {
	LogFileWrite(path string, size int, source string) error
}

// Snapshots is the archive backend. *storage.SnapshotStore implements it.
type Snapshots interface {
	workspace.SnapshotStore
	List(ctx context.Context, workspaceID string) ([]types.SnapshotInfo, error)
}

// Deps are the components the API serves. Chat, Tokens, History, Shared,
// Journal and Snapshots are optional; their routes answer 503 when unset.
type Deps struct {
	Registry    *session.Registry
	Files       *workspace.Store
	Chat        *chat.Service
	Tokens      *auth.TokenIssuer
	History     History
	Shared      SharedHistory
	Journal     FileJournal
	Snapshots   Snapshots
	WorkspaceID string
	APIKey      string
	Logger      *zap.Logger
}

// Server holds the API server dependencies.
type Server struct {
	echo *echo.Echo
	deps Deps
	log  *zap.Logger
}

var errNotConfigured = map[string]string{"error": "not configured on this server"}

// NewServer creates a new API server with all routes configured.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, deps: deps, log: deps.Logger}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.CORS())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": len(deps.Registry.List()),
		})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// The attach WebSocket authenticates with its own short-lived token.
	attach := e.Group("/sessions/:id/attach")
	if deps.Tokens != nil {
		attach.Use(auth.AttachTokenMiddleware(deps.Tokens))
	} else {
		attach.Use(auth.APIKeyMiddleware(deps.APIKey))
	}
	attach.GET("", s.attachTerminal)

	api := e.Group("")
	api.Use(auth.APIKeyMiddleware(deps.APIKey))

	// Sessions
	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.POST("/sessions/resize", s.resizeAll)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.closeSession)
	api.POST("/sessions/:id/activate", s.activateSession)
	api.POST("/sessions/:id/resize", s.resizeSession)
	api.POST("/sessions/:id/exec", s.execCommand)
	api.POST("/sessions/:id/token", s.issueToken)
	api.GET("/sessions/:id/history", s.commandHistory)

	// Files
	api.GET("/files", s.listFiles)
	api.GET("/files/content", s.readFile)
	api.PUT("/files/content", s.writeFile)
	api.DELETE("/files/content", s.removeFile)
	api.GET("/files/dir", s.listDir)
	api.POST("/files/mkdir", s.makeDir)

	// Chat
	api.POST("/chat", s.chat)

	// Snapshots
	api.GET("/snapshots", s.listSnapshots)
	api.POST("/snapshots", s.createSnapshot)
	api.POST("/snapshots/restore", s.restoreSnapshot)

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server on the given address. It returns nil after a
// graceful Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Close immediately closes the server.
func (s *Server) Close() error {
	return s.echo.Close()
}

func errorJSON(c echo.Context, code int, err error) error {
	return c.JSON(code, map[string]string{"error": err.Error()})
}

// sessionStatus maps registry and shell errors to HTTP status codes.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrPrimarySession):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotStarted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

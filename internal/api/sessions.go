package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) createSession(c echo.Context) error {
	id, ok := s.deps.Registry.CreateSession()
	if !ok {
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "session limit reached",
		})
	}
	return c.JSON(http.StatusCreated, types.SessionCreateResponse{SessionID: id})
}

func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Registry.List())
}

func (s *Server) getSession(c echo.Context) error {
	info, err := s.deps.Registry.Get(c.Param("id"))
	if err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) closeSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Registry.CloseSession(id); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) activateSession(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.deps.Registry.Get(id); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}
	s.deps.Registry.SetActiveSession(id)
	info, _ := s.deps.Registry.Get(id)
	return c.JSON(http.StatusOK, info)
}

func bindResize(c echo.Context) (types.ResizeRequest, error) {
	var req types.ResizeRequest
	if err := c.Bind(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		return req, errors.New("cols and rows must be positive")
	}
	return req, nil
}

func (s *Server) resizeSession(c echo.Context) error {
	req, err := bindResize(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if err := s.deps.Registry.Resize(req.Cols, req.Rows, c.Param("id")); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) resizeAll(c echo.Context) error {
	req, err := bindResize(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if err := s.deps.Registry.Resize(req.Cols, req.Rows); err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) execCommand(c echo.Context) error {
	id := c.Param("id")

	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	ctx := c.Request().Context()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	// Headless callers may run commands before any terminal has attached.
	if err := s.deps.Registry.Start(ctx, id); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}

	res, err := s.deps.Registry.ExecuteCommand(ctx, id, req.Command)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusOK, types.ExecResult{
			SessionID: id,
			ExitCode:  types.ExitCodeUnknown,
			TimedOut:  true,
		})
	case err != nil:
		return errorJSON(c, sessionStatus(err), err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) issueToken(c echo.Context) error {
	if s.deps.Tokens == nil {
		return c.JSON(http.StatusServiceUnavailable, errNotConfigured)
	}
	id := c.Param("id")
	if _, err := s.deps.Registry.Get(id); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}
	tok, err := s.deps.Tokens.Issue(c.Request().Context(), id)
	if err != nil {
		s.log.Error("issue attach token", zap.String("session", id), zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusCreated, tok)
}

// commandHistory lists a session's commands from the local journal, or with
// scope=workspace from the shared history of every node.
func (s *Server) commandHistory(c echo.Context) error {
	shared := c.QueryParam("scope") == "workspace"
	if (shared && s.deps.Shared == nil) || (!shared && s.deps.History == nil) {
		return c.JSON(http.StatusServiceUnavailable, errNotConfigured)
	}
	id := c.Param("id")
	if _, err := s.deps.Registry.Get(id); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}

	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
		}
		limit = min(n, maxHistoryLimit)
	}

	if shared {
		return s.sharedHistory(c, id, limit)
	}
	records, err := s.deps.History.RecentCommands(id, limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	out := make([]types.CommandRecord, 0, len(records))
	for _, r := range records {
		out = append(out, types.CommandRecord{
			SessionID:  r.SessionID,
			Command:    r.Command,
			ExitCode:   r.ExitCode,
			DurationMs: r.DurationMs,
			CreatedAt:  r.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) sharedHistory(c echo.Context, id string, limit int) error {
	logs, err := s.deps.Shared.ListCommandLogs(c.Request().Context(), s.deps.WorkspaceID, id, limit)
	if err != nil {
		s.log.Error("shared history", zap.String("session", id), zap.Error(err))
		return errorJSON(c, http.StatusBadGateway, err)
	}
	out := make([]types.CommandRecord, 0, len(logs))
	for _, l := range logs {
		rec := types.CommandRecord{
			SessionID: l.SessionID,
			NodeID:    l.NodeID,
			Command:   l.Command,
			ExitCode:  types.ExitCodeUnknown,
			CreatedAt: l.CreatedAt,
		}
		if l.ExitCode != nil {
			rec.ExitCode = *l.ExitCode
		}
		if l.DurationMs != nil {
			rec.DurationMs = *l.DurationMs
		}
		out = append(out, rec)
	}
	return c.JSON(http.StatusOK, out)
}

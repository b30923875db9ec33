package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/pkg/types"
)

// chat streams the answer to a prompt as server-sent events. Each event's
// name is the ChatEvent type and its data the JSON-encoded event.
func (s *Server) chat(c echo.Context) error {
	if s.deps.Chat == nil {
		return c.JSON(http.StatusServiceUnavailable, errNotConfigured)
	}

	var req types.ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.Prompt == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "prompt is required",
		})
	}
	target := req.SessionID
	if target == "" {
		target = s.deps.Registry.Active()
	}
	// Extracted commands need a live shell even when nothing is attached.
	if err := s.deps.Registry.Start(c.Request().Context(), target); err != nil {
		return errorJSON(c, sessionStatus(err), err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	var mu sync.Mutex
	emit := func(ev types.ChatEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Warn("encode chat event", zap.Error(err))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		w.Flush()
	}

	// Failures have already been reported to the client as error events.
	if _, err := s.deps.Chat.Run(c.Request().Context(), req, emit); err != nil {
		s.log.Info("chat ended with error", zap.Error(err))
	}
	return nil
}

package api

import (
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/internal/sandbox"
	"github.com/opensandbox/boltshell/internal/workspace"
)

// maxUploadSize bounds PUT /files/content bodies.
const maxUploadSize = 32 << 20

var errPathRequired = map[string]string{"error": "path query parameter is required"}

func fileStatus(err error) int {
	switch {
	case errors.Is(err, workspace.ErrInvalidPath), errors.Is(err, sandbox.ErrOutsideRoot):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) listFiles(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Files.List())
}

func (s *Server) listDir(c echo.Context) error {
	entries, err := s.deps.Files.Children(c.QueryParam("path"))
	if err != nil {
		return errorJSON(c, fileStatus(err), err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) readFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, errPathRequired)
	}

	content, err := s.deps.Files.ReadFile(c.Request().Context(), path)
	if err != nil {
		return errorJSON(c, fileStatus(err), err)
	}
	return c.String(http.StatusOK, content)
}

func (s *Server) writeFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, errPathRequired)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadSize+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body: " + err.Error(),
		})
	}
	if len(body) > maxUploadSize {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "file too large",
		})
	}

	if err := s.deps.Files.WriteFile(c.Request().Context(), path, string(body)); err != nil {
		metrics.FileWritesTotal.WithLabelValues("api", "error").Inc()
		return errorJSON(c, fileStatus(err), err)
	}
	metrics.FileWritesTotal.WithLabelValues("api", "ok").Inc()

	if s.deps.Journal != nil {
		clean, _ := workspace.Clean(path)
		if err := s.deps.Journal.LogFileWrite(clean, len(body), "api"); err != nil {
			s.log.Warn("journal file write", zap.String("path", clean), zap.Error(err))
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) makeDir(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, errPathRequired)
	}
	if err := s.deps.Files.MakeDir(c.Request().Context(), path); err != nil {
		return errorJSON(c, fileStatus(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) removeFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, errPathRequired)
	}
	clean, err := workspace.Clean(path)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if _, ok := s.deps.Files.Get(clean); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no such file: " + path,
		})
	}
	if err := s.deps.Files.Remove(c.Request().Context(), clean); err != nil {
		return errorJSON(c, fileStatus(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/storage"
	"github.com/opensandbox/boltshell/pkg/types"
)

func (s *Server) listSnapshots(c echo.Context) error {
	if s.deps.Snapshots == nil {
		return c.JSON(http.StatusServiceUnavailable, errNotConfigured)
	}
	list, err := s.deps.Snapshots.List(c.Request().Context(), s.deps.WorkspaceID)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, err)
	}
	if list == nil {
		list = []types.SnapshotInfo{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) createSnapshot(c echo.Context) error {
	if s.deps.Snapshots == nil {
		return c.JSON(http.StatusServiceUnavailable, errNotConfigured)
	}
	key := storage.SnapshotKey(s.deps.WorkspaceID)
	res, err := s.deps.Files.Snapshot(c.Request().Context(), s.deps.Snapshots, key)
	if err != nil {
		s.log.Error("snapshot failed", zap.String("key", key), zap.Error(err))
		return errorJSON(c, http.StatusBadGateway, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) restoreSnapshot(c echo.Context) error {
	if s.deps.Snapshots == nil {
		return c.JSON(http.StatusServiceUnavailable, errNotConfigured)
	}
	var req types.SnapshotRestoreRequest
	if err := c.Bind(&req); err != nil || req.Key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "key is required",
		})
	}
	res, err := s.deps.Files.RestoreSnapshot(c.Request().Context(), s.deps.Snapshots, req.Key)
	if err != nil {
		s.log.Error("snapshot restore failed", zap.String("key", req.Key), zap.Error(err))
		return errorJSON(c, http.StatusBadGateway, err)
	}
	return c.JSON(http.StatusOK, res)
}

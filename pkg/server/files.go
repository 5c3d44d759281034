package server

import (
	"net/http"

	"entanglement/pkg/chunker"
	"entanglement/pkg/models"
	"entanglement/pkg/sync"

	"github.com/labstack/echo/v4"
)

type commitRequest struct {
	Path          string                 `json:"path"`
	ParentVersion string                 `json:"parent_version"`
	Manifest      []models.ManifestEntry `json:"manifest"`
	Blake3        string                 `json:"blake3_hash"`
	SizeBytes     int64                  `json:"size_bytes"`
	TierID        int                    `json:"tier_id"`
	Device        string                 `json:"device"`
}

func (s *Server) commitVersion(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	var req commitRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	version, err := s.engine.Commit(ctx.Request().Context(), sync.CommitInput{
		Path:          req.Path,
		ParentVersion: req.ParentVersion,
		Manifest:      req.Manifest,
		Blake3:        req.Blake3,
		SizeBytes:     req.SizeBytes,
		Tier:          chunker.Tier(req.TierID),
		Actor:         owner,
		Device:        req.Device,
	})
	if err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, version)
}

func (s *Server) listDirectory(ctx echo.Context) error {
	path := ctx.QueryParam("path")
	if path == "" {
		path = "/"
	}

	entries, err := s.engine.List(ctx.Request().Context(), path)
	if err != nil {
		return jsonError(ctx, err)
	}
	if entries == nil {
		entries = []models.Entry{}
	}
	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"path":    path,
		"entries": entries,
	})
}

func (s *Server) downloadFile(ctx echo.Context) error {
	path := ctx.QueryParam("path")
	versionID := ctx.QueryParam("version")

	var (
		data    []byte
		version *models.Version
		err     error
	)
	if versionID != "" {
		version, err = s.meta.Version(ctx.Request().Context(), versionID)
		if err == nil {
			data, err = s.engine.Download(ctx.Request().Context(), versionID)
		}
	} else {
		data, version, err = s.engine.DownloadLatest(ctx.Request().Context(), path)
	}
	if err != nil {
		return jsonError(ctx, err)
	}

	ctx.Response().Header().Set("X-Version-ID", version.ID)
	ctx.Response().Header().Set("X-Blake3", version.Blake3)
	return ctx.Blob(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) fileHistory(ctx echo.Context) error {
	path := ctx.QueryParam("path")
	versions, err := s.engine.History(ctx.Request().Context(), path)
	if err != nil {
		return jsonError(ctx, err)
	}
	if versions == nil {
		versions = []models.Version{}
	}
	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"path":     path,
		"versions": versions,
	})
}

func (s *Server) deleteFile(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	path := ctx.QueryParam("path")
	parent := ctx.QueryParam("parent_version")
	if err := s.engine.Delete(ctx.Request().Context(), path, parent, owner); err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]string{"path": path, "status": "deleted"})
}

func (s *Server) moveFile(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	var req struct {
		OldPath string `json:"old_path"`
		NewPath string `json:"new_path"`
	}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	moved, err := s.engine.Move(ctx.Request().Context(), req.OldPath, req.NewPath, owner)
	if err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, moved)
}

func (s *Server) restoreVersion(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	var req struct {
		Path      string `json:"path"`
		VersionID string `json:"version_id"`
	}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	restored, err := s.engine.Restore(ctx.Request().Context(), req.Path, req.VersionID, owner)
	if err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, restored)
}

func (s *Server) undeleteFile(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	var req struct {
		FileID string `json:"file_id"`
	}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	file, err := s.engine.Undelete(ctx.Request().Context(), req.FileID, owner)
	if err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, file)
}

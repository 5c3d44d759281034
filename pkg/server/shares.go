package server

import (
	"net/http"
	"time"

	"entanglement/pkg/meta"
	"entanglement/pkg/models"
	"entanglement/pkg/pathutil"

	"github.com/labstack/echo/v4"
)

func (s *Server) createShare(ctx echo.Context) error {
	if _, err := requirePrincipal(ctx); err != nil {
		return err
	}

	var req struct {
		Path        string `json:"path"`
		Permissions string `json:"permissions"`
		Password    string `json:"password"`
		ExpiresAt   string `json:"expires_at"`
		MaxUses     int64  `json:"max_uses"`
	}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	path, err := pathutil.Normalize(req.Path)
	if err != nil {
		return jsonError(ctx, err)
	}
	file, err := s.meta.ResolvePath(ctx.Request().Context(), path)
	if err != nil {
		return jsonError(ctx, err)
	}

	opts := meta.ShareOptions{
		Permissions: req.Permissions,
		Password:    req.Password,
		MaxUses:     req.MaxUses,
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "malformed expires_at"})
		}
		opts.ExpiresAt = &t
	}

	link, err := s.meta.CreateShare(ctx.Request().Context(), file.ID, opts)
	if err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, link)
}

func (s *Server) listShares(ctx echo.Context) error {
	if _, err := requirePrincipal(ctx); err != nil {
		return err
	}

	path, err := pathutil.Normalize(ctx.QueryParam("path"))
	if err != nil {
		return jsonError(ctx, err)
	}
	file, err := s.meta.ResolvePath(ctx.Request().Context(), path)
	if err != nil {
		return jsonError(ctx, err)
	}

	links, err := s.meta.SharesByFile(ctx.Request().Context(), file.ID)
	if err != nil {
		return jsonError(ctx, err)
	}
	if links == nil {
		links = []models.ShareLink{}
	}
	return ctx.JSON(http.StatusOK, map[string]interface{}{"shares": links})
}

func (s *Server) revokeShare(ctx echo.Context) error {
	if _, err := requirePrincipal(ctx); err != nil {
		return err
	}

	if err := s.meta.RevokeShare(ctx.Request().Context(), ctx.Param("token")); err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "revoked"})
}

// accessShare validates a token and either returns the shared file's
// metadata (view) or its bytes (download). A successful download is
// counted against the token's usage bound.
func (s *Server) accessShare(ctx echo.Context) error {
	token := ctx.Param("token")
	password := ctx.QueryParam("password")

	link, err := s.meta.ValidateShare(ctx.Request().Context(), token, password)
	if err != nil {
		return jsonError(ctx, err)
	}

	file, err := s.meta.FileByID(ctx.Request().Context(), link.FileID)
	if err != nil {
		return jsonError(ctx, err)
	}
	if file.IsDeleted {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}

	if ctx.QueryParam("download") != "true" || link.Permissions != models.PermissionDownload {
		return ctx.JSON(http.StatusOK, map[string]interface{}{
			"path":        file.Path,
			"permissions": link.Permissions,
		})
	}

	data, err := s.engine.Download(ctx.Request().Context(), file.CurrentVersion)
	if err != nil {
		return jsonError(ctx, err)
	}
	if err := s.meta.ConsumeShareUse(ctx.Request().Context(), token); err != nil {
		return jsonError(ctx, err)
	}
	return ctx.Blob(http.StatusOK, "application/octet-stream", data)
}

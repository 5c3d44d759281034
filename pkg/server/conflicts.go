package server

import (
	"net/http"

	"entanglement/pkg/chunker"
	"entanglement/pkg/models"
	"entanglement/pkg/sync"

	"github.com/labstack/echo/v4"
)

func (s *Server) listConflicts(ctx echo.Context) error {
	unresolvedOnly := ctx.QueryParam("unresolved") == "true"

	conflicts, err := s.meta.ListConflicts(ctx.Request().Context(), unresolvedOnly)
	if err != nil {
		return jsonError(ctx, err)
	}
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}
	return ctx.JSON(http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

func (s *Server) resolveConflict(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	var req struct {
		Resolution string                 `json:"resolution"`
		Manifest   []models.ManifestEntry `json:"manifest"`
		Blake3     string                 `json:"blake3_hash"`
		SizeBytes  int64                  `json:"size_bytes"`
		TierID     int                    `json:"tier_id"`
	}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	switch req.Resolution {
	case models.ResolutionKeepLocal, models.ResolutionKeepRemote, models.ResolutionKeepBoth, models.ResolutionManual:
	default:
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "unknown resolution"})
	}

	params := sync.ResolveParams{
		ConflictID: ctx.Param("id"),
		Resolution: req.Resolution,
		Actor:      owner,
	}
	if len(req.Manifest) > 0 || req.Blake3 != "" {
		params.Local = &sync.LocalContent{
			Manifest:  req.Manifest,
			Blake3:    req.Blake3,
			SizeBytes: req.SizeBytes,
			Tier:      chunker.Tier(req.TierID),
		}
	}

	conflict, err := s.engine.ResolveConflict(ctx.Request().Context(), params)
	if err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, conflict)
}

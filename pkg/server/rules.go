package server

import (
	"net/http"

	"entanglement/pkg/models"

	"github.com/labstack/echo/v4"
)

func (s *Server) listRules(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	rules, err := s.meta.RulesForUser(ctx.Request().Context(), owner)
	if err != nil {
		return jsonError(ctx, err)
	}
	if rules == nil {
		rules = []models.SyncRule{}
	}
	return ctx.JSON(http.StatusOK, map[string]interface{}{"rules": rules})
}

func (s *Server) createRule(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	var req struct {
		Kind     string `json:"kind"`
		Pattern  string `json:"pattern"`
		Priority int    `json:"priority"`
	}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Kind != models.RuleInclude && req.Kind != models.RuleExclude {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "kind must be include or exclude"})
	}
	if req.Pattern == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "pattern is required"})
	}

	rule, err := s.meta.CreateRule(ctx.Request().Context(), owner, req.Kind, req.Pattern, req.Priority)
	if err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, rule)
}

func (s *Server) updateRule(ctx echo.Context) error {
	if _, err := requirePrincipal(ctx); err != nil {
		return err
	}

	var req struct {
		Priority int  `json:"priority"`
		IsActive bool `json:"is_active"`
	}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := s.meta.UpdateRule(ctx.Request().Context(), ctx.Param("id"), req.Priority, req.IsActive); err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) deleteRule(ctx echo.Context) error {
	if _, err := requirePrincipal(ctx); err != nil {
		return err
	}

	if err := s.meta.DeleteRule(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return jsonError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

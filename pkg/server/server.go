// Package server exposes the sync engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entanglement/pkg/log"
	"entanglement/pkg/meta"
	"entanglement/pkg/packfile"
	"entanglement/pkg/pathutil"
	"entanglement/pkg/sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP surface over the engine and stores. All mutable
// state lives in the collaborators it is constructed with; nothing is
// process-global.
type Server struct {
	echo    *echo.Echo
	engine  *sync.Engine
	meta    *meta.Store
	pack    *packfile.Store
	version string
	routed  bool
}

// New wires a server.
func New(engine *sync.Engine, metaStore *meta.Store, pack *packfile.Store, version string) *Server {
	return &Server{
		echo:    echo.New(),
		engine:  engine,
		meta:    metaStore,
		pack:    pack,
		version: version,
	}
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start(addr string) error {
	s.setupRoutes()

	go func() {
		log.Info().
			Str("addr", addr).
			Str("version", s.version).
			Msg("Starting sync server")

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server startup failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return s.Shutdown()
}

// Shutdown drains in-flight requests and flushes the packfile store.
func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}
	if err := s.pack.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Packfile store close failed")
		return err
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	s.setupRoutes()
	return s.echo
}

func (s *Server) setupRoutes() {
	if s.routed {
		return
	}
	s.routed = true

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
	}))
	s.echo.Use(middleware.Recover())

	s.echo.GET("/api/version", s.getVersion)

	s.echo.POST("/api/chunks/check", s.checkChunks)
	s.echo.PUT("/api/chunks/:hash", s.putChunk)
	s.echo.GET("/api/chunks/:hash", s.getChunk)

	s.echo.POST("/api/files/commit", s.commitVersion)
	s.echo.GET("/api/files", s.listDirectory)
	s.echo.GET("/api/files/download", s.downloadFile)
	s.echo.GET("/api/files/history", s.fileHistory)
	s.echo.DELETE("/api/files", s.deleteFile)
	s.echo.POST("/api/files/move", s.moveFile)
	s.echo.POST("/api/files/restore", s.restoreVersion)
	s.echo.POST("/api/files/undelete", s.undeleteFile)

	s.echo.GET("/api/changes", s.listChanges)
	s.echo.GET("/api/subscribe", s.subscribe)

	s.echo.GET("/api/conflicts", s.listConflicts)
	s.echo.POST("/api/conflicts/:id/resolve", s.resolveConflict)

	s.echo.POST("/api/shares", s.createShare)
	s.echo.GET("/api/shares", s.listShares)
	s.echo.DELETE("/api/shares/:token", s.revokeShare)
	s.echo.GET("/api/shared/:token", s.accessShare)

	s.echo.GET("/api/rules", s.listRules)
	s.echo.POST("/api/rules", s.createRule)
	s.echo.PUT("/api/rules/:id", s.updateRule)
	s.echo.DELETE("/api/rules/:id", s.deleteRule)
}

func (s *Server) getVersion(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"version": s.version})
}

// principal reads the opaque owner id off the request. Authentication
// happens upstream; an empty principal is rejected on mutations.
func principal(ctx echo.Context) string {
	return ctx.Request().Header.Get(sync.OwnerHeader)
}

func requirePrincipal(ctx echo.Context) (string, error) {
	owner := principal(ctx)
	if owner == "" {
		return "", ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": sync.OwnerHeader + " header is required",
		})
	}
	return owner, nil
}

// jsonError maps engine and store errors onto status codes. Internal
// detail (paths, SQL) never reaches the response body.
func jsonError(ctx echo.Context, err error) error {
	var conflict *meta.ConflictError
	if errors.As(err, &conflict) {
		body := map[string]string{
			"error":       "conflict detected",
			"kind":        conflict.Kind,
			"conflict_id": conflict.ConflictID,
		}
		if conflict.Current != nil {
			body["current_version"] = conflict.Current.ID
		}
		return ctx.JSON(http.StatusConflict, body)
	}

	switch {
	case errors.Is(err, meta.ErrNotFound):
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, meta.ErrAlreadyExists):
		return ctx.JSON(http.StatusConflict, map[string]string{"error": "already exists"})
	case errors.Is(err, meta.ErrInvalidManifest):
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid manifest"})
	case errors.Is(err, meta.ErrQuotaExceeded):
		return ctx.JSON(http.StatusInsufficientStorage, map[string]string{"error": "sync quota exceeded"})
	case errors.Is(err, meta.ErrShareDenied):
		return ctx.JSON(http.StatusForbidden, map[string]string{"error": "share access denied"})
	case errors.Is(err, pathutil.ErrInvalidPath):
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid path"})
	case errors.Is(err, sync.ErrIntegrity):
		log.Error().Err(err).Msg("Integrity failure")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "integrity check failed"})
	}

	var corrupt *packfile.CorruptChunkError
	if errors.As(err, &corrupt) {
		log.Error().Err(err).Msg("Corrupt chunk")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "corrupt chunk"})
	}

	log.Error().Err(err).Msg("Request failed")
	return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

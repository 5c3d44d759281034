package server

import (
	"io"
	"net/http"
	"strconv"

	"entanglement/pkg/chunker"
	"entanglement/pkg/hasher"
	"entanglement/pkg/sync"

	"github.com/labstack/echo/v4"
)

// maxChunkBody bounds a single chunk upload. The largest tier chunk
// is 16 MiB; anything bigger is malformed.
const maxChunkBody = 17 * 1024 * 1024

func (s *Server) checkChunks(ctx echo.Context) error {
	var req struct {
		Hashes []string `json:"hashes"`
	}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	for _, h := range req.Hashes {
		if !hasher.Valid(h) {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "malformed hash"})
		}
	}

	missing, err := s.engine.MissingChunks(ctx.Request().Context(), req.Hashes)
	if err != nil {
		return jsonError(ctx, err)
	}
	if missing == nil {
		missing = []string{}
	}
	return ctx.JSON(http.StatusOK, map[string][]string{"missing": missing})
}

func (s *Server) putChunk(ctx echo.Context) error {
	hash := ctx.Param("hash")
	if !hasher.Valid(hash) {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "malformed hash"})
	}

	data, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxChunkBody+1))
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}
	if len(data) > maxChunkBody {
		return ctx.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "chunk too large"})
	}

	tier := chunker.TierStandard
	if v := ctx.Request().Header.Get(sync.TierHeader); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "malformed tier"})
		}
		tier = chunker.Tier(n)
	}

	stored, err := s.engine.PutChunk(ctx.Request().Context(), hash, data, tier)
	if err != nil {
		// A body/hash mismatch is the client's fault, not the store's.
		if got := hasher.Sum(data); got != hash {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "body does not match hash"})
		}
		return jsonError(ctx, err)
	}

	status := http.StatusOK
	if stored {
		status = http.StatusCreated
	}
	return ctx.JSON(status, map[string]string{"hash": hash})
}

func (s *Server) getChunk(ctx echo.Context) error {
	hash := ctx.Param("hash")
	if !hasher.Valid(hash) {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "malformed hash"})
	}

	data, err := s.engine.GetChunk(ctx.Request().Context(), hash)
	if err != nil {
		return jsonError(ctx, err)
	}
	return ctx.Blob(http.StatusOK, "application/octet-stream", data)
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"entanglement/pkg/models"

	"github.com/labstack/echo/v4"
)

func (s *Server) listChanges(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	var cursor time.Time
	if v := ctx.QueryParam("cursor"); v != "" {
		cursor, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "malformed cursor"})
		}
	}
	device := ctx.QueryParam("device")

	events, newCursor, err := s.engine.ChangesSince(ctx.Request().Context(), cursor, owner, device)
	if err != nil {
		return jsonError(ctx, err)
	}
	if events == nil {
		events = []models.ChangeEvent{}
	}
	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
		"cursor": newCursor.UTC().Format(time.RFC3339Nano),
	})
}

// subscribe streams change events as server-sent events. A lagged
// marker in the stream means events were dropped; the client should
// fall back to /api/changes with its last cursor.
func (s *Server) subscribe(ctx echo.Context) error {
	owner, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}

	sub := s.engine.Subscribe(owner)
	defer s.engine.Unsubscribe(sub)

	resp := ctx.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	done := ctx.Request().Context().Done()
	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

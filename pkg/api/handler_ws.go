package api

import (
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v5"
)

// wsHandler upgrades the connection and hands it to the connection
// manager, which owns the subscription protocol and event fan-out.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "websocket service unavailable")
	}

	opts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts = &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedWSOrigins}
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return fmt.Errorf("failed to accept websocket connection: %w", err)
	}

	// HandleConnection blocks until the client disconnects.
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}

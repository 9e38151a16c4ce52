package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

const (
	// defaultReplyWaitS bounds GET /api/reply long-polling.
	defaultReplyWaitS = 30.0
	maxReplyWaitS     = 300.0
	replyPollInterval = 500 * time.Millisecond

	// maxListLimit caps page sizes on listing endpoints.
	maxListLimit     = 100
	defaultListLimit = 50
)

// askHandler accepts a request, enqueues it, and returns immediately.
// The caller polls /api/reply/{id} or subscribes over WebSocket for
// the outcome.
func (s *Server) askHandler(c *echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	provider := req.Provider
	if provider == "" {
		provider = s.routeProvider(req.Message)
	}
	if _, ok := s.cfg.Provider(provider); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf(
			"Unknown provider: %s. Available: %s",
			provider, strings.Join(s.cfg.ProviderNames(), ", ")))
	}

	r := models.NewRequest(provider, req.Message, req.priority(), req.timeoutS())
	r.Metadata = req.Metadata

	if err := s.queue.Enqueue(c.Request().Context(), r); err != nil {
		return mapServiceError(err)
	}

	slog.Info("Request accepted",
		"request_id", r.ID,
		"provider", r.Provider,
		"priority", r.Priority)

	s.publish(events.EventRequestSubmitted, map[string]any{
		"request_id": r.ID,
		"provider":   r.Provider,
		"message":    models.Preview(r.Message, 100),
	})

	return c.JSON(http.StatusOK, AskResponse{
		RequestID: r.ID,
		Provider:  r.Provider,
		Status:    string(r.Status),
	})
}

// routeProvider resolves the provider for a request that names none.
func (s *Server) routeProvider(message string) string {
	if s.routeFunc != nil {
		if p := s.routeFunc(message); p != "" {
			return p
		}
	}
	return s.cfg.DefaultProvider
}

// replyHandler returns a request's current state. With ?wait=true it
// long-polls the store until the request reaches a terminal status or
// the wait budget (?timeout=, default 30s) runs out.
func (s *Server) replyHandler(c *echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	if parseBoolParam(c.QueryParam("wait")) && !req.Status.IsTerminal() {
		waitS := parseFloatParam(c.QueryParam("timeout"), defaultReplyWaitS)
		if waitS <= 0 {
			waitS = defaultReplyWaitS
		}
		if waitS > maxReplyWaitS {
			waitS = maxReplyWaitS
		}

		deadline := time.NewTimer(time.Duration(waitS * float64(time.Second)))
		defer deadline.Stop()
		ticker := time.NewTicker(replyPollInterval)
		defer ticker.Stop()

	poll:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				break poll
			case <-ticker.C:
				req, err = s.store.GetRequest(ctx, id)
				if err != nil {
					return mapServiceError(err)
				}
				if req.Status.IsTerminal() {
					break poll
				}
			}
		}
	}

	reply := ReplyResponse{RequestID: id, Status: string(req.Status)}
	if req.Status.IsTerminal() {
		resp, err := s.store.GetResponse(ctx, id)
		switch {
		case err == nil:
			reply.Response = resp.Response
			reply.Error = resp.Error
			reply.LatencyMS = resp.LatencyMS
			reply.TokensUsed = resp.TokensUsed
		case !errors.Is(err, store.ErrNotFound):
			return mapServiceError(err)
		}
	}
	return c.JSON(http.StatusOK, reply)
}

// cancelRequestHandler cancels a queued or in-flight request. Requests
// already in a terminal state report 404, matching lookup misses.
func (s *Server) cancelRequestHandler(c *echo.Context) error {
	id := c.Param("id")

	cancelled, err := s.queue.Cancel(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	if !cancelled {
		return echo.NewHTTPError(http.StatusNotFound, "Request not found or already completed")
	}

	// Cut the backend call when the request was already dispatched.
	if s.pool != nil {
		s.pool.CancelRequest(id)
	}

	s.publish(events.EventRequestCancelled, map[string]any{"request_id": id})
	return c.JSON(http.StatusOK, CancelResponse{Success: true, RequestID: id})
}

// listRequestsHandler returns a filtered page of requests, newest
// first.
func (s *Server) listRequestsHandler(c *echo.Context) error {
	f := store.RequestFilter{
		Provider: c.QueryParam("provider"),
		Limit:    parseIntParam(c.QueryParam("limit"), defaultListLimit),
		Offset:   parseIntParam(c.QueryParam("offset"), 0),
		OrderBy:  "created_at",
		Desc:     true,
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if v := c.QueryParam("status"); v != "" {
		status := models.RequestStatus(v)
		if !status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid status: %s", v))
		}
		f.Status = status
	}

	requests, err := s.store.ListRequests(c.Request().Context(), f)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, RequestListResponse{Requests: requests, Count: len(requests)})
}

// parseBoolParam reads a query flag, treating parse failures as false.
func parseBoolParam(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// parseFloatParam reads a float query parameter with a fallback.
func parseFloatParam(v string, fallback float64) float64 {
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// parseIntParam reads an int query parameter with a fallback.
func parseIntParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// startDiscussionHandler creates a discussion session and kicks off
// the round loop in the background. Progress streams over WebSocket on
// the discussion:{id} channel.
func (s *Server) startDiscussionHandler(c *echo.Context) error {
	var req DiscussionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	cfg := s.discussionConfig(&req)

	var (
		session *models.DiscussionSession
		err     error
	)
	if req.Template != "" {
		// An empty provider list defers to the template's defaults.
		providers := req.Providers
		if len(providers) > 0 {
			providers = s.discussions.ResolveProviders(providers)
		}
		session, err = s.discussions.StartFromTemplate(ctx, req.Template, req.TemplateValues, providers, cfg)
	} else {
		session, err = s.discussions.StartDiscussion(ctx, req.Topic, s.resolveProviders(req.Providers), cfg)
	}
	if err != nil {
		return mapServiceError(err)
	}

	s.runDiscussion(session.ID, false)
	return c.JSON(http.StatusAccepted, DiscussionAccepted{
		SessionID: session.ID,
		Status:    string(session.Status),
		Providers: session.Providers,
	})
}

// resolveProviders expands names and "@group" specs; an empty list
// means every provider with a live backend.
func (s *Server) resolveProviders(specs []string) []string {
	if len(specs) == 0 {
		specs = []string{"@all"}
	}
	return s.discussions.ResolveProviders(specs)
}

// discussionConfig merges per-request overrides over the configured
// discussion defaults.
func (s *Server) discussionConfig(req *DiscussionRequest) models.DiscussionConfig {
	cfg := models.DefaultDiscussionConfig()
	if d := s.cfg.Discussion; d != nil {
		cfg = models.DiscussionConfig{
			ProviderTimeoutS: d.ProviderTimeoutS,
			RoundTimeoutS:    d.RoundTimeoutS,
			SummaryProvider:  d.SummaryProvider,
			MaxRounds:        d.MaxRounds,
			MinProviders:     d.MinProviders,
		}
	}
	if req.ProviderTimeoutS > 0 {
		cfg.ProviderTimeoutS = req.ProviderTimeoutS
	}
	if req.SummaryProvider != "" {
		cfg.SummaryProvider = req.SummaryProvider
	}
	return cfg
}

// runDiscussion drives a session to completion in the background. Runs
// deliberately detach from the HTTP request context; cancellation goes
// through DELETE /api/discussion/{id}.
func (s *Server) runDiscussion(sessionID string, continued bool) {
	run := s.discussions.RunFullDiscussion
	if continued {
		run = s.discussions.RunContinuedDiscussion
	}
	go func() {
		if _, err := run(context.Background(), sessionID); err != nil {
			slog.Error("Discussion run failed", "session_id", sessionID, "error", err)
		}
	}()
}

// listDiscussionsHandler returns a page of sessions, newest first.
func (s *Server) listDiscussionsHandler(c *echo.Context) error {
	f := store.DiscussionFilter{
		Limit:  parseIntParam(c.QueryParam("limit"), defaultListLimit),
		Offset: parseIntParam(c.QueryParam("offset"), 0),
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if v := c.QueryParam("status"); v != "" {
		f.Status = models.SessionStatus(v)
	}

	sessions, err := s.store.ListDiscussionSessions(c.Request().Context(), f)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, DiscussionListResponse{Sessions: sessions, Count: len(sessions)})
}

// getDiscussionHandler returns one session.
func (s *Server) getDiscussionHandler(c *echo.Context) error {
	session, err := s.store.GetDiscussionSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// discussionMessagesHandler returns a session's messages, optionally
// restricted to one round (?round=; the summary occupies round 0).
func (s *Server) discussionMessagesHandler(c *echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if _, err := s.store.GetDiscussionSession(ctx, id); err != nil {
		return mapServiceError(err)
	}

	var round *int
	if v := c.QueryParam("round"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > models.DefaultMaxRounds {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid round: %s", v))
		}
		round = &n
	}

	messages, err := s.store.GetDiscussionMessages(ctx, id, round)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, DiscussionMessagesResponse{
		SessionID: id,
		Messages:  messages,
		Count:     len(messages),
	})
}

// continueDiscussionHandler forks a completed session into a new one
// that carries the parent's summary as context.
func (s *Server) continueDiscussionHandler(c *echo.Context) error {
	var req ContinueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	session, err := s.discussions.ContinueDiscussion(
		c.Request().Context(), c.Param("id"), req.Topic, req.AdditionalContext, req.Providers)
	if err != nil {
		return mapServiceError(err)
	}

	s.runDiscussion(session.ID, true)
	return c.JSON(http.StatusAccepted, DiscussionAccepted{
		SessionID: session.ID,
		Status:    string(session.Status),
		Providers: session.Providers,
	})
}

// cancelDiscussionHandler cancels an active session.
func (s *Server) cancelDiscussionHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.discussions.CancelDiscussion(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, CancelDiscussionResponse{Success: true, SessionID: id})
}

// discussionTemplatesHandler lists stored templates, optionally by
// category.
func (s *Server) discussionTemplatesHandler(c *echo.Context) error {
	templates, err := s.store.ListTemplates(c.Request().Context(), c.QueryParam("category"), true)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, TemplateListResponse{Templates: templates, Count: len(templates)})
}

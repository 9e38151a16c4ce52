package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/modelmux/modelmux/pkg/models"
)

// statusHandler reports gateway-wide counters plus one row per
// configured provider.
func (s *Server) statusHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	total, err := s.store.TotalRequests(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	qs := s.queue.Stats()

	resp := StatusResponse{
		Gateway: GatewayStatus{
			UptimeS:         time.Since(s.startedAt).Seconds(),
			TotalRequests:   total,
			ActiveRequests:  counts[models.StatusQueued] + counts[models.StatusProcessing],
			QueueDepth:      qs.QueueDepth,
			ProcessingCount: qs.ProcessingCount,
		},
		Providers: make([]ProviderStatus, 0, len(s.cfg.Providers)),
	}

	for _, name := range s.cfg.ProviderNames() {
		p, _ := s.cfg.Provider(name)
		row := ProviderStatus{
			Name:        name,
			Enabled:     p.Enabled,
			Status:      string(models.ProviderUnknown),
			QueueDepth:  qs.ByProvider[name],
			SuccessRate: 1.0,
		}
		if info, err := s.store.GetProviderStatus(ctx, name); err == nil {
			row.Status = string(info.Status)
		}
		// A provider with no traffic in the window keeps the optimistic
		// defaults rather than reporting a 0% success rate.
		if m, err := s.store.GetProviderMetrics(ctx, name, 24); err == nil && m.Total > 0 {
			row.AvgLatencyMS = m.AvgLatencyMS
			row.SuccessRate = m.SuccessRate
		}
		resp.Providers = append(resp.Providers, row)
	}

	return c.JSON(http.StatusOK, resp)
}

// queueHandler returns the queue occupancy snapshot.
func (s *Server) queueHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.Stats())
}

// providersHandler lists the configured providers.
func (s *Server) providersHandler(c *echo.Context) error {
	out := make([]ProviderSummary, 0, len(s.cfg.Providers))
	for _, name := range s.cfg.ProviderNames() {
		p, _ := s.cfg.Provider(name)
		out = append(out, ProviderSummary{
			Name:        name,
			BackendKind: string(p.Backend),
			Enabled:     p.Enabled,
			Priority:    p.Priority,
			TimeoutS:    p.TimeoutS,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// healthHandler is the liveness probe. It answers 503 when the
// database stops responding.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.db != nil {
		dbHealth, err := s.db.Health(c.Request().Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Detail = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp.Database = dbHealth
	}
	return c.JSON(http.StatusOK, resp)
}

// costsHandler reports token spend over a trailing window of days
// (?days=, default 30, capped at 365).
func (s *Server) costsHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	days := parseIntParam(c.QueryParam("days"), 30)
	if days <= 0 {
		days = 30
	}
	if days > 365 {
		days = 365
	}

	summary, err := s.store.GetCostSummary(ctx, days)
	if err != nil {
		return mapServiceError(err)
	}
	byProvider, err := s.store.GetCostByProvider(ctx, days)
	if err != nil {
		return mapServiceError(err)
	}
	byDay, err := s.store.GetCostByDay(ctx, days)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, CostsResponse{
		Summary:    summary,
		ByProvider: byProvider,
		ByDay:      byDay,
	})
}

// metricsEndpoint serves the Prometheus scrape handler when one is
// installed.
func (s *Server) metricsEndpoint(c *echo.Context) error {
	if s.metricsHandler == nil {
		return echo.NewHTTPError(http.StatusNotFound, "metrics not enabled")
	}
	s.metricsHandler.ServeHTTP(c.Response(), c.Request())
	return nil
}

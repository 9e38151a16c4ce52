// Package cleanup provides data retention for the gateway store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/store"
)

// costTTL bounds the priced token usage ledger. Cost rollups look back
// at most 90 days.
const costTTL = 90 * 24 * time.Hour

// Service periodically enforces retention policies:
//   - Deletes terminal requests past their TTL (responses cascade)
//   - Prunes old metric rows, terminal discussions, and cost records
//
// All deletes are idempotent; rows that slip past one sweep are caught
// by the next.
type Service struct {
	config *config.Config
	store  *store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.Config, st *store.Store) *Service {
	return &Service{
		config: cfg,
		store:  st,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"request_ttl", s.config.RequestTTL(),
		"metrics_ttl", s.config.MetricsTTL(),
		"discussion_ttl", s.config.DiscussionTTL(),
		"interval", s.config.CleanupInterval())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.cleanupRequests(ctx)
	s.cleanupMetrics(ctx)
	s.cleanupDiscussions(ctx)
	s.cleanupCosts(ctx)
}

func (s *Service) cleanupRequests(_ context.Context) {
	count, err := s.store.CleanupRequests(context.Background(), s.config.RequestTTL())
	if err != nil {
		slog.Error("Retention: request cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old requests", "count", count)
	}
}

func (s *Service) cleanupMetrics(_ context.Context) {
	count, err := s.store.CleanupMetrics(context.Background(), s.config.MetricsTTL())
	if err != nil {
		slog.Error("Retention: metric cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old metric events", "count", count)
	}
}

func (s *Service) cleanupDiscussions(_ context.Context) {
	count, err := s.store.CleanupDiscussions(context.Background(), s.config.DiscussionTTL())
	if err != nil {
		slog.Error("Retention: discussion cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old discussions", "count", count)
	}
}

func (s *Service) cleanupCosts(_ context.Context) {
	count, err := s.store.CleanupCosts(context.Background(), costTTL)
	if err != nil {
		slog.Error("Retention: cost cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old cost records", "count", count)
	}
}

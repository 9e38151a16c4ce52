// Package health runs the periodic provider health monitor. It probes
// every configured backend, persists a status row per provider, and
// publishes an event whenever a provider's verdict changes.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// degradedSuccessRate is the request success rate below which a
// reachable provider is reported degraded instead of healthy.
const degradedSuccessRate = 0.5

// metricsWindowHours is the trailing window used for success rate and
// latency in provider status rows.
const metricsWindowHours = 24

// BackendSource resolves a provider name to its backend.
type BackendSource interface {
	Get(name string) (backends.Backend, bool)
}

// Monitor periodically checks provider health. Runs a background
// goroutine that probes each enabled backend concurrently.
type Monitor struct {
	cfg      *config.Config
	store    *store.Store
	backends BackendSource
	bus      *events.Bus

	checkInterval time.Duration

	// Current verdict per provider
	statuses   map[string]*models.ProviderInfo
	statusesMu sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewMonitor creates a provider health monitor. bus may be nil (events
// disabled).
func NewMonitor(cfg *config.Config, st *store.Store, source BackendSource, bus *events.Bus) *Monitor {
	interval := time.Duration(cfg.HealthCheckIntervalS) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		cfg:           cfg,
		store:         st,
		backends:      source,
		bus:           bus,
		checkInterval: interval,
		statuses:      make(map[string]*models.ProviderInfo),
		logger:        slog.Default(),
	}
}

// Start launches the background health check loop. Calling Start on an
// already-running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop shuts the monitor down and waits for the loop to exit. After
// Stop returns, Start may be called again.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}

	// Clear stale verdicts so a later Start begins fresh.
	m.statusesMu.Lock()
	m.statuses = make(map[string]*models.ProviderInfo)
	m.statusesMu.Unlock()

	m.cancel = nil
	m.done = nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	// First sweep immediately so status rows exist at startup.
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every configured provider once. Probes run
// concurrently; the sweep returns when all finish.
func (m *Monitor) CheckAll(ctx context.Context) {
	depths, err := m.store.QueueDepthByProvider(ctx)
	if err != nil {
		m.logger.Warn("Failed to read queue depths for health sweep", "error", err)
		depths = map[string]int{}
	}

	var wg sync.WaitGroup
	for name, provider := range m.cfg.Providers {
		wg.Add(1)
		go func(name string, provider *config.ProviderConfig) {
			defer wg.Done()
			m.checkProvider(ctx, name, provider, depths[name])
		}(name, provider)
	}
	wg.Wait()
}

func (m *Monitor) checkProvider(ctx context.Context, name string, provider *config.ProviderConfig, queueDepth int) {
	info := &models.ProviderInfo{
		Name:         name,
		BackendKind:  provider.Backend,
		Status:       models.ProviderUnknown,
		QueueDepth:   queueDepth,
		LastCheck:    models.Now(),
		Enabled:      provider.Enabled,
		Priority:     provider.Priority,
		RateLimitRPM: provider.RateLimitRPM,
		TimeoutS:     provider.TimeoutS,
	}

	if provider.Enabled {
		backend, ok := m.backends.Get(name)
		if !ok {
			// Enabled in config but never registered, usually a backend
			// that failed construction.
			info.Status = models.ProviderUnavailable
		} else {
			start := time.Now()
			alive := backend.HealthCheck(ctx)
			probeMS := float64(time.Since(start).Microseconds()) / 1000.0

			metrics, err := m.store.GetProviderMetrics(ctx, name, metricsWindowHours)
			if err != nil {
				m.logger.Warn("Failed to aggregate provider metrics",
					"provider", name, "error", err)
				metrics = nil
			}

			info.Status = verdict(alive, metrics)
			if metrics != nil {
				info.AvgLatencyMS = metrics.AvgLatencyMS
				info.SuccessRate = metrics.SuccessRate
			}

			m.recordProbe(ctx, name, alive, probeMS)
		}
	}

	if err := m.store.UpsertProviderStatus(ctx, info); err != nil {
		m.logger.Warn("Failed to persist provider status",
			"provider", name, "error", err)
	}

	m.setStatus(name, info)
}

// verdict maps a probe result plus trailing request metrics to a
// provider health value.
func verdict(alive bool, metrics *models.ProviderMetrics) models.ProviderHealth {
	if !alive {
		return models.ProviderUnavailable
	}
	if metrics != nil && metrics.Total > 0 && metrics.SuccessRate < degradedSuccessRate {
		return models.ProviderDegraded
	}
	return models.ProviderHealthy
}

func (m *Monitor) recordProbe(ctx context.Context, name string, alive bool, probeMS float64) {
	metric := &models.MetricEvent{
		Provider:  name,
		EventType: models.MetricEventHealthCheck,
		LatencyMS: probeMS,
		Success:   alive,
	}
	if err := m.store.RecordMetric(ctx, metric); err != nil {
		m.logger.Warn("Failed to record health probe metric",
			"provider", name, "error", err)
	}
}

// setStatus stores the verdict and publishes a provider_status event
// when it changed since the last sweep.
func (m *Monitor) setStatus(name string, info *models.ProviderInfo) {
	m.statusesMu.Lock()
	previous, seen := m.statuses[name]
	m.statuses[name] = info
	m.statusesMu.Unlock()

	if seen && previous.Status == info.Status {
		return
	}
	if info.Status != models.ProviderHealthy {
		m.logger.Warn("Provider status changed",
			"provider", name, "status", info.Status)
	} else if seen {
		m.logger.Info("Provider recovered", "provider", name)
	}

	if m.bus == nil {
		return
	}
	data := map[string]any{
		"provider": name,
		"status":   string(info.Status),
	}
	if seen {
		data["previous_status"] = string(previous.Status)
	}
	m.bus.Publish(models.NewEvent(events.EventProviderStatus, data))
}

// GetStatuses returns a copy of the current verdict for every provider
// checked so far.
func (m *Monitor) GetStatuses() map[string]*models.ProviderInfo {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	result := make(map[string]*models.ProviderInfo, len(m.statuses))
	for k, v := range m.statuses {
		cp := *v
		result[k] = &cp
	}
	return result
}

// IsHealthy reports whether every enabled provider is currently
// healthy. Returns false before the first sweep completes.
func (m *Monitor) IsHealthy() bool {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	if len(m.statuses) == 0 {
		return false
	}
	for _, s := range m.statuses {
		if s.Enabled && s.Status != models.ProviderHealthy {
			return false
		}
	}
	return true
}

// Package metrics exposes gateway counters on a Prometheus registry.
//
// Request counters are fed from the event bus rather than from the
// dispatch path, so the worker pool stays free of scrape concerns.
// Queue occupancy and the bus drop counter are read at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/queue"
)

const (
	// Namespace prefixes every gateway metric.
	Namespace = "modelmux"

	providerLabel = "provider"
	statusLabel   = "status"

	subscriberID = "metrics"
)

// DurationBuckets returns threshold values sized for LLM round-trips,
// which run from sub-second cache hits to multi-minute completions.
func DurationBuckets() []float64 {
	return []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
}

// StatsSource yields a point-in-time queue occupancy snapshot.
type StatsSource interface {
	Stats() queue.Stats
}

// Recorder owns the registry and keeps request counters current by
// consuming terminal events from the bus.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Recorder with all gateway collectors registered. A nil
// bus or stats source simply leaves the corresponding metrics out.
func New(bus *events.Bus, stats StatsSource) *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		bus:      bus,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "requests_total",
				Help:      "Requests that reached a terminal state, by provider and status.",
			},
			[]string{providerLabel, statusLabel},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "request_duration_seconds",
				Help:      "Request latency from dispatch to terminal state.",
				Buckets:   DurationBuckets(),
			},
			[]string{providerLabel},
		),
	}
	registry.MustRegister(r.requestsTotal)
	registry.MustRegister(r.requestDuration)

	if stats != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "queue_depth",
				Help:      "Requests waiting in the queue.",
			},
			func() float64 { return float64(stats.Stats().QueueDepth) },
		))
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "processing_count",
				Help:      "Requests currently being dispatched.",
			},
			func() float64 { return float64(stats.Stats().ProcessingCount) },
		))
	}
	if bus != nil {
		registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because a subscriber buffer was full.",
			},
			func() float64 { return float64(bus.Dropped()) },
		))
	}
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns the /metrics exposition handler.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Start subscribes to the bus and begins consuming terminal events.
func (r *Recorder) Start(ctx context.Context) {
	if r.bus == nil || r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	ch := r.bus.Subscribe(subscriberID, 512)
	go r.consume(ctx, ch)

	slog.Info("Metrics recorder started")
}

// Stop detaches the recorder from the bus. Collected values remain
// readable afterward.
func (r *Recorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.bus.Unsubscribe(subscriberID)
	slog.Info("Metrics recorder stopped")
}

func (r *Recorder) consume(ctx context.Context, ch <-chan models.Event) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.observe(ev)
		}
	}
}

func (r *Recorder) observe(ev models.Event) {
	switch ev.Type {
	case events.EventRequestCompleted, events.EventRequestFailed, events.EventRequestCancelled:
		provider, _ := ev.Data["provider"].(string)
		status, _ := ev.Data["status"].(string)
		if provider == "" || status == "" {
			return
		}
		r.requestsTotal.WithLabelValues(provider, status).Inc()
		if ms, ok := ev.Data["latency_ms"].(float64); ok && ms > 0 {
			r.requestDuration.WithLabelValues(provider).Observe(ms / 1000.0)
		}
	}
}

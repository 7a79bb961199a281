package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors of a running client.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	statusUpdates  *prometheus.CounterVec
	relayFetches   *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	timersFired    prometheus.Counter
	feedSize       prometheus.Gauge
	activeSessions prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.statusUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nostatus_status_updates_total",
		Help: "status events processed, by category and outcome",
	}, []string{"category", "outcome"})
	m.relayFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nostatus_relay_fetches_total",
		Help: "relay queries issued, by kind of data and result",
	}, []string{"what", "result"})
	m.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nostatus_cache_lookups_total",
		Help: "cache lookups, by entity and freshness tier",
	}, []string{"entity", "tier"})
	m.publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nostatus_publishes_total",
		Help: "status publishes, by result",
	}, []string{"result"})
	m.timersFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nostatus_expiration_timers_fired_total",
		Help: "counts expiration timers that invalidated a status",
	})
	m.feedSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nostatus_feed_users",
		Help: "number of users currently holding a status",
	})
	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nostatus_active_sessions",
		Help: "1 while a feed session is running",
	})

	m.registry.MustRegister(
		m.statusUpdates, m.relayFetches, m.cacheLookups, m.publishes,
		m.timersFired, m.feedSize, m.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StatusUpdate(category, outcome string) {
	if m == nil {
		return
	}
	m.statusUpdates.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) RelayFetch(what string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.relayFetches.WithLabelValues(what, result).Inc()
}

func (m *Metrics) CacheLookup(entity, tier string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(entity, tier).Inc()
}

func (m *Metrics) Publish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) TimerFired() {
	if m == nil {
		return
	}
	m.timersFired.Inc()
}

func (m *Metrics) SetFeedSize(n int) {
	if m == nil {
		return
	}
	m.feedSize.Set(float64(n))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Set(1)
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.activeSessions.Set(0)
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, logger *Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("prometheus metrics exposed", "listen", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

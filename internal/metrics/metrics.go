package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Set aggregates the daemon's Prometheus collectors.
type Set struct {
	CyclesTotal     *prometheus.CounterVec
	CommitsTotal    *prometheus.CounterVec
	LastQuotedPrice prometheus.Gauge
	LastCommitPrice prometheus.Gauge
	EventsObserved  *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
}

// New registers the collector set on its own registry.
func New() (*Set, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pricekeeper_cycles_total",
			Help: "Automation cycles by outcome.",
		}, []string{"outcome"}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pricekeeper_commits_total",
			Help: "On-chain commit attempts by status.",
		}, []string{"status"}),
		LastQuotedPrice: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pricekeeper_last_quoted_usd_price",
			Help: "Most recent oracle USD price.",
		}),
		LastCommitPrice: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pricekeeper_last_committed_usd_price",
			Help: "USD price at the last confirmed commit.",
		}),
		EventsObserved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pricekeeper_contract_events_total",
			Help: "Contract events observed by the monitor.",
		}, []string{"event"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricekeeper_cycle_duration_seconds",
			Help:    "Wall time of one automation cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}, reg
}

// Serve runs the metrics listener until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics listener failed")
	}
}

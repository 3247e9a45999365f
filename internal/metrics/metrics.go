// Package metrics exposes bouncer traffic counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Directions used as the direction label.
const (
	In  = "in"
	Out = "out"
)

// Metrics holds the bouncer's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	UpstreamLines      *prometheus.CounterVec
	ClientLines        *prometheus.CounterVec
	ClientsConnected   prometheus.Gauge
	UpstreamsConnected prometheus.Gauge
	FloodQueueLines    prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		UpstreamLines: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbounce_upstream_lines_total",
				Help: "IRC lines exchanged with upstream servers",
			},
			[]string{"direction"},
		),
		ClientLines: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbounce_client_lines_total",
				Help: "IRC lines exchanged with attached clients",
			},
			[]string{"direction"},
		),
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbounce_clients_connected",
			Help: "Authenticated clients currently attached",
		}),
		UpstreamsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbounce_upstreams_connected",
			Help: "Upstream links currently open",
		}),
		FloodQueueLines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbounce_flood_queue_lines",
			Help: "Lines waiting in flood queues across all networks",
		}),
	}
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package metrics defines a set of run-level Prometheus gauges and
// serves them on an opt-in HTTP listener, wiring
// prometheus/client_golang even though the core spec has no exposition
// surface of its own — the ambient-stack rule favors real wiring over
// dropping a plausible pack dependency.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauges is the small set of run-level gauges. The controller does not
// update them, and cmd/dnsblast discards the set after registering it,
// so a /metrics scrape reports each gauge at its initial zero value.
type Gauges struct {
	PacketsSent     prometheus.Gauge
	PacketsReceived prometheus.Gauge
	SendErrors      prometheus.Gauge
	RTTAvgSeconds   prometheus.Gauge
}

// NewGauges registers the gauge set against a fresh registry, so
// repeated runs (e.g. in tests) never collide on global registration.
func NewGauges() (*Gauges, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	g := &Gauges{
		PacketsSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsblast_packets_sent_total",
			Help: "Cumulative packets sent in the current rate-step.",
		}),
		PacketsReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsblast_packets_received_total",
			Help: "Cumulative packets received in the current rate-step.",
		}),
		SendErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsblast_send_errors_total",
			Help: "Cumulative send errors in the current rate-step.",
		}),
		RTTAvgSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnsblast_rtt_avg_seconds",
			Help: "Average recovered RTT over the current rate-step.",
		}),
	}
	reg.MustRegister(g.PacketsSent, g.PacketsReceived, g.SendErrors, g.RTTAvgSeconds)
	return g, reg
}

// Serve starts an HTTP server exposing reg on /metrics and blocks until
// ctx is cancelled, then shuts the server down gracefully.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

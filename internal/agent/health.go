package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guardant/guardant/internal/config"
)

// Metrics is the worker's prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	ProbesTotal  *prometheus.CounterVec
	ProbeSeconds prometheus.Histogram
	BufferDepth  prometheus.Gauge
	BufferDrops  prometheus.Gauge
	PointsTotal  prometheus.Gauge
	Connected    prometheus.Gauge
}

// NewMetrics builds a self-contained metrics set with its own registry, so
// tests can create as many agents as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardant_worker_probes_total",
			Help: "Completed probes by service type and outcome.",
		}, []string{"type", "status"}),
		ProbeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardant_worker_probe_duration_seconds",
			Help:    "Wall time spent executing probes.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardant_worker_buffer_depth",
			Help: "Results waiting in the local durable buffer.",
		}),
		BufferDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardant_worker_buffer_drops_total",
			Help: "Results evicted from the buffer on overflow.",
		}),
		PointsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardant_worker_points_total",
			Help: "Lifetime points earned by this worker.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardant_worker_connected",
			Help: "1 while the broker connection is healthy.",
		}),
	}
	reg.MustRegister(m.ProbesTotal, m.ProbeSeconds, m.BufferDepth, m.BufferDrops, m.PointsTotal, m.Connected)
	return m
}

// HealthServer serves /healthz and /metrics on the worker's health port.
type HealthServer struct {
	httpServer *http.Server
}

// NewHealthServer wires the worker's local observability endpoint.
func NewHealthServer(port int, agent *Agent, metrics *Metrics) *HealthServer {
	started := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"worker_id": agent.cfg.WorkerID,
			"region":    agent.Region(),
			"suspended": agent.Suspended(),
			"connected": agent.Connected(),
			"uptime":    config.Duration(time.Since(started)),
		})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	return &HealthServer{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(port)),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks serving until the server is shut down.
func (s *HealthServer) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the health server.
func (s *HealthServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

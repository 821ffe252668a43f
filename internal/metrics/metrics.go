// Package metrics defines the Prometheus collectors for the pipeline and
// serves them over HTTP for scraping.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for frame_drop_total.
const (
	DropReasonQueueFull    = "queue_full"
	DropReasonTCPBacklog   = "tcp_backlog"
	DropReasonWriteTimeout = "write_timeout"
)

// Subscription close reasons for broadcast_subscription_closed_total.
const (
	CloseReasonWriteError = "write_error"
	CloseReasonBacklog    = "backlog"
	CloseReasonShutdown   = "shutdown"
	CloseReasonClient     = "client"
)

var (
	// Generation metrics
	SceneGenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_gen_total",
		Help: "Total scene generation attempts by outcome",
	}, []string{"success"})

	SceneGenLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scene_gen_latency_ms",
		Help:    "Scene generation wall time in milliseconds",
		Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
	})

	// Broadcast metrics
	FrameDropTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frame_drop_total",
		Help: "Total frames dropped by reason",
	}, []string{"reason"})

	BroadcastQueueLen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_queue_len",
		Help: "Total frames currently queued across all subscriptions",
	})

	BroadcastFPS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_fps",
		Help: "Frames delivered per second, sampled once per second",
	})

	WSBacklogBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_backlog_bytes",
		Help: "Sum of unwritten bytes across all subscribed sockets",
	})

	SubscriptionClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_subscription_closed_total",
		Help: "Subscriptions closed by the broadcaster, by reason",
	}, []string{"reason"})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_subscriptions_active",
		Help: "Current number of registered subscriptions",
	})

	// Bus metrics
	BusPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_publish_errors_total",
		Help: "Total failed bus publishes",
	})

	BusReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_reconnects_total",
		Help: "Total bus reconnections",
	})

	BusConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bus_connected",
		Help: "Bus connection status (1=connected, 0=disconnected)",
	})

	BusMessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_messages_received_total",
		Help: "Total messages received from the bus by subject class",
	}, []string{"subject"})

	// Gateway metrics
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total WebSocket connections established",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connections_rejected_total",
		Help: "Connection attempts rejected by reason",
	}, []string{"reason"})

	// Store metrics
	StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_store_ops_total",
		Help: "Scene store operations by op and outcome",
	}, []string{"op", "outcome"})

	SnapshotTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_snapshot_total",
		Help: "Snapshot attempts by outcome",
	}, []string{"outcome"})

	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scene_snapshot_duration_seconds",
		Help:    "Snapshot export wall time",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120},
	})

	// Runtime
	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "holorelay_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		SceneGenTotal,
		SceneGenLatency,
		FrameDropTotal,
		BroadcastQueueLen,
		BroadcastFPS,
		WSBacklogBytes,
		SubscriptionClosedTotal,
		SubscriptionsActive,
		BusPublishErrors,
		BusReconnects,
		BusConnected,
		BusMessagesReceived,
		ConnectionsActive,
		ConnectionsTotal,
		ConnectionsRejected,
		StoreOps,
		SnapshotTotal,
		SnapshotDuration,
		GoroutinesActive,
	)
}

// RecordGeneration records one generation outcome with its wall time.
func RecordGeneration(success bool, elapsed time.Duration) {
	SceneGenTotal.WithLabelValues(fmt.Sprintf("%t", success)).Inc()
	SceneGenLatency.Observe(float64(elapsed.Milliseconds()))
}

// Server serves /metrics on the configured port. It also refreshes the
// runtime gauges once per second while running.
type Server struct {
	srv *http.Server
}

// NewServer builds the metrics HTTP server. Port 0 is valid for tests
// (the listener picks a free port).
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving and sampling runtime gauges. Non-blocking.
func (s *Server) Start(ctx context.Context) {
	go func() {
		_ = s.srv.ListenAndServe()
	}()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				GoroutinesActive.Set(float64(runtime.NumGoroutine()))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

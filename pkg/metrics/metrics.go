// Package metrics defines the store server's Prometheus instrumentation.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreMetrics contains all store server Prometheus metrics.
type StoreMetrics struct {
	// Connection metrics
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive *prometheus.GaugeVec
	HandshakeFailures *prometheus.CounterVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Catalog metrics
	GamesActive    prometheus.Gauge
	UploadsTotal   prometheus.Counter
	DownloadsTotal *prometheus.CounterVec
	ReviewsTotal   prometheus.Counter

	// Room metrics
	RoomsActive   prometheus.Gauge
	RoomsCreated  prometheus.Counter
	RoomsDropped  *prometheus.CounterVec
	PlayersOnline prometheus.Gauge

	// Supervisor metrics
	GameServersActive prometheus.Gauge
	SpawnsTotal       *prometheus.CounterVec
}

// New creates and registers all store metrics under namespace.
func New(namespace string) *StoreMetrics {
	return &StoreMetrics{
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total accepted client connections",
		}, []string{"role"}),
		ConnectionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Currently open client connections",
		}, []string{"role"}),
		HandshakeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "handshake_failures_total",
			Help:      "Connections rejected at the role handshake",
		}, []string{"role"}),

		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Total framed requests by action and outcome",
		}, []string{"role", "action", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Request handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role", "action"}),

		GamesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "games_active",
			Help:      "Games currently published in the catalog",
		}),
		UploadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "uploads_total",
			Help:      "Successful game uploads and updates",
		}),
		DownloadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "downloads_total",
			Help:      "Successful bundle downloads",
		}, []string{"game"}),
		ReviewsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "reviews_total",
			Help:      "Accepted review submissions",
		}),

		RoomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "active",
			Help:      "Rooms currently alive",
		}),
		RoomsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "created_total",
			Help:      "Rooms created",
		}),
		RoomsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "dropped_total",
			Help:      "Rooms destroyed by reason",
		}, []string{"reason"}),
		PlayersOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "players_online",
			Help:      "Players with an active session",
		}),

		GameServersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "game_servers_active",
			Help:      "Live supervised game-server processes",
		}),
		SpawnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "spawns_total",
			Help:      "Game-server spawn attempts by outcome",
		}, []string{"outcome"}),
	}
}

// Server serves the /metrics endpoint.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a metrics HTTP server on port.
func NewServer(port int, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: logger,
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Metrics server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop shuts the metrics server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

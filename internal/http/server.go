// Package http serves Prometheus metrics and health probes for a download
// run.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vkaudio/internal/core"
)

const serviceName = "vkaudio"

type Server struct {
	config   *core.ServerConfig
	logger   *zap.Logger
	server   *http.Server
	registry *prometheus.Registry
	metrics  *Metrics
	ready    atomic.Bool
}

type Metrics struct {
	TracksTotal        *prometheus.CounterVec
	SegmentsTotal      prometheus.Counter
	SegmentBytesTotal  prometheus.Counter
	KeyFetchesTotal    prometheus.Counter
	SourceRetriesTotal *prometheus.CounterVec
	SourcesDisabled    *prometheus.CounterVec
	MetadataTotal      *prometheus.CounterVec
	TrackDuration      prometheus.Histogram
}

// newMetrics creates the collectors and registers them with registry.
func newMetrics(registry prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		TracksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkaudio_tracks_total",
				Help: "Tracks processed, by outcome",
			},
			[]string{"status"},
		),
		SegmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vkaudio_segments_total",
				Help: "HLS segments fetched",
			},
		),
		SegmentBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vkaudio_segment_bytes_total",
				Help: "Bytes of HLS segment data fetched",
			},
		),
		KeyFetchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vkaudio_key_fetches_total",
				Help: "HLS decryption keys fetched",
			},
		),
		SourceRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkaudio_source_retries_total",
				Help: "Metadata requests retried, by source",
			},
			[]string{"source"},
		),
		SourcesDisabled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkaudio_source_disabled_total",
				Help: "Metadata sources disabled after repeated network failures",
			},
			[]string{"source"},
		),
		MetadataTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vkaudio_metadata_total",
				Help: "Tracks tagged, by metadata source",
			},
			[]string{"source"},
		),
		TrackDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vkaudio_track_duration_seconds",
				Help:    "Time spent producing one track",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
		),
	}

	registry.MustRegister(
		metrics.TracksTotal,
		metrics.SegmentsTotal,
		metrics.SegmentBytesTotal,
		metrics.KeyFetchesTotal,
		metrics.SourceRetriesTotal,
		metrics.SourcesDisabled,
		metrics.MetadataTotal,
		metrics.TrackDuration,
	)

	return metrics
}

func NewServer(config *core.ServerConfig, logger *zap.Logger) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		config:   config,
		logger:   logger,
		registry: registry,
		metrics:  newMetrics(registry),
	}

	mux := setupRoutes(logger, registry, s.ready.Load)
	s.server = createHTTPServer(config, mux)
	return s
}

func createHTTPServer(config *core.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

func setupRoutes(logger *zap.Logger, gatherer prometheus.Gatherer, ready func() bool) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, `{"status":"ok","service":"`+serviceName+`"}`)
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready() {
			writeJSON(w, logger, http.StatusServiceUnavailable, `{"status":"starting","service":"`+serviceName+`"}`)
			return
		}
		writeJSON(w, logger, http.StatusOK, `{"status":"ready","service":"`+serviceName+`"}`)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", homeHandler(logger))

	return mux
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		logger.Debug("Failed to write probe response", zap.Error(err))
	}
}

func homeHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>vkaudio</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
    </style>
</head>
<body>
    <h1>vkaudio</h1>
    <p>VK audio downloader</p>

    <h2>Endpoints</h2>
    <div class="endpoint"><a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint"><a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint"><a href="/readyz">Ready</a> - Readiness check</div>
</body>
</html>`)); err != nil {
			logger.Debug("Failed to write home page", zap.Error(err))
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

// Registry exposes the private registry, mainly for tests.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// ObserveTrack counts a processed track and how long it took.
func (s *Server) ObserveTrack(status string, elapsed time.Duration) {
	s.metrics.TracksTotal.WithLabelValues(status).Inc()
	s.metrics.TrackDuration.Observe(elapsed.Seconds())
}

// ObserveMetadata counts a track tagged from source.
func (s *Server) ObserveMetadata(source string) {
	s.metrics.MetadataTotal.WithLabelValues(source).Inc()
}

// ObserveSegment counts a fetched HLS segment.
func (s *Server) ObserveSegment(bytes int) {
	s.metrics.SegmentsTotal.Inc()
	s.metrics.SegmentBytesTotal.Add(float64(bytes))
}

// ObserveKeyFetch counts a fetched decryption key.
func (s *Server) ObserveKeyFetch() {
	s.metrics.KeyFetchesTotal.Inc()
}

// ObserveRetry counts a retried metadata request.
func (s *Server) ObserveRetry(source string) {
	s.metrics.SourceRetriesTotal.WithLabelValues(source).Inc()
}

// ObserveSourceDisabled counts a metadata source being switched off.
func (s *Server) ObserveSourceDisabled(source string) {
	s.metrics.SourcesDisabled.WithLabelValues(source).Inc()
}

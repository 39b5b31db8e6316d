package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "nftfence"

// Metrics holds the engine's Prometheus collectors. All recording methods
// are safe on a nil *Metrics so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	matches          *prometheus.CounterVec
	artifacts        *prometheus.CounterVec
	recordsDeleted   prometheus.Counter
	scanErrors       prometheus.Counter
	filesScanned     prometheus.Counter
	schedulerRuns    *prometheus.CounterVec
	commandsQueued   *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	lastRunTimestamp *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Matching log lines by pattern",
		}, []string{"pattern"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Block artifact operations by action (written, touched, expired, reconciled, removed)",
		}, []string{"action"}),
		recordsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_deleted_total",
			Help:      "Incident records removed by retention cleanup",
		}),
		scanErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_errors_total",
			Help:      "Log files that could not be read",
		}),
		filesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_scanned_total",
			Help:      "Log files scanned",
		}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Commands executed by the scheduler",
		}, []string{"command", "result"}),
		commandsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_queued_total",
			Help:      "Commands deferred to the queue because the lock was busy",
		}, []string{"command"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution time",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"command"}),
		lastRunTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last successful run of each command",
		}, []string{"command"}),
	}

	registry.MustRegister(
		m.matches,
		m.artifacts,
		m.recordsDeleted,
		m.scanErrors,
		m.filesScanned,
		m.schedulerRuns,
		m.commandsQueued,
		m.commandDuration,
		m.lastRunTimestamp,
	)

	return m
}

// Registry exposes the registry for tests and the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Match(pattern string, n int) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(pattern).Add(float64(n))
}

func (m *Metrics) Artifact(action string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordsDeleted(n int) {
	if m == nil {
		return
	}
	m.recordsDeleted.Add(float64(n))
}

func (m *Metrics) ScanError() {
	if m == nil {
		return
	}
	m.scanErrors.Inc()
}

func (m *Metrics) FileScanned() {
	if m == nil {
		return
	}
	m.filesScanned.Inc()
}

func (m *Metrics) Queued(command string) {
	if m == nil {
		return
	}
	m.commandsQueued.WithLabelValues(command).Inc()
}

// CommandDone records one scheduler execution.
func (m *Metrics) CommandDone(command string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.schedulerRuns.WithLabelValues(command, result).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
	if err == nil {
		m.lastRunTimestamp.WithLabelValues(command).SetToCurrentTime()
	}
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *zap.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting metrics server", zap.String("address", addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

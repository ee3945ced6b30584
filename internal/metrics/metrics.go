package metrics

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/perimetra/salvor/internal/config"
)

// Recorder captures run-level observations. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordRun(operation, status string, duration time.Duration)
	RecordArtifact(component string, sizeBytes int64)
	SetLastSuccess(operation string, at time.Time)
	Push(ctx context.Context) error
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) RecordRun(string, string, time.Duration) {}
func (Noop) RecordArtifact(string, int64)            {}
func (Noop) SetLastSuccess(string, time.Time)        {}
func (Noop) Push(context.Context) error              { return nil }

// Prom implements Recorder on a private registry so a pushgateway push
// carries exactly these series and nothing from other libraries.
type Prom struct {
	registry      *prometheus.Registry
	pusher        *push.Pusher
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	artifactBytes *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
}

func NewProm(namespace string, cfg *config.MetricsConfig) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by operation and status",
		}, []string{"operation", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration seconds by operation",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"operation"}),
		artifactBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifact_bytes",
			Help:      "Size of the newest artifact by component",
		}, []string{"component"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last successful run by operation",
		}, []string{"operation"}),
	}
	p.registry.MustRegister(p.runs, p.runDuration, p.artifactBytes, p.lastSuccess)

	if cfg.PushgatewayURL != "" {
		host, _ := os.Hostname()
		p.pusher = push.New(cfg.PushgatewayURL, cfg.Job).
			Gatherer(p.registry).
			Grouping("instance", host)
	}
	return p
}

func (p *Prom) RecordRun(operation, status string, duration time.Duration) {
	p.runs.WithLabelValues(operation, status).Inc()
	p.runDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *Prom) RecordArtifact(component string, sizeBytes int64) {
	p.artifactBytes.WithLabelValues(component).Set(float64(sizeBytes))
}

func (p *Prom) SetLastSuccess(operation string, at time.Time) {
	p.lastSuccess.WithLabelValues(operation).Set(float64(at.Unix()))
}

// Push sends the registry to the configured pushgateway. Without a
// gateway it is a no-op.
func (p *Prom) Push(ctx context.Context) error {
	if p.pusher == nil {
		return nil
	}
	if err := p.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// Handler serves the private registry for daemon mode.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

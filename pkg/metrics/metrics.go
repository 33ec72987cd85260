// Package metrics exposes the dispatch counters of one engine instance to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// DefaultPrefix names the metrics when no prefix is configured.
const DefaultPrefix = "graphproperty"

// Metrics is the counter and timer surface of an engine.
type Metrics struct {
	prefix string

	TotalProcessed prometheus.Counter
	Processing     prometheus.Gauge
	TotalErrors    prometheus.Counter
	ProcessingTime prometheus.Histogram
}

// Snapshot is a point-in-time reading of the metrics.
type Snapshot struct {
	TotalProcessed  int64   `json:"total_processed"`
	Processing      int64   `json:"processing"`
	TotalErrors     int64   `json:"total_errors"`
	ProcessingCount uint64  `json:"processing_count"`
	ProcessingSum   float64 `json:"processing_seconds_sum"`
}

// New creates the metrics under prefix and registers them with reg. Metrics
// already registered under the same names are reused, so engines sharing a
// prefix share counters. A nil reg leaves the metrics unregistered.
func New(prefix string, reg prometheus.Registerer) (*Metrics, error) {
	prefix = sanitize(prefix)

	m := &Metrics{
		prefix: prefix,
		TotalProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_total_processed",
			Help: "Total number of notifications processed",
		}),
		Processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_processing",
			Help: "Number of notifications currently in flight",
		}),
		TotalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_total_errors",
			Help: "Total number of notifications that failed",
		}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_processing_time_seconds",
			Help:    "Time spent processing a notification",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error

	if m.TotalProcessed, err = register(reg, m.TotalProcessed); err != nil {
		return nil, err
	}

	if m.Processing, err = register(reg, m.Processing); err != nil {
		return nil, err
	}

	if m.TotalErrors, err = register(reg, m.TotalErrors); err != nil {
		return nil, err
	}

	if m.ProcessingTime, err = register(reg, m.ProcessingTime); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var alreadyRegErr prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegErr) {
		if existing, ok := alreadyRegErr.ExistingCollector.(T); ok {
			return existing, nil
		}
	}

	return c, fmt.Errorf("failed to register metric: %w", err)
}

// Prefix returns the sanitized metric name prefix.
func (m *Metrics) Prefix() string {
	return m.prefix
}

// Begin marks a notification in flight and starts its timer.
func (m *Metrics) Begin() *prometheus.Timer {
	m.Processing.Inc()

	return prometheus.NewTimer(m.ProcessingTime)
}

// End marks a notification done and records its outcome.
func (m *Metrics) End(timer *prometheus.Timer, failed bool) {
	m.Processing.Dec()
	m.TotalProcessed.Inc()

	if failed {
		m.TotalErrors.Inc()
	}

	timer.ObserveDuration()
}

// Snapshot reads the current values.
func (m *Metrics) Snapshot() Snapshot {
	var s Snapshot

	if v, ok := read(m.TotalProcessed); ok {
		s.TotalProcessed = int64(v.GetCounter().GetValue())
	}

	if v, ok := read(m.Processing); ok {
		s.Processing = int64(v.GetGauge().GetValue())
	}

	if v, ok := read(m.TotalErrors); ok {
		s.TotalErrors = int64(v.GetCounter().GetValue())
	}

	if v, ok := read(m.ProcessingTime); ok {
		s.ProcessingCount = v.GetHistogram().GetSampleCount()
		s.ProcessingSum = v.GetHistogram().GetSampleSum()
	}

	return s
}

func read(metric prometheus.Metric) (*dto.Metric, bool) {
	var out dto.Metric
	if err := metric.Write(&out); err != nil {
		return nil, false
	}

	return &out, true
}

func sanitize(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}

	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, prefix)

	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}

	return out
}

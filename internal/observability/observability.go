// Package observability records what a yas invocation did: Prometheus
// counters for fetches, evaluations and phases, OpenTelemetry spans for the
// run, and the environment checks behind `yas doctor`.
//
// Every component is nil-safe. A nil *Observability, *MetricsCollector or
// *TracerSetup turns the corresponding calls into no-ops.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/yas/internal/config"
)

// Observability bundles the optional components for one process.
type Observability struct {
	Metrics *MetricsCollector // nil = metrics disabled.
	Tracer  *TracerSetup      // nil = tracing disabled.
	Health  *HealthChecker    // Always set; checks are registered by the caller.
}

// Option customises New.
type Option func(*options)

type options struct {
	version string
}

// WithVersion sets the service.version resource attribute and the tracer's
// instrumentation version.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds the components enabled in cfg. A nil cfg returns nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger, opts ...Option) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	ts, err := NewTracerSetup(cfg.Tracing, o.version)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs.Tracer = ts
	return obs, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	_ = o.Tracer.Shutdown(ctx)
}

// MetricsOrNil returns the metrics collector, or nil if metrics are off.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the tracer setup, or nil if tracing is off.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

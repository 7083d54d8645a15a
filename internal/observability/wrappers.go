package observability

import (
	"context"
	"errors"
	"time"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/yas/internal/fetch"
	"github.com/jkaninda/yas/internal/resolver"
	"github.com/jkaninda/yas/internal/sandbox"
)

// --- InstrumentedFetcher ---

// InstrumentedFetcher wraps a sandbox.Fetcher with metrics and tracing.
// Guest load() and http.get() calls go through the same wrapper, so they are
// counted alongside the tool fetch.
type InstrumentedFetcher struct {
	inner   sandbox.Fetcher
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedFetcher wraps a fetcher with observability.
func NewInstrumentedFetcher(inner sandbox.Fetcher, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedFetcher {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedFetcher{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (f *InstrumentedFetcher) Fetch(ctx context.Context, loc resolver.Location) (*fetch.Response, error) {
	var span trace.Span
	if f.tracer != nil {
		ctx, span = f.tracer.Start(ctx, SpanFetch, trace.WithAttributes(
			semconv.URLFull(loc.String()),
			AttrFragment.String(loc.Fragment),
		))
	}

	start := time.Now()
	resp, err := f.inner.Fetch(ctx, loc)
	duration := time.Since(start).Seconds()

	source, status := "network", "success"
	if err != nil {
		status = fetchStatus(err)
	} else if resp.FromCache {
		source = "cache"
	}
	if span != nil {
		if resp != nil {
			span.SetAttributes(
				semconv.HTTPResponseStatusCode(resp.StatusCode),
				AttrFromCache.Bool(resp.FromCache),
			)
		}
		EndSpan(span, err)
	}

	if f.metrics != nil {
		f.metrics.FetchTotal.WithLabelValues(source, status).Inc()
		f.metrics.FetchDuration.Observe(duration)
		if resp != nil {
			f.metrics.FetchBytes.Add(float64(len(resp.Body)))
		}
	}
	return resp, err
}

func fetchStatus(err error) string {
	var statusErr *fetch.StatusError
	switch {
	case errors.As(err, &statusErr):
		return "http_error"
	case errors.Is(err, fetch.ErrCache):
		return "cache_error"
	default:
		return "network_error"
	}
}

// --- InstrumentedEvaluator ---

// InstrumentedEvaluator wraps a sandbox.Evaluator with metrics and tracing.
type InstrumentedEvaluator struct {
	inner   sandbox.Evaluator
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedEvaluator wraps an evaluator with observability.
func NewInstrumentedEvaluator(inner sandbox.Evaluator, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedEvaluator {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedEvaluator{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (e *InstrumentedEvaluator) Evaluate(ctx context.Context, src sandbox.Source) (*sandbox.Result, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, SpanEvaluate, trace.WithAttributes(
			semconv.URLFull(src.Name),
			AttrFragment.String(src.Entry),
		))
	}

	res, err := e.inner.Evaluate(ctx, src)

	status := "success"
	if err != nil {
		status = evalStatus(err)
	}
	if span != nil {
		span.SetAttributes(AttrEvalStatus.String(status))
		if res != nil {
			span.SetAttributes(AttrResultKind.String(res.Kind.String()))
		}
		EndSpan(span, err)
	}

	if e.metrics != nil {
		e.metrics.EvalTotal.WithLabelValues(status).Inc()
	}
	return res, err
}

func evalStatus(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrCapabilityDenied):
		return "denied"
	case errors.Is(err, sandbox.ErrSyntax):
		return "syntax_error"
	default:
		return "runtime_error"
	}
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Fetcher   = (*InstrumentedFetcher)(nil)
	_ sandbox.Evaluator = (*InstrumentedEvaluator)(nil)
)

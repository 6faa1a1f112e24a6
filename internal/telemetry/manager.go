package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	ExporterNone               = "none"
	ExporterConsole            = "console"
	ExporterOTLP               = "otlp"
	ExporterGoogleCloudTrace   = "googlecloudtrace"
	ExporterGoogleCloudMetrics = "googlecloudmetrics"
)

var ErrUnknownExporter = errors.New("telemetry: unknown exporter")

type Manager struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

type Options struct {
	ProjectID        string
	ServiceName      string
	ServiceRevision  string
	InstanceID       string
	Region           string
	TracingEnabled   bool
	MetricsEnabled   bool
	Environment      string
	TraceSampleRatio float64
	TracesExporter   string
	MetricsExporter  string
	PrettyPrint      bool

	// MetricInterval is how often metrics are exported. Zero keeps the SDK
	// default.
	MetricInterval time.Duration
}

// NewManager sets up the tracer and meter providers. Failures are logged and
// leave the affected signal disabled; the manager is always usable.
func NewManager(ctx context.Context, opts Options) *Manager {
	m := &Manager{}

	if !opts.TracingEnabled && !opts.MetricsEnabled {
		return m // no-op manager, nothing to clean up
	}

	res, err := NewResource(ctx, ResourceConfig{
		ProjectID:       opts.ProjectID,
		ServiceName:     opts.ServiceName,
		ServiceRevision: opts.ServiceRevision,
		InstanceID:      opts.InstanceID,
		Region:          opts.Region,
		Environment:     opts.Environment,
	})
	if errors.Is(err, resource.ErrPartialResource) {
		log.Debug().Err(err).Msg("telemetry resource is incomplete")
	} else if err != nil {
		log.Warn().Err(err).Msg("failed to create telemetry resource: tracing and metrics will be disabled")
		return m
	}

	m.initTracerProvider(ctx, res, opts)
	m.initMetricProvider(ctx, res, opts)

	return m
}

func (m *Manager) initTracerProvider(ctx context.Context, res *resource.Resource, opts Options) {
	if !opts.TracingEnabled || opts.TracesExporter == ExporterNone {
		return
	}

	exporter, err := newSpanExporter(ctx, opts)
	if err != nil {
		log.Warn().Err(err).
			Str("exporter", opts.TracesExporter).
			Msg("failed to create trace exporter: tracing will be disabled")
		return
	}

	m.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.TraceSampleRatio))),
	)
}

func newSpanExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.TracesExporter {
	case ExporterConsole:
		return NewStdoutTraceExporter(opts.PrettyPrint)
	case ExporterOTLP, "":
		return NewOTLPTraceExporter(ctx)
	case ExporterGoogleCloudTrace:
		return NewCloudTraceExporter(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, opts.TracesExporter)
	}
}

func (m *Manager) initMetricProvider(ctx context.Context, res *resource.Resource, opts Options) {
	if !opts.MetricsEnabled || opts.MetricsExporter == ExporterNone {
		return
	}

	exporter, err := newMetricExporter(ctx, opts)
	if err != nil {
		log.Warn().Err(err).
			Str("exporter", opts.MetricsExporter).
			Msg("failed to create metric exporter: metrics will be disabled")
		return
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if opts.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(opts.MetricInterval))
	}

	m.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
}

func newMetricExporter(ctx context.Context, opts Options) (sdkmetric.Exporter, error) {
	switch opts.MetricsExporter {
	case ExporterConsole:
		return NewStdoutMetricExporter(opts.PrettyPrint)
	case ExporterOTLP:
		return NewOTLPMetricExporter(ctx)
	case ExporterGoogleCloudMetrics, "":
		return NewCloudMonitoringMetricExporter(opts.ProjectID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, opts.MetricsExporter)
	}
}

func (m *Manager) TracerProvider() trace.TracerProvider {
	if m.tp == nil {
		return nooptrace.NewTracerProvider()
	}
	return m.tp
}

func (m *Manager) MeterProvider() metric.MeterProvider {
	if m.mp == nil {
		return noopmetric.NewMeterProvider()
	}
	return m.mp
}

// Shutdown flushes and stops both providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	if m.tp != nil {
		err = m.tp.Shutdown(ctx)
	}
	if m.mp != nil {
		err = errors.Join(err, m.mp.Shutdown(ctx))
	}
	return err
}

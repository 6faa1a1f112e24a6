package telemetry

import (
	"context"

	mexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/oauth"
)

const (
	cloudTraceEndpoint = "https://telemetry.googleapis.com:443/v1/traces"
	cloudTraceScope    = "https://www.googleapis.com/auth/trace.append"
)

// NewCloudTraceExporter exports spans to Cloud Trace through its OTLP
// endpoint, authenticated with the application default credentials.
func NewCloudTraceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	creds, err := oauth.NewApplicationDefault(ctx, cloudTraceScope)
	if err != nil {
		return nil, err
	}

	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpointURL(cloudTraceEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithPerRPCCredentials(creds)),
	)
}

// NewOTLPTraceExporter is configured through the OTEL_EXPORTER_OTLP_*
// environment variables.
func NewOTLPTraceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	return otlptracegrpc.New(ctx)
}

func NewStdoutTraceExporter(prettyPrint bool) (sdktrace.SpanExporter, error) {
	var opts []stdouttrace.Option
	if prettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	return stdouttrace.New(opts...)
}

func NewCloudMonitoringMetricExporter(projectID string) (sdkmetric.Exporter, error) {
	return mexporter.New(mexporter.WithProjectID(projectID))
}

// NewOTLPMetricExporter is configured through the OTEL_EXPORTER_OTLP_*
// environment variables.
func NewOTLPMetricExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	return otlpmetricgrpc.New(ctx)
}

func NewStdoutMetricExporter(prettyPrint bool) (sdkmetric.Exporter, error) {
	var opts []stdoutmetric.Option
	if prettyPrint {
		opts = append(opts, stdoutmetric.WithPrettyPrint())
	}
	return stdoutmetric.New(opts...)
}

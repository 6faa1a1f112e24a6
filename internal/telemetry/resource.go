package telemetry

import (
	"context"
	"runtime/debug"

	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

const repositoryURL = "https://github.com/joaopenteado/handoff"

// ResourceConfig describes the process emitting telemetry.
type ResourceConfig struct {
	ServiceName     string
	ServiceRevision string
	InstanceID      string
	ProjectID       string
	Region          string
	Environment     string

	// Attributes are added after the detected ones and win over them.
	Attributes []attribute.KeyValue
}

// NewResource merges the detected process, host and GCP attributes with the
// service identity. A resource.ErrPartialResource error still comes with a
// usable resource.
func NewResource(ctx context.Context, cfg ResourceConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceRevision),
		semconv.ServiceInstanceID(cfg.InstanceID),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		semconv.VCSRefHeadRevision(buildRevision()),
		semconv.VCSRepositoryURLFull(repositoryURL),

		// Required to assign a project to the traces in Cloud Trace
		// https://cloud.google.com/trace/docs/migrate-to-otlp-endpoints
		attribute.String("gcp.project_id", cfg.ProjectID),
	}
	if cfg.Region != "" {
		attrs = append(attrs, semconv.CloudRegion(cfg.Region))
	}
	attrs = append(attrs, cfg.Attributes...)

	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithContainer(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithAttributes(attrs...),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
}

// buildRevision is the VCS revision the binary was built from, marked dirty
// when built from a modified tree.
func buildRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	revision, modified := "unknown", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if modified && revision != "unknown" {
		revision += "-dirty"
	}
	return revision
}

package config

import (
	"context"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
)

const (
	EnvironmentLocal       = "local"
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

type Config struct {
	// Project ID of the project the Cloud Run service belongs to.
	ProjectID string `env:"GOOGLE_CLOUD_PROJECT, required"`

	// Region of this Cloud Run service.
	Region string `env:"GOOGLE_CLOUD_REGION, required"`

	// Unique identifier of the instance.
	InstanceID string `env:"CLOUD_RUN_INSTANCE_ID, required"`

	// The port your HTTP server should listen on. By default, the service will
	// listen on port 8080.
	Port uint16 `env:"PORT, default=8080"`

	// The name of the Cloud Run service being run.
	ServiceName string `env:"K_SERVICE, default=handoffd"`

	// The name of the Cloud Run revision being run.
	ServiceRevision string `env:"K_REVISION, required"`

	// Environment of the Cloud Run service.
	Environment string `env:"ENVIRONMENT, default=production"`

	// ShutdownTimeout represents how long the service has to gracefully
	// terminate after receiving a SIGTERM or SIGINT signal.
	// Cloud Run will forcefully terminate the application after 10 seconds.
	// https://cloud.google.com/run/docs/reference/container-contract#instance-shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=8s"`

	// RequestTimeout bounds how long a single request may take.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT, default=10s"`

	// LogLevel controls the verbosity of the logs.
	LogLevel zerolog.Level `env:"LOG_LEVEL, default=info"`

	// LogPretty writes human readable logs instead of JSON.
	LogPretty bool `env:"LOG_PRETTY, default=false"`

	// ExtensionPath is the directory whose entries select the extensions to
	// enable. Without it the agent runs inert.
	ExtensionPath string `env:"EXTENSION_PATH"`

	// ExtraVerbose logs every interception decision and every event. It is
	// expensive and meant for debugging only.
	ExtraVerbose bool `env:"EXTRA_VERBOSE, default=false"`

	// WorkerPoolSize is the number of workers serving fan-out jobs.
	WorkerPoolSize int `env:"WORKER_POOL_SIZE, default=4"`

	// TracingEnabled enables tracing of the service.
	TracingEnabled bool `env:"ENABLE_TRACING, default=true"`

	// MetricsEnabled enables metrics of the service.
	MetricsEnabled bool `env:"ENABLE_METRICS, default=true"`

	// ProfilingEnabled enables profiling of the service.
	ProfilingEnabled bool `env:"ENABLE_PROFILING, default=false"`

	// TracingExporter is one of none, console, otlp or googlecloudtrace.
	TracingExporter string `env:"OTEL_TRACES_EXPORTER, default=otlp"`

	// MetricsExporter is one of none, console, otlp or googlecloudmetrics.
	MetricsExporter string `env:"OTEL_METRICS_EXPORTER, default=googlecloudmetrics"`

	// MetricInterval is how often metrics are exported.
	MetricInterval time.Duration `env:"OTEL_METRIC_EXPORT_INTERVAL_DURATION, default=60s"`

	// TraceSampleRatio is the ratio of traces to sample.
	TraceSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG, default=0.1"`

	// ExportTopic is the Cloud Pub/Sub topic events are exported to when the
	// pubsub extension is enabled.
	// Can be in the format of "projects/{project_id}/topics/{topic_id}" or
	// "{topic_id}".
	ExportTopic string `env:"EXPORT_TOPIC, default=handoff-events"`

	// RecordDatabase is the Cloud Firestore database transaction records are
	// written to when the firestore extension is enabled.
	// Can be in the format of "projects/{project_id}/databases/{database_id}"
	// or "{database_id}".
	RecordDatabase string `env:"RECORD_DATABASE, default=(default)"`

	// RecordCollection is the collection transaction records are written to.
	RecordCollection string `env:"RECORD_COLLECTION, default=_handoff_transactions"`

	// DownstreamURL, when set, is called by every fan-out request through the
	// instrumented client.
	DownstreamURL string `env:"DOWNSTREAM_URL"`
}

func environmentDefaults(env string) envconfig.Lookuper {
	switch env {
	case EnvironmentLocal:
		return envconfig.MapLookuper(map[string]string{
			"GOOGLE_CLOUD_PROJECT":    "handoff",
			"GOOGLE_CLOUD_REGION":     "us-central1",
			"CLOUD_RUN_INSTANCE_ID":   "local",
			"K_REVISION":              "local",
			"LOG_LEVEL":               "debug",
			"LOG_PRETTY":              "true",
			"OTEL_TRACES_EXPORTER":    "console",
			"OTEL_METRICS_EXPORTER":   "console",
			"OTEL_TRACES_SAMPLER_ARG": "1.0",
			"ENABLE_TRACING":          "false",
			"ENABLE_METRICS":          "false",
			"ENABLE_PROFILING":        "false",
		})
	case EnvironmentDevelopment:
		return envconfig.MapLookuper(map[string]string{
			"ENABLE_PROFILING":        "true",
			"LOG_LEVEL":               "debug",
			"OTEL_TRACES_SAMPLER_ARG": "1.0",
		})
	case EnvironmentStaging:
		return envconfig.MapLookuper(map[string]string{
			"ENABLE_PROFILING":        "true",
			"LOG_LEVEL":               "debug",
			"OTEL_TRACES_SAMPLER_ARG": "0.5",
		})
	default:
		// production defaults are set in the struct tags
		return envconfig.MapLookuper(nil)
	}
}

func metadataLookuper(ctx context.Context) envconfig.Lookuper {
	return envconfig.LookuperFunc(func(key string) (string, bool) {
		if !metadata.OnGCEWithContext(ctx) {
			return "", false
		}

		switch key {
		case "GOOGLE_CLOUD_PROJECT":
			projectID, err := metadata.ProjectIDWithContext(ctx)
			if err != nil {
				return "", false
			}
			return projectID, true
		case "GOOGLE_CLOUD_REGION":
			region, err := metadata.GetWithContext(ctx, "instance/region")
			if err != nil {
				return "", false
			}
			return region[strings.LastIndexByte(region, '/')+1:], true
		case "CLOUD_RUN_INSTANCE_ID":
			instanceID, err := metadata.InstanceIDWithContext(ctx)
			if err != nil {
				return "", false
			}
			return instanceID, true
		}
		return "", false
	})
}

func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	opts := &envconfig.Config{
		Target: cfg,
		Lookuper: envconfig.MultiLookuper(
			envconfig.OsLookuper(),
			environmentDefaults(os.Getenv("ENVIRONMENT")),
			metadataLookuper(ctx),
		),
	}

	if err := envconfig.ProcessWith(ctx, opts); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Source identifies this service instance on exported records.
func (c *Config) Source() string {
	return c.ServiceName + "/" + c.ServiceRevision
}

func (c *Config) RecordDatabaseID() string {
	return lastSegment(c.RecordDatabase)
}

func (c *Config) RecordProjectID() string {
	return c.projectOf(c.RecordDatabase)
}

func (c *Config) ExportTopicID() string {
	return lastSegment(c.ExportTopic)
}

func (c *Config) ExportTopicProjectID() string {
	return c.projectOf(c.ExportTopic)
}

// lastSegment returns the resource ID of a full resource name, or name
// itself when it is not one.
func lastSegment(name string) string {
	if strings.HasPrefix(name, "projects/") {
		return name[strings.LastIndexByte(name, '/')+1:]
	}
	return name
}

func (c *Config) projectOf(name string) string {
	if strings.HasPrefix(name, "projects/") {
		pj := name[len("projects/"):]
		if idx := strings.IndexByte(pj, '/'); idx != -1 {
			return pj[:idx]
		}
		return ""
	}
	return c.ProjectID
}

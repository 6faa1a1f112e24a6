// Package service wires the handoff agent, its extensions and the HTTP
// server into one process and owns their lifecycle.
package service

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"time"

	"cloud.google.com/go/profiler"
	"github.com/joaopenteado/handoff/internal/agent"
	"github.com/joaopenteado/handoff/internal/concurrent"
	"github.com/joaopenteado/handoff/internal/config"
	"github.com/joaopenteado/handoff/internal/handler"
	"github.com/joaopenteado/handoff/internal/router"
	"github.com/joaopenteado/handoff/internal/telemetry"
	"github.com/joaopenteado/handoff/internal/web"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type Service interface {
	// Start starts the service and returns immediately if the service fails to
	// start. Blocks the caller until the service is gracefully stopped with
	// Stop. A non-sucessful start does not need to be stopped.
	Start(ctx context.Context) error

	// Stop stops the service, blocking until the context is cancelled or the
	// service is stopped. It returns an error if the service fails to stop
	// gracefully or the context is cancelled.
	Stop(ctx context.Context) error
}

type service struct {
	cfg           *config.Config
	agent         *agent.Agent
	telemetry     *telemetry.Manager
	srv           *http.Server
	shutdownFuncs []func(context.Context) error
}

// New creates a new service instance. The context might be retained by other
// components and should not be cancelled unless performing a forceful shutdown.
// An unsucessful initialization does not need to be stopped.
func New(ctx context.Context, cfg *config.Config) (Service, error) {
	return newService(ctx, cfg, nil)
}

func newService(ctx context.Context, cfg *config.Config, disc *agent.DirDiscoverer) (svc *service, err error) {
	// Stop will not be called in the event of an initialization error, since
	// the service is not started. Ensure any resources created are cleaned up.
	svc = &service{cfg: cfg}
	defer func(svc *service) {
		if err != nil {
			err = errors.Join(err, svc.Stop(ctx))
		}
	}(svc)

	// Setup Cloud Profiler
	if cfg.ProfilingEnabled {
		profCfg := profiler.Config{
			Service:        cfg.ServiceName,
			ServiceVersion: cfg.ServiceRevision,
			ProjectID:      cfg.ProjectID,
			Instance:       cfg.InstanceID,
			Zone:           cfg.Region,
		}
		if err := profiler.Start(profCfg); err != nil {
			log.Err(err).Msg("failed to start profiler")
		}
	}

	// Setup OpenTelemetry
	svc.telemetry = telemetry.NewManager(ctx, telemetry.Options{
		ProjectID:        cfg.ProjectID,
		ServiceName:      cfg.ServiceName,
		ServiceRevision:  cfg.ServiceRevision,
		InstanceID:       cfg.InstanceID,
		Region:           cfg.Region,
		TracingEnabled:   cfg.TracingEnabled,
		MetricsEnabled:   cfg.MetricsEnabled,
		Environment:      cfg.Environment,
		TraceSampleRatio: cfg.TraceSampleRatio,
		TracesExporter:   cfg.TracingExporter,
		MetricsExporter:  cfg.MetricsExporter,
		PrettyPrint:      cfg.LogPretty,
		MetricInterval:   cfg.MetricInterval,
	})
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(svc.telemetry.TracerProvider())
	otel.SetMeterProvider(svc.telemetry.MeterProvider())
	svc.shutdownFuncs = append(svc.shutdownFuncs, svc.telemetry.Shutdown)

	// Setup the agent
	if disc == nil {
		disc = svc.extensions(ctx)
	}
	a, err := agent.New(agent.Config{
		ExtensionPath: cfg.ExtensionPath,
		ExtraVerbose:  cfg.ExtraVerbose,
	}, agent.WithDiscoverer(disc))
	if errors.Is(err, agent.ErrNoExtensionPath) {
		log.Warn().Msg("no extension path configured: only context propagation is enabled")
	} else if err != nil {
		return nil, err
	}
	svc.agent = a

	if _, err := a.Install(nil); err != nil {
		// Concurrency support is installed regardless; keep serving.
		log.Warn().Err(err).Msg("agent installed without extensions")
	}

	// Setup the worker pool serving fan-out jobs
	reg := a.Registry()
	pool := concurrent.NewPool(a.Table(), handler.WorkerSite, cfg.WorkerPoolSize,
		concurrent.WithWorkerExit(reg.Destroy),
		concurrent.WithQueueSize(cfg.WorkerPoolSize),
	)
	svc.shutdownFuncs = append(svc.shutdownFuncs, pool.Shutdown)

	client := &http.Client{
		Transport: web.InstrumentTransport(a.Table(), handler.DownstreamSite, nil),
		Timeout:   cfg.RequestTimeout,
	}

	// Setup router
	r := router.New(router.Config{
		FanoutHandler:  handler.Fanout(pool, reg, client, cfg.DownstreamURL),
		Registry:       reg,
		Table:          a.Table(),
		ServiceName:    cfg.ServiceName,
		TracingEnabled: cfg.TracingEnabled,
		Timeout:        cfg.RequestTimeout,
	})

	// Setup HTTP server
	svc.srv = &http.Server{
		Addr:              ":" + strconv.FormatUint(uint64(cfg.Port), 10),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	svc.shutdownFuncs = append(svc.shutdownFuncs, svc.srv.Shutdown)

	return svc, nil
}

func (s *service) Start(ctx context.Context) error {
	log.Info().Str("addr", s.srv.Addr).Msg("starting service")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *service) Stop(ctx context.Context) (retErr error) {
	for _, fn := range slices.Backward(s.shutdownFuncs) {
		fnName := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
		if err := fn(ctx); err != nil {
			log.Err(err).
				Str("function", fnName).
				Msg("failed to execute shutdown function")
			retErr = errors.Join(retErr, err)
			continue
		}

		log.Debug().
			Str("function", fnName).
			Msg("shutdown function executed successfully")
	}
	return retErr
}

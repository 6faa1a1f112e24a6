package service

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/joaopenteado/handoff/internal/agent"
	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/interception"
	"github.com/joaopenteado/handoff/internal/listener"
	"github.com/joaopenteado/handoff/internal/web"
)

// Extension names, matched against the entries of the extension path.
const (
	ExtensionWeb       = "web"
	ExtensionTracing   = "tracing"
	ExtensionMetrics   = "metrics"
	ExtensionPubSub    = "pubsub"
	ExtensionFirestore = "firestore"
)

const meterName = interception.ModulePath + "internal/listener"

// extensions registers every extension compiled into the service. Clients
// are only created for the extensions actually enabled.
func (s *service) extensions(ctx context.Context) *agent.DirDiscoverer {
	return agent.NewDirDiscoverer().
		Register(ExtensionWeb, s.webExtension).
		Register(ExtensionTracing, s.tracingExtension).
		Register(ExtensionMetrics, s.metricsExtension).
		Register(ExtensionPubSub, func(rt agent.Runtime) (agent.Extension, error) {
			return s.pubsubExtension(ctx, rt)
		}).
		Register(ExtensionFirestore, func(rt agent.Runtime) (agent.Extension, error) {
			return s.firestoreExtension(ctx, rt)
		})
}

func (s *service) webExtension(rt agent.Runtime) (agent.Extension, error) {
	return agent.Extension{
		Installables: []interception.Installable{
			web.NewServerInterceptor(rt.Registry, rt.Bus, nil),
			web.NewClientInterceptor(rt.Registry, rt.Bus, nil),
		},
	}, nil
}

func (s *service) tracingExtension(rt agent.Runtime) (agent.Extension, error) {
	return agent.Extension{
		Listeners: []event.Listener{listener.NewTracing(s.telemetry.TracerProvider(), rt.Registry)},
	}, nil
}

func (s *service) metricsExtension(rt agent.Runtime) (agent.Extension, error) {
	meter := s.telemetry.MeterProvider().Meter(meterName)
	return agent.Extension{
		Listeners: []event.Listener{listener.NewMetrics(meter)},
	}, nil
}

func (s *service) pubsubExtension(ctx context.Context, rt agent.Runtime) (agent.Extension, error) {
	projectID := s.cfg.ExportTopicProjectID()
	if projectID == "" {
		return agent.Extension{}, fmt.Errorf("invalid export topic %q", s.cfg.ExportTopic)
	}

	client, err := pubsub.NewClientWithConfig(ctx, projectID, &pubsub.ClientConfig{
		EnableOpenTelemetryTracing: s.cfg.TracingEnabled,
	})
	if err != nil {
		return agent.Extension{}, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	s.shutdownFuncs = append(s.shutdownFuncs, func(context.Context) error { return client.Close() })

	topic := client.Topic(s.cfg.ExportTopicID())
	s.shutdownFuncs = append(s.shutdownFuncs, func(context.Context) error {
		topic.Stop()
		return nil
	})

	exporter := listener.NewPubSub(listener.NewPubSubTopicAdapter(topic), rt.Registry)
	s.shutdownFuncs = append(s.shutdownFuncs, exporter.Flush)

	return agent.Extension{Listeners: []event.Listener{exporter}}, nil
}

func (s *service) firestoreExtension(ctx context.Context, rt agent.Runtime) (agent.Extension, error) {
	projectID := s.cfg.RecordProjectID()
	if projectID == "" {
		return agent.Extension{}, fmt.Errorf("invalid record database %q", s.cfg.RecordDatabase)
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, s.cfg.RecordDatabaseID())
	if err != nil {
		return agent.Extension{}, fmt.Errorf("failed to create firestore client: %w", err)
	}
	s.shutdownFuncs = append(s.shutdownFuncs, func(context.Context) error { return client.Close() })

	recorder := listener.NewFirestore(
		listener.NewFirestoreClientAdapter(client),
		rt.Registry,
		s.cfg.RecordCollection,
		s.cfg.Source(),
	)
	s.shutdownFuncs = append(s.shutdownFuncs, recorder.Flush)

	return agent.Extension{Listeners: []event.Listener{recorder}}, nil
}

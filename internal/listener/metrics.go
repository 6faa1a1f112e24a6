package listener

import (
	"context"
	"strconv"
	"time"

	"github.com/joaopenteado/handoff/internal/event"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type handoffMetrics struct {
	HandoffCount      metric.Int64Counter
	HandoffsInFlight  metric.Int64UpDownCounter
	RequestCount      metric.Int64Counter
	RequestLatency    metric.Float64Histogram
	DownstreamCount   metric.Int64Counter
	DownstreamLatency metric.Float64Histogram
}

func newHandoffMetrics(meter metric.Meter) handoffMetrics {
	HandoffCount, err := meter.Int64Counter("handoff.thread.handoff_count",
		metric.WithDescription("The total number of times a transaction was handed off to another goroutine."),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn().Err(err).
			Str("metric", "handoff.thread.handoff_count").
			Msg("failed to create metric")
		HandoffCount = noop.Int64Counter{}
	}

	HandoffsInFlight, err := meter.Int64UpDownCounter("handoff.thread.in_flight",
		metric.WithDescription("The number of goroutines currently running work on behalf of a transaction they did not create."),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn().Err(err).
			Str("metric", "handoff.thread.in_flight").
			Msg("failed to create metric")
		HandoffsInFlight = noop.Int64UpDownCounter{}
	}

	RequestCount, err := meter.Int64Counter("handoff.http.request_count",
		metric.WithDescription("The total number of inbound requests served within a transaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn().Err(err).
			Str("metric", "handoff.http.request_count").
			Msg("failed to create metric")
		RequestCount = noop.Int64Counter{}
	}

	RequestLatency, err := meter.Float64Histogram("handoff.http.latency",
		metric.WithDescription("The time taken to serve an inbound request, from the moment its transaction was created to the moment it was destroyed."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		log.Warn().Err(err).
			Str("metric", "handoff.http.latency").
			Msg("failed to create metric")
		RequestLatency = noop.Float64Histogram{}
	}

	DownstreamCount, err := meter.Int64Counter("handoff.downstream.request_count",
		metric.WithDescription("The total number of outbound calls made on behalf of a transaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn().Err(err).
			Str("metric", "handoff.downstream.request_count").
			Msg("failed to create metric")
		DownstreamCount = noop.Int64Counter{}
	}

	DownstreamLatency, err := meter.Float64Histogram("handoff.downstream.latency",
		metric.WithDescription("The time taken by outbound calls made on behalf of a transaction."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		log.Warn().Err(err).
			Str("metric", "handoff.downstream.latency").
			Msg("failed to create metric")
		DownstreamLatency = noop.Float64Histogram{}
	}

	return handoffMetrics{
		HandoffCount:      HandoffCount,
		HandoffsInFlight:  HandoffsInFlight,
		RequestCount:      RequestCount,
		RequestLatency:    RequestLatency,
		DownstreamCount:   DownstreamCount,
		DownstreamLatency: DownstreamLatency,
	}
}

// Metrics records OpenTelemetry instruments from events.
type Metrics struct {
	metrics handoffMetrics
}

func NewMetrics(meter metric.Meter) *Metrics {
	return &Metrics{metrics: newHandoffMetrics(meter)}
}

func (m *Metrics) HandlesKind(k event.Kind) bool {
	switch k {
	case event.KindThreadEnter, event.KindThreadExit,
		event.KindHTTPResponse, event.KindDownstreamResponse:
		return true
	default:
		return false
	}
}

func (m *Metrics) Listen(e event.Event) {
	ctx := context.Background()
	origin := attribute.String("origin", e.Origin())

	switch e := e.(type) {
	case *event.ThreadEvent:
		if e.Kind() == event.KindThreadEnter {
			m.metrics.HandoffCount.Add(ctx, 1, metric.WithAttributes(origin))
			m.metrics.HandoffsInFlight.Add(ctx, 1, metric.WithAttributes(origin))
		} else {
			m.metrics.HandoffsInFlight.Add(ctx, -1, metric.WithAttributes(origin))
		}

	case *event.HTTPResponseEvent:
		attrs := metric.WithAttributes(
			origin,
			attribute.String("status_code", strconv.Itoa(e.StatusCode)),
			attribute.Bool("panicked", e.Panicked),
		)
		m.metrics.RequestCount.Add(ctx, 1, attrs)
		m.metrics.RequestLatency.Record(ctx, milliseconds(e.Duration), attrs)

	case *event.DownstreamResponseEvent:
		result := "success"
		if e.Err != nil || e.StatusCode >= 500 {
			result = "error"
		}
		service := ""
		if e.Request != nil {
			service = e.Request.Service
		}
		attrs := metric.WithAttributes(
			origin,
			attribute.String("result", result),
			attribute.String("service", service),
		)
		m.metrics.DownstreamCount.Add(ctx, 1, attrs)
		m.metrics.DownstreamLatency.Record(ctx, milliseconds(e.Duration), attrs)
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

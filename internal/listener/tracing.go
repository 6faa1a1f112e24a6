package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/txctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/joaopenteado/handoff/internal/listener"

// Tracing turns transactions into spans: one server span per inbound
// request, a span event each time work is handed to another goroutine, and a
// client span per downstream call.
type Tracing struct {
	tracer   trace.Tracer
	registry *txctx.Registry

	mu         sync.Mutex
	requests   map[*event.HTTPRequestEvent]trace.Span
	active     map[string]*event.HTTPRequestEvent // by request
	downstream map[*event.DownstreamRequestEvent]trace.Span
}

func NewTracing(tp trace.TracerProvider, registry *txctx.Registry) *Tracing {
	return &Tracing{
		tracer:     tp.Tracer(tracerName),
		registry:   registry,
		requests:   make(map[*event.HTTPRequestEvent]trace.Span),
		active:     make(map[string]*event.HTTPRequestEvent),
		downstream: make(map[*event.DownstreamRequestEvent]trace.Span),
	}
}

func (t *Tracing) HandlesKind(k event.Kind) bool {
	return k != event.KindUnknown
}

func (t *Tracing) Listen(e event.Event) {
	switch e := e.(type) {
	case *event.HTTPRequestEvent:
		t.startRequest(e)
	case *event.HTTPResponseEvent:
		t.endRequest(e)
	case *event.ThreadEvent:
		t.annotate(e)
	case *event.DownstreamRequestEvent:
		t.startDownstream(e)
	case *event.DownstreamResponseEvent:
		t.endDownstream(e)
	}
}

func (t *Tracing) startRequest(e *event.HTTPRequestEvent) {
	ctx := context.Background()
	if e.Request != nil {
		ctx = e.Request.Context()
	}

	_, span := t.tracer.Start(ctx, fmt.Sprintf("%s %s", e.Method, pathOf(e)),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(e.Start),
		trace.WithAttributes(
			attribute.String("handoff.transaction_id", e.TransactionID),
			attribute.String("handoff.request_id", e.RequestID),
			attribute.String("http.request.method", e.Method),
			attribute.String("url.full", e.URL),
			attribute.String("client.address", e.SrcIP),
			attribute.Int("client.port", e.SrcPort),
			attribute.String("user_agent.original", e.UserAgent),
		),
	)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[e] = span
	t.active[requestKey(e.RequestID, e.TransactionID)] = e
}

func (t *Tracing) endRequest(e *event.HTTPResponseEvent) {
	if e.Request == nil {
		return
	}

	t.mu.Lock()
	span, ok := t.requests[e.Request]
	delete(t.requests, e.Request)
	if key := requestKey(e.Request.RequestID, e.Request.TransactionID); t.active[key] == e.Request {
		delete(t.active, key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int("http.response.status_code", e.StatusCode))
	switch {
	case e.Panicked:
		span.SetStatus(codes.Error, "handler panicked")
	case e.StatusCode >= 500:
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", e.StatusCode))
	}
	span.End()
}

// annotate runs on the goroutine that entered or left the transaction, so the
// registry still resolves the request it works for.
func (t *Tracing) annotate(e *event.ThreadEvent) {
	span := t.span(currentRequest(t.registry))
	if span == nil {
		return
	}
	span.AddEvent(e.Kind().String(), trace.WithAttributes(
		attribute.Int64("handoff.parent_thread_id", e.ParentThreadID),
		attribute.Int64("handoff.child_thread_id", e.ChildThreadID),
		attribute.String("handoff.origin", e.Origin()),
	))
}

func (t *Tracing) startDownstream(e *event.DownstreamRequestEvent) {
	ctx := context.Background()
	if parent := t.span(requestKey(e.RequestID, e.TransactionID)); parent != nil {
		ctx = trace.ContextWithSpan(ctx, parent)
	} else if e.Request != nil {
		ctx = e.Request.Context()
	}

	_, span := t.tracer.Start(ctx, e.Operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(e.Start),
		trace.WithAttributes(
			attribute.String("handoff.transaction_id", e.TransactionID),
			attribute.String("server.address", e.Service),
		),
	)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.downstream[e] = span
}

func (t *Tracing) endDownstream(e *event.DownstreamResponseEvent) {
	if e.Request == nil {
		return
	}

	t.mu.Lock()
	span, ok := t.downstream[e.Request]
	delete(t.downstream, e.Request)
	t.mu.Unlock()
	if !ok {
		return
	}

	if e.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", e.StatusCode))
	}
	if e.Err != nil {
		span.RecordError(e.Err)
		span.SetStatus(codes.Error, e.Err.Error())
	} else if e.StatusCode >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", e.StatusCode))
	}
	span.End()
}

func (t *Tracing) span(key string) trace.Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.active[key]
	if !ok {
		return nil
	}
	return t.requests[req]
}

func pathOf(e *event.HTTPRequestEvent) string {
	if e.Request != nil && e.Request.URL != nil {
		return e.Request.URL.Path
	}
	return e.URL
}

// requestKey identifies the request an event belongs to. Events published
// without a request id fall back to their transaction id.
func requestKey(requestID, transactionID string) string {
	if requestID != "" {
		return requestID
	}
	return "tx:" + transactionID
}

func currentRequest(reg *txctx.Registry) string {
	return requestKey(reg.RequestID(), reg.TransactionID())
}

package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransaction(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))
	tracer := tp.Tracer("test")

	t.Run("within a transaction", func(t *testing.T) {
		var buf bytes.Buffer
		reg := txctx.NewRegistry()
		reg.CreateWithID("tx-1")
		t.Cleanup(reg.Destroy)
		if err := reg.Tag("tenant", "acme"); err != nil {
			t.Fatal(err)
		}

		ctx, span := tracer.Start(zerolog.New(&buf).WithContext(context.Background()), "request")
		req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)

		handler := Transaction(reg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			zerolog.Ctx(r.Context()).Info().Msg("handled")
		}))
		handler.ServeHTTP(httptest.NewRecorder(), req)
		span.End()

		var line struct {
			TransactionID string            `json:"transaction_id"`
			Tags          map[string]string `json:"tags"`
		}
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("unmarshal log: %v (%s)", err, buf.String())
		}
		if line.TransactionID != "tx-1" || line.Tags["tenant"] != "acme" {
			t.Errorf("unexpected log line %s", buf.String())
		}

		spans := sr.Ended()
		if len(spans) == 0 {
			t.Fatal("no span recorded")
		}
		got := map[attribute.Key]string{}
		for _, kv := range spans[len(spans)-1].Attributes() {
			got[kv.Key] = kv.Value.AsString()
		}
		if got["handoff.transaction_id"] != "tx-1" || got["handoff.tag.tenant"] != "acme" {
			t.Errorf("unexpected span attributes %v", got)
		}
	})

	t.Run("outside a transaction", func(t *testing.T) {
		var buf bytes.Buffer
		reg := txctx.NewRegistry()
		req := httptest.NewRequest(http.MethodGet, "/", nil).
			WithContext(zerolog.New(&buf).WithContext(context.Background()))

		handler := Transaction(reg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			zerolog.Ctx(r.Context()).Info().Msg("handled")
		}))
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if bytes.Contains(buf.Bytes(), []byte("transaction_id")) {
			t.Errorf("logger annotated outside a transaction: %s", buf.String())
		}
	})
}

package middleware

import (
	"fmt"
	"net/http"

	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Transaction annotates the request logger and the active span with the
// transaction the request runs in and its tags. It must run inside the
// server interceptor; requests outside a transaction pass through untouched.
func Transaction(registry *txctx.Registry) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !registry.IsWithinCreatedContext() {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			txid := registry.TransactionID()
			tags := registry.Tags()

			tagDict := zerolog.Dict()
			traceAttrs := make([]attribute.KeyValue, 0, len(tags)+1)
			traceAttrs = append(traceAttrs, attribute.String("handoff.transaction_id", txid))
			for key, item := range tags {
				value := fmt.Sprint(item.Get())
				tagDict.Str(key, value)
				traceAttrs = append(traceAttrs, attribute.String("handoff.tag."+key, value))
			}

			logger := zerolog.Ctx(ctx).With().
				Str("transaction_id", txid).
				Dict("tags", tagDict).
				Logger()

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(traceAttrs...)
			}

			next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
		})
	}
}

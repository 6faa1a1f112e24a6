// Package listener holds the event observers shipped with handoff: logging,
// tracing, metrics, and exporters to Pub/Sub and Firestore.
package listener

import (
	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog"
)

// Log writes every event to a logger at debug level.
type Log struct {
	logger   zerolog.Logger
	registry *txctx.Registry
}

func NewLog(logger zerolog.Logger, registry *txctx.Registry) *Log {
	return &Log{logger: logger, registry: registry}
}

func (l *Log) HandlesKind(event.Kind) bool { return true }

func (l *Log) Listen(e event.Event) {
	ev := l.logger.Debug().
		Stringer("kind", e.Kind()).
		Str("origin", e.Origin())

	switch e := e.(type) {
	case *event.ThreadEvent:
		ev = ev.Int64("parent_thread_id", e.ParentThreadID).
			Int64("child_thread_id", e.ChildThreadID).
			Str("transaction_id", l.registry.TransactionID())
	case *event.HTTPRequestEvent:
		ev = ev.Str("transaction_id", e.TransactionID).
			Str("method", e.Method).
			Str("url", e.URL).
			Str("src_ip", e.SrcIP).
			Int("src_port", e.SrcPort)
	case *event.HTTPResponseEvent:
		ev = ev.Str("transaction_id", e.TransactionID()).
			Int("status", e.StatusCode).
			Dur("duration", e.Duration).
			Bool("panicked", e.Panicked)
	case *event.DownstreamRequestEvent:
		ev = ev.Str("transaction_id", e.TransactionID).
			Str("service", e.Service).
			Str("operation", e.Operation)
	case *event.DownstreamResponseEvent:
		ev = ev.Str("transaction_id", e.TransactionID()).
			Int("status", e.StatusCode).
			Dur("duration", e.Duration).
			AnErr("downstream_error", e.Err)
	}

	ev.Msg("event published")
}

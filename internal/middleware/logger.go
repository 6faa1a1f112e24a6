package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Logger returns a middleware that adds the zerolog logger to the request
// context. Unlike hlog.NewHandler, the request context is attached to the
// logger, so log lines carry the trace of the request. Run it after any
// middleware injecting tracing information into the context.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := logger.With().Ctx(ctx).Logger()
			r = r.WithContext(logger.WithContext(ctx))
			next.ServeHTTP(w, r)
		})
	}
}

// AccessLog logs one line per request with the request logger. Server errors
// are logged at error level, everything else at debug.
func AccessLog() func(next http.Handler) http.Handler {
	return hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		level := zerolog.DebugLevel
		if status >= http.StatusInternalServerError {
			level = zerolog.ErrorLevel
		}
		hlog.FromRequest(r).WithLevel(level).
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request served")
	})
}

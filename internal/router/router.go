package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joaopenteado/handoff/internal/handler"
	"github.com/joaopenteado/handoff/internal/interception"
	"github.com/joaopenteado/handoff/internal/middleware"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/joaopenteado/handoff/internal/web"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog/log"
)

type Config struct {
	FanoutHandler  http.Handler
	Registry       *txctx.Registry
	Table          *interception.Table
	ServiceName    string
	TracingEnabled bool
	Timeout        time.Duration
}

func New(cfg Config) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	r := chi.NewRouter()

	r.Use(
		chimiddleware.Recoverer,
		chimiddleware.Timeout(cfg.Timeout),
		chimiddleware.Heartbeat("/healthz"), // Liveness probe
	)

	if cfg.TracingEnabled {
		r.Use(otelchi.Middleware(cfg.ServiceName, otelchi.WithChiRoutes(r)))
	}

	r.Use(
		middleware.Logger(log.Logger),
		middleware.AccessLog(),
	)

	r.Route("/v1", func(r chi.Router) {
		// Everything below runs in a transaction when the web extension is
		// enabled.
		r.Use(
			func(next http.Handler) http.Handler {
				return web.Instrument(cfg.Table, handler.FanoutSite, next)
			},
			middleware.Transaction(cfg.Registry),
		)

		r.Method(http.MethodPost, "/fanout", cfg.FanoutHandler)
	})

	return r
}

// Package web instruments net/http servers and clients: inbound requests get
// their own transaction and request/response events, outbound requests carry
// the transaction's tags and emit downstream events.
package web

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joaopenteado/handoff/internal/concurrent"
	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/interception"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog/log"
)

const (
	// ServerOrigin is the origin of the events published for inbound requests.
	ServerOrigin = "httpServer"

	// TransactionHeader carries the transaction id between services.
	TransactionHeader = "X-Handoff-Transaction-Id"

	// TagHeaderPrefix prefixes the headers carrying tag metadata.
	TagHeaderPrefix = "X-Handoff-Tag-"

	// serverNamespace marks transactions started by the server interceptor,
	// so nested handlers do not start another one.
	serverNamespace = "HTTP_SERVER"
)

// HandlerDecorator is the decorator type consumed by Instrument.
type HandlerDecorator func(http.Handler) http.Handler

// ServerInterceptor is the Installable instrumenting http.Handler sites.
type ServerInterceptor struct {
	registry *txctx.Registry
	bus      *event.Bus
	sites    interception.Matcher
}

// NewServerInterceptor instruments handler sites selected by sites, or every
// site when sites is nil.
func NewServerInterceptor(registry *txctx.Registry, bus *event.Bus, sites interception.Matcher) *ServerInterceptor {
	if sites == nil {
		sites = interception.Any()
	}
	return &ServerInterceptor{registry: registry, bus: bus, sites: sites}
}

func (s *ServerInterceptor) Name() string { return "web-server" }

func (s *ServerInterceptor) Install(b *interception.RuleBuilder) *interception.RuleBuilder {
	return b.Rule("http-server", s.sites, HandlerDecorator(s.Middleware))
}

// Middleware wraps next so each request runs in its own transaction, framed
// by request and response events. Panics from next are re-raised once the
// transaction has been destroyed.
func (s *ServerInterceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.registry.IsWithinCreatedContext() {
			if _, ok := s.registry.GetMetadata(serverNamespace); ok {
				// an outer handler already owns this request
				next.ServeHTTP(w, r)
				return
			}
		}

		s.begin(r)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		var reqEvent *event.HTTPRequestEvent
		safely("failed to publish request event", func() {
			reqEvent = newRequestEvent(s.registry.TransactionID(), r)
			reqEvent.RequestID = s.registry.RequestID()
			s.bus.Publish(reqEvent)
		})

		res := concurrent.Guard(nil, nil, func() (struct{}, error) {
			next.ServeHTTP(ww, r)
			return struct{}{}, nil
		})

		safely("failed to publish response event", func() {
			respEvent := event.NewHTTPResponseEvent(ServerOrigin, reqEvent)
			respEvent.StatusCode = ww.Status()
			if respEvent.StatusCode == 0 {
				respEvent.StatusCode = http.StatusOK
			}
			if res.Panicked() {
				respEvent.StatusCode = http.StatusInternalServerError
				respEvent.Panicked = true
			}
			respEvent.Headers = ww.Header().Clone()
			s.bus.Publish(respEvent)
		})

		s.registry.Destroy()
		_, _ = res.Unwrap()
	})
}

// begin starts the request's transaction, continuing the caller's
// transaction id and tags when present.
func (s *ServerInterceptor) begin(r *http.Request) {
	if id := r.Header.Get(TransactionHeader); id != "" && id != txctx.UninitializedTransactionID {
		s.registry.CreateWithID(id)
	} else {
		s.registry.Create()
	}
	_ = s.registry.PutLocal(serverNamespace, true)
	_ = s.registry.Put(txctx.RequestIDKey, txctx.NewTransactionID())

	for name, values := range r.Header {
		if len(values) == 0 || !strings.HasPrefix(name, TagHeaderPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, TagHeaderPrefix))
		if err := s.registry.Tag(key, values[0]); err != nil {
			log.Debug().Err(err).Str("header", name).Msg("ignoring tag header")
		}
	}
}

func newRequestEvent(transactionID string, r *http.Request) *event.HTTPRequestEvent {
	e := event.NewHTTPRequestEvent(ServerOrigin, transactionID)
	e.SrcIP, e.SrcPort = splitHostPort(r.RemoteAddr)
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		e.DstIP, e.DstPort = splitHostPort(addr.String())
	}

	e.Method = r.Method
	e.URL = requestURL(r)
	e.Date = r.Header.Get("Date")
	e.Host = r.Host
	e.HTTPOrigin = r.Header.Get("Origin")
	e.Referer = r.Referer()
	e.UserAgent = r.UserAgent()
	e.Headers = r.Header.Clone()
	e.Request = r
	return e
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func splitHostPort(addr string) (string, int) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// safely runs fn, logging instead of propagating a panic. Instrumentation
// must never break the instrumented request.
func safely(msg string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg(msg)
		}
	}()
	fn()
}

// Instrument applies the handler decorators installed for site. The first
// installed decorator ends up outermost.
func Instrument(table *interception.Table, site string, h http.Handler) http.Handler {
	decs := interception.DecoratorsOf[HandlerDecorator](table, site)
	for i := len(decs) - 1; i >= 0; i-- {
		h = decs[i](h)
	}
	return h
}

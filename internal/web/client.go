package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/joaopenteado/handoff/internal/concurrent"
	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/interception"
	"github.com/joaopenteado/handoff/internal/txctx"
)

// ClientOrigin is the origin of the events published for outbound requests.
const ClientOrigin = "httpClient"

// RoundTripperDecorator is the decorator type consumed by InstrumentTransport.
type RoundTripperDecorator func(http.RoundTripper) http.RoundTripper

// ClientInterceptor is the Installable instrumenting http.RoundTripper sites.
type ClientInterceptor struct {
	registry *txctx.Registry
	bus      *event.Bus
	sites    interception.Matcher
}

// NewClientInterceptor instruments transport sites selected by sites, or
// every site when sites is nil.
func NewClientInterceptor(registry *txctx.Registry, bus *event.Bus, sites interception.Matcher) *ClientInterceptor {
	if sites == nil {
		sites = interception.Any()
	}
	return &ClientInterceptor{registry: registry, bus: bus, sites: sites}
}

func (c *ClientInterceptor) Name() string { return "web-client" }

func (c *ClientInterceptor) Install(b *interception.RuleBuilder) *interception.RuleBuilder {
	return b.Rule("http-client", c.sites, RoundTripperDecorator(c.Transport))
}

// Transport wraps next so requests made within a transaction carry its id and
// tags, framed by downstream request and response events. Requests made
// outside of a transaction pass through untouched.
func (c *ClientInterceptor) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &transport{c: c, next: next}
}

type transport struct {
	c    *ClientInterceptor
	next http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	reg := t.c.registry
	if !reg.IsWithinCreatedContext() {
		return t.next.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	req.Header.Set(TransactionHeader, reg.TransactionID())
	for key, item := range reg.Tags() {
		req.Header.Set(TagHeaderPrefix+key, fmt.Sprint(item.Get()))
	}

	var reqEvent *event.DownstreamRequestEvent
	safely("failed to publish downstream request event", func() {
		reqEvent = event.NewDownstreamRequestEvent(ClientOrigin, reg.TransactionID(), req.URL.Host, operation(req))
		reqEvent.RequestID = reg.RequestID()
		reqEvent.Request = req
		t.c.bus.Publish(reqEvent)
	})

	res := concurrent.Guard(nil, nil, func() (*http.Response, error) {
		return t.next.RoundTrip(req)
	})

	safely("failed to publish downstream response event", func() {
		respEvent := event.NewDownstreamResponseEvent(ClientOrigin, reqEvent)
		if res.Value != nil {
			respEvent.StatusCode = res.Value.StatusCode
		}
		respEvent.Err = res.Err
		if res.Panicked() {
			respEvent.Err = fmt.Errorf("web: round trip panicked")
		}
		t.c.bus.Publish(respEvent)
	})

	return res.Unwrap()
}

func operation(req *http.Request) string {
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + path
}

// InstrumentTransport applies the transport decorators installed for site.
// The first installed decorator ends up outermost.
func InstrumentTransport(table *interception.Table, site string, rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	decs := interception.DecoratorsOf[RoundTripperDecorator](table, site)
	for i := len(decs) - 1; i >= 0; i-- {
		rt = decs[i](rt)
	}
	return rt
}

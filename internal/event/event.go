package event

import (
	"fmt"
	"net/http"
	"time"
)

// Kind discriminates the closed set of events published on a Bus.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindThreadEnter
	KindThreadExit
	KindHTTPRequest
	KindHTTPResponse
	KindDownstreamRequest
	KindDownstreamResponse
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindThreadEnter:
		return "thread_enter"
	case KindThreadExit:
		return "thread_exit"
	case KindHTTPRequest:
		return "http_request"
	case KindHTTPResponse:
		return "http_response"
	case KindDownstreamRequest:
		return "downstream_request"
	case KindDownstreamResponse:
		return "downstream_response"
	default:
		return fmt.Sprintf("unknown (%d)", k)
	}
}

// Event is implemented by everything published on a Bus.
type Event interface {
	Kind() Kind
	// Origin names the instrumentation that produced the event.
	Origin() string
}

// ThreadEvent is published when a unit of work enters or leaves a goroutine
// it was handed off to.
type ThreadEvent struct {
	kind           Kind
	origin         string
	ParentThreadID int64
	ChildThreadID  int64
}

func NewThreadEnterEvent(origin string, parent, child int64) *ThreadEvent {
	return &ThreadEvent{kind: KindThreadEnter, origin: origin, ParentThreadID: parent, ChildThreadID: child}
}

func NewThreadExitEvent(origin string, parent, child int64) *ThreadEvent {
	return &ThreadEvent{kind: KindThreadExit, origin: origin, ParentThreadID: parent, ChildThreadID: child}
}

func (e *ThreadEvent) Kind() Kind     { return e.kind }
func (e *ThreadEvent) Origin() string { return e.origin }

// HTTPRequestEvent describes an inbound HTTP request.
type HTTPRequestEvent struct {
	origin        string
	TransactionID string
	// RequestID is unique per served request, unlike TransactionID which
	// callers may continue across requests.
	RequestID string
	Start     time.Time

	SrcIP   string
	SrcPort int
	DstIP   string
	DstPort int

	Method     string
	URL        string
	Date       string
	Host       string
	HTTPOrigin string
	Referer    string
	UserAgent  string
	Headers    http.Header

	Request *http.Request
}

func NewHTTPRequestEvent(origin, transactionID string) *HTTPRequestEvent {
	return &HTTPRequestEvent{origin: origin, TransactionID: transactionID, Start: time.Now()}
}

func (e *HTTPRequestEvent) Kind() Kind     { return KindHTTPRequest }
func (e *HTTPRequestEvent) Origin() string { return e.origin }

// HTTPResponseEvent describes the response to an inbound HTTP request.
type HTTPResponseEvent struct {
	origin     string
	Request    *HTTPRequestEvent
	StatusCode int
	Headers    http.Header
	Duration   time.Duration
	// Panicked is set when the handler panicked; the panic is re-raised after
	// publication.
	Panicked bool
}

// NewHTTPResponseEvent correlates a response with its request. req may be nil
// if the request event could not be built.
func NewHTTPResponseEvent(origin string, req *HTTPRequestEvent) *HTTPResponseEvent {
	e := &HTTPResponseEvent{origin: origin, Request: req}
	if req != nil {
		e.Duration = time.Since(req.Start)
	}
	return e
}

func (e *HTTPResponseEvent) Kind() Kind     { return KindHTTPResponse }
func (e *HTTPResponseEvent) Origin() string { return e.origin }

// TransactionID returns the id of the correlated request, if known.
func (e *HTTPResponseEvent) TransactionID() string {
	if e.Request == nil {
		return ""
	}
	return e.Request.TransactionID
}

func (e *HTTPResponseEvent) RequestID() string {
	if e.Request == nil {
		return ""
	}
	return e.Request.RequestID
}

// DownstreamRequestEvent describes an outbound call made on behalf of a
// transaction.
type DownstreamRequestEvent struct {
	origin        string
	TransactionID string
	// RequestID identifies the inbound request the call was made for, if any.
	RequestID string
	Start     time.Time
	Service       string
	Operation     string
	Request       *http.Request
}

func NewDownstreamRequestEvent(origin, transactionID, service, operation string) *DownstreamRequestEvent {
	return &DownstreamRequestEvent{
		origin:        origin,
		TransactionID: transactionID,
		Start:         time.Now(),
		Service:       service,
		Operation:     operation,
	}
}

func (e *DownstreamRequestEvent) Kind() Kind     { return KindDownstreamRequest }
func (e *DownstreamRequestEvent) Origin() string { return e.origin }

// DownstreamResponseEvent describes the outcome of an outbound call.
type DownstreamResponseEvent struct {
	origin     string
	Request    *DownstreamRequestEvent
	StatusCode int
	Err        error
	Duration   time.Duration
}

func NewDownstreamResponseEvent(origin string, req *DownstreamRequestEvent) *DownstreamResponseEvent {
	e := &DownstreamResponseEvent{origin: origin, Request: req}
	if req != nil {
		e.Duration = time.Since(req.Start)
	}
	return e
}

// TransactionID returns the id of the correlated request, if known.
func (e *DownstreamResponseEvent) TransactionID() string {
	if e.Request == nil {
		return ""
	}
	return e.Request.TransactionID
}

func (e *DownstreamResponseEvent) Kind() Kind     { return KindDownstreamResponse }
func (e *DownstreamResponseEvent) Origin() string { return e.origin }

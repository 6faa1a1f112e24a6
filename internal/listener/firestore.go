package listener

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/model"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// FirestoreClient defines the subset of Firestore functionality required by
// the recorder. It is satisfied by the real Firestore client through
// NewFirestoreClientAdapter and can be mocked in tests.
type FirestoreClient interface {
	Set(ctx context.Context, path string, data any) error
}

type firestoreClientAdapter struct{ *firestore.Client }

// NewFirestoreClientAdapter wraps a firestore.Client so it can be consumed by
// the recorder.
func NewFirestoreClientAdapter(c *firestore.Client) FirestoreClient {
	if c == nil {
		return nil
	}
	return &firestoreClientAdapter{c}
}

func (c *firestoreClientAdapter) Set(ctx context.Context, path string, data any) error {
	_, err := c.Client.Doc(path).Set(ctx, data)
	return err
}

const writeTimeout = 30 * time.Second

type recording struct {
	handoffs   int64
	downstream int64
}

// Firestore writes one model.TransactionRecord per served request.
type Firestore struct {
	client     FirestoreClient
	registry   *txctx.Registry
	collection string
	source     string

	mu      sync.Mutex
	open    map[string]*recording // by request
	pending sync.WaitGroup
}

// NewFirestore records transactions to collection, falling back to
// model.DefaultRecordCollection. source is stored on every record.
func NewFirestore(client FirestoreClient, registry *txctx.Registry, collection, source string) *Firestore {
	if collection == "" {
		collection = model.DefaultRecordCollection
	}
	return &Firestore{
		client:     client,
		registry:   registry,
		collection: collection,
		source:     source,
		open:       make(map[string]*recording),
	}
}

func (f *Firestore) HandlesKind(k event.Kind) bool {
	switch k {
	case event.KindHTTPRequest, event.KindHTTPResponse,
		event.KindThreadEnter, event.KindDownstreamRequest:
		return true
	default:
		return false
	}
}

func (f *Firestore) Listen(e event.Event) {
	switch e := e.(type) {
	case *event.HTTPRequestEvent:
		f.mu.Lock()
		f.open[requestKey(e.RequestID, e.TransactionID)] = &recording{}
		f.mu.Unlock()

	case *event.ThreadEvent:
		f.count(currentRequest(f.registry), func(r *recording) { r.handoffs++ })

	case *event.DownstreamRequestEvent:
		f.count(requestKey(e.RequestID, e.TransactionID), func(r *recording) { r.downstream++ })

	case *event.HTTPResponseEvent:
		if e.Request == nil {
			return
		}
		key := requestKey(e.Request.RequestID, e.Request.TransactionID)
		f.mu.Lock()
		r, ok := f.open[key]
		delete(f.open, key)
		f.mu.Unlock()
		if !ok {
			r = &recording{}
		}
		f.write(f.record(e, r))
	}
}

func (f *Firestore) count(key string, fn func(*recording)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.open[key]; ok {
		fn(r)
	}
}

func (f *Firestore) record(e *event.HTTPResponseEvent, r *recording) *model.TransactionRecord {
	req := e.Request
	rec := &model.TransactionRecord{
		TransactionID:   req.TransactionID,
		RequestID:       req.RequestID,
		Source:          f.source,
		Method:          req.Method,
		URL:             req.URL,
		StatusCode:      e.StatusCode,
		Panicked:        e.Panicked,
		Start:           timestamppb.New(req.Start),
		End:             timestamppb.New(req.Start.Add(e.Duration)),
		Handoffs:        r.handoffs,
		DownstreamCalls: r.downstream,
	}
	if req.Request != nil {
		if sc := trace.SpanContextFromContext(req.Request.Context()); sc.IsSampled() {
			rec.Trace = sc.TraceID().String()
		}
	}
	return rec
}

func (f *Firestore) write(rec *model.TransactionRecord) {
	path := f.collection + "/" + rec.DocumentID()

	f.pending.Add(1)
	go func() {
		defer f.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := f.client.Set(ctx, path, rec); err != nil {
			log.Error().Err(err).
				Str("transaction_id", rec.TransactionID).
				Str("document_path", path).
				Msg("failed to record transaction")
		}
	}()
}

// Flush waits for outstanding writes, or for ctx to be done.
func (f *Firestore) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package listener

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// PublishResult represents the result of a Pub/Sub publish operation.
type PublishResult interface {
	Get(context.Context) (string, error)
}

// PubSubTopic abstracts a Pub/Sub topic.
type PubSubTopic interface {
	Publish(context.Context, *pubsub.Message) PublishResult
}

// NewPubSubTopicAdapter wraps a pubsub.Topic so it satisfies the PubSubTopic
// interface.
func NewPubSubTopicAdapter(t *pubsub.Topic) PubSubTopic {
	if t == nil {
		return nil
	}
	return &pubsubTopicAdapter{t}
}

type pubsubTopicAdapter struct{ *pubsub.Topic }

func (t *pubsubTopicAdapter) Publish(ctx context.Context, msg *pubsub.Message) PublishResult {
	return t.Topic.Publish(ctx, msg)
}

const publishTimeout = 30 * time.Second

// PubSub exports events to a Pub/Sub topic as protojson-encoded
// google.protobuf.Struct messages. Publishing never blocks the publishing
// goroutine; results are checked in the background.
type PubSub struct {
	topic    PubSubTopic
	registry *txctx.Registry
	kinds    map[event.Kind]bool

	pending sync.WaitGroup
}

// NewPubSub exports events of the given kinds, or of every known kind when
// none are given.
func NewPubSub(topic PubSubTopic, registry *txctx.Registry, kinds ...event.Kind) *PubSub {
	p := &PubSub{topic: topic, registry: registry, kinds: make(map[event.Kind]bool)}
	if len(kinds) == 0 {
		kinds = []event.Kind{
			event.KindThreadEnter, event.KindThreadExit,
			event.KindHTTPRequest, event.KindHTTPResponse,
			event.KindDownstreamRequest, event.KindDownstreamResponse,
		}
	}
	for _, k := range kinds {
		p.kinds[k] = true
	}
	return p
}

func (p *PubSub) HandlesKind(k event.Kind) bool { return p.kinds[k] }

func (p *PubSub) Listen(e event.Event) {
	fields := p.fields(e)
	payload, err := structpb.NewStruct(fields)
	if err != nil {
		log.Error().Err(err).Stringer("kind", e.Kind()).Msg("failed to encode event")
		return
	}
	data, err := protojson.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Stringer("kind", e.Kind()).Msg("failed to encode event")
		return
	}

	txID, _ := fields["transaction_id"].(string)
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":           e.Kind().String(),
			"origin":         e.Origin(),
			"transaction_id": txID,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	res := p.topic.Publish(ctx, msg)

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		defer cancel()
		if _, err := res.Get(ctx); err != nil {
			log.Error().Err(err).
				Stringer("kind", e.Kind()).
				Str("transaction_id", txID).
				Msg("failed to export event")
		}
	}()
}

// Flush waits for outstanding publish results, or for ctx to be done.
func (p *PubSub) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PubSub) fields(e event.Event) map[string]any {
	f := map[string]any{
		"kind":   e.Kind().String(),
		"origin": e.Origin(),
	}

	switch e := e.(type) {
	case *event.ThreadEvent:
		f["transaction_id"] = p.registry.TransactionID()
		f["parent_thread_id"] = e.ParentThreadID
		f["child_thread_id"] = e.ChildThreadID
	case *event.HTTPRequestEvent:
		f["transaction_id"] = e.TransactionID
		f["start"] = e.Start.UTC().Format(time.RFC3339Nano)
		f["method"] = e.Method
		f["url"] = e.URL
		f["host"] = e.Host
		f["src_ip"] = e.SrcIP
		f["src_port"] = e.SrcPort
		f["dst_ip"] = e.DstIP
		f["dst_port"] = e.DstPort
		f["user_agent"] = e.UserAgent
		f["referer"] = e.Referer
		f["http_origin"] = e.HTTPOrigin
	case *event.HTTPResponseEvent:
		f["transaction_id"] = e.TransactionID()
		f["status_code"] = e.StatusCode
		f["duration_ms"] = milliseconds(e.Duration)
		f["panicked"] = e.Panicked
	case *event.DownstreamRequestEvent:
		f["transaction_id"] = e.TransactionID
		f["start"] = e.Start.UTC().Format(time.RFC3339Nano)
		f["service"] = e.Service
		f["operation"] = e.Operation
	case *event.DownstreamResponseEvent:
		f["transaction_id"] = e.TransactionID()
		f["status_code"] = e.StatusCode
		f["duration_ms"] = milliseconds(e.Duration)
		if e.Err != nil {
			f["error"] = e.Err.Error()
		}
	}
	return f
}

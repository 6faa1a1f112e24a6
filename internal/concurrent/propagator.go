// Package concurrent carries transaction context across goroutine handoffs
// and announces every handoff on the event bus.
package concurrent

import (
	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog/log"
)

// Origin is the origin of the thread events published by a Propagator.
const Origin = "Concurrency"

// Propagator installs a parent's context on the goroutine running handed-off
// work, and removes it afterwards.
type Propagator struct {
	registry *txctx.Registry
	bus      *event.Bus
}

func NewPropagator(registry *txctx.Registry, bus *event.Bus) *Propagator {
	return &Propagator{registry: registry, bus: bus}
}

func (p *Propagator) Registry() *txctx.Registry { return p.registry }

func (p *Propagator) Bus() *event.Bus { return p.bus }

// Set propagates md onto the calling goroutine when it is a real handoff from
// the ancestral goroutine of a created transaction, and publishes a thread
// enter event. A nil md abandons propagation: the work runs without context.
func (p *Propagator) Set(ancestral, parent txctx.ThreadID, md txctx.Metadata) {
	current := p.registry.CurrentThreadID()
	if md == nil {
		log.Error().
			Int64("ancestral_thread_id", int64(ancestral)).
			Int64("thread_id", int64(current)).
			Msg("could not propagate nil transaction context")
		return
	}

	if !isHandoff(ancestral, current, md) {
		return
	}

	p.registry.SetPrivateMetadata(ancestral, md)
	p.bus.Publish(event.NewThreadEnterEvent(Origin, int64(parent), int64(current)))
}

// Clear undoes Set at the end of the handed-off work. The guards are the same
// as Set's, so enter and exit events always come in pairs.
func (p *Propagator) Clear(ancestral, parent txctx.ThreadID, md txctx.Metadata) {
	if md == nil {
		return
	}

	current := p.registry.CurrentThreadID()
	if !isHandoff(ancestral, current, md) {
		return
	}

	p.bus.Publish(event.NewThreadExitEvent(Origin, int64(parent), int64(current)))
	p.registry.Clear()
}

func isHandoff(ancestral, current txctx.ThreadID, md txctx.Metadata) bool {
	return ancestral != current && !isNullID(md)
}

// isNullID reports whether md belongs to a goroutine that was not working on
// behalf of a transaction, such as a background worker.
func isNullID(md txctx.Metadata) bool {
	id, ok := md.TransactionID()
	return ok && id == txctx.UninitializedTransactionID
}

// Package event defines the events emitted by the instrumentation and the bus
// that fans them out to listeners.
//
// Publication is a direct, synchronous call: listeners run on the publishing
// goroutine, in registration order, and see the listener set as it was when
// Publish was called. There is no queue.
package event

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener observes events. Implementations must be comparable (pointer
// receivers are the norm) since the bus de-duplicates by identity; the bus
// refuses listeners that are not.
type Listener interface {
	HandlesKind(Kind) bool
	Listen(Event)
}

type funcListener struct {
	kinds map[Kind]struct{}
	fn    func(Event)
}

// NewListener adapts fn into a Listener interested in kinds, or in every kind
// when none are given. Each call returns a distinct listener.
func NewListener(fn func(Event), kinds ...Kind) Listener {
	l := &funcListener{fn: fn}
	if len(kinds) > 0 {
		l.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			l.kinds[k] = struct{}{}
		}
	}
	return l
}

func (l *funcListener) HandlesKind(k Kind) bool {
	if l.kinds == nil {
		return true
	}
	_, ok := l.kinds[k]
	return ok
}

func (l *funcListener) Listen(e Event) { l.fn(e) }

// Bus dispatches events to registered listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewBus() *Bus {
	return &Bus{}
}

// AddListener registers l. Registering the same listener twice has no effect.
func (b *Bus) AddListener(l Listener) {
	if l == nil {
		return
	}
	if !isComparable(l) {
		log.Error().
			Str("listener", fmt.Sprintf("%T", l)).
			Msg("refusing listener that cannot be compared")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.listeners {
		if existing == l {
			return
		}
	}
	b.listeners = append(b.listeners, l)
}

func (b *Bus) RemoveListener(l Listener) {
	if l == nil || !isComparable(l) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// RemoveAll unregisters every listener.
func (b *Bus) RemoveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = nil
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers e to every interested listener. A panicking listener is
// logged and skipped.
func (b *Bus) Publish(e Event) {
	if e == nil {
		return
	}

	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	kind := e.Kind()
	for _, l := range listeners {
		deliver(l, kind, e)
	}
}

func isComparable(l Listener) bool {
	return reflect.TypeOf(l).Comparable()
}

func deliver(l Listener, kind Kind, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("listener", fmt.Sprintf("%T", l)).
				Stringer("kind", kind).
				Str("origin", e.Origin()).
				Interface("panic", r).
				Msg("event listener failed")
		}
	}()

	if l.HandlesKind(kind) {
		l.Listen(e)
	}
}

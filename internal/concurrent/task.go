package concurrent

import (
	"context"

	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog/log"
)

// Task is a unit of work that may be handed off to another goroutine.
type Task func(ctx context.Context) error

// TaskDecorator wraps a Task at submission time.
type TaskDecorator func(Task) Task

// Result is the outcome of a guarded call: a value and error, or the value of
// a panic.
type Result[T any] struct {
	Value T
	Err   error

	panicked   bool
	panicValue any
}

func (r Result[T]) Panicked() bool { return r.panicked }

// Unwrap returns the value and error, re-raising the original panic value if
// the call panicked.
func (r Result[T]) Unwrap() (T, error) {
	if r.panicked {
		panic(r.panicValue)
	}
	return r.Value, r.Err
}

// Guard calls enter, then fn, then exit. exit runs whether fn returns or
// panics. enter and exit may be nil.
func Guard[T any](enter, exit func(), fn func() (T, error)) (res Result[T]) {
	if enter != nil {
		enter()
	}
	if exit != nil {
		defer exit()
	}
	defer func() {
		if r := recover(); r != nil {
			res.panicked = true
			res.panicValue = r
		}
	}()

	res.Value, res.Err = fn()
	return res
}

// Handoff is the state captured by the submitting goroutine.
type Handoff struct {
	Ancestral txctx.ThreadID
	Parent    txctx.ThreadID
	Metadata  txctx.Metadata
}

// Capture snapshots the calling goroutine's context.
func (p *Propagator) Capture() Handoff {
	return Handoff{
		Ancestral: p.registry.AncestralThreadID(),
		Parent:    p.registry.CurrentThreadID(),
		Metadata:  p.registry.GetPrivateMetadata(),
	}
}

// Wrap captures the calling goroutine's context now and returns a Task that
// runs task under it, wherever it ends up running. The task's own error is
// returned unchanged and its panics are re-raised after cleanup.
func (p *Propagator) Wrap(task Task) Task {
	h := p.Capture()
	return func(ctx context.Context) error {
		res := Guard(
			func() { p.Set(h.Ancestral, h.Parent, h.Metadata) },
			func() { p.Clear(h.Ancestral, h.Parent, h.Metadata) },
			func() (struct{}, error) { return struct{}{}, task(ctx) },
		)
		_, err := res.Unwrap()
		return err
	}
}

// Go runs task on a new goroutine with the caller's context. Errors are
// logged; panics crash the program as they would with a plain go statement.
func (p *Propagator) Go(ctx context.Context, task Task) {
	wrapped := p.Wrap(task)
	go func() {
		defer p.registry.Destroy()
		if err := wrapped(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("background task failed")
		}
	}()
}

package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group is an errgroup.Group whose tasks run under the context of the
// goroutine that started them.
type Group struct {
	p   *Propagator
	g   *errgroup.Group
	ctx context.Context
}

// NewGroup returns a Group and the derived context that is cancelled when a
// task fails.
func (p *Propagator) NewGroup(ctx context.Context) (*Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &Group{p: p, g: g, ctx: ctx}, ctx
}

// SetLimit bounds the number of tasks running at once.
func (g *Group) SetLimit(n int) {
	g.g.SetLimit(n)
}

// Go captures the caller's context and starts task on a new goroutine.
func (g *Group) Go(task Task) {
	wrapped := g.p.Wrap(task)
	g.g.Go(func() error {
		defer g.p.registry.Destroy()
		return wrapped(g.ctx)
	})
}

func (g *Group) Wait() error {
	return g.g.Wait()
}

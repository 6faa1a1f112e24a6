package concurrent

import (
	"context"
	"errors"
	"sync"

	"github.com/joaopenteado/handoff/internal/interception"
)

var ErrPoolClosed = errors.New("concurrent: pool is shut down")

// Future is the pending outcome of a submitted Task.
type Future struct {
	done chan struct{}
	res  Result[struct{}]
}

// Wait blocks until the task finished or ctx is done. A panic raised by the
// task is re-raised here, on the waiting goroutine.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		_, err := f.res.Unwrap()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the task finished.
func (f *Future) Done() <-chan struct{} { return f.done }

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Pool runs tasks on a fixed set of long-lived worker goroutines. Workers are
// reused across tasks, so whatever context a task ran under must not survive
// it. Tasks are decorated with the TaskDecorators the interception table holds
// for the pool's site; without them, tasks run without the submitter's
// context.
type Pool struct {
	site       string
	decorators []TaskDecorator
	jobs       chan job
	onExit     func()

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type PoolOption func(*Pool)

// WithWorkerExit registers a function each worker calls before returning.
func WithWorkerExit(fn func()) PoolOption {
	return func(p *Pool) { p.onExit = fn }
}

// WithQueueSize sets how many submitted tasks may wait for a worker.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) { p.jobs = make(chan job, n) }
}

// NewPool starts workers goroutines. site names the pool in the interception
// table.
func NewPool(table *interception.Table, site string, workers int, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		site:       site,
		decorators: interception.DecoratorsOf[TaskDecorator](table, site),
		jobs:       make(chan job),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

func (p *Pool) Site() string { return p.site }

// Submit queues task. Decoration happens here, on the submitting goroutine.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	for _, d := range p.decorators {
		task = d(task)
	}

	f := &Future{done: make(chan struct{})}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	select {
	case p.jobs <- job{ctx: ctx, task: task, future: f}:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	if p.onExit != nil {
		defer p.onExit()
	}

	for j := range p.jobs {
		j.future.res = Guard(nil, nil, func() (struct{}, error) {
			return struct{}{}, j.task(j.ctx)
		})
		close(j.future.done)
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish, or for
// ctx to be done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

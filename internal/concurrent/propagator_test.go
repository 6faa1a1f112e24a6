package concurrent

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/interception"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type threadRecorder struct {
	mu     sync.Mutex
	events []*event.ThreadEvent
}

func (r *threadRecorder) HandlesKind(k event.Kind) bool {
	return k == event.KindThreadEnter || k == event.KindThreadExit
}

func (r *threadRecorder) Listen(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.(*event.ThreadEvent))
}

func (r *threadRecorder) snapshot() []*event.ThreadEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.ThreadEvent(nil), r.events...)
}

func (r *threadRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestPropagator(opts ...txctx.Option) (*Propagator, *threadRecorder) {
	bus := event.NewBus()
	rec := &threadRecorder{}
	bus.AddListener(rec)
	return NewPropagator(txctx.NewRegistry(opts...), bus), rec
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

// onGoroutine runs fn on a fresh goroutine and waits for it.
func onGoroutine(fn func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
	wg.Wait()
}

func txMetadata(id string) txctx.Metadata {
	return txctx.Metadata{txctx.TransactionIDKey: txctx.NewMetadataItem(id, true, false)}
}

func TestSetClearSymmetry(t *testing.T) {
	p, rec := newTestPropagator()
	reg := p.Registry()
	md := txMetadata("tx-1")
	ancestral := reg.CurrentThreadID()

	var during, after string
	var child txctx.ThreadID
	onGoroutine(func() {
		defer reg.Destroy()
		child = reg.CurrentThreadID()
		p.Set(ancestral, ancestral, md)
		during = reg.TransactionID()
		p.Clear(ancestral, ancestral, md)
		after = reg.TransactionID()
	})

	if during != "tx-1" {
		t.Fatalf("context during handoff = %q, want tx-1", during)
	}
	if after != txctx.UninitializedTransactionID {
		t.Fatalf("context after clear = %q, want sentinel", after)
	}

	events := rec.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	enter, exit := events[0], events[1]
	if enter.Kind() != event.KindThreadEnter || exit.Kind() != event.KindThreadExit {
		t.Fatalf("kinds = %v, %v", enter.Kind(), exit.Kind())
	}
	for _, e := range events {
		if e.ParentThreadID != int64(ancestral) || e.ChildThreadID != int64(child) || e.Origin() != Origin {
			t.Fatalf("unexpected event %+v", e)
		}
	}
}

func TestSameThreadIsNoop(t *testing.T) {
	p, rec := newTestPropagator(txctx.WithThreadIDFunc(func() txctx.ThreadID { return 7 }))
	reg := p.Registry()
	reg.CreateWithID("tx-local")

	p.Set(7, 7, txMetadata("tx-other"))
	if got := reg.TransactionID(); got != "tx-local" {
		t.Fatalf("context changed to %q", got)
	}
	p.Clear(7, 7, txMetadata("tx-other"))
	if got := reg.TransactionID(); got != "tx-local" {
		t.Fatalf("context changed to %q", got)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("published %d events, want 0", n)
	}
}

func TestSentinelIsNoop(t *testing.T) {
	p, rec := newTestPropagator(txctx.WithThreadIDFunc(func() txctx.ThreadID { return 2 }))
	reg := p.Registry()
	md := txMetadata(txctx.UninitializedTransactionID)

	p.Set(1, 1, md)
	if reg.IsWithinCreatedContext() || reg.Len() != 0 {
		t.Fatal("sentinel metadata must not be installed")
	}
	p.Clear(1, 1, md)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("published %d events, want 0", n)
	}
}

func TestNilMetadata(t *testing.T) {
	buf := captureLogs(t)
	p, rec := newTestPropagator(txctx.WithThreadIDFunc(func() txctx.ThreadID { return 2 }))

	p.Set(1, 1, nil)
	if !strings.Contains(buf.String(), "could not propagate nil transaction context") {
		t.Fatalf("Set(nil) did not log: %q", buf.String())
	}

	buf.Reset()
	p.Clear(1, 1, nil)
	if buf.Len() != 0 {
		t.Fatalf("Clear(nil) logged %q", buf.String())
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("published %d events, want 0", n)
	}
}

func TestMetadataWithoutIDStillPropagates(t *testing.T) {
	p, rec := newTestPropagator(txctx.WithThreadIDFunc(func() txctx.ThreadID { return 2 }))
	md := txctx.Metadata{"k": txctx.NewMetadataItem("v", true, false)}

	p.Set(1, 1, md)
	p.Clear(1, 1, md)

	if n := len(rec.snapshot()); n != 2 {
		t.Fatalf("published %d events, want 2", n)
	}
}

func TestPooledWorkerDoesNotLeakContext(t *testing.T) {
	p, rec := newTestPropagator()
	reg := p.Registry()

	table := interception.NewTable()
	interception.NewInstaller().Install(table, []interception.Installable{NewSupport(p)}, interception.Options{})

	pool := NewPool(table, "example.com/app.Workers", 1, WithWorkerExit(reg.Destroy))
	defer pool.Shutdown(context.Background())

	ctx := context.Background()
	seen := func() (string, txctx.ThreadID) {
		var id string
		var worker txctx.ThreadID
		f, err := pool.Submit(ctx, func(context.Context) error {
			id = reg.TransactionID()
			worker = reg.CurrentThreadID()
			return nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if err := f.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		return id, worker
	}

	reg.CreateWithID("tx-0")
	if id, _ := seen(); id != "tx-0" {
		t.Fatalf("first job saw %q, want tx-0", id)
	}
	reg.Destroy()
	rec.reset()

	reg.CreateWithID("tx-1")
	id, worker := seen()
	if id != "tx-1" {
		t.Fatalf("second job saw %q, want tx-1", id)
	}

	events := rec.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want enter and exit", len(events))
	}
	parent := int64(reg.CurrentThreadID())
	if events[0].Kind() != event.KindThreadEnter || events[1].Kind() != event.KindThreadExit {
		t.Fatalf("unexpected kinds %v %v", events[0].Kind(), events[1].Kind())
	}
	for _, e := range events {
		if e.ParentThreadID != parent || e.ChildThreadID != int64(worker) {
			t.Fatalf("event %+v, want %d -> %d", e, parent, worker)
		}
	}
	reg.Destroy()
	rec.reset()

	// Submitted without a transaction: nothing is propagated and the worker
	// must be back to the uninitialized state.
	if id, _ := seen(); id != txctx.UninitializedTransactionID {
		t.Fatalf("worker kept stale context %q", id)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("published %d events for an unparented job", n)
	}
}

func TestPoolWithoutSupportDoesNotPropagate(t *testing.T) {
	p, rec := newTestPropagator()
	reg := p.Registry()
	pool := NewPool(interception.NewTable(), "example.com/app.Workers", 2)
	defer pool.Shutdown(context.Background())

	reg.CreateWithID("tx-1")
	defer reg.Destroy()

	var id string
	f, err := pool.Submit(context.Background(), func(context.Context) error {
		id = reg.TransactionID()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if id != txctx.UninitializedTransactionID || len(rec.snapshot()) != 0 {
		t.Fatalf("uninstrumented pool propagated %q", id)
	}
}

func TestWrapReturnsOriginalErrorAfterCleanup(t *testing.T) {
	p, rec := newTestPropagator()
	reg := p.Registry()
	reg.CreateWithID("tx-err")
	defer reg.Destroy()

	want := errors.New("task failed")
	task := p.Wrap(func(context.Context) error { return want })

	var err error
	var after string
	onGoroutine(func() {
		defer reg.Destroy()
		err = task(context.Background())
		after = reg.TransactionID()
	})

	if err != want {
		t.Fatalf("err = %v, want the original error", err)
	}
	if after != txctx.UninitializedTransactionID {
		t.Fatalf("context not cleared: %q", after)
	}
	if n := len(rec.snapshot()); n != 2 {
		t.Fatalf("got %d events, want 2", n)
	}
}

func TestWrapRepanicsAfterCleanup(t *testing.T) {
	p, rec := newTestPropagator()
	reg := p.Registry()
	reg.CreateWithID("tx-panic")
	defer reg.Destroy()

	type boom struct{ msg string }
	task := p.Wrap(func(context.Context) error { panic(boom{"kaput"}) })

	var recovered any
	var after string
	onGoroutine(func() {
		defer reg.Destroy()
		defer func() {
			recovered = recover()
			after = reg.TransactionID()
		}()
		_ = task(context.Background())
	})

	if recovered != (boom{"kaput"}) {
		t.Fatalf("recovered %v, want the original panic value", recovered)
	}
	if after != txctx.UninitializedTransactionID {
		t.Fatalf("context not cleared: %q", after)
	}
	events := rec.snapshot()
	if len(events) != 2 || events[1].Kind() != event.KindThreadExit {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestFutureRepanics(t *testing.T) {
	pool := NewPool(nil, "example.com/app.Workers", 1)
	defer pool.Shutdown(context.Background())

	f, err := pool.Submit(context.Background(), func(context.Context) error { panic("worker panic") })
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if r := recover(); r != "worker panic" {
			t.Fatalf("recovered %v", r)
		}
	}()
	_ = f.Wait(context.Background())
	t.Fatal("Wait should have panicked")
}

func TestPoolShutdown(t *testing.T) {
	pool := NewPool(nil, "example.com/app.Workers", 2, WithQueueSize(4))

	var mu sync.Mutex
	ran := 0
	for range 4 {
		if _, err := pool.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ran != 4 {
		t.Fatalf("ran %d queued tasks, want 4", ran)
	}
	if _, err := pool.Submit(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Submit after shutdown err = %v", err)
	}
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestGoAndGroup(t *testing.T) {
	p, rec := newTestPropagator()
	reg := p.Registry()
	reg.CreateWithID("tx-group")
	defer reg.Destroy()

	done := make(chan string, 1)
	p.Go(context.Background(), func(context.Context) error {
		done <- reg.TransactionID()
		return nil
	})
	if got := <-done; got != "tx-group" {
		t.Fatalf("Go saw %q", got)
	}

	g, ctx := p.NewGroup(context.Background())
	g.SetLimit(2)
	var mu sync.Mutex
	var ids []string
	for range 3 {
		g.Go(func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ids = append(ids, reg.TransactionID())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if ctx.Err() == nil {
		t.Fatal("group context should be cancelled after Wait")
	}
	for _, id := range ids {
		if id != "tx-group" {
			t.Fatalf("group task saw %q", id)
		}
	}

	// Go's exit event is published before its goroutine returns; wait for it.
	deadline := time.Now().Add(time.Second)
	for len(rec.snapshot()) < 8 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := len(rec.snapshot()); n != 8 {
		t.Fatalf("got %d thread events, want 8", n)
	}
	for reg.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if reg.Len() != 1 {
		t.Fatalf("one-shot goroutines leaked slots: %d", reg.Len())
	}
}

func TestGuardRunsExitOnEveryPath(t *testing.T) {
	var calls []string
	enter := func() { calls = append(calls, "enter") }
	exit := func() { calls = append(calls, "exit") }

	res := Guard(enter, exit, func() (int, error) { return 4, nil })
	if v, err := res.Unwrap(); v != 4 || err != nil || res.Panicked() {
		t.Fatalf("got %v %v", v, err)
	}

	res = Guard(enter, exit, func() (int, error) { panic("x") })
	if !res.Panicked() {
		t.Fatal("panic not captured")
	}
	if got := strings.Join(calls, ","); got != "enter,exit,enter,exit" {
		t.Fatalf("calls = %s", got)
	}
}

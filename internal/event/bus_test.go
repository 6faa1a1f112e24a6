package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type recorder struct {
	mu     sync.Mutex
	kinds  []Kind
	events []Event
}

func (r *recorder) HandlesKind(Kind) bool { return true }

func (r *recorder) Listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, e.Kind())
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type panicking struct{}

func (panicking) HandlesKind(Kind) bool { return true }
func (panicking) Listen(Event)          { panic("boom") }

func TestPublishRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.AddListener(NewListener(func(Event) { order = append(order, "first") }))
	bus.AddListener(NewListener(func(Event) { order = append(order, "second") }))
	bus.AddListener(NewListener(func(Event) { order = append(order, "third") }))

	bus.Publish(NewThreadEnterEvent("test", 1, 2))

	if got := strings.Join(order, ","); got != "first,second,third" {
		t.Fatalf("delivery order = %s", got)
	}
}

func TestListenerIsolation(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	bus := NewBus()
	rec := &recorder{}
	bus.AddListener(panicking{})
	bus.AddListener(rec)

	bus.Publish(NewThreadExitEvent("test", 1, 2))

	if rec.count() != 1 {
		t.Fatalf("second listener received %d events, want 1", rec.count())
	}
	if !strings.Contains(buf.String(), "event listener failed") {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}

// byValue is a listener whose dynamic type cannot be compared.
type byValue struct {
	seen map[Kind]int
}

func (l byValue) HandlesKind(Kind) bool { return true }
func (l byValue) Listen(e Event)        { l.seen[e.Kind()]++ }

func TestNonComparableListenerIsRefused(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	bus := NewBus()
	rec := &recorder{}
	bus.AddListener(rec)

	l := byValue{seen: map[Kind]int{}}
	bus.AddListener(l)
	bus.RemoveListener(l)
	bus.Publish(NewThreadEnterEvent("test", 1, 2))

	if bus.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", bus.Len())
	}
	if len(l.seen) != 0 {
		t.Errorf("refused listener received %v", l.seen)
	}
	if rec.count() != 1 {
		t.Errorf("registered listener received %d events, want 1", rec.count())
	}
	if !strings.Contains(buf.String(), "refusing listener") {
		t.Errorf("refusal not logged: %q", buf.String())
	}
}

func TestIdempotentRegistration(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	bus.AddListener(rec)
	bus.AddListener(rec)

	bus.Publish(NewThreadEnterEvent("test", 1, 2))

	if rec.count() != 1 {
		t.Fatalf("got %d deliveries, want 1", rec.count())
	}
	if bus.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", bus.Len())
	}
}

func TestRemoveListener(t *testing.T) {
	bus := NewBus()
	a, b := &recorder{}, &recorder{}
	bus.AddListener(a)
	bus.AddListener(b)
	bus.RemoveListener(a)
	bus.RemoveListener(a) // unknown listener is ignored

	bus.Publish(NewThreadEnterEvent("test", 1, 2))

	if a.count() != 0 || b.count() != 1 {
		t.Fatalf("a=%d b=%d", a.count(), b.count())
	}

	bus.RemoveAll()
	if bus.Len() != 0 {
		t.Fatal("RemoveAll left listeners behind")
	}
}

func TestKindFiltering(t *testing.T) {
	bus := NewBus()
	var got []Kind
	bus.AddListener(NewListener(func(e Event) { got = append(got, e.Kind()) }, KindThreadExit))

	bus.Publish(NewThreadEnterEvent("test", 1, 2))
	bus.Publish(NewThreadExitEvent("test", 1, 2))
	bus.Publish(NewHTTPRequestEvent("test", "tx"))

	if len(got) != 1 || got[0] != KindThreadExit {
		t.Fatalf("got %v, want [thread_exit]", got)
	}
}

func TestPublishNilIsIgnored(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	bus.AddListener(rec)
	bus.AddListener(nil)
	bus.Publish(nil)
	if rec.count() != 0 || bus.Len() != 1 {
		t.Fatalf("count=%d len=%d", rec.count(), bus.Len())
	}
}

func TestConcurrentRegistrationDuringPublish(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	bus.AddListener(rec)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(NewThreadEnterEvent("test", 1, 2))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l := NewListener(func(Event) {})
				bus.AddListener(l)
				bus.RemoveListener(l)
			}
		}()
	}
	wg.Wait()

	if rec.count() != 800 {
		t.Fatalf("got %d deliveries, want 800", rec.count())
	}
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindThreadEnter:        "thread_enter",
		KindThreadExit:         "thread_exit",
		KindHTTPRequest:        "http_request",
		KindHTTPResponse:       "http_response",
		KindDownstreamRequest:  "downstream_request",
		KindDownstreamResponse: "downstream_response",
		Kind(99):               "unknown (99)",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}

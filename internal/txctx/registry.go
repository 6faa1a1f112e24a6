// Package txctx keeps the metadata of the logical transaction each goroutine
// is currently working on.
//
// A Registry holds one slot per goroutine. A goroutine only ever touches its
// own slot; handing context to another goroutine goes through a snapshot taken
// with GetPrivateMetadata and installed with SetPrivateMetadata.
package txctx

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// TransactionIDKey is the reserved metadata key holding the transaction
	// id.
	TransactionIDKey = "handoff_transaction_id"

	// RequestIDKey holds the id of the inbound request a transaction is
	// serving. It is replicated along with the transaction id, so work handed
	// to other goroutines can be attributed to the right request even when
	// several requests continue the same transaction.
	RequestIDKey = "handoff_request_id"

	// UninitializedTransactionID is the transaction id of a goroutine that is
	// not working on behalf of any transaction.
	UninitializedTransactionID = "handoff_null_id"
)

// ErrReservedKey is returned when callers try to overwrite the transaction id
// through the metadata API.
var ErrReservedKey = errors.New("txctx: key is reserved for the transaction id")

type slot struct {
	ancestral ThreadID
	md        Metadata
}

// Registry maps goroutines to their transaction context. The zero value is
// not usable; construct it with NewRegistry.
type Registry struct {
	slots    sync.Map // ThreadID -> *slot
	threadID func() ThreadID
	newID    func() string
}

type Option func(*Registry)

// WithThreadIDFunc replaces the goroutine id source.
func WithThreadIDFunc(fn func() ThreadID) Option {
	return func(r *Registry) { r.threadID = fn }
}

// WithIDGenerator replaces the transaction id generator. Generators must
// never return UninitializedTransactionID.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		threadID: CurrentThreadID,
		newID:    NewTransactionID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CurrentThreadID returns the id of the calling goroutine, as seen by this
// registry.
func (r *Registry) CurrentThreadID() ThreadID {
	return r.threadID()
}

// Create starts a new transaction on the calling goroutine.
func (r *Registry) Create() {
	r.CreateWithID(r.newID())
}

// CreateWithID starts a new transaction with the given id on the calling
// goroutine. A transaction already running on this goroutine is replaced, and
// the replacement is logged.
func (r *Registry) CreateWithID(id string) {
	tid := r.threadID()
	if s := r.load(tid); s != nil {
		if prev := s.transactionID(); prev != UninitializedTransactionID {
			log.Warn().
				Int64("thread_id", int64(tid)).
				Str("transaction_id", prev).
				Str("replacement_id", id).
				Msg("transaction context created over an existing one")
		}
	}

	r.slots.Store(tid, &slot{
		ancestral: tid,
		md:        Metadata{TransactionIDKey: NewMetadataItem(id, true, false)},
	})
}

// Destroy discards the calling goroutine's context. It is a no-op when there
// is none.
func (r *Registry) Destroy() {
	r.slots.Delete(r.threadID())
}

// Clear resets the calling goroutine's context to the uninitialized state
// while keeping its slot.
func (r *Registry) Clear() {
	tid := r.threadID()
	if r.load(tid) == nil {
		return
	}
	r.slots.Store(tid, newUninitializedSlot(tid))
}

// PutMetadata stores item under key for the current transaction.
func (r *Registry) PutMetadata(key string, item *MetadataItem) error {
	if key == TransactionIDKey {
		return ErrReservedKey
	}
	r.writable().md[key] = item
	return nil
}

// Put stores a replicable value.
func (r *Registry) Put(key string, value any) error {
	return r.PutMetadata(key, NewMetadataItem(value, true, false))
}

// PutLocal stores a value that stays on the calling goroutine.
func (r *Registry) PutLocal(key string, value any) error {
	return r.PutMetadata(key, NewMetadataItem(value, false, false))
}

// Tag stores a replicable value that is also attached to outbound calls.
func (r *Registry) Tag(key string, value any) error {
	return r.PutMetadata(key, NewMetadataItem(value, true, true))
}

// Remove deletes key from the current transaction.
func (r *Registry) Remove(key string) error {
	if key == TransactionIDKey {
		return ErrReservedKey
	}
	if s := r.load(r.threadID()); s != nil {
		delete(s.md, key)
	}
	return nil
}

func (r *Registry) GetMetadata(key string) (*MetadataItem, bool) {
	s := r.load(r.threadID())
	if s == nil {
		if key == TransactionIDKey {
			return uninitializedItem(), true
		}
		return nil, false
	}
	item, ok := s.md[key]
	return item, ok
}

// GetPrivateMetadata returns a snapshot of the replicable metadata of the
// calling goroutine, suitable for installing on another goroutine. Take it
// when work is submitted, not when it runs.
func (r *Registry) GetPrivateMetadata() Metadata {
	s := r.load(r.threadID())
	if s == nil {
		return newUninitializedSlot(0).md
	}
	return s.md.filter((*MetadataItem).IsReplicable)
}

// SetPrivateMetadata installs a snapshot on the calling goroutine, replacing
// whatever context it had.
func (r *Registry) SetPrivateMetadata(ancestral ThreadID, md Metadata) {
	r.slots.Store(r.threadID(), &slot{ancestral: ancestral, md: md.Clone()})
}

// Tags returns the metadata flagged for outbound tagging.
func (r *Registry) Tags() Metadata {
	s := r.load(r.threadID())
	if s == nil {
		return Metadata{}
	}
	return s.md.filter((*MetadataItem).IsTag)
}

func (r *Registry) TransactionID() string {
	s := r.load(r.threadID())
	if s == nil {
		return UninitializedTransactionID
	}
	return s.transactionID()
}

// RequestID returns the id of the request the calling goroutine is working
// for, or "" if none was recorded.
func (r *Registry) RequestID() string {
	item, ok := r.GetMetadata(RequestIDKey)
	if !ok {
		return ""
	}
	id, _ := item.Get().(string)
	return id
}

// AncestralThreadID returns the goroutine that created the current
// transaction. Goroutines without a transaction are their own ancestor.
func (r *Registry) AncestralThreadID() ThreadID {
	tid := r.threadID()
	if s := r.load(tid); s != nil {
		return s.ancestral
	}
	return tid
}

// IsWithinCreatedContext reports whether the calling goroutine is working on
// behalf of a transaction.
func (r *Registry) IsWithinCreatedContext() bool {
	return r.TransactionID() != UninitializedTransactionID
}

func (r *Registry) UninitializedTransactionContextValue() string {
	return UninitializedTransactionID
}

// Len returns the number of goroutines holding a slot.
func (r *Registry) Len() int {
	n := 0
	r.slots.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) load(tid ThreadID) *slot {
	v, ok := r.slots.Load(tid)
	if !ok {
		return nil
	}
	return v.(*slot)
}

func (r *Registry) writable() *slot {
	tid := r.threadID()
	if s := r.load(tid); s != nil {
		return s
	}
	s := newUninitializedSlot(tid)
	r.slots.Store(tid, s)
	return s
}

func (s *slot) transactionID() string {
	if id, ok := s.md.TransactionID(); ok {
		return id
	}
	return UninitializedTransactionID
}

func uninitializedItem() *MetadataItem {
	return NewMetadataItem(UninitializedTransactionID, true, false)
}

func newUninitializedSlot(tid ThreadID) *slot {
	return &slot{
		ancestral: tid,
		md:        Metadata{TransactionIDKey: uninitializedItem()},
	}
}

package txctx

import "maps"

// MetadataItem is a single piece of transaction context. Items are never
// mutated once built; replacing a value means storing a new item.
type MetadataItem struct {
	value      any
	replicable bool
	tag        bool
}

// NewMetadataItem returns an item holding value. Replicable items travel
// across goroutine handoffs; tag items are also attached to outbound calls.
func NewMetadataItem(value any, replicable, tag bool) *MetadataItem {
	return &MetadataItem{value: value, replicable: replicable, tag: tag}
}

func (i *MetadataItem) Get() any { return i.value }

func (i *MetadataItem) IsReplicable() bool { return i.replicable }

func (i *MetadataItem) IsTag() bool { return i.tag }

// Metadata maps keys to items for one transaction.
type Metadata map[string]*MetadataItem

// Clone returns a shallow copy. Items are shared since they are immutable.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// TransactionID returns the id stored under TransactionIDKey, if any.
func (m Metadata) TransactionID() (string, bool) {
	item, ok := m[TransactionIDKey]
	if !ok || item == nil {
		return "", false
	}
	id, ok := item.Get().(string)
	return id, ok
}

func (m Metadata) filter(keep func(*MetadataItem) bool) Metadata {
	out := Metadata{}
	for k, v := range m {
		if v != nil && keep(v) {
			out[k] = v
		}
	}
	return out
}

package datasets

import (
	"sync"
)

// InvalidationEvent identifies one shard whose published manifest changed.
type InvalidationEvent struct {
	DatasetID     string `json:"datasetId"`
	ManifestShard string `json:"manifestShard"`
}

// InvalidationBus fans manifest invalidations out to in-process subscribers
// (query planner caches, SSE streams). Delivery is best-effort: a subscriber
// that cannot keep up drops events rather than blocking publishers.
type InvalidationBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan InvalidationEvent
}

// NewInvalidationBus creates an empty bus.
func NewInvalidationBus() *InvalidationBus {
	return &InvalidationBus{subs: make(map[int]chan InvalidationEvent)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function unregisters and closes it.
func (b *InvalidationBus) Subscribe(buffer int) (<-chan InvalidationEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan InvalidationEvent, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *InvalidationBus) Publish(event InvalidationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

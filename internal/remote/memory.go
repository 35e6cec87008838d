package remote

import (
	"context"
	"sort"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// MemoryStore is an in-process DocumentStore. Several sessions sharing one
// MemoryStore behave like clients of the same backend. SetOffline makes every
// call fail with ErrOffline so degraded paths can be exercised.
type MemoryStore struct {
	mux         sync.Mutex
	collections map[string]map[string]Fields
	subscribers map[string][]*subscriber
	offline     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Fields),
		subscribers: make(map[string][]*subscriber),
	}
}

// SetOffline toggles simulated unavailability. Existing subscriptions stay
// open but receive nothing while offline.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.offline = offline
}

func (m *MemoryStore) FetchAll(_ context.Context, collection string) ([]Document, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.offline {
		return nil, ErrOffline
	}
	return m.documents(collection, func(Fields) bool { return true }), nil
}

func (m *MemoryStore) Query(_ context.Context, collection, field string, value any) ([]Document, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.offline {
		return nil, ErrOffline
	}
	return m.documents(collection, func(f Fields) bool { return f.Equal(field, value) }), nil
}

func (m *MemoryStore) Get(_ context.Context, collection, id string) (*Document, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.offline {
		return nil, ErrOffline
	}
	fields, ok := m.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return &Document{ID: id, Fields: fields.merge(nil)}, nil
}

func (m *MemoryStore) Merge(_ context.Context, collection, id string, fields Fields) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.offline {
		return ErrOffline
	}

	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]Fields)
		m.collections[collection] = docs
	}
	current, exists := docs[id]
	merged := current.merge(fields)
	docs[id] = merged

	changeType := Modified
	if !exists {
		changeType = Added
	}
	m.publish(collection, Change{Type: changeType, Doc: Document{ID: id, Fields: merged.merge(nil)}})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.offline {
		return ErrOffline
	}

	fields, ok := m.collections[collection][id]
	if !ok {
		return nil
	}
	delete(m.collections[collection], id)
	m.publish(collection, Change{Type: Removed, Doc: Document{ID: id, Fields: fields}})
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, collection string) (<-chan Batch, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.offline {
		return nil, ErrOffline
	}

	sub := newSubscriber()
	m.subscribers[collection] = append(m.subscribers[collection], sub)
	out := make(chan Batch)
	go sub.pump(ctx, out, func() { m.unsubscribe(collection, sub) })
	jww.TRACE.Printf("[MemoryStore] subscribed to %s", collection)
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	for _, subs := range m.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	m.subscribers = make(map[string][]*subscriber)
	return nil
}

// documents returns the matching documents of a collection sorted by id.
// Must be called with the lock held.
func (m *MemoryStore) documents(collection string, match func(Fields) bool) []Document {
	var docs []Document
	for id, fields := range m.collections[collection] {
		if match(fields) {
			docs = append(docs, Document{ID: id, Fields: fields.merge(nil)})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// publish queues a single change batch for every subscriber of the collection.
// Must be called with the lock held.
func (m *MemoryStore) publish(collection string, change Change) {
	batch := Batch{Collection: collection, Changes: []Change{change}}
	for _, sub := range m.subscribers[collection] {
		sub.push(batch)
	}
}

func (m *MemoryStore) unsubscribe(collection string, sub *subscriber) {
	m.mux.Lock()
	defer m.mux.Unlock()
	subs := m.subscribers[collection]
	for i, s := range subs {
		if s == sub {
			m.subscribers[collection] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// subscriber is an unbounded FIFO between the publisher, which must never
// block while holding the store lock, and the consumer channel.
type subscriber struct {
	mux    sync.Mutex
	queue  []Batch
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) push(b Batch) {
	s.mux.Lock()
	s.queue = append(s.queue, b)
	s.mux.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() { s.once.Do(func() { close(s.done) }) }

func (s *subscriber) pump(ctx context.Context, out chan<- Batch, unsubscribe func()) {
	defer close(out)
	defer unsubscribe()
	for {
		s.mux.Lock()
		var next *Batch
		if len(s.queue) > 0 {
			next = &s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mux.Unlock()

		if next == nil {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- *next:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

package core

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/remote"
)

// taskQueueSize bounds the tasks waiting for the consumer. Producers block
// when it is full, which keeps every feed in order.
const taskQueueSize = 256

// BatchHandler applies one change batch. It runs on the consumer goroutine.
type BatchHandler func(ctx context.Context, batch remote.Batch)

// RealtimeSync subscribes to the remote change feeds and applies their
// batches one at a time on a single consumer goroutine. A batch is fully
// applied before the next one starts, and batches of one feed are applied in
// the order they were committed.
type RealtimeSync struct {
	remote   remote.DocumentStore
	handlers map[string]BatchHandler
	order    []string

	tasks  chan func(context.Context)
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mux     sync.Mutex
	running bool
	done    chan struct{}
}

func NewRealtimeSync(rs remote.DocumentStore) *RealtimeSync {
	return &RealtimeSync{
		remote:   rs,
		handlers: make(map[string]BatchHandler),
		tasks:    make(chan func(context.Context), taskQueueSize),
		done:     make(chan struct{}),
	}
}

// Handle registers the handler of a collection. It must be called before
// Start.
func (s *RealtimeSync) Handle(collection string, h BatchHandler) {
	if _, ok := s.handlers[collection]; !ok {
		s.order = append(s.order, collection)
	}
	s.handlers[collection] = h
}

// Start runs the consumer and subscribes to every handled collection. The
// consumer keeps running when a subscription fails so Do still works; the
// error lists the feeds that could not be opened.
func (s *RealtimeSync) Start(ctx context.Context) error {
	s.mux.Lock()
	if s.running {
		s.mux.Unlock()
		return errors.New("realtime sync already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mux.Unlock()

	s.wg.Add(1)
	go s.consume(ctx)

	var failed []string
	for _, collection := range s.order {
		feed, err := s.remote.Subscribe(ctx, collection)
		if err != nil {
			jww.WARN.Printf("[RealtimeSync] failed to subscribe to %s: %+v",
				collection, err)
			failed = append(failed, collection)
			continue
		}
		s.wg.Add(1)
		go s.forward(ctx, collection, feed)
	}
	if len(failed) > 0 {
		return errors.Wrapf(ErrRemoteUnavailable, "no live feed for %v", failed)
	}
	jww.INFO.Printf("[RealtimeSync] listening to %v", s.order)
	return nil
}

// Do runs fn on the consumer after every task queued before it and waits for
// it to finish.
func (s *RealtimeSync) Do(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	task := func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}
	if err := s.enqueue(ctx, task); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Stop cancels the subscriptions and waits for the consumer to exit. Queued
// tasks that have not started are dropped.
func (s *RealtimeSync) Stop() {
	s.mux.Lock()
	if !s.running {
		s.mux.Unlock()
		return
	}
	s.running = false
	s.cancel()
	close(s.done)
	s.mux.Unlock()
	s.wg.Wait()
	jww.DEBUG.Printf("[RealtimeSync] stopped")
}

func (s *RealtimeSync) enqueue(ctx context.Context, task func(context.Context)) error {
	select {
	case s.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *RealtimeSync) forward(ctx context.Context, collection string, feed <-chan remote.Batch) {
	defer s.wg.Done()
	handler := s.handlers[collection]
	for batch := range feed {
		batch := batch
		jww.TRACE.Printf("[RealtimeSync] queued %d %s changes",
			len(batch.Changes), collection)
		if err := s.enqueue(ctx, func(ctx context.Context) { handler(ctx, batch) }); err != nil {
			return
		}
	}
}

func (s *RealtimeSync) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.tasks:
			task(ctx)
		}
	}
}

package core

import (
	"context"
	"sync"
	"time"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// textMessage builds a valid text message from sender to receiver at ms.
func textMessage(id, sender, receiver string, ms int64, body string) store.Message {
	return store.Message{
		ID:         id,
		ChatID:     ChatID(sender, receiver),
		SenderID:   sender,
		ReceiverID: receiver,
		Timestamp:  time.UnixMilli(ms),
		Content:    store.TextContent{Body: body},
	}
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

// gatedStore blocks every Merge into one collection until release is closed
// and counts the merges that reached the wrapped store.
type gatedStore struct {
	remote.DocumentStore
	collection string
	entered    chan struct{}
	release    chan struct{}

	mux    sync.Mutex
	merges int
	once   sync.Once
}

func newGatedStore(inner remote.DocumentStore, collection string) *gatedStore {
	return &gatedStore{
		DocumentStore: inner,
		collection:    collection,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedStore) Merge(ctx context.Context, collection, id string, fields remote.Fields) error {
	if collection == g.collection {
		g.once.Do(func() { close(g.entered) })
		<-g.release
		g.mux.Lock()
		g.merges++
		g.mux.Unlock()
	}
	return g.DocumentStore.Merge(ctx, collection, id, fields)
}

func (g *gatedStore) Merges() int {
	g.mux.Lock()
	defer g.mux.Unlock()
	return g.merges
}

// countingStore counts the merges into one collection.
type countingStore struct {
	remote.DocumentStore
	collection string

	mux    sync.Mutex
	merges []remote.Fields
}

func (c *countingStore) Merge(ctx context.Context, collection, id string, fields remote.Fields) error {
	if collection == c.collection {
		c.mux.Lock()
		c.merges = append(c.merges, fields)
		c.mux.Unlock()
	}
	return c.DocumentStore.Merge(ctx, collection, id, fields)
}

func (c *countingStore) Count() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.merges)
}

// recordingHooks keeps the last value passed to each hook.
type recordingHooks struct {
	mux           sync.Mutex
	conversations []Conversation
	messages      map[string][]store.Message
	pins          map[string]*store.PinnedMessage
	presence      map[string]store.User
	calls         []CallState
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{
		messages: make(map[string][]store.Message),
		pins:     make(map[string]*store.PinnedMessage),
		presence: make(map[string]store.User),
	}
}

func (h *recordingHooks) OnConversationsChanged(c []Conversation) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.conversations = c
}

func (h *recordingHooks) OnMessagesChanged(chatID string, msgs []store.Message) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.messages[chatID] = msgs
}

func (h *recordingHooks) OnPresenceChanged(u store.User) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.presence[u.ID] = u
}

func (h *recordingHooks) OnPinChanged(chatID string, pin *store.PinnedMessage) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.pins[chatID] = pin
}

func (h *recordingHooks) OnCallChanged(state CallState, _ *store.Call) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.calls = append(h.calls, state)
}

func (h *recordingHooks) Conversations() []Conversation {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.conversations
}

func (h *recordingHooks) Pin(chatID string) (*store.PinnedMessage, bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	pin, ok := h.pins[chatID]
	return pin, ok
}

func (h *recordingHooks) Presence(userID string) (store.User, bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	u, ok := h.presence[userID]
	return u, ok
}

// countingNotifier counts incoming message notifications.
type countingNotifier struct {
	mux      sync.Mutex
	incoming []store.Message
}

func (n *countingNotifier) NotifyIncoming(msg store.Message) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.incoming = append(n.incoming, msg)
}

func (n *countingNotifier) Count() int {
	n.mux.Lock()
	defer n.mux.Unlock()
	return len(n.incoming)
}

package core

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// MessageStore is the per chat message log of a session. Every chat is held
// in memory sorted by timestamp and written through to the mirror key
// chat_<chatID>. The remote store is the source of truth: a successful sync
// replaces the local copy of a chat wholesale.
type MessageStore struct {
	remote remote.DocumentStore
	mirror store.Mirror

	mux     sync.RWMutex
	chats   map[string][]store.Message
	loaded  map[string]bool
	pending map[string]string // message id -> chat id, optimistic and unacknowledged
}

func NewMessageStore(rs remote.DocumentStore, mirror store.Mirror) *MessageStore {
	return &MessageStore{
		remote:  rs,
		mirror:  mirror,
		chats:   make(map[string][]store.Message),
		loaded:  make(map[string]bool),
		pending: make(map[string]string),
	}
}

// ValidateMessage checks the ids, the chat id and the content of msg.
func ValidateMessage(msg store.Message) error {
	if msg.ID == "" || msg.SenderID == "" || msg.ReceiverID == "" {
		return errors.Wrap(ErrValidation, "message is missing an id")
	}
	for _, userID := range []string{msg.SenderID, msg.ReceiverID} {
		if err := ValidateUserID(userID); err != nil {
			return errors.WithMessagef(err, "message %s", msg.ID)
		}
	}
	if want := ChatID(msg.SenderID, msg.ReceiverID); msg.ChatID != want {
		return errors.Wrapf(ErrValidation, "message %s has chat id %q, expected %q",
			msg.ID, msg.ChatID, want)
	}
	if err := store.ValidateContent(msg.Content); err != nil {
		return errors.Wrapf(ErrValidation, "message %s: %v", msg.ID, err)
	}
	return nil
}

// Append adds msg to its chat. A message with an id already present replaces
// the stored copy.
func (ms *MessageStore) Append(msg store.Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	ms.mux.Lock()
	defer ms.mux.Unlock()
	ms.insert(msg)
	ms.persist(msg.ChatID)
	return nil
}

// AppendPending adds an optimistic message that has not been written to the
// remote store yet. It survives Replace until it is acknowledged or the remote
// copy shows up.
func (ms *MessageStore) AppendPending(msg store.Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	ms.mux.Lock()
	defer ms.mux.Unlock()
	ms.insert(msg)
	ms.pending[msg.ID] = msg.ChatID
	ms.persist(msg.ChatID)
	return nil
}

// Ack marks a pending message as committed remotely.
func (ms *MessageStore) Ack(messageID string) {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	delete(ms.pending, messageID)
}

// Upsert folds a message received from the change feed into its chat.
func (ms *MessageStore) Upsert(msg store.Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	ms.mux.Lock()
	defer ms.mux.Unlock()
	delete(ms.pending, msg.ID)
	ms.insert(msg)
	ms.persist(msg.ChatID)
	return nil
}

// Remove deletes a single message. It reports whether the message was
// present; removing a missing message is not an error.
func (ms *MessageStore) Remove(chatID, messageID string) bool {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	ms.hydrate(chatID)
	delete(ms.pending, messageID)

	msgs := ms.chats[chatID]
	for i, m := range msgs {
		if m.ID == messageID {
			ms.chats[chatID] = append(msgs[:i:i], msgs[i+1:]...)
			ms.persist(chatID)
			return true
		}
	}
	return false
}

// Load returns the messages of a chat in ascending timestamp order. Messages
// with equal timestamps keep their insertion order.
func (ms *MessageStore) Load(chatID string) []store.Message {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	ms.hydrate(chatID)
	return append([]store.Message(nil), ms.chats[chatID]...)
}

// Replace swaps the local copy of a chat for the remote result set. Pending
// messages absent from msgs are kept; those present are reconciled away.
func (ms *MessageStore) Replace(chatID string, msgs []store.Message) {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	ms.replace(chatID, msgs)
}

// Sync fetches a chat from the remote store and replaces the local copy. When
// the fetch fails the mirrored copy is returned unchanged.
func (ms *MessageStore) Sync(ctx context.Context, chatID string) []store.Message {
	docs, err := ms.remote.Query(ctx, remote.Messages, "chatId", chatID)
	if err != nil {
		jww.WARN.Printf("[MessageStore] serving mirrored %s, remote fetch "+
			"failed: %+v", chatID, err)
		return ms.Load(chatID)
	}

	msgs := make([]store.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := decodeMessage(doc)
		if err != nil {
			jww.WARN.Printf("[MessageStore] skipping message %s: %+v", doc.ID, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	ms.Replace(chatID, msgs)
	return ms.Load(chatID)
}

// SyncAll replaces every chat of userID with the remote result set. Chats the
// remote store no longer has are emptied, including chats only known through
// the mirror.
func (ms *MessageStore) SyncAll(ctx context.Context, userID string) error {
	docs, err := ms.remote.FetchAll(ctx, remote.Messages)
	if err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "failed to fetch messages: %v", err)
	}

	byChat := make(map[string][]store.Message)
	for _, doc := range docs {
		msg, err := decodeMessage(doc)
		if err != nil {
			jww.WARN.Printf("[MessageStore] skipping message %s: %+v", doc.ID, err)
			continue
		}
		if msg.SenderID != userID && msg.ReceiverID != userID {
			continue
		}
		byChat[msg.ChatID] = append(byChat[msg.ChatID], msg)
	}

	keys, err := ms.mirror.Keys()
	if err != nil {
		jww.WARN.Printf("[MessageStore] stale mirrored chats may survive the "+
			"sync: %+v", err)
	}

	ms.mux.Lock()
	defer ms.mux.Unlock()
	for _, key := range keys {
		if chatID, ok := store.ChatIDFromKey(key); ok {
			ms.hydrate(chatID)
		}
	}
	for chatID, msgs := range ms.chats {
		if _, ok := byChat[chatID]; !ok && involves(msgs, userID) {
			ms.replace(chatID, nil)
		}
	}
	for chatID, msgs := range byChat {
		ms.replace(chatID, msgs)
	}
	jww.DEBUG.Printf("[MessageStore] synced %d chats for %s", len(byChat), userID)
	return nil
}

// Reconstruct rebuilds the chats of userID from the mirror alone. It is the
// degraded path used when SyncAll fails, and returns the chat ids found.
func (ms *MessageStore) Reconstruct(userID string) ([]string, error) {
	keys, err := ms.mirror.Keys()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list mirrored chats")
	}

	ms.mux.Lock()
	defer ms.mux.Unlock()
	var chatIDs []string
	for _, key := range keys {
		chatID, ok := store.ChatIDFromKey(key)
		if !ok {
			continue
		}
		ms.hydrate(chatID)
		if involves(ms.chats[chatID], userID) {
			chatIDs = append(chatIDs, chatID)
		}
	}
	sort.Strings(chatIDs)
	jww.INFO.Printf("[MessageStore] reconstructed %d chats for %s from the "+
		"mirror", len(chatIDs), userID)
	return chatIDs, nil
}

// Snapshot returns a copy of every chat currently held in memory.
func (ms *MessageStore) Snapshot() map[string][]store.Message {
	ms.mux.RLock()
	defer ms.mux.RUnlock()
	out := make(map[string][]store.Message, len(ms.chats))
	for chatID, msgs := range ms.chats {
		if len(msgs) > 0 {
			out[chatID] = append([]store.Message(nil), msgs...)
		}
	}
	return out
}

// Pending reports whether messageID is an unacknowledged optimistic message.
func (ms *MessageStore) Pending(messageID string) bool {
	ms.mux.RLock()
	defer ms.mux.RUnlock()
	_, ok := ms.pending[messageID]
	return ok
}

// insert places msg after every message with a timestamp not later than its
// own. Must be called with the lock held.
func (ms *MessageStore) insert(msg store.Message) {
	ms.hydrate(msg.ChatID)
	msgs := ms.chats[msg.ChatID]
	for i, m := range msgs {
		if m.ID == msg.ID {
			msgs = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].Timestamp.After(msg.Timestamp)
	})
	msgs = append(msgs, store.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	ms.chats[msg.ChatID] = msgs
}

// replace must be called with the lock held.
func (ms *MessageStore) replace(chatID string, msgs []store.Message) {
	ms.hydrate(chatID)
	next := append([]store.Message(nil), msgs...)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Timestamp.Before(next[j].Timestamp)
	})

	remoteIDs := make(map[string]struct{}, len(next))
	for _, m := range next {
		remoteIDs[m.ID] = struct{}{}
	}
	kept := make([]store.Message, 0)
	for _, m := range ms.chats[chatID] {
		if ms.pending[m.ID] != chatID {
			continue
		}
		if _, ok := remoteIDs[m.ID]; ok {
			delete(ms.pending, m.ID)
			continue
		}
		kept = append(kept, m)
	}

	ms.chats[chatID] = next
	for _, m := range kept {
		ms.insert(m)
	}
	ms.persist(chatID)
}

// hydrate loads a chat from the mirror the first time it is touched. Must be
// called with the lock held.
func (ms *MessageStore) hydrate(chatID string) {
	if ms.loaded[chatID] {
		return
	}
	ms.loaded[chatID] = true

	var msgs []store.Message
	if _, err := store.GetJSON(ms.mirror, store.ChatKey(chatID), &msgs); err != nil {
		jww.WARN.Printf("[MessageStore] ignoring unreadable mirror for %s: %+v",
			chatID, err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	ms.chats[chatID] = msgs
}

// persist writes a chat through to the mirror. The mirror is a cache, so a
// failed write is logged and otherwise ignored. Must be called with the lock
// held.
func (ms *MessageStore) persist(chatID string) {
	msgs := ms.chats[chatID]
	var err error
	if len(msgs) == 0 {
		err = ms.mirror.RemoveItem(store.ChatKey(chatID))
	} else {
		err = store.SetJSON(ms.mirror, store.ChatKey(chatID), msgs)
	}
	if err != nil {
		jww.WARN.Printf("[MessageStore] failed to mirror %s: %+v", chatID, err)
	}
}

func involves(msgs []store.Message, userID string) bool {
	for _, m := range msgs {
		if m.SenderID == userID || m.ReceiverID == userID {
			return true
		}
	}
	return false
}

func decodeMessage(doc remote.Document) (store.Message, error) {
	var msg store.Message
	if err := doc.Decode(&msg); err != nil {
		return store.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = doc.ID
	}
	return msg, nil
}

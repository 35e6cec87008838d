package core

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// PinnedState holds the single pinned message of each chat and the viewer's
// pinned chats. Pinned messages are shared through the remote store; pinned
// chats are a preference of this device and live only in the mirror.
type PinnedState struct {
	remote remote.DocumentStore
	mirror store.Mirror

	mux  sync.Mutex
	pins map[string]store.PinnedMessage
}

func NewPinnedState(rs remote.DocumentStore, mirror store.Mirror) *PinnedState {
	return &PinnedState{
		remote: rs,
		mirror: mirror,
		pins:   make(map[string]store.PinnedMessage),
	}
}

// Pin makes msg the pinned message of chatID, replacing any earlier pin.
func (ps *PinnedState) Pin(ctx context.Context, chatID string, msg store.Message,
	senderName string) (*store.PinnedMessage, error) {
	if chatID == "" || msg.ID == "" || msg.Content == nil {
		return nil, errors.Wrap(ErrValidation, "pin needs a chat and a message")
	}

	id := msg.ID
	pin := store.PinnedMessage{
		ChatID:      chatID,
		MessageID:   &id,
		MessageText: msg.Content.Preview(),
		SenderID:    msg.SenderID,
		SenderName:  senderName,
		Timestamp:   msg.Timestamp.UnixMilli(),
	}
	fields, err := remote.FieldsOf(pin)
	if err != nil {
		return nil, err
	}
	if err = ps.remote.Merge(context.WithoutCancel(ctx), remote.PinnedMessages,
		chatID, fields); err != nil {
		return nil, errors.Wrapf(ErrRemoteUnavailable, "failed to pin %s in %s: %v",
			msg.ID, chatID, err)
	}

	ps.mux.Lock()
	defer ps.mux.Unlock()
	ps.set(pin)
	jww.DEBUG.Printf("[PinnedState] pinned %s in %s", msg.ID, chatID)
	return &pin, nil
}

// Unpin writes a tombstone for chatID. The record is kept with a null
// messageId rather than deleted.
func (ps *PinnedState) Unpin(ctx context.Context, chatID string) error {
	fields, err := remote.NewFields(map[string]any{
		"chatId":    chatID,
		"messageId": nil,
	})
	if err != nil {
		return err
	}
	if err = ps.remote.Merge(context.WithoutCancel(ctx), remote.PinnedMessages,
		chatID, fields); err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "failed to unpin %s: %v",
			chatID, err)
	}

	ps.mux.Lock()
	defer ps.mux.Unlock()
	ps.set(store.PinnedMessage{ChatID: chatID})
	return nil
}

// Current returns the pinned message of chatID, or nil when the chat has no
// pin or only a tombstone.
func (ps *PinnedState) Current(chatID string) *store.PinnedMessage {
	ps.mux.Lock()
	defer ps.mux.Unlock()
	pin, ok := ps.pins[chatID]
	if !ok || pin.IsTombstone() {
		return nil
	}
	return &pin
}

// Refresh queries the remote pin of chatID. When the query fails the last
// known pin is kept, falling back to the message id recorded in the mirror.
func (ps *PinnedState) Refresh(ctx context.Context, chatID string) *store.PinnedMessage {
	docs, err := ps.remote.Query(ctx, remote.PinnedMessages, "chatId", chatID)
	if err != nil {
		jww.WARN.Printf("[PinnedState] serving cached pin for %s, remote "+
			"query failed: %+v", chatID, err)
		ps.mux.Lock()
		if _, ok := ps.pins[chatID]; !ok {
			if id, ok := ps.mirrored()[chatID]; ok {
				ps.pins[chatID] = store.PinnedMessage{ChatID: chatID, MessageID: &id}
			}
		}
		ps.mux.Unlock()
		return ps.Current(chatID)
	}

	ps.mux.Lock()
	if len(docs) == 0 {
		ps.set(store.PinnedMessage{ChatID: chatID})
	} else if pin, err := decodePin(docs[0]); err != nil {
		jww.WARN.Printf("[PinnedState] %+v", err)
	} else {
		ps.set(pin)
	}
	ps.mux.Unlock()
	return ps.Current(chatID)
}

// Apply folds one pinnedMessages change into the cache and returns the
// resulting pin of the chat.
func (ps *PinnedState) Apply(change remote.Change) (string, *store.PinnedMessage, error) {
	chatID := change.Doc.ID
	pin := store.PinnedMessage{ChatID: chatID}
	if change.Type != remote.Removed {
		var err error
		if pin, err = decodePin(change.Doc); err != nil {
			return chatID, nil, err
		}
	}

	ps.mux.Lock()
	ps.set(pin)
	ps.mux.Unlock()
	return chatID, ps.Current(chatID), nil
}

// TogglePinnedChat adds partnerID to the pinned chats of viewerID, or removes
// it when already present, and reports whether it is now pinned.
func (ps *PinnedState) TogglePinnedChat(viewerID, partnerID string) (bool, error) {
	if viewerID == "" || partnerID == "" {
		return false, errors.Wrap(ErrValidation, "toggle needs a viewer and a partner")
	}

	ps.mux.Lock()
	defer ps.mux.Unlock()
	key := store.PinnedChatsKey(viewerID)
	var ids []string
	if _, err := store.GetJSON(ps.mirror, key, &ids); err != nil {
		return false, err
	}

	pinned := true
	next := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		if id == partnerID {
			pinned = false
			continue
		}
		next = append(next, id)
	}
	if pinned {
		next = append(next, partnerID)
	}
	if err := store.SetJSON(ps.mirror, key, next); err != nil {
		return false, err
	}
	return pinned, nil
}

// PinnedChats returns the partner ids viewerID pinned on this device.
func (ps *PinnedState) PinnedChats(viewerID string) map[string]struct{} {
	ps.mux.Lock()
	defer ps.mux.Unlock()
	var ids []string
	if _, err := store.GetJSON(ps.mirror, store.PinnedChatsKey(viewerID), &ids); err != nil {
		jww.WARN.Printf("[PinnedState] %+v", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// set caches pin and records its message id in the mirror. Must be called
// with the lock held.
func (ps *PinnedState) set(pin store.PinnedMessage) {
	ps.pins[pin.ChatID] = pin

	ids := ps.mirrored()
	if pin.IsTombstone() {
		delete(ids, pin.ChatID)
	} else {
		ids[pin.ChatID] = *pin.MessageID
	}
	if err := store.SetJSON(ps.mirror, store.PinnedMessagesKey, ids); err != nil {
		jww.WARN.Printf("[PinnedState] failed to mirror pin of %s: %+v",
			pin.ChatID, err)
	}
}

// mirrored returns the chat id to message id map kept in the mirror.
func (ps *PinnedState) mirrored() map[string]string {
	ids := make(map[string]string)
	if _, err := store.GetJSON(ps.mirror, store.PinnedMessagesKey, &ids); err != nil {
		jww.WARN.Printf("[PinnedState] %+v", err)
	}
	if ids == nil {
		ids = make(map[string]string)
	}
	return ids
}

func decodePin(doc remote.Document) (store.PinnedMessage, error) {
	var pin store.PinnedMessage
	if err := doc.Decode(&pin); err != nil {
		return store.PinnedMessage{}, err
	}
	if pin.ChatID == "" {
		pin.ChatID = doc.ID
	}
	return pin, nil
}

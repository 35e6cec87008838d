package core

import (
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/store"
)

// VisibleMessages returns the messages of all whose id is not in hidden, in
// their original order.
func VisibleMessages(all []store.Message, hidden map[string]struct{}) []store.Message {
	visible := make([]store.Message, 0, len(all))
	for _, m := range all {
		if _, ok := hidden[m.ID]; !ok {
			visible = append(visible, m)
		}
	}
	return visible
}

// HiddenSets keeps the per viewer, per chat sets of message ids hidden with
// delete-for-me. The sets live only in the local mirror.
type HiddenSets struct {
	mirror store.Mirror
	mux    sync.Mutex
}

func NewHiddenSets(mirror store.Mirror) *HiddenSets {
	return &HiddenSets{mirror: mirror}
}

// Hidden returns the ids viewerID hid in chatID. A mirror failure yields an
// empty set.
func (h *HiddenSets) Hidden(viewerID, chatID string) map[string]struct{} {
	h.mux.Lock()
	defer h.mux.Unlock()
	ids, err := h.load(store.HiddenKey(viewerID, chatID))
	if err != nil {
		jww.WARN.Printf("[HiddenSets] %+v", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Hide adds messageID to the hidden set of viewerID in chatID. Hiding an id
// twice has no further effect.
func (h *HiddenSets) Hide(viewerID, chatID, messageID string) error {
	if viewerID == "" || chatID == "" || messageID == "" {
		return errors.Wrap(ErrValidation, "hide needs a viewer, chat and message id")
	}
	if err := ValidateUserID(viewerID); err != nil {
		return err
	}

	h.mux.Lock()
	defer h.mux.Unlock()
	key := store.HiddenKey(viewerID, chatID)
	ids, err := h.load(key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == messageID {
			return nil
		}
	}
	return store.SetJSON(h.mirror, key, append(ids, messageID))
}

// Prune removes messageID from every viewer's hidden set for chatID.
func (h *HiddenSets) Prune(chatID, messageID string) error {
	h.mux.Lock()
	defer h.mux.Unlock()

	keys, err := h.mirror.Keys()
	if err != nil {
		return errors.WithMessage(err, "failed to list hidden sets")
	}
	a, b, ok := chatMembers(chatID)
	if !ok {
		return errors.Wrapf(ErrValidation, "malformed chat id %q", chatID)
	}
	for _, key := range keys {
		if key != store.HiddenKey(a, chatID) && key != store.HiddenKey(b, chatID) {
			continue
		}
		ids, err := h.load(key)
		if err != nil {
			return err
		}
		kept := ids[:0]
		for _, id := range ids {
			if id != messageID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(ids) {
			continue
		}
		if len(kept) == 0 {
			err = h.mirror.RemoveItem(key)
		} else {
			err = store.SetJSON(h.mirror, key, kept)
		}
		if err != nil {
			return errors.WithMessagef(err, "failed to prune %s", key)
		}
		jww.DEBUG.Printf("[HiddenSets] pruned %s from %s", messageID, key)
	}
	return nil
}

func (h *HiddenSets) load(key string) ([]string, error) {
	var ids []string
	if _, err := store.GetJSON(h.mirror, key, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

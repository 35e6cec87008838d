package store

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Mirror is the local key/value cache that backs offline reads. It is never
// authoritative: callers must tolerate it being empty, stale or absent.
type Mirror interface {
	// GetItem returns the value stored under key, or os.ErrNotExist.
	GetItem(key string) ([]byte, error)
	SetItem(key string, value []byte) error
	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(key string) error
	// Keys lists every key in the mirror in no particular order.
	Keys() ([]string, error)
	// ClearPrefix removes every key starting with prefix.
	ClearPrefix(prefix string) error
	Close() error
}

// Mirror key names.
const (
	ChatKeyPrefix     = "chat_"
	HiddenKeyPrefix   = "hidden_"
	PinnedChatsPrefix = "pinnedChats_"
	PinnedMessagesKey = "pinnedMessages"
	UsersKey          = "users"
	ChatWallpapersKey = "chatWallpapers"
)

// ChatKey is the mirror key holding the message array of a chat.
func ChatKey(chatID string) string { return ChatKeyPrefix + chatID }

// HiddenKey is the mirror key holding the ids a viewer hid in a chat.
func HiddenKey(viewerID, chatID string) string {
	return HiddenKeyPrefix + viewerID + "_" + chatID
}

// PinnedChatsKey is the mirror key holding a viewer's pinned chat partners.
func PinnedChatsKey(viewerID string) string { return PinnedChatsPrefix + viewerID }

// ChatIDFromKey extracts the chat id from a ChatKey. It returns false for any
// other key.
func ChatIDFromKey(key string) (string, bool) {
	chatID, ok := strings.CutPrefix(key, ChatKeyPrefix)
	if !ok || chatID == "" {
		return "", false
	}
	return chatID, true
}

// GetJSON loads key and unmarshals it into v. It returns false when the key
// does not exist.
func GetJSON(m Mirror, key string, v any) (bool, error) {
	data, err := m.GetItem(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.WithMessagef(err, "failed to read mirror key %q", key)
	}
	if err = json.Unmarshal(data, v); err != nil {
		return false, errors.WithMessagef(err,
			"failed to unmarshal mirror key %q", key)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(m Mirror, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WithMessagef(err, "failed to marshal mirror key %q", key)
	}
	return m.SetItem(key, data)
}

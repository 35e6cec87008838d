package core

import (
	"sort"
	"sync"

	"astrales.app/chatsync/internal/store"
)

// Conversation is one entry of the chat list, derived from the newest message
// of a chat that the viewer can still see.
type Conversation struct {
	ChatID            string     `json:"chatId"`
	Partner           store.User `json:"partner"`
	LastMessage       string     `json:"lastMessage"`
	LastMessageTime   int64      `json:"lastMessageTime"`
	LastMessageSender string     `json:"lastMessageSender"`
	Pinned            bool       `json:"pinned"`
}

// BuildConversations derives the chat list of viewerID. A chat yields an entry
// only when it holds at least one message visible to the viewer. Entries whose
// partner is in pinned come first; each partition is ordered by last message
// time, newest first, then by chat id.
func BuildConversations(viewerID string, chats map[string][]store.Message,
	hidden map[string]map[string]struct{}, users map[string]store.User,
	pinned map[string]struct{}) []Conversation {
	conversations := make([]Conversation, 0, len(chats))
	for chatID, msgs := range chats {
		visible := VisibleMessages(msgs, hidden[chatID])
		last, ok := newest(visible, viewerID)
		if !ok {
			continue
		}

		partnerID := last.ReceiverID
		if partnerID == viewerID {
			partnerID = last.SenderID
		}
		partner, ok := users[partnerID]
		if !ok {
			partner = store.User{ID: partnerID}
		}
		_, isPinned := pinned[partnerID]

		conversations = append(conversations, Conversation{
			ChatID:            chatID,
			Partner:           partner,
			LastMessage:       last.Content.Preview(),
			LastMessageTime:   last.Timestamp.UnixMilli(),
			LastMessageSender: last.SenderID,
			Pinned:            isPinned,
		})
	}

	sort.Slice(conversations, func(i, j int) bool {
		a, b := conversations[i], conversations[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if a.LastMessageTime != b.LastMessageTime {
			return a.LastMessageTime > b.LastMessageTime
		}
		return a.ChatID < b.ChatID
	})
	return conversations
}

// newest returns the last message of msgs that involves viewerID. msgs must be
// in ascending timestamp order.
func newest(msgs []store.Message, viewerID string) (store.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Content != nil && (m.SenderID == viewerID || m.ReceiverID == viewerID) {
			return m, true
		}
	}
	return store.Message{}, false
}

// ConversationIndex holds the latest chat list. Every Rebuild replaces the
// whole list.
type ConversationIndex struct {
	mux  sync.RWMutex
	list []Conversation
}

func (ci *ConversationIndex) Rebuild(viewerID string, chats map[string][]store.Message,
	hidden map[string]map[string]struct{}, users map[string]store.User,
	pinned map[string]struct{}) []Conversation {
	list := BuildConversations(viewerID, chats, hidden, users, pinned)
	ci.mux.Lock()
	ci.list = list
	ci.mux.Unlock()
	return append([]Conversation(nil), list...)
}

// List returns a copy of the current chat list.
func (ci *ConversationIndex) List() []Conversation {
	ci.mux.RLock()
	defer ci.mux.RUnlock()
	return append([]Conversation(nil), ci.list...)
}

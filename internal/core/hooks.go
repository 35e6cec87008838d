package core

import "astrales.app/chatsync/internal/store"

// Hooks receives the refresh callbacks of a Session. Implementations must not
// block: they are called from the sync consumer and from request goroutines.
type Hooks interface {
	OnConversationsChanged(conversations []Conversation)
	OnMessagesChanged(chatID string, messages []store.Message)
	OnPresenceChanged(user store.User)
	// OnPinChanged receives nil when the chat no longer has a pin.
	OnPinChanged(chatID string, pin *store.PinnedMessage)
	OnCallChanged(state CallState, call *store.Call)
}

// Notifier is told about every message that arrives for the session user.
type Notifier interface {
	NotifyIncoming(msg store.Message)
}

// NopHooks ignores every callback.
type NopHooks struct{}

func (NopHooks) OnConversationsChanged([]Conversation)     {}
func (NopHooks) OnMessagesChanged(string, []store.Message) {}
func (NopHooks) OnPresenceChanged(store.User)              {}
func (NopHooks) OnPinChanged(string, *store.PinnedMessage) {}
func (NopHooks) OnCallChanged(CallState, *store.Call)      {}

// NopNotifier ignores every incoming message.
type NopNotifier struct{}

func (NopNotifier) NotifyIncoming(store.Message) {}

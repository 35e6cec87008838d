package core

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// Options tunes a Session. Zero values select the defaults.
type Options struct {
	PresenceDebounce time.Duration
	CallRingTimeout  time.Duration
	Hooks            Hooks
	Notifier         Notifier
	// Now is the clock used for message timestamps and presence.
	Now func() time.Time
}

// Session is the state of one logged in user: the open chat, the send slot
// and the components that keep the local view in step with the remote store.
// It is created on login and torn down by Close on logout.
type Session struct {
	userID   string
	remote   remote.DocumentStore
	hooks    Hooks
	notifier Notifier
	now      func() time.Time

	directory  *UserDirectory
	messages   *MessageStore
	hidden     *HiddenSets
	pins       *PinnedState
	index      *ConversationIndex
	presence   *PresenceTracker
	calls      *CallTracker
	wallpapers *Wallpapers
	feeds      *RealtimeSync

	sending    atomic.Bool
	rebuildMux sync.Mutex

	mux      sync.RWMutex
	openChat string // partner id, empty on the chat list
	closed   bool
}

// NewSession logs userID in: it loads the directory, commits online presence,
// syncs messages, builds the chat list and starts the live feeds. Remote
// failures degrade to the mirror; only a missing user id is an error.
func NewSession(ctx context.Context, userID string, rs remote.DocumentStore,
	mirror store.Mirror, opts Options) (*Session, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, errors.WithMessage(err, "session needs a valid user id")
	}
	if opts.Hooks == nil {
		opts.Hooks = NopHooks{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		userID:     userID,
		remote:     rs,
		hooks:      opts.Hooks,
		notifier:   opts.Notifier,
		now:        opts.Now,
		directory:  NewUserDirectory(rs, mirror),
		messages:   NewMessageStore(rs, mirror),
		hidden:     NewHiddenSets(mirror),
		pins:       NewPinnedState(rs, mirror),
		index:      &ConversationIndex{},
		wallpapers: NewWallpapers(rs, mirror),
		feeds:      NewRealtimeSync(rs),
	}
	s.presence = NewPresenceTracker(rs, s.directory, userID, opts.PresenceDebounce,
		opts.Now, s.hooks.OnPresenceChanged)
	s.calls = NewCallTracker(rs, userID, opts.CallRingTimeout, opts.Now,
		s.hooks.OnCallChanged)

	if err := s.directory.Load(ctx); err != nil {
		jww.WARN.Printf("[Session] %s starts with an empty directory: %+v", userID, err)
	}
	if err := s.presence.Signal(ctx, PresenceSignal{Source: SourceLogin}); err != nil {
		jww.WARN.Printf("[Session] failed to mark %s online: %+v", userID, err)
	}
	if err := s.messages.SyncAll(ctx, userID); err != nil {
		jww.WARN.Printf("[Session] falling back to mirrored chats for %s: %+v",
			userID, err)
		if _, err = s.messages.Reconstruct(userID); err != nil {
			jww.ERROR.Printf("[Session] failed to reconstruct chats for %s: %+v",
				userID, err)
		}
	}
	s.wallpapers.Load(ctx)
	s.rebuild()

	s.feeds.Handle(remote.Users, s.onUsers)
	s.feeds.Handle(remote.Chats, s.onChats)
	s.feeds.Handle(remote.Messages, s.onMessages)
	s.feeds.Handle(remote.PinnedMessages, s.onPinnedMessages)
	s.feeds.Handle(remote.Calls, s.onCalls)
	if err := s.feeds.Start(context.Background()); err != nil {
		jww.WARN.Printf("[Session] %s has no live updates: %+v", userID, err)
	}

	jww.INFO.Printf("[Session] %s logged in with %d conversations", userID,
		len(s.index.List()))
	return s, nil
}

func (s *Session) UserID() string { return s.userID }

// Close logs the user out: presence is committed offline with a lastSeen
// time and the live feeds stop. Close always tears the session down; the
// returned error only reports a failed presence write.
func (s *Session) Close(ctx context.Context) error {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return nil
	}
	s.closed = true
	s.mux.Unlock()

	err := s.presence.Signal(ctx, PresenceSignal{Source: SourceLogout})
	s.presence.Stop()
	s.calls.Stop()
	s.feeds.Stop()
	jww.INFO.Printf("[Session] %s logged out", s.userID)
	return err
}

// Conversations returns the current chat list.
func (s *Session) Conversations() ([]Conversation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.index.List(), nil
}

// OpenChat syncs and returns the messages visible to the user in the chat
// with partnerID, and refreshes its pin.
func (s *Session) OpenChat(ctx context.Context, partnerID string) ([]store.Message, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return nil, err
	}
	s.mux.Lock()
	s.openChat = partnerID
	s.mux.Unlock()

	chatID := ChatID(s.userID, partnerID)
	s.messages.Sync(ctx, chatID)
	visible := s.visible(chatID)
	pin := s.pins.Refresh(ctx, chatID)
	s.wallpapers.Fetch(ctx, chatID)

	s.hooks.OnMessagesChanged(chatID, visible)
	s.hooks.OnPinChanged(chatID, pin)
	return visible, nil
}

// BackToChats closes the open chat and rebuilds the chat list.
func (s *Session) BackToChats() ([]Conversation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mux.Lock()
	s.openChat = ""
	s.mux.Unlock()
	return s.rebuild(), nil
}

// OpenPartner returns the partner of the open chat, or "" on the chat list.
func (s *Session) OpenPartner() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.openChat
}

// Messages returns the messages of the chat with partnerID visible to the
// user, from the local store.
func (s *Session) Messages(partnerID string) ([]store.Message, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return nil, err
	}
	return s.visible(ChatID(s.userID, partnerID)), nil
}

// Send writes a new message to partnerID. Only one send runs at a time: a
// call made while another is in flight returns (nil, nil) without sending.
// The message is appended locally first and removed again if the remote write
// fails.
func (s *Session) Send(ctx context.Context, partnerID string, content store.Content) (*store.Message, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return nil, err
	}
	if !s.sending.CompareAndSwap(false, true) {
		jww.DEBUG.Printf("[Session] %s: send already in flight, ignoring", s.userID)
		return nil, nil
	}
	defer s.sending.Store(false)

	now := s.now()
	msg := store.Message{
		ID:         NewMessageID(now),
		ChatID:     ChatID(s.userID, partnerID),
		SenderID:   s.userID,
		ReceiverID: partnerID,
		Timestamp:  now,
		Content:    content,
	}
	if err := s.messages.AppendPending(msg); err != nil {
		return nil, err
	}
	s.messagesChanged(msg.ChatID)

	wctx := context.WithoutCancel(ctx)
	fields, err := remote.FieldsOf(msg)
	if err == nil {
		err = s.remote.Merge(wctx, remote.Messages, msg.ID, fields)
	}
	if err != nil {
		s.messages.Remove(msg.ChatID, msg.ID)
		s.messagesChanged(msg.ChatID)
		s.rebuild()
		return nil, errors.Wrapf(ErrRemoteUnavailable, "failed to send %s: %v", msg.ID, err)
	}
	s.messages.Ack(msg.ID)

	if err = s.writeSummary(wctx, msg.ChatID, &msg); err != nil {
		jww.WARN.Printf("[Session] message %s sent without chat summary: %+v",
			msg.ID, err)
	}
	s.rebuild()
	jww.DEBUG.Printf("[Session] %s sent %s to %s", s.userID, msg.ID, partnerID)
	return &msg, nil
}

// DeleteForMe hides a message from the user only.
func (s *Session) DeleteForMe(partnerID, messageID string) error {
	if err := s.checkPartner(partnerID); err != nil {
		return err
	}
	chatID := ChatID(s.userID, partnerID)
	if err := s.hidden.Hide(s.userID, chatID, messageID); err != nil {
		return err
	}
	s.messagesChanged(chatID)
	s.rebuild()
	return nil
}

// DeleteForEveryone removes a message from the remote store, then locally,
// prunes it from the hidden sets of the chat and recomputes the chat summary.
func (s *Session) DeleteForEveryone(ctx context.Context, partnerID, messageID string) error {
	if err := s.checkPartner(partnerID); err != nil {
		return err
	}
	if messageID == "" {
		return errors.Wrap(ErrValidation, "delete needs a message id")
	}
	chatID := ChatID(s.userID, partnerID)

	doc, err := s.remote.Get(ctx, remote.Messages, messageID)
	if err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "failed to read %s: %v", messageID, err)
	}
	if doc == nil {
		// Already gone remotely; only the local copy may be left.
		if _, ok := s.find(chatID, messageID); !ok {
			return errors.Wrapf(ErrNotFound, "message %s in %s", messageID, chatID)
		}
	} else if target, err := decodeMessage(*doc); err != nil || target.ChatID != chatID {
		return errors.Wrapf(ErrNotFound, "message %s in %s", messageID, chatID)
	}

	wctx := context.WithoutCancel(ctx)
	if err := s.remote.Delete(wctx, remote.Messages, messageID); err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "failed to delete %s: %v", messageID, err)
	}
	s.removeLocal(chatID, messageID)

	msgs := s.messages.Load(chatID)
	var last *store.Message
	if len(msgs) > 0 {
		last = &msgs[len(msgs)-1]
	}
	if err := s.writeSummary(wctx, chatID, last); err != nil {
		jww.WARN.Printf("[Session] stale summary for %s after delete: %+v", chatID, err)
	}
	s.messagesChanged(chatID)
	s.rebuild()
	return nil
}

// PinMessage pins one of the messages of the chat with partnerID.
func (s *Session) PinMessage(ctx context.Context, partnerID, messageID string) (*store.PinnedMessage, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return nil, err
	}
	chatID := ChatID(s.userID, partnerID)
	msg, ok := s.find(chatID, messageID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message %s in %s", messageID, chatID)
	}
	pin, err := s.pins.Pin(ctx, chatID, msg, s.directory.Username(msg.SenderID))
	if err != nil {
		return nil, err
	}
	s.hooks.OnPinChanged(chatID, pin)
	return pin, nil
}

// UnpinMessage clears the pin of the chat with partnerID.
func (s *Session) UnpinMessage(ctx context.Context, partnerID string) error {
	if err := s.checkPartner(partnerID); err != nil {
		return err
	}
	chatID := ChatID(s.userID, partnerID)
	if err := s.pins.Unpin(ctx, chatID); err != nil {
		return err
	}
	s.hooks.OnPinChanged(chatID, nil)
	return nil
}

// CurrentPin returns the pin of the chat with partnerID, or nil. A pin only
// known through the mirror is completed from the local messages.
func (s *Session) CurrentPin(partnerID string) (*store.PinnedMessage, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return nil, err
	}
	chatID := ChatID(s.userID, partnerID)
	pin := s.pins.Current(chatID)
	if pin != nil && pin.MessageText == "" {
		if msg, ok := s.find(chatID, *pin.MessageID); ok {
			pin.MessageText = msg.Content.Preview()
			pin.SenderID = msg.SenderID
			pin.SenderName = s.directory.Username(msg.SenderID)
			pin.Timestamp = msg.Timestamp.UnixMilli()
		}
	}
	return pin, nil
}

// TogglePinnedChat pins or unpins the chat with partnerID on this device and
// reports whether it is now pinned.
func (s *Session) TogglePinnedChat(partnerID string) (bool, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return false, err
	}
	pinned, err := s.pins.TogglePinnedChat(s.userID, partnerID)
	if err != nil {
		return false, err
	}
	s.rebuild()
	return pinned, nil
}

// Signal feeds a presence signal of this client.
func (s *Session) Signal(ctx context.Context, sig PresenceSignal) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.presence.Signal(ctx, sig)
}

// Online returns the committed presence of the session user.
func (s *Session) Online() bool { return s.presence.Online() }

// User returns a directory entry.
func (s *Session) User(id string) (store.User, bool) { return s.directory.Get(id) }

// SearchUsers finds other users by username.
func (s *Session) SearchUsers(query string) ([]store.User, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.directory.Search(query, s.userID), nil
}

// PresenceText renders the status line of userID.
func (s *Session) PresenceText(userID string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	u, ok := s.directory.Get(userID)
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "user %s", userID)
	}
	return PresenceText(u, s.now()), nil
}

// UpdateProfile changes the profile of the session user.
func (s *Session) UpdateProfile(ctx context.Context, upd ProfileUpdate) (store.User, error) {
	if err := s.check(); err != nil {
		return store.User{}, err
	}
	u, err := s.directory.UpdateProfile(ctx, s.userID, upd)
	if err != nil {
		return store.User{}, err
	}
	s.hooks.OnPresenceChanged(u)
	return u, nil
}

// StartCall rings partnerID.
func (s *Session) StartCall(ctx context.Context, partnerID string) (*store.Call, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return nil, err
	}
	return s.calls.Start(ctx, partnerID)
}

// AcceptCall answers callID. It fails with ErrNotFound when the call is gone.
func (s *Session) AcceptCall(ctx context.Context, callID string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.calls.Accept(ctx, callID)
}

func (s *Session) DeclineCall(ctx context.Context, callID string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.calls.Decline(ctx, callID)
}

func (s *Session) CancelCall(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.calls.Cancel(ctx)
}

func (s *Session) EndCall(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.calls.End(ctx)
}

func (s *Session) CallState() (CallState, *store.Call) { return s.calls.State() }

// SetWallpaper sets the wallpaper of the chat with partnerID; an empty url
// resets it.
func (s *Session) SetWallpaper(ctx context.Context, partnerID, url string) (store.Wallpaper, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return store.Wallpaper{}, err
	}
	chatID := ChatID(s.userID, partnerID)
	if strings.TrimSpace(url) == "" {
		return s.wallpapers.Reset(ctx, chatID, s.userID, s.now())
	}
	return s.wallpapers.Set(ctx, chatID, url, s.userID, s.now())
}

// Wallpaper returns the wallpaper URL of the chat with partnerID, or nil.
func (s *Session) Wallpaper(ctx context.Context, partnerID string) (*string, error) {
	if err := s.checkPartner(partnerID); err != nil {
		return nil, err
	}
	return s.wallpapers.Fetch(ctx, ChatID(s.userID, partnerID)), nil
}

// Flush waits until every change batch received so far has been applied.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.feeds.Do(ctx, func(context.Context) {})
}

func (s *Session) onUsers(_ context.Context, batch remote.Batch) {
	for _, u := range s.directory.Apply(batch) {
		s.hooks.OnPresenceChanged(u)
	}
	if s.OpenPartner() == "" {
		s.rebuild()
	}
}

func (s *Session) onChats(_ context.Context, _ remote.Batch) {
	if s.OpenPartner() == "" {
		s.rebuild()
	}
}

func (s *Session) onMessages(ctx context.Context, batch remote.Batch) {
	affected := make(map[string]struct{})
	for _, c := range batch.Changes {
		msg, err := decodeMessage(c.Doc)
		if err != nil {
			jww.WARN.Printf("[Session] skipping message change %s: %+v", c.Doc.ID, err)
			continue
		}
		if msg.SenderID != s.userID && msg.ReceiverID != s.userID {
			continue
		}
		affected[msg.ChatID] = struct{}{}

		if c.Type == remote.Removed {
			s.removeLocal(msg.ChatID, msg.ID)
			continue
		}
		if c.Type == remote.Added && msg.ReceiverID == s.userID && msg.SenderID != s.userID {
			s.notifier.NotifyIncoming(msg)
		}
		if err = s.messages.Upsert(msg); err != nil {
			jww.WARN.Printf("[Session] rejecting remote message %s: %+v", msg.ID, err)
		}
	}
	if len(affected) == 0 {
		return
	}

	if partner := s.OpenPartner(); partner != "" {
		openID := ChatID(s.userID, partner)
		if _, ok := affected[openID]; ok {
			s.messages.Sync(ctx, openID)
			s.hooks.OnMessagesChanged(openID, s.visible(openID))
		}
	}
	s.rebuild()
}

func (s *Session) onPinnedMessages(_ context.Context, batch remote.Batch) {
	partner := s.OpenPartner()
	if partner == "" {
		return
	}
	openID := ChatID(s.userID, partner)
	for _, c := range batch.Changes {
		if c.Doc.ID != openID {
			continue
		}
		chatID, pin, err := s.pins.Apply(c)
		if err != nil {
			jww.WARN.Printf("[Session] skipping pin change %s: %+v", c.Doc.ID, err)
			continue
		}
		s.hooks.OnPinChanged(chatID, pin)
	}
}

func (s *Session) onCalls(_ context.Context, batch remote.Batch) {
	for _, c := range batch.Changes {
		s.calls.Apply(c)
	}
}

// rebuild recomputes the chat list and reports it to the hooks.
func (s *Session) rebuild() []Conversation {
	s.rebuildMux.Lock()
	defer s.rebuildMux.Unlock()

	chats := s.messages.Snapshot()
	hidden := make(map[string]map[string]struct{}, len(chats))
	for chatID := range chats {
		hidden[chatID] = s.hidden.Hidden(s.userID, chatID)
	}
	list := s.index.Rebuild(s.userID, chats, hidden, s.directory.All(),
		s.pins.PinnedChats(s.userID))
	s.hooks.OnConversationsChanged(list)
	return list
}

// messagesChanged reports the visible messages of chatID when it is open.
func (s *Session) messagesChanged(chatID string) {
	partner := s.OpenPartner()
	if partner == "" || ChatID(s.userID, partner) != chatID {
		return
	}
	s.hooks.OnMessagesChanged(chatID, s.visible(chatID))
}

func (s *Session) removeLocal(chatID, messageID string) {
	s.messages.Remove(chatID, messageID)
	if err := s.hidden.Prune(chatID, messageID); err != nil {
		jww.WARN.Printf("[Session] failed to prune %s from hidden sets: %+v",
			messageID, err)
	}
}

func (s *Session) visible(chatID string) []store.Message {
	return VisibleMessages(s.messages.Load(chatID), s.hidden.Hidden(s.userID, chatID))
}

func (s *Session) find(chatID, messageID string) (store.Message, bool) {
	for _, m := range s.messages.Load(chatID) {
		if m.ID == messageID {
			return m, true
		}
	}
	return store.Message{}, false
}

// writeSummary merges the chats row of chatID from last, or deletes the row
// when the chat has no message left.
func (s *Session) writeSummary(ctx context.Context, chatID string, last *store.Message) error {
	if last == nil {
		return s.remote.Delete(ctx, remote.Chats, chatID)
	}
	participants := []string{last.SenderID, last.ReceiverID}
	sort.Strings(participants)
	fields, err := remote.FieldsOf(store.ChatSummary{
		ChatID:            chatID,
		Participants:      participants,
		LastMessage:       last.Content.Preview(),
		LastMessageTime:   last.Timestamp.UnixMilli(),
		LastMessageSender: last.SenderID,
	})
	if err != nil {
		return err
	}
	return s.remote.Merge(ctx, remote.Chats, chatID, fields)
}

func (s *Session) check() error {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) checkPartner(partnerID string) error {
	if err := s.check(); err != nil {
		return err
	}
	if partnerID == "" || partnerID == s.userID {
		return errors.Wrapf(ErrValidation, "invalid chat partner %q", partnerID)
	}
	return errors.WithMessage(ValidateUserID(partnerID), "invalid chat partner")
}

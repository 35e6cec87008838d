package core

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

const waitFor = 2 * time.Second

func newTestSession(t *testing.T, rs remote.DocumentStore, mirror store.Mirror,
	userID string, opts Options) *Session {
	if mirror == nil {
		mirror = store.NewMemoryMirror()
	}
	s, err := NewSession(context.Background(), userID, rs, mirror, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func hasConversation(s *Session, chatID, lastMessage string) bool {
	list, err := s.Conversations()
	if err != nil {
		return false
	}
	for _, c := range list {
		if c.ChatID == chatID && c.LastMessage == lastMessage {
			return true
		}
	}
	return false
}

// Tests that a message X sends to Y at t=1000 is loaded by X as sent and
// surfaces in Y's chat list through the live feed.
func TestSession_Send_EndToEnd(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	putUser(t, rs, "X", "xavier")
	putUser(t, rs, "Y", "yasmin")

	notifier := &countingNotifier{}
	x := newTestSession(t, rs, nil, "X", Options{Now: fixedClock(1000)})
	y := newTestSession(t, rs, nil, "Y", Options{Notifier: notifier})

	sent, err := x.Send(ctx, "Y", store.TextContent{Body: "hi"})
	require.NoError(t, err)
	require.NotNil(t, sent)

	msgs, err := x.Messages("Y")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, store.TextContent{Body: "hi"}, msgs[0].Content)
	require.Equal(t, "X", msgs[0].SenderID)
	require.Equal(t, int64(1000), msgs[0].Timestamp.UnixMilli())

	chatID := ChatID("X", "Y")
	require.Eventually(t, func() bool { return hasConversation(y, chatID, "hi") },
		waitFor, 5*time.Millisecond)
	list, err := y.Conversations()
	require.NoError(t, err)
	require.Equal(t, "xavier", list[0].Partner.Username)
	require.Equal(t, 1, notifier.Count())

	summary, err := rs.Get(ctx, remote.Chats, chatID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	require.True(t, summary.Fields.Equal("lastMessage", "hi"))
	require.True(t, summary.Fields.Equal("participants", []string{"X", "Y"}))
}

// Tests that when Y deletes a message for itself only, X still sees it.
func TestSession_DeleteForMe(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	x := newTestSession(t, rs, nil, "X", Options{})
	y := newTestSession(t, rs, nil, "Y", Options{})
	chatID := ChatID("X", "Y")

	sent, err := x.Send(ctx, "Y", store.TextContent{Body: "secret"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hasConversation(y, chatID, "secret") },
		waitFor, 5*time.Millisecond)

	require.NoError(t, y.DeleteForMe("X", sent.ID))
	require.NoError(t, y.DeleteForMe("X", sent.ID))

	yMsgs, err := y.Messages("X")
	require.NoError(t, err)
	require.Empty(t, yMsgs)
	yList, err := y.Conversations()
	require.NoError(t, err)
	require.Empty(t, yList)

	xMsgs, err := x.Messages("Y")
	require.NoError(t, err)
	require.Equal(t, []string{sent.ID}, ids(xMsgs))
	require.True(t, hasConversation(x, chatID, "secret"))
}

// Tests that delete-for-everyone removes the message for both sides, prunes
// the receiver's hidden set and moves the chat summary back.
func TestSession_DeleteForEveryone(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	yMirror := store.NewMemoryMirror()
	x := newTestSession(t, rs, nil, "X", Options{})
	y := newTestSession(t, rs, yMirror, "Y", Options{})
	chatID := ChatID("X", "Y")

	first, err := x.Send(ctx, "Y", store.TextContent{Body: "first"})
	require.NoError(t, err)
	second, err := x.Send(ctx, "Y", store.TextContent{Body: "second"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs, _ := y.Messages("X")
		return len(msgs) == 2
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, y.DeleteForMe("X", second.ID))
	require.NoError(t, x.DeleteForEveryone(ctx, "Y", second.ID))

	// X's own feed may still replay the earlier addition before the removal.
	require.Eventually(t, func() bool {
		msgs, _ := x.Messages("Y")
		return len(msgs) == 1 && msgs[0].ID == first.ID &&
			hasConversation(x, chatID, "first")
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		msgs, _ := y.Messages("X")
		return len(msgs) == 1 && msgs[0].ID == first.ID
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, y.Flush(ctx))
	_, err = yMirror.GetItem(store.HiddenKey("Y", chatID))
	require.ErrorIs(t, err, os.ErrNotExist)

	summary, err := rs.Get(ctx, remote.Chats, chatID)
	require.NoError(t, err)
	require.True(t, summary.Fields.Equal("lastMessage", "first"))

	require.NoError(t, x.DeleteForEveryone(ctx, "Y", first.ID))
	summary, err = rs.Get(ctx, remote.Chats, chatID)
	require.NoError(t, err)
	require.Nil(t, summary)
	require.Eventually(t, func() bool {
		list, _ := y.Conversations()
		return len(list) == 0
	}, waitFor, 5*time.Millisecond)
}

// Tests that delete-for-everyone only reaches messages of the caller's own
// chat with the partner.
func TestSession_DeleteForEveryone_OtherChat(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	x := newTestSession(t, rs, nil, "X", Options{})
	y := newTestSession(t, rs, nil, "Y", Options{})

	private, err := y.Send(ctx, "Z", store.TextContent{Body: "private"})
	require.NoError(t, err)

	require.ErrorIs(t, x.DeleteForEveryone(ctx, "Y", private.ID), ErrNotFound)
	require.ErrorIs(t, x.DeleteForEveryone(ctx, "Y", "no-such-message"), ErrNotFound)

	doc, err := rs.Get(ctx, remote.Messages, private.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	msgs, err := y.Messages("Z")
	require.NoError(t, err)
	require.Equal(t, []string{private.ID}, ids(msgs))
}

// Tests that user ids containing the chat id separator are refused for both
// the session user and chat partners.
func TestSession_UnderscoreIDs(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	_, err := NewSession(ctx, "X_Y", rs, store.NewMemoryMirror(), Options{})
	require.ErrorIs(t, err, ErrValidation)

	x := newTestSession(t, rs, nil, "X", Options{})
	_, err = x.Send(ctx, "Y_Z", store.TextContent{Body: "hi"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = x.Messages("Y_Z")
	require.ErrorIs(t, err, ErrValidation)
}

// Tests that login drops mirrored messages the remote store deleted while
// the user was away.
func TestSession_StaleMirror(t *testing.T) {
	rs := remote.NewMemoryStore()
	mirror := store.NewMemoryMirror()
	require.NoError(t, store.SetJSON(mirror, store.ChatKey(ChatID("X", "Y")),
		[]store.Message{textMessage("m1", "X", "Y", 10, "gone")}))

	x := newTestSession(t, rs, mirror, "X", Options{})
	list, err := x.Conversations()
	require.NoError(t, err)
	require.Empty(t, list)

	msgs, err := x.Messages("Y")
	require.NoError(t, err)
	require.Empty(t, msgs)
	list, err = x.BackToChats()
	require.NoError(t, err)
	require.Empty(t, list)
}

// Tests that a second send while the first is still being written is a silent
// no-op and only one message is persisted.
func TestSession_Send_Concurrent(t *testing.T) {
	ctx := context.Background()
	inner := remote.NewMemoryStore()
	gated := newGatedStore(inner, remote.Messages)
	x := newTestSession(t, gated, nil, "X", Options{})

	type result struct {
		msg *store.Message
		err error
	}
	first := make(chan result, 1)
	go func() {
		msg, err := x.Send(ctx, "Y", store.TextContent{Body: "once"})
		first <- result{msg, err}
	}()

	select {
	case <-gated.entered:
	case <-time.After(waitFor):
		t.Fatal("first send never reached the remote store")
	}
	msg, err := x.Send(ctx, "Y", store.TextContent{Body: "once"})
	require.NoError(t, err)
	require.Nil(t, msg)

	close(gated.release)
	r := <-first
	require.NoError(t, r.err)
	require.NotNil(t, r.msg)

	docs, err := inner.FetchAll(ctx, remote.Messages)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, 1, gated.Merges())

	msgs, err := x.Messages("Y")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

// Tests that a failed remote write removes the optimistic copy and reports
// ErrRemoteUnavailable.
func TestSession_Send_Offline(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	x := newTestSession(t, rs, nil, "X", Options{})

	rs.SetOffline(true)
	msg, err := x.Send(ctx, "Y", store.TextContent{Body: "lost"})
	require.ErrorIs(t, err, ErrRemoteUnavailable)
	require.Nil(t, msg)
	msgs, err := x.Messages("Y")
	require.NoError(t, err)
	require.Empty(t, msgs)
	rs.SetOffline(false)

	_, err = x.Send(ctx, "Y", store.TextContent{})
	require.ErrorIs(t, err, ErrValidation)
	_, err = x.Send(ctx, "X", store.TextContent{Body: "self"})
	require.ErrorIs(t, err, ErrValidation)
}

// Tests that a pin made by X reaches Y while Y has the chat open, and that
// unpinning clears it.
func TestSession_Pin_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	putUser(t, rs, "X", "xavier")
	hooks := newRecordingHooks()
	x := newTestSession(t, rs, nil, "X", Options{})
	y := newTestSession(t, rs, nil, "Y", Options{Hooks: hooks})
	chatID := ChatID("X", "Y")

	sent, err := x.Send(ctx, "Y", store.TextContent{Body: "pin me"})
	require.NoError(t, err)
	_, err = y.OpenChat(ctx, "X")
	require.NoError(t, err)

	_, err = x.PinMessage(ctx, "Y", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	pin, err := x.PinMessage(ctx, "Y", sent.ID)
	require.NoError(t, err)
	require.Equal(t, "xavier", pin.SenderName)

	require.Eventually(t, func() bool {
		p, ok := hooks.Pin(chatID)
		return ok && p != nil && *p.MessageID == sent.ID
	}, waitFor, 5*time.Millisecond)
	current, err := y.CurrentPin("X")
	require.NoError(t, err)
	require.Equal(t, "pin me", current.MessageText)

	require.NoError(t, x.UnpinMessage(ctx, "Y"))
	current, err = x.CurrentPin("Y")
	require.NoError(t, err)
	require.Nil(t, current)
	require.Eventually(t, func() bool {
		p, ok := hooks.Pin(chatID)
		return ok && p == nil
	}, waitFor, 5*time.Millisecond)
}

// Tests that pinned chats sort first in the session's chat list.
func TestSession_TogglePinnedChat(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	clock := int64(100)
	x := newTestSession(t, rs, nil, "X", Options{
		Now: func() time.Time { clock += 100; return time.UnixMilli(clock) }})

	for _, partner := range []string{"A", "B", "C"} {
		_, err := x.Send(ctx, partner, store.TextContent{Body: "to " + partner})
		require.NoError(t, err)
	}
	partners := func() []string {
		list, err := x.Conversations()
		require.NoError(t, err)
		var out []string
		for _, c := range list {
			out = append(out, c.Partner.ID)
		}
		return out
	}
	require.Equal(t, []string{"C", "B", "A"}, partners())

	pinned, err := x.TogglePinnedChat("A")
	require.NoError(t, err)
	require.True(t, pinned)
	require.Equal(t, []string{"A", "C", "B"}, partners())
}

// Tests that logging out commits offline presence with lastSeen, that the
// other session sees it, and that the closed session rejects operations.
func TestSession_Presence_Logout(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	hooks := newRecordingHooks()
	y := newTestSession(t, rs, nil, "Y", Options{Hooks: hooks})
	x, err := NewSession(ctx, "X", rs, store.NewMemoryMirror(), Options{
		Now: fixedClock(42000)})
	require.NoError(t, err)
	require.True(t, x.Online())

	require.Eventually(t, func() bool {
		u, ok := hooks.Presence("X")
		return ok && u.Online
	}, waitFor, 5*time.Millisecond)
	text, err := y.PresenceText("X")
	require.NoError(t, err)
	require.Equal(t, "online", text)

	require.NoError(t, x.Close(ctx))
	require.NoError(t, x.Close(ctx))
	doc, err := rs.Get(ctx, remote.Users, "X")
	require.NoError(t, err)
	require.True(t, doc.Fields.Equal("online", false))
	require.True(t, doc.Fields.Equal("lastSeen", 42000))

	require.Eventually(t, func() bool {
		u, ok := hooks.Presence("X")
		return ok && !u.Online && u.LastSeen != nil && u.LastSeen.UnixMilli() == 42000
	}, waitFor, 5*time.Millisecond)

	_, err = x.Send(ctx, "Y", store.TextContent{Body: "too late"})
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = x.Conversations()
	require.ErrorIs(t, err, ErrSessionClosed)
}

// Tests that a login while the remote store is down rebuilds the chat list
// from the mirror.
func TestSession_OfflineLogin(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	mirror := store.NewMemoryMirror()
	chatID := ChatID("X", "Y")

	first, err := NewSession(ctx, "X", rs, mirror, Options{})
	require.NoError(t, err)
	_, err = first.Send(ctx, "Y", store.TextContent{Body: "cached"})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	rs.SetOffline(true)
	x := newTestSession(t, rs, mirror, "X", Options{})
	require.True(t, hasConversation(x, chatID, "cached"))
	require.False(t, x.Online())
}

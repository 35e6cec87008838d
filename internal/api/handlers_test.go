package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"astrales.app/chatsync/internal/auth"
	"astrales.app/chatsync/internal/core"
	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

type testServer struct {
	*httptest.Server
	remote   *remote.MemoryStore
	sessions *SessionManager
	hub      *EventHub
}

func newTestServer(t *testing.T) *testServer {
	rs := remote.NewMemoryStore()
	tokens, err := auth.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)

	hub := NewEventHub()
	sessions := NewSessionManager(rs, store.NewMemoryMirror(),
		core.Options{PresenceDebounce: 10 * time.Millisecond}, hub)
	handler := NewAPIHandler(auth.NewAccounts(rs), tokens, sessions, hub)

	ts := &testServer{
		Server:   httptest.NewServer(NewRouter(handler)),
		remote:   rs,
		sessions: sessions,
		hub:      hub,
	}
	t.Cleanup(func() {
		ts.Close()
		sessions.CloseAll(context.Background())
		rs.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// signup registers and logs in username, returning its user id and token.
func (ts *testServer) signup(t *testing.T, username string) (string, string) {
	creds := CredentialsRequest{Username: username, Password: "secret1"}
	resp := ts.do(t, http.MethodPost, "/api/register", "", creds)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/login", "", creds)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out["token"])
	return out["userId"], out["token"]
}

// conversations flushes the session of userID and lists its conversations.
// It is safe to call from require.Eventually.
func (ts *testServer) conversations(userID, token string) ([]core.Conversation, bool) {
	s, err := ts.sessions.Get(userID)
	if err != nil || s.Flush(context.Background()) != nil {
		return nil, false
	}
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/conversations", nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	var conversations []core.Conversation
	if json.NewDecoder(resp.Body).Decode(&conversations) != nil {
		return nil, false
	}
	return conversations, true
}

// Tests that a message sent by one user shows up in the conversations and
// messages of the other.
func TestAPI_SendAndList(t *testing.T) {
	ts := newTestServer(t)
	aliceID, aliceToken := ts.signup(t, "alice")
	bobID, bobToken := ts.signup(t, "bob")

	resp := ts.do(t, http.MethodPost, "/api/chats/"+bobID+"/messages", aliceToken,
		map[string]string{"type": "text", "text": "hi bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent store.Message
	decodeBody(t, resp, &sent)
	require.Equal(t, core.ChatID(aliceID, bobID), sent.ChatID)
	require.Equal(t, store.TextContent{Body: "hi bob"}, sent.Content)

	require.Eventually(t, func() bool {
		conversations, ok := ts.conversations(bobID, bobToken)
		return ok && len(conversations) == 1 && conversations[0].LastMessage == "hi bob"
	}, 2*time.Second, 20*time.Millisecond)

	resp = ts.do(t, http.MethodPost, "/api/chats/"+aliceID+"/open", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var messages []store.Message
	decodeBody(t, resp, &messages)
	require.Len(t, messages, 1)
	require.Equal(t, sent.ID, messages[0].ID)

	resp = ts.do(t, http.MethodDelete,
		"/api/chats/"+aliceID+"/messages/"+sent.ID+"?scope=me", bobToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/chats/"+aliceID+"/messages", bobToken, nil)
	decodeBody(t, resp, &messages)
	require.Empty(t, messages)

	// Still visible to the sender.
	resp = ts.do(t, http.MethodGet, "/api/chats/"+bobID+"/messages", aliceToken, nil)
	decodeBody(t, resp, &messages)
	require.Len(t, messages, 1)
}

// Tests that errors map to their HTTP statuses.
func TestAPI_ErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	_, aliceToken := ts.signup(t, "alice")
	bobID, _ := ts.signup(t, "bob")

	resp := ts.do(t, http.MethodPost, "/api/register", "",
		CredentialsRequest{Username: "alice", Password: "another"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/register", "",
		CredentialsRequest{Username: "carol", Password: "short"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/login", "",
		CredentialsRequest{Username: "alice", Password: "wrong-one"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/conversations", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/chats/"+bobID+"/messages", aliceToken,
		map[string]string{"type": "text", "text": "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/chats/"+bobID+"/messages", aliceToken,
		map[string]string{"type": "sticker"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/chats/"+bobID+"/messages/x?scope=all",
		aliceToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/api/chats/"+bobID+"/pin", aliceToken,
		PinRequest{MessageID: "missing"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/calls/missing/accept", aliceToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.remote.SetOffline(true)
	resp = ts.do(t, http.MethodPost, "/api/chats/"+bobID+"/messages", aliceToken,
		map[string]string{"type": "text", "text": "lost"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// Tests that logout closes the session so its token no longer works.
func TestAPI_Logout(t *testing.T) {
	ts := newTestServer(t)
	aliceID, aliceToken := ts.signup(t, "alice")

	resp := ts.do(t, http.MethodPost, "/api/logout", aliceToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/conversations", aliceToken, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	doc, err := ts.remote.Get(context.Background(), remote.Users, aliceID)
	require.NoError(t, err)
	var user store.User
	require.NoError(t, doc.Decode(&user))
	require.False(t, user.Online)
	require.NotNil(t, user.LastSeen)
}

func TestAPI_PinAndFavorite(t *testing.T) {
	ts := newTestServer(t)
	_, aliceToken := ts.signup(t, "alice")
	bobID, _ := ts.signup(t, "bob")

	resp := ts.do(t, http.MethodPost, "/api/chats/"+bobID+"/messages", aliceToken,
		map[string]string{"type": "text", "text": "remember this"})
	var sent store.Message
	decodeBody(t, resp, &sent)

	resp = ts.do(t, http.MethodPut, "/api/chats/"+bobID+"/pin", aliceToken,
		PinRequest{MessageID: sent.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/chats/"+bobID+"/pin", aliceToken, nil)
	var pin store.PinnedMessage
	decodeBody(t, resp, &pin)
	require.Equal(t, sent.ID, *pin.MessageID)
	require.Equal(t, "remember this", pin.MessageText)
	require.Equal(t, "alice", pin.SenderName)

	resp = ts.do(t, http.MethodDelete, "/api/chats/"+bobID+"/pin", aliceToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/chats/"+bobID+"/pin", aliceToken, nil)
	var none *store.PinnedMessage
	decodeBody(t, resp, &none)
	require.Nil(t, none)

	resp = ts.do(t, http.MethodPost, "/api/chats/"+bobID+"/favorite", aliceToken, nil)
	var fav map[string]bool
	decodeBody(t, resp, &fav)
	require.True(t, fav["pinned"])
}

// Tests that session events reach the websocket stream of their user.
func TestAPI_Events(t *testing.T) {
	ts := newTestServer(t)
	aliceID, aliceToken := ts.signup(t, "alice")
	bobID, bobToken := ts.signup(t, "bob")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?token=" + bobToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.hub.Connections(bobID) == 1 },
		time.Second, 10*time.Millisecond)

	resp := ts.do(t, http.MethodPost, "/api/chats/"+bobID+"/messages", aliceToken,
		map[string]string{"type": "text", "text": "ping"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev struct {
			Type    string          `json:"type"`
			ChatID  string          `json:"chatId"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type != EventIncoming {
			continue
		}
		require.Equal(t, core.ChatID(aliceID, bobID), ev.ChatID)
		var msg store.Message
		require.NoError(t, json.Unmarshal(ev.Payload, &msg))
		require.Equal(t, store.TextContent{Body: "ping"}, msg.Content)
		break
	}

	// A presence frame from the client goes through the debounce.
	require.NoError(t, conn.WriteJSON(core.PresenceSignal{Source: core.SourceBlur}))
	require.Eventually(t, func() bool {
		s, err := ts.sessions.Get(bobID)
		return err == nil && !s.Online()
	}, 2*time.Second, 10*time.Millisecond)

	resp = ts.do(t, http.MethodPost, "/api/logout", bobToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 0, ts.hub.Connections(bobID))
}

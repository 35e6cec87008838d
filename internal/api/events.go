package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/core"
	"astrales.app/chatsync/internal/store"
)

const (
	// Time allowed to write an event to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Largest frame a client may send; clients only send presence signals.
	maxMessageSize = 512
	// Events buffered per connection before it is dropped as too slow.
	sendBufferSize = 256
)

// Event types pushed to websocket clients.
const (
	EventConversations = "conversations"
	EventMessages      = "messages"
	EventPresence      = "presence"
	EventPin           = "pin"
	EventCall          = "call"
	EventIncoming      = "incoming"
)

// Event is one frame of the /api/events stream.
type Event struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId,omitempty"`
	Payload any    `json:"payload"`
}

type callPayload struct {
	State core.CallState `json:"state"`
	Call  *store.Call    `json:"call"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventHub fans session callbacks out to the websocket connections of their
// user. A user may hold any number of connections.
type EventHub struct {
	mux     sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[string]map[*client]struct{})}
}

// Publish queues ev on every connection of userID without blocking. A
// connection whose buffer is full is dropped.
func (h *EventHub) Publish(userID string, ev Event) {
	var slow []*client
	h.mux.RLock()
	for c := range h.clients[userID] {
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
		}
	}
	h.mux.RUnlock()

	for _, c := range slow {
		jww.WARN.Printf("[EventHub] dropping slow connection of %s", userID)
		h.unregister(c)
	}
}

// Connections returns the number of open connections of userID.
func (h *EventHub) Connections(userID string) int {
	h.mux.RLock()
	defer h.mux.RUnlock()
	return len(h.clients[userID])
}

// For returns the hooks and notifier that publish the events of userID.
func (h *EventHub) For(userID string) *UserEvents {
	return &UserEvents{hub: h, userID: userID}
}

// CloseUser disconnects every connection of userID.
func (h *EventHub) CloseUser(userID string) {
	h.mux.Lock()
	conns := h.clients[userID]
	delete(h.clients, userID)
	for c := range conns {
		close(c.send)
	}
	h.mux.Unlock()
}

// Serve upgrades the request and streams the events of userID until the
// connection closes. onSignal receives the presence signals the client sends.
func (h *EventHub) Serve(w http.ResponseWriter, r *http.Request, userID string,
	onSignal func(context.Context, core.PresenceSignal)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("[EventHub] upgrade failed for %s: %v", userID, err)
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan Event, sendBufferSize),
		userID: userID,
	}
	h.register(c)
	jww.DEBUG.Printf("[EventHub] %s connected", userID)

	go c.writePump()
	c.readPump(onSignal)
}

func (h *EventHub) register(c *client) {
	h.mux.Lock()
	defer h.mux.Unlock()
	conns, ok := h.clients[c.userID]
	if !ok {
		conns = make(map[*client]struct{})
		h.clients[c.userID] = conns
	}
	conns[c] = struct{}{}
}

func (h *EventHub) unregister(c *client) {
	h.mux.Lock()
	defer h.mux.Unlock()
	conns := h.clients[c.userID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
}

// UserEvents implements core.Hooks and core.Notifier for one user.
type UserEvents struct {
	hub    *EventHub
	userID string
}

func (e *UserEvents) OnConversationsChanged(conversations []core.Conversation) {
	e.hub.Publish(e.userID, Event{Type: EventConversations, Payload: conversations})
}

func (e *UserEvents) OnMessagesChanged(chatID string, messages []store.Message) {
	e.hub.Publish(e.userID, Event{Type: EventMessages, ChatID: chatID, Payload: messages})
}

func (e *UserEvents) OnPresenceChanged(user store.User) {
	e.hub.Publish(e.userID, Event{Type: EventPresence, Payload: user})
}

func (e *UserEvents) OnPinChanged(chatID string, pin *store.PinnedMessage) {
	e.hub.Publish(e.userID, Event{Type: EventPin, ChatID: chatID, Payload: pin})
}

func (e *UserEvents) OnCallChanged(state core.CallState, call *store.Call) {
	e.hub.Publish(e.userID, Event{Type: EventCall, Payload: callPayload{State: state, Call: call}})
}

func (e *UserEvents) NotifyIncoming(msg store.Message) {
	e.hub.Publish(e.userID, Event{Type: EventIncoming, ChatID: msg.ChatID, Payload: msg})
}

// client is one websocket connection. Its send channel is closed by the hub.
type client struct {
	hub    *EventHub
	conn   *websocket.Conn
	send   chan Event
	userID string
}

func (c *client) readPump(onSignal func(context.Context, core.PresenceSignal)) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		jww.DEBUG.Printf("[EventHub] %s disconnected", c.userID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		jww.WARN.Printf("[EventHub] failed to set read deadline for %s: %v", c.userID, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				jww.WARN.Printf("[EventHub] read error for %s: %v", c.userID, err)
			}
			return
		}
		var sig core.PresenceSignal
		if err = json.Unmarshal(raw, &sig); err != nil {
			jww.DEBUG.Printf("[EventHub] %s sent an invalid frame: %v", c.userID, err)
			continue
		}
		if onSignal != nil {
			onSignal(context.Background(), sig)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				jww.WARN.Printf("[EventHub] failed to write %s event to %s: %v",
					ev.Type, c.userID, err)
				return
			}
			jww.TRACE.Printf("[EventHub] sent %s event to %s", ev.Type, c.userID)

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

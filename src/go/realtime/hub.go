package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"whatsapp-gateway/src/go/event"
	"whatsapp-gateway/src/go/gateway"
)

const commandTimeout = 30 * time.Second

// Commander is the slice of the gateway the hub forwards commands to.
type Commander interface {
	SendMessage(ctx context.Context, id, to string, payload gateway.SendPayload) (*event.Message, error)
	MarkRead(ctx context.Context, id, chatJID, senderJID string, messageIDs []string) error
	UpdatePresence(ctx context.Context, id, status string) error
	SendTyping(ctx context.Context, id, chatJID, state string) error
}

// Hub fans domain events out to websocket subscribers. Clients join rooms
// keyed by connection id and only receive events for rooms they joined.
// Room membership has no effect on session lifetime.
type Hub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]map[string]bool
	rooms   map[string]map[*Client]bool
	closed  bool

	commander Commander
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]map[string]bool),
		rooms:   make(map[string]map[*Client]bool),
	}
}

// Bind attaches the command target. Called once after the gateway is built;
// the hub itself is created first because the gateway publishes into it.
func (h *Hub) Bind(c Commander) {
	h.commander = c
}

// ServeWS upgrades the request and runs the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = make(map[string]bool)
	h.mu.Unlock()

	h.logger.Debugf("Realtime client %s connected", client.id)
	go client.writePump()
	go client.readPump()
}

// Publish implements gateway.EventSink. The event is serialized once and
// fanned out to the room for its connection; slow clients are dropped.
func (h *Hub) Publish(evt event.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Errorf("Failed to marshal event %s: %v", evt.Type, err)
		return
	}

	h.mu.RLock()
	room := h.rooms[evt.ConnectionID]
	slow := make([]*Client, 0)
	for client := range room {
		if !client.enqueue(data) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warnf("Dropping slow realtime client %s", client.id)
		h.removeClient(client)
		client.conn.Close()
	}
}

func (h *Hub) handleCommand(c *Client, cmd Command) {
	if cmd.ConnectionID == "" {
		c.enqueueAck(Ack{Type: "ack", RequestID: cmd.RequestID, Action: cmd.Action, OK: false, Error: "connection_id is required"})
		return
	}

	switch cmd.Action {
	case ActionJoin:
		h.join(c, cmd.ConnectionID)
		c.enqueueAck(Ack{Type: "ack", RequestID: cmd.RequestID, Action: cmd.Action, OK: true})

	case ActionLeave:
		h.leave(c, cmd.ConnectionID)
		c.enqueueAck(Ack{Type: "ack", RequestID: cmd.RequestID, Action: cmd.Action, OK: true})

	case ActionSendMessage, ActionMarkRead, ActionUpdatePresence, ActionSendTyping:
		if h.commander == nil {
			c.enqueueAck(Ack{Type: "ack", RequestID: cmd.RequestID, Action: cmd.Action, OK: false, Error: "commands unavailable"})
			return
		}
		// Commands hit the network; keep the read pump free.
		go h.execute(c, cmd)

	default:
		c.enqueueAck(Ack{Type: "ack", RequestID: cmd.RequestID, Action: cmd.Action, OK: false, Error: "unknown action"})
	}
}

func (h *Hub) execute(c *Client, cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ack := Ack{Type: "ack", RequestID: cmd.RequestID, Action: cmd.Action, OK: true}

	switch cmd.Action {
	case ActionSendMessage:
		payload := gateway.SendPayload{}
		if cmd.Payload != nil {
			payload = *cmd.Payload
		}
		msg, err := h.commander.SendMessage(ctx, cmd.ConnectionID, cmd.To, payload)
		if err != nil {
			ack.OK = false
			ack.Error = err.Error()
		} else {
			ack.Message = msg
		}

	case ActionMarkRead:
		if err := h.commander.MarkRead(ctx, cmd.ConnectionID, cmd.ChatJID, cmd.SenderJID, cmd.MessageIDs); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}

	case ActionUpdatePresence:
		if err := h.commander.UpdatePresence(ctx, cmd.ConnectionID, cmd.Status); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}

	case ActionSendTyping:
		if err := h.commander.SendTyping(ctx, cmd.ConnectionID, cmd.ChatJID, cmd.State); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}
	}

	c.enqueueAck(ack)
}

func (h *Hub) join(c *Client, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.clients[c]
	if !ok {
		return
	}
	rooms[connectionID] = true

	if h.rooms[connectionID] == nil {
		h.rooms[connectionID] = make(map[*Client]bool)
	}
	h.rooms[connectionID][c] = true
}

func (h *Hub) leave(c *Client, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, connectionID)
}

func (h *Hub) leaveLocked(c *Client, connectionID string) {
	if rooms, ok := h.clients[c]; ok {
		delete(rooms, connectionID)
	}
	if room, ok := h.rooms[connectionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, connectionID)
		}
	}
}

// removeClient drops the client from every room it joined.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.clients[c]
	if !ok {
		return
	}
	for connectionID := range rooms {
		h.leaveLocked(c, connectionID)
	}
	delete(h.clients, c)
	c.closeSend()
}

// ClientCount returns the number of connected realtime clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of subscribers for a connection.
func (h *Hub) RoomSize(connectionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[connectionID])
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.removeClient(c)
		c.conn.Close()
	}
}

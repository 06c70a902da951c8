package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedSource is the subscription side of the notifier plus its snapshot
// cache. *Notifier satisfies it.
type FeedSource interface {
	Subscribe(ctx context.Context, duelID uint) (<-chan DuelSnapshot, func(), error)
	CachedSnapshot(ctx context.Context, duelID uint) (*DuelSnapshot, error)
}

// SnapshotSource is the authoritative fallback when the cache is cold.
// *DuelService satisfies it.
type SnapshotSource interface {
	GetDuel(ctx context.Context, duelID uint) (*DuelSnapshot, error)
}

// Hub relays the notifier's change feed to connected participants over
// websockets. One redis subscription is held per duel with at least one
// connected client; clients of the same duel share it. Run is the only
// goroutine that writes to or closes a client's send channel; snapshot
// fetches hand their payload back to Run through the direct channel.
type Hub struct {
	clients    map[*Client]bool
	feeds      map[uint]*duelFeed
	register   chan *Client
	unregister chan *Client
	broadcast  chan duelMessage
	direct     chan directMessage

	feed  FeedSource
	duels SnapshotSource
	log   *logrus.Entry
}

type duelFeed struct {
	refs   int
	cancel func()
}

type duelMessage struct {
	duelID uint
	data   []byte
}

type directMessage struct {
	client *Client
	data   []byte
}

type Client struct {
	hub    *Hub
	id     string
	socket *websocket.Conn
	send   chan []byte
	duelID uint
	userID uint
}

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func NewHub(feed FeedSource, duels SnapshotSource, log *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		feeds:      make(map[uint]*duelFeed),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan duelMessage, 64),
		direct:     make(chan directMessage, 64),
		feed:       feed,
		duels:      duels,
		log:        log.WithField("component", "hub"),
	}
}

// Run owns the client and feed maps. It exits when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for duelID, feed := range h.feeds {
				feed.cancel()
				delete(h.feeds, duelID)
			}
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.attachFeed(ctx, client.duelID)
			h.log.WithFields(logrus.Fields{
				"client_id": client.id,
				"duel_id":   client.duelID,
				"user_id":   client.userID,
			}).Info("client connected")
			// The feed only carries changes made after this point; the
			// client still needs one full snapshot to be current.
			go h.sendSnapshot(ctx, client)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.detachFeed(client.duelID)
				h.log.WithFields(logrus.Fields{
					"client_id": client.id,
					"duel_id":   client.duelID,
				}).Info("client disconnected")
			}

		case msg := <-h.direct:
			// The client may have unregistered while its snapshot was
			// being fetched; its send channel is closed in that case.
			if _, ok := h.clients[msg.client]; !ok {
				continue
			}
			h.deliver(msg.client, msg.data)

		case msg := <-h.broadcast:
			for client := range h.clients {
				if client.duelID != msg.duelID {
					continue
				}
				h.deliver(client, msg.data)
			}
		}
	}
}

// deliver is only called from Run. A client that cannot keep up is
// dropped.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		delete(h.clients, client)
		close(client.send)
		h.detachFeed(client.duelID)
	}
}

func (h *Hub) attachFeed(ctx context.Context, duelID uint) {
	if feed, ok := h.feeds[duelID]; ok {
		feed.refs++
		return
	}
	snaps, cancel, err := h.feed.Subscribe(ctx, duelID)
	if err != nil {
		h.log.WithError(err).WithField("duel_id", duelID).Error("feed subscribe failed")
		return
	}
	h.feeds[duelID] = &duelFeed{refs: 1, cancel: cancel}
	go func() {
		for snap := range snaps {
			data, err := json.Marshal(Message{Type: "duel_snapshot", Payload: snap})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- duelMessage{duelID: duelID, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *Hub) detachFeed(duelID uint) {
	feed, ok := h.feeds[duelID]
	if !ok {
		return
	}
	feed.refs--
	if feed.refs <= 0 {
		feed.cancel()
		delete(h.feeds, duelID)
	}
}

// sendSnapshot fetches the current authoritative state for one client,
// preferring the notifier's cache over a store read, and hands it to Run
// for delivery. It never touches client.send itself.
func (h *Hub) sendSnapshot(ctx context.Context, client *Client) {
	snap, err := h.feed.CachedSnapshot(ctx, client.duelID)
	if err != nil {
		h.log.WithError(err).WithField("duel_id", client.duelID).Debug("snapshot cache read failed")
	}
	if snap == nil {
		snap, err = h.duels.GetDuel(ctx, client.duelID)
		if err != nil {
			h.log.WithError(err).WithField("duel_id", client.duelID).Warn("snapshot fetch failed")
			return
		}
	}
	data, err := json.Marshal(Message{Type: "duel_snapshot", Payload: snap})
	if err != nil {
		return
	}
	select {
	case h.direct <- directMessage{client: client, data: data}:
	case <-ctx.Done():
	}
}

// RegisterClient wires an upgraded connection into the hub and starts
// its pumps. Returns nil when the hub is shutting down.
func (h *Hub) RegisterClient(ctx context.Context, conn *websocket.Conn, duelID, userID uint) *Client {
	client := &Client{
		hub:    h,
		id:     uuid.NewString(),
		socket: conn,
		send:   make(chan []byte, 64),
		duelID: duelID,
		userID: userID,
	}

	select {
	case h.register <- client:
	case <-ctx.Done():
		conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump(ctx)

	return client
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.socket.Close()
	}()

	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("client_id", c.id).Debug("websocket read")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			data, _ := json.Marshal(Message{Type: "pong"})
			select {
			case c.hub.direct <- directMessage{client: c, data: data}:
			case <-ctx.Done():
			}
		case "request_state":
			go c.hub.sendSnapshot(ctx, c)
		default:
			c.hub.log.WithFields(logrus.Fields{
				"client_id": c.id,
				"type":      msg.Type,
			}).Debug("unknown message type")
		}
	}
}

func (c *Client) writePump() {
	defer c.socket.Close()

	for message := range c.send {
		w, err := c.socket.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(message)
		if err := w.Close(); err != nil {
			return
		}
	}
	c.socket.WriteMessage(websocket.CloseMessage, []byte{})
}

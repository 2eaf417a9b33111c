package broadcast

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// Room key for clients watching the global feed instead of a single
	// auction.
	allAuctions = "*"
)

// Manager is the websocket hub. Clients subscribe to one auction room
// (or the global feed) and receive bid and settlement events as JSON
// frames. All sends are non-blocking; a slow consumer is disconnected
// rather than allowed to stall the hub.
type Manager struct {
	rooms sync.Map // auctionID -> *sync.Map (set of *Client)

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
}

// Client is one websocket subscriber.
type Client struct {
	ID        string
	AuctionID string
	Conn      *websocket.Conn
	Send      chan []byte
}

type outbound struct {
	auctionID string
	payload   []byte
}

// Envelope is the frame shape pushed to subscribers.
type Envelope struct {
	Type      string    `json:"type"`
	AuctionID string    `json:"auctionId,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func NewManager() *Manager {
	return &Manager{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
	}
}

// Run is the hub loop. Start in its own goroutine before serving any
// websocket upgrades.
func (m *Manager) Run() {
	for {
		select {
		case client := <-m.register:
			m.registerClient(client)
		case client := <-m.unregister:
			m.unregisterClient(client)
		case msg := <-m.broadcast:
			m.fanOut(msg.auctionID, msg.payload)
		}
	}
}

// BroadcastToAuction pushes an event to every client watching one
// auction, plus the global feed.
func (m *Manager) BroadcastToAuction(auctionID, event string, payload any) {
	data, err := json.Marshal(Envelope{
		Type:      event,
		AuctionID: auctionID,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[BROADCAST] Failed to encode %s event: %v", event, err)
		return
	}
	select {
	case m.broadcast <- outbound{auctionID: auctionID, payload: data}:
	default:
		log.Printf("[BROADCAST] Hub backlogged, dropping %s for auction %s", event, auctionID)
	}
}

// BroadcastToAll pushes an event to the global feed only.
func (m *Manager) BroadcastToAll(event string, payload any) {
	data, err := json.Marshal(Envelope{
		Type:      event,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[BROADCAST] Failed to encode %s event: %v", event, err)
		return
	}
	select {
	case m.broadcast <- outbound{auctionID: allAuctions, payload: data}:
	default:
		log.Printf("[BROADCAST] Hub backlogged, dropping %s", event)
	}
}

// SubscriberCount returns how many clients are watching an auction.
func (m *Manager) SubscriberCount(auctionID string) int {
	room, ok := m.rooms.Load(auctionID)
	if !ok {
		return 0
	}
	count := 0
	room.(*sync.Map).Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (m *Manager) registerClient(client *Client) {
	room, _ := m.rooms.LoadOrStore(client.AuctionID, &sync.Map{})
	room.(*sync.Map).Store(client, true)
	log.Printf("[BROADCAST] Client %s joined auction %s", client.ID, client.AuctionID)
	go client.writePump()
}

func (m *Manager) unregisterClient(client *Client) {
	room, ok := m.rooms.Load(client.AuctionID)
	if !ok {
		return
	}
	if _, present := room.(*sync.Map).Load(client); !present {
		return
	}
	room.(*sync.Map).Delete(client)
	close(client.Send)
	client.Conn.Close()
	log.Printf("[BROADCAST] Client %s left auction %s", client.ID, client.AuctionID)
}

func (m *Manager) fanOut(auctionID string, payload []byte) {
	m.sendToRoom(auctionID, payload)
	if auctionID != allAuctions {
		m.sendToRoom(allAuctions, payload)
	}
}

func (m *Manager) sendToRoom(auctionID string, payload []byte) {
	room, ok := m.rooms.Load(auctionID)
	if !ok {
		return
	}
	room.(*sync.Map).Range(func(key, _ any) bool {
		client := key.(*Client)
		select {
		case client.Send <- payload:
		default:
			// Full buffer means the consumer stopped reading.
			go func() { m.unregister <- client }()
		}
		return true
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames to surface disconnects and service
// pongs. Clients have nothing meaningful to send; anything received is
// discarded.
func (c *Client) readPump(unregister chan<- *Client) {
	defer func() {
		unregister <- c
	}()
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[BROADCAST] Client %s read error: %v", c.ID, err)
			}
			return
		}
	}
}

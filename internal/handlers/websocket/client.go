package websocket

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type Client struct {
	ID          string
	TenantID    string
	Email       string
	Conn        *websocket.Conn
	Send        chan []byte   // Channel for outgoing messages
	RateLimiter *rate.Limiter // Rate limiter to prevent spamming
	closed      bool          // Flag to check if the connection is closed
	auctions    map[string]bool
	mu          sync.Mutex // Mutex to protect closed and auctions
}

func newClient(id, tenantID, email string, conn *websocket.Conn, limiter *rate.Limiter) *Client {
	return &Client{
		ID:          id,
		TenantID:    tenantID,
		Email:       email,
		Conn:        conn,
		Send:        make(chan []byte, 32),
		RateLimiter: limiter,
		auctions:    make(map[string]bool),
	}
}

// Join subscribes the client to events of an auction.
func (c *Client) Join(auctionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auctions[auctionID] = true
}

func (c *Client) Leave(auctionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.auctions, auctionID)
}

func (c *Client) Watching(auctionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auctions[auctionID]
}

// Deliver queues a message without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *Client) Deliver(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- message:
		return true
	default:
		return false
	}
}

// ReadMessages listens for incoming messages from the client.
func (c *Client) ReadMessages(hub *Hub, maxSize int64, pongWait time.Duration, handleMessage func(*Client, []byte)) {
	defer func() {
		c.Disconnect(hub) // Ensure cleanup
		log.Debugf("Connection closed for client %s", c.ID)
	}()

	if maxSize > 0 {
		c.Conn.SetReadLimit(maxSize)
	}
	if pongWait > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.Conn.SetPongHandler(func(string) error {
			return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			log.Debugf("Error reading message from client %s: %v", c.ID, err)
			break
		}
		handleMessage(c, message)
	}
}

// WriteMessages sends outgoing messages and keepalive pings to the client.
func (c *Client) WriteMessages(pingInterval time.Duration) {
	var ping <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.Conn.Close()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debugf("Error sending message to client %s: %v", c.ID, err)
				return
			}
		case <-ping:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debugf("Ping failed for client %s: %v", c.ID, err)
				return
			}
		}
	}
}

// Disconnect cleans up client resources.
func (c *Client) Disconnect(hub *Hub) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()

	if hub != nil {
		hub.Unregister(c)
	}
	log.Debugf("Client %s cleanup completed", c.ID)
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Martin-Hayot/leilao-server/configs"
	"github.com/Martin-Hayot/leilao-server/internal/engine"
	"github.com/Martin-Hayot/leilao-server/internal/notify"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

// Bidder is the part of the engine the socket needs.
type Bidder interface {
	PlaceBid(ctx context.Context, cmd engine.BidCommand) (engine.BidResult, error)
	CurrentPrice(ctx context.Context, tenantID, lotID string) (engine.PriceQuote, error)
}

// Authenticator resolves the user behind an upgrade request.
type Authenticator interface {
	UserFromRequest(r *http.Request) (types.User, error)
}

type Options struct {
	BidsPerSecond    float64
	BidBurst         int
	PingInterval     time.Duration
	MaxMessageSize   int64
	AllowCrossOrigin bool
}

func OptionsFromConfig(cfg *configs.Config) Options {
	opts := Options{
		BidsPerSecond:    cfg.WebSocket.BidsPerSecond,
		BidBurst:         cfg.WebSocket.BidBurst,
		MaxMessageSize:   int64(cfg.WebSocket.MaxMessageSize),
		AllowCrossOrigin: cfg.Features.AllowCrossOrigin,
	}
	if d, err := time.ParseDuration(cfg.WebSocket.PingInterval); err == nil {
		opts.PingInterval = d
	} else if cfg.WebSocket.PingInterval != "" {
		log.Warn("Invalid websocket ping interval", "value", cfg.WebSocket.PingInterval)
	}
	return opts
}

type AuctionHandler struct {
	bidder   Bidder
	auth     Authenticator
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewAuctionWebSocketHandler(bidder Bidder, auth Authenticator, hub *Hub, opts Options) *AuctionHandler {
	if opts.BidsPerSecond <= 0 {
		opts.BidsPerSecond = 1
	}
	if opts.BidBurst <= 0 {
		opts.BidBurst = 3
	}
	h := &AuctionHandler{bidder: bidder, auth: auth, hub: hub, opts: opts}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return opts.AllowCrossOrigin || r.Header.Get("Origin") == "" || r.Header.Get("Origin") == "http://"+r.Host
		},
	}
	return h
}

// HandleAuctionWebSocket authenticates the request and upgrades it.
func (h *AuctionHandler) HandleAuctionWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.UserFromRequest(r)
	if err != nil {
		log.Error("Invalid token", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	h.handleAuctions(w, r, user)
}

func (h *AuctionHandler) handleAuctions(w http.ResponseWriter, r *http.Request, user types.User) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Infof("Failed to upgrade connection: %v", err)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(h.opts.BidsPerSecond), h.opts.BidBurst)
	client := newClient(user.ID, user.TenantID, user.Email, conn, limiter)
	h.hub.Register(client)

	var pongWait time.Duration
	if h.opts.PingInterval > 0 {
		pongWait = h.opts.PingInterval * 2
	}
	go client.ReadMessages(h.hub, h.opts.MaxMessageSize, pongWait, h.HandleMessage)
	go client.WriteMessages(h.opts.PingInterval)
}

// Hub tracks connected clients and pushes engine events to the ones watching
// the event's auction. It is a notify.Notifier.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
}

var _ notify.Notifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends a message to every client accepted by keep. Clients that
// cannot take it are dropped.
func (h *Hub) Broadcast(message []byte, keep func(*Client) bool) {
	h.mu.Lock()
	var stale []*Client
	for client := range h.clients {
		if keep != nil && !keep(client) {
			continue
		}
		if !client.Deliver(message) {
			stale = append(stale, client)
		}
	}
	h.mu.Unlock()

	for _, client := range stale {
		log.Debugf("Dropping slow client %s", client.ID)
		client.Disconnect(h)
	}
}

func (h *Hub) Notify(_ context.Context, e notify.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "error encoding event")
	}
	message, err := json.Marshal(&Message{Type: string(e.Kind), Data: raw})
	if err != nil {
		return errors.Wrap(err, "error encoding event message")
	}
	h.Broadcast(message, func(c *Client) bool {
		return c.TenantID == e.TenantID && c.Watching(e.AuctionID)
	})
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(h)
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/internal/engine"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
)

const bidTimeout = 5 * time.Second

type Message struct {
	Type string          `json:"type"` // Type of the message (e.g., "bid", "join")
	Data json.RawMessage `json:"data"` // Payload of the message
}

type joinMessage struct {
	AuctionID string `json:"auctionId"`
}

type bidMessage struct {
	AuctionID string          `json:"auctionId"`
	LotID     string          `json:"lotId"`
	Amount    decimal.Decimal `json:"amount"`
}

type priceMessage struct {
	LotID string `json:"lotId"`
}

type bidAccepted struct {
	BidID     string          `json:"bidId"`
	LotID     string          `json:"lotId"`
	Amount    decimal.Decimal `json:"amount"`
	Label     string          `json:"label"`
	Minimum   decimal.Decimal `json:"minimum"`
	EndDate   *time.Time      `json:"endDate,omitempty"`
	Extended  bool            `json:"extended"`
	BidsCount int             `json:"bidsCount"`
}

// ParseMessage validates and parses incoming messages.
func ParseMessage(rawMessage []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(rawMessage, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New(errors.ErrBadMessageFormat, "message type is required")
	}
	return &msg, nil
}

func reply(client *Client, msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Error("Error marshalling reply", "type", msgType, "error", err)
		return
	}
	out, err := json.Marshal(&Message{Type: msgType, Data: raw})
	if err != nil {
		log.Error("Error marshalling reply", "type", msgType, "error", err)
		return
	}
	client.Deliver(out)
}

func replyError(client *Client, err error) {
	var app *errors.AppError
	if !errors.As(err, &app) || app.Code == 0 {
		log.Error("Unexpected error", "client", client.ID, "error", err)
		app = errors.New(errors.ErrInternalServer, "Internal server error")
	}
	client.Deliver([]byte(app.ToJSON()))
}

// HandleMessage routes the message based on its type.
func (h *AuctionHandler) HandleMessage(client *Client, rawMessage []byte) {
	if !client.RateLimiter.Allow() {
		log.Warnf("Rate limit exceeded for client %s", client.ID)
		replyError(client, errors.New(errors.ErrRateLimited, "Rate limit exceeded"))
		return
	}

	msg, err := ParseMessage(rawMessage)
	if err != nil {
		log.Infof("Invalid message from client %s: %v", client.ID, err)
		replyError(client, errors.New(errors.ErrBadMessageFormat, "Invalid message format"))
		return
	}

	switch msg.Type {
	case "join":
		h.handleJoinMessage(client, msg.Data, true)
	case "leave":
		h.handleJoinMessage(client, msg.Data, false)
	case "bid":
		h.handleBidMessage(client, msg.Data)
	case "price":
		h.handlePriceMessage(client, msg.Data)
	default:
		log.Debugf("Unknown message type: %s", msg.Type)
		replyError(client, errors.New(errors.ErrUnknownMessageType, "Unknown message type"))
	}
}

func (h *AuctionHandler) handleJoinMessage(client *Client, data json.RawMessage, join bool) {
	var m joinMessage
	if err := json.Unmarshal(data, &m); err != nil || m.AuctionID == "" {
		replyError(client, errors.New(errors.ErrBadMessageFormat, "Invalid join message"))
		return
	}
	if join {
		client.Join(m.AuctionID)
		log.Debug("Client joined the auction", "client", client.ID, "auction", m.AuctionID)
		reply(client, "joined", m)
		return
	}
	client.Leave(m.AuctionID)
	reply(client, "left", m)
}

func (h *AuctionHandler) handleBidMessage(client *Client, data json.RawMessage) {
	var m bidMessage
	if err := json.Unmarshal(data, &m); err != nil || m.LotID == "" {
		replyError(client, errors.New(errors.ErrBadMessageFormat, "Invalid bid message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), bidTimeout)
	defer cancel()

	res, err := h.bidder.PlaceBid(ctx, engine.BidCommand{
		LotID:     m.LotID,
		AuctionID: m.AuctionID,
		UserID:    client.ID,
		TenantID:  client.TenantID,
		Amount:    m.Amount,
	})
	if err != nil {
		replyError(client, err)
		return
	}

	reply(client, "bid_accepted", bidAccepted{
		BidID:     res.Bid.ID,
		LotID:     res.Lot.ID,
		Amount:    res.Bid.Amount,
		Label:     res.Label,
		Minimum:   res.Lot.Price.Add(res.Lot.BidIncrementStep),
		EndDate:   res.Lot.EndDate,
		Extended:  res.Extended,
		BidsCount: res.Lot.BidsCount,
	})
}

func (h *AuctionHandler) handlePriceMessage(client *Client, data json.RawMessage) {
	var m priceMessage
	if err := json.Unmarshal(data, &m); err != nil || m.LotID == "" {
		replyError(client, errors.New(errors.ErrBadMessageFormat, "Invalid price message"))
		return
	}
	quote, err := h.bidder.CurrentPrice(context.Background(), client.TenantID, m.LotID)
	if err != nil {
		replyError(client, err)
		return
	}
	reply(client, "price", quote)
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/internal/auth"
	"github.com/Martin-Hayot/leilao-server/internal/clock"
	"github.com/Martin-Hayot/leilao-server/internal/database"
	"github.com/Martin-Hayot/leilao-server/internal/engine"
	"github.com/Martin-Hayot/leilao-server/internal/notify"
	"github.com/Martin-Hayot/leilao-server/internal/pricing"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

type fakeBidder struct {
	mu   sync.Mutex
	cmds []engine.BidCommand
}

func (f *fakeBidder) PlaceBid(_ context.Context, cmd engine.BidCommand) (engine.BidResult, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()

	if cmd.Amount.LessThan(decimal.NewFromInt(10500)) {
		return engine.BidResult{}, errors.New(errors.ErrBelowIncrement, "bid below minimum increment").
			WithMinimum(decimal.NewFromInt(10500))
	}
	end := time.Date(2026, 6, 1, 12, 3, 0, 0, time.UTC)
	return engine.BidResult{
		Bid: types.Bid{ID: "b1", LotID: cmd.LotID, UserID: cmd.UserID, Amount: cmd.Amount},
		Lot: types.Lot{
			ID:               cmd.LotID,
			Price:            cmd.Amount,
			BidIncrementStep: decimal.NewFromInt(500),
			BidsCount:        1,
			EndDate:          &end,
		},
		Label:    pricing.LabelCurrentBid,
		Extended: true,
	}, nil
}

func (f *fakeBidder) CurrentPrice(_ context.Context, tenantID, lotID string) (engine.PriceQuote, error) {
	if lotID != "l1" || tenantID != "t1" {
		return engine.PriceQuote{}, errors.Newf(errors.ErrNotFound, "lot %s not found", lotID)
	}
	return engine.PriceQuote{
		LotID:   lotID,
		Status:  types.LotOpenForBids,
		Price:   decimal.NewFromInt(10000),
		Label:   pricing.LabelInitialBid,
		Minimum: decimal.NewFromInt(10500),
	}, nil
}

type harness struct {
	server *httptest.Server
	auth   *auth.Authenticator
	hub    *Hub
	bidder *fakeBidder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	fake := &fakeBidder{}
	h := newHarnessFor(t, opts, fake)
	h.bidder = fake
	return h
}

func newHarnessFor(t *testing.T, opts Options, bidder Bidder) *harness {
	t.Helper()
	a, err := auth.New("test-secret")
	assert.NoError(t, err)
	h := &harness{auth: a, hub: NewHub()}
	handler := NewAuctionWebSocketHandler(bidder, a, h.hub, opts)
	h.server = httptest.NewServer(http.HandlerFunc(handler.HandleAuctionWebSocket))
	t.Cleanup(func() {
		h.hub.Close()
		h.server.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T, userID, tenantID string) *websocket.Conn {
	t.Helper()
	token, err := h.auth.Encrypt(map[string]any{"sub": userID, "tenantId": tenantID})
	assert.NoError(t, err)

	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: auth.SessionCookie, Value: token}).String())
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	assert.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	assert.NoError(t, err)
	assert.NoError(t, ws.WriteJSON(Message{Type: msgType, Data: raw}))
}

func read(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	assert.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]any
	assert.NoError(t, ws.ReadJSON(&out))
	return out
}

func TestRejectsMissingSession(t *testing.T) {
	h := newHarness(t, Options{})
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	check.Error(t, err)
	assert.NotNil(t, resp)
	check.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBidRoundTrip(t *testing.T) {
	h := newHarness(t, Options{BidsPerSecond: 100, BidBurst: 10})
	ws := h.dial(t, "u1", "t1")

	send(t, ws, "bid", map[string]string{"auctionId": "a1", "lotId": "l1", "amount": "10500"})
	reply := read(t, ws)
	check.Equal(t, "bid_accepted", reply["type"])
	data := reply["data"].(map[string]any)
	check.Equal(t, "b1", data["bidId"])
	check.Equal(t, "10500", data["amount"])
	check.Equal(t, "11000", data["minimum"])
	check.Equal(t, true, data["extended"])

	h.bidder.mu.Lock()
	cmd := h.bidder.cmds[0]
	h.bidder.mu.Unlock()
	check.Equal(t, "u1", cmd.UserID)
	check.Equal(t, "t1", cmd.TenantID)
	check.Equal(t, "a1", cmd.AuctionID)
}

func TestBidRejectionCarriesMinimum(t *testing.T) {
	h := newHarness(t, Options{BidsPerSecond: 100, BidBurst: 10})
	ws := h.dial(t, "u1", "t1")

	send(t, ws, "bid", map[string]string{"lotId": "l1", "amount": "10100"})
	reply := read(t, ws)
	check.Equal(t, "error", reply["type"])
	check.Equal(t, "below_increment", reply["reason"])
	check.Equal(t, "10500.00", reply["minimum"])
}

func TestPriceAndBadMessages(t *testing.T) {
	h := newHarness(t, Options{BidsPerSecond: 100, BidBurst: 10})
	ws := h.dial(t, "u1", "t1")

	send(t, ws, "price", map[string]string{"lotId": "l1"})
	reply := read(t, ws)
	check.Equal(t, "price", reply["type"])
	check.Equal(t, "10500", reply["data"].(map[string]any)["minimum"])

	send(t, ws, "price", map[string]string{"lotId": "missing"})
	check.Equal(t, "not_found", read(t, ws)["reason"])

	send(t, ws, "shout", map[string]string{})
	check.Equal(t, "unknown_message_type", read(t, ws)["reason"])

	assert.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	check.Equal(t, "bad_message_format", read(t, ws)["reason"])
}

func TestPriceOfForeignTenantLot(t *testing.T) {
	h := newHarness(t, Options{BidsPerSecond: 100, BidBurst: 10})
	ws := h.dial(t, "u3", "t2")

	send(t, ws, "price", map[string]string{"lotId": "l1"})
	reply := read(t, ws)
	check.Equal(t, "error", reply["type"])
	check.Equal(t, "not_found", reply["reason"])
	check.Equal(t, nil, reply["data"])
}

func TestPriceIsScopedToTenantWithEngine(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	store := database.NewMemory()
	assert.NoError(t, store.CreateAuction(ctx, types.Auction{
		ID:       "a9",
		TenantID: "t2",
		Status:   types.AuctionOpen,
		Stages: []types.Stage{{
			ID:           "s1",
			AuctionID:    "a9",
			Name:         "1ª Praça",
			StartDate:    start,
			EndDate:      start.Add(24 * time.Hour),
			InitialPrice: decimal.NewFromInt(777777),
		}},
	}))
	assert.NoError(t, store.CreateLot(ctx, types.Lot{
		ID:               "secret-lot",
		AuctionID:        "a9",
		TenantID:         "t2",
		Number:           1,
		Status:           types.LotOpenForBids,
		Price:            decimal.NewFromInt(777777),
		InitialPrice:     decimal.NewFromInt(777777),
		BidIncrementStep: decimal.NewFromInt(1000),
	}))
	svc := engine.New(store, notify.Noop(), clock.NewManual(start.Add(time.Hour)), engine.DefaultOptions())
	h := newHarnessFor(t, Options{BidsPerSecond: 100, BidBurst: 10}, svc)

	foreign := h.dial(t, "u1", "t1")
	send(t, foreign, "price", map[string]string{"lotId": "secret-lot"})
	reply := read(t, foreign)
	check.Equal(t, "not_found", reply["reason"])
	check.Equal(t, nil, reply["data"])

	owner := h.dial(t, "u2", "t2")
	send(t, owner, "price", map[string]string{"lotId": "secret-lot"})
	reply = read(t, owner)
	check.Equal(t, "price", reply["type"])
	check.Equal(t, "777777", reply["data"].(map[string]any)["price"])
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Options{BidsPerSecond: 0.001, BidBurst: 1})
	ws := h.dial(t, "u1", "t1")

	send(t, ws, "price", map[string]string{"lotId": "l1"})
	check.Equal(t, "price", read(t, ws)["type"])
	send(t, ws, "price", map[string]string{"lotId": "l1"})
	check.Equal(t, "rate_limited", read(t, ws)["reason"])
}

func TestHubDeliversToWatchersOfTenant(t *testing.T) {
	h := newHarness(t, Options{BidsPerSecond: 100, BidBurst: 10})
	watcher := h.dial(t, "u1", "t1")
	idle := h.dial(t, "u2", "t1")
	foreign := h.dial(t, "u3", "t2")

	send(t, watcher, "join", map[string]string{"auctionId": "a1"})
	check.Equal(t, "joined", read(t, watcher)["type"])
	send(t, foreign, "join", map[string]string{"auctionId": "a1"})
	check.Equal(t, "joined", read(t, foreign)["type"])
	send(t, idle, "price", map[string]string{"lotId": "l1"})
	check.Equal(t, "price", read(t, idle)["type"])
	check.Equal(t, 3, h.hub.Len())

	amount := decimal.NewFromInt(10500)
	err := h.hub.Notify(context.Background(), notify.Event{
		Kind:      notify.BidAccepted,
		TenantID:  "t1",
		AuctionID: "a1",
		LotID:     "l1",
		Amount:    &amount,
	})
	assert.NoError(t, err)

	got := read(t, watcher)
	check.Equal[any](t, string(notify.BidAccepted), got["type"])
	check.Equal(t, "l1", got["data"].(map[string]any)["lotId"])

	for _, ws := range []*websocket.Conn{idle, foreign} {
		assert.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		_, _, err := ws.ReadMessage()
		check.Error(t, err)
	}
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"join","data":{"auctionId":"a1"}}`))
	assert.NoError(t, err)
	check.Equal(t, "join", msg.Type)

	_, err = ParseMessage([]byte(`{"data":{}}`))
	check.Equal(t, errors.ErrBadMessageFormat, errors.CodeOf(err))
}

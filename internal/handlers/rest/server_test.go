package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/internal/auth"
	"github.com/Martin-Hayot/leilao-server/internal/clock"
	"github.com/Martin-Hayot/leilao-server/internal/database"
	"github.com/Martin-Hayot/leilao-server/internal/engine"
	"github.com/Martin-Hayot/leilao-server/internal/notify"
	"github.com/Martin-Hayot/leilao-server/internal/pricing"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router http.Handler
	auth   *auth.Authenticator
	clock  *clock.Manual
	store  *database.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store := database.NewMemory()
	assert.NoError(t, store.CreateAuction(ctx, types.Auction{
		ID:       "a1",
		TenantID: "t1",
		Title:    "Leilão Extrajudicial 07/2026",
		Status:   types.AuctionOpen,
		Stages: []types.Stage{{
			ID:           "s1",
			AuctionID:    "a1",
			Name:         "1ª Praça",
			StartDate:    t0,
			EndDate:      t0.Add(24 * time.Hour),
			InitialPrice: decimal.NewFromInt(10000),
		}},
	}))
	assert.NoError(t, store.CreateLot(ctx, types.Lot{
		ID:               "l1",
		AuctionID:        "a1",
		TenantID:         "t1",
		Number:           1,
		Status:           types.LotOpenForBids,
		Price:            decimal.NewFromInt(10000),
		InitialPrice:     decimal.NewFromInt(10000),
		BidIncrementStep: decimal.NewFromInt(500),
	}))
	assert.NoError(t, store.GrantHabilitation(ctx, "t1", "u1", "a1"))

	clk := clock.NewManual(t0.Add(time.Hour))
	svc := engine.New(store, notify.Noop(), clk, engine.DefaultOptions())

	a, err := auth.New("test-secret")
	assert.NoError(t, err)
	return &testServer{
		router: NewServer(svc, store, a).Router(),
		auth:   a,
		clock:  clk,
		store:  store,
	}
}

type caller struct {
	id, tenant, role string
}

var (
	bidder   = caller{id: "u1", tenant: "t1"}
	other    = caller{id: "u2", tenant: "t1"}
	admin    = caller{id: "adm", tenant: "t1", role: "ADMIN"}
	outsider = caller{id: "u9", tenant: "t2", role: "ADMIN"}
)

func (s *testServer) do(t *testing.T, who *caller, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		token, err := s.auth.Encrypt(map[string]any{"sub": who.id, "tenantId": who.tenant, "role": who.role})
		assert.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, nil, http.MethodGet, "/health", nil)
	check.Equal(t, http.StatusOK, code)
	check.Equal(t, "up", body["status"])
}

func TestRequiresSession(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, nil, http.MethodGet, "/api/lots/l1/price", nil)
	check.Equal(t, http.StatusUnauthorized, code)
	check.Equal(t, "unauthorized", body["reason"])
}

func TestLotPriceIsTenantScoped(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, &bidder, http.MethodGet, "/api/lots/l1/price", nil)
	check.Equal(t, http.StatusOK, code)
	check.Equal(t, "10000", body["minimum"])
	check.Equal(t, pricing.LabelInitialBid, body["label"])

	code, body = s.do(t, &outsider, http.MethodGet, "/api/lots/l1/price", nil)
	check.Equal(t, http.StatusNotFound, code)
	check.Equal(t, "not_found", body["reason"])
}

func TestPlaceBidOverHTTP(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, &bidder, http.MethodPost, "/api/lots/l1/bids", map[string]string{"amount": "10000"})
	check.Equal(t, http.StatusCreated, code)
	check.Equal(t, pricing.LabelCurrentBid, body["label"])

	code, body = s.do(t, &bidder, http.MethodPost, "/api/lots/l1/bids", map[string]string{"amount": "10100"})
	check.Equal(t, http.StatusUnprocessableEntity, code)
	check.Equal(t, "below_increment", body["reason"])
	check.Equal(t, "10500.00", body["minimum"])

	code, _ = s.do(t, &bidder, http.MethodPost, "/api/lots/l1/bids", "not an object")
	check.Equal(t, http.StatusBadRequest, code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, &bidder, http.MethodPost, "/api/admin/sweep", nil)
	check.Equal(t, http.StatusForbidden, code)
}

func TestSweepThenSettle(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, &bidder, http.MethodPost, "/api/lots/l1/bids", map[string]string{"amount": "10000"})
	assert.Equal(t, http.StatusCreated, code)

	s.clock.Set(t0.Add(25 * time.Hour))
	code, report := s.do(t, &admin, http.MethodPost, "/api/admin/sweep", nil)
	assert.Equal(t, http.StatusOK, code)
	lots := report["lots"].([]any)
	assert.Equal(t, 1, len(lots))
	sold := lots[0].(map[string]any)
	check.Equal[any](t, string(types.LotSold), sold["to"])
	winID := sold["winId"].(string)

	code, _ = s.do(t, &admin, http.MethodPost, "/api/admin/wins/"+winID+"/installments", map[string]int{"installments": 0})
	check.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, &admin, http.MethodPost, "/api/admin/wins/"+winID+"/installments", map[string]int{"installments": 3})
	check.Equal(t, http.StatusCreated, code)

	plan, err := s.store.GetInstallmentsByWin(context.Background(), winID)
	assert.NoError(t, err)
	check.Equal(t, 3, len(plan))

	code, _ = s.do(t, &bidder, http.MethodGet, "/api/wins/"+winID+"/installments", nil)
	check.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, &other, http.MethodGet, "/api/wins/"+winID+"/installments", nil)
	check.Equal(t, http.StatusNotFound, code)

	// a sold auction can no longer be cancelled
	code, body := s.do(t, &admin, http.MethodPost, "/api/admin/auctions/a1/cancel", nil)
	check.Equal(t, http.StatusConflict, code)
	check.Equal(t, "invalid_auction_state", body["reason"])
}

func TestLiveSessionHammer(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, &bidder, http.MethodPost, "/api/lots/l1/bids", map[string]string{"amount": "10000"})
	assert.Equal(t, http.StatusCreated, code)

	code, body := s.do(t, &admin, http.MethodPost, "/api/admin/auctions/a1/live", nil)
	check.Equal(t, http.StatusOK, code)
	check.Equal[any](t, string(types.AuctionLiveSession), body["status"])

	code, body = s.do(t, &admin, http.MethodPost, "/api/admin/lots/l1/finalize", nil)
	check.Equal(t, http.StatusOK, code)
	check.Equal[any](t, string(types.LotSold), body["to"])

	code, _ = s.do(t, &outsider, http.MethodPost, "/api/admin/lots/l1/cancel", nil)
	check.Equal(t, http.StatusNotFound, code)
}

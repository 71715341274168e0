package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/internal/engine"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

// tenantAuction loads an auction and hides it from other tenants.
func (s *Server) tenantAuction(c *gin.Context, auctionID string) (types.Auction, bool) {
	auction, err := s.store.GetAuctionByID(c.Request.Context(), auctionID)
	if err == nil && auction.TenantID != currentUser(c).TenantID {
		err = errors.Newf(errors.ErrNotFound, "auction %s not found", auctionID)
	}
	if err != nil {
		abortWithError(c, err)
		return types.Auction{}, false
	}
	return auction, true
}

func (s *Server) tenantLot(c *gin.Context, lotID string) (types.Lot, bool) {
	lot, err := s.store.GetLotByID(c.Request.Context(), lotID)
	if err == nil && lot.TenantID != currentUser(c).TenantID {
		err = errors.Newf(errors.ErrNotFound, "lot %s not found", lotID)
	}
	if err != nil {
		abortWithError(c, err)
		return types.Lot{}, false
	}
	return lot, true
}

func (s *Server) auctionAction(fn func(ctx context.Context, auctionID string) (types.Auction, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.tenantAuction(c, c.Param("id")); !ok {
			return
		}
		auction, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, auction)
	}
}

func (s *Server) lotAction(fn func(ctx context.Context, lotID string) (types.Lot, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.tenantLot(c, c.Param("id")); !ok {
			return
		}
		lot, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, lot)
	}
}

func (s *Server) GetLotPrice(c *gin.Context) {
	quote, err := s.engine.CurrentPrice(c.Request.Context(), currentUser(c).TenantID, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) PlaceBid(c *gin.Context) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.ErrBadMessageFormat, "bad bid format"))
		return
	}

	user := currentUser(c)
	res, err := s.engine.PlaceBid(c.Request.Context(), engine.BidCommand{
		LotID:    c.Param("id"),
		UserID:   user.ID,
		TenantID: user.TenantID,
		Amount:   req.Amount,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"bid":      res.Bid,
		"lot":      res.Lot,
		"label":    res.Label,
		"extended": res.Extended,
	})
}

func (s *Server) GroupLot(c *gin.Context) {
	var req struct {
		IntoLotID string `json:"intoLotId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.ErrBadMessageFormat, "intoLotId is required"))
		return
	}
	if _, ok := s.tenantLot(c, c.Param("id")); !ok {
		return
	}
	if _, ok := s.tenantLot(c, req.IntoLotID); !ok {
		return
	}
	lot, err := s.engine.GroupLot(c.Request.Context(), c.Param("id"), req.IntoLotID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, lot)
}

func (s *Server) FinalizeLot(c *gin.Context) {
	if _, ok := s.tenantLot(c, c.Param("id")); !ok {
		return
	}
	tr, err := s.engine.FinalizeLot(c.Request.Context(), c.Param("id"), s.engine.Now())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// tenantWin resolves a win through its auction so it can be tenant scoped.
func (s *Server) tenantWin(c *gin.Context, winID string) (types.UserWin, bool) {
	win, err := s.store.GetUserWinByID(c.Request.Context(), winID)
	if err != nil {
		abortWithError(c, err)
		return types.UserWin{}, false
	}
	if _, ok := s.tenantAuction(c, win.AuctionID); !ok {
		return types.UserWin{}, false
	}
	return win, true
}

func (s *Server) ScheduleSettlement(c *gin.Context) {
	var req struct {
		Installments int `json:"installments" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.ErrInvalidSettlementInput, "installments is required"))
		return
	}
	if _, ok := s.tenantWin(c, c.Param("id")); !ok {
		return
	}
	plan, err := s.engine.ScheduleSettlement(c.Request.Context(), c.Param("id"), req.Installments)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

// GetInstallments is open to the winner and to admins.
func (s *Server) GetInstallments(c *gin.Context) {
	win, ok := s.tenantWin(c, c.Param("id"))
	if !ok {
		return
	}
	user := currentUser(c)
	if win.UserID != user.ID && !s.isAdmin(user) {
		abortWithError(c, errors.Newf(errors.ErrNotFound, "win %s not found", win.ID))
		return
	}
	plan, err := s.store.GetInstallmentsByWin(c.Request.Context(), win.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) Sweep(c *gin.Context) {
	report := s.engine.SweepExpirations(c.Request.Context(), s.engine.Now())
	c.JSON(http.StatusOK, report)
}

func (s *Server) isAdmin(user types.User) bool {
	for _, role := range s.AdminRoles {
		if user.Role == role {
			return true
		}
	}
	return false
}

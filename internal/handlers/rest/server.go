// Package rest exposes the back-office operations of the bidding core over
// HTTP: publishing and cancelling auctions and lots, the live session
// hammer, settlement plans and a manual sweep.
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/Martin-Hayot/leilao-server/internal/engine"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

const userKey = "user"

// Engine is the set of engine operations served over HTTP.
type Engine interface {
	Now() time.Time
	PlaceBid(ctx context.Context, cmd engine.BidCommand) (engine.BidResult, error)
	CurrentPrice(ctx context.Context, tenantID, lotID string) (engine.PriceQuote, error)
	SweepExpirations(ctx context.Context, now time.Time) engine.SweepReport
	FinalizeLot(ctx context.Context, lotID string, now time.Time) (engine.Transition, error)
	ScheduleSettlement(ctx context.Context, userWinID string, count int) ([]types.InstallmentPayment, error)
	PublishAuction(ctx context.Context, auctionID string) (types.Auction, error)
	StartLiveSession(ctx context.Context, auctionID string) (types.Auction, error)
	EndLiveSession(ctx context.Context, auctionID string) (types.Auction, error)
	CancelAuction(ctx context.Context, auctionID string) (types.Auction, error)
	PublishLot(ctx context.Context, lotID string) (types.Lot, error)
	CancelLot(ctx context.Context, lotID string) (types.Lot, error)
	GroupLot(ctx context.Context, lotID, intoLotID string) (types.Lot, error)
}

// Store is the read side used to scope requests to the caller's tenant.
type Store interface {
	Health() map[string]string
	GetAuctionByID(ctx context.Context, auctionID string) (types.Auction, error)
	GetLotByID(ctx context.Context, lotID string) (types.Lot, error)
	GetUserWinByID(ctx context.Context, winID string) (types.UserWin, error)
	GetInstallmentsByWin(ctx context.Context, winID string) ([]types.InstallmentPayment, error)
}

type Authenticator interface {
	UserFromRequest(r *http.Request) (types.User, error)
}

type Server struct {
	engine Engine
	store  Store
	auth   Authenticator
	// AdminRoles may run back-office operations.
	AdminRoles []string
}

func NewServer(e Engine, store Store, auth Authenticator) *Server {
	return &Server{
		engine:     e,
		store:      store,
		auth:       auth,
		AdminRoles: []string{"ADMIN", "LEILOEIRO"},
	}
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r gin.IRouter) {
	r.GET("/health", s.Health)

	api := r.Group("/api", s.authenticate)
	api.GET("/lots/:id/price", s.GetLotPrice)
	api.POST("/lots/:id/bids", s.PlaceBid)
	api.GET("/wins/:id/installments", s.GetInstallments)

	admin := api.Group("/admin", s.requireAdmin)
	admin.POST("/auctions/:id/publish", s.auctionAction(s.engine.PublishAuction))
	admin.POST("/auctions/:id/live", s.auctionAction(s.engine.StartLiveSession))
	admin.DELETE("/auctions/:id/live", s.auctionAction(s.engine.EndLiveSession))
	admin.POST("/auctions/:id/cancel", s.auctionAction(s.engine.CancelAuction))
	admin.POST("/lots/:id/publish", s.lotAction(s.engine.PublishLot))
	admin.POST("/lots/:id/cancel", s.lotAction(s.engine.CancelLot))
	admin.POST("/lots/:id/group", s.GroupLot)
	admin.POST("/lots/:id/finalize", s.FinalizeLot)
	admin.POST("/wins/:id/installments", s.ScheduleSettlement)
	admin.POST("/sweep", s.Sweep)
}

// Router builds a gin engine with recovery and request logging.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger)
	s.Routes(r)
	return r
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	log.Debug("HTTP request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"took", time.Since(start))
}

func (s *Server) Health(c *gin.Context) {
	stats := s.store.Health()
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

func (s *Server) authenticate(c *gin.Context) {
	user, err := s.auth.UserFromRequest(c.Request)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Set(userKey, user)
	c.Next()
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.isAdmin(currentUser(c)) {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "admin role required"})
}

func currentUser(c *gin.Context) types.User {
	if v, ok := c.Get(userKey); ok {
		if user, ok := v.(types.User); ok {
			return user
		}
	}
	return types.User{}
}

// statusOf maps an engine error code to the HTTP status sent back.
func statusOf(code int) int {
	switch code {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrUnauthorized, errors.ErrInvalidToken:
		return http.StatusUnauthorized
	case errors.ErrBelowFloor, errors.ErrBelowIncrement, errors.ErrAlreadyWinning:
		return http.StatusUnprocessableEntity
	case errors.ErrInvalidLotState, errors.ErrInvalidAuctionState, errors.ErrConcurrentBidConflict:
		return http.StatusConflict
	case errors.ErrBadMessageFormat, errors.ErrInvalidSettlementInput, errors.ErrStageConfiguration:
		return http.StatusBadRequest
	case errors.ErrRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	var app *errors.AppError
	if !errors.As(err, &app) || app.Code == 0 {
		log.Error("Unexpected error", "path", c.FullPath(), "error", err)
		app = errors.New(errors.ErrInternalServer, "Internal server error")
	}
	c.Abort()
	c.Data(statusOf(app.Code), "application/json", []byte(app.ToJSON()))
}

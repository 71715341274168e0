package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tenantId"`
}

type AuctionStatus string

const (
	AuctionDraft       AuctionStatus = "RASCUNHO"
	AuctionComingSoon  AuctionStatus = "EM_BREVE"
	AuctionOpen        AuctionStatus = "ABERTO_PARA_LANCES"
	AuctionLiveSession AuctionStatus = "EM_PREGAO"
	AuctionFinished    AuctionStatus = "FINALIZADO"
	AuctionCancelled   AuctionStatus = "CANCELADO"
)

func (s AuctionStatus) Terminal() bool {
	return s == AuctionFinished || s == AuctionCancelled
}

// AcceptsBids reports whether lots of an auction in this status may take bids.
func (s AuctionStatus) AcceptsBids() bool {
	return s == AuctionOpen || s == AuctionLiveSession
}

type LotStatus string

const (
	LotDraft       LotStatus = "DRAFT"
	LotComingSoon  LotStatus = "COMING_SOON"
	LotOpenForBids LotStatus = "OPEN_FOR_BIDS"
	LotSold        LotStatus = "SOLD"
	LotUnsold      LotStatus = "UNSOLD"
	LotCancelled   LotStatus = "CANCELLED"
	LotGrouped     LotStatus = "GROUPED"
)

func (s LotStatus) Terminal() bool {
	switch s {
	case LotSold, LotUnsold, LotCancelled, LotGrouped:
		return true
	}
	return false
}

type WinStatus string

const (
	WinPending WinStatus = "PENDENTE"
	WinPaid    WinStatus = "PAGO"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDENTE"
	PaymentPaid    PaymentStatus = "PAGO"
	PaymentOverdue PaymentStatus = "ATRASADO"
)

// Stage is one praça. The first stage carries InitialPrice, later stages a
// DiscountPercent of the first stage's initial price that remains.
type Stage struct {
	ID              string          `json:"id"`
	AuctionID       string          `json:"auctionId"`
	Name            string          `json:"name"`
	StartDate       time.Time       `json:"startDate"`
	EndDate         time.Time       `json:"endDate"`
	InitialPrice    decimal.Decimal `json:"initialPrice"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
}

type Auction struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenantId"`
	Title            string        `json:"title"`
	Status           AuctionStatus `json:"status"`
	Stages           []Stage       `json:"stages"`
	SoftCloseEnabled bool          `json:"softCloseEnabled"`
	SoftCloseMinutes int           `json:"softCloseMinutes"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// FinalEnd is the end of the last stage, the auction's terminal boundary.
func (a Auction) FinalEnd() time.Time {
	if len(a.Stages) == 0 {
		return time.Time{}
	}
	return a.Stages[len(a.Stages)-1].EndDate
}

func (a Auction) SoftCloseWindow() time.Duration {
	if !a.SoftCloseEnabled || a.SoftCloseMinutes <= 0 {
		return 0
	}
	return time.Duration(a.SoftCloseMinutes) * time.Minute
}

type Lot struct {
	ID               string          `json:"id"`
	AuctionID        string          `json:"auctionId"`
	TenantID         string          `json:"tenantId"`
	Number           int             `json:"number"`
	Title            string          `json:"title"`
	Status           LotStatus       `json:"status"`
	Price            decimal.Decimal `json:"price"`
	InitialPrice     decimal.Decimal `json:"initialPrice"`
	BidIncrementStep decimal.Decimal `json:"bidIncrementStep"`
	BidsCount        int             `json:"bidsCount"`
	HighBidderID     *string         `json:"highBidderId,omitempty"`
	EndDate          *time.Time      `json:"endDate,omitempty"`
	ExtensionCount   int             `json:"extensionCount"`
	GroupedInto      *string         `json:"groupedInto,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type Bid struct {
	ID        string          `json:"id"`
	LotID     string          `json:"lotId"`
	AuctionID string          `json:"auctionId"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

type UserWin struct {
	ID            string          `json:"id"`
	LotID         string          `json:"lotId"`
	AuctionID     string          `json:"auctionId"`
	UserID        string          `json:"userId"`
	BidID         string          `json:"bidId"`
	WinningAmount decimal.Decimal `json:"winningAmount"`
	Status        WinStatus       `json:"status"`
	WonAt         time.Time       `json:"wonAt"`
}

type InstallmentPayment struct {
	ID                string          `json:"id"`
	UserWinID         string          `json:"userWinId"`
	InstallmentNumber int             `json:"installmentNumber"`
	TotalInstallments int             `json:"totalInstallments"`
	Amount            decimal.Decimal `json:"amount"`
	DueDate           time.Time       `json:"dueDate"`
	Status            PaymentStatus   `json:"status"`
}

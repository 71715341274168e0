// Package bidding decides whether a bid may be accepted against a lot and how
// an accepted bid moves the lot's closing time.
package bidding

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/internal/pricing"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

// Authorizer is the habilitation check: may this user bid in this auction.
type Authorizer interface {
	IsAuthorizedToBid(ctx context.Context, tenantID, userID, auctionID string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, tenantID, userID, auctionID string) (bool, error)

func (f AuthorizerFunc) IsAuthorizedToBid(ctx context.Context, tenantID, userID, auctionID string) (bool, error) {
	return f(ctx, tenantID, userID, auctionID)
}

// Policy holds the optional validator rules.
type Policy struct {
	// ForbidSelfOutbid rejects a bid from the user already holding the high bid.
	ForbidSelfOutbid bool
}

// Request is everything the validator looks at. Lot and Auction must be read
// inside the lot's transaction.
type Request struct {
	Lot      types.Lot
	Auction  types.Auction
	TenantID string
	UserID   string
	Amount   decimal.Decimal
	Now      time.Time
}

// Decision is the validator verdict. On acceptance Tier is the tier the bid was
// placed in and Deadline the lot's closing time before any soft-close extension.
type Decision struct {
	Accepted bool
	NewPrice decimal.Decimal
	Tier     pricing.Tier
	Deadline time.Time
	Reason   *errors.AppError
}

type Validator struct {
	auth   Authorizer
	policy Policy
}

func NewValidator(auth Authorizer, policy Policy) *Validator {
	return &Validator{auth: auth, policy: policy}
}

// Validate applies the bid rules in order: lot state and window, habilitation,
// floor (no bids yet) or increment (bids exist), then optional policies. A
// non-nil error is a collaborator failure, not a rejection.
func (v *Validator) Validate(ctx context.Context, req Request) (Decision, error) {
	lot := req.Lot
	tier := pricing.Resolve(req.Auction.Stages, req.Now)

	deadline, open := BiddingWindow(lot, req.Auction, tier, req.Now)
	if !open {
		return reject(errors.Newf(errors.ErrInvalidLotState,
			"lot %s is not accepting bids (status %s)", lot.ID, lot.Status)), nil
	}

	ok, err := v.auth.IsAuthorizedToBid(ctx, req.TenantID, req.UserID, req.Auction.ID)
	if err != nil {
		return Decision{}, errors.Wrap(err, "habilitation check failed")
	}
	if !ok {
		return reject(errors.New(errors.ErrUnauthorized, "user is not authorized to bid in this auction")), nil
	}

	if lot.BidsCount == 0 {
		if req.Amount.LessThan(tier.Floor) || !req.Amount.IsPositive() {
			return reject(errors.Newf(errors.ErrBelowFloor,
				"bid must be at least the %s", tier.Label).WithMinimum(tier.Floor)), nil
		}
	} else {
		minimum := MinimumNextBid(lot)
		if req.Amount.LessThan(minimum) {
			return reject(errors.New(errors.ErrBelowIncrement,
				"bid must be at least the current price plus the increment").WithMinimum(minimum)), nil
		}
		if v.policy.ForbidSelfOutbid && lot.HighBidderID != nil && *lot.HighBidderID == req.UserID {
			return reject(errors.New(errors.ErrAlreadyWinning, "you already hold the highest bid")), nil
		}
	}

	log.Debug("bid accepted by validator", "lot", lot.ID, "user", req.UserID, "amount", req.Amount)
	return Decision{
		Accepted: true,
		NewPrice: req.Amount,
		Tier:     tier,
		Deadline: deadline,
	}, nil
}

func reject(reason *errors.AppError) Decision {
	return Decision{Reason: reason}
}

// MinimumNextBid is the smallest amount a new bid on a lot with bids may carry.
func MinimumNextBid(lot types.Lot) decimal.Decimal {
	return lot.Price.Add(lot.BidIncrementStep)
}

// Deadline is the lot's closing time: a lot-specific end date when present,
// otherwise the end of the active stage. ok is false when neither exists.
func Deadline(lot types.Lot, tier pricing.Tier) (time.Time, bool) {
	if lot.EndDate != nil {
		return *lot.EndDate, true
	}
	if tier.Active() {
		return tier.Stage.EndDate, true
	}
	return time.Time{}, false
}

// BiddingWindow reports whether lot may take a bid at now, and the deadline
// it would close at.
func BiddingWindow(lot types.Lot, auction types.Auction, tier pricing.Tier, now time.Time) (time.Time, bool) {
	if lot.Status != types.LotOpenForBids || !auction.Status.AcceptsBids() {
		return time.Time{}, false
	}
	// A lot without bids prices off the active stage, so one must exist.
	if lot.BidsCount == 0 && !tier.Active() {
		return time.Time{}, false
	}
	deadline, ok := Deadline(lot, tier)
	if !ok || !now.Before(deadline) {
		return time.Time{}, false
	}
	return deadline, true
}

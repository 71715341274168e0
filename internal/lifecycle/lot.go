// Package lifecycle holds the lot and auction state machines. Functions here
// mutate the record passed in and never touch storage; callers run them inside
// the record's transaction.
package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/internal/bidding"
	"github.com/Martin-Hayot/leilao-server/internal/pricing"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

// LotStep is the result of applying time to a lot.
type LotStep struct {
	From     types.LotStatus
	To       types.LotStatus
	Repriced bool
}

func (s LotStep) Changed() bool { return s.From != s.To || s.Repriced }

// PublishLot moves a DRAFT lot to COMING_SOON, or straight to OPEN_FOR_BIDS
// when its stage is already running.
func PublishLot(lot *types.Lot, auction types.Auction, now time.Time) error {
	if lot.Status != types.LotDraft {
		return errors.Newf(errors.ErrInvalidLotState, "lot %s cannot be published from %s", lot.ID, lot.Status)
	}
	if auction.Status.Terminal() {
		return errors.Newf(errors.ErrInvalidAuctionState, "auction %s is %s", auction.ID, auction.Status)
	}
	if pricing.Resolve(auction.Stages, now).Ended {
		return errors.Newf(errors.ErrInvalidAuctionState, "auction %s has no stage left", auction.ID)
	}

	lot.Status = types.LotComingSoon
	lot.Price, _ = pricing.DisplayPrice(*lot, auction.Stages, now)
	lot.UpdatedAt = now
	AdvanceLot(lot, auction, now)
	return nil
}

// AdvanceLot applies the time-driven transitions: COMING_SOON opens when its
// stage starts, OPEN_FOR_BIDS closes at its deadline. A lot without bids whose
// stage ends rolls into the next stage at that stage's floor and only becomes
// UNSOLD once no stage is left.
func AdvanceLot(lot *types.Lot, auction types.Auction, now time.Time) LotStep {
	step := LotStep{From: lot.Status, To: lot.Status}
	if lot.Status.Terminal() || lot.Status == types.LotDraft || auction.Status == types.AuctionDraft {
		return step
	}

	tier := pricing.Resolve(auction.Stages, now)
	pastLotEnd := lot.EndDate != nil && !now.Before(*lot.EndDate)

	switch {
	case lot.BidsCount > 0:
		if lot.Status == types.LotOpenForBids {
			if deadline, ok := bidding.Deadline(*lot, tier); ok && !now.Before(deadline) {
				lot.Status = types.LotSold
			}
		}

	case pastLotEnd || tier.Ended:
		lot.Status = types.LotUnsold

	case tier.Active() && auction.Status.AcceptsBids():
		lot.Status = types.LotOpenForBids
		step.Repriced = reprice(lot, tier.Floor)

	case tier.Pending && tier.Index >= 0:
		if lot.Status == types.LotOpenForBids {
			lot.Status = types.LotComingSoon
		}
		step.Repriced = reprice(lot, pricing.StageFloor(auction.Stages, tier.Index))
	}

	step.To = lot.Status
	if step.Changed() {
		lot.UpdatedAt = now
	}
	return step
}

func reprice(lot *types.Lot, floor decimal.Decimal) bool {
	if lot.Price.Equal(floor) {
		return false
	}
	lot.Price = floor
	return true
}

// AcceptBid is the OPEN_FOR_BIDS self-transition for an accepted bid. end is
// the lot's closing time after any soft-close extension.
func AcceptBid(lot *types.Lot, bid types.Bid, end time.Time, extended bool) error {
	if lot.Status != types.LotOpenForBids {
		return errors.Newf(errors.ErrInvalidLotState, "lot %s is %s", lot.ID, lot.Status)
	}

	lot.Price = bid.Amount
	lot.BidsCount++
	bidder := bid.UserID
	lot.HighBidderID = &bidder
	lot.EndDate = &end
	if extended {
		lot.ExtensionCount++
	}
	lot.UpdatedAt = bid.CreatedAt
	return nil
}

// CloseLot ends bidding on a lot regardless of its deadline, as the
// auctioneer's hammer does during a live session.
func CloseLot(lot *types.Lot, now time.Time) error {
	switch lot.Status {
	case types.LotOpenForBids:
		if lot.BidsCount > 0 {
			lot.Status = types.LotSold
		} else {
			lot.Status = types.LotUnsold
		}
	case types.LotComingSoon:
		lot.Status = types.LotUnsold
	default:
		return errors.Newf(errors.ErrInvalidLotState, "lot %s cannot be closed from %s", lot.ID, lot.Status)
	}
	lot.UpdatedAt = now
	return nil
}

// CancelLot is the administrative cancellation, forbidden once SOLD.
func CancelLot(lot *types.Lot, now time.Time) error {
	if lot.Status == types.LotSold {
		return errors.Newf(errors.ErrInvalidLotState, "lot %s is already sold", lot.ID)
	}
	if lot.Status.Terminal() {
		return errors.Newf(errors.ErrInvalidLotState, "lot %s is already %s", lot.ID, lot.Status)
	}
	lot.Status = types.LotCancelled
	lot.UpdatedAt = now
	return nil
}

// GroupLot binds a lot without bids into the lot that replaces it. The target
// must be a live lot of the same auction.
func GroupLot(lot *types.Lot, into types.Lot, now time.Time) error {
	if lot.Status.Terminal() {
		return errors.Newf(errors.ErrInvalidLotState, "lot %s is already %s", lot.ID, lot.Status)
	}
	if lot.BidsCount > 0 {
		return errors.Newf(errors.ErrInvalidLotState, "lot %s already has bids", lot.ID)
	}
	switch {
	case into.ID == lot.ID:
		return errors.New(errors.ErrInvalidLotState, "a lot cannot be grouped into itself")
	case into.AuctionID != lot.AuctionID:
		return errors.Newf(errors.ErrInvalidLotState, "lot %s belongs to another auction", into.ID)
	case into.Status.Terminal():
		return errors.Newf(errors.ErrInvalidLotState, "lot %s is already %s", into.ID, into.Status)
	}
	id := into.ID
	lot.Status = types.LotGrouped
	lot.GroupedInto = &id
	lot.UpdatedAt = now
	return nil
}

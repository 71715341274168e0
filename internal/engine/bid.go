package engine

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/internal/bidding"
	"github.com/Martin-Hayot/leilao-server/internal/database"
	"github.com/Martin-Hayot/leilao-server/internal/lifecycle"
	"github.com/Martin-Hayot/leilao-server/internal/notify"
	"github.com/Martin-Hayot/leilao-server/internal/pricing"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

type BidCommand struct {
	LotID     string
	AuctionID string
	UserID    string
	TenantID  string
	Amount    decimal.Decimal
}

type BidResult struct {
	Bid types.Bid
	// Lot is the lot as committed with the bid.
	Lot      types.Lot
	Label    string
	Extended bool
	// PreviousEnd is the closing time before a soft-close extension.
	PreviousEnd time.Time
}

// PlaceBid validates and records one bid. Rejections come back as
// *errors.AppError carrying the failed rule and, for amount rules, the
// smallest acceptable amount.
func (s *Service) PlaceBid(ctx context.Context, cmd BidCommand) (BidResult, error) {
	if cmd.LotID == "" || cmd.UserID == "" {
		return BidResult{}, errors.New(errors.ErrBadMessageFormat, "lot and user are required")
	}

	var (
		result BidResult
		events []notify.Event
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx database.Tx) error {
		lot, err := tx.LockLot(ctx, cmd.LotID)
		if err != nil {
			return err
		}
		if cmd.AuctionID != "" && lot.AuctionID != cmd.AuctionID {
			return errors.Newf(errors.ErrNotFound, "lot %s not found in auction %s", cmd.LotID, cmd.AuctionID)
		}
		tenantID := cmd.TenantID
		if tenantID == "" {
			tenantID = lot.TenantID
		} else if tenantID != lot.TenantID {
			return errors.Newf(errors.ErrNotFound, "lot %s not found", cmd.LotID)
		}

		auction, err := tx.GetAuction(ctx, lot.AuctionID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		decision, err := s.validator.Validate(ctx, bidding.Request{
			Lot:      lot,
			Auction:  auction,
			TenantID: tenantID,
			UserID:   cmd.UserID,
			Amount:   cmd.Amount,
			Now:      now,
		})
		if err != nil {
			return err
		}
		if !decision.Accepted {
			return decision.Reason
		}

		end, extended := s.extender.MaybeExtend(bidding.Extension{
			CurrentEnd: decision.Deadline,
			BidAt:      now,
			Window:     auction.SoftCloseWindow(),
			Count:      lot.ExtensionCount,
			AuctionEnd: auction.FinalEnd(),
		})

		bid := types.Bid{
			ID:        s.newID(),
			LotID:     lot.ID,
			AuctionID: lot.AuctionID,
			UserID:    cmd.UserID,
			Amount:    decision.NewPrice,
			CreatedAt: now,
		}
		if err := lifecycle.AcceptBid(&lot, bid, end, extended); err != nil {
			return err
		}
		if err := tx.AppendBid(ctx, bid); err != nil {
			return errors.Wrap(err, "error recording bid")
		}
		if err := tx.SaveLotState(ctx, lot); err != nil {
			return errors.Wrap(err, "error updating lot")
		}

		result = BidResult{
			Bid:         bid,
			Lot:         lot,
			Label:       pricing.LabelCurrentBid,
			Extended:    extended,
			PreviousEnd: decision.Deadline,
		}
		accepted := lotEvent(notify.BidAccepted, lot, now)
		accepted.UserID = bid.UserID
		accepted.Ref = bid.ID
		events = append(events, accepted)
		if extended {
			events = append(events, lotEvent(notify.LotExtended, lot, now))
		}
		return nil
	})
	if err != nil {
		if errors.CodeOf(err) == errors.ErrConcurrentBidConflict {
			log.Warn("bid lost a lock race", "lot", cmd.LotID, "user", cmd.UserID)
		} else {
			log.Debug("bid rejected", "lot", cmd.LotID, "user", cmd.UserID, "amount", cmd.Amount, "error", err)
		}
		return BidResult{}, err
	}

	log.Info("bid accepted", "lot", result.Lot.ID, "user", cmd.UserID, "amount", result.Bid.Amount, "extended", result.Extended)
	s.emit(ctx, events)
	return result, nil
}

// PriceQuote is what a bidder sees for a lot at a point in time.
type PriceQuote struct {
	LotID   string          `json:"lotId"`
	Status  types.LotStatus `json:"status"`
	Price   decimal.Decimal `json:"price"`
	Label   string          `json:"label"`
	Minimum decimal.Decimal `json:"minimum"`
	EndDate *time.Time      `json:"endDate,omitempty"`
}

// CurrentPrice resolves the displayed price and the next acceptable amount.
// A lot of another tenant is reported as not found; an empty tenantID skips
// the check.
func (s *Service) CurrentPrice(ctx context.Context, tenantID, lotID string) (PriceQuote, error) {
	lot, err := s.db.GetLotByID(ctx, lotID)
	if err != nil {
		return PriceQuote{}, err
	}
	if tenantID != "" && lot.TenantID != tenantID {
		return PriceQuote{}, errors.Newf(errors.ErrNotFound, "lot %s not found", lotID)
	}
	auction, err := s.db.GetAuctionByID(ctx, lot.AuctionID)
	if err != nil {
		return PriceQuote{}, err
	}

	now := s.clock.Now()
	price, label := pricing.DisplayPrice(lot, auction.Stages, now)
	quote := PriceQuote{
		LotID:   lot.ID,
		Status:  lot.Status,
		Price:   price,
		Label:   label,
		Minimum: price,
		EndDate: lot.EndDate,
	}
	if lot.BidsCount > 0 {
		quote.Minimum = bidding.MinimumNextBid(lot)
	}
	if quote.EndDate == nil {
		if deadline, ok := bidding.Deadline(lot, pricing.Resolve(auction.Stages, now)); ok {
			quote.EndDate = &deadline
		}
	}
	return quote, nil
}

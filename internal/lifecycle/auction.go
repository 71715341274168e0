package lifecycle

import (
	"time"

	"github.com/Martin-Hayot/leilao-server/internal/pricing"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

// PublishAuction validates the stages and leaves RASCUNHO. An auction whose
// first stage already started opens immediately.
func PublishAuction(a *types.Auction, now time.Time) error {
	if a.Status != types.AuctionDraft {
		return errors.Newf(errors.ErrInvalidAuctionState, "auction %s cannot be published from %s", a.ID, a.Status)
	}
	if err := pricing.ValidateStages(a.Stages); err != nil {
		return err
	}
	if !now.Before(a.FinalEnd()) {
		return errors.Newf(errors.ErrStageConfiguration, "auction %s stages are already over", a.ID)
	}

	a.Status = types.AuctionComingSoon
	a.UpdatedAt = now
	AdvanceAuction(a, nil, now)
	return nil
}

// AdvanceAuction applies the time-driven auction transitions. lots must be the
// auction's lots as of now; FINALIZADO requires every published one of them
// terminal. DRAFT lots cannot be published once the last stage has ended, so
// they do not hold the auction open.
func AdvanceAuction(a *types.Auction, lots []types.Lot, now time.Time) bool {
	from := a.Status

	switch a.Status {
	case types.AuctionComingSoon:
		if len(a.Stages) > 0 && !now.Before(a.Stages[0].StartDate) {
			a.Status = types.AuctionOpen
		}
	case types.AuctionOpen, types.AuctionLiveSession:
		if !now.Before(a.FinalEnd()) && allTerminal(lots) {
			a.Status = types.AuctionFinished
		}
	}

	if a.Status != from {
		a.UpdatedAt = now
		return true
	}
	return false
}

func allTerminal(lots []types.Lot) bool {
	for _, l := range lots {
		if !l.Status.Terminal() && l.Status != types.LotDraft {
			return false
		}
	}
	return true
}

// StartLiveSession hands an open auction to the auctioneer (EM_PREGAO).
func StartLiveSession(a *types.Auction, now time.Time) error {
	if a.Status != types.AuctionOpen {
		return errors.Newf(errors.ErrInvalidAuctionState, "auction %s is %s, not open", a.ID, a.Status)
	}
	a.Status = types.AuctionLiveSession
	a.UpdatedAt = now
	return nil
}

func EndLiveSession(a *types.Auction, now time.Time) error {
	if a.Status != types.AuctionLiveSession {
		return errors.Newf(errors.ErrInvalidAuctionState, "auction %s has no live session", a.ID)
	}
	a.Status = types.AuctionOpen
	a.UpdatedAt = now
	return nil
}

// CancelAuction cancels the auction and every lot that is not terminal yet.
// It is refused once any lot is SOLD. lots are updated in place.
func CancelAuction(a *types.Auction, lots []types.Lot, now time.Time) ([]int, error) {
	if a.Status.Terminal() {
		return nil, errors.Newf(errors.ErrInvalidAuctionState, "auction %s is already %s", a.ID, a.Status)
	}
	for _, l := range lots {
		if l.Status == types.LotSold {
			return nil, errors.Newf(errors.ErrInvalidAuctionState, "auction %s has sold lot %s", a.ID, l.ID)
		}
	}

	var cancelled []int
	for i := range lots {
		if lots[i].Status.Terminal() {
			continue
		}
		if err := CancelLot(&lots[i], now); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, i)
	}

	a.Status = types.AuctionCancelled
	a.UpdatedAt = now
	return cancelled, nil
}

package engine

import (
	"context"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/Martin-Hayot/leilao-server/internal/database"
	"github.com/Martin-Hayot/leilao-server/internal/lifecycle"
	"github.com/Martin-Hayot/leilao-server/internal/notify"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

// ScheduleSettlement creates the installment plan for a win. A win that
// already has a plan with the same count gets that plan back; asking for a
// different count is InvalidSettlementInput.
func (s *Service) ScheduleSettlement(ctx context.Context, userWinID string, count int) ([]types.InstallmentPayment, error) {
	var (
		plan   []types.InstallmentPayment
		events []notify.Event
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx database.Tx) error {
		win, err := tx.LockUserWin(ctx, userWinID)
		if err != nil {
			return err
		}

		existing, err := tx.ListInstallments(ctx, win.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			if existing[0].TotalInstallments != count {
				return errors.Newf(errors.ErrInvalidSettlementInput,
					"win %s already has a %d installment plan", win.ID, existing[0].TotalInstallments)
			}
			plan = existing
			return nil
		}

		plan, err = s.scheduler.Schedule(win, count, s.clock.Now())
		if err != nil {
			return err
		}
		if err := tx.CreateInstallments(ctx, plan); err != nil {
			return errors.Wrap(err, "error recording installments")
		}

		lot := types.Lot{ID: win.LotID, AuctionID: win.AuctionID}
		if a, err := tx.GetAuction(ctx, win.AuctionID); err == nil {
			lot.TenantID = a.TenantID
		}
		events = append(events, installmentEvent(lot, win, len(plan), s.clock.Now()))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events)
	return plan, nil
}

// PublishAuction takes an auction out of RASCUNHO after validating its stages.
func (s *Service) PublishAuction(ctx context.Context, auctionID string) (types.Auction, error) {
	return s.updateAuction(ctx, auctionID, func(a *types.Auction, _ []types.Lot) ([]notify.Event, error) {
		if err := lifecycle.PublishAuction(a, s.clock.Now()); err != nil {
			return nil, err
		}
		if a.Status == types.AuctionOpen {
			return []notify.Event{auctionEvent(notify.AuctionOpened, *a, s.clock.Now())}, nil
		}
		return nil, nil
	})
}

func (s *Service) StartLiveSession(ctx context.Context, auctionID string) (types.Auction, error) {
	return s.updateAuction(ctx, auctionID, func(a *types.Auction, _ []types.Lot) ([]notify.Event, error) {
		return nil, lifecycle.StartLiveSession(a, s.clock.Now())
	})
}

func (s *Service) EndLiveSession(ctx context.Context, auctionID string) (types.Auction, error) {
	return s.updateAuction(ctx, auctionID, func(a *types.Auction, _ []types.Lot) ([]notify.Event, error) {
		return nil, lifecycle.EndLiveSession(a, s.clock.Now())
	})
}

// CancelAuction cancels the auction together with its lots that are still
// running. It is refused once any lot is SOLD.
func (s *Service) CancelAuction(ctx context.Context, auctionID string) (types.Auction, error) {
	var cancelled []types.Lot
	return s.updateAuction(ctx, auctionID, func(a *types.Auction, lots []types.Lot) ([]notify.Event, error) {
		now := s.clock.Now()
		idx, err := lifecycle.CancelAuction(a, lots, now)
		if err != nil {
			return nil, err
		}
		events := []notify.Event{auctionEvent(notify.AuctionCancelled, *a, now)}
		for _, i := range idx {
			cancelled = append(cancelled, lots[i])
			events = append(events, lotEvent(notify.LotCancelled, lots[i], now))
		}
		return events, nil
	}, withLots(&cancelled))
}

type updateOption func(*updateConfig)

type updateConfig struct {
	saveLots *[]types.Lot
}

// withLots locks the auction's lots and saves the ones left in *lots.
func withLots(lots *[]types.Lot) updateOption {
	return func(c *updateConfig) { c.saveLots = lots }
}

// updateAuction locks the auction (and, when asked, its lots), applies fn and
// saves the result in one transaction.
func (s *Service) updateAuction(ctx context.Context, auctionID string, fn func(*types.Auction, []types.Lot) ([]notify.Event, error), opts ...updateOption) (types.Auction, error) {
	var cfg updateConfig
	for _, o := range opts {
		o(&cfg)
	}

	var (
		out    types.Auction
		events []notify.Event
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx database.Tx) error {
		a, err := tx.LockAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		var lots []types.Lot
		if cfg.saveLots != nil {
			if lots, err = tx.ListLotsByAuction(ctx, auctionID); err != nil {
				return err
			}
		}

		evs, err := fn(&a, lots)
		if err != nil {
			return err
		}
		if err := tx.SaveAuctionState(ctx, a); err != nil {
			return errors.Wrap(err, "error updating auction")
		}
		if cfg.saveLots != nil {
			for _, l := range *cfg.saveLots {
				if err := tx.SaveLotState(ctx, l); err != nil {
					return errors.Wrap(err, "error updating lot")
				}
			}
		}
		out, events = a, evs
		return nil
	})
	if err != nil {
		return types.Auction{}, err
	}

	log.Info("auction updated", "auction", out.ID, "status", out.Status)
	s.emit(ctx, events)
	return out, nil
}

// PublishLot moves a DRAFT lot into the auction's schedule at its stage floor.
func (s *Service) PublishLot(ctx context.Context, lotID string) (types.Lot, error) {
	return s.updateLot(ctx, lotID, func(lot *types.Lot, a types.Auction, _ []types.Lot) ([]notify.Event, error) {
		now := s.clock.Now()
		if err := lifecycle.PublishLot(lot, a, now); err != nil {
			return nil, err
		}
		if lot.Status == types.LotOpenForBids {
			return []notify.Event{lotEvent(notify.LotOpened, *lot, now)}, nil
		}
		return nil, nil
	})
}

// CancelLot cancels a single lot. SOLD lots cannot be cancelled.
func (s *Service) CancelLot(ctx context.Context, lotID string) (types.Lot, error) {
	return s.updateLot(ctx, lotID, func(lot *types.Lot, _ types.Auction, _ []types.Lot) ([]notify.Event, error) {
		now := s.clock.Now()
		if err := lifecycle.CancelLot(lot, now); err != nil {
			return nil, err
		}
		return []notify.Event{lotEvent(notify.LotCancelled, *lot, now)}, nil
	})
}

// GroupLot folds a lot without bids into another live lot of the same auction.
func (s *Service) GroupLot(ctx context.Context, lotID, intoLotID string) (types.Lot, error) {
	if lotID == intoLotID {
		return types.Lot{}, errors.New(errors.ErrInvalidLotState, "a lot cannot be grouped into itself")
	}
	return s.updateLot(ctx, lotID, func(lot *types.Lot, _ types.Auction, peers []types.Lot) ([]notify.Event, error) {
		return nil, lifecycle.GroupLot(lot, peers[0], s.clock.Now())
	}, intoLotID)
}

// updateLot locks lotID and its peers, applies fn and saves lotID in one
// transaction. Peers are locked too, in id order with the lot itself, and
// handed to fn read-only.
func (s *Service) updateLot(ctx context.Context, lotID string, fn func(*types.Lot, types.Auction, []types.Lot) ([]notify.Event, error), peerIDs ...string) (types.Lot, error) {
	var (
		out    types.Lot
		events []notify.Event
	)
	order := append([]string{lotID}, peerIDs...)
	sort.Strings(order)

	err := s.db.RunInTx(ctx, func(ctx context.Context, tx database.Tx) error {
		locked := make(map[string]types.Lot, len(order))
		for _, id := range order {
			l, err := tx.LockLot(ctx, id)
			if err != nil {
				return err
			}
			locked[id] = l
		}
		lot := locked[lotID]
		peers := make([]types.Lot, len(peerIDs))
		for i, id := range peerIDs {
			peers[i] = locked[id]
		}

		a, err := tx.GetAuction(ctx, lot.AuctionID)
		if err != nil {
			return err
		}
		evs, err := fn(&lot, a, peers)
		if err != nil {
			return err
		}
		if err := tx.SaveLotState(ctx, lot); err != nil {
			return errors.Wrap(err, "error updating lot")
		}
		out, events = lot, evs
		return nil
	})
	if err != nil {
		return types.Lot{}, err
	}

	log.Info("lot updated", "lot", out.ID, "status", out.Status)
	s.emit(ctx, events)
	return out, nil
}

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/Martin-Hayot/leilao-server/internal/database"
	"github.com/Martin-Hayot/leilao-server/internal/lifecycle"
	"github.com/Martin-Hayot/leilao-server/internal/notify"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

// Transition is one lot state change performed by the engine.
type Transition struct {
	LotID     string          `json:"lotId"`
	AuctionID string          `json:"auctionId"`
	From      types.LotStatus `json:"from"`
	To        types.LotStatus `json:"to"`
	Repriced  bool            `json:"repriced,omitempty"`
	// WinID is set when the lot was sold.
	WinID string `json:"winId,omitempty"`
}

func (t Transition) Changed() bool { return t.From != t.To || t.Repriced }

type AuctionTransition struct {
	AuctionID string              `json:"auctionId"`
	From      types.AuctionStatus `json:"from"`
	To        types.AuctionStatus `json:"to"`
}

// Failure is a lot or auction the sweep could not process. Other records in
// the same sweep are unaffected.
type Failure struct {
	AuctionID string `json:"auctionId"`
	LotID     string `json:"lotId,omitempty"`
	Err       error  `json:"-"`
	Reason    string `json:"reason"`
}

type SweepReport struct {
	At       time.Time           `json:"at"`
	Lots     []Transition        `json:"lots"`
	Auctions []AuctionTransition `json:"auctions"`
	Failures []Failure           `json:"failures"`
}

// Empty reports whether the sweep changed nothing and failed nowhere.
func (r SweepReport) Empty() bool {
	return len(r.Lots) == 0 && len(r.Auctions) == 0 && len(r.Failures) == 0
}

type reportBuilder struct {
	mu     sync.Mutex
	report SweepReport
}

func (b *reportBuilder) lot(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Lots = append(b.report.Lots, t)
}

func (b *reportBuilder) auction(t AuctionTransition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Auctions = append(b.report.Auctions, t)
}

func (b *reportBuilder) fail(auctionID, lotID string, err error) {
	log.Error("sweep failed", "auction", auctionID, "lot", lotID, "error", err)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Failures = append(b.report.Failures, Failure{
		AuctionID: auctionID,
		LotID:     lotID,
		Err:       err,
		Reason:    err.Error(),
	})
}

// SweepExpirations applies every time-driven transition due at now: auctions
// open, lots open or roll into the next stage, expired lots are sold or left
// unsold, and auctions whose lots are all terminal are finalized. Each lot is
// handled in its own transaction, so one failure never blocks the rest.
// Running it again with the same now changes nothing.
func (s *Service) SweepExpirations(ctx context.Context, now time.Time) SweepReport {
	b := &reportBuilder{report: SweepReport{At: now}}

	auctions, err := s.db.ListLiveAuctions(ctx)
	if err != nil {
		b.fail("", "", errors.Wrap(err, "error listing live auctions"))
		return b.report
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SweepConcurrency)
	for _, a := range auctions {
		auctionID := a.ID
		g.Go(func() error {
			s.sweepAuction(gctx, auctionID, now, b)
			return nil
		})
	}
	_ = g.Wait()

	if !b.report.Empty() {
		log.Info("sweep done", "lots", len(b.report.Lots), "auctions", len(b.report.Auctions), "failures", len(b.report.Failures))
	}
	return b.report
}

func (s *Service) sweepAuction(ctx context.Context, auctionID string, now time.Time, b *reportBuilder) {
	if err := s.openAuction(ctx, auctionID, now, b); err != nil {
		b.fail(auctionID, "", err)
		return
	}

	lots, err := s.db.ListLotsByAuction(ctx, auctionID)
	if err != nil {
		b.fail(auctionID, "", errors.Wrap(err, "error listing lots"))
		return
	}
	for _, l := range lots {
		if l.Status.Terminal() || l.Status == types.LotDraft {
			continue
		}
		if ctx.Err() != nil {
			b.fail(auctionID, l.ID, ctx.Err())
			return
		}
		t, err := s.advanceLot(ctx, l.ID, now, false)
		if err != nil {
			b.fail(auctionID, l.ID, err)
			continue
		}
		if t.Changed() {
			b.lot(t)
		}
	}

	if err := s.finishAuction(ctx, auctionID, now, b); err != nil {
		b.fail(auctionID, "", err)
	}
}

func (s *Service) openAuction(ctx context.Context, auctionID string, now time.Time, b *reportBuilder) error {
	var (
		events []notify.Event
		moved  *AuctionTransition
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx database.Tx) error {
		a, err := tx.LockAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.Status != types.AuctionComingSoon {
			return nil
		}
		from := a.Status
		if !lifecycle.AdvanceAuction(&a, nil, now) {
			return nil
		}
		if err := tx.SaveAuctionState(ctx, a); err != nil {
			return errors.Wrap(err, "error opening auction")
		}
		moved = &AuctionTransition{AuctionID: a.ID, From: from, To: a.Status}
		events = append(events, auctionEvent(notify.AuctionOpened, a, now))
		return nil
	})
	if err != nil {
		return err
	}
	if moved != nil {
		b.auction(*moved)
		log.Info("auction transition", "auction", moved.AuctionID, "from", moved.From, "to", moved.To)
	}
	s.emit(ctx, events)
	return nil
}

func (s *Service) finishAuction(ctx context.Context, auctionID string, now time.Time, b *reportBuilder) error {
	var (
		events []notify.Event
		moved  *AuctionTransition
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx database.Tx) error {
		a, err := tx.LockAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if now.Before(a.FinalEnd()) || a.Status.Terminal() {
			return nil
		}
		lots, err := tx.ListLotsByAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		from := a.Status
		if !lifecycle.AdvanceAuction(&a, lots, now) {
			return nil
		}
		if err := tx.SaveAuctionState(ctx, a); err != nil {
			return errors.Wrap(err, "error finalizing auction")
		}
		moved = &AuctionTransition{AuctionID: a.ID, From: from, To: a.Status}
		events = append(events, auctionEvent(notify.AuctionFinalized, a, now))
		return nil
	})
	if err != nil {
		return err
	}
	if moved != nil {
		b.auction(*moved)
		log.Info("auction transition", "auction", moved.AuctionID, "from", moved.From, "to", moved.To)
	}
	s.emit(ctx, events)
	return nil
}

// FinalizeLot closes a lot on demand. It applies the transitions due at now;
// during a live session (EM_PREGAO) it closes the lot regardless of its
// deadline. A terminal lot is returned unchanged.
func (s *Service) FinalizeLot(ctx context.Context, lotID string, now time.Time) (Transition, error) {
	return s.advanceLot(ctx, lotID, now, true)
}

// advanceLot runs one lot's time transitions in its own transaction. With
// manual set, a lot whose deadline has not passed is an error unless its
// auction is in a live session.
func (s *Service) advanceLot(ctx context.Context, lotID string, now time.Time, manual bool) (Transition, error) {
	var (
		t      Transition
		events []notify.Event
	)
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx database.Tx) error {
		lot, err := tx.LockLot(ctx, lotID)
		if err != nil {
			return err
		}
		t = Transition{LotID: lot.ID, AuctionID: lot.AuctionID, From: lot.Status, To: lot.Status}
		if lot.Status.Terminal() {
			return nil
		}
		auction, err := tx.GetAuction(ctx, lot.AuctionID)
		if err != nil {
			return err
		}

		var step lifecycle.LotStep
		if manual && auction.Status == types.AuctionLiveSession && lot.Status != types.LotDraft {
			if err := lifecycle.CloseLot(&lot, now); err != nil {
				return err
			}
			step = lifecycle.LotStep{From: t.From, To: lot.Status}
		} else {
			step = lifecycle.AdvanceLot(&lot, auction, now)
			if manual && !step.To.Terminal() {
				return errors.Newf(errors.ErrInvalidLotState, "lot %s is still %s until its deadline", lot.ID, step.To)
			}
		}
		if !step.Changed() {
			return nil
		}

		t.To, t.Repriced = step.To, step.Repriced
		if err := tx.SaveLotState(ctx, lot); err != nil {
			return errors.Wrap(err, "error updating lot")
		}

		switch step.To {
		case types.LotSold:
			winID, evs, err := s.recordWin(ctx, tx, lot, now)
			if err != nil {
				return err
			}
			t.WinID = winID
			events = append(events, evs...)
		case types.LotUnsold:
			events = append(events, lotEvent(notify.LotUnsold, lot, now))
		case types.LotOpenForBids:
			if step.From != types.LotOpenForBids {
				events = append(events, lotEvent(notify.LotOpened, lot, now))
			}
		}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	if t.Changed() {
		log.Info("lot transition", "lot", t.LotID, "from", t.From, "to", t.To, "repriced", t.Repriced)
	}
	s.emit(ctx, events)
	return t, nil
}

// recordWin creates the lot's UserWin from its highest bid and, when a default
// installment count is configured, the settlement plan.
func (s *Service) recordWin(ctx context.Context, tx database.Tx, lot types.Lot, now time.Time) (string, []notify.Event, error) {
	if existing, found, err := tx.GetUserWinByLot(ctx, lot.ID); err != nil {
		return "", nil, err
	} else if found {
		return existing.ID, nil, nil
	}

	bid, err := tx.LastBid(ctx, lot.ID)
	if err != nil {
		return "", nil, errors.Wrap(err, "error loading winning bid")
	}
	win := types.UserWin{
		ID:            s.newID(),
		LotID:         lot.ID,
		AuctionID:     lot.AuctionID,
		UserID:        bid.UserID,
		BidID:         bid.ID,
		WinningAmount: bid.Amount,
		Status:        types.WinPending,
		WonAt:         now,
	}
	if err := tx.CreateUserWin(ctx, win); err != nil {
		return "", nil, errors.Wrap(err, "error recording win")
	}

	sold := lotEvent(notify.LotSold, lot, now)
	sold.UserID = win.UserID
	sold.Ref = win.ID
	events := []notify.Event{sold}

	if s.opts.DefaultInstallments > 0 {
		plan, err := s.scheduler.Schedule(win, s.opts.DefaultInstallments, now)
		if err != nil {
			return "", nil, err
		}
		if err := tx.CreateInstallments(ctx, plan); err != nil {
			return "", nil, errors.Wrap(err, "error recording installments")
		}
		events = append(events, installmentEvent(lot, win, len(plan), now))
	}
	return win.ID, events, nil
}

func installmentEvent(lot types.Lot, win types.UserWin, count int, at time.Time) notify.Event {
	amount := win.WinningAmount
	return notify.Event{
		Kind:      notify.InstallmentCreated,
		TenantID:  lot.TenantID,
		AuctionID: win.AuctionID,
		LotID:     win.LotID,
		UserID:    win.UserID,
		Amount:    &amount,
		Status:    string(types.PaymentPending),
		Ref:       win.ID,
		At:        at,
	}
}

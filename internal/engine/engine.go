// Package engine is the bidding core's public surface. Every operation that
// changes a lot runs inside one database transaction covering read, decide
// and write; events go out only after commit.
package engine

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/configs"
	"github.com/Martin-Hayot/leilao-server/internal/bidding"
	"github.com/Martin-Hayot/leilao-server/internal/clock"
	"github.com/Martin-Hayot/leilao-server/internal/database"
	"github.com/Martin-Hayot/leilao-server/internal/notify"
	"github.com/Martin-Hayot/leilao-server/internal/settlement"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

type Options struct {
	Policy     bidding.Policy
	SoftClose  bidding.SoftClosePolicy
	Settlement settlement.Config
	// DefaultInstallments is the plan created when a lot is sold. Zero leaves
	// the plan to ScheduleSettlement.
	DefaultInstallments int
	// SweepConcurrency bounds how many auctions one sweep works on at once.
	SweepConcurrency int
}

func DefaultOptions() Options {
	return Options{
		Settlement:          settlement.DefaultConfig(),
		DefaultInstallments: 0,
		SweepConcurrency:    4,
	}
}

// OptionsFromConfig maps the bidding and settlement sections of cfg.
func OptionsFromConfig(cfg *configs.Config) Options {
	opts := DefaultOptions()
	opts.Policy.ForbidSelfOutbid = cfg.Bidding.ForbidSelfOutbid
	opts.SoftClose = bidding.SoftClosePolicy{
		MaxExtensions:   cfg.Bidding.MaxExtensions,
		CapAtAuctionEnd: cfg.Bidding.CapAtAuctionEnd,
	}
	if cfg.Bidding.SweepConcurrency > 0 {
		opts.SweepConcurrency = cfg.Bidding.SweepConcurrency
	}
	if rate, err := decimal.NewFromString(cfg.Settlement.InterestRate); err == nil {
		opts.Settlement.InterestRate = rate
	} else if cfg.Settlement.InterestRate != "" {
		log.Warn("invalid settlement interest rate, using default", "value", cfg.Settlement.InterestRate)
	}
	if cfg.Settlement.MaxInstallments > 0 {
		opts.Settlement.MaxInstallments = cfg.Settlement.MaxInstallments
	}
	if cfg.Settlement.DefaultInstallments >= 0 {
		opts.DefaultInstallments = cfg.Settlement.DefaultInstallments
	}
	return opts
}

type Service struct {
	db        database.Service
	clock     clock.Clock
	notifier  notify.Notifier
	validator *bidding.Validator
	extender  *bidding.Extender
	scheduler *settlement.Scheduler
	opts      Options
	newID     func() string
}

func New(db database.Service, notifier notify.Notifier, clk clock.Clock, opts Options) *Service {
	if notifier == nil {
		notifier = notify.Noop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 1
	}
	return &Service{
		db:        db,
		clock:     clk,
		notifier:  notifier,
		validator: bidding.NewValidator(db, opts.Policy),
		extender:  bidding.NewExtender(opts.SoftClose),
		scheduler: settlement.NewScheduler(opts.Settlement),
		opts:      opts,
		newID:     uuid.NewString,
	}
}

// Now is the engine clock's current time.
func (s *Service) Now() time.Time { return s.clock.Now() }

func (s *Service) emit(ctx context.Context, events []notify.Event) {
	for _, e := range events {
		if err := s.notifier.Notify(ctx, e); err != nil {
			log.Warn("failed to emit event", "type", e.Kind, "lot", e.LotID, "error", err)
		}
	}
}

func lotEvent(kind notify.Kind, lot types.Lot, at time.Time) notify.Event {
	price := lot.Price
	return notify.Event{
		Kind:      kind,
		TenantID:  lot.TenantID,
		AuctionID: lot.AuctionID,
		LotID:     lot.ID,
		Amount:    &price,
		EndDate:   lot.EndDate,
		Status:    string(lot.Status),
		At:        at,
	}
}

func auctionEvent(kind notify.Kind, a types.Auction, at time.Time) notify.Event {
	return notify.Event{
		Kind:      kind,
		TenantID:  a.TenantID,
		AuctionID: a.ID,
		Status:    string(a.Status),
		At:        at,
	}
}

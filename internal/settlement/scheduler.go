// Package settlement turns a won lot into an installment payment plan.
package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

const currencyPrecision int32 = 2

type Config struct {
	// InterestRate is charged once per installment, e.g. 0.015.
	InterestRate    decimal.Decimal
	MaxInstallments int
}

func DefaultConfig() Config {
	return Config{
		InterestRate:    decimal.RequireFromString("0.015"),
		MaxInstallments: 12,
	}
}

type Scheduler struct {
	cfg   Config
	newID func() string
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxInstallments <= 0 {
		cfg.MaxInstallments = DefaultConfig().MaxInstallments
	}
	return &Scheduler{cfg: cfg, newID: uuid.NewString}
}

// Total is amount × (1 + rate × count), unrounded.
func (s *Scheduler) Total(amount decimal.Decimal, count int) decimal.Decimal {
	n := decimal.NewFromInt(int64(count))
	return amount.Mul(decimal.NewFromInt(1).Add(s.cfg.InterestRate.Mul(n)))
}

// Schedule builds the plan for win. Every installment but the last is the
// rounded per-installment amount; the last absorbs the rounding remainder so
// the plan adds up to the rounded total. Either the full plan or an error is
// returned.
func (s *Scheduler) Schedule(win types.UserWin, count int, now time.Time) ([]types.InstallmentPayment, error) {
	if !win.WinningAmount.IsPositive() {
		return nil, errors.Newf(errors.ErrInvalidSettlementInput, "winning amount %s must be positive", win.WinningAmount)
	}
	if count < 1 || count > s.cfg.MaxInstallments {
		return nil, errors.Newf(errors.ErrInvalidSettlementInput, "installment count %d outside 1..%d", count, s.cfg.MaxInstallments)
	}

	total := s.Total(win.WinningAmount, count).Round(currencyPrecision)
	each := total.Div(decimal.NewFromInt(int64(count))).Round(currencyPrecision)
	last := total.Sub(each.Mul(decimal.NewFromInt(int64(count - 1))))

	plan := make([]types.InstallmentPayment, count)
	for i := range plan {
		amount := each
		if i == count-1 {
			amount = last
		}
		plan[i] = types.InstallmentPayment{
			ID:                s.newID(),
			UserWinID:         win.ID,
			InstallmentNumber: i + 1,
			TotalInstallments: count,
			Amount:            amount,
			DueDate:           AddMonths(now, i+1),
			Status:            types.PaymentPending,
		}
	}
	return plan, nil
}

// AddMonths adds n calendar months, clamping to the last day of the target
// month (Jan 31 + 1 month is Feb 28/29, not Mar 3).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return first.AddDate(0, 0, d-1)
}

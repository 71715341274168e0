// Package pricing resolves which praça of an auction is active and the floor
// price that applies to a lot that has not been bid on yet.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

const (
	LabelInitialBid = "Lance Inicial"
	LabelMinimumBid = "Lance Mínimo"
	LabelCurrentBid = "Lance Atual"

	monetaryPrecision int32 = 2
)

var hundred = decimal.NewFromInt(100)

// Tier is the outcome of resolving stages at an instant.
type Tier struct {
	Stage   *types.Stage // nil when no stage is active
	Index   int          // index of Stage, or of the next stage while Pending; -1 when Ended
	Floor   decimal.Decimal
	Label   string
	Pending bool // before the first stage or between two stages
	Ended   bool // at or after the last stage's end
}

func (t Tier) Active() bool { return t.Stage != nil }

// Resolve scans ordered stages for the one containing now (start inclusive,
// end exclusive).
func Resolve(stages []types.Stage, now time.Time) Tier {
	if len(stages) == 0 {
		return Tier{Index: -1, Ended: true}
	}

	for i := range stages {
		st := &stages[i]
		if now.Before(st.StartDate) {
			return Tier{Index: i, Pending: true}
		}
		if now.Before(st.EndDate) {
			return Tier{
				Stage: st,
				Index: i,
				Floor: StageFloor(stages, i),
				Label: stageLabel(i),
			}
		}
	}

	return Tier{Index: -1, Ended: true}
}

// StageFloor is the opening price of stage i: the first stage's initial price,
// or that price scaled by the stage's remaining percentage.
func StageFloor(stages []types.Stage, i int) decimal.Decimal {
	first := stages[0].InitialPrice
	if i == 0 {
		return first.Round(monetaryPrecision)
	}
	return first.Mul(stages[i].DiscountPercent).Div(hundred).Round(monetaryPrecision)
}

func stageLabel(i int) string {
	if i == 0 {
		return LabelInitialBid
	}
	return LabelMinimumBid
}

// DisplayPrice is the price shown for a lot. Once a bid exists it is the last
// accepted amount; before that it is the floor of the active stage.
func DisplayPrice(lot types.Lot, stages []types.Stage, now time.Time) (decimal.Decimal, string) {
	if lot.BidsCount > 0 {
		return lot.Price, LabelCurrentBid
	}

	tier := Resolve(stages, now)
	if tier.Active() {
		return tier.Floor, tier.Label
	}
	if tier.Pending && tier.Index >= 0 {
		return StageFloor(stages, tier.Index), stageLabel(tier.Index)
	}
	return lot.Price, ""
}

// ValidateStages rejects stage lists that cannot open.
func ValidateStages(stages []types.Stage) error {
	if len(stages) == 0 {
		return errors.New(errors.ErrStageConfiguration, "auction has no stages")
	}

	for i, st := range stages {
		if !st.EndDate.After(st.StartDate) {
			return errors.Newf(errors.ErrStageConfiguration, "stage %d (%s) ends before it starts", i+1, st.Name)
		}
		if i == 0 {
			if !st.InitialPrice.IsPositive() {
				return errors.Newf(errors.ErrStageConfiguration, "first stage (%s) needs a positive initial price", st.Name)
			}
			continue
		}

		prev := stages[i-1]
		if st.StartDate.Before(prev.EndDate) {
			return errors.Newf(errors.ErrStageConfiguration, "stage %d (%s) overlaps or precedes stage %d", i+1, st.Name, i)
		}
		if !st.DiscountPercent.IsPositive() || st.DiscountPercent.GreaterThan(hundred) {
			return errors.Newf(errors.ErrStageConfiguration, "stage %d (%s) discount percent %s outside (0, 100]", i+1, st.Name, st.DiscountPercent)
		}
	}
	return nil
}

package bidding

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

var start = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func allowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string, string, string) (bool, error) { return true, nil })
}

func testAuction() types.Auction {
	return types.Auction{
		ID:     "auction-1",
		Status: types.AuctionOpen,
		Stages: []types.Stage{
			{Name: "1ª Praça", StartDate: start, EndDate: start.Add(24 * time.Hour), InitialPrice: decimal.NewFromInt(1000)},
			{Name: "2ª Praça", StartDate: start.Add(24 * time.Hour), EndDate: start.Add(48 * time.Hour), DiscountPercent: decimal.NewFromInt(60)},
		},
	}
}

func openLot() types.Lot {
	return types.Lot{
		ID:               "lot-1",
		AuctionID:        "auction-1",
		Status:           types.LotOpenForBids,
		Price:            decimal.NewFromInt(1000),
		InitialPrice:     decimal.NewFromInt(1000),
		BidIncrementStep: decimal.NewFromInt(50),
	}
}

func validate(t *testing.T, v *Validator, lot types.Lot, auction types.Auction, amount int64, now time.Time) Decision {
	t.Helper()
	d, err := v.Validate(context.Background(), Request{
		Lot:     lot,
		Auction: auction,
		UserID:  "user-a",
		Amount:  decimal.NewFromInt(amount),
		Now:     now,
	})
	assert.NoError(t, err)
	return d
}

func reasonCode(d Decision) int {
	if d.Reason == nil {
		return 0
	}
	return d.Reason.Code
}

func TestValidate_FirstBidAtFloor(t *testing.T) {
	d := validate(t, NewValidator(allowAll(), Policy{}), openLot(), testAuction(), 1000, start.Add(time.Hour))

	check.True(t, d.Accepted)
	check.True(t, d.NewPrice.Equal(decimal.NewFromInt(1000)))
	check.Equal(t, start.Add(24*time.Hour), d.Deadline)
}

func TestValidate_BelowFloorInDiscountedStage(t *testing.T) {
	v := NewValidator(allowAll(), Policy{})
	now := start.Add(30 * time.Hour)

	d := validate(t, v, openLot(), testAuction(), 599, now)
	check.False(t, d.Accepted)
	check.Equal(t, errors.ErrBelowFloor, reasonCode(d))
	assert.NotNil(t, d.Reason.Minimum)
	check.Equal(t, "600.00", d.Reason.Minimum.StringFixed(2))

	d = validate(t, v, openLot(), testAuction(), 600, now)
	check.True(t, d.Accepted)
}

func TestValidate_IncrementEnforced(t *testing.T) {
	v := NewValidator(allowAll(), Policy{})
	lot := openLot()
	lot.BidsCount = 1
	lot.Price = decimal.NewFromInt(1200)

	d := validate(t, v, lot, testAuction(), 1249, start.Add(time.Hour))
	check.Equal(t, errors.ErrBelowIncrement, reasonCode(d))
	check.Equal(t, "1250.00", d.Reason.Minimum.StringFixed(2))

	d = validate(t, v, lot, testAuction(), 1250, start.Add(time.Hour))
	check.True(t, d.Accepted)
}

func TestValidate_SameAmountTwiceIsRejected(t *testing.T) {
	v := NewValidator(allowAll(), Policy{})
	lot := openLot()
	lot.BidsCount = 1
	lot.Price = decimal.NewFromInt(1000)

	d := validate(t, v, lot, testAuction(), 1000, start.Add(time.Hour))
	check.Equal(t, errors.ErrBelowIncrement, reasonCode(d))
}

func TestValidate_LotStateAndWindow(t *testing.T) {
	v := NewValidator(allowAll(), Policy{})

	coming := openLot()
	coming.Status = types.LotComingSoon
	check.Equal(t, errors.ErrInvalidLotState, reasonCode(validate(t, v, coming, testAuction(), 1000, start.Add(time.Hour))))

	draftAuction := testAuction()
	draftAuction.Status = types.AuctionComingSoon
	check.Equal(t, errors.ErrInvalidLotState, reasonCode(validate(t, v, openLot(), draftAuction, 1000, start.Add(time.Hour))))

	// after every stage ended
	check.Equal(t, errors.ErrInvalidLotState, reasonCode(validate(t, v, openLot(), testAuction(), 1000, start.Add(49*time.Hour))))

	// lot-specific end date is authoritative
	lot := openLot()
	end := start.Add(2 * time.Hour)
	lot.EndDate = &end
	check.Equal(t, errors.ErrInvalidLotState, reasonCode(validate(t, v, lot, testAuction(), 1000, start.Add(3*time.Hour))))
	check.True(t, validate(t, v, lot, testAuction(), 1000, start.Add(time.Hour)).Accepted)
}

func TestValidate_ExtendedLotAcceptsBidsAfterStageEnd(t *testing.T) {
	v := NewValidator(allowAll(), Policy{})
	lot := openLot()
	lot.BidsCount = 3
	lot.Price = decimal.NewFromInt(1100)
	extended := start.Add(48*time.Hour + 2*time.Minute)
	lot.EndDate = &extended

	d := validate(t, v, lot, testAuction(), 1150, start.Add(48*time.Hour+time.Minute))
	check.True(t, d.Accepted)
	check.Equal(t, extended, d.Deadline)
}

func TestValidate_Unauthorized(t *testing.T) {
	deny := AuthorizerFunc(func(context.Context, string, string, string) (bool, error) { return false, nil })
	d := validate(t, NewValidator(deny, Policy{}), openLot(), testAuction(), 5000, start.Add(time.Hour))
	check.Equal(t, errors.ErrUnauthorized, reasonCode(d))
}

func TestValidate_AuthorizerFailureIsAnError(t *testing.T) {
	boom := stderrors.New("habilitation service down")
	failing := AuthorizerFunc(func(context.Context, string, string, string) (bool, error) { return false, boom })

	_, err := NewValidator(failing, Policy{}).Validate(context.Background(), Request{
		Lot: openLot(), Auction: testAuction(), Amount: decimal.NewFromInt(1000), Now: start.Add(time.Hour),
	})
	check.True(t, stderrors.Is(err, boom))
}

func TestValidate_ForbidSelfOutbid(t *testing.T) {
	lot := openLot()
	lot.BidsCount = 1
	lot.Price = decimal.NewFromInt(1000)
	holder := "user-a"
	lot.HighBidderID = &holder

	d := validate(t, NewValidator(allowAll(), Policy{ForbidSelfOutbid: true}), lot, testAuction(), 2000, start.Add(time.Hour))
	check.Equal(t, errors.ErrAlreadyWinning, reasonCode(d))

	d = validate(t, NewValidator(allowAll(), Policy{}), lot, testAuction(), 2000, start.Add(time.Hour))
	check.True(t, d.Accepted)
}

func TestMaybeExtend_InsideWindow(t *testing.T) {
	end := start.Add(time.Hour)
	bidAt := end.Add(-time.Minute)

	newEnd, ok := NewExtender(SoftClosePolicy{}).MaybeExtend(Extension{CurrentEnd: end, BidAt: bidAt, Window: 3 * time.Minute})
	check.True(t, ok)
	check.Equal(t, bidAt.Add(3*time.Minute), newEnd)
}

func TestMaybeExtend_OutsideWindow(t *testing.T) {
	end := start.Add(time.Hour)

	newEnd, ok := NewExtender(SoftClosePolicy{}).MaybeExtend(Extension{CurrentEnd: end, BidAt: end.Add(-10 * time.Minute), Window: 3 * time.Minute})
	check.False(t, ok)
	check.Equal(t, end, newEnd)
}

func TestMaybeExtend_RepeatsWithoutCap(t *testing.T) {
	ext := NewExtender(SoftClosePolicy{})
	end := start.Add(time.Hour)

	for i := 0; i < 20; i++ {
		next, ok := ext.MaybeExtend(Extension{CurrentEnd: end, BidAt: end.Add(-30 * time.Second), Window: 2 * time.Minute, Count: i})
		assert.True(t, ok)
		end = next
	}
	check.Equal(t, start.Add(time.Hour+20*90*time.Second), end)
}

func TestMaybeExtend_MaxExtensions(t *testing.T) {
	end := start.Add(time.Hour)
	_, ok := NewExtender(SoftClosePolicy{MaxExtensions: 2}).MaybeExtend(Extension{CurrentEnd: end, BidAt: end.Add(-time.Minute), Window: 3 * time.Minute, Count: 2})
	check.False(t, ok)
}

func TestMaybeExtend_CapAtAuctionEnd(t *testing.T) {
	end := start.Add(time.Hour)
	auctionEnd := end.Add(time.Minute)
	ext := NewExtender(SoftClosePolicy{CapAtAuctionEnd: true})

	newEnd, ok := ext.MaybeExtend(Extension{CurrentEnd: end, BidAt: end.Add(-time.Minute), Window: 5 * time.Minute, AuctionEnd: auctionEnd})
	check.True(t, ok)
	check.Equal(t, auctionEnd, newEnd)

	// already at the cap: nothing left to extend
	_, ok = ext.MaybeExtend(Extension{CurrentEnd: auctionEnd, BidAt: auctionEnd.Add(-time.Second), Window: 5 * time.Minute, AuctionEnd: auctionEnd})
	check.False(t, ok)
}

func TestMaybeExtend_DisabledWindow(t *testing.T) {
	end := start.Add(time.Hour)
	_, ok := NewExtender(SoftClosePolicy{}).MaybeExtend(Extension{CurrentEnd: end, BidAt: end.Add(-time.Second)})
	check.False(t, ok)
}

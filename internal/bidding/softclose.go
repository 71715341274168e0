package bidding

import "time"

// SoftClosePolicy caps repeated anti-snipe extensions.
type SoftClosePolicy struct {
	// MaxExtensions bounds how many times one lot may be extended. Zero means
	// no bound.
	MaxExtensions int
	// CapAtAuctionEnd keeps a lot's end from moving past the auction's last
	// stage end.
	CapAtAuctionEnd bool
}

type Extender struct {
	policy SoftClosePolicy
}

func NewExtender(policy SoftClosePolicy) *Extender {
	return &Extender{policy: policy}
}

// Extension describes one call to MaybeExtend.
type Extension struct {
	CurrentEnd time.Time
	BidAt      time.Time
	Window     time.Duration
	// Count is how many extensions the lot already received.
	Count int
	// AuctionEnd is the terminal boundary used when CapAtAuctionEnd is set.
	AuctionEnd time.Time
}

// MaybeExtend returns the new end when a bid lands within Window of
// CurrentEnd. The end moves to BidAt + Window and never moves backwards.
func (e *Extender) MaybeExtend(x Extension) (time.Time, bool) {
	if x.Window <= 0 || !x.BidAt.Before(x.CurrentEnd) {
		return x.CurrentEnd, false
	}
	if x.CurrentEnd.Sub(x.BidAt) > x.Window {
		return x.CurrentEnd, false
	}
	if e.policy.MaxExtensions > 0 && x.Count >= e.policy.MaxExtensions {
		return x.CurrentEnd, false
	}

	newEnd := x.BidAt.Add(x.Window)
	if e.policy.CapAtAuctionEnd && !x.AuctionEnd.IsZero() && newEnd.After(x.AuctionEnd) {
		newEnd = x.AuctionEnd
	}
	if !newEnd.After(x.CurrentEnd) {
		return x.CurrentEnd, false
	}
	return newEnd, true
}

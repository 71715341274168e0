// Package notify carries engine events to the outside world. Delivery is best
// effort and never part of a lot's transaction.
package notify

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	BidAccepted        Kind = "bid.accepted"
	LotExtended        Kind = "lot.extended"
	LotOpened          Kind = "lot.opened"
	LotSold            Kind = "lot.sold"
	LotUnsold          Kind = "lot.unsold"
	LotCancelled       Kind = "lot.cancelled"
	InstallmentCreated Kind = "installment.created"
	AuctionOpened      Kind = "auction.opened"
	AuctionFinalized   Kind = "auction.finalized"
	AuctionCancelled   Kind = "auction.cancelled"
)

type Event struct {
	Kind      Kind             `json:"type"`
	TenantID  string           `json:"tenantId"`
	AuctionID string           `json:"auctionId"`
	LotID     string           `json:"lotId,omitempty"`
	UserID    string           `json:"userId,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	EndDate   *time.Time       `json:"endDate,omitempty"`
	Status    string           `json:"status,omitempty"`
	// Ref points at the record the event is about: a bid, win or plan id.
	Ref string    `json:"ref,omitempty"`
	At  time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

type noop struct{}

func (noop) Notify(context.Context, Event) error { return nil }

// Noop discards every event.
func Noop() Notifier { return noop{} }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Async queues events for a background goroutine. Notify never blocks: when
// the queue is full the event is dropped and logged.
type Async struct {
	next    Notifier
	timeout time.Duration
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(next Notifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:    next,
		timeout: 5 * time.Second,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		log.Warn("notifier closed, dropping event", "type", e.Kind, "lot", e.LotID)
		return nil
	}
	select {
	case a.queue <- e:
	default:
		log.Warn("notification queue full, dropping event", "type", e.Kind, "lot", e.LotID)
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, e); err != nil {
			log.Error("failed to deliver event", "type", e.Kind, "lot", e.LotID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queued ones are delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

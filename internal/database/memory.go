package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

var (
	_ Service = (*Memory)(nil)
	_ Service = (*service)(nil)
)

// Memory is an in-process Service. Each RunInTx holds per-row locks until it
// ends and buffers its writes, which are applied only on commit. Like a
// serializable Postgres transaction, locking a row that another transaction
// committed after this one began fails with ErrConcurrentBidConflict.
type Memory struct {
	mu            sync.Mutex
	auctions      map[string]types.Auction
	lots          map[string]types.Lot
	bids          map[string][]types.Bid
	wins          map[string]types.UserWin
	winByLot      map[string]string
	installments  map[string][]types.InstallmentPayment
	habilitations map[string]bool
	rowLocks      map[string]chan struct{}
	waiters       map[string]int
	failures      map[string]error

	// commits counts committed transactions; written maps a row key to the
	// commit that last wrote it.
	commits uint64
	written map[string]uint64
}

func NewMemory() *Memory {
	return &Memory{
		auctions:      make(map[string]types.Auction),
		lots:          make(map[string]types.Lot),
		bids:          make(map[string][]types.Bid),
		wins:          make(map[string]types.UserWin),
		winByLot:      make(map[string]string),
		installments:  make(map[string][]types.InstallmentPayment),
		habilitations: make(map[string]bool),
		rowLocks:      make(map[string]chan struct{}),
		waiters:       make(map[string]int),
		failures:      make(map[string]error),
		written:       make(map[string]uint64),
	}
}

// FailNext makes the next call of the named Tx method return err.
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

func (m *Memory) injected(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err, ok := m.failures[method]
	if !ok {
		return nil
	}
	delete(m.failures, method)
	return err
}

func (m *Memory) Health() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]string{
		"status":   "up",
		"message":  "in-memory store",
		"auctions": fmt.Sprint(len(m.auctions)),
		"lots":     fmt.Sprint(len(m.lots)),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Migrate(ctx context.Context) error { return nil }

func (m *Memory) CreateAuction(ctx context.Context, a types.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[a.ID]; ok {
		return errors.Newf(errors.ErrInternalServer, "auction %s already exists", a.ID)
	}
	m.auctions[a.ID] = cloneAuction(a)
	return nil
}

func (m *Memory) GetAuctionByID(ctx context.Context, auctionID string) (types.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[auctionID]
	if !ok {
		return types.Auction{}, notFound("auction", auctionID)
	}
	return cloneAuction(a), nil
}

func (m *Memory) ListLiveAuctions(ctx context.Context) ([]types.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Auction
	for _, a := range m.auctions {
		switch a.Status {
		case types.AuctionComingSoon, types.AuctionOpen, types.AuctionLiveSession:
			out = append(out, cloneAuction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateLot(ctx context.Context, l types.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[l.AuctionID]; !ok {
		return notFound("auction", l.AuctionID)
	}
	if _, ok := m.lots[l.ID]; ok {
		return errors.Newf(errors.ErrInternalServer, "lot %s already exists", l.ID)
	}
	m.lots[l.ID] = cloneLot(l)
	return nil
}

func (m *Memory) GetLotByID(ctx context.Context, lotID string) (types.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lots[lotID]
	if !ok {
		return types.Lot{}, notFound("lot", lotID)
	}
	return cloneLot(l), nil
}

func (m *Memory) ListLotsByAuction(ctx context.Context, auctionID string) ([]types.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lotsWhere(func(l types.Lot) bool { return l.AuctionID == auctionID }), nil
}

func (m *Memory) ListOpenLots(ctx context.Context) ([]types.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lotsWhere(func(l types.Lot) bool {
		return l.Status == types.LotComingSoon || l.Status == types.LotOpenForBids
	}), nil
}

// lotsWhere must be called with m.mu held.
func (m *Memory) lotsWhere(keep func(types.Lot) bool) []types.Lot {
	var out []types.Lot
	for _, l := range m.lots {
		if keep(l) {
			out = append(out, cloneLot(l))
		}
	}
	sortLots(out)
	return out
}

func (m *Memory) GetBidsByLot(ctx context.Context, lotID string) ([]types.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Bid(nil), m.bids[lotID]...), nil
}

func (m *Memory) GetUserWinByID(ctx context.Context, winID string) (types.UserWin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wins[winID]
	if !ok {
		return types.UserWin{}, notFound("user win", winID)
	}
	return w, nil
}

func (m *Memory) GetInstallmentsByWin(ctx context.Context, winID string) ([]types.InstallmentPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.InstallmentPayment(nil), m.installments[winID]...), nil
}

func habilitationKey(tenantID, userID, auctionID string) string {
	return tenantID + "/" + userID + "/" + auctionID
}

func (m *Memory) IsAuthorizedToBid(ctx context.Context, tenantID, userID, auctionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.habilitations[habilitationKey(tenantID, userID, auctionID)], nil
}

func (m *Memory) GrantHabilitation(ctx context.Context, tenantID, userID, auctionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.habilitations[habilitationKey(tenantID, userID, auctionID)] = true
	return nil
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	m.mu.Lock()
	start := m.commits
	m.mu.Unlock()

	tx := &memTx{
		m:            m,
		start:        start,
		held:         make(map[string]chan struct{}),
		auctions:     make(map[string]types.Auction),
		lots:         make(map[string]types.Lot),
		installments: make(map[string][]types.InstallmentPayment),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// rowLock returns the lock channel for key, creating it on first use.
func (m *Memory) rowLock(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.rowLocks[key] = ch
	}
	return ch
}

// LockWaiters is the number of transactions blocked on the row lock of
// table/id.
func (m *Memory) LockWaiters(table, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters[table+":"+id]
}

func (m *Memory) addWaiter(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters[key] += n
}

func (m *Memory) writtenSince(key string, commit uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written[key] > commit
}

type memTx struct {
	m     *Memory
	start uint64
	held  map[string]chan struct{}

	auctions     map[string]types.Auction
	lots         map[string]types.Lot
	bids         []types.Bid
	wins         []types.UserWin
	installments map[string][]types.InstallmentPayment
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.m.rowLock(key)
	select {
	case ch <- struct{}{}:
	default:
		if err := t.wait(ctx, key, ch); err != nil {
			return err
		}
	}

	if t.m.writtenSince(key, t.start) {
		<-ch
		return errors.Newf(errors.ErrConcurrentBidConflict,
			"could not serialize access to %s due to concurrent update", key)
	}
	t.held[key] = ch
	return nil
}

func (t *memTx) wait(ctx context.Context, key string, ch chan struct{}) error {
	t.m.addWaiter(key, 1)
	defer t.m.addWaiter(key, -1)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &errors.AppError{
			Code:    errors.ErrConcurrentBidConflict,
			Message: "timed out waiting for row lock",
			Err:     ctx.Err(),
		}
	}
}

func (t *memTx) release() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *memTx) commit() {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	for id, a := range t.auctions {
		m.auctions[id] = a
		m.written["auction:"+id] = m.commits
	}
	for id, l := range t.lots {
		m.lots[id] = l
		m.written["lot:"+id] = m.commits
	}
	for _, b := range t.bids {
		m.bids[b.LotID] = append(m.bids[b.LotID], b)
	}
	for _, w := range t.wins {
		m.wins[w.ID] = w
		m.winByLot[w.LotID] = w.ID
	}
	for winID, plan := range t.installments {
		m.installments[winID] = append(m.installments[winID], plan...)
	}
}

func (t *memTx) LockAuction(ctx context.Context, auctionID string) (types.Auction, error) {
	if err := t.lock(ctx, "auction:"+auctionID); err != nil {
		return types.Auction{}, err
	}
	return t.GetAuction(ctx, auctionID)
}

func (t *memTx) GetAuction(ctx context.Context, auctionID string) (types.Auction, error) {
	if a, ok := t.auctions[auctionID]; ok {
		return cloneAuction(a), nil
	}
	return t.m.GetAuctionByID(ctx, auctionID)
}

func (t *memTx) SaveAuctionState(ctx context.Context, a types.Auction) error {
	if err := t.m.injected("SaveAuctionState"); err != nil {
		return err
	}
	stored, err := t.GetAuction(ctx, a.ID)
	if err != nil {
		return err
	}
	stored.Status = a.Status
	stored.UpdatedAt = a.UpdatedAt
	t.auctions[a.ID] = stored
	return nil
}

func (t *memTx) LockLot(ctx context.Context, lotID string) (types.Lot, error) {
	if err := t.lock(ctx, "lot:"+lotID); err != nil {
		return types.Lot{}, err
	}
	return t.getLot(lotID)
}

func (t *memTx) getLot(lotID string) (types.Lot, error) {
	if l, ok := t.lots[lotID]; ok {
		return cloneLot(l), nil
	}
	return t.m.GetLotByID(context.Background(), lotID)
}

func (t *memTx) SaveLotState(ctx context.Context, l types.Lot) error {
	if err := t.m.injected("SaveLotState"); err != nil {
		return err
	}
	if _, err := t.getLot(l.ID); err != nil {
		return err
	}
	t.lots[l.ID] = cloneLot(l)
	return nil
}

func (t *memTx) ListLotsByAuction(ctx context.Context, auctionID string) ([]types.Lot, error) {
	lots, err := t.m.ListLotsByAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	for i := range lots {
		if err := t.lock(ctx, "lot:"+lots[i].ID); err != nil {
			return nil, err
		}
		if staged, ok := t.lots[lots[i].ID]; ok {
			lots[i] = cloneLot(staged)
		} else if fresh, err := t.getLot(lots[i].ID); err == nil {
			lots[i] = fresh
		}
	}
	return lots, nil
}

func (t *memTx) AppendBid(ctx context.Context, b types.Bid) error {
	if err := t.m.injected("AppendBid"); err != nil {
		return err
	}
	t.bids = append(t.bids, b)
	return nil
}

func (t *memTx) LastBid(ctx context.Context, lotID string) (types.Bid, error) {
	bids, _ := t.m.GetBidsByLot(ctx, lotID)
	for _, b := range t.bids {
		if b.LotID == lotID {
			bids = append(bids, b)
		}
	}
	if len(bids) == 0 {
		return types.Bid{}, notFound("bid for lot", lotID)
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if b.Amount.GreaterThan(best.Amount) || (b.Amount.Equal(best.Amount) && b.CreatedAt.After(best.CreatedAt)) {
			best = b
		}
	}
	return best, nil
}

func (t *memTx) CreateUserWin(ctx context.Context, w types.UserWin) error {
	if err := t.m.injected("CreateUserWin"); err != nil {
		return err
	}
	if _, found, _ := t.GetUserWinByLot(ctx, w.LotID); found {
		return errors.Newf(errors.ErrInvalidLotState, "lot %s already has a winner", w.LotID)
	}
	t.wins = append(t.wins, w)
	return nil
}

func (t *memTx) GetUserWinByLot(ctx context.Context, lotID string) (types.UserWin, bool, error) {
	for _, w := range t.wins {
		if w.LotID == lotID {
			return w, true, nil
		}
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	id, ok := t.m.winByLot[lotID]
	if !ok {
		return types.UserWin{}, false, nil
	}
	return t.m.wins[id], true, nil
}

func (t *memTx) LockUserWin(ctx context.Context, winID string) (types.UserWin, error) {
	if err := t.lock(ctx, "win:"+winID); err != nil {
		return types.UserWin{}, err
	}
	for _, w := range t.wins {
		if w.ID == winID {
			return w, nil
		}
	}
	return t.m.GetUserWinByID(ctx, winID)
}

func (t *memTx) ListInstallments(ctx context.Context, winID string) ([]types.InstallmentPayment, error) {
	plan, _ := t.m.GetInstallmentsByWin(ctx, winID)
	return append(plan, t.installments[winID]...), nil
}

func (t *memTx) CreateInstallments(ctx context.Context, plan []types.InstallmentPayment) error {
	if err := t.m.injected("CreateInstallments"); err != nil {
		return err
	}
	for _, p := range plan {
		t.installments[p.UserWinID] = append(t.installments[p.UserWinID], p)
	}
	return nil
}

func sortLots(lots []types.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].Number == lots[j].Number {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].Number < lots[j].Number
	})
}

func cloneAuction(a types.Auction) types.Auction {
	a.Stages = append([]types.Stage(nil), a.Stages...)
	return a
}

func cloneLot(l types.Lot) types.Lot {
	if l.HighBidderID != nil {
		id := *l.HighBidderID
		l.HighBidderID = &id
	}
	if l.EndDate != nil {
		end := *l.EndDate
		l.EndDate = &end
	}
	if l.GroupedInto != nil {
		into := *l.GroupedInto
		l.GroupedInto = &into
	}
	return l
}

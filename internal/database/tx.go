package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

const (
	auctionColumns = `"id", "tenantId", "title", "status", "softCloseEnabled", "softCloseMinutes", "createdAt", "updatedAt"`
	stageColumns   = `"id", "auctionId", "name", "startDate", "endDate", "initialPrice", "discountPercent"`
	lotColumns     = `"id", "auctionId", "tenantId", "number", "title", "status", "price", "initialPrice", "bidIncrementStep", "bidsCount", "highBidderId", "endDate", "extensionCount", "groupedInto", "createdAt", "updatedAt"`
	bidColumns     = `"id", "lotId", "auctionId", "userId", "amount", "createdAt"`
	winColumns     = `"id", "lotId", "auctionId", "userId", "bidId", "winningAmount", "status", "wonAt"`
	paymentColumns = `"id", "userWinId", "installmentNumber", "totalInstallments", "amount", "dueDate", "status"`
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockAuction(ctx context.Context, auctionID string) (types.Auction, error) {
	return getAuction(ctx, t.tx, auctionID, true)
}

func (t *pgTx) GetAuction(ctx context.Context, auctionID string) (types.Auction, error) {
	return getAuction(ctx, t.tx, auctionID, false)
}

func (t *pgTx) SaveAuctionState(ctx context.Context, a types.Auction) error {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE public."Auction"
        SET "status" = $2, "updatedAt" = $3
        WHERE "id" = $1`, a.ID, a.Status, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error updating auction %s: %w", a.ID, err)
	}
	return expectOne(res, "auction", a.ID)
}

func (t *pgTx) insertAuction(ctx context.Context, a types.Auction) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO public."Auction" (`+auctionColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TenantID, a.Title, a.Status, a.SoftCloseEnabled, a.SoftCloseMinutes, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "error creating auction")
	}
	for i, st := range a.Stages {
		_, err := t.tx.ExecContext(ctx, `
            INSERT INTO public."AuctionStage" ("id", "auctionId", "position", "name", "startDate", "endDate", "initialPrice", "discountPercent")
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			st.ID, a.ID, i, st.Name, st.StartDate, st.EndDate, st.InitialPrice, st.DiscountPercent)
		if err != nil {
			return errors.Wrap(err, "error creating auction stage")
		}
	}
	return nil
}

func (t *pgTx) LockLot(ctx context.Context, lotID string) (types.Lot, error) {
	return getLot(ctx, t.tx, lotID, true)
}

func (t *pgTx) SaveLotState(ctx context.Context, l types.Lot) error {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE public."Lot"
        SET "status" = $2, "price" = $3, "bidsCount" = $4, "highBidderId" = $5,
            "endDate" = $6, "extensionCount" = $7, "groupedInto" = $8, "updatedAt" = $9
        WHERE "id" = $1`,
		l.ID, l.Status, l.Price, l.BidsCount, l.HighBidderID,
		l.EndDate, l.ExtensionCount, l.GroupedInto, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error updating lot %s: %w", l.ID, err)
	}
	return expectOne(res, "lot", l.ID)
}

func (t *pgTx) ListLotsByAuction(ctx context.Context, auctionID string) ([]types.Lot, error) {
	return listLots(ctx, t.tx, `WHERE "auctionId" = $1 ORDER BY "number" ASC FOR UPDATE`, auctionID)
}

func (t *pgTx) AppendBid(ctx context.Context, b types.Bid) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO public."Bid" (`+bidColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.LotID, b.AuctionID, b.UserID, b.Amount, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting bid: %w", err)
	}
	return nil
}

func (t *pgTx) LastBid(ctx context.Context, lotID string) (types.Bid, error) {
	row := t.tx.QueryRowContext(ctx, `
        SELECT `+bidColumns+`
        FROM public."Bid"
        WHERE "lotId" = $1
        ORDER BY "amount" DESC, "createdAt" DESC
        LIMIT 1`, lotID)
	b, err := scanBid(row)
	if err == sql.ErrNoRows {
		return types.Bid{}, notFound("bid for lot", lotID)
	}
	if err != nil {
		return types.Bid{}, fmt.Errorf("error getting last bid: %w", err)
	}
	return b, nil
}

func (t *pgTx) CreateUserWin(ctx context.Context, w types.UserWin) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO public."UserWin" (`+winColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.LotID, w.AuctionID, w.UserID, w.BidID, w.WinningAmount, w.Status, w.WonAt)
	if err != nil {
		return fmt.Errorf("error inserting user win: %w", err)
	}
	return nil
}

func (t *pgTx) GetUserWinByLot(ctx context.Context, lotID string) (types.UserWin, bool, error) {
	w, err := getUserWin(ctx, t.tx, `WHERE "lotId" = $1`, lotID, "")
	if IsNotFound(err) {
		return types.UserWin{}, false, nil
	}
	if err != nil {
		return types.UserWin{}, false, err
	}
	return w, true, nil
}

func (t *pgTx) LockUserWin(ctx context.Context, winID string) (types.UserWin, error) {
	return getUserWin(ctx, t.tx, `WHERE "id" = $1`, winID, "FOR UPDATE")
}

func (t *pgTx) ListInstallments(ctx context.Context, winID string) ([]types.InstallmentPayment, error) {
	return listInstallments(ctx, t.tx, winID)
}

func (t *pgTx) CreateInstallments(ctx context.Context, plan []types.InstallmentPayment) error {
	for _, p := range plan {
		_, err := t.tx.ExecContext(ctx, `
            INSERT INTO public."InstallmentPayment" (`+paymentColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, p.UserWinID, p.InstallmentNumber, p.TotalInstallments, p.Amount, p.DueDate, p.Status)
		if err != nil {
			return fmt.Errorf("error inserting installment %d: %w", p.InstallmentNumber, err)
		}
	}
	return nil
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return notFound(what, id)
	}
	return nil
}

func getAuction(ctx context.Context, q queryer, auctionID string, lock bool) (types.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM public."Auction" WHERE "id" = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var a types.Auction
	err := q.QueryRowContext(ctx, query, auctionID).Scan(
		&a.ID, &a.TenantID, &a.Title, &a.Status, &a.SoftCloseEnabled, &a.SoftCloseMinutes, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return types.Auction{}, notFound("auction", auctionID)
	}
	if err != nil {
		return types.Auction{}, fmt.Errorf("error getting auction: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
        SELECT `+stageColumns+`
        FROM public."AuctionStage"
        WHERE "auctionId" = $1
        ORDER BY "position" ASC`, auctionID)
	if err != nil {
		return types.Auction{}, fmt.Errorf("error getting auction stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st types.Stage
		if err := rows.Scan(&st.ID, &st.AuctionID, &st.Name, &st.StartDate, &st.EndDate, &st.InitialPrice, &st.DiscountPercent); err != nil {
			return types.Auction{}, fmt.Errorf("error scanning stage: %w", err)
		}
		st.StartDate = st.StartDate.UTC()
		st.EndDate = st.EndDate.UTC()
		a.Stages = append(a.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return types.Auction{}, fmt.Errorf("error iterating over stages: %w", err)
	}
	return a, nil
}

func scanLot(s scanner) (types.Lot, error) {
	var (
		l        types.Lot
		bidder   sql.NullString
		grouped  sql.NullString
		deadline sql.NullTime
	)
	err := s.Scan(
		&l.ID, &l.AuctionID, &l.TenantID, &l.Number, &l.Title, &l.Status,
		&l.Price, &l.InitialPrice, &l.BidIncrementStep, &l.BidsCount, &bidder,
		&deadline, &l.ExtensionCount, &grouped, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return types.Lot{}, err
	}
	if bidder.Valid {
		l.HighBidderID = &bidder.String
	}
	if grouped.Valid {
		l.GroupedInto = &grouped.String
	}
	if deadline.Valid {
		end := deadline.Time.UTC()
		l.EndDate = &end
	}
	return l, nil
}

func getLot(ctx context.Context, q queryer, lotID string, lock bool) (types.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM public."Lot" WHERE "id" = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	l, err := scanLot(q.QueryRowContext(ctx, query, lotID))
	if err == sql.ErrNoRows {
		return types.Lot{}, notFound("lot", lotID)
	}
	if err != nil {
		return types.Lot{}, fmt.Errorf("error getting lot: %w", err)
	}
	return l, nil
}

func listLots(ctx context.Context, q queryer, where string, args ...any) ([]types.Lot, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+lotColumns+` FROM public."Lot" `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing lots: %w", err)
	}
	defer rows.Close()

	var lots []types.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning lot: %w", err)
		}
		lots = append(lots, l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over lots: %w", err)
	}
	return lots, nil
}

func scanBid(s scanner) (types.Bid, error) {
	var b types.Bid
	if err := s.Scan(&b.ID, &b.LotID, &b.AuctionID, &b.UserID, &b.Amount, &b.CreatedAt); err != nil {
		return types.Bid{}, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func getUserWin(ctx context.Context, q queryer, where, arg, suffix string) (types.UserWin, error) {
	var w types.UserWin
	err := q.QueryRowContext(ctx, `SELECT `+winColumns+` FROM public."UserWin" `+where+` `+suffix, arg).Scan(
		&w.ID, &w.LotID, &w.AuctionID, &w.UserID, &w.BidID, &w.WinningAmount, &w.Status, &w.WonAt,
	)
	if err == sql.ErrNoRows {
		return types.UserWin{}, notFound("user win", arg)
	}
	if err != nil {
		return types.UserWin{}, fmt.Errorf("error getting user win: %w", err)
	}
	w.WonAt = w.WonAt.UTC()
	return w, nil
}

func listInstallments(ctx context.Context, q queryer, winID string) ([]types.InstallmentPayment, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT `+paymentColumns+`
        FROM public."InstallmentPayment"
        WHERE "userWinId" = $1
        ORDER BY "installmentNumber" ASC`, winID)
	if err != nil {
		return nil, fmt.Errorf("error listing installments: %w", err)
	}
	defer rows.Close()

	var plan []types.InstallmentPayment
	for rows.Next() {
		var p types.InstallmentPayment
		if err := rows.Scan(&p.ID, &p.UserWinID, &p.InstallmentNumber, &p.TotalInstallments, &p.Amount, &p.DueDate, &p.Status); err != nil {
			return nil, fmt.Errorf("error scanning installment: %w", err)
		}
		p.DueDate = p.DueDate.UTC()
		plan = append(plan, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over installments: %w", err)
	}
	return plan, nil
}

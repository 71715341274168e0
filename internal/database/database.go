package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Martin-Hayot/leilao-server/configs"
	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

//go:embed schema.sql
var schema string

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error

	// Migrate creates the tables the bidding core reads and writes.
	Migrate(ctx context.Context) error

	// AUCTION METHODS
	CreateAuction(ctx context.Context, auction types.Auction) error
	GetAuctionByID(ctx context.Context, auctionID string) (types.Auction, error)
	ListLiveAuctions(ctx context.Context) ([]types.Auction, error)

	// LOT METHODS
	CreateLot(ctx context.Context, lot types.Lot) error
	GetLotByID(ctx context.Context, lotID string) (types.Lot, error)
	ListLotsByAuction(ctx context.Context, auctionID string) ([]types.Lot, error)
	ListOpenLots(ctx context.Context) ([]types.Lot, error)
	GetBidsByLot(ctx context.Context, lotID string) ([]types.Bid, error)

	// SETTLEMENT METHODS
	GetUserWinByID(ctx context.Context, winID string) (types.UserWin, error)
	GetInstallmentsByWin(ctx context.Context, winID string) ([]types.InstallmentPayment, error)

	// HABILITATION METHODS
	IsAuthorizedToBid(ctx context.Context, tenantID, userID, auctionID string) (bool, error)
	GrantHabilitation(ctx context.Context, tenantID, userID, auctionID string) error

	// TRANSACTION METHODS
	// RunInTx runs fn in one transaction: committed when fn returns nil,
	// rolled back otherwise. Lost lock races surface as
	// errors.ErrConcurrentBidConflict.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the unit of work handed to RunInTx. Lock* methods hold the row until
// the transaction ends; lock auctions before their lots.
type Tx interface {
	LockAuction(ctx context.Context, auctionID string) (types.Auction, error)
	GetAuction(ctx context.Context, auctionID string) (types.Auction, error)
	SaveAuctionState(ctx context.Context, auction types.Auction) error

	LockLot(ctx context.Context, lotID string) (types.Lot, error)
	SaveLotState(ctx context.Context, lot types.Lot) error
	ListLotsByAuction(ctx context.Context, auctionID string) ([]types.Lot, error)

	AppendBid(ctx context.Context, bid types.Bid) error
	LastBid(ctx context.Context, lotID string) (types.Bid, error)

	CreateUserWin(ctx context.Context, win types.UserWin) error
	GetUserWinByLot(ctx context.Context, lotID string) (types.UserWin, bool, error)
	LockUserWin(ctx context.Context, winID string) (types.UserWin, error)
	ListInstallments(ctx context.Context, winID string) ([]types.InstallmentPayment, error)
	CreateInstallments(ctx context.Context, plan []types.InstallmentPayment) error
}

type service struct {
	db *sql.DB
}

var dbInstance *service

func New(cfg *configs.Config) (Service, error) {
	// Reuse Connection
	if dbInstance != nil {
		return dbInstance, nil
	}
	dbConfig := cfg.Database
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbConfig.User,
		dbConfig.Password,
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.Name,
		dbConfig.SSLMode,
	)

	s, err := Open(connStr)
	if err != nil {
		return nil, err
	}
	dbInstance = s
	return dbInstance, nil
}

// Open connects to connStr without touching the shared instance.
func Open(connStr string) (*service, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "error opening database")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error connecting to database")
	}

	log.Info("Connected to database")
	return &service{db: db}, nil
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	err := s.db.PingContext(ctx)
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.Error("db down", "error", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()
	stats["max_idle_closed"] = strconv.FormatInt(dbStats.MaxIdleClosed, 10)
	stats["max_lifetime_closed"] = strconv.FormatInt(dbStats.MaxLifetimeClosed, 10)

	if dbStats.OpenConnections > 20 {
		stats["message"] = "The database is experiencing heavy load."
	}

	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

// Close closes the database connection.
func (s *service) Close() error {
	log.Info("Disconnected from database")
	if s == dbInstance {
		dbInstance = nil
	}
	return s.db.Close()
}

func (s *service) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "error applying schema")
	}
	return nil
}

// RunInTx starts a serializable transaction, hands it to fn and commits or
// rolls back depending on the outcome.
func (s *service) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
			err = mapTxError(err)
		} else if cerr := tx.Commit(); cerr != nil {
			err = mapTxError(fmt.Errorf("error committing transaction: %w", cerr))
		}
	}()

	return fn(ctx, &pgTx{tx: tx})
}

// mapTxError turns Postgres serialization and deadlock failures into the
// retryable conflict kind. Anything else passes through.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return &errors.AppError{
				Code:    errors.ErrConcurrentBidConflict,
				Message: "another update on this lot won the race, resubmit the bid",
				Err:     err,
			}
		}
	}
	return err
}

func notFound(what, id string) error {
	return errors.Newf(errors.ErrNotFound, "%s %s not found", what, id)
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.CodeOf(err) == errors.ErrNotFound
}

func (s *service) CreateAuction(ctx context.Context, auction types.Auction) error {
	return s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.(*pgTx).insertAuction(ctx, auction)
	})
}

func (s *service) GetAuctionByID(ctx context.Context, auctionID string) (types.Auction, error) {
	return getAuction(ctx, s.db, auctionID, false)
}

func (s *service) ListLiveAuctions(ctx context.Context) ([]types.Auction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "id" FROM public."Auction" WHERE "status" IN ($1, $2, $3) ORDER BY "createdAt" ASC`,
		types.AuctionComingSoon, types.AuctionOpen, types.AuctionLiveSession)
	if err != nil {
		return nil, fmt.Errorf("error listing live auctions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning auction id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over auctions: %w", err)
	}

	auctions := make([]types.Auction, 0, len(ids))
	for _, id := range ids {
		a, err := getAuction(ctx, s.db, id, false)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, nil
}

func (s *service) CreateLot(ctx context.Context, lot types.Lot) error {
	now := time.Now().UTC()
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = now
	}
	if lot.UpdatedAt.IsZero() {
		lot.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO public."Lot" (`+lotColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		lot.ID, lot.AuctionID, lot.TenantID, lot.Number, lot.Title, lot.Status,
		lot.Price, lot.InitialPrice, lot.BidIncrementStep, lot.BidsCount, lot.HighBidderID,
		lot.EndDate, lot.ExtensionCount, lot.GroupedInto, lot.CreatedAt, lot.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "error creating lot")
	}
	return nil
}

func (s *service) GetLotByID(ctx context.Context, lotID string) (types.Lot, error) {
	return getLot(ctx, s.db, lotID, false)
}

func (s *service) ListLotsByAuction(ctx context.Context, auctionID string) ([]types.Lot, error) {
	return listLots(ctx, s.db, `WHERE "auctionId" = $1 ORDER BY "number" ASC`, auctionID)
}

func (s *service) ListOpenLots(ctx context.Context) ([]types.Lot, error) {
	return listLots(ctx, s.db, `WHERE "status" IN ($1, $2) ORDER BY "endDate" ASC NULLS LAST`,
		types.LotComingSoon, types.LotOpenForBids)
}

func (s *service) GetBidsByLot(ctx context.Context, lotID string) ([]types.Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+bidColumns+`
        FROM public."Bid"
        WHERE "lotId" = $1
        ORDER BY "createdAt" ASC, "amount" ASC`, lotID)
	if err != nil {
		return nil, fmt.Errorf("error getting bids by lot: %w", err)
	}
	defer rows.Close()

	var bids []types.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over bids: %w", err)
	}
	return bids, nil
}

func (s *service) GetUserWinByID(ctx context.Context, winID string) (types.UserWin, error) {
	return getUserWin(ctx, s.db, `WHERE "id" = $1`, winID, "")
}

func (s *service) GetInstallmentsByWin(ctx context.Context, winID string) ([]types.InstallmentPayment, error) {
	return listInstallments(ctx, s.db, winID)
}

func (s *service) IsAuthorizedToBid(ctx context.Context, tenantID, userID, auctionID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM public."AuctionHabilitation"
            WHERE "tenantId" = $1 AND "userId" = $2 AND "auctionId" = $3 AND "status" = 'HABILITADO'
        )`, tenantID, userID, auctionID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("error checking habilitation: %w", err)
	}
	return ok, nil
}

func (s *service) GrantHabilitation(ctx context.Context, tenantID, userID, auctionID string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO public."AuctionHabilitation" ("tenantId", "userId", "auctionId", "status")
        VALUES ($1, $2, $3, 'HABILITADO')
        ON CONFLICT ("tenantId", "userId", "auctionId") DO UPDATE SET "status" = 'HABILITADO'`,
		tenantID, userID, auctionID)
	if err != nil {
		return errors.Wrap(err, "error granting habilitation")
	}
	return nil
}

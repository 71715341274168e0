package database

import (
	"context"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

func startPostgres(t *testing.T) Service {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("leiloes"),
		postgres.WithUsername("leilao"),
		postgres.WithPassword("leilao"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	assert.NoError(t, err)

	s, err := Open(connStr)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	_, lot := seed(t, store)

	a, err := store.GetAuctionByID(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, 1, len(a.Stages))
	check.True(t, a.Stages[0].InitialPrice.Equal(decimal.NewFromInt(10000)))

	end := t0.Add(48 * time.Hour)
	bidder := "u1"
	err = store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		l, err := tx.LockLot(ctx, lot.ID)
		if err != nil {
			return err
		}
		l.Price = decimal.RequireFromString("10500.00")
		l.BidsCount = 1
		l.HighBidderID = &bidder
		l.EndDate = &end
		if err := tx.SaveLotState(ctx, l); err != nil {
			return err
		}
		return tx.AppendBid(ctx, types.Bid{ID: "bid-1", LotID: l.ID, AuctionID: l.AuctionID, UserID: bidder, Amount: l.Price, CreatedAt: t0})
	})
	assert.NoError(t, err)

	stored, err := store.GetLotByID(ctx, lot.ID)
	assert.NoError(t, err)
	check.True(t, stored.Price.Equal(decimal.NewFromInt(10500)))
	check.Equal(t, bidder, *stored.HighBidderID)
	check.True(t, stored.EndDate.Equal(end))

	check.NoError(t, store.GrantHabilitation(ctx, "tenant-1", bidder, "auction-1"))
	ok, err := store.IsAuthorizedToBid(ctx, "tenant-1", bidder, "auction-1")
	check.NoError(t, err)
	check.True(t, ok)
}

func TestPostgresRollback(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	_, lot := seed(t, store)

	err := store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		l, err := tx.LockLot(ctx, lot.ID)
		if err != nil {
			return err
		}
		l.Status = types.LotSold
		if err := tx.SaveLotState(ctx, l); err != nil {
			return err
		}
		// bidId references nothing but the unique lotId makes the second insert fail
		w := types.UserWin{ID: "win-1", LotID: l.ID, UserID: "u1", BidID: "b", WinningAmount: l.Price, Status: types.WinPending, WonAt: t0}
		if err := tx.CreateUserWin(ctx, w); err != nil {
			return err
		}
		w.ID = "win-2"
		return tx.CreateUserWin(ctx, w)
	})
	check.Error(t, err)

	stored, err := store.GetLotByID(ctx, lot.ID)
	assert.NoError(t, err)
	check.Equal(t, types.LotOpenForBids, stored.Status)
	_, err = store.GetUserWinByID(ctx, "win-1")
	check.True(t, IsNotFound(err))
}

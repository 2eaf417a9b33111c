package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/tokenbid/backend/internal/models"
)

func newTestSettlementService(t *testing.T) (*SettlementService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	ledger := NewBalanceLedgerService(db)
	auctions := NewAuctionService(db, ledger)
	service := NewSettlementService(db, ledger, auctions, nil, nil)
	return service, mock, func() { db.Close() }
}

func expectStatusCAS(mock sqlmock.Sqlmock, auctionID, from, to string) {
	mock.ExpectExec("UPDATE auctions SET status = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE auction_id = \\$3 AND status = \\$4").
		WithArgs(to, sqlmock.AnyArg(), auctionID, from).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSettlementService_settleTx(t *testing.T) {
	service, mock, cleanup := newTestSettlementService(t)
	defer cleanup()

	t.Run("no bids ends without winner", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := service.db.Begin()

		a := activeAuction()
		a.HighestBidder = ""
		a.HighestBidID = ""

		expectStatusCAS(mock, "AUC-1", models.AuctionActive, models.AuctionEnded)

		outcome, err := service.settleTx(tx, a, time.Now())
		assert.NoError(t, err)
		assert.Equal(t, models.AuctionEnded, a.Status)
		assert.Empty(t, outcome.WinnerID)
		assert.Zero(t, outcome.PlatformFee)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reserve not met refunds the leading bidder", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := service.db.Begin()

		a := activeAuction()
		a.ReservePrice = 900 // current bid is 500

		expectStatusCAS(mock, "AUC-1", models.AuctionActive, models.AuctionEnded)

		mock.ExpectQuery("SELECT available, locked, total, version, updated_at FROM balances WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("user104").
			WillReturnRows(balanceRows(100, 500, 3))

		mock.ExpectExec("UPDATE balances SET available = \\$1, locked = \\$2, total = \\$3, version = version \\+ 1, updated_at = \\$4 WHERE user_id = \\$5 AND version = \\$6").
			WithArgs(int64(600), int64(0), int64(600), sqlmock.AnyArg(), "user104", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("user104", "REFUND", int64(500), "AUC-1", int64(600), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE bids SET status = \\$1 WHERE auction_id = \\$2 AND status NOT IN").
			WithArgs(models.BidLost, "AUC-1", models.BidCancelled, models.BidRefunded, models.BidLost).
			WillReturnResult(sqlmock.NewResult(0, 2))

		outcome, err := service.settleTx(tx, a, time.Now())
		assert.NoError(t, err)
		assert.Empty(t, outcome.WinnerID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("winner settles with fee split and burn", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := service.db.Begin()

		a := activeAuction()
		a.CurrentBid = 1000

		expectStatusCAS(mock, "AUC-1", models.AuctionActive, models.AuctionEnded)

		// Winner's locked funds leave toward escrow.
		mock.ExpectQuery("SELECT available, locked, total, version, updated_at FROM balances WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("user104").
			WillReturnRows(balanceRows(0, 1000, 4))

		mock.ExpectExec("UPDATE balances SET available = \\$1, locked = \\$2, total = \\$3, version = version \\+ 1, updated_at = \\$4 WHERE user_id = \\$5 AND version = \\$6").
			WithArgs(int64(0), int64(0), int64(0), sqlmock.AnyArg(), "user104", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("user104", "RELEASE", int64(1000), "AUC-1", int64(0), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Treasury takes the unburned half of the 5% fee.
		mock.ExpectQuery("SELECT available, locked, total, version, updated_at FROM balances WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("treasury").
			WillReturnRows(balanceRows(10000, 0, 9))

		mock.ExpectExec("UPDATE balances SET available = \\$1, locked = \\$2, total = \\$3, version = version \\+ 1, updated_at = \\$4 WHERE user_id = \\$5 AND version = \\$6").
			WithArgs(int64(10025), int64(0), int64(10025), sqlmock.AnyArg(), "treasury", 9).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("treasury", "FEE", int64(25), "AUC-1", int64(10025), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE bids SET status = \\$1 WHERE bid_id = \\$2").
			WithArgs(models.BidWon, "bid-104").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE bids SET status = \\$1 WHERE auction_id = \\$2 AND bid_id <> \\$3 AND status NOT IN").
			WithArgs(models.BidLost, "AUC-1", "bid-104", models.BidCancelled, models.BidRefunded, models.BidLost).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE auctions SET winner_id = \\$1, winning_bid = \\$2, platform_fee = \\$3, won_at = \\$4, version = version \\+ 1, updated_at = \\$4 WHERE auction_id = \\$5").
			WithArgs("user104", int64(1000), int64(50), sqlmock.AnyArg(), "AUC-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		outcome, err := service.settleTx(tx, a, time.Now())
		assert.NoError(t, err)
		assert.Equal(t, "user104", outcome.WinnerID)
		assert.Equal(t, int64(1000), outcome.WinningBid)
		assert.Equal(t, int64(50), outcome.PlatformFee)
		assert.Equal(t, int64(50), a.PlatformFee)
		assert.Equal(t, int64(25), outcome.Burned)
		assert.Equal(t, int64(25), outcome.Treasury)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses to settle a non-active auction", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := service.db.Begin()

		a := activeAuction()
		a.Status = models.AuctionSuspended

		_, err := service.settleTx(tx, a, time.Now())
		assert.ErrorIs(t, err, ErrAuctionNotActive)
	})
}

func TestSettlementService_CloseAuction(t *testing.T) {
	service, mock, cleanup := newTestSettlementService(t)
	defer cleanup()

	t.Run("seller cannot close before end time without force", func(t *testing.T) {
		a := activeAuction()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))
		mock.ExpectRollback()

		_, err := service.CloseAuction(context.Background(), "AUC-1", "seller", false)
		assert.ErrorIs(t, err, ErrAuctionNotActive)
	})

	t.Run("non-seller cannot close", func(t *testing.T) {
		a := activeAuction()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))
		mock.ExpectRollback()

		_, err := service.CloseAuction(context.Background(), "AUC-1", "stranger", false)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestSettlementService_ConfirmReceipt(t *testing.T) {
	service, mock, cleanup := newTestSettlementService(t)
	defer cleanup()

	t.Run("only the winner can confirm", func(t *testing.T) {
		a := activeAuction()
		a.Status = models.AuctionEnded
		a.WinnerID = "user104"
		a.WinningBid = 1000

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))
		mock.ExpectRollback()

		_, err := service.ConfirmReceipt(context.Background(), "AUC-1", "user105")
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("confirmation pays the seller net of the settled fee", func(t *testing.T) {
		a := activeAuction()
		a.Status = models.AuctionEnded
		a.WinnerID = "user104"
		a.WinningBid = 1000
		a.PlatformFee = 50

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))

		mock.ExpectQuery("SELECT available, locked, total, version, updated_at FROM balances WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("seller").
			WillReturnRows(balanceRows(0, 0, 1))

		mock.ExpectExec("UPDATE balances SET available = \\$1, locked = \\$2, total = \\$3, version = version \\+ 1, updated_at = \\$4 WHERE user_id = \\$5 AND version = \\$6").
			WithArgs(int64(950), int64(0), int64(950), sqlmock.AnyArg(), "seller", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		// The payout entry keeps the auction reference.
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("seller", "PAYOUT", int64(950), "AUC-1", int64(950), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		expectStatusCAS(mock, "AUC-1", models.AuctionEnded, models.AuctionCompleted)
		mock.ExpectCommit()

		out, err := service.ConfirmReceipt(context.Background(), "AUC-1", "user104")
		assert.NoError(t, err)
		assert.Equal(t, models.AuctionCompleted, out.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fee rate changes after settlement do not shift the payout", func(t *testing.T) {
		a := activeAuction()
		a.Status = models.AuctionEnded
		a.WinnerID = "user104"
		a.WinningBid = 1000
		a.PlatformFee = 50

		service.feeRate = 0.20

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))

		mock.ExpectQuery("SELECT available, locked, total, version, updated_at FROM balances WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("seller").
			WillReturnRows(balanceRows(0, 0, 1))

		// Still 950, from the fee fixed at settlement time.
		mock.ExpectExec("UPDATE balances SET available = \\$1, locked = \\$2, total = \\$3, version = version \\+ 1, updated_at = \\$4 WHERE user_id = \\$5 AND version = \\$6").
			WithArgs(int64(950), int64(0), int64(950), sqlmock.AnyArg(), "seller", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("seller", "PAYOUT", int64(950), "AUC-1", int64(950), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		expectStatusCAS(mock, "AUC-1", models.AuctionEnded, models.AuctionCompleted)
		mock.ExpectCommit()

		_, err := service.ConfirmReceipt(context.Background(), "AUC-1", "user104")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/tokenbid/backend/internal/models"
)

func auctionRows(a *models.Auction) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"auction_id", "seller_id", "title", "auction_type", "status", "starting_bid", "current_bid",
		"reserve_price", "buy_now_price", "bid_increment", "start_time", "end_time",
		"highest_bidder", "highest_bid_id", "total_bids", "winner_id", "winning_bid", "platform_fee",
		"won_at", "version", "created_at", "updated_at",
	}).AddRow(
		a.AuctionID, a.SellerID, a.Title, a.AuctionType, a.Status, a.StartingBid, a.CurrentBid,
		a.ReservePrice, a.BuyNowPrice, a.BidIncrement, a.StartTime, a.EndTime,
		a.HighestBidder, a.HighestBidID, a.TotalBids, a.WinnerID, a.WinningBid, a.PlatformFee,
		a.WonAt, a.Version, time.Now(), time.Now(),
	)
}

func newTestBidService(t *testing.T) (*BidService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	ledger := NewBalanceLedgerService(db)
	auctions := NewAuctionService(db, ledger)
	service := NewBidService(db, nil, ledger, auctions, nil, nil)
	return service, mock, func() { db.Close() }
}

func TestBidService_PlaceBid_Preconditions(t *testing.T) {
	service, mock, cleanup := newTestBidService(t)
	defer cleanup()

	t.Run("rejects non-positive amount before any query", func(t *testing.T) {
		_, _, err := service.PlaceBid(context.Background(), "AUC-1", "user1", 0, nil)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects auto-bid ceiling below the bid", func(t *testing.T) {
		_, _, err := service.PlaceBid(context.Background(), "AUC-1", "user1", 600,
			&models.AutoBidParams{MaxAmount: 500})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects bid on pending auction", func(t *testing.T) {
		a := activeAuction()
		a.Status = models.AuctionPending
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))

		_, _, err := service.PlaceBid(context.Background(), "AUC-1", "user1", 600, nil)
		assert.ErrorIs(t, err, ErrAuctionNotActive)
	})

	t.Run("rejects bid after end time", func(t *testing.T) {
		a := activeAuction()
		a.EndTime = time.Now().Add(-time.Minute)
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))

		_, _, err := service.PlaceBid(context.Background(), "AUC-1", "user1", 600, nil)
		assert.ErrorIs(t, err, ErrAuctionEnded)
	})

	t.Run("seller cannot bid on own auction", func(t *testing.T) {
		a := activeAuction()
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))

		_, _, err := service.PlaceBid(context.Background(), "AUC-1", "seller", 600, nil)
		assert.ErrorIs(t, err, ErrSelfBidForbidden)
	})

	t.Run("self-bid outranks bid-too-low", func(t *testing.T) {
		a := activeAuction()
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))

		// Amount is also below minimum; the self-bid check fires first.
		_, _, err := service.PlaceBid(context.Background(), "AUC-1", "seller", 1, nil)
		assert.ErrorIs(t, err, ErrSelfBidForbidden)
	})

	t.Run("rejects bid below minimum with hint", func(t *testing.T) {
		a := activeAuction()
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))

		_, _, err := service.PlaceBid(context.Background(), "AUC-1", "user1", 510, nil)
		assert.ErrorIs(t, err, ErrBidTooLow)
		assert.Contains(t, err.Error(), "525")
	})
}

func TestBidService_checkRateLimit(t *testing.T) {
	redisClient, redisMock := redismock.NewClientMock()
	service := &BidService{redis: redisClient, minBidInterval: time.Second}

	t.Run("first bid in window allowed", func(t *testing.T) {
		redisMock.ExpectSetNX("bid:rl:AUC-1:user1", 1, time.Second).SetVal(true)

		err := service.checkRateLimit(context.Background(), "AUC-1", "user1")
		assert.NoError(t, err)
	})

	t.Run("second bid in window rejected with retry hint", func(t *testing.T) {
		redisMock.ExpectSetNX("bid:rl:AUC-1:user1", 1, time.Second).SetVal(false)
		redisMock.ExpectTTL("bid:rl:AUC-1:user1").SetVal(800 * time.Millisecond)

		err := service.checkRateLimit(context.Background(), "AUC-1", "user1")
		assert.ErrorIs(t, err, ErrRateLimited)

		var rl *RateLimitError
		assert.True(t, errors.As(err, &rl))
		assert.GreaterOrEqual(t, rl.RetryAfterSeconds, 1)
	})

	t.Run("degrades open when redis fails", func(t *testing.T) {
		redisMock.ExpectSetNX("bid:rl:AUC-1:user1", 1, time.Second).SetErr(errors.New("connection refused"))

		err := service.checkRateLimit(context.Background(), "AUC-1", "user1")
		assert.NoError(t, err)
	})

	t.Run("no redis means no limiter", func(t *testing.T) {
		bare := &BidService{minBidInterval: time.Second}
		assert.NoError(t, bare.checkRateLimit(context.Background(), "AUC-1", "user1"))
	})
}

func TestBidService_scoreBid(t *testing.T) {
	service := &BidService{}

	t.Run("flags bid far above current price", func(t *testing.T) {
		a := activeAuction()
		bid := &models.Bid{Amount: 2000}
		service.scoreBid(bid, a)
		assert.True(t, bid.Flagged)
		assert.InDelta(t, 4.0, bid.RiskScore, 0.001)
	})

	t.Run("normal increment is not flagged", func(t *testing.T) {
		a := activeAuction()
		bid := &models.Bid{Amount: 525}
		service.scoreBid(bid, a)
		assert.False(t, bid.Flagged)
	})

	t.Run("reverse auctions are never flagged", func(t *testing.T) {
		a := activeAuction()
		a.AuctionType = models.AuctionReverse
		bid := &models.Bid{Amount: 5000}
		service.scoreBid(bid, a)
		assert.False(t, bid.Flagged)
	})
}

func TestBidService_RetractBid(t *testing.T) {
	service, mock, cleanup := newTestBidService(t)
	defer cleanup()

	bidRow := func(bidID, auctionID, bidderID string, amount int64, status string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"bid_id", "auction_id", "bidder_id", "amount", "status"}).
			AddRow(bidID, auctionID, bidderID, amount, status)
	}

	t.Run("only the bidder may retract", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT bid_id, auction_id, bidder_id, amount, status FROM bids WHERE bid_id = \\$1 FOR UPDATE").
			WithArgs("bid-1").
			WillReturnRows(bidRow("bid-1", "AUC-1", "user1", 500, models.BidOutbid))
		mock.ExpectRollback()

		err := service.RetractBid(context.Background(), "bid-1", "someone-else")
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("window closed near auction end", func(t *testing.T) {
		a := activeAuction()
		a.EndTime = time.Now().Add(time.Minute)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT bid_id, auction_id, bidder_id, amount, status FROM bids WHERE bid_id = \\$1 FOR UPDATE").
			WithArgs("bid-1").
			WillReturnRows(bidRow("bid-1", "AUC-1", "user1", 500, models.BidOutbid))
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))
		mock.ExpectRollback()

		err := service.RetractBid(context.Background(), "bid-1", "user1")
		assert.ErrorIs(t, err, ErrRetractionWindowClosed)
	})

	t.Run("outbid bid retraction is a pure status change", func(t *testing.T) {
		a := activeAuction()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT bid_id, auction_id, bidder_id, amount, status FROM bids WHERE bid_id = \\$1 FOR UPDATE").
			WithArgs("bid-1").
			WillReturnRows(bidRow("bid-1", "AUC-1", "user1", 500, models.BidOutbid))
		mock.ExpectQuery("SELECT auction_id, seller_id, title").
			WithArgs("AUC-1").
			WillReturnRows(auctionRows(a))
		mock.ExpectExec("UPDATE bids SET status = \\$1 WHERE bid_id = \\$2").
			WithArgs(models.BidCancelled, "bid-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.RetractBid(context.Background(), "bid-1", "user1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("settled bid cannot be retracted", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT bid_id, auction_id, bidder_id, amount, status FROM bids WHERE bid_id = \\$1 FOR UPDATE").
			WithArgs("bid-1").
			WillReturnRows(bidRow("bid-1", "AUC-1", "user1", 500, models.BidWon))
		mock.ExpectRollback()

		err := service.RetractBid(context.Background(), "bid-1", "user1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/tokenbid/backend/internal/models"
)

// riskFlagMultiple: a bid above this multiple of the current price is
// flagged as a moderation signal. Never a correctness gate.
const riskFlagMultiple = 3.0

// BidService orchestrates validation, fraud scoring, fund locking and
// the auction state transition for a single bid as one transaction.
type BidService struct {
	db                 *sql.DB
	redis              *redis.Client
	ledger             *BalanceLedgerService
	auctions           *AuctionService
	broadcaster        Broadcaster
	notifier           Notifier
	minBidInterval     time.Duration
	noRetractionWindow time.Duration
}

func NewBidService(db *sql.DB, redisClient *redis.Client, ledger *BalanceLedgerService, auctions *AuctionService, broadcaster Broadcaster, notifier Notifier) *BidService {
	viper.SetDefault("auction.min_bid_interval", 1*time.Second)
	viper.SetDefault("auction.no_retraction_window", 5*time.Minute)
	return &BidService{
		db:                 db,
		redis:              redisClient,
		ledger:             ledger,
		auctions:           auctions,
		broadcaster:        broadcaster,
		notifier:           notifier,
		minBidInterval:     viper.GetDuration("auction.min_bid_interval"),
		noRetractionWindow: viper.GetDuration("auction.no_retraction_window"),
	}
}

// PlaceBid runs the full placement protocol and, on success, drives any
// auto-bids that were outbid by it through the identical path.
func (s *BidService) PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64, autoBid *models.AutoBidParams) (*models.Bid, *models.Auction, error) {
	bid, auction, err := s.placeOne(ctx, auctionID, bidderID, amount, autoBid)
	if err != nil {
		return nil, nil, err
	}
	s.processAutoBids(ctx, auctionID)
	return bid, auction, nil
}

// placeOne places a single bid. Precondition checks run in a fixed
// order, each short-circuiting with a distinct error, before any funds
// move.
func (s *BidService) placeOne(ctx context.Context, auctionID, bidderID string, amount int64, autoBid *models.AutoBidParams) (*models.Bid, *models.Auction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if autoBid != nil && autoBid.MaxAmount < amount {
		return nil, nil, fmt.Errorf("%w: maxAmount below bid amount", ErrInvalidAmount)
	}

	// Cheap rejections before touching the ledger. All of these are
	// re-validated under the row lock inside the transaction.
	auction, err := s.auctions.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	if auction.Status != models.AuctionActive {
		if auction.Status == models.AuctionEnded || auction.Status == models.AuctionCompleted {
			return nil, nil, ErrAuctionEnded
		}
		return nil, nil, ErrAuctionNotActive
	}
	if !now.Before(auction.EndTime) {
		return nil, nil, ErrAuctionEnded
	}
	if auction.SellerID == bidderID {
		return nil, nil, ErrSelfBidForbidden
	}
	if !s.auctions.meetsMinimum(auction, amount) {
		return nil, nil, fmt.Errorf("%w: minimum is %d", ErrBidTooLow, s.auctions.MinimumNextBid(auction))
	}
	if err := s.checkRateLimit(ctx, auctionID, bidderID); err != nil {
		return nil, nil, err
	}

	bid := &models.Bid{
		BidID:     uuid.New().String(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    models.BidActive,
		PlacedAt:  now,
	}
	if autoBid != nil {
		bid.IsAutoBid = true
		bid.MaxAmount = autoBid.MaxAmount
		bid.AutoIncrement = autoBid.Increment
	}
	s.scoreBid(bid, auction)

	var result *ApplyBidResult
	err = RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		locked, err := s.auctions.GetAuctionForUpdateTx(tx, auctionID)
		if err != nil {
			return err
		}
		if locked.SellerID == bidderID {
			return ErrSelfBidForbidden
		}

		if err := s.ledger.LockTx(tx, bidderID, amount, auctionID); err != nil {
			return err
		}
		if err := s.insertBidTx(tx, bid); err != nil {
			return err
		}
		result, err = s.auctions.ApplyBidTx(tx, locked, bid, now)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE bids SET status = $1 WHERE bid_id = $2`,
			models.BidWinning, bid.BidID); err != nil {
			return err
		}
		bid.Status = models.BidWinning
		auction = locked
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Printf("[BID] Accepted %s on %s by %s for %d (total bids: %d)",
		bid.BidID, auctionID, bidderID, amount, auction.TotalBids)
	if bid.Flagged {
		log.Printf("[BID] Flagged %s for review: risk score %.2f", bid.BidID, bid.RiskScore)
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastToAuction(auctionID, "bid_placed", map[string]any{
			"auctionId":    auctionID,
			"bidder":       bidderID,
			"amount":       amount,
			"isNewHighest": true,
			"endTime":      auction.EndTime,
		})
	}
	if s.notifier != nil && result.PreviousBidder != "" && result.PreviousBidder != bidderID {
		go s.notifier.SendNotification(result.PreviousBidder, "outbid", map[string]any{
			"auctionId":  auctionID,
			"yourBid":    result.PreviousAmount,
			"currentBid": amount,
		})
	}
	if result.BuyNow {
		log.Printf("[BID] Buy-now price met on %s, eligible for immediate close", auctionID)
	}
	return bid, auction, nil
}

// checkRateLimit enforces the minimum inter-bid interval per bidder per
// auction using SET NX with the interval as TTL. When redis is down,
// bidding proceeds without the limiter.
func (s *BidService) checkRateLimit(ctx context.Context, auctionID, bidderID string) error {
	if s.redis == nil {
		return nil
	}
	key := fmt.Sprintf("bid:rl:%s:%s", auctionID, bidderID)
	ok, err := s.redis.SetNX(ctx, key, 1, s.minBidInterval).Result()
	if err != nil {
		log.Printf("[BID] Rate limiter unavailable, allowing bid: %v", err)
		return nil
	}
	if !ok {
		ttl, _ := s.redis.TTL(ctx, key).Result()
		retry := int(ttl.Seconds())
		if retry < 1 {
			retry = 1
		}
		return &RateLimitError{RetryAfterSeconds: retry}
	}
	return nil
}

// scoreBid computes the moderation risk signal. A bid far above the
// going price is flagged for review but still accepted.
func (s *BidService) scoreBid(bid *models.Bid, auction *models.Auction) {
	base := auction.CurrentBid
	if base <= 0 {
		base = auction.StartingBid
	}
	if base <= 0 {
		return
	}
	ratio := float64(bid.Amount) / float64(base)
	bid.RiskScore = ratio
	if auction.AuctionType == models.AuctionForward && ratio > riskFlagMultiple {
		bid.Flagged = true
	}
}

func (s *BidService) insertBidTx(tx *sql.Tx, bid *models.Bid) error {
	_, err := tx.Exec(`
		INSERT INTO bids
		(bid_id, auction_id, bidder_id, amount, status, is_auto_bid, max_amount,
		 auto_increment, risk_score, flagged, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		bid.BidID, bid.AuctionID, bid.BidderID, bid.Amount, bid.Status,
		bid.IsAutoBid, bid.MaxAmount, bid.AutoIncrement, bid.RiskScore,
		bid.Flagged, bid.PlacedAt)
	return err
}

// processAutoBids synthesizes counter-bids for outbid auto-bidders, one
// at a time, until nobody is willing to raise. Each synthesized bid
// goes through placeOne and is indistinguishable from a manual call.
func (s *BidService) processAutoBids(ctx context.Context, auctionID string) {
	for i := 0; i < 50; i++ {
		auction, err := s.auctions.GetAuction(ctx, auctionID)
		if err != nil || auction.Status != models.AuctionActive {
			return
		}
		next := s.auctions.MinimumNextBid(auction)

		var bidderID string
		var maxAmount int64
		err = s.db.QueryRowContext(ctx, `
			SELECT bidder_id, max_amount FROM bids
			WHERE auction_id = $1 AND is_auto_bid = TRUE AND status = $2
			  AND bidder_id <> $3 AND max_amount >= $4
			ORDER BY max_amount DESC, placed_at ASC
			LIMIT 1`,
			auctionID, models.BidOutbid, auction.HighestBidder, next).Scan(&bidderID, &maxAmount)
		if err == sql.ErrNoRows {
			return
		}
		if err != nil {
			log.Printf("[BID] Auto-bid lookup failed for %s: %v", auctionID, err)
			return
		}

		_, _, err = s.placeOne(ctx, auctionID, bidderID, next, &models.AutoBidParams{MaxAmount: maxAmount})
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				log.Printf("[BID] Auto-bid for %s on %s rate limited, will retry on next trigger", bidderID, auctionID)
			} else {
				log.Printf("[BID] Auto-bid for %s on %s failed: %v", bidderID, auctionID, err)
			}
			return
		}
	}
	log.Printf("[BID] Auto-bid cascade on %s stopped at iteration cap", auctionID)
}

// RetractBid cancels a bidder's own bid before the no-retraction window.
// Retracting the winning bid refunds its lock and promotes the best
// remaining auto-eligible bid whose funds can still be locked.
func (s *BidService) RetractBid(ctx context.Context, bidID, bidderID string) error {
	return RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		bid := &models.Bid{}
		err := tx.QueryRow(`
			SELECT bid_id, auction_id, bidder_id, amount, status FROM bids
			WHERE bid_id = $1 FOR UPDATE`, bidID).
			Scan(&bid.BidID, &bid.AuctionID, &bid.BidderID, &bid.Amount, &bid.Status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: bid", ErrNotFound)
		}
		if err != nil {
			return err
		}
		if bid.BidderID != bidderID {
			return ErrForbidden
		}
		if bid.Status != models.BidWinning && bid.Status != models.BidOutbid && bid.Status != models.BidActive {
			return fmt.Errorf("%w: bid is %s", ErrInvalidTransition, bid.Status)
		}

		auction, err := s.auctions.GetAuctionForUpdateTx(tx, bid.AuctionID)
		if err != nil {
			return err
		}
		now := time.Now()
		if auction.Status == models.AuctionActive && auction.EndTime.Sub(now) < s.noRetractionWindow {
			return ErrRetractionWindowClosed
		}

		if bid.Status != models.BidWinning {
			// Outbid bids were already refunded when dethroned; this is
			// a pure status change.
			_, err = tx.Exec(`UPDATE bids SET status = $1 WHERE bid_id = $2`, models.BidCancelled, bidID)
			return err
		}

		if err := s.ledger.RefundTx(tx, bidderID, bid.Amount, bid.AuctionID); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE bids SET status = $1 WHERE bid_id = $2`, models.BidRefunded, bidID); err != nil {
			return err
		}
		log.Printf("[BID] Retracted winning bid %s on %s, refunded %d", bidID, bid.AuctionID, bid.Amount)
		return s.promoteNextBidTx(tx, auction, bidderID, now)
	})
}

// promoteNextBidTx reinstates the best remaining outbid bid whose
// bidder can still cover it; otherwise the auction reverts to its
// starting price with no highest bidder.
func (s *BidService) promoteNextBidTx(tx *sql.Tx, auction *models.Auction, excludeBidder string, now time.Time) error {
	order := "DESC"
	if auction.AuctionType == models.AuctionReverse {
		order = "ASC"
	}
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT bid_id, bidder_id, amount FROM bids
		WHERE auction_id = $1 AND status = $2 AND bidder_id <> $3
		ORDER BY amount %s, placed_at ASC`, order),
		auction.AuctionID, models.BidOutbid, excludeBidder)
	if err != nil {
		return err
	}
	defer rows.Close()

	type candidate struct {
		bidID    string
		bidderID string
		amount   int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.bidID, &c.bidderID, &c.amount); err != nil {
			return err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range candidates {
		err := s.ledger.LockTx(tx, c.bidderID, c.amount, auction.AuctionID)
		if errors.Is(err, ErrInsufficientFunds) {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE bids SET status = $1 WHERE bid_id = $2`, models.BidWinning, c.bidID); err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE auctions
			SET current_bid = $1, highest_bidder = $2, highest_bid_id = $3,
			    version = version + 1, updated_at = $4
			WHERE auction_id = $5`,
			c.amount, c.bidderID, c.bidID, now, auction.AuctionID)
		if err != nil {
			return err
		}
		log.Printf("[BID] Promoted bid %s to winning on %s after retraction", c.bidID, auction.AuctionID)
		return nil
	}

	_, err = tx.Exec(`
		UPDATE auctions
		SET current_bid = starting_bid, highest_bidder = NULL, highest_bid_id = NULL,
		    version = version + 1, updated_at = $1
		WHERE auction_id = $2`, now, auction.AuctionID)
	return err
}

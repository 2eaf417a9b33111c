package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
	"github.com/tokenbid/backend/internal/models"
)

// allowedTransitions is the forward transition table. Terminal statuses
// (ended, cancelled, completed) accept nothing except ended -> completed.
var allowedTransitions = map[string][]string{
	models.AuctionDraft:     {models.AuctionPending, models.AuctionCancelled},
	models.AuctionPending:   {models.AuctionActive, models.AuctionCancelled},
	models.AuctionActive:    {models.AuctionEnded, models.AuctionSuspended},
	models.AuctionSuspended: {models.AuctionActive},
	models.AuctionEnded:     {models.AuctionCompleted},
}

// rollbackTransitions are the only backward moves. They require a reason,
// are recorded to history and are never reachable from bid placement.
var rollbackTransitions = map[string]string{
	models.AuctionPending: models.AuctionDraft,
	models.AuctionActive:  models.AuctionPending,
}

// AuctionService owns the auction lifecycle and the bid-driven state of
// a single auction. Lock/refund of bidder funds goes through the ledger.
type AuctionService struct {
	db              *sql.DB
	ledger          *BalanceLedgerService
	extensionWindow time.Duration
}

func NewAuctionService(db *sql.DB, ledger *BalanceLedgerService) *AuctionService {
	viper.SetDefault("auction.extension_window", 30*time.Second)
	return &AuctionService{
		db:              db,
		ledger:          ledger,
		extensionWindow: viper.GetDuration("auction.extension_window"),
	}
}

func canTransition(from, to string) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CreateAuction inserts a new draft auction with a generated ID.
func (s *AuctionService) CreateAuction(ctx context.Context, a *models.Auction) error {
	if a.AuctionType != models.AuctionForward && a.AuctionType != models.AuctionReverse {
		return fmt.Errorf("unknown auction type %q", a.AuctionType)
	}
	if a.BidIncrement <= 0 {
		return ErrInvalidAmount
	}
	a.AuctionID = fmt.Sprintf("AUC-%d", time.Now().UnixNano())
	a.Status = models.AuctionDraft
	a.CurrentBid = a.StartingBid
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auctions
		(auction_id, seller_id, title, auction_type, status, starting_bid, current_bid,
		 reserve_price, buy_now_price, bid_increment, start_time, end_time, total_bids,
		 version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, 1, $13, $14)`,
		a.AuctionID, a.SellerID, a.Title, a.AuctionType, a.Status, a.StartingBid,
		a.CurrentBid, a.ReservePrice, a.BuyNowPrice, a.BidIncrement,
		a.StartTime, a.EndTime, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	log.Printf("[AUCTION] Created %s (%s) by seller %s", a.AuctionID, a.AuctionType, a.SellerID)
	return nil
}

// GetAuction fetches an auction without locking it.
func (s *AuctionService) GetAuction(ctx context.Context, auctionID string) (*models.Auction, error) {
	return s.scanAuction(s.db.QueryRowContext(ctx, selectAuction+` WHERE auction_id = $1`, auctionID))
}

// GetAuctionForUpdateTx locks the auction row for the duration of the
// caller's transaction. This is the per-auction serialization point
// shared by bid placement, settlement and the reconciler.
func (s *AuctionService) GetAuctionForUpdateTx(tx *sql.Tx, auctionID string) (*models.Auction, error) {
	return s.scanAuction(tx.QueryRow(selectAuction+` WHERE auction_id = $1 FOR UPDATE`, auctionID))
}

const selectAuction = `
	SELECT auction_id, seller_id, title, auction_type, status, starting_bid, current_bid,
	       reserve_price, buy_now_price, bid_increment, start_time, end_time,
	       COALESCE(highest_bidder, ''), COALESCE(highest_bid_id, ''), total_bids,
	       COALESCE(winner_id, ''), COALESCE(winning_bid, 0), COALESCE(platform_fee, 0), won_at,
	       version, created_at, updated_at
	FROM auctions`

func (s *AuctionService) scanAuction(row *sql.Row) (*models.Auction, error) {
	a := &models.Auction{}
	err := row.Scan(
		&a.AuctionID, &a.SellerID, &a.Title, &a.AuctionType, &a.Status, &a.StartingBid,
		&a.CurrentBid, &a.ReservePrice, &a.BuyNowPrice, &a.BidIncrement,
		&a.StartTime, &a.EndTime, &a.HighestBidder, &a.HighestBidID, &a.TotalBids,
		&a.WinnerID, &a.WinningBid, &a.PlatformFee, &a.WonAt, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: auction", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Publish promotes draft -> pending. Seller only.
func (s *AuctionService) Publish(ctx context.Context, auctionID, actorID string) (*models.Auction, error) {
	return s.transition(ctx, auctionID, actorID, models.AuctionDraft, models.AuctionPending, true)
}

// Activate promotes pending -> active and stamps the bidding window.
func (s *AuctionService) Activate(ctx context.Context, auctionID, actorID string) (*models.Auction, error) {
	var out *models.Auction
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.GetAuctionForUpdateTx(tx, auctionID)
		if err != nil {
			return err
		}
		if a.SellerID != actorID {
			return ErrForbidden
		}
		if !canTransition(a.Status, models.AuctionActive) {
			return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, a.Status)
		}
		now := time.Now()
		start := a.StartTime
		if start.IsZero() || start.Before(now) {
			start = now
		}
		end := a.EndTime
		if end.IsZero() || !end.After(start) {
			return errors.New("end time must be after start time")
		}
		_, err = tx.Exec(`
			UPDATE auctions
			SET status = $1, start_time = $2, version = version + 1, updated_at = $3
			WHERE auction_id = $4`,
			models.AuctionActive, start, now, auctionID)
		if err != nil {
			return err
		}
		a.Status = models.AuctionActive
		a.StartTime = start
		out = a
		return nil
	})
	return out, err
}

// Cancel moves draft|pending -> cancelled. Seller only.
func (s *AuctionService) Cancel(ctx context.Context, auctionID, actorID string) (*models.Auction, error) {
	var out *models.Auction
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.GetAuctionForUpdateTx(tx, auctionID)
		if err != nil {
			return err
		}
		if a.SellerID != actorID {
			return ErrForbidden
		}
		if !canTransition(a.Status, models.AuctionCancelled) {
			return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, a.Status)
		}
		if err := s.setStatusTx(tx, auctionID, a.Status, models.AuctionCancelled); err != nil {
			return err
		}
		a.Status = models.AuctionCancelled
		out = a
		return nil
	})
	return out, err
}

// Suspend freezes an active auction (admin moderation action).
func (s *AuctionService) Suspend(ctx context.Context, auctionID string) (*models.Auction, error) {
	return s.transition(ctx, auctionID, "", models.AuctionActive, models.AuctionSuspended, false)
}

// Reinstate resumes a suspended auction.
func (s *AuctionService) Reinstate(ctx context.Context, auctionID string) (*models.Auction, error) {
	return s.transition(ctx, auctionID, "", models.AuctionSuspended, models.AuctionActive, false)
}

// Rollback performs a privileged backward transition. The reason is
// mandatory and recorded to the rollback history.
func (s *AuctionService) Rollback(ctx context.Context, auctionID, actorID, reason string) (*models.Auction, error) {
	if reason == "" {
		return nil, errors.New("rollback reason is required")
	}
	var out *models.Auction
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.GetAuctionForUpdateTx(tx, auctionID)
		if err != nil {
			return err
		}
		to, ok := rollbackTransitions[a.Status]
		if !ok {
			return fmt.Errorf("%w: no rollback from %s", ErrInvalidTransition, a.Status)
		}
		if err := s.setStatusTx(tx, auctionID, a.Status, to); err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO auction_rollbacks (auction_id, from_status, to_status, reason, actor_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			auctionID, a.Status, to, reason, actorID, time.Now())
		if err != nil {
			return err
		}
		log.Printf("[AUCTION] Rolled back %s: %s -> %s (%s)", auctionID, a.Status, to, reason)
		a.Status = to
		out = a
		return nil
	})
	return out, err
}

func (s *AuctionService) transition(ctx context.Context, auctionID, actorID, from, to string, checkSeller bool) (*models.Auction, error) {
	var out *models.Auction
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.GetAuctionForUpdateTx(tx, auctionID)
		if err != nil {
			return err
		}
		if checkSeller && a.SellerID != actorID {
			return ErrForbidden
		}
		if a.Status != from || !canTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
		}
		if err := s.setStatusTx(tx, auctionID, from, to); err != nil {
			return err
		}
		a.Status = to
		out = a
		return nil
	})
	return out, err
}

// setStatusTx is a compare-and-swap on status so a raced transition
// cannot slip past the table check.
func (s *AuctionService) setStatusTx(tx *sql.Tx, auctionID, from, to string) error {
	result, err := tx.Exec(`
		UPDATE auctions
		SET status = $1, version = version + 1, updated_at = $2
		WHERE auction_id = $3 AND status = $4`,
		to, time.Now(), auctionID, from)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// MinimumNextBid returns the lowest (forward) or highest (reverse)
// acceptable next bid amount.
func (s *AuctionService) MinimumNextBid(a *models.Auction) int64 {
	if a.TotalBids == 0 {
		return a.StartingBid
	}
	if a.AuctionType == models.AuctionReverse {
		return a.CurrentBid - a.BidIncrement
	}
	return a.CurrentBid + a.BidIncrement
}

func (s *AuctionService) meetsMinimum(a *models.Auction, amount int64) bool {
	min := s.MinimumNextBid(a)
	if a.AuctionType == models.AuctionReverse {
		return amount <= min
	}
	return amount >= min
}

// ApplyBidResult reports what ApplyBidTx changed.
type ApplyBidResult struct {
	PreviousBidID  string
	PreviousBidder string
	PreviousAmount int64
	Extended       bool
	NewEndTime     time.Time
	BuyNow         bool
}

// ApplyBidTx applies an accepted bid to the auction inside the caller's
// transaction: previous winning bid -> outbid (with its lock refunded),
// currentBid and counters updated, and the anti-sniping extension
// applied when the bid lands inside the extension window. The caller
// must hold the auction row lock.
func (s *AuctionService) ApplyBidTx(tx *sql.Tx, a *models.Auction, bid *models.Bid, now time.Time) (*ApplyBidResult, error) {
	if a.Status != models.AuctionActive {
		if a.Status == models.AuctionEnded || a.Status == models.AuctionCompleted {
			return nil, ErrAuctionEnded
		}
		return nil, ErrAuctionNotActive
	}
	if !now.Before(a.EndTime) {
		return nil, ErrAuctionEnded
	}
	if !s.meetsMinimum(a, bid.Amount) {
		return nil, fmt.Errorf("%w: minimum is %d", ErrBidTooLow, s.MinimumNextBid(a))
	}

	res := &ApplyBidResult{NewEndTime: a.EndTime}

	// Dethrone the previous highest bidder and give their lock back.
	if a.HighestBidID != "" {
		res.PreviousBidID = a.HighestBidID
		res.PreviousBidder = a.HighestBidder
		res.PreviousAmount = a.CurrentBid
		if _, err := tx.Exec(`
			UPDATE bids SET status = $1 WHERE bid_id = $2 AND status = $3`,
			models.BidOutbid, a.HighestBidID, models.BidWinning); err != nil {
			return nil, err
		}
		if err := s.ledger.RefundTx(tx, a.HighestBidder, a.CurrentBid, a.AuctionID); err != nil {
			return nil, err
		}
	}

	endTime := a.EndTime
	if a.EndTime.Sub(now) < s.extensionWindow {
		endTime = now.Add(s.extensionWindow)
		res.Extended = true
		res.NewEndTime = endTime
		log.Printf("[AUCTION] Anti-sniping extension on %s: end time pushed to %s", a.AuctionID, endTime.Format(time.RFC3339))
	}

	_, err := tx.Exec(`
		UPDATE auctions
		SET current_bid = $1, highest_bidder = $2, highest_bid_id = $3,
		    total_bids = total_bids + 1, end_time = $4, version = version + 1, updated_at = $5
		WHERE auction_id = $6`,
		bid.Amount, bid.BidderID, bid.BidID, endTime, now, a.AuctionID)
	if err != nil {
		return nil, err
	}

	a.CurrentBid = bid.Amount
	a.HighestBidder = bid.BidderID
	a.HighestBidID = bid.BidID
	a.TotalBids++
	a.EndTime = endTime

	if a.AuctionType == models.AuctionForward && a.BuyNowPrice > 0 && bid.Amount >= a.BuyNowPrice {
		res.BuyNow = true
	}
	return res, nil
}

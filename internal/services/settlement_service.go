package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
	"github.com/tokenbid/backend/internal/audit"
	"github.com/tokenbid/backend/internal/models"
)

// SettlementService is the single writer that finalizes auctions. It is
// triggered by the periodic sweep or an explicit privileged close, and
// settles each auction as one transaction.
type SettlementService struct {
	db            *sql.DB
	ledger        *BalanceLedgerService
	auctions      *AuctionService
	broadcaster   Broadcaster
	notifier      Notifier
	audit         *audit.Logger
	feeRate       float64
	burnShare     float64
	treasuryID    string
	sweepInterval time.Duration
}

func NewSettlementService(db *sql.DB, ledger *BalanceLedgerService, auctions *AuctionService, broadcaster Broadcaster, notifier Notifier) *SettlementService {
	viper.SetDefault("settlement.fee_rate", 0.05)
	viper.SetDefault("settlement.burn_share", 0.5)
	viper.SetDefault("settlement.treasury_account", "treasury")
	viper.SetDefault("settlement.sweep_interval", 10*time.Second)
	return &SettlementService{
		db:            db,
		ledger:        ledger,
		auctions:      auctions,
		broadcaster:   broadcaster,
		notifier:      notifier,
		audit:         audit.NewLogger(),
		feeRate:       viper.GetFloat64("settlement.fee_rate"),
		burnShare:     viper.GetFloat64("settlement.burn_share"),
		treasuryID:    viper.GetString("settlement.treasury_account"),
		sweepInterval: viper.GetDuration("settlement.sweep_interval"),
	}
}

// Outcome describes a completed settlement.
type Outcome struct {
	Auction     *models.Auction
	WinnerID    string
	WinningBid  int64
	PlatformFee int64
	Burned      int64
	Treasury    int64
}

// CloseAuction settles a single auction. A force close by the seller is
// the only way to end an auction before its end time.
func (s *SettlementService) CloseAuction(ctx context.Context, auctionID, actorID string, force bool) (*models.Auction, error) {
	var outcome *Outcome
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.auctions.GetAuctionForUpdateTx(tx, auctionID)
		if err != nil {
			return err
		}
		// Forced closes are gated upstream by the admin middleware.
		if !force && a.SellerID != actorID {
			return ErrForbidden
		}
		now := time.Now()
		if !force && now.Before(a.EndTime) {
			return fmt.Errorf("%w: auction has not ended", ErrAuctionNotActive)
		}
		outcome, err = s.settleTx(tx, a, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.announce(outcome)
	return outcome.Auction, nil
}

// settleTx performs the settlement inside the caller's transaction. The
// caller must hold the auction row lock.
func (s *SettlementService) settleTx(tx *sql.Tx, a *models.Auction, now time.Time) (*Outcome, error) {
	if a.Status != models.AuctionActive {
		return nil, fmt.Errorf("%w: auction is %s", ErrAuctionNotActive, a.Status)
	}
	if err := s.auctions.setStatusTx(tx, a.AuctionID, models.AuctionActive, models.AuctionEnded); err != nil {
		return nil, err
	}
	a.Status = models.AuctionEnded
	outcome := &Outcome{Auction: a}

	if a.HighestBidder == "" {
		log.Printf("[SETTLEMENT] Auction %s ended with no bids", a.AuctionID)
		return outcome, nil
	}

	reserveMet := a.ReservePrice <= 0 ||
		(a.AuctionType == models.AuctionForward && a.CurrentBid >= a.ReservePrice) ||
		(a.AuctionType == models.AuctionReverse && a.CurrentBid <= a.ReservePrice)
	if !reserveMet {
		// Reserve not met: nobody wins, the leading bidder gets their
		// lock back.
		if err := s.ledger.RefundTx(tx, a.HighestBidder, a.CurrentBid, a.AuctionID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`
			UPDATE bids SET status = $1 WHERE auction_id = $2 AND status NOT IN ($3, $4, $5)`,
			models.BidLost, a.AuctionID, models.BidCancelled, models.BidRefunded, models.BidLost); err != nil {
			return nil, err
		}
		log.Printf("[SETTLEMENT] Auction %s ended below reserve (%d < %d), no winner",
			a.AuctionID, a.CurrentBid, a.ReservePrice)
		return outcome, nil
	}

	fee := int64(float64(a.CurrentBid) * s.feeRate)
	burned := int64(float64(fee) * s.burnShare)
	treasury := fee - burned

	// Winner's locked bid leaves their ledger toward escrow.
	if err := s.ledger.ReleaseTx(tx, a.HighestBidder, a.CurrentBid, a.AuctionID); err != nil {
		return nil, err
	}
	if treasury > 0 {
		if err := s.ledger.FeeTx(tx, s.treasuryID, treasury, a.AuctionID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(`
		UPDATE bids SET status = $1 WHERE bid_id = $2`,
		models.BidWon, a.HighestBidID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		UPDATE bids SET status = $1
		WHERE auction_id = $2 AND bid_id <> $3 AND status NOT IN ($4, $5, $6)`,
		models.BidLost, a.AuctionID, a.HighestBidID,
		models.BidCancelled, models.BidRefunded, models.BidLost); err != nil {
		return nil, err
	}
	// The fee is fixed here; buyer confirmation pays out against this
	// value even if the configured rate changes in between.
	if _, err := tx.Exec(`
		UPDATE auctions
		SET winner_id = $1, winning_bid = $2, platform_fee = $3, won_at = $4, version = version + 1, updated_at = $4
		WHERE auction_id = $5`,
		a.HighestBidder, a.CurrentBid, fee, now, a.AuctionID); err != nil {
		return nil, err
	}

	a.WinnerID = a.HighestBidder
	a.WinningBid = a.CurrentBid
	a.PlatformFee = fee
	a.WonAt = &now
	outcome.WinnerID = a.HighestBidder
	outcome.WinningBid = a.CurrentBid
	outcome.PlatformFee = fee
	outcome.Burned = burned
	outcome.Treasury = treasury

	s.audit.LogSettlement(a.AuctionID, a.HighestBidder, a.CurrentBid, fee, burned)
	log.Printf("[SETTLEMENT] Auction %s won by %s at %d (fee %d, burned %d)",
		a.AuctionID, a.HighestBidder, a.CurrentBid, fee, burned)
	return outcome, nil
}

func (s *SettlementService) announce(outcome *Outcome) {
	if s.broadcaster != nil {
		s.broadcaster.BroadcastToAuction(outcome.Auction.AuctionID, "auction_ended", map[string]any{
			"auctionId":    outcome.Auction.AuctionID,
			"winner":       outcome.WinnerID,
			"winningBid":   outcome.WinningBid,
			"platformFee":  outcome.PlatformFee,
			"burnedAmount": outcome.Burned,
		})
	}
	if s.notifier == nil {
		return
	}
	if outcome.WinnerID != "" {
		go s.notifier.SendNotification(outcome.WinnerID, "auction_won", map[string]any{
			"auctionId":  outcome.Auction.AuctionID,
			"winningBid": outcome.WinningBid,
		})
	}
	go s.notifier.SendNotification(outcome.Auction.SellerID, "auction_ended", map[string]any{
		"auctionId": outcome.Auction.AuctionID,
		"winner":    outcome.WinnerID,
	})
}

// ConfirmReceipt is the buyer confirmation that releases the escrowed
// payout to the seller and completes the auction.
func (s *SettlementService) ConfirmReceipt(ctx context.Context, auctionID, buyerID string) (*models.Auction, error) {
	var out *models.Auction
	err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.auctions.GetAuctionForUpdateTx(tx, auctionID)
		if err != nil {
			return err
		}
		if a.Status != models.AuctionEnded {
			return fmt.Errorf("%w: auction is %s", ErrInvalidTransition, a.Status)
		}
		if a.WinnerID == "" || a.WinnerID != buyerID {
			return ErrForbidden
		}
		payout := a.WinningBid - a.PlatformFee
		if payout > 0 {
			if err := s.ledger.PayoutTx(tx, a.SellerID, payout, a.AuctionID); err != nil {
				return err
			}
		}
		if err := s.auctions.setStatusTx(tx, auctionID, models.AuctionEnded, models.AuctionCompleted); err != nil {
			return err
		}
		a.Status = models.AuctionCompleted
		out = a
		log.Printf("[SETTLEMENT] Auction %s confirmed by buyer, paid %d to seller %s", auctionID, payout, a.SellerID)
		return nil
	})
	return out, err
}

// RunSweeper periodically settles auctions whose end time has passed.
// Run it in its own goroutine; it exits when ctx is cancelled.
func (s *SettlementService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	log.Printf("[SETTLEMENT] Sweeper running every %s", s.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[SETTLEMENT] Sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *SettlementService) sweep(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT auction_id FROM auctions
		WHERE status = $1 AND end_time <= $2
		ORDER BY end_time ASC
		LIMIT 100`, models.AuctionActive, time.Now())
	if err != nil {
		log.Printf("[SETTLEMENT] Sweep query failed: %v", err)
		return
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			log.Printf("[SETTLEMENT] Sweep scan failed: %v", err)
			return
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[SETTLEMENT] Sweep rows failed: %v", err)
		return
	}

	for _, auctionID := range expired {
		var outcome *Outcome
		err := RunInTx(ctx, s.db, func(tx *sql.Tx) error {
			a, err := s.auctions.GetAuctionForUpdateTx(tx, auctionID)
			if err != nil {
				return err
			}
			now := time.Now()
			if a.Status != models.AuctionActive || now.Before(a.EndTime) {
				// Raced with a late bid extension or an explicit close.
				return nil
			}
			outcome, err = s.settleTx(tx, a, now)
			return err
		})
		if err != nil {
			log.Printf("[SETTLEMENT] Failed to settle %s: %v", auctionID, err)
			continue
		}
		if outcome != nil {
			s.announce(outcome)
		}
	}
}

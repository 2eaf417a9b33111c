package models

import (
	"time"
)

// Auction types
const (
	AuctionForward = "forward"
	AuctionReverse = "reverse"
)

// Auction statuses
const (
	AuctionDraft     = "draft"
	AuctionPending   = "pending"
	AuctionActive    = "active"
	AuctionEnded     = "ended"
	AuctionCancelled = "cancelled"
	AuctionSuspended = "suspended"
	AuctionCompleted = "completed"
)

// Auction represents a single listing and its live bidding state.
// CurrentBid only moves through AuctionService.ApplyBidTx; terminal
// statuses (ended, cancelled, completed) accept no bid mutation.
type Auction struct {
	AuctionID     string     `json:"auction_id" db:"auction_id"`
	SellerID      string     `json:"seller_id" db:"seller_id"`
	Title         string     `json:"title" db:"title"`
	AuctionType   string     `json:"auction_type" db:"auction_type"`
	Status        string     `json:"status" db:"status"`
	StartingBid   int64      `json:"starting_bid" db:"starting_bid"`
	CurrentBid    int64      `json:"current_bid" db:"current_bid"`
	ReservePrice  int64      `json:"reserve_price" db:"reserve_price"`
	BuyNowPrice   int64      `json:"buy_now_price" db:"buy_now_price"`
	BidIncrement  int64      `json:"bid_increment" db:"bid_increment"`
	StartTime     time.Time  `json:"start_time" db:"start_time"`
	EndTime       time.Time  `json:"end_time" db:"end_time"`
	HighestBidder string     `json:"highest_bidder,omitempty" db:"highest_bidder"`
	HighestBidID  string     `json:"highest_bid_id,omitempty" db:"highest_bid_id"`
	TotalBids     int        `json:"total_bids" db:"total_bids"`
	WinnerID      string     `json:"winner_id,omitempty" db:"winner_id"`
	WinningBid    int64      `json:"winning_bid,omitempty" db:"winning_bid"`
	PlatformFee   int64      `json:"platform_fee,omitempty" db:"platform_fee"`
	WonAt         *time.Time `json:"won_at,omitempty" db:"won_at"`
	Version       int        `json:"version" db:"version"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the auction accepts no further transitions
// out (other than ended -> completed for buyer confirmation).
func (a *Auction) IsTerminal() bool {
	return a.Status == AuctionEnded || a.Status == AuctionCancelled || a.Status == AuctionCompleted
}

// StatusRollback records a privileged backward transition. These are
// never reachable from bid placement.
type StatusRollback struct {
	ID         int       `json:"id" db:"id"`
	AuctionID  string    `json:"auction_id" db:"auction_id"`
	FromStatus string    `json:"from_status" db:"from_status"`
	ToStatus   string    `json:"to_status" db:"to_status"`
	Reason     string    `json:"reason" db:"reason"`
	ActorID    string    `json:"actor_id" db:"actor_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

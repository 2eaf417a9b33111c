package models

import (
	"time"
)

// Bid statuses
const (
	BidPending   = "pending"
	BidActive    = "active"
	BidOutbid    = "outbid"
	BidWinning   = "winning"
	BidWon       = "won"
	BidLost      = "lost"
	BidCancelled = "cancelled"
	BidRefunded  = "refunded"
)

// Bid is a single bid on an auction. A bid never mutates another bid;
// status transitions come from the auction state machine and settlement.
type Bid struct {
	BidID          string    `json:"bid_id" db:"bid_id"`
	AuctionID      string    `json:"auction_id" db:"auction_id"`
	BidderID       string    `json:"bidder_id" db:"bidder_id"`
	Amount         int64     `json:"amount" db:"amount"`
	Status         string    `json:"status" db:"status"`
	IsAutoBid      bool      `json:"is_auto_bid" db:"is_auto_bid"`
	MaxAmount      int64     `json:"max_amount,omitempty" db:"max_amount"`
	AutoIncrement  int64     `json:"auto_increment,omitempty" db:"auto_increment"`
	RiskScore      float64   `json:"risk_score" db:"risk_score"`
	Flagged        bool      `json:"flagged" db:"flagged"`
	ExternalTxHash string    `json:"external_tx_hash,omitempty" db:"external_tx_hash"`
	PlacedAt       time.Time `json:"placed_at" db:"placed_at"`
}

// AutoBidParams configures proxy bidding. Synthesized bids go through
// the same placement path as manual ones.
type AutoBidParams struct {
	MaxAmount int64 `json:"maxAmount" validate:"required,gt=0"`
	Increment int64 `json:"increment" validate:"gt=0"`
}

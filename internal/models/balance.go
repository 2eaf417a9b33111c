package models

import (
	"time"
)

// Balance holds a user's token balance. All amounts are int64 base units.
// Invariant: Total == Available + Locked, all three >= 0.
type Balance struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Available int64     `json:"available" db:"available"`
	Locked    int64     `json:"locked" db:"locked"`
	Total     int64     `json:"total" db:"total"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Ledger entry types. One entry per ledger primitive invocation.
const (
	EntryDeposit  = "DEPOSIT"
	EntryWithdraw = "WITHDRAW"
	EntryLock     = "LOCK"
	EntryRelease  = "RELEASE"
	EntryRefund   = "REFUND"
	EntryFee      = "FEE"
	EntryPayout   = "PAYOUT"
)

type LedgerEntry struct {
	ID             int       `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	EntryType      string    `json:"entry_type" db:"entry_type"`
	Amount         int64     `json:"amount" db:"amount"`
	AuctionID      string    `json:"auction_id,omitempty" db:"auction_id"`
	Status         string    `json:"status" db:"status"`
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"`
	ExternalTxHash string    `json:"external_tx_hash,omitempty" db:"external_tx_hash"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

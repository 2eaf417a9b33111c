package services

import (
	"errors"
	"fmt"
)

// Error taxonomy for the bidding and settlement core. Handlers map these
// to HTTP statuses; callers compare with errors.Is.
var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrAuctionNotActive        = errors.New("auction not active")
	ErrAuctionEnded            = errors.New("auction ended")
	ErrSelfBidForbidden        = errors.New("seller cannot bid on own auction")
	ErrBidTooLow               = errors.New("bid below minimum increment")
	ErrRateLimited             = errors.New("bidding too fast")
	ErrInsufficientFunds       = errors.New("insufficient available balance")
	ErrInsufficientLockedFunds = errors.New("insufficient locked balance")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrInvariantViolation      = errors.New("balance invariant violation")
	ErrRetractionWindowClosed  = errors.New("retraction window closed")
	ErrDuplicateEvent          = errors.New("event already applied")
	ErrForbidden               = errors.New("actor not permitted")
)

// RateLimitError carries a retry-after hint alongside ErrRateLimited.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("bidding too fast, retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tokenbid/backend/internal/audit"
	"github.com/tokenbid/backend/internal/models"
)

// BalanceLedgerService is the only mutation surface for user balances.
// Every primitive is atomic, serialized per user via a FOR UPDATE row
// lock, and appends exactly one ledger entry with a post-mutation
// balance snapshot in the same transaction.
type BalanceLedgerService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewBalanceLedgerService(db *sql.DB) *BalanceLedgerService {
	return &BalanceLedgerService{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// Lock moves amount from available to locked (funds committed to a bid).
func (s *BalanceLedgerService) Lock(ctx context.Context, userID string, amount int64, auctionID string) error {
	return RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.LockTx(tx, userID, amount, auctionID)
	})
}

func (s *BalanceLedgerService) LockTx(tx *sql.Tx, userID string, amount int64, auctionID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bal, err := s.lockBalance(tx, userID, false)
	if err != nil {
		return err
	}
	if bal.Available < amount {
		return fmt.Errorf("%w: available %d, need %d", ErrInsufficientFunds, bal.Available, amount)
	}
	return s.mutate(tx, bal, -amount, amount, models.EntryLock, auctionID, "")
}

// Release removes amount from locked without crediting available; used
// when funds leave the bidder's ledger toward escrow at settlement.
func (s *BalanceLedgerService) Release(ctx context.Context, userID string, amount int64, auctionID string) error {
	return RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.ReleaseTx(tx, userID, amount, auctionID)
	})
}

func (s *BalanceLedgerService) ReleaseTx(tx *sql.Tx, userID string, amount int64, auctionID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bal, err := s.lockBalance(tx, userID, false)
	if err != nil {
		return err
	}
	if bal.Locked < amount {
		return fmt.Errorf("%w: locked %d, need %d", ErrInsufficientLockedFunds, bal.Locked, amount)
	}
	return s.mutate(tx, bal, 0, -amount, models.EntryRelease, auctionID, "")
}

// Refund moves amount from locked back to available (outbid bidder,
// cancelled auction, retracted bid).
func (s *BalanceLedgerService) Refund(ctx context.Context, userID string, amount int64, auctionID string) error {
	return RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.RefundTx(tx, userID, amount, auctionID)
	})
}

func (s *BalanceLedgerService) RefundTx(tx *sql.Tx, userID string, amount int64, auctionID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bal, err := s.lockBalance(tx, userID, false)
	if err != nil {
		return err
	}
	if bal.Locked < amount {
		return fmt.Errorf("%w: locked %d, need %d", ErrInsufficientLockedFunds, bal.Locked, amount)
	}
	return s.mutate(tx, bal, amount, -amount, models.EntryRefund, auctionID, "")
}

// Credit deposits amount into available, bypassing locked. Creates the
// balance row on first touch.
func (s *BalanceLedgerService) Credit(ctx context.Context, userID string, amount int64) error {
	return RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.CreditTx(tx, userID, amount, "")
	})
}

func (s *BalanceLedgerService) CreditTx(tx *sql.Tx, userID string, amount int64, externalTxHash string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bal, err := s.lockBalance(tx, userID, true)
	if err != nil {
		return err
	}
	return s.mutate(tx, bal, amount, 0, models.EntryDeposit, "", externalTxHash)
}

// Debit withdraws amount from available, bypassing locked.
func (s *BalanceLedgerService) Debit(ctx context.Context, userID string, amount int64) error {
	return RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.DebitTx(tx, userID, amount, "")
	})
}

func (s *BalanceLedgerService) DebitTx(tx *sql.Tx, userID string, amount int64, externalTxHash string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bal, err := s.lockBalance(tx, userID, false)
	if err != nil {
		return err
	}
	if bal.Available < amount {
		return fmt.Errorf("%w: available %d, need %d", ErrInsufficientFunds, bal.Available, amount)
	}
	return s.mutate(tx, bal, -amount, 0, models.EntryWithdraw, "", externalTxHash)
}

// PayoutTx credits the seller with the escrowed proceeds of an auction.
// Unlike Credit, the entry keeps the auction reference.
func (s *BalanceLedgerService) PayoutTx(tx *sql.Tx, userID string, amount int64, auctionID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bal, err := s.lockBalance(tx, userID, true)
	if err != nil {
		return err
	}
	return s.mutate(tx, bal, amount, 0, models.EntryPayout, auctionID, "")
}

// FeeTx records a fee entry against the platform treasury and credits it.
func (s *BalanceLedgerService) FeeTx(tx *sql.Tx, treasuryID string, amount int64, auctionID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bal, err := s.lockBalance(tx, treasuryID, true)
	if err != nil {
		return err
	}
	return s.mutate(tx, bal, amount, 0, models.EntryFee, auctionID, "")
}

// GetBalance returns the current balance, zero-valued if no row exists.
func (s *BalanceLedgerService) GetBalance(ctx context.Context, userID string) (*models.Balance, error) {
	bal := &models.Balance{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT available, locked, total, version, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(&bal.Available, &bal.Locked, &bal.Total, &bal.Version, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// HasEntryForTxHash reports whether an entry with the same (type, hash)
// was already written. This is the reconciler's idempotency check.
func (s *BalanceLedgerService) HasEntryForTxHash(tx *sql.Tx, entryType, txHash string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM ledger_entries
			WHERE entry_type = $1 AND external_tx_hash = $2
		)
	`, entryType, txHash).Scan(&exists)
	return exists, err
}

func (s *BalanceLedgerService) lockBalance(tx *sql.Tx, userID string, createIfMissing bool) (*models.Balance, error) {
	bal := &models.Balance{UserID: userID}
	err := tx.QueryRow(`
		SELECT available, locked, total, version, updated_at
		FROM balances
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&bal.Available, &bal.Locked, &bal.Total, &bal.Version, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		if !createIfMissing {
			return nil, fmt.Errorf("%w: balance for user %s", ErrNotFound, userID)
		}
		_, err = tx.Exec(`
			INSERT INTO balances (user_id, available, locked, total, version, updated_at)
			VALUES ($1, 0, 0, 0, 1, $2)`, userID, time.Now())
		if err != nil {
			return nil, err
		}
		bal.Version = 1
		return bal, nil
	}
	return bal, err
}

// mutate applies the deltas, re-asserts the invariant before and after,
// persists the new balance and appends the ledger entry.
func (s *BalanceLedgerService) mutate(tx *sql.Tx, bal *models.Balance, availableDelta, lockedDelta int64, entryType, auctionID, externalTxHash string) error {
	if bal.Total != bal.Available+bal.Locked {
		s.audit.LogError(auctionID, bal.UserID, fmt.Errorf("pre-mutation invariant broken: total=%d available=%d locked=%d", bal.Total, bal.Available, bal.Locked))
		return fmt.Errorf("%w: user %s pre-mutation", ErrInvariantViolation, bal.UserID)
	}

	newAvailable := bal.Available + availableDelta
	newLocked := bal.Locked + lockedDelta
	newTotal := newAvailable + newLocked

	if newAvailable < 0 || newLocked < 0 || newTotal != newAvailable+newLocked {
		s.audit.LogError(auctionID, bal.UserID, fmt.Errorf("mutation %s would break invariant: available=%d locked=%d", entryType, newAvailable, newLocked))
		return fmt.Errorf("%w: user %s on %s", ErrInvariantViolation, bal.UserID, entryType)
	}

	result, err := tx.Exec(`
		UPDATE balances
		SET available = $1, locked = $2, total = $3, version = version + 1, updated_at = $4
		WHERE user_id = $5 AND version = $6`,
		newAvailable, newLocked, newTotal, time.Now(), bal.UserID, bal.Version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for balance %s", bal.UserID)
	}

	var amount int64
	if availableDelta != 0 {
		amount = availableDelta
	} else {
		amount = lockedDelta
	}
	if amount < 0 {
		amount = -amount
	}

	var hashArg any
	if externalTxHash != "" {
		hashArg = externalTxHash
	}
	_, err = tx.Exec(`
		INSERT INTO ledger_entries (user_id, entry_type, amount, auction_id, status, balance_after, external_tx_hash, created_at)
		VALUES ($1, $2, $3, $4, 'COMPLETED', $5, $6, $7)`,
		bal.UserID, entryType, amount, auctionID, newTotal, hashArg, time.Now())
	if err != nil {
		return err
	}

	s.audit.LogMovement(entryType, bal.UserID, auctionID, amount, "SUCCESS")
	return nil
}

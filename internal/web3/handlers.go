package web3

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/tokenbid/backend/internal/models"
	"github.com/tokenbid/backend/internal/services"
)

// Logical contract names as normalized by the chain gateway.
const (
	ContractToken   = "token"
	ContractAuction = "auction"
)

// RegisterCoreHandlers builds the dispatch table for the platform
// contracts. Each handler checks the (type, txHash) idempotency index
// before mutating, so replaying the same event is a no-op with exactly
// one ledger entry ever written.
func RegisterCoreHandlers(table *DispatchTable, db *sql.DB, ledger *services.BalanceLedgerService) {
	table.Register(ContractToken, "TokenDeposited", depositHandler(db, ledger))
	table.Register(ContractToken, "TokenWithdrawn", withdrawHandler(db, ledger))
	table.Register(ContractAuction, "BidConfirmed", bidConfirmedHandler(db))
	table.Register(ContractAuction, "EscrowReleased", escrowReleasedHandler(db, ledger))
}

func depositHandler(db *sql.DB, ledger *services.BalanceLedgerService) HandlerFunc {
	return func(ctx context.Context, event models.ChainEvent) error {
		userID, err := argString(event, "user")
		if err != nil {
			return err
		}
		amount, err := argInt64(event, "amount")
		if err != nil {
			return err
		}
		return services.RunInTx(ctx, db, func(tx *sql.Tx) error {
			applied, err := ledger.HasEntryForTxHash(tx, models.EntryDeposit, event.TxHash)
			if err != nil {
				return err
			}
			if applied {
				log.Printf("[RECONCILER] Deposit %s already applied, no-op", event.TxHash)
				return nil
			}
			log.Printf("[RECONCILER] Crediting %d to %s from chain tx %s", amount, userID, event.TxHash)
			return ledger.CreditTx(tx, userID, amount, event.TxHash)
		})
	}
}

func withdrawHandler(db *sql.DB, ledger *services.BalanceLedgerService) HandlerFunc {
	return func(ctx context.Context, event models.ChainEvent) error {
		userID, err := argString(event, "user")
		if err != nil {
			return err
		}
		amount, err := argInt64(event, "amount")
		if err != nil {
			return err
		}
		return services.RunInTx(ctx, db, func(tx *sql.Tx) error {
			applied, err := ledger.HasEntryForTxHash(tx, models.EntryWithdraw, event.TxHash)
			if err != nil {
				return err
			}
			if applied {
				log.Printf("[RECONCILER] Withdrawal %s already applied, no-op", event.TxHash)
				return nil
			}
			log.Printf("[RECONCILER] Debiting %d from %s for chain tx %s", amount, userID, event.TxHash)
			return ledger.DebitTx(tx, userID, amount, event.TxHash)
		})
	}
}

// bidConfirmedHandler stamps the on-chain confirmation hash onto the
// matching bid.
func bidConfirmedHandler(db *sql.DB) HandlerFunc {
	return func(ctx context.Context, event models.ChainEvent) error {
		bidID, err := argString(event, "bidId")
		if err != nil {
			return err
		}
		return services.RunInTx(ctx, db, func(tx *sql.Tx) error {
			var exists bool
			if err := tx.QueryRow(`
				SELECT EXISTS(SELECT 1 FROM bids WHERE external_tx_hash = $1)`,
				event.TxHash).Scan(&exists); err != nil {
				return err
			}
			if exists {
				log.Printf("[RECONCILER] Bid confirmation %s already applied, no-op", event.TxHash)
				return nil
			}
			result, err := tx.Exec(`
				UPDATE bids SET external_tx_hash = $1
				WHERE bid_id = $2 AND external_tx_hash IS NULL`,
				event.TxHash, bidID)
			if err != nil {
				return err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				// Chain confirmed a bid we never recorded, or it was
				// already stamped with a different hash. Surface it for
				// investigation rather than crashing the stream.
				log.Printf("[RECONCILER] No unconfirmed bid %s for chain tx %s", bidID, event.TxHash)
			}
			return nil
		})
	}
}

// escrowReleasedHandler annotates the settlement release entry with its
// confirming chain hash.
func escrowReleasedHandler(db *sql.DB, ledger *services.BalanceLedgerService) HandlerFunc {
	return func(ctx context.Context, event models.ChainEvent) error {
		auctionID, err := argString(event, "auctionId")
		if err != nil {
			return err
		}
		return services.RunInTx(ctx, db, func(tx *sql.Tx) error {
			applied, err := ledger.HasEntryForTxHash(tx, models.EntryRelease, event.TxHash)
			if err != nil {
				return err
			}
			if applied {
				log.Printf("[RECONCILER] Escrow release %s already applied, no-op", event.TxHash)
				return nil
			}
			result, err := tx.Exec(`
				UPDATE ledger_entries SET external_tx_hash = $1
				WHERE id = (
					SELECT id FROM ledger_entries
					WHERE entry_type = $2 AND auction_id = $3 AND external_tx_hash IS NULL
					ORDER BY created_at DESC LIMIT 1
				)`, event.TxHash, models.EntryRelease, auctionID)
			if err != nil {
				return err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				log.Printf("[RECONCILER] Chain released escrow for %s but no ledger release entry found", auctionID)
			}
			return nil
		})
	}
}

func argString(event models.ChainEvent, key string) (string, error) {
	v, ok := event.Args[key]
	if !ok {
		return "", fmt.Errorf("event %s.%s missing arg %q", event.Contract, event.Name, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("event %s.%s arg %q is not a string", event.Contract, event.Name, key)
	}
	return s, nil
}

func argInt64(event models.ChainEvent, key string) (int64, error) {
	v, ok := event.Args[key]
	if !ok {
		return 0, fmt.Errorf("event %s.%s missing arg %q", event.Contract, event.Name, key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("event %s.%s arg %q is not a number", event.Contract, event.Name, key)
	}
}

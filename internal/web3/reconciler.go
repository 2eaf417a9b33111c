package web3

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spf13/viper"
	"github.com/tokenbid/backend/internal/models"
)

// Reconciler replays chain events into the ledger/auction state as a
// secondary, eventually-consistent writer. Live delivery and historical
// backfill share one application path, and every handler is idempotent
// by transaction hash, so at-least-once delivery and provider replays
// after a reconnect are harmless.
type Reconciler struct {
	table *DispatchTable

	backfillBlocks uint64
	batchSize      uint64
	batchDelay     time.Duration

	mu        sync.Mutex
	lastBlock map[string]uint64
}

func NewReconciler(table *DispatchTable) *Reconciler {
	viper.SetDefault("chain.backfill_blocks", 5000)
	viper.SetDefault("chain.backfill_batch_size", 500)
	viper.SetDefault("chain.backfill_batch_delay", 200*time.Millisecond)
	return &Reconciler{
		table:          table,
		backfillBlocks: viper.GetUint64("chain.backfill_blocks"),
		batchSize:      viper.GetUint64("chain.backfill_batch_size"),
		batchDelay:     viper.GetDuration("chain.backfill_batch_delay"),
		lastBlock:      make(map[string]uint64),
	}
}

// Serve consumes one live connection until it fails: backfill first,
// then the per-contract subscriptions. Intended as the ServeFunc of a
// ConnectionManager.
func (r *Reconciler) Serve(ctx context.Context, client ChainClient) error {
	if err := r.backfill(ctx, client); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	channels := make(map[string]<-chan models.ChainEvent)
	for _, contract := range r.table.Contracts() {
		ch, err := client.Subscribe(ctx, contract)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", contract, err)
		}
		channels[contract] = ch
	}

	// Fan the per-contract streams into one loop. Ordering only matters
	// within a contract, and each channel preserves it.
	merged := make(chan models.ChainEvent, 256)
	var wg sync.WaitGroup
	for contract, ch := range channels {
		wg.Add(1)
		go func(contract string, ch <-chan models.ChainEvent) {
			defer wg.Done()
			for event := range ch {
				select {
				case merged <- event:
				case <-ctx.Done():
					return
				}
			}
		}(contract, ch)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-merged:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if err := r.Apply(ctx, event); err != nil {
				log.Printf("[RECONCILER] Failed to apply %s.%s (%s): %v",
					event.Contract, event.Name, event.TxHash, err)
			}
		}
	}
}

// Apply is the single application path shared by live and historical
// events. Handlers own the per-txHash idempotency check; Apply owns the
// per-contract ordering check.
func (r *Reconciler) Apply(ctx context.Context, event models.ChainEvent) error {
	r.mu.Lock()
	last, seen := r.lastBlock[event.Contract]
	if seen && event.BlockNumber < last {
		r.mu.Unlock()
		log.Printf("[RECONCILER] Rejecting regressed event %s.%s: block %d < %d",
			event.Contract, event.Name, event.BlockNumber, last)
		return nil
	}
	r.mu.Unlock()

	handler, ok := r.table.Lookup(event.Contract, event.Name)
	if !ok {
		log.Printf("[RECONCILER] No handler for %s.%s, skipping", event.Contract, event.Name)
		return nil
	}
	if err := handler(ctx, event); err != nil {
		return err
	}

	r.mu.Lock()
	r.lastBlock[event.Contract] = event.BlockNumber
	r.mu.Unlock()
	return nil
}

// backfill replays a bounded trailing block range through Apply in
// fixed-size batches, pausing between batches to respect provider rate
// limits.
func (r *Reconciler) backfill(ctx context.Context, client ChainClient) error {
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	var from uint64
	if head > r.backfillBlocks {
		from = head - r.backfillBlocks
	}
	log.Printf("[RECONCILER] Backfilling blocks %d..%d", from, head)

	for _, contract := range r.table.Contracts() {
		for start := from; start <= head; start += r.batchSize {
			end := start + r.batchSize - 1
			if end > head {
				end = head
			}
			events, err := client.QueryFilter(ctx, contract, start, end)
			if err != nil {
				return fmt.Errorf("query %s blocks %d..%d: %w", contract, start, end, err)
			}
			for _, event := range events {
				if err := r.Apply(ctx, event); err != nil {
					log.Printf("[RECONCILER] Backfill apply failed for %s: %v", event.TxHash, err)
				}
			}
			if end < head {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.batchDelay):
				}
			}
		}
	}
	log.Printf("[RECONCILER] Backfill complete at block %d", head)
	return nil
}

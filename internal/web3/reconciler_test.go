package web3

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/tokenbid/backend/internal/models"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []models.ChainEvent
	err    error
}

func (h *recordingHandler) handle(ctx context.Context, event models.ChainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func event(contract, name, txHash string, block uint64) models.ChainEvent {
	return models.ChainEvent{
		Contract:    contract,
		Name:        name,
		TxHash:      txHash,
		BlockNumber: block,
		Args:        map[string]any{},
	}
}

func TestReconciler_Apply(t *testing.T) {
	t.Run("dispatches to the registered handler", func(t *testing.T) {
		h := &recordingHandler{}
		table := NewDispatchTable()
		table.Register("token", "TokenDeposited", h.handle)
		r := NewReconciler(table)

		err := r.Apply(context.Background(), event("token", "TokenDeposited", "0x1", 10))
		assert.NoError(t, err)
		assert.Equal(t, 1, h.count())
	})

	t.Run("unknown event is skipped without error", func(t *testing.T) {
		r := NewReconciler(NewDispatchTable())
		err := r.Apply(context.Background(), event("token", "Mystery", "0x1", 10))
		assert.NoError(t, err)
	})

	t.Run("rejects block regression per contract", func(t *testing.T) {
		h := &recordingHandler{}
		table := NewDispatchTable()
		table.Register("token", "TokenDeposited", h.handle)
		r := NewReconciler(table)

		assert.NoError(t, r.Apply(context.Background(), event("token", "TokenDeposited", "0x1", 10)))
		assert.NoError(t, r.Apply(context.Background(), event("token", "TokenDeposited", "0x2", 5)))
		assert.Equal(t, 1, h.count(), "regressed event must not reach the handler")

		// Same block is fine, multiple events land in one block.
		assert.NoError(t, r.Apply(context.Background(), event("token", "TokenDeposited", "0x3", 10)))
		assert.Equal(t, 2, h.count())
	})

	t.Run("regression tracking is independent per contract", func(t *testing.T) {
		tokenH := &recordingHandler{}
		auctionH := &recordingHandler{}
		table := NewDispatchTable()
		table.Register("token", "TokenDeposited", tokenH.handle)
		table.Register("auction", "BidConfirmed", auctionH.handle)
		r := NewReconciler(table)

		assert.NoError(t, r.Apply(context.Background(), event("token", "TokenDeposited", "0x1", 100)))
		assert.NoError(t, r.Apply(context.Background(), event("auction", "BidConfirmed", "0x2", 50)))
		assert.Equal(t, 1, tokenH.count())
		assert.Equal(t, 1, auctionH.count())
	})

	t.Run("handler failure does not advance the high-water mark", func(t *testing.T) {
		h := &recordingHandler{err: errors.New("db down")}
		table := NewDispatchTable()
		table.Register("token", "TokenDeposited", h.handle)
		r := NewReconciler(table)

		assert.Error(t, r.Apply(context.Background(), event("token", "TokenDeposited", "0x1", 10)))

		// Retry of the same event succeeds once the handler recovers.
		h.err = nil
		assert.NoError(t, r.Apply(context.Background(), event("token", "TokenDeposited", "0x1", 10)))
		assert.Equal(t, 1, h.count())
	})
}

// fakeChain is a scripted ChainClient for backfill and serve tests.
type fakeChain struct {
	head    uint64
	history []models.ChainEvent
	live    chan models.ChainEvent

	mu      sync.Mutex
	queries [][2]uint64
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.head, nil
}

func (c *fakeChain) Subscribe(ctx context.Context, contract string) (<-chan models.ChainEvent, error) {
	if c.live == nil {
		ch := make(chan models.ChainEvent)
		close(ch)
		return ch, nil
	}
	return c.live, nil
}

func (c *fakeChain) QueryFilter(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]models.ChainEvent, error) {
	c.mu.Lock()
	c.queries = append(c.queries, [2]uint64{fromBlock, toBlock})
	c.mu.Unlock()

	var out []models.ChainEvent
	for _, e := range c.history {
		if e.Contract == contract && e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *fakeChain) Close() error { return nil }

func TestReconciler_Backfill(t *testing.T) {
	viper.Set("chain.backfill_blocks", 50)
	viper.Set("chain.backfill_batch_size", 30)
	viper.Set("chain.backfill_batch_delay", time.Millisecond)
	t.Cleanup(func() {
		viper.Set("chain.backfill_blocks", 5000)
		viper.Set("chain.backfill_batch_size", 500)
		viper.Set("chain.backfill_batch_delay", 200*time.Millisecond)
	})

	h := &recordingHandler{}
	table := NewDispatchTable()
	table.Register("token", "TokenDeposited", h.handle)
	r := NewReconciler(table)

	client := &fakeChain{
		head: 100,
		history: []models.ChainEvent{
			event("token", "TokenDeposited", "0xa", 60),
			event("token", "TokenDeposited", "0xb", 75),
			event("token", "TokenDeposited", "0xc", 95),
		},
	}

	err := r.backfill(context.Background(), client)
	assert.NoError(t, err)
	assert.Equal(t, 3, h.count())

	// 50..100 in batches of 30: [50,79] then [80,100].
	assert.Equal(t, [][2]uint64{{50, 79}, {80, 100}}, client.queries)
}

func TestReconciler_ServeAppliesLiveEvents(t *testing.T) {
	viper.Set("chain.backfill_blocks", 10)
	viper.Set("chain.backfill_batch_size", 500)
	viper.Set("chain.backfill_batch_delay", time.Millisecond)
	t.Cleanup(func() {
		viper.Set("chain.backfill_blocks", 5000)
		viper.Set("chain.backfill_batch_size", 500)
		viper.Set("chain.backfill_batch_delay", 200*time.Millisecond)
	})

	h := &recordingHandler{}
	table := NewDispatchTable()
	table.Register("token", "TokenDeposited", h.handle)
	r := NewReconciler(table)

	live := make(chan models.ChainEvent, 4)
	client := &fakeChain{head: 100, live: live}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, client) }()

	live <- event("token", "TokenDeposited", "0xlive", 101)

	deadline := time.Now().Add(2 * time.Second)
	for h.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, h.count())

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not exit on cancellation")
	}
}

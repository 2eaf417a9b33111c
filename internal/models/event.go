package models

// ChainEvent is a normalized on-chain contract event. Events are not
// persisted as their own entity; they trigger ledger/auction mutation
// keyed by TxHash for idempotency. Ordering is only assumed within a
// single contract's stream.
type ChainEvent struct {
	Contract    string         `json:"contract"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      string         `json:"tx_hash"`
}

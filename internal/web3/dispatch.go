package web3

import (
	"context"
	"fmt"

	"github.com/tokenbid/backend/internal/models"
)

// HandlerFunc applies one normalized chain event. Implementations must
// be idempotent by transaction hash.
type HandlerFunc func(ctx context.Context, event models.ChainEvent) error

// DispatchTable is a static (contract, eventName) -> handler mapping,
// decoupled from the transport so handlers are unit-testable without a
// live provider.
type DispatchTable struct {
	handlers map[string]map[string]HandlerFunc
}

func NewDispatchTable() *DispatchTable {
	return &DispatchTable{handlers: make(map[string]map[string]HandlerFunc)}
}

// Register binds a handler. Duplicate registration is a programming
// error and panics at startup.
func (t *DispatchTable) Register(contract, eventName string, h HandlerFunc) {
	byEvent, ok := t.handlers[contract]
	if !ok {
		byEvent = make(map[string]HandlerFunc)
		t.handlers[contract] = byEvent
	}
	if _, exists := byEvent[eventName]; exists {
		panic(fmt.Sprintf("duplicate handler for %s.%s", contract, eventName))
	}
	byEvent[eventName] = h
}

// Lookup returns the handler for an event, if any.
func (t *DispatchTable) Lookup(contract, eventName string) (HandlerFunc, bool) {
	byEvent, ok := t.handlers[contract]
	if !ok {
		return nil, false
	}
	h, ok := byEvent[eventName]
	return h, ok
}

// Contracts lists every contract with at least one registered handler.
func (t *DispatchTable) Contracts() []string {
	out := make([]string, 0, len(t.handlers))
	for contract := range t.handlers {
		out = append(out, contract)
	}
	return out
}

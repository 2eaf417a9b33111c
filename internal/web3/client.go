package web3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/tokenbid/backend/internal/models"
)

// ChainClient is the transport-agnostic view of the chain gateway. The
// reconciler and connection manager depend on this interface only, so
// both are testable without a live socket.
type ChainClient interface {
	// BlockNumber returns the current block height. Doubles as the
	// liveness probe after (re)connecting.
	BlockNumber(ctx context.Context) (uint64, error)
	// Subscribe opens a live event stream for one contract. Events are
	// delivered in non-decreasing block order per contract.
	Subscribe(ctx context.Context, contract string) (<-chan models.ChainEvent, error)
	// QueryFilter returns historical events for a contract over an
	// inclusive block range.
	QueryFilter(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]models.ChainEvent, error)
	Close() error
}

// WSClient speaks JSON-RPC to the chain gateway over a websocket.
type WSClient struct {
	conn   *websocket.Conn
	nextID int64

	mu       sync.Mutex
	pending  map[int64]chan rpcResponse
	subs     map[string]chan models.ChainEvent
	closed   bool
	closeErr error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subNotification struct {
	Subscription string            `json:"subscription"`
	Event        models.ChainEvent `json:"event"`
}

// DialWS connects to the chain gateway websocket endpoint.
func DialWS(ctx context.Context, endpoint string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial chain gateway: %w", err)
	}
	c := &WSClient{
		conn:    conn,
		pending: make(map[int64]chan rpcResponse),
		subs:    make(map[string]chan models.ChainEvent),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[WEB3] Dropping unparseable frame: %v", err)
			continue
		}
		if resp.Method == "chain_subscription" {
			c.deliver(resp.Params)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *WSClient) deliver(params json.RawMessage) {
	var note subNotification
	if err := json.Unmarshal(params, &note); err != nil {
		log.Printf("[WEB3] Dropping malformed subscription frame: %v", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.subs[note.Subscription]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- note.Event:
	default:
		log.Printf("[WEB3] Subscription %s backlogged, dropping event %s", note.Subscription, note.Event.TxHash)
	}
}

func (c *WSClient) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *WSClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed: %w", c.closeErr)
	}
	c.pending[id] = ch
	err := c.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (c *WSClient) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "chain_blockNumber")
	if err != nil {
		return 0, err
	}
	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return height, nil
}

func (c *WSClient) Subscribe(ctx context.Context, contract string) (<-chan models.ChainEvent, error) {
	result, err := c.call(ctx, "chain_subscribe", contract)
	if err != nil {
		return nil, err
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return nil, fmt.Errorf("decode subscription id: %w", err)
	}
	ch := make(chan models.ChainEvent, 256)
	c.mu.Lock()
	c.subs[subID] = ch
	c.mu.Unlock()
	log.Printf("[WEB3] Subscribed to %s (sub %s)", contract, subID)
	return ch, nil
}

func (c *WSClient) QueryFilter(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]models.ChainEvent, error) {
	result, err := c.call(ctx, "chain_queryFilter", contract, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	var events []models.ChainEvent
	if err := json.Unmarshal(result, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

func (c *WSClient) Close() error {
	c.failAll(errors.New("closed by client"))
	return c.conn.Close()
}

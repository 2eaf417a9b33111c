package web3

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// ConnectionState is the first-class connection status of the chain link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// Dialer opens a new chain client. Injected so tests run without sockets.
type Dialer func(ctx context.Context) (ChainClient, error)

// ServeFunc consumes a live connection until it fails. The manager
// reconnects when it returns.
type ServeFunc func(ctx context.Context, client ChainClient) error

// ConnectionManager owns the chain connection lifecycle: connect, probe
// liveness, hand the connection to the reconciler, and reconnect with
// exponential backoff on failure. After maxAttempts consecutive
// failures it enters degraded mode instead of crashing; ledger and
// auction operations keep working without live chain data.
type ConnectionManager struct {
	dial         Dialer
	serve        ServeFunc
	baseDelay    time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	probeTimeout time.Duration

	mu      sync.RWMutex
	state   ConnectionState
	attempt int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewConnectionManager(dial Dialer, serve ServeFunc) *ConnectionManager {
	viper.SetDefault("chain.reconnect_base_delay", 1000*time.Millisecond)
	viper.SetDefault("chain.reconnect_max_delay", 30000*time.Millisecond)
	viper.SetDefault("chain.reconnect_max_attempts", 10)
	viper.SetDefault("chain.probe_timeout", 30*time.Second)
	return &ConnectionManager{
		dial:         dial,
		serve:        serve,
		baseDelay:    viper.GetDuration("chain.reconnect_base_delay"),
		maxDelay:     viper.GetDuration("chain.reconnect_max_delay"),
		maxAttempts:  viper.GetInt("chain.reconnect_max_attempts"),
		probeTimeout: viper.GetDuration("chain.probe_timeout"),
		state:        StateDisconnected,
		done:         make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *ConnectionManager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	log.Printf("[WEB3] Connection state: %s", s)
}

// Start runs the connection loop until Stop or ctx cancellation.
func (m *ConnectionManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop tears the connection down and waits for the loop to exit.
func (m *ConnectionManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

func (m *ConnectionManager) run(ctx context.Context) {
	defer close(m.done)
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateConnecting)
		client, err := m.connect(ctx)
		if err != nil {
			if !m.scheduleRetry(ctx, err) {
				return
			}
			continue
		}

		// Attempt counter resets only after the liveness probe
		// succeeded, not on a bare socket open.
		m.mu.Lock()
		m.attempt = 0
		m.mu.Unlock()
		m.setState(StateConnected)

		err = m.serve(ctx, client)
		client.Close()
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		log.Printf("[WEB3] Connection lost: %v", err)
		if !m.scheduleRetry(ctx, err) {
			return
		}
	}
}

// connect dials and probes the candidate connection. A candidate that
// fails the probe within probeTimeout is abandoned.
func (m *ConnectionManager) connect(ctx context.Context) (ChainClient, error) {
	client, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	height, err := client.BlockNumber(probeCtx)
	if err != nil {
		client.Close()
		return nil, err
	}
	log.Printf("[WEB3] Liveness probe ok, chain at block %d", height)
	return client, nil
}

// scheduleRetry sleeps the backoff delay for the next attempt. Returns
// false when retries are exhausted and the manager goes degraded.
func (m *ConnectionManager) scheduleRetry(ctx context.Context, cause error) bool {
	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	if attempt > m.maxAttempts {
		m.setState(StateFailed)
		log.Printf("[WEB3] Giving up after %d attempts, running degraded without chain link (last error: %v)", m.maxAttempts, cause)
		return false
	}

	m.setState(StateReconnecting)
	delay := backoffDelay(m.baseDelay, m.maxDelay, attempt)
	log.Printf("[WEB3] Reconnect attempt %d/%d in %s (cause: %v)", attempt, m.maxAttempts, delay, cause)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// backoffDelay computes min(base * 2^(attempt-1), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

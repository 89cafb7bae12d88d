package mikrotik

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/metrics"
)

// PoolConfig holds configuration for the connection pool
type PoolConfig struct {
	MaxConnections  int           // Max connections per NAS device
	IdleTimeout     time.Duration // Close idle connections after this
	ConnectTimeout  time.Duration // Timeout for new connections
	MaxAge          time.Duration // Max age of a connection before recycling
	CleanupInterval time.Duration // How often to cleanup dead connections

	// Circuit breaker per NAS address
	BreakerFailures uint32        // Consecutive failures before opening
	BreakerTimeout  time.Duration // Open state duration before probing again
}

// DefaultPoolConfig returns default pool configuration
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConnections:  10,
		IdleTimeout:     5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
		MaxAge:          30 * time.Minute,
		CleanupInterval: 1 * time.Minute,
		BreakerFailures: 3,
		BreakerTimeout:  1 * time.Minute,
	}
}

type dialFunc func(ctx context.Context, address, username, password string) (*Client, error)

// PooledConnection represents a reusable connection
type PooledConnection struct {
	client     *Client
	address    string
	createdAt  time.Time
	lastUsedAt time.Time
	inUse      bool
	reused     bool
	mu         sync.Mutex
}

// Execute runs a command on the pooled connection
func (pc *PooledConnection) Execute(ctx context.Context, command string, args ...string) ([]map[string]string, error) {
	return pc.client.Run(ctx, command, args...)
}

// ConnectionPool manages connections to multiple NAS devices
type ConnectionPool struct {
	config   *PoolConfig
	pools    map[string]*nasPool // keyed by address
	mu       sync.RWMutex
	dial     dialFunc
	log      zerolog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// nasPool is a pool for a single NAS device
type nasPool struct {
	address     string
	connections []*PooledConnection
	breaker     *gobreaker.CircuitBreaker[[]map[string]string]
	mu          sync.Mutex
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(config *PoolConfig) *ConnectionPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	return &ConnectionPool{
		config:   config,
		pools:    make(map[string]*nasPool),
		dial:     Dial,
		log:      logging.Component("mikrotik"),
		stopChan: make(chan struct{}),
	}
}

// Start begins the cleanup goroutine
func (p *ConnectionPool) Start() {
	p.wg.Add(1)
	go p.cleanupLoop()
	p.log.Info().
		Int("max_connections", p.config.MaxConnections).
		Dur("idle_timeout", p.config.IdleTimeout).
		Msg("MikroTik connection pool started")
}

// Stop shuts down the pool and closes all connections
func (p *ConnectionPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, np := range p.pools {
		np.mu.Lock()
		for _, pc := range np.connections {
			if pc.client != nil {
				pc.client.Close()
			}
		}
		np.connections = nil
		np.mu.Unlock()
	}

	p.log.Info().Msg("MikroTik connection pool stopped")
}

func (p *ConnectionPool) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.cleanup(time.Now())
		}
	}
}

// cleanup removes idle and old connections
func (p *ConnectionPool) cleanup(now time.Time) {
	p.mu.RLock()
	pools := make([]*nasPool, 0, len(p.pools))
	for _, np := range p.pools {
		pools = append(pools, np)
	}
	p.mu.RUnlock()

	for _, np := range pools {
		np.mu.Lock()
		alive := np.connections[:0]
		for _, pc := range np.connections {
			pc.mu.Lock()
			stale := !pc.inUse &&
				(now.Sub(pc.lastUsedAt) > p.config.IdleTimeout || now.Sub(pc.createdAt) > p.config.MaxAge)
			pc.mu.Unlock()

			if stale {
				pc.client.Close()
				continue
			}
			alive = append(alive, pc)
		}
		np.connections = alive
		np.mu.Unlock()
	}
}

// Get retrieves a connection from the pool, creating one if necessary
func (p *ConnectionPool) Get(ctx context.Context, address, username, password string) (*PooledConnection, error) {
	np := p.getNasPool(address)

	for {
		np.mu.Lock()
		for _, pc := range np.connections {
			pc.mu.Lock()
			if !pc.inUse {
				pc.inUse = true
				pc.reused = true
				pc.lastUsedAt = time.Now()
				pc.mu.Unlock()
				np.mu.Unlock()
				return pc, nil
			}
			pc.mu.Unlock()
		}

		if len(np.connections) < p.config.MaxConnections {
			// reserve the slot before dialing
			pc := &PooledConnection{address: address, inUse: true}
			np.connections = append(np.connections, pc)
			np.mu.Unlock()
			return p.connect(ctx, np, pc, username, password)
		}
		np.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for connection to %s: %w", address, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *ConnectionPool) connect(ctx context.Context, np *nasPool, pc *PooledConnection, username, password string) (*PooledConnection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	client, err := p.dial(dialCtx, np.address, username, password)
	if err != nil {
		np.remove(pc)
		return nil, err
	}

	now := time.Now()
	pc.mu.Lock()
	pc.client = client
	pc.createdAt = now
	pc.lastUsedAt = now
	pc.mu.Unlock()
	return pc, nil
}

// getNasPool gets or creates a pool for a specific NAS
func (p *ConnectionPool) getNasPool(address string) *nasPool {
	p.mu.RLock()
	np, ok := p.pools[address]
	p.mu.RUnlock()
	if ok {
		return np
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if np, ok = p.pools[address]; ok {
		return np
	}

	np = &nasPool{
		address:     address,
		connections: make([]*PooledConnection, 0, p.config.MaxConnections),
		breaker:     p.newBreaker(address),
	}
	p.pools[address] = np
	return np
}

func (p *ConnectionPool) newBreaker(address string) *gobreaker.CircuitBreaker[[]map[string]string] {
	metrics.CircuitBreakerState.WithLabelValues(address).Set(0)

	return gobreaker.NewCircuitBreaker[[]map[string]string](gobreaker.Settings{
		Name:        address,
		MaxRequests: 1,
		Timeout:     p.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.config.BreakerFailures
		},
		// A trap means the router answered; only transport failures count
		IsSuccessful: func(err error) bool {
			var trap *TrapError
			return err == nil || errors.As(err, &trap)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().Str("nas", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Put returns a connection to the pool
func (p *ConnectionPool) Put(pc *PooledConnection) {
	if pc == nil {
		return
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.inUse = false
	pc.lastUsedAt = time.Now()
}

// Remove closes a broken connection and frees its slot
func (p *ConnectionPool) Remove(pc *PooledConnection) {
	if pc == nil {
		return
	}

	pc.mu.Lock()
	if pc.client != nil {
		pc.client.Close()
	}
	pc.mu.Unlock()

	p.mu.RLock()
	np, ok := p.pools[pc.address]
	p.mu.RUnlock()
	if ok {
		np.remove(pc)
	}
}

func (np *nasPool) remove(pc *PooledConnection) {
	np.mu.Lock()
	defer np.mu.Unlock()

	for i, conn := range np.connections {
		if conn == pc {
			np.connections = append(np.connections[:i], np.connections[i+1:]...)
			return
		}
	}
}

// Executor returns a pooled executor bound to one NAS
func (p *ConnectionPool) Executor(t Target) Executor {
	return NewPooledClient(p, t)
}

// Stats returns pool statistics
func (p *ConnectionPool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]interface{})
	stats["total_pools"] = len(p.pools)

	totalConns := 0
	activeConns := 0
	for addr, np := range p.pools {
		np.mu.Lock()
		active := 0
		for _, pc := range np.connections {
			pc.mu.Lock()
			if pc.inUse {
				active++
			}
			pc.mu.Unlock()
		}
		totalConns += len(np.connections)
		activeConns += active
		stats["pool_"+addr] = map[string]interface{}{
			"total":   len(np.connections),
			"active":  active,
			"breaker": np.breaker.State().String(),
		}
		np.mu.Unlock()
	}

	stats["total_connections"] = totalConns
	stats["active_connections"] = activeConns
	return stats
}

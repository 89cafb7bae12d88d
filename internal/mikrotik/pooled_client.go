package mikrotik

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	gobreaker "github.com/sony/gobreaker/v2"
)

// DefaultAPIPort is the plain-text RouterOS API port
const DefaultAPIPort = 8728

// Executor runs RouterOS API commands against one router
type Executor interface {
	Execute(ctx context.Context, command string, args ...string) ([]map[string]string, error)
}

// Connector hands out executors for a NAS
type Connector interface {
	Executor(t Target) Executor
}

// Target identifies a NAS and its API credentials
type Target struct {
	ID       uint
	Name     string
	Address  string
	Port     int
	Username string
	Password string
}

// HostPort returns the API endpoint, defaulting to port 8728
func (t Target) HostPort() string {
	port := t.Port
	if port == 0 {
		port = DefaultAPIPort
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// PooledClient provides MikroTik operations using the connection pool
type PooledClient struct {
	target Target
	pool   *ConnectionPool
}

// NewPooledClient creates a new pooled client for a NAS device
func NewPooledClient(pool *ConnectionPool, t Target) *PooledClient {
	return &PooledClient{target: t, pool: pool}
}

// Execute runs a command through the NAS circuit breaker.
// A failure on a reused connection is retried once on a fresh one.
func (c *PooledClient) Execute(ctx context.Context, command string, args ...string) ([]map[string]string, error) {
	address := c.target.HostPort()
	np := c.pool.getNasPool(address)

	result, err := np.breaker.Execute(func() ([]map[string]string, error) {
		result, err := c.execute(ctx, address, command, args)
		if err != nil && errors.Is(err, errStaleConnection) && ctx.Err() == nil {
			result, err = c.execute(ctx, address, command, args)
		}
		return result, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", address, err)
	}
	return result, err
}

var errStaleConnection = errors.New("stale pooled connection")

func (c *PooledClient) execute(ctx context.Context, address, command string, args []string) ([]map[string]string, error) {
	conn, err := c.pool.Get(ctx, address, c.target.Username, c.target.Password)
	if err != nil {
		return nil, err
	}
	reused := conn.reused

	result, err := conn.Execute(ctx, command, args...)
	if err != nil {
		var trap *TrapError
		if errors.As(err, &trap) {
			c.pool.Put(conn)
			return nil, err
		}

		// Connection might be broken, remove it
		c.pool.Remove(conn)
		if reused {
			return nil, fmt.Errorf("%w: %w", errStaleConnection, err)
		}
		return nil, err
	}

	c.pool.Put(conn)
	return result, nil
}

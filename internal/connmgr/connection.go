package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/mcp"
	"github.com/nugget/switchboard/internal/tools"
)

// ErrNotReady is returned when a connection is asked to do work while
// not in StateReady.
var ErrNotReady = errors.New("connection not ready")

// State is the lifecycle state of a Connection.
type State int32

// Connection states. Connecting is the initial state; Ready and Failed
// follow the first attempt; the health watch may move a connection
// between Ready and Failed; Closed is terminal.
const (
	StateConnecting State = iota
	StateReady
	StateFailed
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is a live association with one tool server.
type Connection struct {
	spec   config.ServerConfig
	logger *slog.Logger
	state  atomic.Int32

	// inflight counts CallTool requests currently on the wire.
	inflight atomic.Int32

	closeOnce sync.Once
	closeErr  error

	mu      sync.RWMutex
	client  *mcp.Client
	tools   []tools.Descriptor
	lastErr error
	since   time.Time
}

func newConnection(spec config.ServerConfig, logger *slog.Logger) *Connection {
	c := &Connection{
		spec:   spec,
		logger: logger.With("server", spec.Name),
		since:  time.Now(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Name returns the configured server name.
func (c *Connection) Name() string { return c.spec.Name }

// Spec returns the server config the connection was built from.
func (c *Connection) Spec() config.ServerConfig { return c.spec }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Since returns when the connection last changed state.
func (c *Connection) Since() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.since
}

// Err returns the error that last moved the connection to Failed.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Tools returns the capabilities the server advertised, after filtering.
func (c *Connection) Tools() []tools.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// ServerInfo returns the name and version reported in the handshake.
func (c *Connection) ServerInfo() (name, version string) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return "", ""
	}
	return client.ServerInfo()
}

func (c *Connection) setClient(client *mcp.Client) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

func (c *Connection) ready(descs []tools.Descriptor) {
	c.mu.Lock()
	c.tools = descs
	c.lastErr = nil
	c.since = time.Now()
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.since = time.Now()
	c.mu.Unlock()
	c.state.Store(int32(StateFailed))
}

// MarkFailed moves a Ready connection to Failed, recording err. It is
// used by the health watch; a closed connection is left alone.
func (c *Connection) MarkFailed(err error) bool {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) {
		return false
	}
	c.mu.Lock()
	c.lastErr = err
	c.since = time.Now()
	c.mu.Unlock()
	c.logger.Warn("tool server marked failed", "error", err)
	return true
}

// MarkReady moves a Failed connection that completed its handshake
// back to Ready.
func (c *Connection) MarkReady() bool {
	c.mu.RLock()
	initialized := c.client != nil && c.client.Initialized()
	c.mu.RUnlock()
	if !initialized {
		return false
	}
	if !c.state.CompareAndSwap(int32(StateFailed), int32(StateReady)) {
		return false
	}
	c.mu.Lock()
	c.lastErr = nil
	c.since = time.Now()
	c.mu.Unlock()
	c.logger.Info("tool server ready again")
	return true
}

// CallTool invokes a capability on this server. The connection must be
// Ready.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	client, err := c.readyClient()
	if err != nil {
		return nil, err
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)
	return client.CallTool(ctx, name, args)
}

// Busy reports whether a capability call is in flight.
func (c *Connection) Busy() bool { return c.inflight.Load() > 0 }

// Ping probes the server. Unlike CallTool it is allowed while Failed so
// the health watch can detect recovery. Transports carry one request at
// a time; while Busy, Ping reports healthy without touching the wire and
// the running call is bounded by its own timeout.
func (c *Connection) Ping(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil || c.State() == StateClosed {
		return fmt.Errorf("server %q: %w", c.Name(), ErrNotReady)
	}
	if c.Busy() {
		c.logger.Log(ctx, config.LevelTrace, "ping skipped, call in flight")
		return nil
	}
	return client.Ping(ctx)
}

func (c *Connection) readyClient() (*mcp.Client, error) {
	if s := c.State(); s != StateReady {
		if err := c.Err(); err != nil && s == StateFailed {
			return nil, fmt.Errorf("server %q is %s (%v): %w", c.Name(), s, err, ErrNotReady)
		}
		return nil, fmt.Errorf("server %q is %s: %w", c.Name(), s, ErrNotReady)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// Close moves the connection to Closed and shuts down its transport.
// It is idempotent and safe on connections that never became Ready.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		client := c.client
		c.since = time.Now()
		c.mu.Unlock()
		if client != nil {
			c.closeErr = client.Close()
		}
	})
	return c.closeErr
}

// closeQuietly releases the transport of a failed attempt without
// changing its Failed state.
func (c *Connection) closeQuietly() {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		c.logger.Debug("close after failed attempt", "error", err)
	}
}

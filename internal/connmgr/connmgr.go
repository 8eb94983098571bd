// Package connmgr establishes and owns the connections to every
// configured tool server.
//
// Connect starts one attempt per server concurrently. Each attempt
// builds a transport, performs the MCP handshake, and fetches the
// server's capability catalog under a handshake timeout. A failed
// attempt marks only that connection Failed. Once every attempt has
// settled, Ready connections register their capabilities in config
// declaration order, so when two servers advertise the same name the
// later-declared server deterministically wins.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/mcp"
	"github.com/nugget/switchboard/internal/tools"
)

// ErrNoServers is returned by Connect when no server reached Ready.
var ErrNoServers = errors.New("no tool servers available")

// TransportFactory builds the transport for one server.
type TransportFactory func(spec config.ServerConfig, logger *slog.Logger) (mcp.Transport, error)

// Options configures a Manager.
type Options struct {
	// Handshake bounds initialize plus tools/list for each server.
	Handshake time.Duration

	// ShutdownGrace bounds how long closing one connection may wait
	// for an in-flight invocation.
	ShutdownGrace time.Duration

	// Factory builds transports. Defaults to NewTransport.
	Factory TransportFactory

	Logger *slog.Logger
}

// Manager owns every Connection for a session.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	conns  []*Connection
	byName map[string]*Connection

	closeOnce sync.Once
	closeErr  error
}

// NewManager creates a manager. Zero-value options get defaults.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Handshake <= 0 {
		opts.Handshake = config.DefaultHandshake
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = config.DefaultShutdownGrace
	}
	if opts.Factory == nil {
		grace := opts.ShutdownGrace
		opts.Factory = func(spec config.ServerConfig, logger *slog.Logger) (mcp.Transport, error) {
			return NewTransport(spec, grace, logger)
		}
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		byName: make(map[string]*Connection),
	}
}

// NewTransport builds the transport a server config calls for: stdio
// when a command is set, HTTP or WebSocket by URL scheme otherwise.
func NewTransport(spec config.ServerConfig, grace time.Duration, logger *slog.Logger) (mcp.Transport, error) {
	switch spec.Transport() {
	case "stdio":
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command:       spec.Command,
			Args:          spec.Args,
			Env:           spec.EnvList(),
			Detach:        spec.Detach,
			ShutdownGrace: grace,
			Logger:        logger,
		}), nil
	case "http":
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     spec.URL,
			Headers: spec.Headers,
			Logger:  logger,
		}), nil
	case "websocket":
		return mcp.NewWebSocketTransport(mcp.WebSocketConfig{
			URL:     spec.URL,
			Headers: spec.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", spec.Transport())
	}
}

// Connect establishes a connection to every spec concurrently, waits
// for all attempts to settle, and registers the capabilities of Ready
// connections into reg. It returns the number of Ready connections.
//
// Individual failures are logged and leave the connection Failed. If
// no connection is Ready the error wraps ErrNoServers joined with every
// per-server error.
func (m *Manager) Connect(ctx context.Context, specs []config.ServerConfig, reg *tools.Registry) (int, error) {
	conns := make([]*Connection, len(specs))
	for i, spec := range specs {
		conns[i] = newConnection(spec, m.logger)
	}

	m.mu.Lock()
	if len(m.conns) > 0 {
		m.mu.Unlock()
		return 0, errors.New("connmgr: Connect called twice")
	}
	m.conns = conns
	for _, c := range conns {
		m.byName[c.Name()] = c
	}
	m.mu.Unlock()

	start := time.Now()
	errs := make([]error, len(conns))

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.establish(ctx, c); err != nil {
				errs[i] = fmt.Errorf("server %q: %w", c.Name(), err)
				c.fail(err)
				m.logger.Error("tool server connection failed",
					"server", c.Name(),
					"transport", c.spec.Transport(),
					"error", err,
				)
				c.closeQuietly()
			}
		}()
	}
	wg.Wait()

	ready := 0
	for _, c := range conns {
		if c.State() != StateReady {
			continue
		}
		ready++
		for _, d := range c.Tools() {
			reg.Register(c.Name(), d)
		}
		m.logger.Info("tool server ready",
			"server", c.Name(),
			"transport", c.spec.Transport(),
			"tools", len(c.Tools()),
		)
	}

	m.logger.Info("tool servers settled",
		"ready", ready,
		"configured", len(conns),
		"tools", reg.Len(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if ready == 0 {
		return 0, errors.Join(append([]error{ErrNoServers}, errs...)...)
	}
	return ready, nil
}

// establish runs one connection attempt: transport, handshake, catalog.
func (m *Manager) establish(ctx context.Context, c *Connection) error {
	logger := m.logger.With("server", c.Name())

	tr, err := m.opts.Factory(c.spec, logger)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	client := mcp.NewClient(c.Name(), tr, logger)
	c.setClient(client)

	hctx, cancel := context.WithTimeout(ctx, m.opts.Handshake)
	defer cancel()

	if err := client.Initialize(hctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defs, err := client.ListTools(hctx)
	if err != nil {
		return fmt.Errorf("fetch capabilities: %w", err)
	}

	descs := make([]tools.Descriptor, 0, len(defs))
	for _, def := range defs {
		d, err := tools.NewDescriptor(def)
		if err != nil {
			logger.Warn("tool schema not understood, arguments will not be validated",
				"tool", def.Name,
				"error", err,
			)
		}
		descs = append(descs, d)
	}
	filtered := tools.Filter(descs, c.spec.IncludeTools, c.spec.ExcludeTools)
	if skipped := len(descs) - len(filtered); skipped > 0 {
		logger.Info("tools filtered by config", "kept", len(filtered), "skipped", skipped)
	}

	c.ready(filtered)
	return nil
}

// Lookup returns the connection for a server name.
func (m *Manager) Lookup(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byName[name]
	return c, ok
}

// Connections returns every connection in declaration order.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, len(m.conns))
	copy(out, m.conns)
	return out
}

// Ready returns the connections currently in StateReady.
func (m *Manager) Ready() []*Connection {
	var out []*Connection
	for _, c := range m.Connections() {
		if c.State() == StateReady {
			out = append(out, c)
		}
	}
	return out
}

// Close closes every connection concurrently. Each transport bounds its
// own shutdown by the grace period; ctx bounds the whole operation.
// Individual failures are logged and joined. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closeErr = m.closeAll(ctx)
	})
	return m.closeErr
}

func (m *Manager) closeAll(ctx context.Context) error {
	conns := m.Connections()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Close(); err != nil {
				m.logger.Warn("error closing tool server", "server", c.Name(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("server %q: %w", c.Name(), err))
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline passed with tool servers still closing", "error", ctx.Err())
		mu.Lock()
		errs = append(errs, fmt.Errorf("close tool servers: %w", ctx.Err()))
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

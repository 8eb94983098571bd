// Package connwatch monitors the health of connected tool servers.
//
// Each Watcher periodically runs a probe (an MCP ping) against one
// server and reports state transitions through callbacks. A server is
// declared down only after FailureThreshold consecutive failed probes,
// so a single slow ping does not take a healthy server out of service.
// While a server is down the watcher keeps probing and reports recovery
// as soon as a probe succeeds.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a server is responsive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Defaults applied by Manager.Watch to zero-value config fields.
const (
	DefaultPollInterval     = 60 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	DefaultFailureThreshold = 2
)

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name identifies the server in logs and status.
	Name string

	// Probe checks server health. Must be safe for concurrent use.
	Probe ProbeFunc

	// PollInterval is the time between probes.
	PollInterval time.Duration

	// ProbeTimeout limits how long each probe may take.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive failed probes that
	// mark a ready server as down.
	FailureThreshold int

	// InitiallyReady is the state assumed before the first probe.
	// Servers are watched after a successful handshake, so this is
	// normally true.
	InitiallyReady bool

	// OnReady is called when the server transitions from down to ready.
	// Called on the watcher goroutine, in order with OnDown; must not
	// block. Optional.
	OnReady func()

	// OnDown is called when the server transitions from ready to down.
	// Called on the watcher goroutine, in order with OnReady; must not
	// block. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServerHealth is the health of a watched server, suitable for JSON
// serialization in status endpoints.
type ServerHealth struct {
	Name                string    `json:"name"`
	Ready               bool      `json:"ready"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Watcher monitors a single server.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the watched server is currently considered healthy.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health.
func (w *Watcher) Status() ServerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServerHealth{
		Name:                w.config.Name,
		Ready:               w.ready.Load(),
		LastCheck:           w.lastCheck,
		ConsecutiveFailures: w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run polls until ctx is cancelled.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe and applies any resulting transition.
func (w *Watcher) check(ctx context.Context) {
	logger := w.config.Logger
	err := w.probe(ctx)
	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the server.
		return
	}
	failures := w.recordResult(err)
	wasReady := w.ready.Load()

	switch {
	case wasReady && err != nil && failures >= w.config.FailureThreshold:
		w.ready.Store(false)
		logger.Warn("server became unresponsive",
			"server", w.config.Name,
			"failures", failures,
			"error", err,
		)
		if w.config.OnDown != nil {
			w.config.OnDown(err)
		}
	case wasReady && err != nil:
		logger.Debug("server probe failed",
			"server", w.config.Name,
			"failures", failures,
			"threshold", w.config.FailureThreshold,
			"error", err,
		)
	case !wasReady && err == nil:
		w.ready.Store(true)
		logger.Info("server recovered", "server", w.config.Name)
		if w.config.OnReady != nil {
			w.config.OnReady()
		}
	case !wasReady:
		logger.Debug("server still unresponsive",
			"server", w.config.Name,
			"error", err,
		)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the updated count
// of consecutive failures.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// Manager coordinates the watchers for every connected server.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs in a background
// goroutine until ctx is cancelled or Stop is called. Watching a name
// that is already watched replaces (and stops) the previous watcher.
//
// Panics if Name is empty or Probe is nil; these are programming errors.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ready.Store(cfg.InitiallyReady)

	go w.run(watchCtx)

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	return w
}

// Status returns the health of every watched server.
func (m *Manager) Status() map[string]ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServerHealth, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

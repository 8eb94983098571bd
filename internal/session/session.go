// Package session owns everything one interactive run needs: the tool
// server connections, the capability registry, the dispatcher, the
// conversation engine, and the health watch. Nothing here is global;
// every component lives on the Session and is torn down by Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/connmgr"
	"github.com/nugget/switchboard/internal/connwatch"
	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/dispatch"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/tools"
	"github.com/nugget/switchboard/internal/usage"
)

// ErrNotStarted is returned when a session is used before Start.
var ErrNotStarted = errors.New("session not started")

// Ledger persists usage. *usage.Store implements it.
type Ledger interface {
	Record(ctx context.Context, rec usage.Record) error
	RecordInvocation(ctx context.Context, inv usage.Invocation) error
}

// TokenObserver is told about the tokens of every backend call.
type TokenObserver interface {
	OnTokens(inputTokens, outputTokens int)
}

// Options configures a Session.
type Options struct {
	// LLM is the model backend. Required.
	LLM llm.Client

	// Factory overrides how transports are built. Tests use this.
	Factory connmgr.TransportFactory

	// Ledger, if set, records token usage and invocations.
	Ledger Ledger

	// Tokens, if set, observes token usage (MQTT daily counter).
	Tokens TokenObserver

	// Events, if set, receives session activity.
	Events *events.Bus

	Logger *slog.Logger
}

// Session is one interactive run.
type Session struct {
	id     string
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	manager    *connmgr.Manager
	registry   *tools.Registry
	dispatcher *dispatch.Dispatcher
	engine     *conversation.Engine
	watch      *connwatch.Manager

	started     atomic.Bool
	startedAt   time.Time
	cancelWatch context.CancelFunc

	// askMu keeps queries strictly one at a time.
	askMu sync.Mutex

	queries      atomic.Int64
	lastQuery    atomic.Int64 // unix nanos
	inputTokens  atomic.Int64
	outputTokens atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New builds a session from cfg. It does not connect to anything.
func New(cfg *config.Config, opts Options) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: nil config")
	}
	if opts.LLM == nil {
		return nil, errors.New("session: no model backend")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	logger := opts.Logger.With("session_id", id)

	s := &Session{
		id:       id,
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		registry: tools.NewRegistry(logger.With("component", "registry")),
		watch:    connwatch.NewManager(logger.With("component", "connwatch")),
	}
	s.manager = connmgr.NewManager(connmgr.Options{
		Handshake:     cfg.Timeouts.Handshake.Std(),
		ShutdownGrace: cfg.Timeouts.ShutdownGrace.Std(),
		Factory:       opts.Factory,
		Logger:        logger.With("component", "connmgr"),
	})
	s.dispatcher = dispatch.New(s.registry, dispatch.ManagerLocator(s.manager), dispatch.Options{
		CallTimeout:  cfg.Timeouts.Call.Std(),
		OnInvocation: s.recordInvocation,
		Logger:       logger.With("component", "dispatch"),
	})
	s.engine = conversation.New(opts.LLM, s.registry, s.dispatcher, conversation.Options{
		Model:        cfg.Model.Name,
		System:       cfg.Model.SystemPrompt,
		MaxTokens:    cfg.Model.MaxTokens,
		ModelTimeout: cfg.Timeouts.Model.Std(),
		OnUsage:      s.recordUsage,
		Logger:       logger.With("component", "conversation"),
	})
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Start connects to every configured server, builds the registry, and
// starts the health watch. It fails only when no server is Ready; the
// caller should still Close the session.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	s.startedAt = time.Now()

	ready, err := s.manager.Connect(ctx, s.cfg.Servers, s.registry)
	if err != nil {
		return err
	}

	s.startHealthWatch(ctx)

	s.logger.Info("session started",
		"servers_ready", ready,
		"servers_configured", len(s.cfg.Servers),
		"tools", s.registry.Len(),
		"model", s.cfg.Model.Name,
	)
	return nil
}

func (s *Session) startHealthWatch(ctx context.Context) {
	interval := s.cfg.Health.Interval.Std()
	if interval <= 0 {
		s.logger.Debug("health watch disabled")
		return
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelWatch = cancel

	for _, c := range s.manager.Ready() {
		s.watch.Watch(watchCtx, connwatch.WatcherConfig{
			Name:           c.Name(),
			Probe:          c.Ping,
			PollInterval:   interval,
			ProbeTimeout:   s.cfg.Health.Timeout.Std(),
			InitiallyReady: true,
			OnDown: func(err error) {
				if c.MarkFailed(err) {
					s.opts.Events.Emit(events.SourceConnection, events.KindServerDown, map[string]any{
						"server": c.Name(),
						"error":  err.Error(),
					})
				}
			},
			OnReady: func() {
				if c.MarkReady() {
					s.opts.Events.Emit(events.SourceConnection, events.KindServerReady, map[string]any{
						"server": c.Name(),
					})
				}
			},
		})
	}
}

// Ask answers one query. Queries never overlap.
func (s *Session) Ask(ctx context.Context, query string) conversation.Answer {
	if !s.started.Load() {
		return conversation.Answer{Text: "Error: " + ErrNotStarted.Error(), Err: ErrNotStarted}
	}

	s.askMu.Lock()
	defer s.askMu.Unlock()

	ctx = tools.WithSessionID(ctx, s.id)
	if tools.QueryIDFromContext(ctx) == "" {
		ctx = tools.WithQueryID(ctx, uuid.NewString())
	}
	queryID := tools.QueryIDFromContext(ctx)

	start := time.Now()
	s.opts.Events.Emit(events.SourceSession, events.KindQueryStart, map[string]any{
		"query_id":  queryID,
		"query_len": len(query),
	})

	ans := s.engine.Ask(ctx, query)

	s.queries.Add(1)
	s.lastQuery.Store(time.Now().UnixNano())
	s.opts.Events.Emit(events.SourceSession, events.KindQueryComplete, map[string]any{
		"query_id":    queryID,
		"invocations": len(ans.Invocations),
		"tokens_in":   ans.InputTokens,
		"tokens_out":  ans.OutputTokens,
		"elapsed_ms":  time.Since(start).Milliseconds(),
		"ok":          ans.Err == nil,
	})
	return ans
}

func (s *Session) recordUsage(ctx context.Context, u conversation.Usage) {
	s.inputTokens.Add(int64(u.InputTokens))
	s.outputTokens.Add(int64(u.OutputTokens))

	if s.opts.Tokens != nil {
		s.opts.Tokens.OnTokens(u.InputTokens, u.OutputTokens)
	}
	s.opts.Events.Emit(events.SourceSession, events.KindModelResponse, map[string]any{
		"query_id":    u.QueryID,
		"phase":       string(u.Phase),
		"model":       u.Model,
		"tokens_in":   u.InputTokens,
		"tokens_out":  u.OutputTokens,
		"duration_ms": u.Duration.Milliseconds(),
	})
	if s.opts.Ledger == nil {
		return
	}
	err := s.opts.Ledger.Record(ctx, usage.Record{
		Timestamp:    u.Timestamp,
		SessionID:    u.SessionID,
		QueryID:      u.QueryID,
		Phase:        string(u.Phase),
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		DurationMS:   u.Duration.Milliseconds(),
	})
	if err != nil {
		s.logger.Warn("failed to record token usage", "error", err)
	}
}

func (s *Session) recordInvocation(ctx context.Context, inv dispatch.Invocation) {
	s.opts.Events.Emit(events.SourceDispatch, events.KindToolDone, map[string]any{
		"query_id":     inv.QueryID,
		"tool_call_id": inv.ToolCallID,
		"tool":         inv.Tool,
		"server":       inv.Server,
		"ok":           !inv.IsError,
		"duration_ms":  inv.Duration.Milliseconds(),
	})
	if s.opts.Ledger == nil {
		return
	}
	err := s.opts.Ledger.RecordInvocation(ctx, usage.Invocation{
		Timestamp:  inv.Started,
		SessionID:  inv.SessionID,
		QueryID:    inv.QueryID,
		ToolCallID: inv.ToolCallID,
		Tool:       inv.Tool,
		Server:     inv.Server,
		DurationMS: inv.Duration.Milliseconds(),
		IsError:    inv.IsError,
	})
	if err != nil {
		s.logger.Warn("failed to record invocation", "tool", inv.Tool, "error", err)
	}
}

// Close stops the health watch and closes every connection. ctx bounds
// the shutdown. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.cancelWatch != nil {
			s.cancelWatch()
		}
		s.watch.Stop()

		start := time.Now()
		if err := s.manager.Close(ctx); err != nil {
			s.closeErr = fmt.Errorf("close session: %w", err)
		}
		s.logger.Info("session closed",
			"queries", s.queries.Load(),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	})
	return s.closeErr
}

// Version returns the build version.
func (s *Session) Version() string { return buildinfo.Version }

// Package dispatch turns a capability request from the model into a
// remote tools/call on the owning server and normalizes the outcome.
//
// Invoke never returns an error. Every failure along the way (unknown
// name, unavailable server, invalid arguments, transport trouble, a
// remote isError) becomes a Result with IsError set and a readable
// Output, because the result is handed back to the model as-is.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/connmgr"
	"github.com/nugget/switchboard/internal/mcp"
	"github.com/nugget/switchboard/internal/tools"
)

// Result is the normalized outcome of one invocation.
type Result struct {
	Tool     string
	Output   string
	IsError  bool
	Server   string
	Duration time.Duration
}

// Invocation describes a finished invocation for the usage ledger.
type Invocation struct {
	SessionID  string
	QueryID    string
	ToolCallID string
	Tool       string
	Server     string
	Started    time.Time
	Duration   time.Duration
	IsError    bool
}

// Caller performs a remote tools/call.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
}

// Locator finds the Ready caller for a server name.
type Locator func(server string) (Caller, error)

// ManagerLocator adapts a connection manager. Missing connections and
// connections that are not Ready are reported as errors.
func ManagerLocator(m *connmgr.Manager) Locator {
	return func(server string) (Caller, error) {
		c, ok := m.Lookup(server)
		if !ok {
			return nil, fmt.Errorf("server %q is not configured", server)
		}
		if s := c.State(); s != connmgr.StateReady {
			if err := c.Err(); err != nil {
				return nil, fmt.Errorf("server %q is %s (%v): %w", server, s, err, connmgr.ErrNotReady)
			}
			return nil, fmt.Errorf("server %q is %s: %w", server, s, connmgr.ErrNotReady)
		}
		return c, nil
	}
}

// Options configures a Dispatcher.
type Options struct {
	// CallTimeout bounds each remote call. Defaults to
	// config.DefaultCallTimeout.
	CallTimeout time.Duration

	// OnInvocation, if set, is called after every invocation.
	OnInvocation func(ctx context.Context, inv Invocation)

	Logger *slog.Logger
}

// Dispatcher routes invocations to the owning server.
type Dispatcher struct {
	registry *tools.Registry
	locate   Locator
	opts     Options
	logger   *slog.Logger
}

// New creates a dispatcher over a registry and a connection locator.
func New(registry *tools.Registry, locate Locator, opts Options) *Dispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = config.DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		locate:   locate,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Invoke resolves name, validates args against its schema, calls the
// owning server with a bounded wait, and returns the normalized result.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (res Result) {
	start := time.Now()
	res.Tool = name

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during invocation", "tool", name, "panic", r)
			res.Output = fmt.Sprintf("capability %q failed: internal error: %v", name, r)
			res.IsError = true
		}
		res.Duration = time.Since(start)
		d.finish(ctx, start, res)
	}()

	entry, ok := d.registry.Lookup(name)
	if !ok {
		return fail(res, (&tools.ErrNotRegistered{Name: name}).Error())
	}
	res.Server = entry.Server

	caller, err := d.locate(entry.Server)
	if err != nil {
		return fail(res, fmt.Sprintf("capability %q is unavailable: %v", name, err))
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := entry.Schema.Validate(args); err != nil {
		return fail(res, fmt.Sprintf("invalid arguments for %q: %v", name, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	cr, err := caller.CallTool(callCtx, name, args)
	if err != nil {
		return fail(res, d.describe(ctx, name, err))
	}

	res.Output, res.IsError = Normalize(name, cr)
	return res
}

func fail(res Result, msg string) Result {
	res.Output = msg
	res.IsError = true
	return res
}

// describe renders a transport or protocol failure for the model.
func (d *Dispatcher) describe(ctx context.Context, name string, err error) string {
	var rpcErr *mcp.RPCError
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Sprintf("capability %q timed out after %s", name, d.opts.CallTimeout)
	case ctx.Err() != nil:
		return fmt.Sprintf("capability %q was cancelled: %v", name, ctx.Err())
	case errors.As(err, &rpcErr):
		return fmt.Sprintf("capability %q failed: server error %d: %s", name, rpcErr.Code, rpcErr.Message)
	case errors.Is(err, mcp.ErrTransportClosed):
		return fmt.Sprintf("capability %q failed: server connection is closed", name)
	default:
		return fmt.Sprintf("capability %q failed: %v", name, err)
	}
}

func (d *Dispatcher) finish(ctx context.Context, start time.Time, res Result) {
	level := slog.LevelInfo
	if res.IsError {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "capability invoked",
		"tool", res.Tool,
		"server", res.Server,
		"is_error", res.IsError,
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	d.logger.Log(ctx, config.LevelTrace, "capability output",
		"tool", res.Tool,
		"output", res.Output,
	)

	if d.opts.OnInvocation == nil {
		return
	}
	d.opts.OnInvocation(ctx, Invocation{
		SessionID:  tools.SessionIDFromContext(ctx),
		QueryID:    tools.QueryIDFromContext(ctx),
		ToolCallID: tools.ToolCallIDFromContext(ctx),
		Tool:       res.Tool,
		Server:     res.Server,
		Started:    start,
		Duration:   res.Duration,
		IsError:    res.IsError,
	})
}

// Normalize reduces a tools/call result to the text handed to the
// model. The first text block wins; otherwise any content is rendered
// as JSON of the whole result; an empty error result gets a generic
// message. The returned flag mirrors the remote isError.
func Normalize(name string, cr *mcp.CallResult) (string, bool) {
	if cr == nil {
		return fmt.Sprintf("capability %q returned no result", name), true
	}
	if text, ok := cr.FirstText(); ok {
		return text, cr.IsError
	}
	if len(cr.Content) == 0 && cr.IsError {
		return fmt.Sprintf("capability %q reported an error", name), true
	}
	return marshalResult(cr), cr.IsError
}

func marshalResult(cr *mcp.CallResult) string {
	if len(cr.Raw) > 0 {
		return string(cr.Raw)
	}
	b, err := json.Marshal(cr)
	if err != nil {
		return fmt.Sprintf("%+v", *cr)
	}
	return string(b)
}

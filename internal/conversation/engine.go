// Package conversation answers one user query with at most one round
// of capability use.
//
// Each query runs a two-state machine. In AwaitingInitialResponse the
// model sees the query and the capability catalog. If it answers with
// plain text the query is done. If it requests capabilities, each
// request is dispatched in order, one at a time, and the engine moves
// to AwaitingFinalResponse: one more backend call carrying every result,
// with capability use switched off. There is never a third call.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/dispatch"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/tools"
)

// NoResponse is the answer text when the model produced no text at all.
const NoResponse = "(no response)"

// Phase names a backend call within a query.
type Phase string

const (
	PhaseInitial Phase = "initial"
	PhaseFinal   Phase = "final"
)

// state is the position in the per-query state machine.
type state int

const (
	awaitingInitialResponse state = iota
	awaitingFinalResponse
)

func (s state) phase() Phase {
	if s == awaitingFinalResponse {
		return PhaseFinal
	}
	return PhaseInitial
}

// Invoker executes one capability request.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) dispatch.Result
}

// Catalog supplies the capabilities offered to the model.
type Catalog interface {
	Snapshot() []tools.Descriptor
}

// Usage is the token accounting for one backend call.
type Usage struct {
	SessionID    string
	QueryID      string
	Phase        Phase
	Model        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Timestamp    time.Time
}

// Answer is the outcome of one query.
type Answer struct {
	QueryID string
	Text    string

	// Invocations are the dispatched capability requests in order.
	Invocations []dispatch.Result

	// Err is set when a backend call failed. Text then carries the
	// error for the user.
	Err error

	InputTokens  int
	OutputTokens int
}

// Options configures an Engine.
type Options struct {
	Model     string
	System    string
	MaxTokens int

	// ModelTimeout bounds each backend call.
	ModelTimeout time.Duration

	// OnUsage, if set, is called after every successful backend call.
	OnUsage func(ctx context.Context, u Usage)

	Logger *slog.Logger
}

// Engine runs queries against a model backend.
type Engine struct {
	llm     llm.Client
	catalog Catalog
	invoker Invoker
	opts    Options
	logger  *slog.Logger
}

// New creates an engine.
func New(client llm.Client, catalog Catalog, invoker Invoker, opts Options) *Engine {
	if opts.Model == "" {
		opts.Model = config.DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = config.DefaultMaxTokens
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = config.DefaultModelTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		llm:     client,
		catalog: catalog,
		invoker: invoker,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Ask answers query. It never returns an error: backend failures are
// reported in Answer.Text and Answer.Err.
func (e *Engine) Ask(ctx context.Context, query string) Answer {
	queryID := tools.QueryIDFromContext(ctx)
	if queryID == "" {
		queryID = uuid.NewString()
		ctx = tools.WithQueryID(ctx, queryID)
	}
	logger := e.logger.With("query_id", queryID)
	start := time.Now()

	ans := Answer{QueryID: queryID}
	specs := toolSpecs(e.catalog.Snapshot())
	messages := []llm.Message{{Role: llm.RoleUser, Content: query}}

	st := awaitingInitialResponse
	first, err := e.chat(ctx, &ans, st, messages, specs, llm.ToolChoiceAuto)
	if err != nil {
		return e.failed(logger, ans, st, err)
	}

	if len(first.Message.ToolCalls) == 0 {
		ans.Text = joinText(first.Message.Content)
		logger.Info("query answered",
			"invocations", 0,
			"input_tokens", ans.InputTokens,
			"output_tokens", ans.OutputTokens,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return ans
	}

	calls := withIDs(first.Message.ToolCalls)
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		logger.Debug("dispatching capability request", "tool", call.Name, "tool_call_id", call.ID)
		res := e.invoker.Invoke(tools.WithToolCallID(ctx, call.ID), call.Name, call.Arguments)
		ans.Invocations = append(ans.Invocations, res)
		results = append(results, llm.ToolResult{
			ToolCallID: call.ID,
			Content:    res.Output,
			IsError:    res.IsError,
		})
	}

	messages = append(messages,
		llm.Message{Role: llm.RoleAssistant, Content: first.Message.Content, ToolCalls: calls},
		llm.Message{Role: llm.RoleTool, ToolResults: results},
	)

	st = awaitingFinalResponse
	final, err := e.chat(ctx, &ans, st, messages, specs, llm.ToolChoiceNone)
	if err != nil {
		return e.failed(logger, ans, st, err)
	}
	if n := len(final.Message.ToolCalls); n > 0 {
		logger.Warn("ignoring capability requests in final response", "count", n)
	}

	ans.Text = joinText(first.Message.Content, final.Message.Content)
	logger.Info("query answered",
		"invocations", len(ans.Invocations),
		"input_tokens", ans.InputTokens,
		"output_tokens", ans.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return ans
}

// chat makes one bounded backend call and accounts for its tokens.
func (e *Engine) chat(ctx context.Context, ans *Answer, st state, messages []llm.Message, specs []llm.ToolSpec, choice llm.ToolChoice) (*llm.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.ModelTimeout)
	defer cancel()

	resp, err := e.llm.Chat(callCtx, llm.ChatRequest{
		Model:      e.opts.Model,
		System:     e.opts.System,
		MaxTokens:  e.opts.MaxTokens,
		Messages:   messages,
		Tools:      specs,
		ToolChoice: choice,
	})
	if err != nil {
		return nil, err
	}

	ans.InputTokens += resp.InputTokens
	ans.OutputTokens += resp.OutputTokens

	if e.opts.OnUsage != nil {
		model := resp.Model
		if model == "" {
			model = e.opts.Model
		}
		e.opts.OnUsage(ctx, Usage{
			SessionID:    tools.SessionIDFromContext(ctx),
			QueryID:      ans.QueryID,
			Phase:        st.phase(),
			Model:        model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Duration:     resp.Duration,
			Timestamp:    time.Now(),
		})
	}
	return resp, nil
}

func (e *Engine) failed(logger *slog.Logger, ans Answer, st state, err error) Answer {
	logger.Error("model backend call failed", "phase", st.phase(), "error", err)
	ans.Err = fmt.Errorf("%s response: %w", st.phase(), err)
	ans.Text = "Error: " + err.Error()
	return ans
}

// withIDs fills in an ID for any request the backend left unnamed so
// each result can be matched to its request.
func withIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		out[i] = c
	}
	return out
}

func toolSpecs(descs []tools.Descriptor) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(descs))
	for _, d := range descs {
		specs = append(specs, llm.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return specs
}

// joinText joins the non-empty segments with newlines.
func joinText(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return NoResponse
	}
	return strings.Join(kept, "\n")
}

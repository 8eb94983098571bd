package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/switchboard/internal/mcp"
	"github.com/nugget/switchboard/internal/tools"
)

// fakeCaller records calls and returns a canned result.
type fakeCaller struct {
	mu     sync.Mutex
	calls  []string
	args   []map[string]any
	result *mcp.CallResult
	err    error
	block  bool
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("tools/call %s: %w", name, ctx.Err())
	}
	return f.result, f.err
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func textResult(text string, isError bool) *mcp.CallResult {
	return &mcp.CallResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}

var echoSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"message": map[string]any{"type": "string"},
	},
	"required": []any{"message"},
}

func newRegistry(t *testing.T, server string, defs ...mcp.ToolDefinition) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	for _, def := range defs {
		d, err := tools.NewDescriptor(def)
		if err != nil {
			t.Fatalf("NewDescriptor(%s): %v", def.Name, err)
		}
		reg.Register(server, d)
	}
	return reg
}

func locateOnly(server string, c Caller) Locator {
	return func(name string) (Caller, error) {
		if name != server {
			return nil, fmt.Errorf("server %q is not configured", name)
		}
		return c, nil
	}
}

func TestInvoke_Success(t *testing.T) {
	caller := &fakeCaller{result: textResult("hi", false)}
	reg := newRegistry(t, "echo", mcp.ToolDefinition{Name: "echo", InputSchema: echoSchema})
	d := New(reg, locateOnly("echo", caller), Options{})

	res := d.Invoke(context.Background(), "echo", map[string]any{"message": "hi"})
	if res.IsError {
		t.Fatalf("IsError = true, output %q", res.Output)
	}
	if res.Output != "hi" {
		t.Errorf("Output = %q, want %q", res.Output, "hi")
	}
	if res.Server != "echo" || res.Tool != "echo" {
		t.Errorf("Server/Tool = %q/%q", res.Server, res.Tool)
	}
	if caller.callCount() != 1 {
		t.Errorf("calls = %d, want 1", caller.callCount())
	}
}

func TestInvoke_NotRegistered(t *testing.T) {
	caller := &fakeCaller{result: textResult("unused", false)}
	reg := newRegistry(t, "echo", mcp.ToolDefinition{Name: "echo"})
	d := New(reg, locateOnly("echo", caller), Options{})

	res := d.Invoke(context.Background(), "ghost", nil)
	if !res.IsError {
		t.Fatal("IsError = false for unknown capability")
	}
	if !strings.Contains(res.Output, `"ghost" is not registered`) {
		t.Errorf("Output = %q", res.Output)
	}
	if caller.callCount() != 0 {
		t.Error("unknown capability reached a server")
	}
}

func TestInvoke_Unavailable(t *testing.T) {
	reg := newRegistry(t, "echo", mcp.ToolDefinition{Name: "echo"})
	d := New(reg, func(string) (Caller, error) {
		return nil, errors.New("server \"echo\" is failed")
	}, Options{})

	res := d.Invoke(context.Background(), "echo", nil)
	if !res.IsError || !strings.Contains(res.Output, "unavailable") {
		t.Errorf("res = %+v", res)
	}
	if res.Server != "echo" {
		t.Errorf("Server = %q, want echo", res.Server)
	}
}

func TestInvoke_InvalidArguments(t *testing.T) {
	caller := &fakeCaller{result: textResult("unused", false)}
	reg := newRegistry(t, "echo", mcp.ToolDefinition{Name: "echo", InputSchema: echoSchema})
	d := New(reg, locateOnly("echo", caller), Options{})

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing required", map[string]any{}, `missing required property "message"`},
		{"nil args", nil, `missing required property "message"`},
		{"wrong type", map[string]any{"message": 42.0}, "expected string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Invoke(context.Background(), "echo", tt.args)
			if !res.IsError {
				t.Fatal("IsError = false")
			}
			if !strings.HasPrefix(res.Output, `invalid arguments for "echo": `) {
				t.Errorf("Output = %q", res.Output)
			}
			if !strings.Contains(res.Output, tt.want) {
				t.Errorf("Output = %q, want it to mention %q", res.Output, tt.want)
			}
		})
	}
	if caller.callCount() != 0 {
		t.Errorf("invalid arguments reached the server %d times", caller.callCount())
	}
}

func TestInvoke_NilArgsSentAsEmptyObject(t *testing.T) {
	caller := &fakeCaller{result: textResult("12:00", false)}
	reg := newRegistry(t, "clock", mcp.ToolDefinition{Name: "now"})
	d := New(reg, locateOnly("clock", caller), Options{})

	res := d.Invoke(context.Background(), "now", nil)
	if res.IsError {
		t.Fatalf("Output = %q", res.Output)
	}
	if caller.args[0] == nil {
		t.Error("nil arguments passed through; want empty map")
	}
}

func TestInvoke_TransportFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"closed", fmt.Errorf("tools/call echo: %w", mcp.ErrTransportClosed), "connection is closed"},
		{"rpc error", &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "no such tool"}, "server error -32601: no such tool"},
		{"other", errors.New("malformed result"), "malformed result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{err: tt.err}
			reg := newRegistry(t, "echo", mcp.ToolDefinition{Name: "echo"})
			d := New(reg, locateOnly("echo", caller), Options{})

			res := d.Invoke(context.Background(), "echo", nil)
			if !res.IsError {
				t.Fatal("IsError = false")
			}
			if !strings.Contains(res.Output, tt.want) {
				t.Errorf("Output = %q, want substring %q", res.Output, tt.want)
			}
		})
	}
}

func TestInvoke_CallTimeout(t *testing.T) {
	caller := &fakeCaller{block: true}
	reg := newRegistry(t, "slow", mcp.ToolDefinition{Name: "wait"})
	d := New(reg, locateOnly("slow", caller), Options{CallTimeout: 20 * time.Millisecond})

	res := d.Invoke(context.Background(), "wait", nil)
	if !res.IsError || !strings.Contains(res.Output, "timed out") {
		t.Errorf("res = %+v", res)
	}
	if res.Duration < 20*time.Millisecond {
		t.Errorf("Duration = %v, want at least the call timeout", res.Duration)
	}
}

func TestInvoke_Cancelled(t *testing.T) {
	caller := &fakeCaller{block: true}
	reg := newRegistry(t, "slow", mcp.ToolDefinition{Name: "wait"})
	d := New(reg, locateOnly("slow", caller), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	res := d.Invoke(ctx, "wait", nil)
	if !res.IsError || !strings.Contains(res.Output, "cancelled") {
		t.Errorf("res = %+v", res)
	}
}

func TestInvoke_RemoteErrorFlag(t *testing.T) {
	caller := &fakeCaller{result: textResult("disk full", true)}
	reg := newRegistry(t, "fs", mcp.ToolDefinition{Name: "write"})
	d := New(reg, locateOnly("fs", caller), Options{})

	res := d.Invoke(context.Background(), "write", nil)
	if !res.IsError || res.Output != "disk full" {
		t.Errorf("res = %+v", res)
	}
}

type panicCaller struct{}

func (panicCaller) CallTool(context.Context, string, map[string]any) (*mcp.CallResult, error) {
	panic("boom")
}

func TestInvoke_PanicBecomesError(t *testing.T) {
	reg := newRegistry(t, "bad", mcp.ToolDefinition{Name: "explode"})
	d := New(reg, locateOnly("bad", panicCaller{}), Options{})

	res := d.Invoke(context.Background(), "explode", nil)
	if !res.IsError || !strings.Contains(res.Output, "boom") {
		t.Errorf("res = %+v", res)
	}
}

func TestInvoke_OnInvocation(t *testing.T) {
	caller := &fakeCaller{result: textResult("ok", false)}
	reg := newRegistry(t, "echo", mcp.ToolDefinition{Name: "echo"})

	var got []Invocation
	d := New(reg, locateOnly("echo", caller), Options{
		OnInvocation: func(ctx context.Context, inv Invocation) { got = append(got, inv) },
	})

	ctx := tools.WithSessionID(context.Background(), "sess")
	ctx = tools.WithQueryID(ctx, "q1")
	ctx = tools.WithToolCallID(ctx, "call-1")
	d.Invoke(ctx, "echo", nil)
	d.Invoke(ctx, "ghost", nil)

	if len(got) != 2 {
		t.Fatalf("recorded %d invocations, want 2", len(got))
	}
	first := got[0]
	if first.SessionID != "sess" || first.QueryID != "q1" || first.ToolCallID != "call-1" {
		t.Errorf("ids = %+v", first)
	}
	if first.Tool != "echo" || first.Server != "echo" || first.IsError {
		t.Errorf("first = %+v", first)
	}
	if !got[1].IsError || got[1].Server != "" {
		t.Errorf("second = %+v", got[1])
	}
}

func TestNormalize(t *testing.T) {
	image := mcp.ContentBlock{Type: "image", MimeType: "image/png", Data: "iVBOR"}

	tests := []struct {
		name      string
		result    *mcp.CallResult
		want      string
		wantError bool
	}{
		{
			name:   "first text block",
			result: &mcp.CallResult{Content: []mcp.ContentBlock{image, {Type: "text", Text: "a"}, {Type: "text", Text: "b"}}},
			want:   "a",
		},
		{
			name:   "non-text content uses raw JSON",
			result: &mcp.CallResult{Content: []mcp.ContentBlock{image}, Raw: json.RawMessage(`{"content":[{"type":"image"}]}`)},
			want:   `{"content":[{"type":"image"}]}`,
		},
		{
			name:      "non-text content with error flag",
			result:    &mcp.CallResult{Content: []mcp.ContentBlock{image}, IsError: true, Raw: json.RawMessage(`{"x":1}`)},
			want:      `{"x":1}`,
			wantError: true,
		},
		{
			name:      "empty error",
			result:    &mcp.CallResult{IsError: true},
			want:      `capability "t" reported an error`,
			wantError: true,
		},
		{
			name:   "empty success",
			result: &mcp.CallResult{Raw: json.RawMessage(`{"content":[]}`)},
			want:   `{"content":[]}`,
		},
		{
			name:   "empty success without raw",
			result: &mcp.CallResult{Content: []mcp.ContentBlock{}},
			want:   `{"content":[]}`,
		},
		{
			name:      "nil result",
			result:    nil,
			want:      `capability "t" returned no result`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, isErr := Normalize("t", tt.result)
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
			if isErr != tt.wantError {
				t.Errorf("isError = %v, want %v", isErr, tt.wantError)
			}
		})
	}
}

package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"
)

// helperEnv switches the test binary into a stdio tool server. The
// value selects the server's behavior.
const helperEnv = "SWITCHBOARD_MCP_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelperServer(mode, os.Stdin, os.Stdout))
	}
	os.Exit(m.Run())
}

// helperTransport returns a stdio transport running this test binary
// as a tool server in the given mode.
func helperTransport(t *testing.T, mode string, grace time.Duration) *StdioTransport {
	t.Helper()
	tr := NewStdioTransport(StdioConfig{
		Command:       os.Args[0],
		Args:          []string{"-test.run=^$"},
		Env:           []string{helperEnv + "=" + mode},
		ShutdownGrace: grace,
	})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// helperRequest is the server-side view of an incoming frame.
type helperRequest struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// runHelperServer is a small tool server with two tools:
//
//	echo(text)  returns text
//	fail()      returns an error-flagged result
//
// Modes alter its behavior to exercise transport edge cases:
//
//	echo      normal operation
//	noisy     precede every response with junk and a notification
//	slow      answer tools/call after 300ms
//	hang      never answer tools/call
//	exit      exit with status 3 when tools/list arrives
//	stubborn  ignore stdin EOF and keep running
func runHelperServer(mode string, in io.Reader, out io.Writer) int {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	w := bufio.NewWriter(out)

	for scanner.Scan() {
		var req helperRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}

		switch {
		case mode == "exit" && req.Method == "tools/list":
			return 3
		case mode == "hang" && req.Method == "tools/call":
			continue
		case mode == "slow" && req.Method == "tools/call":
			time.Sleep(300 * time.Millisecond)
		case mode == "noisy":
			fmt.Fprintln(w, "server warming up")
			fmt.Fprintln(w, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`)
			fmt.Fprintln(w, `{"jsonrpc":"2.0","id":99999,"result":{}}`)
		}

		w.Write(helperReply(req))
		w.WriteByte('\n')
		w.Flush()
	}

	if mode == "stubborn" {
		time.Sleep(time.Minute)
	}
	return 0
}

// helperReply builds the response frame for one request.
func helperReply(req helperRequest) []byte {
	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result = initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: "helper", Version: "0.1.0"},
			Capabilities:    serverCapabilities{Tools: &struct{}{}},
		}
	case "tools/list":
		result = toolsListResult{Tools: []ToolDefinition{
			{
				Name:        "echo",
				Description: "Echo the text argument",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"text": map[string]any{"type": "string"}},
					"required":   []string{"text"},
				},
			},
			{Name: "fail", Description: "Always fails", InputSchema: map[string]any{"type": "object"}},
		}}
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &p)
		switch p.Name {
		case "echo":
			result = CallResult{Content: []ContentBlock{{Type: "text", Text: fmt.Sprint(p.Arguments["text"])}}}
		case "fail":
			result = CallResult{Content: []ContentBlock{{Type: "text", Text: "boom"}}, IsError: true}
		default:
			rpcErr = &RPCError{Code: CodeInvalidParams, Message: "unknown tool " + p.Name}
		}
	case "ping":
		result = map[string]any{}
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}
	}

	resp := map[string]any{"jsonrpc": jsonrpcVersion, "id": *req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	data, _ := json.Marshal(resp)
	return data
}

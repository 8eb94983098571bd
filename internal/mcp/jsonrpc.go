package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// errEmptyResult is returned by Decode when a response carries neither
// a result nor an error.
var errEmptyResult = errors.New("response has no result")

// Decode unmarshals the result payload into v.
func (r *Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return errEmptyResult
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("malformed result: %w", err)
	}
	return nil
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// inbound is the minimal view of any message a server may send. A
// non-empty Method marks a server-initiated request or notification;
// otherwise the message is a response to one of ours.
type inbound struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// parseInbound classifies one frame. It returns the decoded response
// when the frame answers the request with id want. Frames that are
// server-initiated or answer some other request return (nil, nil) so
// the caller can keep reading.
func parseInbound(frame []byte, want int64) (*Response, error) {
	var msg inbound
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Method != "" {
		return nil, nil
	}
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if resp.ID != want {
		return nil, nil
	}
	return &resp, nil
}

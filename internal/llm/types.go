package llm

import (
	"fmt"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a conversation.
//
// A user message carries Content. An assistant message carries Content
// and any ToolCalls the model made. A tool message carries the
// ToolResults answering the preceding assistant message.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a capability request made by the model.
type ToolCall struct {
	// ID is assigned by the backend and echoed in the matching ToolResult.
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolSpec describes a capability offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolChoice controls whether the model may request capabilities.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide whether to call capabilities.
	ToolChoiceAuto ToolChoice = "auto"

	// ToolChoiceNone forbids capability requests. Tool definitions may
	// still be sent so earlier tool blocks in the conversation resolve.
	ToolChoiceNone ToolChoice = "none"
)

// ChatRequest is one backend call.
type ChatRequest struct {
	Model      string
	System     string
	MaxTokens  int
	Messages   []Message
	Tools      []ToolSpec
	ToolChoice ToolChoice
}

// ChatResponse is the backend's reply, converted at the provider
// boundary into plain Go types.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int

	Duration time.Duration
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model API error %d: %s", e.StatusCode, e.Body)
}

// Package llm defines the provider-neutral completion contract used by
// the generative and agentic executors, with adapters for Anthropic and
// OpenAI backends.
package llm

import (
	"context"
	"encoding/json"

	"github.com/cascadefn/cascadefn/pkg/models"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a model request to run a named tool with JSON input.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult carries the outcome of one executed tool call back to the
// model on the next turn.
type ToolResult struct {
	CallID  string `json:"callId"`
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// Message is one turn of the conversation. Assistant turns may carry
// tool calls; user turns may carry tool results.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a single non-streaming completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
}

// Stop reasons normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response is the model's reply to one Request.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      models.TokenUsage
	Model      string
}

// Provider is a synchronous completion backend.
type Provider interface {
	// Name identifies the backend, e.g. "anthropic" or "openai".
	Name() string

	// Complete sends one request and blocks for the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// DefaultMaxTokens applies when a request leaves MaxTokens unset.
const DefaultMaxTokens = 4096

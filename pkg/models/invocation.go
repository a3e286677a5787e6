package models

import (
	"encoding/json"
	"time"
)

// InvocationStatus is the terminal (or pending) state of an invocation.
type InvocationStatus string

const (
	StatusCompleted InvocationStatus = "completed"
	StatusFailed    InvocationStatus = "failed"
	StatusTimeout   InvocationStatus = "timeout"
	StatusCancelled InvocationStatus = "cancelled"
	StatusPending   InvocationStatus = "pending"
)

// Invocation records one call of a deployed function. Retained for the
// trace retrieval window.
type Invocation struct {
	ExecutionID string           `json:"executionId"`
	FunctionID  string           `json:"functionId"`
	Version     string           `json:"version"`
	Status      InvocationStatus `json:"status"`
	StartedAt   time.Time        `json:"startedAt"`
	EndedAt     time.Time        `json:"endedAt,omitempty"`
}

// TokenUsage aggregates LLM token counters bottom-up: tool call to
// iteration to invocation. Total is always Input + Output.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// NewTokenUsage builds a usage record with the total derived from the
// parts.
func NewTokenUsage(input, output int) TokenUsage {
	return TokenUsage{Input: input, Output: output, Total: input + output}
}

// Add accumulates other into u, keeping Total consistent.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Total = u.Input + u.Output
}

// ToolCallRecord is the trace entry for one tool invocation attempt.
// Every attempted tool call produces exactly one record.
type ToolCallRecord struct {
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMs int64           `json:"durationMs"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

// Iteration is one think-act cycle of an agent. Indices are 1-based and
// gapless within a trace.
type Iteration struct {
	Index          int              `json:"index"`
	TimestampStart time.Time        `json:"timestampStart"`
	DurationMs     int64            `json:"durationMs"`
	Reasoning      string           `json:"reasoning,omitempty"`
	ToolCalls      []ToolCallRecord `json:"toolCalls,omitempty"`
	Tokens         TokenUsage       `json:"tokens"`
}

// AttemptStatus is the outcome of one cascade tier attempt.
type AttemptStatus string

const (
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimeout   AttemptStatus = "timeout"
	AttemptSkipped   AttemptStatus = "skipped"
	AttemptPending   AttemptStatus = "pending"
)

// CascadeAttempt records one tier evaluation within a cascade
// invocation. Attempt indices start at 1.
type CascadeAttempt struct {
	Tier       Tier          `json:"tier"`
	Attempt    int           `json:"attempt"`
	Status     AttemptStatus `json:"status"`
	DurationMs int64         `json:"durationMs"`
	Error      string        `json:"error,omitempty"`
}

// HumanTask is the pending work item created when a cascade reaches the
// human tier.
type HumanTask struct {
	TaskID    string    `json:"taskId"`
	TaskURL   string    `json:"taskUrl"`
	Assignees []string  `json:"assignees,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

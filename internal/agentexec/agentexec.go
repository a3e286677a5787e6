// Package agentexec implements the bounded think-act loop: iterative
// model calls interleaved with tool execution, producing an execution
// trace that is returned complete on success and partial on timeout or
// failure.
package agentexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cascadefn/cascadefn/internal/llm"
	"github.com/cascadefn/cascadefn/internal/prompt"
	"github.com/cascadefn/cascadefn/internal/schema"
	"github.com/cascadefn/cascadefn/internal/tooldispatch"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// ToolRunner executes one tool call. Satisfied by
// *tooldispatch.Dispatcher.
type ToolRunner interface {
	Dispatch(ctx context.Context, tool *models.ToolDefinition, input json.RawMessage) *tooldispatch.Result
}

// Result is the terminal record of one agent run. The trace is always
// populated, partially so on timeout, failure, and cancellation.
type Result struct {
	Status           models.InvocationStatus `json:"status"`
	Output           json.RawMessage         `json:"output,omitempty"`
	GoalAchieved     bool                    `json:"goalAchieved"`
	Iterations       int                     `json:"iterations"`
	Trace            []models.Iteration      `json:"trace"`
	ToolsUsed        []string                `json:"toolsUsed"`
	TotalTokens      models.TokenUsage       `json:"totalTokens"`
	ReasoningSummary string                  `json:"reasoningSummary,omitempty"`
	Error            string                  `json:"error,omitempty"`
	DurationMs       int64                   `json:"durationMs"`
}

// Executor drives agentic functions.
type Executor struct {
	provider llm.Provider
	runner   ToolRunner
	logger   *slog.Logger
}

// New creates an executor.
func New(provider llm.Provider, runner ToolRunner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{provider: provider, runner: runner, logger: logger}
}

// loopState is the mutable per-invocation record.
type loopState struct {
	iteration    int
	trace        []models.Iteration
	toolsUsed    []string
	toolsSeen    map[string]bool
	totalTokens  models.TokenUsage
	reasoning    []string
	messages     []llm.Message
	goalAchieved bool
	output       json.RawMessage
}

func (s *loopState) recordToolUse(name string) {
	if !s.toolsSeen[name] {
		s.toolsSeen[name] = true
		s.toolsUsed = append(s.toolsUsed, name)
	}
}

// Execute runs the loop until a terminal state. Pre-loop validation
// failures (bad goal template, unsatisfiable schema) return an error
// without a Result; everything after the loop starts is reported
// through Result.Status.
func (e *Executor) Execute(ctx context.Context, id string, cfg *models.AgenticConfig, variables map[string]interface{}) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("function %s has no agentic config", id)
	}
	effective := *cfg
	effective.SetDefaults()

	goal, err := prompt.Render(effective.Goal, variables)
	if err != nil {
		return nil, err
	}

	var outputSchema *schema.Schema
	if len(effective.OutputSchema) > 0 {
		outputSchema, err = schema.Compile(effective.OutputSchema)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	deadline := start.Add(effective.Timeout.Std())
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	state := &loopState{
		iteration: 1,
		toolsSeen: make(map[string]bool),
		messages:  []llm.Message{{Role: llm.RoleUser, Text: goal}},
	}
	toolSpecs := buildToolSpecs(effective.Tools)

	for {
		if time.Now().After(deadline) {
			return e.finish(state, &effective, models.StatusTimeout, "", start), nil
		}
		if state.iteration > effective.MaxIterations {
			return e.finish(state, &effective, models.StatusCompleted, "", start), nil
		}

		iter := models.Iteration{
			Index:          state.iteration,
			TimestampStart: time.Now().UTC(),
		}

		resp, err := e.provider.Complete(runCtx, &llm.Request{
			Model:    effective.Model,
			System:   e.systemPrompt(&effective),
			Messages: state.messages,
			Tools:    toolSpecs,
		})
		if err != nil {
			switch {
			case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
				return e.finish(state, &effective, models.StatusCancelled, "execution cancelled by caller", start), nil
			case errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil:
				return e.finish(state, &effective, models.StatusTimeout, "", start), nil
			default:
				return e.finish(state, &effective, models.StatusFailed, err.Error(), start), nil
			}
		}

		iter.Tokens = resp.Usage
		state.totalTokens.Add(resp.Usage)

		if len(resp.ToolCalls) > 0 {
			calls := resp.ToolCalls
			if len(calls) > effective.MaxToolCallsPerIteration {
				calls = calls[:effective.MaxToolCallsPerIteration]
			}
			if effective.EnableReasoning && resp.Text != "" {
				iter.Reasoning = resp.Text
				state.reasoning = append(state.reasoning, resp.Text)
			}

			records, results := e.runToolCalls(runCtx, &effective, calls)
			iter.ToolCalls = records
			for _, record := range records {
				state.recordToolUse(record.ToolName)
			}

			state.messages = append(state.messages,
				llm.Message{Role: llm.RoleAssistant, Text: resp.Text, ToolCalls: calls},
				llm.Message{Role: llm.RoleUser, ToolResults: results},
			)
			e.appendIteration(state, iter)

			// A timeout mid-tools keeps the in-flight records.
			if runCtx.Err() != nil && ctx.Err() == nil {
				return e.finish(state, &effective, models.StatusTimeout, "", start), nil
			}
			continue
		}

		// Final-answer path.
		output, validationErr := parseFinalAnswer(resp.Text, outputSchema)
		if validationErr != nil {
			// Treated like a tool error: feed back and keep going.
			state.messages = append(state.messages,
				llm.Message{Role: llm.RoleAssistant, Text: resp.Text},
				llm.Message{Role: llm.RoleUser, Text: "Your answer did not match the required output schema: " + validationErr.Error() + "\nProduce a corrected final answer."},
			)
			if effective.EnableReasoning && resp.Text != "" {
				iter.Reasoning = resp.Text
				state.reasoning = append(state.reasoning, resp.Text)
			}
			e.appendIteration(state, iter)
			continue
		}

		state.goalAchieved = true
		state.output = output
		if effective.EnableReasoning && resp.Text != "" {
			state.reasoning = append(state.reasoning, "final answer produced")
		}
		e.appendIteration(state, iter)
		return e.finish(state, &effective, models.StatusCompleted, "", start), nil
	}
}

func (e *Executor) appendIteration(state *loopState, iter models.Iteration) {
	iter.DurationMs = time.Since(iter.TimestampStart).Milliseconds()
	state.trace = append(state.trace, iter)
	state.iteration++
}

// maxParallelToolCalls bounds tool concurrency within one iteration.
const maxParallelToolCalls = 4

// runToolCalls executes the iteration's tool calls concurrently and
// returns records in the order the model emitted them.
func (e *Executor) runToolCalls(ctx context.Context, cfg *models.AgenticConfig, calls []llm.ToolCall) ([]models.ToolCallRecord, []llm.ToolResult) {
	records := make([]models.ToolCallRecord, len(calls))
	results := make([]llm.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(maxParallelToolCalls)
	for i, call := range calls {
		g.Go(func() error {
			tool := findTool(cfg.Tools, call.Name)
			var dispatch *tooldispatch.Result
			if tool == nil {
				dispatch = &tooldispatch.Result{Error: fmt.Sprintf("unknown tool %q", call.Name)}
			} else {
				dispatch = e.runner.Dispatch(ctx, tool, call.Input)
			}

			records[i] = models.ToolCallRecord{
				ToolName:   call.Name,
				Input:      call.Input,
				Output:     dispatch.Output,
				DurationMs: dispatch.DurationMs,
				Success:    dispatch.Success,
				Error:      dispatch.Error,
			}
			results[i] = llm.ToolResult{
				CallID:  call.ID,
				IsError: !dispatch.Success,
			}
			if dispatch.Success {
				results[i].Content = string(dispatch.Output)
			} else {
				results[i].Content = dispatch.Error
			}
			return nil
		})
	}
	_ = g.Wait()
	return records, results
}

func (e *Executor) finish(state *loopState, cfg *models.AgenticConfig, status models.InvocationStatus, errMsg string, start time.Time) *Result {
	result := &Result{
		Status:       status,
		Output:       state.output,
		GoalAchieved: state.goalAchieved,
		Iterations:   len(state.trace),
		Trace:        state.trace,
		ToolsUsed:    state.toolsUsed,
		TotalTokens:  state.totalTokens,
		Error:        errMsg,
		DurationMs:   time.Since(start).Milliseconds(),
	}
	if result.Trace == nil {
		result.Trace = []models.Iteration{}
	}
	if result.ToolsUsed == nil {
		result.ToolsUsed = []string{}
	}
	if cfg.EnableReasoning && len(state.reasoning) > 0 {
		result.ReasoningSummary = strings.Join(state.reasoning, "\n")
	}
	if status == models.StatusFailed {
		e.logger.Warn("agent run failed", "iterations", result.Iterations, "error", errMsg)
	}
	return result
}

func (e *Executor) systemPrompt(cfg *models.AgenticConfig) string {
	var b strings.Builder
	b.WriteString(cfg.SystemPrompt)
	if len(cfg.OutputSchema) > 0 {
		b.WriteString("\n\nWhen the goal is achieved, respond with a single JSON value conforming to this JSON Schema, with no surrounding prose:\n")
		b.Write(cfg.OutputSchema)
	}
	return b.String()
}

func buildToolSpecs(tools []models.ToolDefinition) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		inputSchema := tool.InputSchema
		if len(inputSchema) == 0 {
			inputSchema = json.RawMessage(`{"type":"object"}`)
		}
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: inputSchema,
		})
	}
	return specs
}

func findTool(tools []models.ToolDefinition, name string) *models.ToolDefinition {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

// parseFinalAnswer decodes the model's answer. With a schema the
// answer must be valid JSON matching it; without one any text is
// accepted and wrapped as a JSON string when not already JSON.
func parseFinalAnswer(text string, outputSchema *schema.Schema) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))
	}

	if outputSchema == nil {
		if json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed), nil
		}
		encoded, err := json.Marshal(trimmed)
		if err != nil {
			return nil, err
		}
		return encoded, nil
	}

	var value interface{}
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, &schema.ValidationError{
			Violations: []string{fmt.Sprintf("final answer is not valid JSON: %v", err)},
			Err:        err,
		}
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if err := outputSchema.Validate(canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

// Package tooldispatch executes single tool calls on behalf of the
// agentic executor. The dispatcher never propagates failures as errors;
// every call yields a record the agent loop can feed back to the model.
package tooldispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cascadefn/cascadefn/internal/codeexec"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// DefaultToolTimeout bounds one tool call unless the agent's remaining
// budget is smaller.
const DefaultToolTimeout = 30 * time.Second

// maxAPIResponseBytes caps how much of an HTTP tool response is read.
const maxAPIResponseBytes = 1 << 20

// Result is the outcome of one tool call. Success is false on any
// failure; Error then preserves the original failure text.
type Result struct {
	Output     json.RawMessage `json:"output,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// FunctionInvoker runs another deployed function for function-ref
// tools. Implemented by the invocation service; kept narrow so the
// dispatcher does not depend on routing.
type FunctionInvoker interface {
	Invoke(ctx context.Context, functionID string, payload json.RawMessage) (json.RawMessage, error)
}

// Builtin is a registered built-in tool implementation.
type Builtin func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// BuiltinNames is the closed set of dispatchable built-ins. Names
// outside this set fail even if a handler is registered.
var BuiltinNames = map[string]bool{
	"web_search":     true,
	"web_fetch":      true,
	"file_read":      true,
	"file_write":     true,
	"shell_exec":     true,
	"database_query": true,
	"email_send":     true,
	"slack_send":     true,
}

// Dispatcher executes tool calls across all implementation variants.
type Dispatcher struct {
	sandbox  codeexec.Sandbox
	invoker  FunctionInvoker
	client   *http.Client
	builtins map[string]Builtin
	logger   *slog.Logger
}

// Options configures a Dispatcher.
type Options struct {
	// Sandbox runs inline tool code; nil fails inline tools.
	Sandbox codeexec.Sandbox
	// Invoker runs function-ref tools; nil fails them.
	Invoker FunctionInvoker
	// HTTPClient serves api tools; defaults to a plain client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New creates a dispatcher with no built-ins registered.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		sandbox:  opts.Sandbox,
		invoker:  opts.Invoker,
		client:   client,
		builtins: make(map[string]Builtin),
		logger:   logger,
	}
}

// RegisterBuiltin installs a handler for one of the closed built-in
// names. Unknown names are rejected.
func (d *Dispatcher) RegisterBuiltin(name string, fn Builtin) error {
	if !BuiltinNames[name] {
		return fmt.Errorf("unknown builtin %q", name)
	}
	d.builtins[name] = fn
	return nil
}

// Dispatch runs one tool call. The per-call deadline is the smaller of
// DefaultToolTimeout and the remaining budget on ctx. Panics in tool
// implementations are recovered into failed results.
func (d *Dispatcher) Dispatch(ctx context.Context, tool *models.ToolDefinition, input json.RawMessage) (result *Result) {
	start := time.Now()
	result = &Result{}

	timeout := DefaultToolTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		result.Error = "tool call budget exhausted"
		return result
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			result.Success = false
			result.Output = nil
			result.Error = fmt.Sprintf("tool panicked: %v", r)
			d.logger.Error("tool panic recovered", "tool", tool.Name, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	output, err := d.execute(callCtx, tool, input)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Output = output
	return result
}

func (d *Dispatcher) execute(ctx context.Context, tool *models.ToolDefinition, input json.RawMessage) (json.RawMessage, error) {
	switch tool.Implementation {
	case models.ToolInline:
		return d.runInline(ctx, tool, input)
	case models.ToolFunctionRef:
		return d.runFunctionRef(ctx, tool, input)
	case models.ToolAPI:
		return d.runAPI(ctx, tool, input)
	case models.ToolBuiltin:
		return d.runBuiltin(ctx, tool, input)
	default:
		return nil, fmt.Errorf("unknown tool implementation %q", tool.Implementation)
	}
}

func (d *Dispatcher) runInline(ctx context.Context, tool *models.ToolDefinition, input json.RawMessage) (json.RawMessage, error) {
	if d.sandbox == nil {
		return nil, fmt.Errorf("inline tools are not enabled")
	}
	if tool.Code == "" {
		return nil, fmt.Errorf("inline tool %s has no code", tool.Name)
	}
	outcome, err := d.sandbox.Run(ctx, []byte(tool.Code), "handler", input)
	if err != nil {
		return nil, err
	}
	if outcome.Failure != nil {
		return nil, fmt.Errorf("%s", outcome.Failure.Message)
	}
	return outcome.Output, nil
}

func (d *Dispatcher) runFunctionRef(ctx context.Context, tool *models.ToolDefinition, input json.RawMessage) (json.RawMessage, error) {
	if d.invoker == nil {
		return nil, fmt.Errorf("function-ref tools are not enabled")
	}
	if tool.FunctionID == "" {
		return nil, fmt.Errorf("function-ref tool %s names no function", tool.Name)
	}
	return d.invoker.Invoke(ctx, tool.FunctionID, input)
}

func (d *Dispatcher) runAPI(ctx context.Context, tool *models.ToolDefinition, input json.RawMessage) (json.RawMessage, error) {
	if tool.API == nil || tool.API.Endpoint == "" {
		return nil, fmt.Errorf("api tool %s has no endpoint", tool.Name)
	}
	method := strings.ToUpper(tool.API.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet && len(input) > 0 {
		body = bytes.NewReader(input)
	}
	req, err := http.NewRequestWithContext(ctx, method, tool.API.Endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range tool.API.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if json.Valid(raw) {
		return raw, nil
	}
	encoded, err := json.Marshal(string(raw))
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func (d *Dispatcher) runBuiltin(ctx context.Context, tool *models.ToolDefinition, input json.RawMessage) (json.RawMessage, error) {
	name := tool.Builtin
	if name == "" {
		name = tool.Name
	}
	if !BuiltinNames[name] {
		return nil, fmt.Errorf("unknown builtin %q", name)
	}
	fn, ok := d.builtins[name]
	if !ok {
		return nil, fmt.Errorf("builtin %q is not enabled on this deployment", name)
	}
	return fn(ctx, input)
}

package tooldispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cascadefn/cascadefn/internal/codeexec"
	"github.com/cascadefn/cascadefn/pkg/models"
)

type stubSandbox struct {
	outcome *codeexec.RunOutcome
	err     error
}

func (s *stubSandbox) Run(ctx context.Context, code []byte, entryPoint string, payload json.RawMessage) (*codeexec.RunOutcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

type stubInvoker struct {
	output json.RawMessage
	err    error
	gotID  string
}

func (s *stubInvoker) Invoke(ctx context.Context, functionID string, payload json.RawMessage) (json.RawMessage, error) {
	s.gotID = functionID
	return s.output, s.err
}

func TestDispatchInlineSuccess(t *testing.T) {
	d := New(Options{Sandbox: &stubSandbox{outcome: &codeexec.RunOutcome{Output: json.RawMessage(`{"sum":3}`)}}})

	tool := &models.ToolDefinition{Name: "adder", Implementation: models.ToolInline, Code: "module.exports.handler = i => i"}
	result := d.Dispatch(context.Background(), tool, json.RawMessage(`{"a":1,"b":2}`))

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if string(result.Output) != `{"sum":3}` {
		t.Errorf("unexpected output: %s", result.Output)
	}
}

func TestDispatchInlineFailurePreservesMessage(t *testing.T) {
	d := New(Options{Sandbox: &stubSandbox{outcome: &codeexec.RunOutcome{
		Failure: &codeexec.RunFailure{Message: "ENOENT: no such file"},
	}}})

	tool := &models.ToolDefinition{Name: "reader", Implementation: models.ToolInline, Code: "x"}
	result := d.Dispatch(context.Background(), tool, nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "ENOENT") {
		t.Errorf("error code token lost: %s", result.Error)
	}
}

func TestDispatchFunctionRef(t *testing.T) {
	invoker := &stubInvoker{output: json.RawMessage(`"done"`)}
	d := New(Options{Invoker: invoker})

	tool := &models.ToolDefinition{Name: "lookup", Implementation: models.ToolFunctionRef, FunctionID: "customer-lookup"}
	result := d.Dispatch(context.Background(), tool, json.RawMessage(`{"id":7}`))

	if !result.Success {
		t.Fatalf("expected success, got %s", result.Error)
	}
	if invoker.gotID != "customer-lookup" {
		t.Errorf("invoked wrong function: %s", invoker.gotID)
	}
}

func TestDispatchFunctionRefError(t *testing.T) {
	d := New(Options{Invoker: &stubInvoker{err: errors.New("function not found: customer-lookup")}})

	tool := &models.ToolDefinition{Name: "lookup", Implementation: models.ToolFunctionRef, FunctionID: "customer-lookup"}
	result := d.Dispatch(context.Background(), tool, nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "customer-lookup") {
		t.Errorf("identifying token lost: %s", result.Error)
	}
}

func TestDispatchAPIPostsInput(t *testing.T) {
	var gotBody string
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := make([]byte, r.ContentLength)
		r.Body.Read(raw)
		gotBody = string(raw)
		gotHeader = r.Header.Get("X-Auth")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	d := New(Options{})
	tool := &models.ToolDefinition{
		Name:           "notify",
		Implementation: models.ToolAPI,
		API: &models.APIToolConfig{
			Endpoint: server.URL,
			Method:   "POST",
			Headers:  map[string]string{"X-Auth": "secret"},
		},
	}
	result := d.Dispatch(context.Background(), tool, json.RawMessage(`{"msg":"hi"}`))

	if !result.Success {
		t.Fatalf("expected success, got %s", result.Error)
	}
	if gotBody != `{"msg":"hi"}` {
		t.Errorf("unexpected body: %s", gotBody)
	}
	if gotHeader != "secret" {
		t.Errorf("header not forwarded: %s", gotHeader)
	}
	if string(result.Output) != `{"ok":true}` {
		t.Errorf("unexpected output: %s", result.Output)
	}
}

func TestDispatchAPINon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded: code E502")
	}))
	defer server.Close()

	d := New(Options{})
	tool := &models.ToolDefinition{
		Name:           "flaky",
		Implementation: models.ToolAPI,
		API:            &models.APIToolConfig{Endpoint: server.URL, Method: "GET"},
	}
	result := d.Dispatch(context.Background(), tool, nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "502") || !strings.Contains(result.Error, "E502") {
		t.Errorf("status or body token lost: %s", result.Error)
	}
}

func TestDispatchBuiltin(t *testing.T) {
	d := New(Options{})
	if err := d.RegisterBuiltin("web_search", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"results":[]}`), nil
	}); err != nil {
		t.Fatalf("RegisterBuiltin failed: %v", err)
	}

	tool := &models.ToolDefinition{Name: "web_search", Implementation: models.ToolBuiltin}
	result := d.Dispatch(context.Background(), tool, json.RawMessage(`{"q":"go"}`))
	if !result.Success {
		t.Fatalf("expected success, got %s", result.Error)
	}
}

func TestDispatchBuiltinOutsideClosedSet(t *testing.T) {
	d := New(Options{})
	if err := d.RegisterBuiltin("rm_rf", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}); err == nil {
		t.Fatal("registering an unknown builtin must fail")
	}

	tool := &models.ToolDefinition{Name: "rm_rf", Implementation: models.ToolBuiltin}
	result := d.Dispatch(context.Background(), tool, nil)
	if result.Success {
		t.Fatal("expected failure for unknown builtin")
	}
}

func TestDispatchBuiltinNotEnabled(t *testing.T) {
	d := New(Options{})
	tool := &models.ToolDefinition{Name: "shell_exec", Implementation: models.ToolBuiltin}
	result := d.Dispatch(context.Background(), tool, nil)
	if result.Success {
		t.Fatal("expected failure for unregistered builtin")
	}
	if !strings.Contains(result.Error, "shell_exec") {
		t.Errorf("builtin name lost: %s", result.Error)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := New(Options{})
	if err := d.RegisterBuiltin("web_fetch", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	}); err != nil {
		t.Fatalf("RegisterBuiltin failed: %v", err)
	}

	tool := &models.ToolDefinition{Name: "web_fetch", Implementation: models.ToolBuiltin}
	result := d.Dispatch(context.Background(), tool, nil)
	if result == nil {
		t.Fatal("panic must still yield a result record")
	}
	if result.Success {
		t.Fatal("panic must yield a failed result")
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("panic value lost: %s", result.Error)
	}
}

func TestDispatchExhaustedBudget(t *testing.T) {
	d := New(Options{})
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	tool := &models.ToolDefinition{Name: "web_search", Implementation: models.ToolBuiltin}
	result := d.Dispatch(ctx, tool, nil)
	if result.Success {
		t.Fatal("expected failure with exhausted budget")
	}
}

func TestDispatchUnknownImplementation(t *testing.T) {
	d := New(Options{})
	tool := &models.ToolDefinition{Name: "odd", Implementation: "grpc"}
	result := d.Dispatch(context.Background(), tool, nil)
	if result.Success {
		t.Fatal("expected failure for unknown implementation")
	}
}

package codeexec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/cascadefn/cascadefn/pkg/models"
)

type fakeSandbox struct {
	outcome *RunOutcome
	err     error
	ranCode []byte
	calls   int
}

func (s *fakeSandbox) Run(ctx context.Context, code []byte, entryPoint string, payload json.RawMessage) (*RunOutcome, error) {
	s.calls++
	s.ranCode = code
	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

type fakeCompiler struct {
	output []byte
	err    error
	calls  int
}

func (c *fakeCompiler) Compile(ctx context.Context, source []byte, language string) ([]byte, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.output, nil
}

type fakeSink struct {
	stored map[string][]byte
}

func (s *fakeSink) PutCompiled(ctx context.Context, id, version string, compiled []byte) error {
	if s.stored == nil {
		s.stored = make(map[string][]byte)
	}
	s.stored[id+"@"+version] = compiled
	return nil
}

func okOutcome(output string) *RunOutcome {
	return &RunOutcome{Output: json.RawMessage(output)}
}

func TestExecutePrefersPrecompiled(t *testing.T) {
	sandbox := &fakeSandbox{outcome: okOutcome(`42`)}
	compiler := &fakeCompiler{output: []byte("compiled")}
	e := New(sandbox, Options{Compiler: compiler})

	artifact := &models.CodeArtifact{
		Source:   []byte("source"),
		Compiled: []byte("precompiled"),
		Language: "typescript",
	}
	result, err := e.Execute(context.Background(), "fn", "v1", nil, artifact, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Metadata.UsedPrecompiled {
		t.Error("expected usedPrecompiled = true")
	}
	if string(sandbox.ranCode) != "precompiled" {
		t.Errorf("sandbox ran wrong code: %s", sandbox.ranCode)
	}
	if compiler.calls != 0 {
		t.Error("compiler must not run when a precompiled artifact exists")
	}
}

func TestExecuteJavaScriptRunsSourceDirectly(t *testing.T) {
	sandbox := &fakeSandbox{outcome: okOutcome(`1`)}
	e := New(sandbox, Options{})

	artifact := &models.CodeArtifact{Source: []byte("module.exports.handler = () => 1"), Language: "javascript"}
	result, err := e.Execute(context.Background(), "fn", "v1", nil, artifact, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Metadata.UsedPrecompiled || result.Metadata.FallbackReason != "" {
		t.Errorf("unexpected metadata: %+v", result.Metadata)
	}
}

func TestExecuteCompilesOnDemandAndCachesBack(t *testing.T) {
	sandbox := &fakeSandbox{outcome: okOutcome(`1`)}
	compiler := &fakeCompiler{output: []byte("compiled-js")}
	sink := &fakeSink{}
	e := New(sandbox, Options{Compiler: compiler, Sink: sink})

	artifact := &models.CodeArtifact{Source: []byte("const x: number = 1"), Language: "typescript"}
	result, err := e.Execute(context.Background(), "fn", "v2", nil, artifact, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Metadata.UsedPrecompiled {
		t.Error("on-demand compilation must not report usedPrecompiled")
	}
	if string(sandbox.ranCode) != "compiled-js" {
		t.Errorf("sandbox ran wrong code: %s", sandbox.ranCode)
	}
	if string(sink.stored["fn@v2"]) != "compiled-js" {
		t.Error("compilation result was not cached back")
	}
}

func TestExecuteFallsBackToTypeStripping(t *testing.T) {
	sandbox := &fakeSandbox{outcome: okOutcome(`1`)}
	compiler := &fakeCompiler{err: ErrCompilerUnavailable}
	e := New(sandbox, Options{Compiler: compiler})

	artifact := &models.CodeArtifact{Source: []byte("const x: number = 1;"), Language: "typescript"}
	result, err := e.Execute(context.Background(), "fn", "v1", nil, artifact, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Metadata.FallbackReason == "" {
		t.Error("expected fallbackReason to be set")
	}
	if strings.Contains(string(sandbox.ranCode), ": number") {
		t.Errorf("type annotation survived stripping: %s", sandbox.ranCode)
	}
}

func TestExecuteNoCompilerForUnsupportedLanguage(t *testing.T) {
	sandbox := &fakeSandbox{outcome: okOutcome(`1`)}
	e := New(sandbox, Options{})

	artifact := &models.CodeArtifact{Source: []byte("print(1)"), Language: "python"}
	_, err := e.Execute(context.Background(), "fn", "v1", nil, artifact, nil)
	var compileErr *CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if sandbox.calls != 0 {
		t.Error("sandbox must not run without executable code")
	}
}

func TestExecuteRuntimeErrorCapturesStack(t *testing.T) {
	sandbox := &fakeSandbox{outcome: &RunOutcome{
		Failure: &RunFailure{
			Message: "Query too complex",
			Stack:   "Error: Query too complex\n    at handler (bundle.js:1:5)",
		},
		Logs: []string{"starting"},
	}}
	e := New(sandbox, Options{})

	artifact := &models.CodeArtifact{
		Source:    []byte("x"),
		Compiled:  []byte("y"),
		SourceMap: []byte(`{"version":3,"sources":["handler.ts"],"mappings":"AAAA"}`),
	}
	_, err := e.Execute(context.Background(), "fn", "v1", nil, artifact, nil)

	var runtimeErr *RuntimeError
	if !errors.As(err, &runtimeErr) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if runtimeErr.Message != "Query too complex" {
		t.Errorf("unexpected message: %s", runtimeErr.Message)
	}
	if !strings.Contains(runtimeErr.MappedStack, "handler.ts:1:1") {
		t.Errorf("mappedStack missing original position: %s", runtimeErr.MappedStack)
	}
	if len(runtimeErr.Logs) != 1 {
		t.Errorf("expected captured logs, got %v", runtimeErr.Logs)
	}
}

func TestExecuteTimeout(t *testing.T) {
	sandbox := &fakeSandbox{err: context.DeadlineExceeded}
	e := New(sandbox, Options{})

	cfg := &models.CodeConfig{Timeout: models.Duration(1)}
	artifact := &models.CodeArtifact{Source: []byte("x"), Language: "javascript"}
	_, err := e.Execute(context.Background(), "fn", "v1", cfg, artifact, nil)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !strings.Contains(strings.ToLower(timeoutErr.Error()), "timeout") {
		t.Errorf("timeout error must say timeout: %s", timeoutErr.Error())
	}
}

func TestStripTypes(t *testing.T) {
	source := []byte(`interface Input { n: number }
export function handler(input: Input): number {
  const doubled: number = input.n * 2;
  return doubled;
}`)
	stripped := string(stripTypes(source))
	if strings.Contains(stripped, "interface") {
		t.Errorf("interface survived: %s", stripped)
	}
	if strings.Contains(stripped, ": number") || strings.Contains(stripped, ": Input") {
		t.Errorf("annotations survived: %s", stripped)
	}
	if !strings.Contains(stripped, "input.n * 2") {
		t.Errorf("code body damaged: %s", stripped)
	}
}

func TestStripTypesMultipleParams(t *testing.T) {
	source := []byte(`export function add(a: number, b: number, label?: string): number {
  return a + b;
}`)
	stripped := string(stripTypes(source))
	if strings.Contains(stripped, ": number") || strings.Contains(stripped, ": string") {
		t.Errorf("annotations survived: %s", stripped)
	}
	if !strings.Contains(stripped, "add(a, b, label?)") && !strings.Contains(stripped, "add(a, b, label)") {
		t.Errorf("parameter list damaged: %s", stripped)
	}
	if !strings.Contains(stripped, "return a + b;") {
		t.Errorf("code body damaged: %s", stripped)
	}
}

func TestDecodeVLQ(t *testing.T) {
	fields, ok := decodeVLQ("AAAA")
	if !ok || len(fields) != 4 {
		t.Fatalf("decodeVLQ failed: %v %v", fields, ok)
	}
	for i, f := range fields {
		if f != 0 {
			t.Errorf("field %d = %d, want 0", i, f)
		}
	}

	// "C" encodes 1, "D" encodes -1.
	if fields, ok := decodeVLQ("C"); !ok || fields[0] != 1 {
		t.Errorf("decodeVLQ(C) = %v %v", fields, ok)
	}
	if fields, ok := decodeVLQ("D"); !ok || fields[0] != -1 {
		t.Errorf("decodeVLQ(D) = %v %v", fields, ok)
	}
}

func TestRemapStackMultipleLines(t *testing.T) {
	// Line 1 and line 2 both map straight back to handler.ts.
	rawMap := []byte(`{"version":3,"sources":["handler.ts"],"mappings":"AAAA;AACA"}`)
	stack := "Error: boom\n    at inner (bundle.js:2:1)\n    at handler (bundle.js:1:1)"

	mapped := remapStack(stack, rawMap)
	if !strings.Contains(mapped, "handler.ts:2:1") {
		t.Errorf("line 2 not remapped: %s", mapped)
	}
	if !strings.Contains(mapped, "handler.ts:1:1") {
		t.Errorf("line 1 not remapped: %s", mapped)
	}
}

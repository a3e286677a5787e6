package genexec

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cascadefn/cascadefn/internal/cache"
	"github.com/cascadefn/cascadefn/internal/llm"
	"github.com/cascadefn/cascadefn/internal/prompt"
	"github.com/cascadefn/cascadefn/internal/schema"
	"github.com/cascadefn/cascadefn/pkg/models"
)

type fakeProvider struct {
	reply string
	calls int
	last  *llm.Request
	err   error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.calls++
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	resp := &llm.Response{Text: p.reply, StopReason: llm.StopEndTurn, Model: "fake-model"}
	resp.Usage = models.NewTokenUsage(10, 20)
	return resp, nil
}

func sentimentConfig() *models.GenerativeConfig {
	return &models.GenerativeConfig{
		Model:              "fake-model",
		SystemPrompt:       "You classify sentiment.",
		UserPromptTemplate: "Classify: {{text}}",
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"sentiment": {"type": "string", "enum": ["positive", "negative", "neutral"]}
			},
			"required": ["sentiment"]
		}`),
	}
}

func TestExecuteSuccess(t *testing.T) {
	provider := &fakeProvider{reply: `{"sentiment":"positive"}`}
	e := New(provider, nil, nil)

	result, err := e.Execute(context.Background(), "classify", "v1", sentimentConfig(), map[string]interface{}{"text": "great product"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(result.Output) != `{"sentiment":"positive"}` {
		t.Errorf("unexpected output: %s", result.Output)
	}
	if result.Metadata.Cached {
		t.Error("uncached call reported cached")
	}
	if result.Metadata.Tokens.Total != 30 {
		t.Errorf("unexpected token total: %d", result.Metadata.Tokens.Total)
	}
	if result.Metadata.Model != "fake-model" {
		t.Errorf("unexpected model: %s", result.Metadata.Model)
	}
}

func TestExecuteRendersVariablesIntoPrompt(t *testing.T) {
	provider := &fakeProvider{reply: `{"sentiment":"neutral"}`}
	e := New(provider, nil, nil)

	_, err := e.Execute(context.Background(), "classify", "v1", sentimentConfig(), map[string]interface{}{"text": "meh"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	lastMsg := provider.last.Messages[len(provider.last.Messages)-1]
	if lastMsg.Text != "Classify: meh" {
		t.Errorf("unexpected rendered prompt: %s", lastMsg.Text)
	}
}

func TestExecuteMissingVariableFailsBeforeModelCall(t *testing.T) {
	provider := &fakeProvider{reply: `{}`}
	e := New(provider, nil, nil)

	_, err := e.Execute(context.Background(), "classify", "v1", sentimentConfig(), map[string]interface{}{})
	var missing *prompt.MissingVariableError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingVariableError, got %v", err)
	}
	if len(missing.Names) != 1 || missing.Names[0] != "text" {
		t.Errorf("unexpected missing names: %v", missing.Names)
	}
	if provider.calls != 0 {
		t.Errorf("model must not be called, got %d calls", provider.calls)
	}
}

func TestExecuteImpossibleSchemaFailsBeforeModelCall(t *testing.T) {
	provider := &fakeProvider{reply: `{}`}
	e := New(provider, nil, nil)

	cfg := sentimentConfig()
	cfg.OutputSchema = json.RawMessage(`{"type":"number","minimum":10,"maximum":1}`)

	_, err := e.Execute(context.Background(), "classify", "v1", cfg, map[string]interface{}{"text": "x"})
	var compileErr *schema.CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if provider.calls != 0 {
		t.Errorf("model must not be called, got %d calls", provider.calls)
	}
}

func TestExecuteInvalidOutputFailsValidation(t *testing.T) {
	provider := &fakeProvider{reply: `{"sentiment":"ecstatic"}`}
	e := New(provider, nil, nil)

	_, err := e.Execute(context.Background(), "classify", "v1", sentimentConfig(), map[string]interface{}{"text": "x"})
	var validationErr *schema.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestExecuteToleratesMarkdownFences(t *testing.T) {
	provider := &fakeProvider{reply: "```json\n{\"sentiment\":\"negative\"}\n```"}
	e := New(provider, nil, nil)

	result, err := e.Execute(context.Background(), "classify", "v1", sentimentConfig(), map[string]interface{}{"text": "bad"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(result.Output) != `{"sentiment":"negative"}` {
		t.Errorf("unexpected output: %s", result.Output)
	}
}

func TestExecuteCacheHitOnSecondCall(t *testing.T) {
	provider := &fakeProvider{reply: `{"sentiment":"positive"}`}
	e := New(provider, cache.NewResponseCache(cache.Options{}), nil)

	cfg := sentimentConfig()
	cfg.CacheEnabled = true
	cfg.CacheTTL = 300
	vars := map[string]interface{}{"text": "great"}

	first, err := e.Execute(context.Background(), "classify", "v1", cfg, vars)
	if err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	if first.Metadata.Cached {
		t.Error("first call must be a miss")
	}

	second, err := e.Execute(context.Background(), "classify", "v1", cfg, vars)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if !second.Metadata.Cached {
		t.Error("second call must be a hit")
	}
	if string(first.Output) != string(second.Output) {
		t.Errorf("cached output differs: %s vs %s", first.Output, second.Output)
	}
	if second.Metadata.Tokens != first.Metadata.Tokens {
		t.Errorf("hit must report the original completion's tokens: %+v vs %+v", second.Metadata.Tokens, first.Metadata.Tokens)
	}
	if second.Metadata.Tokens.Total != 30 {
		t.Errorf("unexpected token total on hit: %d", second.Metadata.Tokens.Total)
	}
	if provider.calls != 1 {
		t.Errorf("expected exactly 1 model call, got %d", provider.calls)
	}
}

func TestExecuteCacheKeyVariesWithVariables(t *testing.T) {
	provider := &fakeProvider{reply: `{"sentiment":"positive"}`}
	e := New(provider, cache.NewResponseCache(cache.Options{}), nil)

	cfg := sentimentConfig()
	cfg.CacheEnabled = true
	cfg.CacheTTL = 300

	if _, err := e.Execute(context.Background(), "classify", "v1", cfg, map[string]interface{}{"text": "a"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := e.Execute(context.Background(), "classify", "v1", cfg, map[string]interface{}{"text": "b"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("different variables must not share a cache entry, got %d calls", provider.calls)
	}
}

func TestExecutePassesExamplesAsHistory(t *testing.T) {
	provider := &fakeProvider{reply: `{"sentiment":"positive"}`}
	e := New(provider, nil, nil)

	cfg := sentimentConfig()
	cfg.Examples = []models.Example{{
		Input:  json.RawMessage(`"love it"`),
		Output: json.RawMessage(`{"sentiment":"positive"}`),
	}}

	if _, err := e.Execute(context.Background(), "classify", "v1", cfg, map[string]interface{}{"text": "x"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(provider.last.Messages) != 3 {
		t.Fatalf("expected example pair + prompt, got %d messages", len(provider.last.Messages))
	}
	if provider.last.Messages[0].Role != llm.RoleUser || provider.last.Messages[1].Role != llm.RoleAssistant {
		t.Error("example pair roles are wrong")
	}
}

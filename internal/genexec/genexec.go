// Package genexec implements the generative executor: one templated
// model call with structured-output validation and an optional
// digest-keyed response cache.
package genexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cascadefn/cascadefn/internal/cache"
	"github.com/cascadefn/cascadefn/internal/llm"
	"github.com/cascadefn/cascadefn/internal/prompt"
	"github.com/cascadefn/cascadefn/internal/schema"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// Metadata describes how a generative result was produced.
type Metadata struct {
	Model      string            `json:"model"`
	Tokens     models.TokenUsage `json:"tokens"`
	Cached     bool              `json:"cached"`
	LatencyMs  int64             `json:"latencyMs"`
	StopReason string            `json:"stopReason,omitempty"`
}

// Result is a successful generative execution.
type Result struct {
	Output   json.RawMessage `json:"output"`
	Metadata Metadata        `json:"metadata"`
}

// Executor runs generative functions against a model provider.
type Executor struct {
	provider llm.Provider
	cache    *cache.ResponseCache
	logger   *slog.Logger
}

// New creates an executor. A nil cache disables response caching even
// for functions that enable it.
func New(provider llm.Provider, responseCache *cache.ResponseCache, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		provider: provider,
		cache:    responseCache,
		logger:   logger,
	}
}

// Execute performs one generative invocation. Template and schema
// failures are detected before any model call.
func (e *Executor) Execute(ctx context.Context, id, version string, cfg *models.GenerativeConfig, variables map[string]interface{}) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("function %s has no generative config", id)
	}
	start := time.Now()

	rendered, err := prompt.Render(cfg.UserPromptTemplate, variables)
	if err != nil {
		return nil, err
	}

	var compiled *schema.Schema
	if len(cfg.OutputSchema) > 0 {
		compiled, err = schema.Compile(cfg.OutputSchema)
		if err != nil {
			return nil, err
		}
	}

	cacheKey := ""
	if cfg.CacheEnabled && e.cache != nil {
		cacheKey = digest(id, version, rendered, cfg)
		if entry, ok := e.cache.Get(cacheKey); ok {
			e.logger.Debug("generative cache hit", "function_id", id, "version", version)
			return &Result{
				Output: entry.Output,
				Metadata: Metadata{
					Model:     entry.Model,
					Tokens:    entry.Tokens,
					Cached:    true,
					LatencyMs: time.Since(start).Milliseconds(),
				},
			}, nil
		}
	}

	req := e.buildRequest(cfg, rendered)
	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	output, err := parseOutput(resp.Text, compiled)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		ttl := time.Duration(cfg.CacheTTL) * time.Second
		e.cache.Put(cacheKey, output, resp.Model, resp.Usage, ttl)
	}

	return &Result{
		Output: output,
		Metadata: Metadata{
			Model:      resp.Model,
			Tokens:     resp.Usage,
			Cached:     false,
			LatencyMs:  time.Since(start).Milliseconds(),
			StopReason: resp.StopReason,
		},
	}, nil
}

func (e *Executor) buildRequest(cfg *models.GenerativeConfig, userPrompt string) *llm.Request {
	system := cfg.SystemPrompt
	if len(cfg.OutputSchema) > 0 {
		system += "\n\nRespond with a single JSON value conforming to this JSON Schema, with no surrounding prose:\n" + string(cfg.OutputSchema)
	}

	var messages []llm.Message
	for _, example := range cfg.Examples {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Text: string(example.Input)},
			llm.Message{Role: llm.RoleAssistant, Text: string(example.Output)},
		)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Text: userPrompt})

	return &llm.Request{
		Model:       cfg.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// parseOutput extracts the JSON value from the model's reply and
// validates it when a schema is configured. Markdown fences are
// tolerated since models add them despite instructions.
func parseOutput(text string, compiled *schema.Schema) (json.RawMessage, error) {
	trimmed := stripFences(strings.TrimSpace(text))

	var value interface{}
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, &schema.ValidationError{
			Violations: []string{fmt.Sprintf("model output is not valid JSON: %v", err)},
			Err:        err,
		}
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode output: %w", err)
	}
	if compiled != nil {
		if err := compiled.Validate(canonical); err != nil {
			return nil, err
		}
	}
	return canonical, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// digest computes the cache key over everything that shapes the model
// response. Canonical JSON keeps the key stable across field ordering.
func digest(id, version, userPrompt string, cfg *models.GenerativeConfig) string {
	material := struct {
		ID          string          `json:"id"`
		Version     string          `json:"version"`
		Prompt      string          `json:"prompt"`
		Model       string          `json:"model"`
		Temperature *float64        `json:"temperature"`
		Schema      json.RawMessage `json:"schema,omitempty"`
	}{
		ID:          id,
		Version:     version,
		Prompt:      userPrompt,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Schema:      cfg.OutputSchema,
	}
	encoded, _ := json.Marshal(material)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

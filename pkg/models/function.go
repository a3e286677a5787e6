// Package models defines the shared domain types for the function platform:
// function metadata and per-type configuration, invocation records, agent
// execution traces, cascade attempts, and auth principals.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FunctionType identifies the capability class of a deployed function.
type FunctionType string

const (
	// FunctionCode is a sandboxed code function.
	FunctionCode FunctionType = "code"

	// FunctionGenerative is a single templated LLM call.
	FunctionGenerative FunctionType = "generative"

	// FunctionAgentic is a bounded think-act loop with tools.
	FunctionAgentic FunctionType = "agentic"

	// FunctionCascade escalates one logical invocation through tiers.
	FunctionCascade FunctionType = "cascade"
)

// Valid reports whether t is one of the known function types.
func (t FunctionType) Valid() bool {
	switch t {
	case FunctionCode, FunctionGenerative, FunctionAgentic, FunctionCascade:
		return true
	default:
		return false
	}
}

const (
	// MaxFunctionIDLength is the maximum length of a function identifier.
	MaxFunctionIDLength = 128
)

// ErrInvalidFunctionID indicates a function identifier violates the
// allowed format (1-128 chars of [a-zA-Z0-9_-]).
var ErrInvalidFunctionID = errors.New("invalid function identifier")

// ValidateFunctionID checks that id is URL-safe: 1-128 characters drawn
// from [a-zA-Z0-9_-].
func ValidateFunctionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFunctionID)
	}
	if len(id) > MaxFunctionIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidFunctionID, MaxFunctionIDLength)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidFunctionID, c)
		}
	}
	return nil
}

// FunctionMetadata is the durable record for a deployed function. The
// active version always appears in Versions; the versions list is
// append-only and survives rollback.
type FunctionMetadata struct {
	ID            string       `json:"id"`
	Type          FunctionType `json:"type"`
	ActiveVersion string       `json:"activeVersion"`
	Versions      []string     `json:"versions"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Owner         string       `json:"owner,omitempty"`
	Scopes        []string     `json:"scopes,omitempty"`

	// RolledBackFrom records the previously active version after a
	// rollback. Empty otherwise.
	RolledBackFrom string `json:"rolledBackFrom,omitempty"`

	// Exactly one of the following is set, matching Type.
	Code       *CodeConfig       `json:"code,omitempty"`
	Generative *GenerativeConfig `json:"generative,omitempty"`
	Agentic    *AgenticConfig    `json:"agentic,omitempty"`
	Cascade    *CascadeConfig    `json:"cascade,omitempty"`
}

// HasVersion reports whether v appears in the versions list.
func (m *FunctionMetadata) HasVersion(v string) bool {
	for _, existing := range m.Versions {
		if existing == v {
			return true
		}
	}
	return false
}

// Config returns the type-specific configuration block, or nil.
func (m *FunctionMetadata) Config() any {
	switch m.Type {
	case FunctionCode:
		return m.Code
	case FunctionGenerative:
		return m.Generative
	case FunctionAgentic:
		return m.Agentic
	case FunctionCascade:
		return m.Cascade
	}
	return nil
}

// CodeConfig configures a code function.
type CodeConfig struct {
	// Language of the source artifact, e.g. "javascript" or "typescript".
	Language string `json:"language,omitempty"`

	// EntryPoint is the exported handler name. Default: "handler".
	EntryPoint string `json:"entryPoint,omitempty"`

	// Timeout is the per-call wall clock budget. Default: 5s.
	Timeout Duration `json:"timeout,omitempty"`
}

// CodeArtifact is the stored executable form of a code function version.
// Immutable once written.
type CodeArtifact struct {
	Source     []byte `json:"source"`
	Compiled   []byte `json:"compiled,omitempty"`
	SourceMap  []byte `json:"sourceMap,omitempty"`
	Language   string `json:"language,omitempty"`
	EntryPoint string `json:"entryPoint,omitempty"`
}

// Example is a few-shot example attached to a generative function.
type Example struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
}

// GenerativeConfig configures a single-shot LLM function. Immutable
// within a version.
type GenerativeConfig struct {
	Model              string          `json:"model"`
	SystemPrompt       string          `json:"systemPrompt,omitempty"`
	UserPromptTemplate string          `json:"userPromptTemplate"`
	OutputSchema       json.RawMessage `json:"outputSchema,omitempty"`
	Temperature        *float64        `json:"temperature,omitempty"`
	MaxTokens          int             `json:"maxTokens,omitempty"`
	Examples           []Example       `json:"examples,omitempty"`
	CacheEnabled       bool            `json:"cacheEnabled,omitempty"`

	// CacheTTL is the cache entry lifetime in seconds.
	CacheTTL int `json:"cacheTtl,omitempty"`
}

// Agentic defaults applied by SetDefaults.
const (
	DefaultMaxIterations            = 10
	DefaultMaxToolCallsPerIteration = 5
	DefaultAgentTimeout             = 5 * time.Minute
)

// AgenticConfig configures a think-act loop function. Immutable within
// a version.
type AgenticConfig struct {
	Model                    string           `json:"model"`
	SystemPrompt             string           `json:"systemPrompt,omitempty"`
	Goal                     string           `json:"goal"`
	Tools                    []ToolDefinition `json:"tools,omitempty"`
	MaxIterations            int              `json:"maxIterations,omitempty"`
	MaxToolCallsPerIteration int              `json:"maxToolCallsPerIteration,omitempty"`
	EnableReasoning          bool             `json:"enableReasoning,omitempty"`
	EnableMemory             bool             `json:"enableMemory,omitempty"`
	OutputSchema             json.RawMessage  `json:"outputSchema,omitempty"`
	Timeout                  Duration         `json:"timeout,omitempty"`
}

// SetDefaults fills zero-valued limits with platform defaults.
func (c *AgenticConfig) SetDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxToolCallsPerIteration <= 0 {
		c.MaxToolCallsPerIteration = DefaultMaxToolCallsPerIteration
	}
	if c.Timeout <= 0 {
		c.Timeout = Duration(DefaultAgentTimeout)
	}
}

// ToolImplementation selects how a tool definition is executed.
type ToolImplementation string

const (
	// ToolInline executes user-provided code in a sandbox.
	ToolInline ToolImplementation = "inline"

	// ToolFunctionRef invokes another deployed function by id.
	ToolFunctionRef ToolImplementation = "function-ref"

	// ToolAPI performs an HTTP request to a configured endpoint.
	ToolAPI ToolImplementation = "api"

	// ToolBuiltin dispatches to a registered built-in.
	ToolBuiltin ToolImplementation = "builtin"
)

// APIToolConfig configures an api-variant tool.
type APIToolConfig struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// ToolDefinition declares a tool available to an agentic function.
// Names are unique within a function.
type ToolDefinition struct {
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	InputSchema    json.RawMessage    `json:"inputSchema,omitempty"`
	Implementation ToolImplementation `json:"implementation"`

	// Code holds the source for inline tools.
	Code string `json:"code,omitempty"`

	// FunctionID names the target for function-ref tools.
	FunctionID string `json:"functionId,omitempty"`

	// API configures api tools.
	API *APIToolConfig `json:"api,omitempty"`

	// Builtin names a registered built-in for builtin tools.
	Builtin string `json:"builtin,omitempty"`
}

// Tier is one of the four escalation levels of a cascade.
type Tier string

const (
	TierCode       Tier = "code"
	TierGenerative Tier = "generative"
	TierAgentic    Tier = "agentic"
	TierHuman      Tier = "human"
)

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierCode, TierGenerative, TierAgentic, TierHuman:
		return true
	default:
		return false
	}
}

// CascadeTier configures one tier of a cascade.
type CascadeTier struct {
	Tier Tier `json:"tier"`

	// Timeout bounds this tier's attempt; capped by the cascade's
	// remaining global budget at invocation time.
	Timeout Duration `json:"timeout,omitempty"`

	Code       *CodeConfig       `json:"code,omitempty"`
	Source     string            `json:"source,omitempty"`
	Generative *GenerativeConfig `json:"generative,omitempty"`
	Agentic    *AgenticConfig    `json:"agentic,omitempty"`
	Human      *HumanTierConfig  `json:"human,omitempty"`
}

// HumanTierConfig configures the terminal human tier.
type HumanTierConfig struct {
	Assignees []string `json:"assignees,omitempty"`

	// TaskTTL bounds how long the created task stays open.
	TaskTTL Duration `json:"taskTtl,omitempty"`
}

// CascadeConfig configures an ordered tier cascade. Immutable within a
// version.
type CascadeConfig struct {
	Tiers        []CascadeTier `json:"tiers"`
	StartTier    Tier          `json:"startTier,omitempty"`
	SkipTiers    []Tier        `json:"skipTiers,omitempty"`
	TotalTimeout Duration      `json:"totalTimeout,omitempty"`
}

// Package codeexec implements the deterministic code tier: artifact
// preparation, per-call sandbox isolation, and runtime error capture
// with source-map remapping.
package codeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cascadefn/cascadefn/pkg/models"
)

// DefaultTimeout bounds one invocation when the artifact does not
// configure its own budget.
const DefaultTimeout = 5 * time.Second

// DefaultMaxConcurrent caps simultaneous sandboxes.
const DefaultMaxConcurrent = 32

// Metadata describes how a code execution was carried out.
type Metadata struct {
	DurationMs      int64  `json:"durationMs"`
	UsedPrecompiled bool   `json:"usedPrecompiled"`
	FallbackReason  string `json:"fallbackReason,omitempty"`
}

// Result is a successful code execution.
type Result struct {
	Output   json.RawMessage `json:"output"`
	Logs     []string        `json:"logs,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// CompiledSink receives on-demand compilation results for reuse on
// later invocations.
type CompiledSink interface {
	PutCompiled(ctx context.Context, id, version string, compiled []byte) error
}

// Options configures an Executor.
type Options struct {
	// Compiler is the external toolchain; nil means always fall back.
	Compiler Compiler
	// Sink caches on-demand compilations; nil disables caching back.
	Sink CompiledSink
	// MaxConcurrent caps simultaneous sandbox processes.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Executor runs code functions. Stateless across invocations; every
// call gets a fresh sandbox.
type Executor struct {
	sandbox  Sandbox
	compiler Compiler
	sink     CompiledSink
	logger   *slog.Logger
	slots    chan struct{}
}

// New creates an executor around the given sandbox.
func New(sandbox Sandbox, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Executor{
		sandbox:  sandbox,
		compiler: opts.Compiler,
		sink:     opts.Sink,
		logger:   logger,
		slots:    make(chan struct{}, maxConcurrent),
	}
}

// Execute runs the artifact's entry point against payload.
func (e *Executor) Execute(ctx context.Context, id, version string, cfg *models.CodeConfig, artifact *models.CodeArtifact, payload json.RawMessage) (*Result, error) {
	start := time.Now()

	timeout := DefaultTimeout
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout.Std()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-runCtx.Done():
		return nil, &TimeoutError{DurationMs: time.Since(start).Milliseconds()}
	}

	code, meta, err := e.prepare(runCtx, id, version, artifact)
	if err != nil {
		return nil, err
	}

	entryPoint := artifact.EntryPoint
	if cfg != nil && cfg.EntryPoint != "" {
		entryPoint = cfg.EntryPoint
	}

	outcome, err := e.sandbox.Run(runCtx, code, entryPoint, payload)
	elapsed := time.Since(start).Milliseconds()
	meta.DurationMs = elapsed

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{DurationMs: elapsed}
		}
		return nil, err
	}
	if outcome.Failure != nil {
		runtimeErr := &RuntimeError{
			Message:    outcome.Failure.Message,
			Stack:      outcome.Failure.Stack,
			DurationMs: elapsed,
			Logs:       outcome.Logs,
		}
		if len(artifact.SourceMap) > 0 && runtimeErr.Stack != "" {
			runtimeErr.MappedStack = remapStack(runtimeErr.Stack, artifact.SourceMap)
		}
		return nil, runtimeErr
	}

	return &Result{
		Output:   outcome.Output,
		Logs:     outcome.Logs,
		Metadata: meta,
	}, nil
}

// prepare selects the executable form of the artifact: pre-compiled
// first, then on-demand compilation, then type stripping.
func (e *Executor) prepare(ctx context.Context, id, version string, artifact *models.CodeArtifact) ([]byte, Metadata, error) {
	if artifact == nil || len(artifact.Source) == 0 {
		return nil, Metadata{}, fmt.Errorf("no source artifact for %s@%s", id, version)
	}

	if len(artifact.Compiled) > 0 {
		return artifact.Compiled, Metadata{UsedPrecompiled: true}, nil
	}

	language := strings.ToLower(artifact.Language)
	if language == "" || language == "javascript" || language == "js" {
		return artifact.Source, Metadata{}, nil
	}

	if e.compiler != nil {
		compiled, err := e.compiler.Compile(ctx, artifact.Source, artifact.Language)
		if err == nil {
			if e.sink != nil {
				if sinkErr := e.sink.PutCompiled(ctx, id, version, compiled); sinkErr != nil {
					e.logger.Warn("failed to cache compiled artifact", "function_id", id, "version", version, "error", sinkErr)
				}
			}
			return compiled, Metadata{}, nil
		}
		if !errors.Is(err, ErrCompilerUnavailable) {
			return nil, Metadata{}, &CompileError{Message: err.Error(), Err: err}
		}
		e.logger.Warn("compiler unavailable, trying fallback", "function_id", id, "language", artifact.Language)
	}

	if stripSupported(language) {
		return stripTypes(artifact.Source), Metadata{
			FallbackReason: "compiler unavailable; type annotations stripped",
		}, nil
	}
	return nil, Metadata{}, &CompileError{
		Message: fmt.Sprintf("no compiler available for language %q", artifact.Language),
		Err:     ErrCompilerUnavailable,
	}
}

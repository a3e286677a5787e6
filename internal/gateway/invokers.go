package gateway

import (
	"context"
	"encoding/json"

	"github.com/cascadefn/cascadefn/internal/agentexec"
	"github.com/cascadefn/cascadefn/internal/cascade"
	"github.com/cascadefn/cascadefn/internal/codeexec"
	"github.com/cascadefn/cascadefn/internal/genexec"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// CodeInvoker runs code functions. Satisfied by *codeexec.Executor.
type CodeInvoker interface {
	Execute(ctx context.Context, id, version string, cfg *models.CodeConfig, artifact *models.CodeArtifact, payload json.RawMessage) (*codeexec.Result, error)
}

// GenerativeInvoker runs generative functions. Satisfied by
// *genexec.Executor.
type GenerativeInvoker interface {
	Execute(ctx context.Context, id, version string, cfg *models.GenerativeConfig, variables map[string]interface{}) (*genexec.Result, error)
}

// AgenticInvoker runs agentic functions. Satisfied by
// *agentexec.Executor.
type AgenticInvoker interface {
	Execute(ctx context.Context, id string, cfg *models.AgenticConfig, variables map[string]interface{}) (*agentexec.Result, error)
}

// CascadeInvoker runs cascade functions. Satisfied by
// *cascade.Executor.
type CascadeInvoker interface {
	Execute(ctx context.Context, cascadeID, executionID string, cfg *models.CascadeConfig, payload json.RawMessage) (*cascade.Result, error)
}

// Package cascade drives a request through the ordered tier list
// code, generative, agentic, human, escalating on failure or timeout
// under a global deadline.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadefn/cascadefn/internal/agentexec"
	"github.com/cascadefn/cascadefn/internal/codeexec"
	"github.com/cascadefn/cascadefn/internal/genexec"
	"github.com/cascadefn/cascadefn/internal/tasks"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// Default budgets applied when the cascade config leaves them unset.
const (
	DefaultTierTimeout  = 30 * time.Second
	DefaultTotalTimeout = 2 * time.Minute
)

// CodeRunner is the code-tier executor surface.
type CodeRunner interface {
	Execute(ctx context.Context, id, version string, cfg *models.CodeConfig, artifact *models.CodeArtifact, payload json.RawMessage) (*codeexec.Result, error)
}

// GenerativeRunner is the generative-tier executor surface.
type GenerativeRunner interface {
	Execute(ctx context.Context, id, version string, cfg *models.GenerativeConfig, variables map[string]interface{}) (*genexec.Result, error)
}

// AgenticRunner is the agentic-tier executor surface.
type AgenticRunner interface {
	Execute(ctx context.Context, id string, cfg *models.AgenticConfig, variables map[string]interface{}) (*agentexec.Result, error)
}

// Metrics aggregates across all attempted tiers.
type Metrics struct {
	TotalDurationMs int64                 `json:"totalDurationMs"`
	TierDurations   map[models.Tier]int64 `json:"tierDurations"`
	Escalations     int                   `json:"escalations"`
	TotalRetries    int                   `json:"totalRetries"`
	Tokens          models.TokenUsage     `json:"tokens"`
}

// Result is the terminal record of one cascade invocation. Either a
// final output with the tier that produced it, a pending human task,
// or a failure carrying the last tier error.
type Result struct {
	Status       models.InvocationStatus `json:"status"`
	Output       json.RawMessage         `json:"output,omitempty"`
	SuccessTier  models.Tier             `json:"successTier,omitempty"`
	History      []models.CascadeAttempt `json:"history"`
	SkippedTiers []models.Tier           `json:"skippedTiers"`
	Metrics      Metrics                 `json:"metrics"`
	Task         *models.HumanTask       `json:"task,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// Executor runs cascade functions over the tier executors.
type Executor struct {
	code   CodeRunner
	gen    GenerativeRunner
	agent  AgenticRunner
	tasks  *tasks.Store
	logger *slog.Logger
}

// New creates a cascade executor. Any nil runner makes its tier fail
// with a configuration error instead of escalating silently.
func New(code CodeRunner, gen GenerativeRunner, agent AgenticRunner, taskStore *tasks.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{code: code, gen: gen, agent: agent, tasks: taskStore, logger: logger}
}

// tierOutcome is one tier attempt's result before aggregation.
type tierOutcome struct {
	output  json.RawMessage
	status  models.AttemptStatus
	err     string
	tokens  models.TokenUsage
	retries int
}

// Execute drives payload through the configured tiers.
func (e *Executor) Execute(ctx context.Context, cascadeID, executionID string, cfg *models.CascadeConfig, payload json.RawMessage) (*Result, error) {
	if cfg == nil || len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("cascade %s has no tiers", cascadeID)
	}

	start := time.Now()
	totalTimeout := DefaultTotalTimeout
	if cfg.TotalTimeout > 0 {
		totalTimeout = cfg.TotalTimeout.Std()
	}
	deadline := start.Add(totalTimeout)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	variables := decodeVariables(payload)
	active, skipped := planTiers(cfg)

	result := &Result{
		History:      []models.CascadeAttempt{},
		SkippedTiers: skipped,
		Metrics: Metrics{
			TierDurations: make(map[models.Tier]int64),
		},
	}

	var previousTier models.Tier
	var previousError string

	for i, tier := range active {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			result.Status = models.StatusTimeout
			result.Error = "cascade budget exhausted before tier " + string(tier.Tier)
			e.markSkipped(result, active[i:])
			break
		}

		if tier.Tier == models.TierHuman {
			e.markSkipped(result, active[i+1:])
			return e.handOffToHuman(runCtx, executionID, cascadeID, tier, result, start)
		}

		tierVars := withContext(variables, previousTier, previousError)
		tierBudget := DefaultTierTimeout
		if tier.Timeout > 0 {
			tierBudget = tier.Timeout.Std()
		}
		if tierBudget > remaining {
			tierBudget = remaining
		}

		tierStart := time.Now()
		tierCtx, tierCancel := context.WithTimeout(runCtx, tierBudget)
		outcome := e.runTier(tierCtx, cascadeID, tier, payload, tierVars)
		tierCancel()
		elapsed := time.Since(tierStart).Milliseconds()

		result.History = append(result.History, models.CascadeAttempt{
			Tier:       tier.Tier,
			Attempt:    1,
			Status:     outcome.status,
			DurationMs: elapsed,
			Error:      outcome.err,
		})
		result.Metrics.TierDurations[tier.Tier] += elapsed
		result.Metrics.Tokens.Add(outcome.tokens)
		result.Metrics.TotalRetries += outcome.retries

		if outcome.status == models.AttemptCompleted {
			result.Status = models.StatusCompleted
			result.Output = outcome.output
			result.SuccessTier = tier.Tier
			e.markSkipped(result, active[i+1:])
			break
		}

		result.Metrics.Escalations++
		previousTier = tier.Tier
		previousError = outcome.err
		e.logger.Info("cascade escalating",
			"cascade_id", cascadeID, "tier", tier.Tier, "status", outcome.status, "error", outcome.err)
	}

	if result.Status == "" {
		result.Status = models.StatusFailed
		result.Error = previousError
		if result.Error == "" {
			result.Error = "no tier available"
		}
	}
	result.Metrics.TotalDurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func (e *Executor) runTier(ctx context.Context, cascadeID string, tier models.CascadeTier, payload json.RawMessage, variables map[string]interface{}) tierOutcome {
	switch tier.Tier {
	case models.TierCode:
		return e.runCodeTier(ctx, cascadeID, tier, payload)
	case models.TierGenerative:
		return e.runGenerativeTier(ctx, cascadeID, tier, variables)
	case models.TierAgentic:
		return e.runAgenticTier(ctx, cascadeID, tier, variables)
	default:
		return tierOutcome{status: models.AttemptFailed, err: fmt.Sprintf("unknown tier %q", tier.Tier)}
	}
}

func (e *Executor) runCodeTier(ctx context.Context, cascadeID string, tier models.CascadeTier, payload json.RawMessage) tierOutcome {
	if e.code == nil || tier.Source == "" {
		return tierOutcome{status: models.AttemptFailed, err: "code tier is not configured"}
	}
	artifact := &models.CodeArtifact{Source: []byte(tier.Source)}
	if tier.Code != nil {
		artifact.Language = tier.Code.Language
		artifact.EntryPoint = tier.Code.EntryPoint
	}

	res, err := e.code.Execute(ctx, cascadeID, "cascade", tier.Code, artifact, payload)
	if err != nil {
		var timeoutErr *codeexec.TimeoutError
		if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
			return tierOutcome{status: models.AttemptTimeout, err: err.Error()}
		}
		return tierOutcome{status: models.AttemptFailed, err: err.Error()}
	}
	return tierOutcome{status: models.AttemptCompleted, output: res.Output}
}

func (e *Executor) runGenerativeTier(ctx context.Context, cascadeID string, tier models.CascadeTier, variables map[string]interface{}) tierOutcome {
	if e.gen == nil || tier.Generative == nil {
		return tierOutcome{status: models.AttemptFailed, err: "generative tier is not configured"}
	}
	res, err := e.gen.Execute(ctx, cascadeID, "cascade", tier.Generative, variables)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return tierOutcome{status: models.AttemptTimeout, err: "generative tier timeout: " + err.Error()}
		}
		return tierOutcome{status: models.AttemptFailed, err: err.Error()}
	}
	return tierOutcome{status: models.AttemptCompleted, output: res.Output, tokens: res.Metadata.Tokens}
}

func (e *Executor) runAgenticTier(ctx context.Context, cascadeID string, tier models.CascadeTier, variables map[string]interface{}) tierOutcome {
	if e.agent == nil || tier.Agentic == nil {
		return tierOutcome{status: models.AttemptFailed, err: "agentic tier is not configured"}
	}
	res, err := e.agent.Execute(ctx, cascadeID, tier.Agentic, variables)
	if err != nil {
		return tierOutcome{status: models.AttemptFailed, err: err.Error()}
	}

	switch {
	case res.Status == models.StatusCompleted && res.GoalAchieved:
		return tierOutcome{status: models.AttemptCompleted, output: res.Output, tokens: res.TotalTokens}
	case res.Status == models.StatusTimeout:
		return tierOutcome{status: models.AttemptTimeout, err: "agentic tier timeout after " + fmt.Sprintf("%dms", res.DurationMs), tokens: res.TotalTokens}
	default:
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("goal not achieved after %d iterations", res.Iterations)
		}
		return tierOutcome{status: models.AttemptFailed, err: msg, tokens: res.TotalTokens}
	}
}

// handOffToHuman creates the pending task envelope for the terminal
// human tier.
func (e *Executor) handOffToHuman(ctx context.Context, executionID, cascadeID string, tier models.CascadeTier, result *Result, start time.Time) (*Result, error) {
	if e.tasks == nil {
		result.Status = models.StatusFailed
		result.Error = "human tier is not configured"
		result.History = append(result.History, models.CascadeAttempt{
			Tier:    models.TierHuman,
			Attempt: 1,
			Status:  models.AttemptFailed,
			Error:   result.Error,
		})
		result.Metrics.TotalDurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	var assignees []string
	var ttl time.Duration
	if tier.Human != nil {
		assignees = tier.Human.Assignees
		ttl = tier.Human.TaskTTL.Std()
	}

	e.tasks.RecordExecution(ctx, &tasks.Execution{
		ExecutionID: executionID,
		CascadeID:   cascadeID,
		Status:      models.StatusPending,
	})
	task, err := e.tasks.CreateTask(ctx, executionID, assignees, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to create human task: %w", err)
	}

	result.Status = models.StatusPending
	result.Task = task
	// The human tier is accounted for as a pending attempt so every
	// planned tier lands in the history or the skipped list.
	result.History = append(result.History, models.CascadeAttempt{
		Tier:    models.TierHuman,
		Attempt: 1,
		Status:  models.AttemptPending,
	})
	result.Metrics.TotalDurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func (e *Executor) markSkipped(result *Result, rest []models.CascadeTier) {
	for _, tier := range rest {
		result.SkippedTiers = append(result.SkippedTiers, tier.Tier)
	}
}

// planTiers applies startTier and skipTiers to the configured order.
func planTiers(cfg *models.CascadeConfig) (active []models.CascadeTier, skipped []models.Tier) {
	skip := make(map[models.Tier]bool, len(cfg.SkipTiers))
	for _, tier := range cfg.SkipTiers {
		skip[tier] = true
	}

	started := cfg.StartTier == ""
	for _, tier := range cfg.Tiers {
		if !started && tier.Tier == cfg.StartTier {
			started = true
		}
		if !started || skip[tier.Tier] {
			skipped = append(skipped, tier.Tier)
			continue
		}
		active = append(active, tier)
	}
	if skipped == nil {
		skipped = []models.Tier{}
	}
	return active, skipped
}

func decodeVariables(payload json.RawMessage) map[string]interface{} {
	variables := make(map[string]interface{})
	if len(payload) > 0 {
		// Non-object payloads stay reachable as {{input}}.
		if err := json.Unmarshal(payload, &variables); err != nil {
			var value interface{}
			if json.Unmarshal(payload, &value) == nil {
				variables["input"] = value
			}
		}
	}
	return variables
}

// withContext layers the previous tier's failure into the template
// variables for the next tier.
func withContext(variables map[string]interface{}, previousTier models.Tier, previousError string) map[string]interface{} {
	out := make(map[string]interface{}, len(variables)+1)
	for k, v := range variables {
		out[k] = v
	}
	if previousTier != "" {
		out["context"] = map[string]interface{}{
			"previousTier": string(previousTier),
			"previousError": map[string]interface{}{
				"tier":    string(previousTier),
				"message": previousError,
			},
		}
	}
	return out
}

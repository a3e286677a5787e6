package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cascadefn/cascadefn/internal/agentexec"
	"github.com/cascadefn/cascadefn/internal/auth"
	"github.com/cascadefn/cascadefn/internal/tasks"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// maxPayloadBytes bounds invocation payload reads.
const maxPayloadBytes = 10 << 20

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.checkFunctionScopes(w, r, meta) {
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeBadRequest(w, "failed to read payload: "+err.Error())
		return
	}

	start := time.Now()
	switch meta.Type {
	case models.FunctionCode:
		s.invokeCode(w, r, meta, payload, start)
	case models.FunctionGenerative:
		s.invokeGenerative(w, r, meta, payload, start)
	case models.FunctionAgentic:
		s.invokeAgentic(w, r, meta, payload, start)
	case models.FunctionCascade:
		s.invokeCascade(w, r, meta, payload, start)
	default:
		writeBadRequest(w, fmt.Sprintf("function %s has unknown type %q", meta.ID, meta.Type))
	}
}

// checkFunctionScopes enforces the scopes a function declares for its
// own invocation.
func (s *Server) checkFunctionScopes(w http.ResponseWriter, r *http.Request, meta *models.FunctionMetadata) bool {
	if len(meta.Scopes) == 0 {
		return true
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		// Auth is disabled; function scopes are advisory then.
		return true
	}
	for _, scope := range meta.Scopes {
		if !principal.HasScope(scope) {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:   "forbidden",
				Message: "missing required scope " + scope,
			})
			return false
		}
	}
	return true
}

func (s *Server) invokeCode(w http.ResponseWriter, r *http.Request, meta *models.FunctionMetadata, payload []byte, start time.Time) {
	artifact, version, err := s.registry.GetArtifact(r.Context(), meta.ID, "")
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.invokers.Code.Execute(r.Context(), meta.ID, version, meta.Code, artifact, payload)
	s.recordInvocation("code", err == nil, start)
	if err != nil {
		s.appendLog(meta.ID, "ERROR", "invocation failed: "+err.Error())
		writeError(w, err)
		return
	}

	codeMeta := map[string]any{
		"duration":        result.Metadata.DurationMs,
		"runtime":         "node",
		"usedPrecompiled": result.Metadata.UsedPrecompiled,
		"version":         version,
	}
	if result.Metadata.FallbackReason != "" {
		codeMeta["fallbackReason"] = result.Metadata.FallbackReason
	}

	w.Header().Set("X-Duration", fmt.Sprintf("%dms", result.Metadata.DurationMs))
	writeJSON(w, http.StatusOK, map[string]any{
		"output": result.Output,
		"_meta":  codeMeta,
	})
}

func (s *Server) invokeGenerative(w http.ResponseWriter, r *http.Request, meta *models.FunctionMetadata, payload []byte, start time.Time) {
	variables := decodePayloadVariables(payload)

	result, err := s.invokers.Generative.Execute(r.Context(), meta.ID, meta.ActiveVersion, meta.Generative, variables)
	s.recordInvocation("generative", err == nil, start)
	if err != nil {
		s.appendLog(meta.ID, "ERROR", "invocation failed: "+err.Error())
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(result.Metadata.Cached)
	}

	if r.URL.Query().Get("includeMetadata") == "true" {
		writeJSON(w, http.StatusOK, map[string]any{
			"output":   result.Output,
			"metadata": result.Metadata,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": result.Output})
}

func (s *Server) invokeAgentic(w http.ResponseWriter, r *http.Request, meta *models.FunctionMetadata, payload []byte, start time.Time) {
	variables := decodePayloadVariables(payload)

	result, err := s.invokers.Agentic.Execute(r.Context(), meta.ID, meta.Agentic, variables)
	s.recordInvocation("agentic", err == nil, start)
	if err != nil {
		writeError(w, err)
		return
	}

	envelope := buildAgenticEnvelope(meta, result, len(payload))
	writeJSON(w, http.StatusOK, envelope)
}

// buildAgenticEnvelope shapes the agentic invocation response. Timeout
// and failure still return 200 with the partial trace attached.
func buildAgenticEnvelope(meta *models.FunctionMetadata, result *agentexec.Result, inputSize int) map[string]any {
	retries := 0
	for _, iteration := range result.Trace {
		for _, call := range iteration.ToolCalls {
			if !call.Success {
				retries++
			}
		}
	}

	agentic := map[string]any{
		"model":        meta.Agentic.Model,
		"totalTokens":  result.TotalTokens,
		"iterations":   result.Iterations,
		"trace":        result.Trace,
		"toolsUsed":    result.ToolsUsed,
		"goalAchieved": result.GoalAchieved,
	}
	if result.ReasoningSummary != "" {
		agentic["reasoningSummary"] = result.ReasoningSummary
	}

	envelope := map[string]any{
		"executionId":     uuid.NewString(),
		"functionId":      meta.ID,
		"functionVersion": meta.ActiveVersion,
		"status":          result.Status,
		"metrics": map[string]any{
			"durationMs":      result.DurationMs,
			"inputSizeBytes":  inputSize,
			"outputSizeBytes": len(result.Output),
			"retryCount":      retries,
			"tokens":          result.TotalTokens,
		},
		"agenticExecution": agentic,
	}
	if len(result.Output) > 0 {
		envelope["output"] = result.Output
	}
	if result.Error != "" {
		envelope["error"] = result.Error
	}
	return envelope
}

func (s *Server) handleInvokeCascade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if meta.Type != models.FunctionCascade {
		writeBadRequest(w, fmt.Sprintf("function %s is not a cascade", id))
		return
	}
	if !s.checkFunctionScopes(w, r, meta) {
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeBadRequest(w, "failed to read payload: "+err.Error())
		return
	}
	s.invokeCascade(w, r, meta, payload, time.Now())
}

func (s *Server) invokeCascade(w http.ResponseWriter, r *http.Request, meta *models.FunctionMetadata, payload []byte, start time.Time) {
	executionID := uuid.NewString()

	result, err := s.invokers.Cascade.Execute(r.Context(), meta.ID, executionID, meta.Cascade, payload)
	s.recordInvocation("cascade", err == nil, start)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		for _, attempt := range result.History {
			if attempt.Status == models.AttemptFailed || attempt.Status == models.AttemptTimeout {
				s.metrics.RecordEscalation(string(attempt.Tier))
			}
			s.metrics.RecordTierAttempt(string(attempt.Tier), string(attempt.Status),
				float64(attempt.DurationMs)/1000)
		}
	}

	if result.Status == models.StatusPending && result.Task != nil {
		// The executor already recorded the pending execution.
		assignees := result.Task.Assignees
		if assignees == nil {
			assignees = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "pending",
			"taskId":    result.Task.TaskID,
			"taskUrl":   result.Task.TaskURL,
			"tier":      "human",
			"assignees": assignees,
			"expiresAt": result.Task.ExpiresAt,
		})
		return
	}

	if s.tasks != nil {
		s.tasks.RecordExecution(r.Context(), &tasks.Execution{
			ExecutionID: executionID,
			CascadeID:   meta.ID,
			Status:      result.Status,
			Result:      result.Output,
		})
	}

	envelope := map[string]any{
		"executionId":  executionID,
		"status":       result.Status,
		"history":      result.History,
		"skippedTiers": result.SkippedTiers,
		"metrics": map[string]any{
			"totalDurationMs": result.Metrics.TotalDurationMs,
			"tierDurations":   result.Metrics.TierDurations,
			"escalations":     result.Metrics.Escalations,
			"totalRetries":    result.Metrics.TotalRetries,
			"tokens":          result.Metrics.Tokens,
		},
	}
	if len(result.Output) > 0 {
		envelope["output"] = result.Output
	}
	if result.SuccessTier != "" {
		envelope["successTier"] = result.SuccessTier
	}
	if result.Error != "" {
		envelope["error"] = result.Error
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (s *Server) recordInvocation(functionType string, ok bool, start time.Time) {
	if s.metrics == nil {
		return
	}
	status := "completed"
	if !ok {
		status = "failed"
	}
	s.metrics.RecordInvocation(functionType, status, time.Since(start).Seconds())
}

func (s *Server) appendLog(functionID, level, message string) {
	if s.logs != nil {
		s.logs.Append(functionID, level, message)
	}
}

// decodePayloadVariables turns an invocation payload into template
// variables. Object payloads map directly; anything else is reachable
// as {{input}}.
func decodePayloadVariables(payload []byte) map[string]interface{} {
	variables := make(map[string]interface{})
	if len(payload) == 0 {
		return variables
	}
	if err := json.Unmarshal(payload, &variables); err != nil {
		var value interface{}
		if json.Unmarshal(payload, &value) == nil {
			variables["input"] = value
		}
	}
	return variables
}

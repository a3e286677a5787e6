package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cascadefn/cascadefn/internal/registry"
	"github.com/cascadefn/cascadefn/internal/schema"
	"github.com/cascadefn/cascadefn/internal/tasks"
	"github.com/cascadefn/cascadefn/internal/tooldispatch"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// deployRequest is the body of POST /api/functions and /api/cascades.
type deployRequest struct {
	ID      string              `json:"id"`
	Type    models.FunctionType `json:"type"`
	Version string              `json:"version"`
	Owner   string              `json:"owner,omitempty"`
	Scopes  []string            `json:"scopes,omitempty"`

	Source    string `json:"source,omitempty"`
	Compiled  string `json:"compiled,omitempty"`
	SourceMap string `json:"sourceMap,omitempty"`

	Code       *models.CodeConfig       `json:"code,omitempty"`
	Generative *models.GenerativeConfig `json:"generative,omitempty"`
	Agentic    *models.AgenticConfig    `json:"agentic,omitempty"`
	Cascade    *models.CascadeConfig    `json:"cascade,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	s.deploy(w, r, &req)
}

// handleDeployCascade accepts cascade-only deploys; the type field may
// be omitted.
func (s *Server) handleDeployCascade(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Type == "" {
		req.Type = models.FunctionCascade
	}
	if req.Type != models.FunctionCascade {
		writeBadRequest(w, "cascade endpoint only deploys cascade functions")
		return
	}
	s.deploy(w, r, &req)
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request, req *deployRequest) {
	if req.Version == "" {
		writeBadRequest(w, "version is required")
		return
	}
	if !req.Type.Valid() {
		writeBadRequest(w, fmt.Sprintf("unknown function type %q", req.Type))
		return
	}
	if err := validateTypeConfig(req); err != nil {
		writeError(w, err)
		return
	}

	dep := registry.Deployment{
		Type:       req.Type,
		Owner:      req.Owner,
		Scopes:     req.Scopes,
		Code:       req.Code,
		Generative: req.Generative,
		Agentic:    req.Agentic,
		Cascade:    req.Cascade,
	}
	if req.Source != "" {
		dep.Source = []byte(req.Source)
	}
	if req.Compiled != "" {
		dep.Compiled = []byte(req.Compiled)
	}
	if req.SourceMap != "" {
		dep.SourceMap = []byte(req.SourceMap)
	}

	meta, err := s.registry.Deploy(r.Context(), req.ID, req.Version, dep)
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("function deployed",
		"function_id", meta.ID, "version", req.Version, "type", meta.Type)
	if s.logs != nil {
		s.logs.Append(meta.ID, "INFO", "deployed version "+req.Version)
	}
	writeJSON(w, http.StatusOK, meta)
}

// validateTypeConfig rejects configs that would fail on every
// invocation: absent required fields, schemas that cannot be satisfied,
// tools outside the builtin set.
func validateTypeConfig(req *deployRequest) error {
	switch req.Type {
	case models.FunctionCode:
		if req.Source == "" && req.Compiled == "" {
			return &badConfigError{"code functions require source"}
		}
	case models.FunctionGenerative:
		if req.Generative == nil || req.Generative.UserPromptTemplate == "" {
			return &badConfigError{"generative functions require a userPromptTemplate"}
		}
		if len(req.Generative.OutputSchema) > 0 {
			if _, err := schema.Compile(req.Generative.OutputSchema); err != nil {
				return err
			}
		}
	case models.FunctionAgentic:
		if req.Agentic == nil || req.Agentic.Goal == "" {
			return &badConfigError{"agentic functions require a goal"}
		}
		if len(req.Agentic.OutputSchema) > 0 {
			if _, err := schema.Compile(req.Agentic.OutputSchema); err != nil {
				return err
			}
		}
		for _, tool := range req.Agentic.Tools {
			if tool.Implementation == models.ToolBuiltin && !tooldispatch.BuiltinNames[tool.Builtin] {
				return &badConfigError{fmt.Sprintf("unknown builtin tool %q", tool.Builtin)}
			}
		}
	case models.FunctionCascade:
		if req.Cascade == nil || len(req.Cascade.Tiers) == 0 {
			return &badConfigError{"cascade functions require at least one tier"}
		}
		for _, tier := range req.Cascade.Tiers {
			if !tier.Tier.Valid() {
				return &badConfigError{fmt.Sprintf("unknown tier %q", tier.Tier)}
			}
		}
	}
	return nil
}

// badConfigError is a deploy-time configuration rejection.
type badConfigError struct{ reason string }

func (e *badConfigError) Error() string { return e.reason }

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	metas, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": metas})
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	meta, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("function deleted", "function_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if body.Version == "" {
		writeBadRequest(w, "version is required")
		return
	}

	id := chi.URLParam(r, "id")
	meta, err := s.registry.Rollback(r.Context(), id, body.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("function rolled back",
		"function_id", id, "version", body.Version)
	if s.logs != nil {
		s.logs.Append(id, "INFO", "rolled back to version "+body.Version)
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be RFC3339")
			return
		}
		since = parsed
	}

	entries := s.logs.Query(id, limit, since)
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Output json.RawMessage `json:"output"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	exec, err := s.tasks.CompleteTask(r.Context(), chi.URLParam(r, "taskID"), body.Output)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.tasks.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if exec.CascadeID != chi.URLParam(r, "id") {
		// Executions are scoped to the cascade that created them.
		writeError(w, tasks.ErrExecutionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

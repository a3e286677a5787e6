package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cascadefn/cascadefn/internal/codeexec"
	"github.com/cascadefn/cascadefn/internal/llm"
	"github.com/cascadefn/cascadefn/internal/prompt"
	"github.com/cascadefn/cascadefn/internal/registry"
	"github.com/cascadefn/cascadefn/internal/schema"
	"github.com/cascadefn/cascadefn/internal/tasks"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error       string `json:"error"`
	Message     string `json:"message,omitempty"`
	Stack       string `json:"stack,omitempty"`
	MappedStack string `json:"mappedStack,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErrorBody(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

// writeError maps domain errors to their HTTP representation.
func writeError(w http.ResponseWriter, err error) {
	var (
		badCfg     *badConfigError
		missingVar *prompt.MissingVariableError
		compileErr *schema.CompileError
		schemaErr  *schema.ValidationError
		runtimeErr *codeexec.RuntimeError
		timeoutErr *codeexec.TimeoutError
		codeComp   *codeexec.CompileError
		upstream   *llm.UpstreamError
	)

	switch {
	case errors.Is(err, models.ErrInvalidFunctionID):
		writeErrorBody(w, http.StatusBadRequest, errorBody{Error: "InvalidIdentifier", Message: err.Error()})
	case errors.Is(err, registry.ErrDuplicateVersion):
		writeErrorBody(w, http.StatusConflict, errorBody{Error: "DuplicateVersion", Message: err.Error()})
	case errors.Is(err, registry.ErrVersionNotFound):
		writeErrorBody(w, http.StatusBadRequest, errorBody{Error: "VersionNotFound", Message: err.Error()})
	case errors.Is(err, registry.ErrFunctionNotFound):
		writeErrorBody(w, http.StatusNotFound, errorBody{Error: "FunctionNotFound", Message: err.Error()})
	case errors.Is(err, tasks.ErrExecutionNotFound), errors.Is(err, tasks.ErrTaskNotFound):
		writeErrorBody(w, http.StatusNotFound, errorBody{Error: "NotFound", Message: err.Error()})
	case errors.Is(err, tasks.ErrTaskClosed):
		writeErrorBody(w, http.StatusConflict, errorBody{Error: "TaskClosed", Message: err.Error()})
	case errors.As(err, &badCfg):
		writeErrorBody(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: err.Error()})
	case errors.As(err, &missingVar):
		writeErrorBody(w, http.StatusBadRequest, errorBody{Error: "MissingVariable", Message: err.Error()})
	case errors.As(err, &compileErr):
		writeErrorBody(w, http.StatusBadRequest, errorBody{Error: "ImpossibleSchema", Message: err.Error()})
	case errors.As(err, &schemaErr):
		// Model output failed validation; the request itself was fine.
		writeErrorBody(w, http.StatusBadGateway, errorBody{Error: "SchemaValidationError", Message: err.Error()})
	case errors.As(err, &runtimeErr):
		writeErrorBody(w, http.StatusInternalServerError, errorBody{
			Error:       "RuntimeError",
			Message:     runtimeErr.Message,
			Stack:       runtimeErr.Stack,
			MappedStack: runtimeErr.MappedStack,
		})
	case errors.As(err, &timeoutErr):
		writeErrorBody(w, http.StatusGatewayTimeout, errorBody{Error: "Timeout", Message: err.Error()})
	case errors.As(err, &codeComp):
		writeErrorBody(w, http.StatusBadRequest, errorBody{Error: "CompileError", Message: err.Error()})
	case errors.As(err, &upstream):
		writeErrorBody(w, http.StatusBadGateway, errorBody{Error: "UpstreamError", Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeErrorBody(w, http.StatusGatewayTimeout, errorBody{Error: "Timeout", Message: err.Error()})
	default:
		writeErrorBody(w, http.StatusInternalServerError, errorBody{Error: "InternalError", Message: err.Error()})
	}
}

// writeBadRequest reports malformed or incomplete request bodies.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeErrorBody(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: message})
}

package codeexec

import (
	"errors"
	"fmt"
)

// ErrCompilerUnavailable signals the external compiler cannot be
// reached; the executor falls back to type stripping when the language
// permits.
var ErrCompilerUnavailable = errors.New("compiler unavailable")

// RuntimeError captures an uncaught error thrown by user code.
type RuntimeError struct {
	Message     string   `json:"message"`
	Stack       string   `json:"stack,omitempty"`
	MappedStack string   `json:"mappedStack,omitempty"`
	DurationMs  int64    `json:"durationMs"`
	Logs        []string `json:"logs,omitempty"`
}

func (e *RuntimeError) Error() string {
	return "runtime error: " + e.Message
}

// TimeoutError is returned when the sandbox exceeds its budget. The
// sandbox process is terminated before this is returned.
type TimeoutError struct {
	DurationMs int64 `json:"durationMs"`
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timeout after %dms", e.DurationMs)
}

// CompileError reports source that could not be prepared for
// execution by either the compiler or the fallback transformer.
type CompileError struct {
	Message string
	Err     error
}

func (e *CompileError) Error() string {
	return "compilation failed: " + e.Message
}

func (e *CompileError) Unwrap() error { return e.Err }

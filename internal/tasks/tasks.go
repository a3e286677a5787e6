// Package tasks tracks human-tier tasks and cascade execution records
// for status polling.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cascadefn/cascadefn/pkg/models"
)

// Sentinel errors for task and execution lookups.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrTaskClosed        = errors.New("task already closed")
)

// Execution is a cascade invocation record, kept so callers can poll
// pending human-tier work.
type Execution struct {
	ExecutionID string                  `json:"executionId"`
	CascadeID   string                  `json:"cascadeId"`
	Status      models.InvocationStatus `json:"status"`
	Result      json.RawMessage         `json:"result,omitempty"`
	Task        *models.HumanTask       `json:"task,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// Store holds human tasks and execution records in memory. Safe for
// concurrent use.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*models.HumanTask
	taskToExec map[string]string
	executions map[string]*Execution

	// baseURL prefixes generated task URLs.
	baseURL string
}

// NewStore creates an empty store. baseURL may be empty; task URLs are
// then rooted paths.
func NewStore(baseURL string) *Store {
	return &Store{
		tasks:      make(map[string]*models.HumanTask),
		taskToExec: make(map[string]string),
		executions: make(map[string]*Execution),
		baseURL:    baseURL,
	}
}

// RecordExecution stores or replaces an execution record.
func (s *Store) RecordExecution(ctx context.Context, exec *Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	s.executions[exec.ExecutionID] = exec
}

// GetExecution returns a snapshot of the record for executionID. The
// copy keeps callers from racing with later status updates.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	snapshot := *exec
	return &snapshot, nil
}

// CreateTask opens a human task bound to an execution and marks the
// execution pending.
func (s *Store) CreateTask(ctx context.Context, executionID string, assignees []string, ttl time.Duration) (*models.HumanTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}

	taskID := uuid.NewString()
	task := &models.HumanTask{
		TaskID:    taskID,
		TaskURL:   s.baseURL + "/api/tasks/" + taskID,
		Assignees: assignees,
	}
	if ttl > 0 {
		task.ExpiresAt = time.Now().UTC().Add(ttl)
	}

	s.tasks[taskID] = task
	s.taskToExec[taskID] = executionID
	exec.Status = models.StatusPending
	exec.Task = task
	exec.UpdatedAt = time.Now().UTC()
	return task, nil
}

// GetTask returns the open or closed task with taskID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.HumanTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// CompleteTask resolves a pending task with a human-provided output and
// flips its execution to completed.
func (s *Store) CompleteTask(ctx context.Context, taskID string, output json.RawMessage) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execID, ok := s.taskToExec[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	exec := s.executions[execID]
	if exec.Status != models.StatusPending {
		return nil, ErrTaskClosed
	}
	task := s.tasks[taskID]
	if task != nil && !task.ExpiresAt.IsZero() && time.Now().UTC().After(task.ExpiresAt) {
		return nil, ErrTaskClosed
	}

	exec.Status = models.StatusCompleted
	exec.Result = output
	exec.UpdatedAt = time.Now().UTC()
	snapshot := *exec
	return &snapshot, nil
}

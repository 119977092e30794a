// Package workflow executes ordered, dependency-linked steps against remote
// peers registered in the client registry.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-mcp/backend/internal/events"
	"fleet-mcp/backend/internal/logging"
	"fleet-mcp/backend/pkg/models"
)

var (
	// ErrExecutionNotFound is returned for status queries on unknown ids.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrNoSteps is returned when a workflow is submitted without steps.
	ErrNoSteps = errors.New("workflow has no steps")
	// ErrPeerUnavailable is returned by the distributed pre-flight check when
	// a referenced peer is not connected. No step has run at that point.
	ErrPeerUnavailable = errors.New("workflow peer not connected")
)

// ToolInvoker is the slice of the client registry the engine depends on.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, clientID, tool string, params map[string]interface{}, correlationID string) (*models.InvokeResult, error)
	ResolveTool(tool string) (string, bool)
	Connected(clientID string) bool
}

// Config holds construction options for the Engine.
type Config struct {
	Invoker ToolInvoker
	Sink    events.Sink     // Optional, defaults to events.Discard
	Logger  *logging.Logger // Optional
}

// Engine drives workflow executions. Each execution runs on its own
// goroutine; steps within one execution are strictly sequential.
type Engine struct {
	mu         sync.RWMutex
	executions map[string]*execution

	invoker ToolInvoker
	sink    events.Sink
	logger  *logging.Logger
}

// execution is the engine-owned record of one run. Only the goroutine driving
// the run mutates it; snapshots are served from copies.
type execution struct {
	mu          sync.Mutex
	record      models.Execution
	distributed bool
}

// NewEngine creates an Engine on top of the given invoker.
func NewEngine(cfg Config) *Engine {
	sink := cfg.Sink
	if sink == nil {
		sink = events.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Engine{
		executions: make(map[string]*execution),
		invoker:    cfg.Invoker,
		sink:       sink,
		logger:     logger.With("workflow"),
	}
}

// Execute runs the steps strictly in order against their target peers and
// returns the execution id immediately.
func (e *Engine) Execute(steps []models.Step) (string, error) {
	return e.submit(steps, false)
}

// ExecuteDistributed validates that every referenced peer is connected before
// any step runs, then executes with dependency propagation enabled. A failed
// pre-flight returns an error with zero steps executed and zero side effects.
func (e *Engine) ExecuteDistributed(steps []models.Step) (string, error) {
	if len(steps) == 0 {
		return "", ErrNoSteps
	}
	for _, step := range steps {
		clientID, explicit := step.Target.Explicit()
		if !explicit {
			resolved, ok := e.invoker.ResolveTool(step.Tool)
			if !ok {
				return "", fmt.Errorf("step %q tool %q: %w", step.Name, step.Tool, ErrPeerUnavailable)
			}
			clientID = resolved
		}
		if !e.invoker.Connected(clientID) {
			return "", fmt.Errorf("step %q peer %q: %w", step.Name, clientID, ErrPeerUnavailable)
		}
	}
	return e.submit(steps, true)
}

// Status returns a snapshot of the execution. Terminal snapshots never change.
func (e *Engine) Status(id string) (*models.Execution, error) {
	e.mu.RLock()
	ex, ok := e.executions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("execution %q: %w", id, ErrExecutionNotFound)
	}
	return ex.snapshot(), nil
}

// Executions returns snapshots of all known executions.
func (e *Engine) Executions() []*models.Execution {
	e.mu.RLock()
	all := make([]*execution, 0, len(e.executions))
	for _, ex := range e.executions {
		all = append(all, ex)
	}
	e.mu.RUnlock()

	snaps := make([]*models.Execution, 0, len(all))
	for _, ex := range all {
		snaps = append(snaps, ex.snapshot())
	}
	return snaps
}

func (e *Engine) submit(steps []models.Step, distributed bool) (string, error) {
	if len(steps) == 0 {
		return "", ErrNoSteps
	}

	ex := &execution{
		record: models.Execution{
			ID:        uuid.New().String(),
			Steps:     copySteps(steps),
			Status:    models.ExecutionRunning,
			Results:   make(map[string]*models.InvokeResult),
			StartedAt: time.Now(),
		},
		distributed: distributed,
	}

	e.mu.Lock()
	e.executions[ex.record.ID] = ex
	e.mu.Unlock()

	e.logger.Info("execution %s started (%d steps, distributed=%v)", ex.record.ID, len(steps), distributed)
	e.sink.Publish(events.New(events.TypeWorkflowStarted, ex.record.ID, "info", map[string]interface{}{
		"steps":       len(steps),
		"distributed": distributed,
	}))

	go e.run(ex)
	return ex.record.ID, nil
}

func (e *Engine) run(ex *execution) {
	total := len(ex.record.Steps)
	for i := 0; i < total; i++ {
		step := ex.stepAt(i)

		clientID, explicit := step.Target.Explicit()
		if !explicit {
			resolved, ok := e.invoker.ResolveTool(step.Tool)
			if !ok {
				e.fail(ex, i, fmt.Sprintf("no connected peer provides tool %q for step %q", step.Tool, step.Name))
				return
			}
			clientID = resolved
		}

		result, err := e.invoker.InvokeTool(context.Background(), clientID, step.Tool, step.Parameters, "")
		if err != nil {
			e.fail(ex, i, fmt.Sprintf("step %q: %v", step.Name, err))
			return
		}

		ex.recordResult(i, step.Name, result)
		e.sink.Publish(events.New(events.TypeWorkflowStep, ex.record.ID, "info", map[string]interface{}{
			"step":    step.Name,
			"index":   i,
			"client":  clientID,
			"success": result.Success,
		}))

		if !result.Success {
			e.fail(ex, i, fmt.Sprintf("step %q failed: %s", step.Name, result.Error))
			return
		}

		if ex.distributed && step.OutputTo != "" {
			ex.propagate(i, step.Name, step.OutputTo, result.Data)
		}
	}

	ex.complete()
	e.logger.Info("execution %s completed", ex.record.ID)
	e.sink.Publish(events.New(events.TypeWorkflowCompleted, ex.record.ID, "info", nil))
}

func (e *Engine) fail(ex *execution, index int, reason string) {
	ex.fail(index, reason)
	e.logger.Error("execution %s failed at step %d: %s", ex.record.ID, index, reason)
	e.sink.Publish(events.New(events.TypeWorkflowFailed, ex.record.ID, "error", map[string]interface{}{
		"failed_step_index": index,
		"reason":            reason,
	}))
}

// stepAt returns a copy of the step at index i. Parameters are copied so the
// invocation sees the propagated values as of this point in the run.
func (ex *execution) stepAt(i int) models.Step {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.record.CurrentStepIndex = i
	step := ex.record.Steps[i]
	step.Parameters = copyParams(step.Parameters)
	return step
}

func (ex *execution) recordResult(i int, name string, result *models.InvokeResult) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	r := *result
	ex.record.Results[name] = &r
}

// propagate writes the completed step's data into the parameter map of every
// later step that depends on it, under the producer's outputTo key. This is a
// forward, positional, single-pass propagation by array order: steps earlier
// in the array are never revisited, even if they declare the dependency.
func (ex *execution) propagate(i int, name, outputTo string, data interface{}) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	for j := i + 1; j < len(ex.record.Steps); j++ {
		for _, dep := range ex.record.Steps[j].DependsOn {
			if dep != name {
				continue
			}
			if ex.record.Steps[j].Parameters == nil {
				ex.record.Steps[j].Parameters = make(map[string]interface{})
			}
			ex.record.Steps[j].Parameters[outputTo] = data
			break
		}
	}
}

func (ex *execution) complete() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.record.Status.Terminal() {
		return
	}
	now := time.Now()
	ex.record.Status = models.ExecutionCompleted
	ex.record.EndedAt = &now
}

func (ex *execution) fail(index int, reason string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.record.Status.Terminal() {
		return
	}
	now := time.Now()
	ex.record.Status = models.ExecutionFailed
	ex.record.FailedStepIndex = &index
	ex.record.FailureReason = &reason
	ex.record.EndedAt = &now
}

func (ex *execution) snapshot() *models.Execution {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	snap := ex.record
	snap.Steps = copySteps(ex.record.Steps)
	snap.Results = make(map[string]*models.InvokeResult, len(ex.record.Results))
	for name, r := range ex.record.Results {
		result := *r
		snap.Results[name] = &result
	}
	if ex.record.FailedStepIndex != nil {
		idx := *ex.record.FailedStepIndex
		snap.FailedStepIndex = &idx
	}
	if ex.record.FailureReason != nil {
		reason := *ex.record.FailureReason
		snap.FailureReason = &reason
	}
	if ex.record.EndedAt != nil {
		ended := *ex.record.EndedAt
		snap.EndedAt = &ended
	}
	return &snap
}

func copySteps(steps []models.Step) []models.Step {
	out := make([]models.Step, len(steps))
	for i, s := range steps {
		s.Parameters = copyParams(s.Parameters)
		s.DependsOn = append([]string(nil), s.DependsOn...)
		out[i] = s
	}
	return out
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

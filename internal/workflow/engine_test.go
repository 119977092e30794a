package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-mcp/backend/pkg/models"
)

// stubInvoker is an in-memory ToolInvoker with scripted peers and results.
type stubInvoker struct {
	mu        sync.Mutex
	order     []string
	tools     map[string][]string
	connected map[string]bool
	failTools map[string]string // tool -> error message
	data      map[string]interface{}
	calls     []recordedCall
}

type recordedCall struct {
	ClientID string
	Tool     string
	Params   map[string]interface{}
}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{
		tools:     make(map[string][]string),
		connected: make(map[string]bool),
		failTools: make(map[string]string),
		data:      make(map[string]interface{}),
	}
}

func (s *stubInvoker) addPeer(id string, connected bool, tools ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, id)
	s.tools[id] = tools
	s.connected[id] = connected
}

func (s *stubInvoker) InvokeTool(_ context.Context, clientID, tool string, params map[string]interface{}, correlationID string) (*models.InvokeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]interface{}, len(params))
	for k, v := range params {
		copied[k] = v
	}
	s.calls = append(s.calls, recordedCall{ClientID: clientID, Tool: tool, Params: copied})

	if msg, ok := s.failTools[tool]; ok {
		return &models.InvokeResult{Success: false, Error: msg, CorrelationID: correlationID}, nil
	}
	return &models.InvokeResult{Success: true, Data: s.data[tool], CorrelationID: correlationID}, nil
}

func (s *stubInvoker) ResolveTool(tool string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if !s.connected[id] {
			continue
		}
		for _, t := range s.tools[id] {
			if t == tool {
				return id, true
			}
		}
	}
	return "", false
}

func (s *stubInvoker) Connected(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[clientID]
}

func (s *stubInvoker) recordedCalls() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedCall(nil), s.calls...)
}

func waitTerminal(t *testing.T, e *Engine, id string) *models.Execution {
	t.Helper()
	var snap *models.Execution
	require.Eventually(t, func() bool {
		var err error
		snap, err = e.Status(id)
		return err == nil && snap.Status.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return snap
}

func TestSequentialExecutionCompletes(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "fetch", "transform", "store")
	e := NewEngine(Config{Invoker: inv})

	id, err := e.Execute([]models.Step{
		{Name: "A", Tool: "fetch"},
		{Name: "B", Tool: "transform"},
		{Name: "C", Tool: "store"},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, e, id)
	assert.Equal(t, models.ExecutionCompleted, snap.Status)
	assert.Len(t, snap.Results, 3)
	assert.Nil(t, snap.FailedStepIndex)
	assert.NotNil(t, snap.EndedAt)

	calls := inv.recordedCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "fetch", calls[0].Tool)
	assert.Equal(t, "transform", calls[1].Tool)
	assert.Equal(t, "store", calls[2].Tool)
}

func TestFailingStepHaltsExecution(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "ok", "bad")
	inv.failTools["bad"] = "remote exploded"
	e := NewEngine(Config{Invoker: inv})

	id, err := e.Execute([]models.Step{
		{Name: "A", Tool: "ok"},
		{Name: "B", Tool: "bad"},
		{Name: "C", Tool: "ok"},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, e, id)
	assert.Equal(t, models.ExecutionFailed, snap.Status)
	require.NotNil(t, snap.FailedStepIndex)
	assert.Equal(t, 1, *snap.FailedStepIndex)
	require.NotNil(t, snap.FailureReason)
	assert.Contains(t, *snap.FailureReason, "remote exploded")

	// C must never be invoked.
	assert.Len(t, inv.recordedCalls(), 2)
}

func TestDependencyPropagation(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "produce", "consume")
	inv.data["produce"] = 42
	e := NewEngine(Config{Invoker: inv})

	id, err := e.ExecuteDistributed([]models.Step{
		{Name: "A", Tool: "produce", OutputTo: "r"},
		{Name: "B", Tool: "consume", DependsOn: []string{"A"}},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, e, id)
	require.Equal(t, models.ExecutionCompleted, snap.Status)

	calls := inv.recordedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, 42, calls[1].Params["r"], "B's executed parameters must contain r = 42")
}

func TestPropagationIsForwardOnly(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "produce", "consume")
	inv.data["produce"] = "late"
	e := NewEngine(Config{Invoker: inv})

	// The consumer precedes its producer in array order. The single-pass
	// propagation never revisits earlier steps, so B runs without the value.
	id, err := e.ExecuteDistributed([]models.Step{
		{Name: "B", Tool: "consume", DependsOn: []string{"A"}},
		{Name: "A", Tool: "produce", OutputTo: "r"},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, e, id)
	require.Equal(t, models.ExecutionCompleted, snap.Status)

	calls := inv.recordedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "consume", calls[0].Tool)
	assert.NotContains(t, calls[0].Params, "r")
}

func TestPropagationOnlyToDependentSteps(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "produce", "consume")
	inv.data["produce"] = "value"
	e := NewEngine(Config{Invoker: inv})

	id, err := e.ExecuteDistributed([]models.Step{
		{Name: "A", Tool: "produce", OutputTo: "r"},
		{Name: "B", Tool: "consume", DependsOn: []string{"A"}},
		{Name: "C", Tool: "consume"},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, e, id)
	require.Equal(t, models.ExecutionCompleted, snap.Status)

	calls := inv.recordedCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "value", calls[1].Params["r"])
	assert.NotContains(t, calls[2].Params, "r", "steps without the dependency receive nothing")
}

func TestDistributedPreflightAbortsBeforeAnyStep(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "ping")
	inv.addPeer("down", false, "other")
	e := NewEngine(Config{Invoker: inv})

	_, err := e.ExecuteDistributed([]models.Step{
		{Name: "A", Tool: "ping"},
		{Name: "B", Target: models.ExplicitTarget("down"), Tool: "other"},
	})
	assert.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Empty(t, inv.recordedCalls(), "zero invocations on pre-flight failure")
}

func TestDistributedPreflightRejectsUnresolvableTool(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "ping")
	e := NewEngine(Config{Invoker: inv})

	_, err := e.ExecuteDistributed([]models.Step{
		{Name: "A", Tool: "nowhere"},
	})
	assert.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Empty(t, inv.recordedCalls())
}

func TestResolutionPrefersFirstRegisteredPeer(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("y", true, "other")
	inv.addPeer("x", true, "ping")
	inv.addPeer("z", true, "ping")
	e := NewEngine(Config{Invoker: inv})

	id, err := e.Execute([]models.Step{{Name: "A", Tool: "ping"}})
	require.NoError(t, err)

	snap := waitTerminal(t, e, id)
	require.Equal(t, models.ExecutionCompleted, snap.Status)

	calls := inv.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "x", calls[0].ClientID)
}

func TestExplicitTargetHonored(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "ping")
	inv.addPeer("z", true, "ping")
	e := NewEngine(Config{Invoker: inv})

	id, err := e.Execute([]models.Step{
		{Name: "A", Target: models.ExplicitTarget("z"), Tool: "ping"},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, e, id)
	require.Equal(t, models.ExecutionCompleted, snap.Status)
	calls := inv.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "z", calls[0].ClientID)
}

func TestUnresolvableStepFailsMidRun(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "ping")
	e := NewEngine(Config{Invoker: inv})

	// Plain Execute has no pre-flight; the missing peer surfaces as a step
	// failure at run time.
	id, err := e.Execute([]models.Step{
		{Name: "A", Tool: "ping"},
		{Name: "B", Tool: "nowhere"},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, e, id)
	assert.Equal(t, models.ExecutionFailed, snap.Status)
	require.NotNil(t, snap.FailedStepIndex)
	assert.Equal(t, 1, *snap.FailedStepIndex)
	assert.Len(t, inv.recordedCalls(), 1)
}

func TestEmptyWorkflowRejected(t *testing.T) {
	e := NewEngine(Config{Invoker: newStubInvoker()})

	_, err := e.Execute(nil)
	assert.ErrorIs(t, err, ErrNoSteps)
	_, err = e.ExecuteDistributed(nil)
	assert.ErrorIs(t, err, ErrNoSteps)
}

func TestStatusUnknownExecution(t *testing.T) {
	e := NewEngine(Config{Invoker: newStubInvoker()})
	_, err := e.Status("nope")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestTerminalSnapshotIsStable(t *testing.T) {
	inv := newStubInvoker()
	inv.addPeer("x", true, "ping")
	e := NewEngine(Config{Invoker: inv})

	id, err := e.Execute([]models.Step{{Name: "A", Tool: "ping"}})
	require.NoError(t, err)

	first := waitTerminal(t, e, id)
	require.Equal(t, models.ExecutionCompleted, first.Status)

	// Mutating the snapshot must not leak into the engine's record.
	first.Results["A"] = &models.InvokeResult{Success: false, Error: "tampered"}
	second, err := e.Status(id)
	require.NoError(t, err)
	assert.True(t, second.Results["A"].Success)
	assert.Equal(t, fmt.Sprintf("%v", first.Status), fmt.Sprintf("%v", second.Status))
}

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/dispatch"
	"github.com/crawlmesh/crawlmesh/internal/util"
	"github.com/crawlmesh/crawlmesh/provider"
)

// captureSubscriber records every event for loop assertions.
type captureSubscriber struct {
	mu     sync.Mutex
	events []core.Event
}

func (c *captureSubscriber) OnEvent(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSubscriber) ofType(t core.EventType) []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// scriptedExecutor returns canned results per tool name.
type scriptedExecutor struct {
	mu      sync.Mutex
	results map[string]core.ToolResult
	calls   int
}

func (s *scriptedExecutor) Execute(_ context.Context, call core.ToolCall, _ core.RunConfig) core.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	res, ok := s.results[call.Name]
	if !ok {
		res = core.OKResult(call.ID, "done", time.Millisecond)
	}
	res.ToolCallID = call.ID
	return res
}

func testRegistry(names ...string) *dispatch.InMemoryRegistry {
	registry := dispatch.NewRegistry()
	for _, name := range names {
		registry.Register(dispatch.Entry{
			Name:   name,
			Schema: util.ObjectSchema(nil),
			Handler: dispatch.HandlerFunc(func(context.Context, map[string]any) (any, error) {
				return "unused", nil
			}),
		})
	}
	return registry
}

func toolCallAction(name string) core.ToolCalls {
	return core.ToolCalls{Calls: []core.ToolCall{{ID: core.NewID(), Name: name, Args: map[string]any{}}}}
}

func TestRunTaskRespondImmediately(t *testing.T) {
	planner := provider.NewMock(core.Respond{Text: "done"})
	eng := New(planner, &scriptedExecutor{}, testRegistry())

	result, err := eng.RunTask(context.Background(), "respond immediately", core.DefaultRunConfig())

	require.NoError(t, err)
	assert.Equal(t, core.StopCompleted, result.StopReason)
	assert.Equal(t, "done", result.Response)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Steps)
	assert.Equal(t, 1, planner.PlanCalls)
}

func TestRunTaskInvalidConfig(t *testing.T) {
	planner := provider.NewMock(core.Respond{Text: "never"})
	eng := New(planner, &scriptedExecutor{}, testRegistry())

	config := core.DefaultRunConfig()
	config.MaxSteps = 0

	result, err := eng.RunTask(context.Background(), "task", config)

	require.Error(t, err)
	assert.Equal(t, core.ErrCodeValidation, core.CodeOf(err))
	assert.Equal(t, core.StateError, result.State)
	assert.Equal(t, 0, planner.PlanCalls, "an invalid config never starts the run")
}

func TestRunTaskMaxStepsExactlyN(t *testing.T) {
	// The planner always asks for another tool call, so only the step
	// budget can stop the run.
	planner := provider.NewMock(toolCallAction("work"))
	eng := New(planner, &scriptedExecutor{}, testRegistry("work"))

	config := core.DefaultRunConfig()
	config.MaxSteps = 5

	result, err := eng.RunTask(context.Background(), "loop forever", config)

	require.NoError(t, err)
	assert.Equal(t, core.StopMaxSteps, result.StopReason)
	assert.Equal(t, 5, result.Steps)
	assert.Equal(t, 5, planner.PlanCalls, "exactly N planning iterations, never N+1")
}

func TestRunTaskMaxFailures(t *testing.T) {
	planner := provider.NewMock(toolCallAction("failing"))
	executor := &scriptedExecutor{results: map[string]core.ToolResult{
		"failing": {OK: false, ErrorCode: core.ErrCodeExecution, ErrorMessage: "handler fault"},
	}}
	eng := New(planner, executor, testRegistry("failing"))

	config := core.DefaultRunConfig()
	config.MaxFailures = 3

	result, err := eng.RunTask(context.Background(), "keep failing", config)

	require.NoError(t, err)
	assert.Equal(t, core.StopMaxFailures, result.StopReason)
	assert.Equal(t, 3, executor.calls, "terminates after the third failing call")
}

func TestRunTaskPolicyDeniedHaltsBeforeNextPlan(t *testing.T) {
	planner := provider.NewMock(toolCallAction("fetch"))
	executor := &scriptedExecutor{results: map[string]core.ToolResult{
		"fetch": {OK: false, ErrorCode: core.ErrCodePolicyDenied, ErrorMessage: "domain blocked", Flags: []string{"url_blocked"}},
	}}
	sub := &captureSubscriber{}
	eng := New(planner, executor, testRegistry("fetch"), func(o *Options) { o.Subscriber = sub })

	result, err := eng.RunTask(context.Background(), "fetch a blocked page", core.DefaultRunConfig())

	require.NoError(t, err)
	assert.Equal(t, core.StopPolicyDenied, result.StopReason)
	assert.Equal(t, 1, planner.PlanCalls, "no further planning after the denial")
	assert.Len(t, sub.ofType(core.EventPolicyDenied), 1)

	require.Len(t, result.Trace, 1)
	assert.Equal(t, core.ErrCodePolicyDenied, result.Trace[0].ErrorCode)
	assert.Contains(t, result.Trace[0].PolicyFlags, "url_blocked")
}

func TestRunTaskNoOpLoop(t *testing.T) {
	// The planner keeps requesting zero tool calls; three such rounds stop
	// the run.
	planner := provider.NewMock(core.ToolCalls{})
	eng := New(planner, &scriptedExecutor{}, testRegistry())

	result, err := eng.RunTask(context.Background(), "do nothing", core.DefaultRunConfig())

	require.NoError(t, err)
	assert.Equal(t, core.StopNoOpLoop, result.StopReason)
	assert.Equal(t, 3, planner.PlanCalls)
}

func TestRunTaskWallTimeBudget(t *testing.T) {
	planner := provider.NewMock(toolCallAction("work"))
	executor := &scriptedExecutor{results: map[string]core.ToolResult{
		"work": core.OKResult("", "slow", time.Millisecond),
	}}
	eng := New(planner, executor, testRegistry("work"))

	config := core.DefaultRunConfig()
	config.MaxWallTime = time.Nanosecond

	result, err := eng.RunTask(context.Background(), "task", config)

	require.NoError(t, err)
	assert.Equal(t, core.StopMaxWallTime, result.StopReason)
	assert.Equal(t, 0, planner.PlanCalls, "budget is checked before planning")
}

func TestRunTaskPlannerFailure(t *testing.T) {
	planner := provider.NewMock().FailWith(core.NewError(core.ErrCodeProvider, "all providers exhausted"))
	eng := New(planner, &scriptedExecutor{}, testRegistry())

	result, err := eng.RunTask(context.Background(), "task", core.DefaultRunConfig())

	require.NoError(t, err)
	assert.Equal(t, core.StateError, result.State)
	assert.Contains(t, result.Err, "provider_error")
}

func TestRunTaskTraceArgsHashedNotRaw(t *testing.T) {
	call := core.ToolCall{ID: "c1", Name: "work", Args: map[string]any{"api_key": "secret-value"}}
	planner := provider.NewMock(core.ToolCalls{Calls: []core.ToolCall{call}}, core.Respond{Text: "done"})
	eng := New(planner, &scriptedExecutor{}, testRegistry("work"))

	result, err := eng.RunTask(context.Background(), "task", core.DefaultRunConfig())

	require.NoError(t, err)
	require.NotEmpty(t, result.Trace)
	step := result.Trace[0]
	assert.Equal(t, util.ArgsHash(call.Args), step.ArgsHash)
	assert.Len(t, step.ArgsHash, 12)
	assert.NotContains(t, step.ArgsHash, "secret-value")
}

func TestRunTaskEmitsLifecycleEvents(t *testing.T) {
	sub := &captureSubscriber{}
	planner := provider.NewMock(core.Respond{Text: "done"})
	eng := New(planner, &scriptedExecutor{}, testRegistry(), func(o *Options) { o.Subscriber = sub })

	_, err := eng.RunTask(context.Background(), "task", core.DefaultRunConfig())

	require.NoError(t, err)
	assert.Len(t, sub.ofType(core.EventRunStart), 1)
	assert.Len(t, sub.ofType(core.EventRunEnd), 1)
	assert.NotEmpty(t, sub.ofType(core.EventStateTransition))
}

func TestRunTaskSubscriberPanicDoesNotKillRun(t *testing.T) {
	planner := provider.NewMock(core.Respond{Text: "done"})
	eng := New(planner, &scriptedExecutor{}, testRegistry(), func(o *Options) {
		o.Subscriber = core.SubscriberFunc(func(core.Event) { panic("broken observer") })
	})

	result, err := eng.RunTask(context.Background(), "task", core.DefaultRunConfig())

	require.NoError(t, err)
	assert.Equal(t, core.StopCompleted, result.StopReason)
}

func TestRunTaskCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	planner := provider.NewMock(core.Respond{Text: "done"})
	eng := New(planner, &scriptedExecutor{}, testRegistry())

	result, err := eng.RunTask(ctx, "task", core.DefaultRunConfig())

	require.NoError(t, err)
	assert.Equal(t, core.StateError, result.State)
	assert.Equal(t, 0, planner.PlanCalls)
}

// sessionedExecutor hands out a distinct executor per run.
type sessionedExecutor struct {
	scriptedExecutor
	mu       sync.Mutex
	sessions []*scriptedExecutor
}

func (s *sessionedExecutor) Session() Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := &scriptedExecutor{}
	s.sessions = append(s.sessions, session)
	return session
}

func TestRunTaskTakesFreshExecutorSessionPerRun(t *testing.T) {
	root := &sessionedExecutor{}
	eng := New(provider.NewMock(
		core.ToolCalls{Calls: []core.ToolCall{{ID: "c1", Name: "fetch", Args: map[string]any{}}}},
		core.Respond{Text: "done"},
	), root, testRegistry("fetch"))

	_, err := eng.RunTask(context.Background(), "first", core.DefaultRunConfig())
	require.NoError(t, err)
	_, err = eng.RunTask(context.Background(), "second", core.DefaultRunConfig())
	require.NoError(t, err)

	require.Len(t, root.sessions, 2)
	assert.Equal(t, 0, root.calls, "the shared executor never runs calls itself")
	assert.Equal(t, 1, root.sessions[0].calls)
}

func TestEveryStepStartHasMatchingStepEnd(t *testing.T) {
	// Terminal respond and empty plans close their steps like tool steps do.
	sub := &captureSubscriber{}
	planner := provider.NewMock(core.ToolCalls{}, core.ToolCalls{}, core.Respond{Text: "done"})
	eng := New(planner, &scriptedExecutor{}, testRegistry(), func(o *Options) { o.Subscriber = sub })

	_, err := eng.RunTask(context.Background(), "task", core.DefaultRunConfig())

	require.NoError(t, err)
	starts := sub.ofType(core.EventStepStart)
	ends := sub.ofType(core.EventStepEnd)
	require.Len(t, starts, 3)
	require.Len(t, ends, 3)
	for i := range starts {
		assert.Equal(t, starts[i].StepID, ends[i].StepID)
	}
}

// historyPlanner records the conversation it is handed on each call.
type historyPlanner struct {
	mock      *provider.Mock
	histories [][]core.Message
}

func (h *historyPlanner) Plan(ctx context.Context, history []core.Message, tools []provider.ToolSpec) (core.AssistantAction, error) {
	snap := make([]core.Message, len(history))
	copy(snap, history)
	h.histories = append(h.histories, snap)
	return h.mock.Plan(ctx, history, tools)
}

func (h *historyPlanner) Info() provider.Info { return h.mock.Info() }

func TestToolOutputRedactedBeforePlanning(t *testing.T) {
	planner := &historyPlanner{mock: provider.NewMock(
		toolCallAction("fetch"),
		core.Respond{Text: "done"},
	)}
	executor := &scriptedExecutor{results: map[string]core.ToolResult{
		"fetch": core.OKResult("", map[string]any{
			"content": "page says api_key=sk-live-42 in a config block",
			"token":   "abc123",
		}, time.Millisecond),
	}}
	eng := New(planner, executor, testRegistry("fetch"))

	_, err := eng.RunTask(context.Background(), "task", core.DefaultRunConfig())
	require.NoError(t, err)

	require.Len(t, planner.histories, 2)
	second := planner.histories[1]
	toolMsg := second[len(second)-1]
	require.Equal(t, core.RoleTool, toolMsg.Role)
	assert.NotContains(t, toolMsg.Content, "sk-live-42")
	assert.NotContains(t, toolMsg.Content, "abc123")
	assert.Contains(t, toolMsg.Content, "[REDACTED]")
}

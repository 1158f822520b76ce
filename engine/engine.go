package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/dispatch"
	"github.com/crawlmesh/crawlmesh/internal/util"
	"github.com/crawlmesh/crawlmesh/logging"
	"github.com/crawlmesh/crawlmesh/policy"
	"github.com/crawlmesh/crawlmesh/provider"
)

// maxNoOps is the consecutive-empty-plan budget. Three planning rounds that
// request nothing actionable stop the run with no_op_loop.
const maxNoOps = 3

// defaultSystemPrompt frames the planning conversation when the caller does
// not supply one.
const defaultSystemPrompt = "You are an autonomous task-execution agent. " +
	"Use the available tools to complete the task, then respond with the final answer. " +
	"Respond directly once the task is done; do not call tools you do not need."

// Executor runs a single tool call under the run's config. Both the local
// dispatcher and the mesh dispatcher satisfy it.
type Executor = dispatch.Executor

// SessionExecutor is implemented by executors that carry per-run state, such
// as the mesh dispatcher's tool affinity. The engine takes a fresh session
// for every run.
type SessionExecutor interface {
	Executor
	Session() Executor
}

// Engine executes bounded agent runs. One Engine may serve many concurrent
// runs; all per-run state lives in the RunContext, so the Engine itself holds
// only immutable collaborators.
type Engine struct {
	planner      provider.Adapter
	executor     Executor
	registry     dispatch.Registry
	subscriber   core.Subscriber
	ghost        *Ghost
	logger       logging.Logger
	systemPrompt string
}

// Options holds construction overrides for New().
type Options struct {
	// Subscriber receives lifecycle events. Defaults to NoOpSubscriber.
	Subscriber core.Subscriber
	// Ghost enables the vision fallback on detected block signals. Nil
	// disables it regardless of RunConfig.AllowGhost.
	Ghost *Ghost
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// SystemPrompt replaces the default planning frame.
	SystemPrompt string
}

// New constructs an Engine over a planner, an executor and the registry whose
// tools the planner may request.
func New(planner provider.Adapter, executor Executor, registry dispatch.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Subscriber:   core.NoOpSubscriber{},
		Logger:       logging.NoOpLogger{},
		SystemPrompt: defaultSystemPrompt,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		planner:      planner,
		executor:     executor,
		registry:     registry,
		subscriber:   opts.Subscriber,
		ghost:        opts.Ghost,
		logger:       opts.Logger,
		systemPrompt: opts.SystemPrompt,
	}
}

// RunTask executes task to completion under config and returns the terminal
// snapshot. An invalid config fails synchronously with a validation error and
// the run never starts. All other faults end the run in the error state; the
// returned RunResult is always populated.
func (e *Engine) RunTask(ctx context.Context, task string, config core.RunConfig) (core.RunResult, error) {
	if err := config.Validate(); err != nil {
		return core.RunResult{State: core.StateError, Err: err.Error()}, err
	}

	rc := core.NewRunContext(task, config)
	if e.systemPrompt != "" {
		rc.Messages = append([]core.Message{{Role: core.RoleSystem, Content: e.systemPrompt}}, rc.Messages...)
	}

	executor := e.executor
	if s, ok := executor.(SessionExecutor); ok {
		executor = s.Session()
	}

	e.emit(core.Event{Type: core.EventRunStart, RunID: rc.RunID, Timestamp: time.Now().UTC()})
	e.logger.Info("Run started", "run_id", rc.RunID, "max_steps", config.MaxSteps)

	result := e.loop(ctx, rc, executor)

	e.emit(core.Event{
		Type:       core.EventRunEnd,
		RunID:      rc.RunID,
		State:      result.State,
		StopReason: result.StopReason,
		Duration:   result.WallTime,
		Timestamp:  time.Now().UTC(),
	})
	e.logger.Info("Run finished",
		"run_id", rc.RunID,
		"stop_reason", result.StopReason,
		"steps", result.Steps,
		"wall_time", result.WallTime,
	)
	return result, nil
}

// loop is the plan/execute/observe iteration. Budgets are checked at the
// loop head, before planning, in a fixed order so stop-condition precedence
// is deterministic.
func (e *Engine) loop(ctx context.Context, rc *core.RunContext, executor Executor) core.RunResult {
	tools := e.toolSpecs(rc.Config)

	for {
		if err := ctx.Err(); err != nil {
			return e.fail(rc, core.WrapError(core.ErrCodeExecution, err, "run canceled"))
		}
		if reason, stopped := e.checkBudgets(rc); stopped {
			return e.stop(rc, reason)
		}

		rc.Step++
		e.transition(rc, core.StatePlan)
		e.emit(core.Event{Type: core.EventStepStart, RunID: rc.RunID, StepID: rc.Step, Timestamp: time.Now().UTC()})

		planStart := time.Now()
		action, err := e.planner.Plan(ctx, rc.Messages, tools)
		if err != nil {
			e.logger.Error("Planning failed", "run_id", rc.RunID, "step", rc.Step, "error", policy.RedactText(err.Error()))
			return e.fail(rc, err)
		}
		e.logger.Debug("Planning completed", "run_id", rc.RunID, "step", rc.Step, "duration", time.Since(planStart))

		switch act := action.(type) {
		case core.Respond:
			rc.Messages = append(rc.Messages, core.Message{Role: core.RoleAssistant, Content: act.Text})
			e.transition(rc, core.StateRespond)
			rc.AppendTrace(core.StepTrace{State: core.StateRespond, Status: "ok", Duration: time.Since(planStart)})
			e.emit(core.Event{Type: core.EventStepEnd, RunID: rc.RunID, StepID: rc.Step, Timestamp: time.Now().UTC()})
			return e.stop(rc, core.StopCompleted)

		case core.ToolCalls:
			if len(act.Calls) == 0 {
				rc.NoOps++
				e.transition(rc, core.StateObserve)
				e.emit(core.Event{Type: core.EventStepEnd, RunID: rc.RunID, StepID: rc.Step, Timestamp: time.Now().UTC()})
				continue
			}
			rc.Messages = append(rc.Messages, core.Message{Role: core.RoleAssistant, ToolCalls: act.Calls})
			if denied := e.executeCalls(ctx, rc, executor, act.Calls); denied {
				return e.stop(rc, core.StopPolicyDenied)
			}
			rc.NoOps = 0

		default:
			return e.fail(rc, core.NewError(core.ErrCodeProvider, "planner returned unknown action %T", action))
		}

		e.emit(core.Event{Type: core.EventStepEnd, RunID: rc.RunID, StepID: rc.Step, Timestamp: time.Now().UTC()})
	}
}

// executeCalls runs one plan step's tool calls strictly in order, appending a
// StepTrace per call before the next is attempted. Returns true when a policy
// denial must terminate the run.
func (e *Engine) executeCalls(ctx context.Context, rc *core.RunContext, executor Executor, calls []core.ToolCall) (denied bool) {
	for _, call := range calls {
		e.transition(rc, core.StateExecuteTool)
		e.emit(core.Event{
			Type:      core.EventToolDispatch,
			RunID:     rc.RunID,
			StepID:    rc.Step,
			ToolName:  call.Name,
			Timestamp: time.Now().UTC(),
		})

		res := executor.Execute(ctx, call, rc.Config)

		renderMode := ""
		if res.OK && rc.Config.AllowGhost && e.ghost != nil {
			if reason, blocked := DetectBlock(res.Payload); blocked {
				e.transition(rc, core.StateGhost)
				e.logger.Warn("Block signal detected, attempting ghost extraction",
					"run_id", rc.RunID, "tool_name", call.Name, "reason", reason)
				if ghostRes, err := e.ghost.Extract(ctx, rc.Task, res); err == nil {
					res = ghostRes
					renderMode = RenderModeGhost
				} else {
					e.logger.Warn("Ghost extraction failed, keeping original result",
						"run_id", rc.RunID, "error", policy.RedactText(err.Error()))
				}
			}
		}

		e.transition(rc, core.StateObserve)
		e.observe(rc, call, res, renderMode)
		e.emit(core.Event{
			Type:      core.EventToolResult,
			RunID:     rc.RunID,
			StepID:    rc.Step,
			ToolName:  call.Name,
			Result:    &res,
			Timestamp: time.Now().UTC(),
		})

		if res.ErrorCode == core.ErrCodePolicyDenied {
			e.emit(core.Event{
				Type:      core.EventPolicyDenied,
				RunID:     rc.RunID,
				StepID:    rc.Step,
				ToolName:  call.Name,
				Reason:    res.ErrorMessage,
				Timestamp: time.Now().UTC(),
			})
			return true
		}
	}
	return false
}

// observe folds one result into the run context: trace append, history
// append, counter updates. A policy denial touches neither counter; the
// caller terminates the run instead.
func (e *Engine) observe(rc *core.RunContext, call core.ToolCall, res core.ToolResult, renderMode string) {
	status := "ok"
	if !res.OK {
		status = "error"
		if res.ErrorCode != core.ErrCodePolicyDenied {
			rc.Failures++
		}
	}
	rc.AppendTrace(core.StepTrace{
		State:       core.StateExecuteTool,
		ToolName:    call.Name,
		ArgsHash:    util.ArgsHash(call.Args),
		Duration:    res.Duration,
		Status:      status,
		ErrorCode:   res.ErrorCode,
		PolicyFlags: res.Flags,
		RenderMode:  renderMode,
	})
	rc.Messages = append(rc.Messages, core.Message{
		Role:       core.RoleTool,
		Content:    resultContent(res),
		ToolCallID: call.ID,
	})
}

// checkBudgets evaluates the stop conditions in their fixed precedence
// order. The first match wins.
func (e *Engine) checkBudgets(rc *core.RunContext) (core.StopReason, bool) {
	switch {
	case rc.Failures >= rc.Config.MaxFailures:
		return core.StopMaxFailures, true
	case rc.Elapsed() >= rc.Config.MaxWallTime:
		return core.StopMaxWallTime, true
	case rc.Step >= rc.Config.MaxSteps:
		return core.StopMaxSteps, true
	case rc.NoOps >= maxNoOps:
		return core.StopNoOpLoop, true
	}
	return "", false
}

// toolSpecs projects the registry through the run's tool allowlist into the
// planner's tool format.
func (e *Engine) toolSpecs(config core.RunConfig) []provider.ToolSpec {
	var specs []provider.ToolSpec
	for _, name := range e.registry.Names() {
		if !config.ToolAllowed(name) {
			continue
		}
		entry, err := e.registry.Resolve(name)
		if err != nil {
			continue
		}
		specs = append(specs, provider.ToolSpec{
			Name:        entry.Name,
			Description: entry.Description,
			Parameters:  entry.Schema,
		})
	}
	return specs
}

func (e *Engine) stop(rc *core.RunContext, reason core.StopReason) core.RunResult {
	e.transition(rc, core.StateStop)
	return core.RunResult{
		RunID:      rc.RunID,
		Success:    reason == core.StopCompleted,
		State:      core.StateStop,
		StopReason: reason,
		Response:   rc.LastResponse(),
		Trace:      rc.Trace,
		Steps:      rc.Step,
		WallTime:   rc.Elapsed(),
	}
}

func (e *Engine) fail(rc *core.RunContext, err error) core.RunResult {
	e.transition(rc, core.StateError)
	return core.RunResult{
		RunID:    rc.RunID,
		State:    core.StateError,
		Response: rc.LastResponse(),
		Trace:    rc.Trace,
		Steps:    rc.Step,
		WallTime: rc.Elapsed(),
		// The summary is persisted; never let a provider or tool error leak
		// a credential into the store.
		Err: policy.RedactText(err.Error()),
	}
}

// transition moves the run to state and emits the matching event.
func (e *Engine) transition(rc *core.RunContext, state core.RunState) {
	if rc.State == state {
		return
	}
	rc.State = state
	e.emit(core.Event{
		Type:      core.EventStateTransition,
		RunID:     rc.RunID,
		StepID:    rc.Step,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

// emit delivers an event to the subscriber, swallowing panics so a broken
// observer never takes down a run.
func (e *Engine) emit(ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("Event subscriber panicked", "event_type", ev.Type, "panic", fmt.Sprintf("%v", r))
		}
	}()
	e.subscriber.OnEvent(ev)
}

// resultContent renders a tool result for the planning conversation. Secret
// redaction runs over everything tool output feeds back into the run.
func resultContent(res core.ToolResult) string {
	if !res.OK {
		return policy.RedactText(fmt.Sprintf("error (%s): %s", res.ErrorCode, res.ErrorMessage))
	}
	switch p := res.Payload.(type) {
	case string:
		return policy.RedactText(p)
	case nil:
		return ""
	case map[string]any:
		b, err := json.Marshal(policy.RedactMap(p))
		if err != nil {
			return policy.RedactText(fmt.Sprintf("%v", p))
		}
		return string(b)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return policy.RedactText(string(b))
	}
}

package dispatch

import (
	"context"
	"time"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/internal/util"
	"github.com/crawlmesh/crawlmesh/logging"
	"github.com/crawlmesh/crawlmesh/policy"
)

// DefaultTimeout applies to tools whose registry entry carries no budget.
const DefaultTimeout = 30 * time.Second

// maxRetries bounds the synchronous retry: one immediate re-attempt, never
// more, regardless of what the registry entry asks for.
const maxRetries = 1

// Executor runs a single tool call under the run's config. Dispatcher is the
// local implementation; the mesh layer wraps it with routing.
type Executor interface {
	Execute(ctx context.Context, call core.ToolCall, config core.RunConfig) core.ToolResult
}

// Dispatcher validates and executes single tool calls. It is safe for
// concurrent use; each Execute call is independent.
type Dispatcher struct {
	registry       Registry
	gate           policy.Gate
	logger         logging.Logger
	defaultTimeout time.Duration
}

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Gate checks each call before execution. Defaults to policy.NewGate().
	Gate policy.Gate
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// DefaultTimeout replaces DefaultTimeout for entries without a budget.
	DefaultTimeout time.Duration
}

// New constructs a Dispatcher over registry with optional overrides.
func New(registry Registry, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Gate:           policy.NewGate(),
		Logger:         logging.NoOpLogger{},
		DefaultTimeout: DefaultTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{
		registry:       registry,
		gate:           opts.Gate,
		logger:         opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// Execute runs one tool call under config's policy and returns a normalized
// result. The contract, in order:
//
//  1. unknown tool            -> tool_unavailable
//  2. schema mismatch         -> validation_error
//  3. policy denial           -> policy_denied, never retried
//  4. handler timeout         -> tool_timeout, retriable
//  5. retriable failure       -> exactly one immediate retry
//  6. handler panic / fault   -> execution_error
//
// Caller-supplied args are never mutated.
func (d *Dispatcher) Execute(ctx context.Context, call core.ToolCall, config core.RunConfig) core.ToolResult {
	start := time.Now()

	entry, err := d.registry.Resolve(call.Name)
	if err != nil {
		return core.ErrResult(call.ID, err, time.Since(start))
	}

	if err := util.ValidateArgs(call.Args, entry.Schema); err != nil {
		verr := core.WrapError(core.ErrCodeValidation, err, "invalid args for tool '%s'", call.Name)
		return core.ErrResult(call.ID, verr, time.Since(start))
	}

	if verdict := d.gate.Check(call, config); !verdict.Allowed {
		d.logger.Warn("Policy denied tool call", "tool_name", call.Name, "reason", verdict.Reason)
		res := core.ErrResult(call.ID,
			core.NewError(core.ErrCodePolicyDenied, "%s", verdict.Reason),
			time.Since(start))
		res.Flags = verdict.Flags
		return res
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	retries := entry.Retries
	if retries > maxRetries {
		retries = maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		payload, err := d.invoke(ctx, entry, call, timeout)
		if err == nil {
			dur := time.Since(start)
			d.logger.Debug("Tool execution completed", "tool_name", call.Name, "duration", dur, "attempt", attempt+1)
			return core.OKResult(call.ID, payload, dur)
		}
		lastErr = err
		if !core.RetriableOf(err) {
			break
		}
		if attempt < retries {
			d.logger.Warn("Retrying tool after retriable failure", "tool_name", call.Name, "error", err.Error())
		}
	}

	d.logger.Error("Tool execution failed", "tool_name", call.Name, "error", lastErr.Error())
	return core.ErrResult(call.ID, lastErr, time.Since(start))
}

// invoke runs the handler once under a deadline. The context deadline
// cancels the handler itself, not just the wait, so sockets and subprocess
// handles tied to ctx are released when the budget expires.
func (d *Dispatcher) invoke(ctx context.Context, entry Entry, call core.ToolCall, timeout time.Duration) (payload any, err error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		payload any
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: core.NewError(core.ErrCodeExecution, "tool '%s' panicked: %v", call.Name, r)}
			}
		}()
		p, e := entry.Handler.Execute(execCtx, call.Args)
		done <- outcome{payload: p, err: e}
	}()

	select {
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, core.NewError(core.ErrCodeToolTimeout, "tool '%s' timed out after %s", call.Name, timeout)
		}
		return nil, core.WrapError(core.ErrCodeExecution, execCtx.Err(), "tool '%s' canceled", call.Name)
	case out := <-done:
		if out.err != nil {
			return nil, normalize(call.Name, out.err)
		}
		return out.payload, nil
	}
}

// normalize guarantees a typed error leaves the dispatcher. Typed errors
// pass through, anything else becomes execution_error.
func normalize(tool string, err error) error {
	if _, ok := err.(*core.Error); ok {
		return err
	}
	return core.WrapError(core.ErrCodeExecution, err, "tool '%s' failed", tool)
}

// Package crawlmesh provides a high-level façade over the agent engine,
// dispatcher and runner for embedding a single task-execution node in a Go
// program. Most applications interact with this package by:
//  1. Creating a Node via New() with a provider adapter
//  2. Registering tools (for example tools/builtin.NewFetchTool().Entry())
//  3. Running tasks synchronously (Run) or asynchronously (Submit)
//
// The façade delegates the run lifecycle to engine.Engine and tool execution
// to dispatch.Dispatcher. Defaults are safe for local use: an in-memory trace
// store, the standard policy gate, and a no-op logger. Mesh participation is
// wired separately via the mesh package; pass the mesh dispatcher through
// Options.Executor to route tool calls across nodes.
package crawlmesh

import (
	"context"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/dispatch"
	"github.com/crawlmesh/crawlmesh/engine"
	"github.com/crawlmesh/crawlmesh/logging"
	"github.com/crawlmesh/crawlmesh/policy"
	"github.com/crawlmesh/crawlmesh/provider"
	"github.com/crawlmesh/crawlmesh/trace"
)

// Options configures the Node.
type Options struct {
	// Executor overrides the executor the engine dispatches tool calls to.
	// Defaults to the node's own dispatcher; pass a mesh.Dispatcher to
	// route calls across the mesh.
	Executor engine.Executor

	// Gate is the policy gate applied before every tool call. Defaults to
	// the standard gate.
	Gate policy.Gate

	// Ghost enables the vision fallback for blocked fetches. Nil disables
	// it.
	Ghost *engine.Ghost

	// Subscriber receives run lifecycle events. Defaults to NoOpSubscriber.
	Subscriber core.Subscriber

	// Store persists finished run summaries. Defaults to in-memory.
	Store trace.Store

	// Logger defaults to NoOpLogger.
	Logger logging.Logger

	// SystemPrompt replaces the default planning frame.
	SystemPrompt string

	// DefaultRunConfig is used by Run and Submit when the caller passes a
	// zero config. Defaults to core.DefaultRunConfig.
	DefaultRunConfig core.RunConfig
}

// Node is the high-level façade aggregating the registry, dispatcher, engine
// and runner of a single node.
type Node struct {
	registry  *dispatch.InMemoryRegistry
	engine    *engine.Engine
	runner    *engine.Runner
	runConfig core.RunConfig
}

// New creates a Node around the given planner. Any unset collaborator is
// initialized with a local default.
func New(planner provider.Adapter, optFns ...func(o *Options)) *Node {
	opts := Options{
		Gate:             policy.NewGate(),
		Subscriber:       core.NoOpSubscriber{},
		Store:            trace.NewInMemoryStore(),
		Logger:           logging.NoOpLogger{},
		DefaultRunConfig: core.DefaultRunConfig(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	registry := dispatch.NewRegistry()
	dispatcher := dispatch.New(registry, func(o *dispatch.Options) {
		o.Gate = opts.Gate
		o.Logger = opts.Logger
	})

	executor := opts.Executor
	if executor == nil {
		executor = dispatcher
	}

	eng := engine.New(planner, executor, registry, func(o *engine.Options) {
		o.Subscriber = opts.Subscriber
		o.Ghost = opts.Ghost
		o.Logger = opts.Logger
		o.SystemPrompt = opts.SystemPrompt
	})
	runner := engine.NewRunner(eng, func(o *engine.RunnerOptions) {
		o.Store = opts.Store
		o.Logger = opts.Logger
	})

	return &Node{
		registry:  registry,
		engine:    eng,
		runner:    runner,
		runConfig: opts.DefaultRunConfig,
	}
}

// RegisterTool adds a tool entry to the node's registry.
func (n *Node) RegisterTool(entry dispatch.Entry) error {
	return n.registry.Register(entry)
}

// Run executes a task synchronously and waits for the result. A zero config
// applies the node's default run budget.
func (n *Node) Run(ctx context.Context, task string, config core.RunConfig) (core.RunResult, error) {
	return n.engine.RunTask(ctx, task, n.withDefaults(config))
}

// Submit starts a task asynchronously and returns its run ID. A zero config
// applies the node's default run budget.
func (n *Node) Submit(ctx context.Context, task string, config core.RunConfig) (string, error) {
	return n.runner.SubmitRun(ctx, task, n.withDefaults(config))
}

// GetRun returns the handle for a submitted run.
func (n *Node) GetRun(runID string) (engine.RunHandle, bool) {
	return n.runner.GetRun(runID)
}

// Cancel stops a running task. It reports whether a running run was found.
func (n *Node) Cancel(runID string) bool {
	return n.runner.Cancel(runID)
}

func (n *Node) withDefaults(config core.RunConfig) core.RunConfig {
	if config.MaxSteps == 0 && config.MaxWallTime == 0 && config.MaxFailures == 0 {
		return n.runConfig
	}
	return config
}

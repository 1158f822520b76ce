// Package engine drives bounded agent runs. The engine owns the run
// lifecycle: it repeatedly asks a provider adapter to plan, executes the
// requested tool calls through a dispatcher, observes the results, and
// enforces the run's step, wall-time, failure and no-op budgets. A runner
// layers asynchronous submission and lookup on top.
package engine

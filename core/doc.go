// Package core provides the foundational domain types used across CrawlMesh.
// It defines the core abstractions for:
//
//   - Runs (bounded executions of the agent loop with budgets and limits)
//   - Assistant actions (the closed set of planner outcomes)
//   - Tool calls and their normalized results
//   - Step traces (append-only, hashed-argument execution records)
//   - Events (immutable lifecycle records delivered to subscribers)
//   - Typed error kinds shared by every subsystem
//
// The package intentionally keeps implementation concerns (dispatching,
// planning, mesh routing, persistence) out of scope, exposing small types
// that the other packages compose. Nothing in core performs I/O.
package core

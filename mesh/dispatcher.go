package mesh

import (
	"context"
	"sync"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/logging"
)

// Flags recorded on results that crossed the mesh layer. They end up in
// StepTrace policy_flags; mesh faults never surface as run errors.
const (
	flagRemote        = "mesh_remote"
	flagFallbackLocal = "mesh_fallback_local"
)

// Dispatcher wraps a local executor with mesh routing. Each call asks the
// router for a target; remote execution is a latency/load optimization and
// any remote failure falls back to local. One Dispatcher serves one run's
// calls sequentially; the affinity memory it builds is scoped to that run.
type Dispatcher struct {
	local  Executor
	coord  *Coordinator
	client *Client
	pref   Preference
	logger logging.Logger

	mu       sync.Mutex
	affinity map[string]string
}

// DispatcherOptions holds overrides for NewDispatcher.
type DispatcherOptions struct {
	// Preference defaults to DefaultPreference().
	Preference Preference
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// NewDispatcher wraps local with routing over coord's peer table.
func NewDispatcher(local Executor, coord *Coordinator, client *Client, optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DispatcherOptions{
		Preference: DefaultPreference(),
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{
		local:    local,
		coord:    coord,
		client:   client,
		pref:     opts.Preference,
		logger:   opts.Logger,
		affinity: make(map[string]string),
	}
}

// Session returns a dispatcher sharing this one's mesh wiring but with
// fresh affinity memory. The engine takes one per run.
func (d *Dispatcher) Session() Executor {
	return NewDispatcher(d.local, d.coord, d.client, func(o *DispatcherOptions) {
		o.Preference = d.pref
		o.Logger = d.logger
	})
}

// Execute implements Executor. A coordinator that is not active routes
// everything locally with no overhead.
func (d *Dispatcher) Execute(ctx context.Context, call core.ToolCall, config core.RunConfig) core.ToolResult {
	if d.coord == nil || d.coord.State() != StateActive {
		return d.local.Execute(ctx, call, config)
	}

	localID := d.coord.Self().NodeID
	decision := SelectTarget(call.Name, d.coord.Peers(), localID, d.coord.LocalLoad(), d.affinitySnapshot(), d.pref)
	d.logger.Debug("Route decision",
		"tool_name", call.Name,
		"target_node", decision.NodeID,
		"local", decision.Local,
		"score", decision.Score,
	)

	if decision.Local {
		return d.local.Execute(ctx, call, config)
	}

	result, err := d.executeRemote(ctx, decision.NodeID, call, config)
	if err != nil {
		d.logger.Warn("Remote execution failed, falling back to local",
			"tool_name", call.Name,
			"target_node", decision.NodeID,
			"error", err.Error(),
		)
		res := d.local.Execute(ctx, call, config)
		res.Flags = append(res.Flags, flagFallbackLocal)
		return res
	}

	d.rememberAffinity(call.Name, decision.NodeID)
	result.Flags = append(result.Flags, flagRemote)
	return result
}

func (d *Dispatcher) executeRemote(ctx context.Context, nodeID string, call core.ToolCall, config core.RunConfig) (core.ToolResult, error) {
	url := d.peerURL(nodeID)
	if url == "" {
		return core.ToolResult{}, core.NewError(core.ErrCodeExecution, "peer '%s' has no advertise url", nodeID)
	}
	result, err := d.client.Execute(ctx, url, ExecuteRequest{Call: call, Config: config})
	if err != nil {
		return core.ToolResult{}, err
	}
	// A transported error result counts as a remote failure too; the local
	// attempt may still succeed.
	if !result.OK {
		return core.ToolResult{}, core.NewError(result.ErrorCode, "%s", result.ErrorMessage)
	}
	return result, nil
}

func (d *Dispatcher) peerURL(nodeID string) string {
	for _, peer := range d.coord.Peers() {
		if peer.Info.NodeID == nodeID {
			return peer.Info.AdvertiseURL
		}
	}
	return ""
}

func (d *Dispatcher) affinitySnapshot() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := make(map[string]string, len(d.affinity))
	for k, v := range d.affinity {
		snap[k] = v
	}
	return snap
}

func (d *Dispatcher) rememberAffinity(tool, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.affinity[tool] = nodeID
}

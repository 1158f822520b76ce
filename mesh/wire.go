package mesh

import (
	"time"

	"github.com/crawlmesh/crawlmesh/core"
)

// TokenHeader carries the mesh auth token on every authenticated request.
const TokenHeader = "X-Mesh-Token"

// Health classifies a peer's liveness from heartbeat recency. Decay is
// monotonic: healthy peers age into unhealthy, unhealthy peers are removed;
// only a fresh heartbeat resets the clock.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// NodeInfo identifies a mesh node. NodeID is stable for the process
// lifetime; Tools lists the tool names the node can execute.
type NodeInfo struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"name"`
	AdvertiseURL string   `json:"advertise_url"`
	Tools        []string `json:"tools,omitempty"`
}

// NodeLoad is a node's self-reported execution pressure, refreshed on every
// local load query and pushed on every heartbeat.
type NodeLoad struct {
	ActiveRuns  int       `json:"active_runs"`
	QueueDepth  int       `json:"queue_depth"`
	LastUpdated time.Time `json:"last_updated"`
}

// PeerState is one peer table entry: identity, last reported load, and the
// heartbeat timestamp health derives from. Mutated only by the coordinator
// under its table lock; the router reads copies.
type PeerState struct {
	Info          NodeInfo  `json:"info"`
	Load          NodeLoad  `json:"load"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Health        Health    `json:"health"`
}

// JoinRequest announces a node to a peer.
type JoinRequest struct {
	Node NodeInfo `json:"node"`
}

// JoinResponse returns the receiver's current peer table. Gossip is one
// hop: the joiner merges these peers but never contacts peers-of-peers in
// turn.
type JoinResponse struct {
	Peers []PeerState `json:"peers"`
}

// HeartbeatRequest pushes a node's current load to a peer.
type HeartbeatRequest struct {
	NodeID string   `json:"node_id"`
	Load   NodeLoad `json:"load"`
}

// LeaveRequest is the best-effort departure notice.
type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

// AckResponse acknowledges heartbeat and leave requests.
type AckResponse struct {
	Ack bool `json:"ack"`
}

// ExecuteRequest asks a peer to run one tool call. Hop must be zero on
// entry; any request that already crossed a node is rejected, capping
// routing at a single hop. Config travels with the call so the executing
// node applies the originating run's policy.
type ExecuteRequest struct {
	Call   core.ToolCall  `json:"call"`
	Config core.RunConfig `json:"config"`
	Hop    int            `json:"hop"`
	RunID  string         `json:"run_id,omitempty"`
}

// ExecuteResponse carries the normalized result back to the caller.
type ExecuteResponse struct {
	Result core.ToolResult `json:"result"`
}

// StatusResponse is the unauthenticated node status view.
type StatusResponse struct {
	NodeID    string   `json:"node_id"`
	State     string   `json:"state"`
	Load      NodeLoad `json:"load"`
	Healthy   int      `json:"healthy_peers"`
	Unhealthy int      `json:"unhealthy_peers"`
}

package mesh

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/dispatch"
	"github.com/crawlmesh/crawlmesh/logging"
)

// Executor runs one tool call under a run config. The local dispatcher
// satisfies it; the mesh dispatcher wraps one.
type Executor = dispatch.Executor

// Membership lifecycle states.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateJoining       State = "joining"
	StateActive        State = "active"
	StateLeaving       State = "leaving"
	StateStopped       State = "stopped"
)

// Health thresholds and heartbeat cadence defaults. A peer is unhealthy
// after three missed heartbeats and dropped entirely at the removal
// threshold. Both thresholds are inclusive: a peer exactly at the boundary
// has already decayed.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultUnhealthyAfter    = 45 * time.Second
	DefaultRemoveAfter       = 120 * time.Second
)

// Config wires a Coordinator.
type Config struct {
	// Enabled gates the whole mesh layer. Disabled coordinators stay
	// uninitialized with zero overhead.
	Enabled bool
	// Self identifies this node; never entered into the peer table.
	Self NodeInfo
	// Seeds are peer base URLs contacted on start. Unreachable seeds are
	// retried at every heartbeat tick, not abandoned.
	Seeds []string
	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// UnhealthyAfter defaults to DefaultUnhealthyAfter.
	UnhealthyAfter time.Duration
	// RemoveAfter defaults to DefaultRemoveAfter.
	RemoveAfter time.Duration
}

// LoadFunc reports the node's current execution pressure.
type LoadFunc func() NodeLoad

// Coordinator owns the peer table and the node's membership lifecycle. All
// table access, from the heartbeat loop and from inbound handlers alike,
// goes through one table-wide lock so a PeerState is never observed half
// updated.
type Coordinator struct {
	cfg    Config
	client *Client
	local  Executor
	loadFn LoadFunc
	logger logging.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        State
	peers        map[string]*PeerState
	pendingSeeds map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// CoordinatorOptions holds overrides for NewCoordinator.
type CoordinatorOptions struct {
	// LoadFunc defaults to reporting zero load.
	LoadFunc LoadFunc
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// Now injects a clock for health-boundary tests.
	Now func() time.Time
}

// NewCoordinator creates a coordinator executing inbound calls on local.
func NewCoordinator(cfg Config, client *Client, local Executor, optFns ...func(o *CoordinatorOptions)) *Coordinator {
	opts := CoordinatorOptions{
		LoadFunc: func() NodeLoad { return NodeLoad{} },
		Logger:   logging.NoOpLogger{},
		Now:      time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = DefaultUnhealthyAfter
	}
	if cfg.RemoveAfter <= 0 {
		cfg.RemoveAfter = DefaultRemoveAfter
	}
	return &Coordinator{
		cfg:          cfg,
		client:       client,
		local:        local,
		loadFn:       opts.LoadFunc,
		logger:       opts.Logger,
		now:          opts.Now,
		state:        StateUninitialized,
		peers:        make(map[string]*PeerState),
		pendingSeeds: make(map[string]struct{}),
	}
}

// Start joins the mesh and launches the heartbeat loop. With the mesh
// disabled it returns immediately and the coordinator stays uninitialized.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}

	c.setState(StateJoining)
	for _, seed := range c.cfg.Seeds {
		if err := c.joinSeed(ctx, seed); err != nil {
			c.logger.Warn("Seed unreachable, will retry at heartbeat interval", "seed", seed, "error", err.Error())
			c.mu.Lock()
			c.pendingSeeds[seed] = struct{}{}
			c.mu.Unlock()
		}
	}
	c.setState(StateActive)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.heartbeatLoop(loopCtx)

	c.logger.Info("Mesh coordinator active",
		"node_id", c.cfg.Self.NodeID,
		"seeds", len(c.cfg.Seeds),
		"peers", len(c.Peers()),
	)
	return nil
}

// Stop notifies peers best effort and halts the heartbeat loop. Notify
// failures are ignored; peers time the node out via heartbeat decay anyway.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateActive {
		c.state = StateStopped
		c.mu.Unlock()
		return
	}
	c.state = StateLeaving
	urls := c.peerURLsLocked()
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		g.Go(func() error {
			if err := c.client.Leave(gctx, url); err != nil {
				c.logger.Debug("Leave notification failed", "peer_url", url, "error", err.Error())
			}
			return nil
		})
	}
	g.Wait()

	c.setState(StateStopped)
	c.logger.Info("Mesh coordinator stopped", "node_id", c.cfg.Self.NodeID)
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Self returns this node's identity.
func (c *Coordinator) Self() NodeInfo { return c.cfg.Self }

// LocalLoad refreshes and returns this node's load.
func (c *Coordinator) LocalLoad() NodeLoad {
	load := c.loadFn()
	load.LastUpdated = c.now()
	return load
}

// Peers returns the current peer table with health computed lazily from
// heartbeat age: healthy under the unhealthy threshold, unhealthy under the
// removal threshold, gone past it. Entries are copies.
func (c *Coordinator) Peers() []PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]PeerState, 0, len(c.peers))
	for id, peer := range c.peers {
		age := now.Sub(peer.LastHeartbeat)
		if age >= c.cfg.RemoveAfter {
			delete(c.peers, id)
			c.logger.Info("Peer removed after heartbeat silence", "peer_id", id, "age", age)
			continue
		}
		if age >= c.cfg.UnhealthyAfter {
			peer.Health = HealthUnhealthy
		} else {
			peer.Health = HealthHealthy
		}
		out = append(out, *peer)
	}
	return out
}

// Status summarizes the node for the unauthenticated status endpoint.
func (c *Coordinator) Status() StatusResponse {
	peers := c.Peers()
	resp := StatusResponse{
		NodeID: c.cfg.Self.NodeID,
		State:  string(c.State()),
		Load:   c.LocalLoad(),
	}
	for _, p := range peers {
		if p.Health == HealthHealthy {
			resp.Healthy++
		} else {
			resp.Unhealthy++
		}
	}
	return resp
}

// HandleJoin admits a peer and returns the current table for 1-hop gossip.
func (c *Coordinator) HandleJoin(req JoinRequest) JoinResponse {
	c.upsertPeer(req.Node, NodeLoad{})
	c.logger.Info("Peer joined", "peer_id", req.Node.NodeID, "peer_url", req.Node.AdvertiseURL)
	return JoinResponse{Peers: c.Peers()}
}

// HandleHeartbeat refreshes a peer's load and heartbeat timestamp. An
// unknown sender is admitted; a heartbeat is as good as a join.
func (c *Coordinator) HandleHeartbeat(req HeartbeatRequest) AckResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.NodeID == c.cfg.Self.NodeID {
		return AckResponse{Ack: true}
	}
	peer, ok := c.peers[req.NodeID]
	if !ok {
		peer = &PeerState{Info: NodeInfo{NodeID: req.NodeID}}
		c.peers[req.NodeID] = peer
	}
	peer.Load = req.Load
	peer.LastHeartbeat = c.now()
	peer.Health = HealthHealthy
	return AckResponse{Ack: true}
}

// HandleLeave drops a departing peer.
func (c *Coordinator) HandleLeave(req LeaveRequest) AckResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, req.NodeID)
	return AckResponse{Ack: true}
}

// HandleExecute runs an inbound tool call on the local dispatcher. The hop
// marker has already been checked at the transport layer; this node never
// re-forwards the call.
func (c *Coordinator) HandleExecute(ctx context.Context, req ExecuteRequest) ExecuteResponse {
	config := req.Config
	if config.Validate() != nil {
		config = core.DefaultRunConfig()
	}
	result := c.local.Execute(ctx, req.Call, config)
	return ExecuteResponse{Result: result}
}

// heartbeatLoop pushes load to every peer at the configured cadence and
// retries pending seeds. Send failures are left to health decay; the loop
// itself never errors out.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.retryPendingSeeds(ctx)
			c.pushHeartbeats(ctx)
		}
	}
}

func (c *Coordinator) pushHeartbeats(ctx context.Context) {
	c.mu.Lock()
	urls := c.peerURLsLocked()
	c.mu.Unlock()
	if len(urls) == 0 {
		return
	}

	load := c.LocalLoad()
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		g.Go(func() error {
			if err := c.client.Heartbeat(gctx, url, load); err != nil {
				c.logger.Debug("Heartbeat send failed", "peer_url", url, "error", err.Error())
			}
			return nil
		})
	}
	g.Wait()
}

func (c *Coordinator) retryPendingSeeds(ctx context.Context) {
	c.mu.Lock()
	pending := make([]string, 0, len(c.pendingSeeds))
	for seed := range c.pendingSeeds {
		pending = append(pending, seed)
	}
	c.mu.Unlock()

	for _, seed := range pending {
		if err := c.joinSeed(ctx, seed); err != nil {
			continue
		}
		c.mu.Lock()
		delete(c.pendingSeeds, seed)
		c.mu.Unlock()
	}
}

// joinSeed contacts one seed and merges its gossip. Merge is one hop only:
// returned peers enter the table but are never themselves contacted for
// their peers.
func (c *Coordinator) joinSeed(ctx context.Context, seed string) error {
	resp, err := c.client.Join(ctx, seed, c.cfg.Self)
	if err != nil {
		return err
	}
	for _, peer := range resp.Peers {
		c.upsertPeer(peer.Info, peer.Load)
	}
	return nil
}

// upsertPeer admits or refreshes a peer, never the local node.
func (c *Coordinator) upsertPeer(info NodeInfo, load NodeLoad) {
	if info.NodeID == "" || info.NodeID == c.cfg.Self.NodeID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	peer, ok := c.peers[info.NodeID]
	if !ok {
		peer = &PeerState{}
		c.peers[info.NodeID] = peer
	}
	peer.Info = info
	peer.Load = load
	peer.LastHeartbeat = c.now()
	peer.Health = HealthHealthy
}

// peerURLsLocked lists peer advertise URLs; caller holds the table lock.
func (c *Coordinator) peerURLsLocked() []string {
	urls := make([]string, 0, len(c.peers))
	for _, peer := range c.peers {
		if peer.Info.AdvertiseURL != "" {
			urls = append(urls, peer.Info.AdvertiseURL)
		}
	}
	return urls
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

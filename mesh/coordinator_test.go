package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlmesh/crawlmesh/core"
)

// testClock is an adjustable clock for health-boundary tests.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCoordinator(clock *testClock) *Coordinator {
	return NewCoordinator(
		Config{
			Enabled: true,
			Self:    NodeInfo{NodeID: "local", AdvertiseURL: "http://local"},
		},
		nil,
		nil,
		func(o *CoordinatorOptions) { o.Now = clock.Now },
	)
}

func heartbeatFrom(c *Coordinator, nodeID string) {
	c.HandleHeartbeat(HeartbeatRequest{NodeID: nodeID, Load: NodeLoad{ActiveRuns: 1}})
}

func findPeer(peers []PeerState, nodeID string) (PeerState, bool) {
	for _, p := range peers {
		if p.Info.NodeID == nodeID {
			return p, true
		}
	}
	return PeerState{}, false
}

func TestHealthBoundaries(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	coord := newTestCoordinator(clock)
	heartbeatFrom(coord, "peer-1")

	// 44s after the heartbeat the peer is still healthy.
	clock.Advance(44 * time.Second)
	p, ok := findPeer(coord.Peers(), "peer-1")
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, p.Health)

	// At exactly 45s it has decayed to unhealthy.
	clock.Advance(1 * time.Second)
	p, ok = findPeer(coord.Peers(), "peer-1")
	require.True(t, ok)
	assert.Equal(t, HealthUnhealthy, p.Health)

	// At 119s it is still present.
	clock.Advance(74 * time.Second)
	p, ok = findPeer(coord.Peers(), "peer-1")
	require.True(t, ok)
	assert.Equal(t, HealthUnhealthy, p.Health)

	// At exactly 120s the entry is dropped from the table.
	clock.Advance(1 * time.Second)
	_, ok = findPeer(coord.Peers(), "peer-1")
	assert.False(t, ok)
}

func TestHeartbeatResetsDecay(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	coord := newTestCoordinator(clock)
	heartbeatFrom(coord, "peer-1")

	clock.Advance(100 * time.Second)
	p, ok := findPeer(coord.Peers(), "peer-1")
	require.True(t, ok)
	require.Equal(t, HealthUnhealthy, p.Health)

	// A fresh heartbeat restores the peer to healthy with a reset clock.
	heartbeatFrom(coord, "peer-1")
	p, ok = findPeer(coord.Peers(), "peer-1")
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, p.Health)

	clock.Advance(44 * time.Second)
	p, _ = findPeer(coord.Peers(), "peer-1")
	assert.Equal(t, HealthHealthy, p.Health)
}

func TestPeerTableNeverContainsLocalNode(t *testing.T) {
	clock := &testClock{now: time.Now()}
	coord := newTestCoordinator(clock)

	coord.HandleJoin(JoinRequest{Node: NodeInfo{NodeID: "local", AdvertiseURL: "http://local"}})
	heartbeatFrom(coord, "local")

	_, ok := findPeer(coord.Peers(), "local")
	assert.False(t, ok)
}

func TestHandleJoinReturnsGossip(t *testing.T) {
	clock := &testClock{now: time.Now()}
	coord := newTestCoordinator(clock)
	heartbeatFrom(coord, "peer-1")

	resp := coord.HandleJoin(JoinRequest{Node: NodeInfo{NodeID: "peer-2", AdvertiseURL: "http://peer-2"}})

	ids := make([]string, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		ids = append(ids, p.Info.NodeID)
	}
	assert.ElementsMatch(t, []string{"peer-1", "peer-2"}, ids)
}

func TestHandleLeaveRemovesPeer(t *testing.T) {
	clock := &testClock{now: time.Now()}
	coord := newTestCoordinator(clock)
	heartbeatFrom(coord, "peer-1")

	resp := coord.HandleLeave(LeaveRequest{NodeID: "peer-1"})
	assert.True(t, resp.Ack)

	_, ok := findPeer(coord.Peers(), "peer-1")
	assert.False(t, ok)
}

func TestHandleExecuteUsesLocalDispatcher(t *testing.T) {
	clock := &testClock{now: time.Now()}
	executed := make(chan core.ToolCall, 1)
	coord := NewCoordinator(
		Config{Enabled: true, Self: NodeInfo{NodeID: "local"}},
		nil,
		executorFunc(func(_ context.Context, call core.ToolCall, _ core.RunConfig) core.ToolResult {
			executed <- call
			return core.OKResult(call.ID, "remote says hi", 0)
		}),
		func(o *CoordinatorOptions) { o.Now = clock.Now },
	)

	resp := coord.HandleExecute(context.Background(), ExecuteRequest{
		Call:   core.ToolCall{ID: "c1", Name: "fetch"},
		Config: core.DefaultRunConfig(),
	})

	require.True(t, resp.Result.OK)
	assert.Equal(t, "remote says hi", resp.Result.Payload)
	assert.Equal(t, "fetch", (<-executed).Name)
}

func TestDisabledCoordinatorStaysUninitialized(t *testing.T) {
	coord := NewCoordinator(Config{Enabled: false, Self: NodeInfo{NodeID: "local"}}, nil, nil)

	require.NoError(t, coord.Start(context.Background()))
	assert.Equal(t, StateUninitialized, coord.State())

	coord.Stop(context.Background())
	assert.Equal(t, StateStopped, coord.State())
}

type executorFunc func(ctx context.Context, call core.ToolCall, config core.RunConfig) core.ToolResult

func (f executorFunc) Execute(ctx context.Context, call core.ToolCall, config core.RunConfig) core.ToolResult {
	return f(ctx, call, config)
}

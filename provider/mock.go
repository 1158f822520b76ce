package provider

import (
	"context"
	"sync"

	"github.com/crawlmesh/crawlmesh/core"
)

// Mock is a lightweight in-memory Adapter useful for tests and examples. It
// replays a scripted sequence of actions; when the script runs out it keeps
// returning the final action.
type Mock struct {
	mu      sync.Mutex
	script  []core.AssistantAction
	index   int
	failErr error

	// PlanCalls counts Plan invocations, for assertions on loop bounds.
	PlanCalls int
	// VisionText is returned by ExtractImage when set.
	VisionText string
}

// NewMock creates a mock adapter replaying actions in order.
func NewMock(actions ...core.AssistantAction) *Mock {
	return &Mock{script: actions}
}

// FailWith makes every subsequent Plan call return err.
func (m *Mock) FailWith(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	return m
}

// Plan implements Adapter.
func (m *Mock) Plan(_ context.Context, _ []core.Message, _ []ToolSpec) (core.AssistantAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlanCalls++
	if m.failErr != nil {
		return nil, m.failErr
	}
	if len(m.script) == 0 {
		return core.Respond{Text: ""}, nil
	}
	action := m.script[m.index]
	if m.index < len(m.script)-1 {
		m.index++
	}
	return action, nil
}

// ExtractImage implements VisionAdapter when VisionText is set.
func (m *Mock) ExtractImage(context.Context, []byte, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.VisionText == "" {
		return "", core.NewError(core.ErrCodeProvider, "mock adapter has no vision text configured")
	}
	return m.VisionText, nil
}

// Info implements Adapter.
func (m *Mock) Info() Info {
	return Info{Name: "mock", Provider: "mock", SupportsVision: m.VisionText != ""}
}

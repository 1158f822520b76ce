package policy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crawlmesh/crawlmesh/core"
)

func resolveTo(ips ...string) func(string) ([]net.IP, error) {
	return func(string) ([]net.IP, error) {
		out := make([]net.IP, len(ips))
		for i, ip := range ips {
			out[i] = net.ParseIP(ip)
		}
		return out, nil
	}
}

func TestGateToolAllowlist(t *testing.T) {
	gate := NewGate()
	config := core.DefaultRunConfig()
	config.AllowedTools = []string{"fetch"}

	verdict := gate.Check(core.ToolCall{Name: "fetch"}, config)
	assert.True(t, verdict.Allowed)

	verdict = gate.Check(core.ToolCall{Name: "shell"}, config)
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Flags, "tool_blocked")
}

func TestGateDomainAllowlist(t *testing.T) {
	gate := &DefaultGate{Resolve: resolveTo("93.184.216.34")}
	config := core.DefaultRunConfig()
	config.AllowedDomains = []string{"example.com"}

	verdict := gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"url": "https://example.com/page"},
	}, config)
	assert.True(t, verdict.Allowed)

	// Subdomains of an allowed domain pass.
	verdict = gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"url": "https://docs.example.com/page"},
	}, config)
	assert.True(t, verdict.Allowed)

	verdict = gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"url": "https://evil.com/page"},
	}, config)
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "allowlist")
}

func TestGateBlocksPrivateRanges(t *testing.T) {
	gate := &DefaultGate{Resolve: resolveTo("10.0.0.5")}
	config := core.DefaultRunConfig()

	verdict := gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"url": "https://internal.corp/secrets"},
	}, config)
	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Flags, "url_blocked")

	// Literal loopback addresses never need resolution.
	verdict = gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"url": "http://127.0.0.1:8080/admin"},
	}, config)
	assert.False(t, verdict.Allowed)
}

func TestGatePrivateRangesAllowedWhenDisabled(t *testing.T) {
	gate := NewGate()
	config := core.DefaultRunConfig()
	config.BlockPrivateRanges = false

	verdict := gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"url": "http://127.0.0.1:8080/dev"},
	}, config)
	assert.True(t, verdict.Allowed)
}

func TestGateUnparseableURL(t *testing.T) {
	gate := NewGate()

	verdict := gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"url": "://not-a-url"},
	}, core.DefaultRunConfig())
	assert.False(t, verdict.Allowed)
}

func TestGateIgnoresNonURLArgs(t *testing.T) {
	gate := NewGate()

	verdict := gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"query": "http://127.0.0.1/this-is-just-text"},
	}, core.DefaultRunConfig())
	assert.True(t, verdict.Allowed, "only URL-bearing arg keys are gated")
}

func TestGateURLListArgs(t *testing.T) {
	gate := NewGate()

	verdict := gate.Check(core.ToolCall{
		Name: "fetch",
		Args: map[string]any{"urls": []any{"https://example.com", "http://127.0.0.1/x"}},
	}, core.DefaultRunConfig())
	assert.False(t, verdict.Allowed, "one bad URL in a list denies the call")
}

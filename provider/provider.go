// Package provider defines the planning oracle interface consumed by the
// agent engine and the adapters implementing it. An Adapter turns run
// history plus tool schemas into the next AssistantAction. Concrete
// implementations live in the anthropic and openai subpackages; Fallback
// composes several adapters with rotation on failure.
package provider

import (
	"context"

	"github.com/crawlmesh/crawlmesh/core"
)

// ToolSpec declaratively exposes a callable tool to the planner. Parameters
// is a JSON Schema object (minimal subset expected).
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Info contains metadata about an adapter implementation.
type Info struct {
	Name           string `json:"name"`
	Provider       string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsVision bool   `json:"supports_vision"`
}

// Adapter is the minimal planning interface the engine depends on. Plan
// failures must be typed provider_error so the engine can trigger rotation
// instead of retrying in place.
type Adapter interface {
	// Plan sends the conversation and tool schemas, returning the next
	// assistant action.
	Plan(ctx context.Context, history []core.Message, tools []ToolSpec) (core.AssistantAction, error)

	// Info returns information about the adapter implementation.
	Info() Info
}

// VisionAdapter is implemented by adapters whose backing model can extract
// text from an image. The ghost fallback path depends on it.
type VisionAdapter interface {
	// ExtractImage reads content from rendered pixels; prompt steers the
	// extraction.
	ExtractImage(ctx context.Context, image []byte, prompt string) (string, error)
}

package provider

import (
	"context"
	"sync"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/logging"
)

// Fallback composes an ordered list of adapters behind the same planning
// interface. A failed Plan advances the current index to the next adapter
// and re-attempts; after every adapter has been tried twice the last
// failure is returned as a provider_error. The decorator keeps rotation
// state internal so it stays swappable in tests.
type Fallback struct {
	mu       sync.Mutex
	adapters []Adapter
	current  int
	logger   logging.Logger
}

// NewFallback builds the rotation decorator. It panics on an empty adapter
// list since a planner-less engine cannot run.
func NewFallback(adapters []Adapter, logger logging.Logger) *Fallback {
	if len(adapters) == 0 {
		panic("provider: Fallback requires at least one adapter")
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Fallback{adapters: adapters, logger: logger}
}

// Plan implements Adapter with rotation on failure.
func (f *Fallback) Plan(ctx context.Context, history []core.Message, tools []ToolSpec) (core.AssistantAction, error) {
	var lastErr error

	for attempt := 0; attempt < len(f.adapters)*2; attempt++ {
		adapter := f.pick()
		action, err := adapter.Plan(ctx, history, tools)
		if err == nil {
			return action, nil
		}
		lastErr = err
		f.logger.Warn("Provider failed, rotating",
			"provider", adapter.Info().Provider,
			"attempt", attempt+1,
			"error", err.Error(),
		)
		f.rotate()

		if ctx.Err() != nil {
			break
		}
	}

	return nil, core.WrapError(core.ErrCodeProvider, lastErr, "all providers exhausted")
}

// ExtractImage implements VisionAdapter by walking the rotation until a
// vision-capable adapter succeeds.
func (f *Fallback) ExtractImage(ctx context.Context, image []byte, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < len(f.adapters); attempt++ {
		adapter := f.pick()
		va, ok := adapter.(VisionAdapter)
		if !ok {
			f.rotate()
			continue
		}
		text, err := va.ExtractImage(ctx, image, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		f.rotate()
	}

	if lastErr != nil {
		return "", core.WrapError(core.ErrCodeProvider, lastErr, "vision extraction failed on every adapter")
	}
	return "", core.NewError(core.ErrCodeProvider, "no adapter in the fallback chain supports vision")
}

// Info reports the currently selected adapter's info.
func (f *Fallback) Info() Info {
	return f.pick().Info()
}

func (f *Fallback) pick() Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[f.current]
}

func (f *Fallback) rotate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = (f.current + 1) % len(f.adapters)
}

package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/internal/util"
)

func echoEntry(name string) Entry {
	return Entry{
		Name: name,
		Schema: util.ObjectSchema(map[string]any{
			"text": map[string]any{"type": "string"},
		}, "text"),
		Handler: HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		}),
	}
}

func TestExecuteSuccess(t *testing.T) {
	registry := NewRegistry()
	registry.Register(echoEntry("echo"))
	d := New(registry)

	res := d.Execute(context.Background(), core.ToolCall{
		ID: "c1", Name: "echo", Args: map[string]any{"text": "hello"},
	}, core.DefaultRunConfig())

	require.True(t, res.OK)
	assert.Equal(t, "hello", res.Payload)
	assert.Equal(t, "c1", res.ToolCallID)
}

func TestExecuteUnknownTool(t *testing.T) {
	d := New(NewRegistry())

	res := d.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "nope"}, core.DefaultRunConfig())

	require.False(t, res.OK)
	assert.Equal(t, core.ErrCodeToolUnavailable, res.ErrorCode)
	assert.False(t, res.Retriable)
}

func TestExecuteSchemaMismatch(t *testing.T) {
	registry := NewRegistry()
	registry.Register(echoEntry("echo"))
	d := New(registry)

	res := d.Execute(context.Background(), core.ToolCall{
		ID: "c1", Name: "echo", Args: map[string]any{"text": 42},
	}, core.DefaultRunConfig())

	require.False(t, res.OK)
	assert.Equal(t, core.ErrCodeValidation, res.ErrorCode)
}

func TestExecutePolicyDeniedNeverInvokesHandler(t *testing.T) {
	var invoked atomic.Int32
	registry := NewRegistry()
	registry.Register(Entry{
		Name:   "blocked",
		Schema: util.ObjectSchema(nil),
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			invoked.Add(1)
			return nil, nil
		}),
	})
	d := New(registry)

	config := core.DefaultRunConfig()
	config.AllowedTools = []string{"something-else"}

	res := d.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "blocked"}, config)

	require.False(t, res.OK)
	assert.Equal(t, core.ErrCodePolicyDenied, res.ErrorCode)
	assert.Contains(t, res.Flags, "tool_blocked")
	assert.Equal(t, int32(0), invoked.Load(), "denied calls must never reach the handler")
}

func TestExecuteTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Entry{
		Name:    "slow",
		Schema:  util.ObjectSchema(nil),
		Timeout: 20 * time.Millisecond,
		// Retries left at default so the timeout is attempted twice.
		Handler: HandlerFunc(func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	d := New(registry)

	start := time.Now()
	res := d.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "slow"}, core.DefaultRunConfig())

	require.False(t, res.OK)
	assert.Equal(t, core.ErrCodeToolTimeout, res.ErrorCode)
	assert.True(t, res.Retriable)
	// One attempt plus the single retry, both bounded by the entry timeout.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecuteRetriesExactlyOnce(t *testing.T) {
	var attempts atomic.Int32
	registry := NewRegistry()
	registry.Register(Entry{
		Name:   "flaky",
		Schema: util.ObjectSchema(nil),
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			n := attempts.Add(1)
			return nil, core.NewError(core.ErrCodeExecution, "failure %d", n).WithRetriable(true)
		}),
	})
	d := New(registry)

	res := d.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "flaky"}, core.DefaultRunConfig())

	require.False(t, res.OK)
	assert.Equal(t, int32(2), attempts.Load(), "exactly one retry after the first failure")
	assert.Contains(t, res.ErrorMessage, "failure 2", "the second failure is returned as-is")
}

func TestExecuteRetriableSucceedsOnRetry(t *testing.T) {
	var attempts atomic.Int32
	registry := NewRegistry()
	registry.Register(Entry{
		Name:   "flaky",
		Schema: util.ObjectSchema(nil),
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			if attempts.Add(1) == 1 {
				return nil, core.NewError(core.ErrCodeToolTimeout, "transient")
			}
			return "ok", nil
		}),
	})
	d := New(registry)

	res := d.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "flaky"}, core.DefaultRunConfig())

	require.True(t, res.OK)
	assert.Equal(t, "ok", res.Payload)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestExecuteNonRetriableNotRetried(t *testing.T) {
	var attempts atomic.Int32
	registry := NewRegistry()
	registry.Register(Entry{
		Name:   "broken",
		Schema: util.ObjectSchema(nil),
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			attempts.Add(1)
			return nil, errors.New("plain failure")
		}),
	})
	d := New(registry)

	res := d.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "broken"}, core.DefaultRunConfig())

	require.False(t, res.OK)
	assert.Equal(t, core.ErrCodeExecution, res.ErrorCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExecutePanicNormalized(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Entry{
		Name:   "panics",
		Schema: util.ObjectSchema(nil),
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			panic("boom")
		}),
	})
	d := New(registry)

	res := d.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "panics"}, core.DefaultRunConfig())

	require.False(t, res.OK)
	assert.Equal(t, core.ErrCodeExecution, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "panicked")
}

func TestExecuteDoesNotMutateArgs(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Entry{
		Name:   "mutator",
		Schema: util.ObjectSchema(nil),
		Handler: HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			return len(args), nil
		}),
	})
	d := New(registry)

	args := map[string]any{"a": 1, "b": 2}
	d.Execute(context.Background(), core.ToolCall{ID: "c1", Name: "mutator", Args: args}, core.DefaultRunConfig())

	assert.Equal(t, map[string]any{"a": 1, "b": 2}, args)
}

func TestRegisterRejectsInvalidEntries(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(Entry{Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
		return nil, nil
	})})
	require.Error(t, err)
	assert.Equal(t, core.ErrCodeValidation, core.CodeOf(err))

	err = registry.Register(Entry{Name: "no-handler"})
	require.Error(t, err)
	assert.Equal(t, core.ErrCodeValidation, core.CodeOf(err))

	assert.Empty(t, registry.Names())
	require.NoError(t, registry.Register(echoEntry("echo")))
	assert.Equal(t, []string{"echo"}, registry.Names())
}

package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunState enumerates the agent loop states.
type RunState string

const (
	StateInit        RunState = "init"
	StatePlan        RunState = "plan"
	StateExecuteTool RunState = "execute_tool"
	StateObserve     RunState = "observe"
	StateRespond     RunState = "respond"
	StateGhost       RunState = "ghost"
	StateStop        RunState = "stop"
	StateError       RunState = "error"
)

// StopReason records why the agent loop terminated.
type StopReason string

const (
	StopCompleted    StopReason = "completed"
	StopMaxSteps     StopReason = "max_steps"
	StopMaxWallTime  StopReason = "max_wall_time"
	StopMaxFailures  StopReason = "max_failures"
	StopNoOpLoop     StopReason = "no_op_loop"
	StopPolicyDenied StopReason = "policy_denied"
)

// RunConfig bounds a single agent run. It is validated once before the run
// starts and treated as immutable afterwards.
type RunConfig struct {
	// MaxSteps limits planning iterations. Must be > 0.
	MaxSteps int `json:"max_steps"`
	// MaxWallTime limits total run duration. Must be > 0.
	MaxWallTime time.Duration `json:"max_wall_time"`
	// MaxFailures limits failing tool calls. Must be > 0.
	MaxFailures int `json:"max_failures"`
	// AllowedTools restricts which tools the run may invoke. Empty = all.
	AllowedTools []string `json:"allowed_tools,omitempty"`
	// AllowedDomains restricts target hostnames for URL-bearing tool args.
	// Empty = policy default.
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	// BlockPrivateRanges denies fetches against loopback / RFC1918 targets.
	BlockPrivateRanges bool `json:"block_private_ranges"`
	// AllowGhost enables the vision fallback path on detected blocks.
	AllowGhost bool `json:"allow_ghost"`
}

// DefaultRunConfig returns the standard production limits.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxSteps:           12,
		MaxWallTime:        90 * time.Second,
		MaxFailures:        3,
		BlockPrivateRanges: true,
	}
}

// Validate reports a validation_error for any non-positive budget. Runs with
// an invalid config never start.
func (c RunConfig) Validate() error {
	if c.MaxSteps <= 0 {
		return NewError(ErrCodeValidation, "max_steps must be > 0, got %d", c.MaxSteps)
	}
	if c.MaxWallTime <= 0 {
		return NewError(ErrCodeValidation, "max_wall_time must be > 0, got %s", c.MaxWallTime)
	}
	if c.MaxFailures <= 0 {
		return NewError(ErrCodeValidation, "max_failures must be > 0, got %d", c.MaxFailures)
	}
	return nil
}

// ToolAllowed reports whether the config permits invoking name.
func (c RunConfig) ToolAllowed(name string) bool {
	if len(c.AllowedTools) == 0 {
		return true
	}
	for _, t := range c.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// ToolCall is a single tool invocation requested by the planner. Immutable
// once produced.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the normalized outcome of executing one ToolCall. Exactly one
// of the ok / err shapes is populated: OK with Payload, or !OK with ErrorCode
// and ErrorMessage. Consumed once by the engine.
type ToolResult struct {
	ToolCallID   string        `json:"tool_call_id"`
	OK           bool          `json:"ok"`
	Payload      any           `json:"payload,omitempty"`
	ErrorCode    ErrorCode     `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Retriable    bool          `json:"retriable"`
	Duration     time.Duration `json:"duration"`
	// Flags carries routing / policy metadata for the StepTrace. Mesh
	// fallbacks are recorded here rather than surfacing as run errors.
	Flags []string `json:"flags,omitempty"`
}

// OKResult wraps a successful payload.
func OKResult(callID string, payload any, dur time.Duration) ToolResult {
	return ToolResult{ToolCallID: callID, OK: true, Payload: payload, Duration: dur}
}

// ErrResult normalizes err into a failed ToolResult.
func ErrResult(callID string, err error, dur time.Duration) ToolResult {
	return ToolResult{
		ToolCallID:   callID,
		OK:           false,
		ErrorCode:    CodeOf(err),
		ErrorMessage: err.Error(),
		Retriable:    RetriableOf(err),
		Duration:     dur,
	}
}

// StepTrace is the append-only record of one tool execution (or terminal
// respond step). Args are never stored raw; only ArgsHash survives so traces
// cannot leak secrets.
type StepTrace struct {
	RunID       string        `json:"run_id"`
	StepID      int           `json:"step_id"`
	State       RunState      `json:"state"`
	ToolName    string        `json:"tool_name,omitempty"`
	ArgsHash    string        `json:"args_hash,omitempty"`
	Duration    time.Duration `json:"duration"`
	Status      string        `json:"status"`
	ErrorCode   ErrorCode     `json:"error_code,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty"`
	PolicyFlags []string      `json:"policy_flags,omitempty"`
	// RenderMode distinguishes ghost-extracted results from normal ones.
	RenderMode string `json:"render_mode,omitempty"`
}

// Message roles used in run history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the run conversation handed to the provider
// adapter. Assistant messages may carry tool calls; tool messages carry the
// result for a specific call.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// RunResult is the terminal snapshot of a run. Created once at termination
// and handed to the trace collaborator for persistence.
type RunResult struct {
	RunID      string        `json:"run_id"`
	Success    bool          `json:"success"`
	State      RunState      `json:"state"`
	StopReason StopReason    `json:"stop_reason"`
	Response   string        `json:"response,omitempty"`
	Trace      []StepTrace   `json:"trace"`
	Steps      int           `json:"steps"`
	WallTime   time.Duration `json:"wall_time"`
	Err        string        `json:"error,omitempty"`
}

// NewID generates a short unique identifier for runs, nodes and tool calls.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

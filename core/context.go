package core

import "time"

// RunContext is the mutable state threaded through one agent run. It is
// exclusively owned by a single engine invocation and never shared across
// runs, so it needs no locking.
type RunContext struct {
	RunID  string
	Task   string
	Config RunConfig

	State    RunState
	Step     int
	Failures int
	NoOps    int

	Messages []Message
	Trace    []StepTrace

	Start time.Time
}

// NewRunContext seeds a context for task under config. The conversation
// starts with the task as the user message.
func NewRunContext(task string, config RunConfig) *RunContext {
	return &RunContext{
		RunID:    NewID(),
		Task:     task,
		Config:   config,
		State:    StateInit,
		Messages: []Message{{Role: RoleUser, Content: task}},
		Start:    time.Now(),
	}
}

// Elapsed returns wall time since the run started.
func (c *RunContext) Elapsed() time.Duration { return time.Since(c.Start) }

// AppendTrace appends a step record. Traces are never mutated after append.
func (c *RunContext) AppendTrace(t StepTrace) {
	t.RunID = c.RunID
	t.StepID = c.Step
	c.Trace = append(c.Trace, t)
}

// LastResponse returns the text of the most recent assistant message, or "".
func (c *RunContext) LastResponse() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		m := c.Messages[i]
		if m.Role == RoleAssistant && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

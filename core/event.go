package core

import "time"

// EventType enumerates run lifecycle events. One StateTransition event is
// emitted per engine state change; the remaining types mark the points tool
// and policy observers care about.
type EventType string

const (
	EventRunStart        EventType = "run_start"
	EventStateTransition EventType = "state_transition"
	EventStepStart       EventType = "step_start"
	EventToolDispatch    EventType = "tool_dispatch"
	EventToolResult      EventType = "tool_result"
	EventPolicyDenied    EventType = "policy_denied"
	EventStepEnd         EventType = "step_end"
	EventRunEnd          EventType = "run_end"
)

// Event is an immutable lifecycle record. Content depends on Type: tool
// events carry ToolName and Result, terminal events carry StopReason.
type Event struct {
	Type       EventType     `json:"type"`
	RunID      string        `json:"run_id"`
	StepID     int           `json:"step_id,omitempty"`
	State      RunState      `json:"state,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
	Result     *ToolResult   `json:"result,omitempty"`
	StopReason StopReason    `json:"stop_reason,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Subscriber receives engine events. Delivery is fire-and-forget: the engine
// never blocks on, or fails because of, a subscriber. Implementations must
// be safe for concurrent use when shared across runs.
type Subscriber interface {
	OnEvent(ev Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ev Event)

// OnEvent implements Subscriber.
func (f SubscriberFunc) OnEvent(ev Event) { f(ev) }

// NoOpSubscriber discards all events. Used when no observer is configured.
type NoOpSubscriber struct{}

// OnEvent implements Subscriber.
func (NoOpSubscriber) OnEvent(Event) {}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, runID string) Event {
	return Event{Type: t, RunID: runID, Timestamp: time.Now().UTC()}
}

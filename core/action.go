package core

// AssistantAction is the closed set of planner outcomes. The sealed marker
// method keeps the variant set checkable at compile time: a planning adapter
// can only ever return Respond or ToolCalls.
type AssistantAction interface {
	isAssistantAction()
}

// Respond is the terminal action: the assistant answers with text and the
// run completes.
type Respond struct {
	Text string `json:"text"`
}

func (Respond) isAssistantAction() {}

// ToolCalls requests execution of one or more tools, in order.
type ToolCalls struct {
	Calls []ToolCall `json:"calls"`
}

func (ToolCalls) isAssistantAction() {}

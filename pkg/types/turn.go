package types

import "encoding/json"

// TurnEventType tags the variants of a decoded turn event.
type TurnEventType string

const (
	TurnToolCall    TurnEventType = "tool_call"
	TurnToolResult  TurnEventType = "tool_result"
	TurnFinalAnswer TurnEventType = "final_answer"
	TurnError       TurnEventType = "error"
)

// TurnEvent is one protocol event decoded from a turn's response stream.
// Events are ephemeral: they are consumed once by the caller and only
// persist through their effect on history and the audit trail.
type TurnEvent struct {
	Type TurnEventType `json:"type"`
	// Name is the tool name for tool_call and tool_result events.
	Name string `json:"name,omitempty"`
	// Content is the answer or error text for final_answer and error
	// events, and the serialized payload for tool events.
	Content string `json:"content,omitempty"`
	// Args holds the tool call arguments for tool_call events.
	Args map[string]any `json:"args,omitempty"`
	// Response holds the raw tool output for tool_result events.
	Response json.RawMessage `json:"response,omitempty"`
}

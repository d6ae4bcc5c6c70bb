// Package protocol defines the wire types shared between the gateway core
// and the chat adapters: the orchestrator's streamed event union and the
// synchronous command request/response contract.
package protocol

import "encoding/json"

// Stream event types (tagged union, see StreamEvent.Type).
const (
	EventTextChunk  = "text_chunk"
	EventToolStart  = "tool_start"
	EventToolResult = "tool_result"
	EventComplete   = "complete"
	EventError      = "error"
)

// StreamEvent is one event in the orchestrator's output stream.
// Exactly one Complete event terminates a stream that finishes normally;
// a cancelled stream terminates without one.
type StreamEvent struct {
	Type string `json:"type"`

	// text_chunk
	Text string `json:"text,omitempty"`

	// tool_start / tool_result
	Name    string `json:"name,omitempty"`
	Step    int    `json:"step,omitempty"`
	Success bool   `json:"success,omitempty"`
	Preview string `json:"preview,omitempty"`

	// complete
	FullText  string `json:"full_text,omitempty"`
	ToolCount int    `json:"tool_count,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

func TextChunk(text string) StreamEvent {
	return StreamEvent{Type: EventTextChunk, Text: text}
}

func ToolStart(name string, step int) StreamEvent {
	return StreamEvent{Type: EventToolStart, Name: name, Step: step}
}

func ToolResult(name string, success bool, preview string) StreamEvent {
	return StreamEvent{Type: EventToolResult, Name: name, Success: success, Preview: preview}
}

func Complete(fullText string, toolCount int) StreamEvent {
	return StreamEvent{Type: EventComplete, FullText: fullText, ToolCount: toolCount}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}

// Command names accepted on the gateway's command surface.
const (
	CommandMemorySearch = "memory-search"
	CommandMemoryKey    = "memory-key"
	CommandMemoryGraph  = "memory-graph"
	CommandStatus       = "status"
	CommandMCPStatus    = "mcp-status"
	CommandHistory      = "history"
)

// CommandRequest is a synchronous adapter → gateway call.
type CommandRequest struct {
	Command string                     `json:"command"`
	Args    map[string]json.RawMessage `json:"args,omitempty"`
	UserID  string                     `json:"user_id"`
}

// CommandResponse is the gateway's reply. Error is set only when Success is false.
type CommandResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK wraps a payload into a successful response. Marshal failures degrade to
// an error response rather than propagating.
func OK(data any) CommandResponse {
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail("encode response: " + err.Error())
	}
	return CommandResponse{Success: true, Data: raw}
}

func Fail(msg string) CommandResponse {
	return CommandResponse{Success: false, Error: msg}
}

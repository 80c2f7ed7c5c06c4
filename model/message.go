// Package model defines the provider-agnostic conversation and request types
// exchanged between the agent runtime and a model provider.
package model

import "encoding/json"

// Role identifies who produced a Message.
type Role string

const (
	// RoleUser is a message supplied by the invoking caller.
	RoleUser Role = "user"
	// RoleSystem is the composite system prompt rebuilt every tick.
	RoleSystem Role = "system"
	// RoleAssistant is a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleTool is the result of executing one tool call.
	RoleTool Role = "tool"
)

// ToolCallRequest is one tool invocation emitted by the assistant, recorded
// inline on an assistant Message.
type ToolCallRequest struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Message is one entry in an agent's append-only log. Which of Content and
// ToolCalls is meaningful depends on Role:
//   - user/system: Content only.
//   - assistant: Content and/or ToolCalls (both may be set: the model can
//     narrate before calling tools; content with no ToolCalls is the
//     completion condition).
//   - tool: Content plus ToolCallID, referencing a prior assistant ToolCalls entry.
//
// Seq is assigned by the Store on append and is strictly monotonic within an
// agent.
type Message struct {
	Seq        int64
	Role       Role
	Content    string
	ToolCalls  []ToolCallRequest
	ToolCallID string
}

// IsFinal reports whether m is a terminal assistant message: non-empty
// content and no pending tool calls.
func (m Message) IsFinal() bool {
	return m.Role == RoleAssistant && m.Content != "" && len(m.ToolCalls) == 0
}

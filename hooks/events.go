package hooks

import (
	"encoding/json"
	"time"
)

// EventType names one member of the closed set of event kinds this runtime
// publishes. Plugins may carry their own payload shapes under EventType
// PluginEmitted without changing this set.
type EventType string

const (
	RunStarted      EventType = "run.started"
	RunTick         EventType = "run.tick"
	RunPaused       EventType = "run.paused"
	RunResumed      EventType = "run.resumed"
	RunCanceled     EventType = "run.canceled"
	AgentCompleted  EventType = "agent.completed"
	AgentError      EventType = "agent.error"
	ModelStarted    EventType = "model.started"
	ModelCompleted  EventType = "model.completed"
	ToolStarted     EventType = "tool.started"
	ToolOutput      EventType = "tool.output"
	ToolError       EventType = "tool.error"
	SubagentSpawned EventType = "subagent.spawned"
	SubagentDone    EventType = "subagent.completed"
	PluginEmitted   EventType = "plugin.emitted"
)

// Event is the interface every published event implements.
type Event interface {
	Type() EventType
	AgentID() string
	RunID() string
	Timestamp() int64
}

type baseEvent struct {
	agentID   string
	runID     string
	timestamp int64
}

func newBase(agentID, runID string) baseEvent {
	return baseEvent{agentID: agentID, runID: runID, timestamp: time.Now().UnixMilli()}
}

func (e baseEvent) AgentID() string  { return e.agentID }
func (e baseEvent) RunID() string    { return e.runID }
func (e baseEvent) Timestamp() int64 { return e.timestamp }

// RunStartedEvent fires when an agent's run begins.
type RunStartedEvent struct {
	baseEvent
}

func (e *RunStartedEvent) Type() EventType { return RunStarted }

// NewRunStartedEvent constructs a RunStartedEvent.
func NewRunStartedEvent(agentID, runID string) *RunStartedEvent {
	return &RunStartedEvent{baseEvent: newBase(agentID, runID)}
}

// RunTickEvent fires at the start of each tick; Tick is the step number the
// tick runs as, before the handle's step is incremented.
type RunTickEvent struct {
	baseEvent
	Tick int
}

func (e *RunTickEvent) Type() EventType { return RunTick }

// NewRunTickEvent constructs a RunTickEvent.
func NewRunTickEvent(agentID, runID string, tick int) *RunTickEvent {
	return &RunTickEvent{baseEvent: newBase(agentID, runID), Tick: tick}
}

// RunPausedEvent fires when a run enters a paused state.
type RunPausedEvent struct {
	baseEvent
	Reason string
}

func (e *RunPausedEvent) Type() EventType { return RunPaused }

// NewRunPausedEvent constructs a RunPausedEvent.
func NewRunPausedEvent(agentID, runID, reason string) *RunPausedEvent {
	return &RunPausedEvent{baseEvent: newBase(agentID, runID), Reason: reason}
}

// RunResumedEvent fires when a paused run resumes.
type RunResumedEvent struct {
	baseEvent
}

func (e *RunResumedEvent) Type() EventType { return RunResumed }

// NewRunResumedEvent constructs a RunResumedEvent.
func NewRunResumedEvent(agentID, runID string) *RunResumedEvent {
	return &RunResumedEvent{baseEvent: newBase(agentID, runID)}
}

// RunCanceledEvent fires when a run is canceled, including cascading
// cancellation of subagents.
type RunCanceledEvent struct {
	baseEvent
	Reason string
}

func (e *RunCanceledEvent) Type() EventType { return RunCanceled }

// NewRunCanceledEvent constructs a RunCanceledEvent.
func NewRunCanceledEvent(agentID, runID, reason string) *RunCanceledEvent {
	return &RunCanceledEvent{baseEvent: newBase(agentID, runID), Reason: reason}
}

// AgentCompletedEvent fires when an agent reaches a final assistant message.
type AgentCompletedEvent struct {
	baseEvent
	Content string
}

func (e *AgentCompletedEvent) Type() EventType { return AgentCompleted }

// NewAgentCompletedEvent constructs an AgentCompletedEvent.
func NewAgentCompletedEvent(agentID, runID, content string) *AgentCompletedEvent {
	return &AgentCompletedEvent{baseEvent: newBase(agentID, runID), Content: content}
}

// AgentErrorEvent fires when a run halts on an unrecoverable error.
type AgentErrorEvent struct {
	baseEvent
	Message string
}

func (e *AgentErrorEvent) Type() EventType { return AgentError }

// NewAgentErrorEvent constructs an AgentErrorEvent.
func NewAgentErrorEvent(agentID, runID, message string) *AgentErrorEvent {
	return &AgentErrorEvent{baseEvent: newBase(agentID, runID), Message: message}
}

// ModelStartedEvent fires before a provider call.
type ModelStartedEvent struct {
	baseEvent
	Model string
}

func (e *ModelStartedEvent) Type() EventType { return ModelStarted }

// NewModelStartedEvent constructs a ModelStartedEvent.
func NewModelStartedEvent(agentID, runID, model string) *ModelStartedEvent {
	return &ModelStartedEvent{baseEvent: newBase(agentID, runID), Model: model}
}

// ModelCompletedEvent fires after a provider call returns.
type ModelCompletedEvent struct {
	baseEvent
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

func (e *ModelCompletedEvent) Type() EventType { return ModelCompleted }

// NewModelCompletedEvent constructs a ModelCompletedEvent.
func NewModelCompletedEvent(agentID, runID string, inputTokens, outputTokens, toolCalls int) *ModelCompletedEvent {
	return &ModelCompletedEvent{baseEvent: newBase(agentID, runID), InputTokens: inputTokens, OutputTokens: outputTokens, ToolCalls: toolCalls}
}

// ToolStartedEvent fires when a tool call begins execution.
type ToolStartedEvent struct {
	baseEvent
	ToolCallID string
	ToolName   string
	Payload    json.RawMessage
}

func (e *ToolStartedEvent) Type() EventType { return ToolStarted }

// NewToolStartedEvent constructs a ToolStartedEvent.
func NewToolStartedEvent(agentID, runID, toolCallID, toolName string, payload json.RawMessage) *ToolStartedEvent {
	return &ToolStartedEvent{baseEvent: newBase(agentID, runID), ToolCallID: toolCallID, ToolName: toolName, Payload: payload}
}

// ToolOutputEvent fires when a tool call completes successfully.
type ToolOutputEvent struct {
	baseEvent
	ToolCallID string
	ToolName   string
	Duration   time.Duration
}

func (e *ToolOutputEvent) Type() EventType { return ToolOutput }

// NewToolOutputEvent constructs a ToolOutputEvent.
func NewToolOutputEvent(agentID, runID, toolCallID, toolName string, duration time.Duration) *ToolOutputEvent {
	return &ToolOutputEvent{baseEvent: newBase(agentID, runID), ToolCallID: toolCallID, ToolName: toolName, Duration: duration}
}

// ToolErrorEvent fires when a tool call fails.
type ToolErrorEvent struct {
	baseEvent
	ToolCallID string
	ToolName   string
	Message    string
}

func (e *ToolErrorEvent) Type() EventType { return ToolError }

// NewToolErrorEvent constructs a ToolErrorEvent.
func NewToolErrorEvent(agentID, runID, toolCallID, toolName, message string) *ToolErrorEvent {
	return &ToolErrorEvent{baseEvent: newBase(agentID, runID), ToolCallID: toolCallID, ToolName: toolName, Message: message}
}

// SubagentSpawnedEvent fires when a parent agent spawns a child run.
type SubagentSpawnedEvent struct {
	baseEvent
	Token        string
	ChildAgentID string
	ChildRunID   string
}

func (e *SubagentSpawnedEvent) Type() EventType { return SubagentSpawned }

// NewSubagentSpawnedEvent constructs a SubagentSpawnedEvent.
func NewSubagentSpawnedEvent(agentID, runID, token, childAgentID, childRunID string) *SubagentSpawnedEvent {
	return &SubagentSpawnedEvent{baseEvent: newBase(agentID, runID), Token: token, ChildAgentID: childAgentID, ChildRunID: childRunID}
}

// SubagentCompletedEvent fires when a child reports back to its parent.
type SubagentCompletedEvent struct {
	baseEvent
	Token      string
	ChildRunID string
	Canceled   bool
}

func (e *SubagentCompletedEvent) Type() EventType { return SubagentDone }

// NewSubagentCompletedEvent constructs a SubagentCompletedEvent.
func NewSubagentCompletedEvent(agentID, runID, token, childRunID string, canceled bool) *SubagentCompletedEvent {
	return &SubagentCompletedEvent{baseEvent: newBase(agentID, runID), Token: token, ChildRunID: childRunID, Canceled: canceled}
}

// PluginEmittedEvent wraps an arbitrary payload a Plugin chose to publish
// through the Bus, outside the closed set of runtime-owned event types.
type PluginEmittedEvent struct {
	baseEvent
	Source  string
	Payload any
}

func (e *PluginEmittedEvent) Type() EventType { return PluginEmitted }

// NewPluginEmittedEvent constructs a PluginEmittedEvent.
func NewPluginEmittedEvent(agentID, runID, source string, payload any) *PluginEmittedEvent {
	return &PluginEmittedEvent{baseEvent: newBase(agentID, runID), Source: source, Payload: payload}
}

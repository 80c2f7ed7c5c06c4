// Package store defines the durable append-only log the agent runtime reads
// and writes every tick: a cursor-free, seq-ordered Message/Event log per
// agent plus a SubagentLink table and a waiting-subagent index.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agencyhq/runtime/model"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("store: not found")

// SubagentLinkStatus is the lifecycle state of one parent/child spawn link.
type SubagentLinkStatus string

const (
	SubagentLinkPending   SubagentLinkStatus = "pending"
	SubagentLinkCompleted SubagentLinkStatus = "completed"
	SubagentLinkCanceled  SubagentLinkStatus = "canceled"
)

// SubagentLink records one parent-to-child spawn.
type SubagentLink struct {
	Token        string
	ParentAgent  string
	ParentCallID string
	ChildAgent   string
	ChildRunID   string
	Status       SubagentLinkStatus
	CreatedAt    time.Time
	CompletedAt  *time.Time
	Result       string
}

// Event is a durable record of something that happened during a run.
// Payload is the JSON-encodable event-specific body;
// Kind mirrors hooks.EventType without importing the hooks package, keeping
// store a leaf dependency.
type Event struct {
	Seq       int64
	AgentID   string
	RunID     string
	Kind      string
	Payload   []byte
	Timestamp time.Time
}

// RunStatus is the lifecycle state of one AgentHandle's RunState.
type RunStatus string

const (
	RunRegistered RunStatus = "registered"
	RunRunning    RunStatus = "running"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
	RunCanceled   RunStatus = "canceled"
	RunError      RunStatus = "error"
)

// Pause reasons recorded on RunState.Reason.
const (
	ReasonHITL     = "hitl"
	ReasonSubagent = "subagent"
	ReasonUser     = "user"
)

// RunState is the mutable execution state of one AgentHandle.
type RunState struct {
	Status      RunStatus
	Step        int64
	Reason      string
	NextAlarmAt *time.Time
}

// ParentRef identifies the parent agent and wait token for a subagent.
type ParentRef struct {
	AgentID string
	Token   string
}

// Info is the mutable per-agent bookkeeping the tick loop reads and writes
// every step.
type Info struct {
	PendingToolCalls []model.ToolCallRequest
	BlueprintName    string
}

// AgentHandle is one running agent instance. SessionID, when set, groups
// this agent's runs under a session.Session.
type AgentHandle struct {
	ID        string
	AgencyID  string
	AgentType string
	SessionID string
	CreatedAt time.Time
	Parent    *ParentRef
	Info      Info
	RunState  RunState
}

// Store is the durable log an AgentHandle reads and writes every tick.
// Implementations must serialize writes per AgentID so Seq remains strictly
// monotonic.
type Store interface {
	// AppendMessages appends one or more messages to agentID's log, assigning
	// each a strictly increasing Seq, and returns the stored copies.
	AppendMessages(ctx context.Context, agentID string, msgs []model.Message) ([]model.Message, error)
	// ListMessages returns every message for agentID in Seq order.
	ListMessages(ctx context.Context, agentID string) ([]model.Message, error)
	// LastAssistant returns the most recent assistant message, if any.
	LastAssistant(ctx context.Context, agentID string) (model.Message, bool, error)

	// AppendEvent appends one Event to agentID's event log.
	AppendEvent(ctx context.Context, evt Event) (Event, error)
	// ListEvents returns every event for agentID in Seq order.
	ListEvents(ctx context.Context, agentID string) ([]Event, error)

	// RecordSpawn creates a new SubagentLink in SubagentLinkPending status.
	RecordSpawn(ctx context.Context, link SubagentLink) error
	// MarkCompleted transitions a link to SubagentLinkCompleted with a result.
	MarkCompleted(ctx context.Context, token, result string) error
	// MarkCanceled transitions a link to SubagentLinkCanceled.
	MarkCanceled(ctx context.Context, token string) error
	// ListLinks returns every SubagentLink spawned by parentAgent.
	ListLinks(ctx context.Context, parentAgent string) ([]SubagentLink, error)

	// PushWait records that parentAgent is paused waiting on token.
	PushWait(ctx context.Context, parentAgent, token string) error
	// PopWait removes token from parentAgent's wait set and reports whether
	// the set is now empty (signaling the parent may resume).
	PopWait(ctx context.Context, parentAgent, token string) (empty bool, err error)
	// ListWaits returns the outstanding wait tokens for parentAgent.
	ListWaits(ctx context.Context, parentAgent string) ([]string, error)

	// SaveHandle persists h's Info and RunState (and parent/creation metadata
	// on first save). Implementations upsert by h.ID.
	SaveHandle(ctx context.Context, h AgentHandle) error
	// LoadHandle returns the persisted AgentHandle for agentID.
	LoadHandle(ctx context.Context, agentID string) (AgentHandle, error)

	// SetVar sets one entry in agentID's persisted Vars, distinct from the
	// owning Agency's Vars.
	SetVar(ctx context.Context, agentID, key string, value any) error
	// GetVar reads one entry from agentID's persisted Vars.
	GetVar(ctx context.Context, agentID, key string) (any, bool, error)
	// ListVars returns every entry in agentID's persisted Vars.
	ListVars(ctx context.Context, agentID string) (map[string]any, error)
}

// Package subagent supervises parent/child agent relationships: spawning a
// child agent from a parent's tool call, tracking the parent's wait table
// and SubagentLink rows, and routing the child's completion report back to
// resume the parent.
package subagent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agencyhq/runtime/hooks"
	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/store"
	"github.com/agencyhq/runtime/telemetry"
	"github.com/agencyhq/runtime/tool"
	"github.com/agencyhq/runtime/toolerrors"
)

// ChildSpawner is the narrow slice of AgentRuntime that the Coordinator
// needs in order to create and drive a child agent. AgentRuntime
// implements this interface itself; the split exists only so this package
// does not import agentruntime (which imports subagent), avoiding a cycle.
type ChildSpawner interface {
	// RegisterChild creates a new agent handle for childID under agentType,
	// seeded with vars inherited from the parent, and records parentAgentID
	// and parentToken as its ParentRef.
	RegisterChild(ctx context.Context, childID, parentAgentID, parentToken, agentType string, vars map[string]any) error
	// InvokeChild appends a user message with description onto the child's
	// log and ensures it is scheduled to run, returning the child's run id.
	InvokeChild(ctx context.Context, childID, description string) (runID string, err error)
	// CancelChild best-effort cancels a running child agent.
	CancelChild(ctx context.Context, childID string) error
	// ResumeParent schedules an immediate tick for parentAgentID after its
	// wait table has drained.
	ResumeParent(ctx context.Context, parentAgentID string) error
}

// Coordinator owns the parent-side bookkeeping for subagent spawns: the
// token-keyed wait table and the SubagentLink rows.
type Coordinator struct {
	store   store.Store
	bus     hooks.Bus
	spawner ChildSpawner
	logger  telemetry.Logger
}

// New constructs a Coordinator. bus may be nil to suppress event emission.
func New(st store.Store, bus hooks.Bus, spawner ChildSpawner, logger telemetry.Logger) *Coordinator {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Coordinator{store: st, bus: bus, spawner: spawner, logger: logger}
}

func (c *Coordinator) publish(ctx context.Context, evt hooks.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, evt); err != nil {
		c.logger.Warn(ctx, "subagent: publish event failed", "type", evt.Type(), "error", err)
	}
}

// Spawn mints a fresh wait token, registers and invokes a child of
// agentType, records the wait, and pauses the parent. The caller is the
// "task" tool's Execute method; its Result should be returned verbatim as
// the tool call's result — Deferred means the child's eventual report
// supplies the tool message, and a failure comes back as a ToolError so
// the parent's model sees "Error: Failed to ..." and can react.
func (c *Coordinator) Spawn(ctx context.Context, parentAgentID, parentRunID, parentToolCallID, agentType, description string) tool.Result {
	token := uuid.NewString()
	childID := uuid.NewString()

	vars, err := c.store.ListVars(ctx, parentAgentID)
	if err != nil {
		c.logger.Error(ctx, "subagent: list parent vars failed", "error", err)
		vars = nil
	}

	if err := c.spawner.RegisterChild(ctx, childID, parentAgentID, token, agentType, vars); err != nil {
		c.logger.Error(ctx, "subagent: register child failed", "error", err)
		return tool.Result{
			Err:       toolerrors.NewWithCause("Failed to initialize subagent", err),
			RetryHint: &tool.RetryHint{Reason: tool.RetryReasonToolUnavailable, Tool: "task"},
		}
	}

	// The wait, link, and pause must all be durable before the child starts
	// ticking: a fast child reports back as soon as it completes, and a
	// report arriving before its wait exists would be dropped.
	if err := c.store.PushWait(ctx, parentAgentID, token); err != nil {
		c.logger.Error(ctx, "subagent: push wait failed", "error", err)
		return tool.Result{
			Err:       toolerrors.NewWithCause("Failed to initialize subagent", err),
			RetryHint: &tool.RetryHint{Reason: tool.RetryReasonToolUnavailable, Tool: "task"},
		}
	}
	if err := c.store.RecordSpawn(ctx, store.SubagentLink{
		Token:        token,
		ParentAgent:  parentAgentID,
		ParentCallID: parentToolCallID,
		ChildAgent:   childID,
		ChildRunID:   childID,
	}); err != nil {
		c.logger.Error(ctx, "subagent: record spawn failed", "error", err)
	}
	if err := c.pauseForSubagent(ctx, parentAgentID); err != nil {
		c.logger.Error(ctx, "subagent: pause parent failed", "error", err)
	}

	childRunID, err := c.spawner.InvokeChild(ctx, childID, description)
	if err != nil {
		c.logger.Error(ctx, "subagent: invoke child failed", "error", err)
		if _, perr := c.store.PopWait(ctx, parentAgentID, token); perr != nil {
			c.logger.Warn(ctx, "subagent: pop wait after failed invoke", "error", perr)
		}
		if merr := c.store.MarkCanceled(ctx, token); merr != nil {
			c.logger.Warn(ctx, "subagent: mark canceled after failed invoke", "error", merr)
		}
		if rerr := c.unpauseAfterFailedSpawn(ctx, parentAgentID); rerr != nil {
			c.logger.Warn(ctx, "subagent: unpause parent after failed invoke", "error", rerr)
		}
		return tool.Result{
			Err:       toolerrors.NewWithCause("Failed to invoke subagent", err),
			RetryHint: &tool.RetryHint{Reason: tool.RetryReasonToolUnavailable, Tool: "task"},
		}
	}

	c.publish(ctx, hooks.NewSubagentSpawnedEvent(parentAgentID, parentRunID, token, childID, childRunID))
	c.publish(ctx, hooks.NewRunPausedEvent(parentAgentID, parentRunID, store.ReasonSubagent))

	return tool.Result{Deferred: true}
}

func (c *Coordinator) pauseForSubagent(ctx context.Context, parentAgentID string) error {
	h, err := c.store.LoadHandle(ctx, parentAgentID)
	if err != nil {
		return err
	}
	h.RunState.Status = store.RunPaused
	h.RunState.Reason = store.ReasonSubagent
	return c.store.SaveHandle(ctx, h)
}

// unpauseAfterFailedSpawn undoes pauseForSubagent when the child never
// started and no other wait is outstanding.
func (c *Coordinator) unpauseAfterFailedSpawn(ctx context.Context, parentAgentID string) error {
	waits, err := c.store.ListWaits(ctx, parentAgentID)
	if err != nil {
		return err
	}
	if len(waits) > 0 {
		return nil
	}
	h, err := c.store.LoadHandle(ctx, parentAgentID)
	if err != nil {
		return err
	}
	if h.RunState.Status != store.RunPaused || h.RunState.Reason != store.ReasonSubagent {
		return nil
	}
	h.RunState.Status = store.RunRunning
	h.RunState.Reason = ""
	return c.store.SaveHandle(ctx, h)
}

// ReportToParent appends the child's report as a tool message on the
// parent's log and resumes the parent once its wait table drains.
// parentAgentID and token come from the child's own ParentRef; the child's
// runtime calls this once it reaches `completed`.
func (c *Coordinator) ReportToParent(ctx context.Context, parentAgentID, childAgentID, token, report string) error {
	links, err := c.store.ListLinks(ctx, parentAgentID)
	if err != nil {
		return fmt.Errorf("subagent: list links: %w", err)
	}
	var link *store.SubagentLink
	for i := range links {
		if links[i].Token == token && links[i].ChildAgent == childAgentID {
			link = &links[i]
			break
		}
	}
	if link == nil {
		// Unknown token: ignore; the parent may have already been canceled
		// or the link never existed.
		c.logger.Warn(ctx, "subagent: report for unknown token ignored", "token", token, "child", childAgentID)
		return nil
	}

	empty, err := c.store.PopWait(ctx, parentAgentID, token)
	if err != nil {
		return fmt.Errorf("subagent: pop wait: %w", err)
	}

	// This runtime assigns the same identifier to an agent and its current
	// run (engine/inmem follows the same convention), so parentAgentID
	// doubles as the RunID stamped on events.
	toolMsg := model.Message{Role: model.RoleTool, Content: report, ToolCallID: link.ParentCallID}
	if _, err := c.store.AppendMessages(ctx, parentAgentID, []model.Message{toolMsg}); err != nil {
		return fmt.Errorf("subagent: append tool result: %w", err)
	}
	if err := c.store.MarkCompleted(ctx, token, report); err != nil {
		return fmt.Errorf("subagent: mark completed: %w", err)
	}
	c.publish(ctx, hooks.NewSubagentCompletedEvent(parentAgentID, parentAgentID, token, link.ChildRunID, false))

	if !empty {
		return nil
	}
	return c.resumeIfSubagentPaused(ctx, parentAgentID, parentAgentID)
}

func (c *Coordinator) resumeIfSubagentPaused(ctx context.Context, parentAgentID, parentRunID string) error {
	h, err := c.store.LoadHandle(ctx, parentAgentID)
	if err != nil {
		return err
	}
	if h.RunState.Status != store.RunPaused || h.RunState.Reason != store.ReasonSubagent {
		return nil
	}
	h.RunState.Status = store.RunRunning
	h.RunState.Reason = ""
	if err := c.store.SaveHandle(ctx, h); err != nil {
		return err
	}
	c.publish(ctx, hooks.NewRunResumedEvent(parentAgentID, parentRunID))
	return c.spawner.ResumeParent(ctx, parentAgentID)
}

// Cancel sweeps every outstanding child wait with a best-effort cascading
// cancel, then marks the parent canceled. A failed child cancel is logged
// and the sweep continues.
func (c *Coordinator) Cancel(ctx context.Context, parentAgentID string) error {
	waits, err := c.store.ListWaits(ctx, parentAgentID)
	if err != nil {
		return fmt.Errorf("subagent: list waits: %w", err)
	}
	links, err := c.store.ListLinks(ctx, parentAgentID)
	if err != nil {
		return fmt.Errorf("subagent: list links: %w", err)
	}
	byToken := make(map[string]store.SubagentLink, len(links))
	for _, l := range links {
		byToken[l.Token] = l
	}

	for _, token := range waits {
		link, ok := byToken[token]
		if !ok {
			continue
		}
		if err := c.spawner.CancelChild(ctx, link.ChildAgent); err != nil {
			c.logger.Warn(ctx, "subagent: child cancel failed, continuing sweep", "child", link.ChildAgent, "error", err)
		}
		if err := c.store.MarkCanceled(ctx, token); err != nil {
			c.logger.Warn(ctx, "subagent: mark canceled failed", "token", token, "error", err)
		}
		if _, err := c.store.PopWait(ctx, parentAgentID, token); err != nil {
			c.logger.Warn(ctx, "subagent: pop wait during cancel failed", "token", token, "error", err)
		}
	}

	h, err := c.store.LoadHandle(ctx, parentAgentID)
	if err != nil {
		return err
	}
	h.RunState.Status = store.RunCanceled
	h.RunState.Reason = store.ReasonUser
	return c.store.SaveHandle(ctx, h)
}

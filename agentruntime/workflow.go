package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agencyhq/runtime/engine"
	"github.com/agencyhq/runtime/hooks"
	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/modelplan"
	"github.com/agencyhq/runtime/plugin"
	"github.com/agencyhq/runtime/policy"
	"github.com/agencyhq/runtime/session"
	"github.com/agencyhq/runtime/store"
	"github.com/agencyhq/runtime/tool"
	"github.com/agencyhq/runtime/toolerrors"
)

// runCounters tracks the per-run budgets a Blueprint may cap. It lives only
// in the tick loop's goroutine, not the Store, since it resets whenever the
// process restarts a run from scratch rather than resuming one in place
// (consistent with this engine shipping no durable workflow history, only
// the Store's log).
type runCounters struct {
	totalToolCalls      int
	consecutiveFailures int
	lastRetryHint       *tool.RetryHint
}

// toolActivityInput is the payload for the "ExecuteTool" activity.
type toolActivityInput struct {
	AgentID string
	Call    model.ToolCallRequest
	Env     map[string]string
}

// toolActivityOutput is the "ExecuteTool" activity's result.
type toolActivityOutput struct {
	Result tool.Result
}

// executeToolActivity is the engine.ActivityFunc backing every tool call.
// Running tool calls as activities (rather than inline in the tick loop)
// is what lets tickTools start a whole batch concurrently via
// ExecuteActivityAsync and then collect results in call order.
func (rt *Runtime) executeToolActivity(ctx context.Context, input any) (any, error) {
	in, ok := input.(toolActivityInput)
	if !ok {
		return nil, fmt.Errorf("agentruntime: unexpected activity input %T", input)
	}
	t, ok := rt.tools.Lookup(in.Call.Name)
	if !ok {
		return toolActivityOutput{Result: tool.Result{
			Err:       toolerrors.Errorf("tool %q is not registered", in.Call.Name),
			RetryHint: &tool.RetryHint{Reason: tool.RetryReasonToolUnavailable, Tool: in.Call.Name},
		}}, nil
	}
	ec := tool.ExecContext{
		AgentID: in.AgentID,
		RunID:   in.AgentID,
		CallID:  in.Call.ID,
		Env:     in.Env,
		AgencyVar: func(ctx context.Context, key string) (any, bool) {
			v, ok, err := rt.store.GetVar(ctx, in.AgentID, key)
			if err != nil {
				return nil, false
			}
			return v, ok
		},
	}
	return toolActivityOutput{Result: t.Execute(ctx, ec, in.Call.Args)}, nil
}

// agentTickWorkflow is the engine.WorkflowFunc registered as "AgentTick":
// one bounded step per iteration, blocking on the "wake" signal whenever the
// run is paused, returning once the run reaches a terminal status.
func (rt *Runtime) agentTickWorkflow(wfCtx engine.WorkflowContext, input any) (any, error) {
	agentID, _ := input.(string)
	ctx := wfCtx.Context()
	rc := &runCounters{}

	for {
		h, err := rt.store.LoadHandle(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("agentruntime: load handle %s: %w", agentID, err)
		}

		switch h.RunState.Status {
		case store.RunCompleted, store.RunCanceled, store.RunError:
			return nil, nil
		case store.RunPaused:
			var sig wakeSignal
			if err := wfCtx.SignalChannel("wake").Receive(ctx, &sig); err != nil {
				return nil, err
			}
			continue
		}

		if err := rt.tick(ctx, wfCtx, agentID, h, rc); err != nil {
			return nil, err
		}
	}
}

// tick performs one bounded step: if no tool calls are pending, run a model
// turn; otherwise execute the next batch of pending tool calls. Every exit
// path persists h via SaveHandle exactly once.
func (rt *Runtime) tick(ctx context.Context, wfCtx engine.WorkflowContext, agentID string, h store.AgentHandle, rc *runCounters) error {
	bp, ok := rt.blueprintFor(agentID)
	if !ok {
		return rt.fail(ctx, agentID, h, fmt.Errorf("agentruntime: no blueprint snapshot cached for %s", agentID))
	}

	step := h.RunState.Step
	h.RunState.Step = step + 1
	rt.publish(ctx, hooks.NewRunTickEvent(agentID, agentID, int(step)))

	host := plugin.NewHost(rt.plugins.Resolve(bp.Capabilities), rt.bus)
	if err := host.OnTick(ctx, agentID, int(step)); err != nil {
		return rt.fail(ctx, agentID, h, fmt.Errorf("onTick hook: %w", err))
	}

	if len(h.Info.PendingToolCalls) == 0 {
		return rt.tickModel(ctx, agentID, h, bp, host, rc)
	}
	return rt.tickTools(ctx, wfCtx, agentID, h, bp, host, rc)
}

// tickModel builds a ModelPlan, invokes the Provider, appends the assistant
// message, and either pauses for HITL, completes the run, or hands
// tool calls off to the next tick's tickTools.
func (rt *Runtime) tickModel(ctx context.Context, agentID string, h store.AgentHandle, bp Blueprint, host *plugin.Host, rc *runCounters) error {
	modelID := bp.Model
	if modelID == "" {
		modelID = rt.defaultModel
	}

	toolNames := rt.tools.Resolve(bp.Capabilities, func(format string, args ...any) {
		rt.logger.Warn(ctx, fmt.Sprintf(format, args...))
	})

	if rt.pol != nil {
		metas := make([]policy.ToolMetadata, 0, len(toolNames))
		for _, spec := range rt.tools.Specs(toolNames) {
			metas = append(metas, policy.ToolMetadata{Name: spec.Name, Tags: spec.Tags})
		}
		var remaining, remainingFailures int
		if bp.MaxToolCalls > 0 {
			remaining = bp.MaxToolCalls - rc.totalToolCalls
		}
		if bp.MaxConsecutiveFailedToolCalls > 0 {
			remainingFailures = bp.MaxConsecutiveFailedToolCalls - rc.consecutiveFailures
		}
		decision, err := rt.pol.Decide(ctx, policy.Input{
			Requested: toolNames,
			Tools:     metas,
			RemainingCaps: policy.CapsState{
				RemainingToolCalls:           remaining,
				RemainingConsecutiveFailures: remainingFailures,
			},
			RetryHint: rc.lastRetryHint,
		})
		if err != nil {
			return rt.fail(ctx, agentID, h, fmt.Errorf("policy decide: %w", err))
		}
		if decision.AllowedTools != nil {
			toolNames = decision.AllowedTools
		}
	}

	msgs, err := rt.store.ListMessages(ctx, agentID)
	if err != nil {
		return rt.fail(ctx, agentID, h, fmt.Errorf("list messages: %w", err))
	}

	req := modelplan.New(modelID).
		AddSystemPrompt(bp.Prompt).
		WithMessages(msgs).
		WithTools(rt.tools.Specs(toolNames)).
		Build()

	if err := host.BeforeModel(ctx, agentID, &req); err != nil {
		return rt.fail(ctx, agentID, h, fmt.Errorf("beforeModel hook: %w", err))
	}

	rt.publish(ctx, hooks.NewModelStartedEvent(agentID, agentID, req.Model))
	resp, err := rt.provider.Invoke(ctx, req)
	if err != nil {
		rt.publish(ctx, hooks.NewAgentErrorEvent(agentID, agentID, err.Error()))
		return rt.fail(ctx, agentID, h, fmt.Errorf("model invoke: %w", err))
	}

	if err := host.OnModelResult(ctx, agentID, resp); err != nil {
		return rt.fail(ctx, agentID, h, fmt.Errorf("onModelResult hook: %w", err))
	}
	rt.publish(ctx, hooks.NewModelCompletedEvent(agentID, agentID, resp.Usage.InputTokens, resp.Usage.OutputTokens, len(resp.Message.ToolCalls)))

	// HITL gate: checked after onModelResult runs, before any tool executes.
	if hits := bp.hitlHits(resp.Message.ToolCalls); len(hits) > 0 {
		if _, err := rt.store.AppendMessages(ctx, agentID, []model.Message{resp.Message}); err != nil {
			return rt.fail(ctx, agentID, h, fmt.Errorf("append assistant message: %w", err))
		}
		h.Info.PendingToolCalls = resp.Message.ToolCalls
		h.RunState.Status = store.RunPaused
		h.RunState.Reason = store.ReasonHITL
		if err := rt.save(ctx, h); err != nil {
			return err
		}
		rt.publish(ctx, hooks.NewRunPausedEvent(agentID, agentID, store.ReasonHITL))
		return nil
	}

	if _, err := rt.store.AppendMessages(ctx, agentID, []model.Message{resp.Message}); err != nil {
		return rt.fail(ctx, agentID, h, fmt.Errorf("append assistant message: %w", err))
	}

	if resp.Message.IsFinal() {
		return rt.complete(ctx, agentID, h, host, resp.Message)
	}

	h.Info.PendingToolCalls = resp.Message.ToolCalls
	h.RunState.Status = store.RunRunning
	h.RunState.Reason = ""
	return rt.save(ctx, h)
}

// tickTools executes up to toolsPerTick pending calls concurrently via the
// engine's activity mechanism, then appends their tool messages in the
// original call order, so the model sees a deterministic result order no
// matter how the batch interleaved.
func (rt *Runtime) tickTools(ctx context.Context, wfCtx engine.WorkflowContext, agentID string, h store.AgentHandle, bp Blueprint, host *plugin.Host, rc *runCounters) error {
	pending := h.Info.PendingToolCalls
	batchSize := min(len(pending), toolsPerTick)
	batch := pending[:batchSize]
	remainder := pending[batchSize:]

	type outcome struct {
		call   model.ToolCallRequest
		future engine.Future
		capped bool
	}
	outcomes := make([]outcome, len(batch))
	for i, call := range batch {
		rt.publish(ctx, hooks.NewToolStartedEvent(agentID, agentID, call.ID, call.Name, call.Args))
		if err := host.OnToolStart(ctx, agentID, tool.Call{ID: call.ID, Name: call.Name, Args: call.Args}); err != nil {
			return rt.fail(ctx, agentID, h, fmt.Errorf("onToolStart hook: %w", err))
		}
		if bp.MaxToolCalls > 0 && rc.totalToolCalls >= bp.MaxToolCalls {
			outcomes[i] = outcome{call: call, capped: true}
			continue
		}
		fut, err := wfCtx.ExecuteActivityAsync(ctx, engine.ActivityRequest{
			Name:  "ExecuteTool",
			Input: toolActivityInput{AgentID: agentID, Call: call, Env: rt.env},
		})
		if err != nil {
			return rt.fail(ctx, agentID, h, fmt.Errorf("schedule tool %s: %w", call.Name, err))
		}
		outcomes[i] = outcome{call: call, future: fut}
		rc.totalToolCalls++
	}

	msgs := make([]model.Message, 0, len(outcomes))
	for _, oc := range outcomes {
		result := rt.awaitToolResult(ctx, oc.call, oc.future, oc.capped)

		if result.Deferred {
			// A subagent spawn: the coordinator already paused the run (or
			// will, once every outstanding wait resolves); its own report
			// supplies this call's tool message later.
			continue
		}

		if result.Err != nil {
			rc.consecutiveFailures++
			rc.lastRetryHint = result.RetryHint
			if herr := host.OnToolError(ctx, agentID, tool.Call{ID: oc.call.ID, Name: oc.call.Name, Args: oc.call.Args}, result.Err); herr != nil {
				return rt.fail(ctx, agentID, h, fmt.Errorf("onToolError hook: %w", herr))
			}
			rt.publish(ctx, hooks.NewToolErrorEvent(agentID, agentID, oc.call.ID, oc.call.Name, result.Err.Error()))
			msgs = append(msgs, model.Message{Role: model.RoleTool, Content: "Error: " + result.Err.Error(), ToolCallID: oc.call.ID})

			if bp.MaxConsecutiveFailedToolCalls > 0 && rc.consecutiveFailures >= bp.MaxConsecutiveFailedToolCalls {
				if _, err := rt.store.AppendMessages(ctx, agentID, msgs); err != nil {
					return rt.fail(ctx, agentID, h, fmt.Errorf("append tool results: %w", err))
				}
				return rt.fail(ctx, agentID, h, fmt.Errorf("exceeded max consecutive failed tool calls (%d)", bp.MaxConsecutiveFailedToolCalls))
			}
			continue
		}

		rc.consecutiveFailures = 0
		rc.lastRetryHint = nil
		if herr := host.OnToolResult(ctx, agentID, tool.Call{ID: oc.call.ID, Name: oc.call.Name, Args: oc.call.Args}, result); herr != nil {
			return rt.fail(ctx, agentID, h, fmt.Errorf("onToolResult hook: %w", herr))
		}
		rt.publish(ctx, hooks.NewToolOutputEvent(agentID, agentID, oc.call.ID, oc.call.Name, 0))
		msgs = append(msgs, model.Message{Role: model.RoleTool, Content: stringifyResult(result.Value), ToolCallID: oc.call.ID})
	}

	if len(msgs) > 0 {
		if _, err := rt.store.AppendMessages(ctx, agentID, msgs); err != nil {
			return rt.fail(ctx, agentID, h, fmt.Errorf("append tool results: %w", err))
		}
	}

	// Reload before deciding the next status: a deferred spawn above may
	// already have paused this agent for ReasonSubagent via a different
	// Store write, which this tick must not clobber back to Running.
	fresh, err := rt.store.LoadHandle(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agentruntime: reload handle %s: %w", agentID, err)
	}
	fresh.Info.PendingToolCalls = remainder
	fresh.RunState.Step = h.RunState.Step
	if fresh.RunState.Status != store.RunPaused {
		fresh.RunState.Status = store.RunRunning
		fresh.RunState.Reason = ""
	}
	return rt.save(ctx, fresh)
}

func (rt *Runtime) awaitToolResult(ctx context.Context, call model.ToolCallRequest, fut engine.Future, capped bool) tool.Result {
	if capped {
		return tool.Result{Err: toolerrors.New("tool call budget exhausted")}
	}
	var out toolActivityOutput
	if err := fut.Get(ctx, &out); err != nil {
		return tool.Result{Err: toolerrors.FromError(err)}
	}
	return out.Result
}

// complete transitions h to RunCompleted, publishes the terminal events, and
// reports back to a waiting parent if this agent was itself a subagent.
func (rt *Runtime) complete(ctx context.Context, agentID string, h store.AgentHandle, host *plugin.Host, final model.Message) error {
	h.Info.PendingToolCalls = nil
	h.RunState.Status = store.RunCompleted
	h.RunState.Reason = ""
	if err := rt.save(ctx, h); err != nil {
		return err
	}
	rt.publish(ctx, hooks.NewAgentCompletedEvent(agentID, agentID, final.Content))
	rt.trackRun(ctx, h, session.RunStatusCompleted)
	if err := host.OnRunComplete(ctx, agentID, final); err != nil {
		rt.logger.Warn(ctx, "agentruntime: onRunComplete hook failed", "agent", agentID, "error", err)
	}
	if h.Parent != nil {
		if err := rt.coord.ReportToParent(ctx, h.Parent.AgentID, agentID, h.Parent.Token, final.Content); err != nil {
			rt.logger.Error(ctx, "agentruntime: report to parent failed", "agent", agentID, "error", err)
		}
	}
	return nil
}

// fail transitions h to RunError, persists it best-effort, and publishes
// agent.error. The returned error is what the caller should bubble up to
// end the tick loop's workflow execution.
func (rt *Runtime) fail(ctx context.Context, agentID string, h store.AgentHandle, cause error) error {
	h.RunState.Status = store.RunError
	h.RunState.Reason = cause.Error()
	if err := rt.store.SaveHandle(ctx, h); err != nil {
		rt.logger.Error(ctx, "agentruntime: save handle after failure also failed", "agent", agentID, "error", err)
	}
	rt.publish(ctx, hooks.NewAgentErrorEvent(agentID, agentID, cause.Error()))
	rt.trackRun(ctx, h, session.RunStatusFailed)
	return cause
}

func (rt *Runtime) save(ctx context.Context, h store.AgentHandle) error {
	if err := rt.store.SaveHandle(ctx, h); err != nil {
		return fmt.Errorf("agentruntime: save handle: %w", err)
	}
	return nil
}

func stringifyResult(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agencyhq/runtime/engine"
	"github.com/agencyhq/runtime/hooks"
	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/policy"
	"github.com/agencyhq/runtime/provider"
	"github.com/agencyhq/runtime/registry"
	"github.com/agencyhq/runtime/session"
	"github.com/agencyhq/runtime/store"
	"github.com/agencyhq/runtime/subagent"
	"github.com/agencyhq/runtime/telemetry"
	"github.com/agencyhq/runtime/tool"
	"github.com/agencyhq/runtime/toolerrors"
)

// toolsPerTick bounds how many pending tool calls one tick executes; a
// larger batch is split across ticks, FIFO.
const toolsPerTick = 25

// BlueprintResolver looks up the Blueprint snapshot for agentType within
// agencyID, used when a subagent spawn needs to register a child of a type
// it does not already carry a snapshot for.
type BlueprintResolver func(ctx context.Context, agencyID, agentType string) (Blueprint, error)

// Options configures a Runtime.
type Options struct {
	Store    store.Store
	Engine   engine.Engine
	Provider provider.Client
	Tools    *registry.ToolRegistry
	Plugins  *registry.PluginRegistry
	Bus      hooks.Bus
	// Policy optionally filters/tightens the tool set every tick based on
	// retry hints from prior failures. May be nil.
	Policy policy.Engine
	// Sessions, when set, receives a RunMeta upsert on every run lifecycle
	// transition for agents registered with a SessionID, so schedule-spawned
	// and manually invoked agents can share session grouping. May be nil.
	Sessions session.Store

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	// DefaultModel is used when a Blueprint does not set its own Model.
	DefaultModel string
	// Env is ambient configuration (API keys and the like) handed to every
	// tool execution; no globals.
	Env map[string]string
	// ResolveBlueprint looks up an agency's Blueprint by type, needed so a
	// subagent spawn can register a child whose Blueprint this Runtime has
	// not already cached.
	ResolveBlueprint BlueprintResolver
}

// RegisterParams is the payload for Register: the one-time initialization
// metadata an agency supplies when it creates an agent.
type RegisterParams struct {
	AgentID   string
	AgencyID  string
	AgentType string
	SessionID string
	Blueprint Blueprint
	Parent    *store.ParentRef
	Vars      map[string]any
}

// Runtime drives agent execution. One Runtime instance drives every agent
// in a process; agents are distinguished purely by AgentID.
type Runtime struct {
	store    store.Store
	eng      engine.Engine
	provider provider.Client
	tools    *registry.ToolRegistry
	plugins  *registry.PluginRegistry
	bus      hooks.Bus
	pol      policy.Engine
	sessions session.Store
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer

	defaultModel string
	env          map[string]string
	resolve      BlueprintResolver

	coord *subagent.Coordinator

	mu         sync.Mutex
	active     map[string]engine.WorkflowHandle
	blueprints map[string]Blueprint
}

// wakeSignal is the single doorbell a paused tick loop waits on; the actual
// state transition (who may run now, and why) is always performed by the
// caller against the Store before signaling, and the loop reloads the handle
// from the Store after every wake rather than reading the signal's contents.
type wakeSignal struct {
	Kind string // "resume" | "cancel"
}

// New constructs a Runtime and registers its AgentTick workflow on opts.Engine.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer{}
	}
	if opts.Tools == nil {
		opts.Tools = registry.NewToolRegistry()
	}
	if opts.Plugins == nil {
		opts.Plugins = registry.NewPluginRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = hooks.NewBus()
	}
	// The store's event log is the durable truth; the bus is the transient
	// fan-out in front of it.
	if _, err := opts.Bus.Register(hooks.NewStoreRecorder(opts.Store)); err != nil {
		return nil, fmt.Errorf("agentruntime: register event recorder: %w", err)
	}

	rt := &Runtime{
		store:        opts.Store,
		eng:          opts.Engine,
		provider:     opts.Provider,
		tools:        opts.Tools,
		plugins:      opts.Plugins,
		bus:          opts.Bus,
		pol:          opts.Policy,
		sessions:     opts.Sessions,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		defaultModel: opts.DefaultModel,
		env:          opts.Env,
		resolve:      opts.ResolveBlueprint,
		active:       make(map[string]engine.WorkflowHandle),
		blueprints:   make(map[string]Blueprint),
	}
	rt.coord = subagent.New(opts.Store, opts.Bus, rt, opts.Logger)

	if err := rt.tools.Register(tool.Func{
		Metadata: tool.Spec{
			Name:        "task",
			Description: "Spawn a subagent of the given type and wait for its report.",
			Tags:        []string{"subagent"},
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"subagentType": {"type": "string"},
					"description": {"type": "string"}
				},
				"required": ["subagentType", "description"]
			}`),
		},
		Run: rt.runTaskTool,
	}); err != nil {
		return nil, fmt.Errorf("agentruntime: register task tool: %w", err)
	}

	if err := rt.eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    "ExecuteTool",
		Handler: rt.executeToolActivity,
	}); err != nil {
		return nil, fmt.Errorf("agentruntime: register tool activity: %w", err)
	}
	if err := rt.eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    "AgentTick",
		Handler: rt.agentTickWorkflow,
	}); err != nil {
		return nil, fmt.Errorf("agentruntime: register workflow: %w", err)
	}
	return rt, nil
}

func (rt *Runtime) runTaskTool(ctx context.Context, ec tool.ExecContext, args json.RawMessage) tool.Result {
	var in struct {
		SubagentType string `json:"subagentType"`
		Description  string `json:"description"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Result{
			Err:       toolerrors.NewWithCause("task: invalid arguments", err),
			RetryHint: &tool.RetryHint{Reason: tool.RetryReasonInvalidArguments, Tool: "task", Message: err.Error()},
		}
	}
	return rt.coord.Spawn(ctx, ec.AgentID, ec.RunID, ec.CallID, in.SubagentType, in.Description)
}

// trackRun mirrors h's run status into the session store, best-effort. A
// no-op when no session store is configured or the agent carries no
// SessionID.
func (rt *Runtime) trackRun(ctx context.Context, h store.AgentHandle, status session.RunStatus) {
	if rt.sessions == nil || h.SessionID == "" {
		return
	}
	if err := rt.sessions.UpsertRun(ctx, session.RunMeta{
		AgentID:   h.ID,
		RunID:     h.ID,
		SessionID: h.SessionID,
		Status:    status,
		UpdatedAt: time.Now(),
	}); err != nil {
		rt.logger.Warn(ctx, "agentruntime: session run upsert failed", "agent", h.ID, "error", err)
	}
}

func (rt *Runtime) publish(ctx context.Context, evt hooks.Event) {
	if rt.bus == nil {
		return
	}
	if err := rt.bus.Publish(ctx, evt); err != nil {
		rt.logger.Warn(ctx, "agentruntime: publish event failed", "type", evt.Type(), "error", err)
	}
}

// Register creates a new AgentHandle. It is idempotent under the same
// AgentID: a second call for an already-registered agent is a silent no-op.
func (rt *Runtime) Register(ctx context.Context, p RegisterParams) error {
	if _, err := rt.store.LoadHandle(ctx, p.AgentID); err == nil {
		return nil
	}
	h := store.AgentHandle{
		ID:        p.AgentID,
		AgencyID:  p.AgencyID,
		AgentType: p.AgentType,
		SessionID: p.SessionID,
		CreatedAt: time.Now(),
		Parent:    p.Parent,
		Info:      store.Info{BlueprintName: p.Blueprint.Name},
		RunState:  store.RunState{Status: store.RunRegistered},
	}
	if err := rt.store.SaveHandle(ctx, h); err != nil {
		return fmt.Errorf("agentruntime: register %s: %w", p.AgentID, err)
	}
	rt.mu.Lock()
	rt.blueprints[p.AgentID] = p.Blueprint
	rt.mu.Unlock()
	for k, v := range p.Vars {
		if err := rt.store.SetVar(ctx, p.AgentID, k, v); err != nil {
			return fmt.Errorf("agentruntime: register %s: set var %s: %w", p.AgentID, k, err)
		}
	}
	return nil
}

// Invoke appends msgs and vars to agentID's log and (re)starts its run. It
// returns immediately once the run has been scheduled to tick; the caller
// does not wait for the run to progress.
func (rt *Runtime) Invoke(ctx context.Context, agentID string, msgs []model.Message, vars map[string]any) (string, error) {
	h, err := rt.store.LoadHandle(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("agentruntime: invoke %s: %w", agentID, err)
	}

	if h.RunState.Status == store.RunCompleted && len(msgs) == 0 && len(vars) == 0 {
		// Empty invoke on a completed agent leaves state unchanged.
		return agentID, nil
	}

	for k, v := range vars {
		if err := rt.store.SetVar(ctx, agentID, k, v); err != nil {
			return "", fmt.Errorf("agentruntime: invoke %s: set var %s: %w", agentID, k, err)
		}
	}
	if len(msgs) > 0 {
		if _, err := rt.store.AppendMessages(ctx, agentID, msgs); err != nil {
			return "", fmt.Errorf("agentruntime: invoke %s: append messages: %w", agentID, err)
		}
	}

	rt.mu.Lock()
	_, alreadyActive := rt.active[agentID]
	rt.mu.Unlock()
	if alreadyActive {
		return agentID, nil
	}

	if h.RunState.Status != store.RunPaused {
		h.RunState.Status = store.RunRunning
		h.RunState.Reason = ""
		if err := rt.store.SaveHandle(ctx, h); err != nil {
			return "", fmt.Errorf("agentruntime: invoke %s: save handle: %w", agentID, err)
		}
		rt.publish(ctx, hooks.NewRunStartedEvent(agentID, agentID))
		rt.trackRun(ctx, h, session.RunStatusRunning)
	}
	if err := rt.start(ctx, agentID); err != nil {
		return "", err
	}
	return agentID, nil
}

// start launches the AgentTick workflow execution for agentID, tracking its
// handle so Invoke/Action/Cancel can tell whether a tick loop is already
// live for that agent.
func (rt *Runtime) start(ctx context.Context, agentID string) error {
	h, err := rt.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       agentID,
		Workflow: "AgentTick",
		Input:    agentID,
	})
	if err != nil {
		return fmt.Errorf("agentruntime: start %s: %w", agentID, err)
	}
	rt.mu.Lock()
	rt.active[agentID] = h
	rt.mu.Unlock()
	go func() {
		_ = h.Wait(context.Background(), nil)
		rt.mu.Lock()
		delete(rt.active, agentID)
		rt.mu.Unlock()
	}()
	return nil
}

// wake rings the doorbell on agentID's tick loop if one is live. It is a
// no-op when no loop is active: the in-process engine does not durably
// recover a paused run across a process restart.
func (rt *Runtime) wake(ctx context.Context, agentID string) error {
	rt.mu.Lock()
	h, ok := rt.active[agentID]
	rt.mu.Unlock()
	if !ok {
		rt.logger.Warn(ctx, "agentruntime: wake with no live tick loop", "agent", agentID)
		return nil
	}
	return h.Signal(ctx, "wake", wakeSignal{Kind: "resume"})
}

// Action dispatches a plugin-defined action. The only action this runtime
// understands natively is "approve", resuming a run paused for HITL.
// Plugins may extend the action vocabulary by inspecting the store directly
// from outside this package; this method only implements the core contract.
func (rt *Runtime) Action(ctx context.Context, agentID, actionType string, _ map[string]any) error {
	switch actionType {
	case "approve":
		return rt.approve(ctx, agentID)
	default:
		return fmt.Errorf("agentruntime: unknown action %q", actionType)
	}
}

func (rt *Runtime) approve(ctx context.Context, agentID string) error {
	h, err := rt.store.LoadHandle(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agentruntime: approve %s: %w", agentID, err)
	}
	if h.RunState.Status != store.RunPaused || h.RunState.Reason != store.ReasonHITL {
		return fmt.Errorf("agentruntime: agent %s is not paused for hitl approval", agentID)
	}
	h.RunState.Status = store.RunRunning
	h.RunState.Reason = ""
	if err := rt.store.SaveHandle(ctx, h); err != nil {
		return fmt.Errorf("agentruntime: approve %s: save handle: %w", agentID, err)
	}
	rt.publish(ctx, hooks.NewRunResumedEvent(agentID, agentID))
	return rt.wake(ctx, agentID)
}

// Cancel recursively cancels agentID's run: every outstanding child wait is
// canceled best-effort, then the agent itself is marked canceled.
func (rt *Runtime) Cancel(ctx context.Context, agentID string) error {
	h, err := rt.store.LoadHandle(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agentruntime: cancel %s: %w", agentID, err)
	}
	if h.RunState.Status == store.RunCompleted || h.RunState.Status == store.RunCanceled {
		// Cancel of an already-finished agent is a no-op.
		return nil
	}
	if err := rt.coord.Cancel(ctx, agentID); err != nil {
		return fmt.Errorf("agentruntime: cancel %s: %w", agentID, err)
	}
	rt.publish(ctx, hooks.NewRunCanceledEvent(agentID, agentID, store.ReasonUser))
	rt.trackRun(ctx, h, session.RunStatusCanceled)
	return rt.wake(ctx, agentID)
}

// State returns agentID's full snapshot for observers.
func (rt *Runtime) State(ctx context.Context, agentID string) (store.AgentHandle, error) {
	return rt.store.LoadHandle(ctx, agentID)
}

// Events returns agentID's full event log.
func (rt *Runtime) Events(ctx context.Context, agentID string) ([]store.Event, error) {
	return rt.store.ListEvents(ctx, agentID)
}

// RegisterChild implements subagent.ChildSpawner.
func (rt *Runtime) RegisterChild(ctx context.Context, childID, parentAgentID, parentToken, agentType string, vars map[string]any) error {
	parent, err := rt.store.LoadHandle(ctx, parentAgentID)
	if err != nil {
		return fmt.Errorf("agentruntime: register child: load parent %s: %w", parentAgentID, err)
	}
	bp, err := rt.resolveBlueprint(ctx, parent.AgencyID, agentType)
	if err != nil {
		return fmt.Errorf("agentruntime: register child: resolve blueprint %s: %w", agentType, err)
	}
	return rt.Register(ctx, RegisterParams{
		AgentID:   childID,
		AgencyID:  parent.AgencyID,
		AgentType: agentType,
		SessionID: parent.SessionID,
		Blueprint: bp,
		Parent:    &store.ParentRef{AgentID: parentAgentID, Token: parentToken},
		Vars:      vars,
	})
}

// InvokeChild implements subagent.ChildSpawner.
func (rt *Runtime) InvokeChild(ctx context.Context, childID, description string) (string, error) {
	return rt.Invoke(ctx, childID, []model.Message{{Role: model.RoleUser, Content: description}}, nil)
}

// CancelChild implements subagent.ChildSpawner.
func (rt *Runtime) CancelChild(ctx context.Context, childID string) error {
	return rt.Cancel(ctx, childID)
}

// ResumeParent implements subagent.ChildSpawner.
func (rt *Runtime) ResumeParent(ctx context.Context, parentAgentID string) error {
	return rt.wake(ctx, parentAgentID)
}

func (rt *Runtime) resolveBlueprint(ctx context.Context, agencyID, agentType string) (Blueprint, error) {
	if rt.resolve == nil {
		return Blueprint{}, fmt.Errorf("agentruntime: no blueprint resolver configured for type %q", agentType)
	}
	return rt.resolve(ctx, agencyID, agentType)
}

func (rt *Runtime) blueprintFor(agentID string) (Blueprint, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bp, ok := rt.blueprints[agentID]
	return bp, ok
}

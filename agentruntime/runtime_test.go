package agentruntime_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/agentruntime"
	"github.com/agencyhq/runtime/engine/inmem"
	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/provider"
	"github.com/agencyhq/runtime/registry"
	"github.com/agencyhq/runtime/session"
	"github.com/agencyhq/runtime/store"
	storeinmem "github.com/agencyhq/runtime/store/inmem"
	"github.com/agencyhq/runtime/tool"
)

// fakeProvider returns one scripted model.Response per call, in order.
type fakeProvider struct {
	mu        sync.Mutex
	responses []model.Response
	calls     int
}

func (f *fakeProvider) Invoke(ctx context.Context, req model.Request) (model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.responses) {
		return model.Response{}, fmt.Errorf("fakeProvider: no more scripted responses (call %d)", f.calls)
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req model.Request, onDelta func(provider.StreamDelta)) (model.Response, error) {
	return f.Invoke(ctx, req)
}

func echoTool() tool.Tool {
	return tool.Func{
		Metadata: tool.Spec{
			Name:       "echo",
			Parameters: json.RawMessage(`{"type":"object"}`),
		},
		Run: func(ctx context.Context, ec tool.ExecContext, args json.RawMessage) tool.Result {
			return tool.Result{Value: "echoed"}
		},
	}
}

func sensitiveTool() tool.Tool {
	return tool.Func{
		Metadata: tool.Spec{
			Name:       "sensitive",
			Parameters: json.RawMessage(`{"type":"object"}`),
		},
		Run: func(ctx context.Context, ec tool.ExecContext, args json.RawMessage) tool.Result {
			return tool.Result{Value: "approved-and-ran"}
		},
	}
}

func awaitStatus(t *testing.T, rt *agentruntime.Runtime, agentID string, want store.RunStatus) store.AgentHandle {
	t.Helper()
	ctx := context.Background()
	var last store.AgentHandle
	require.Eventually(t, func() bool {
		h, err := rt.State(ctx, agentID)
		require.NoError(t, err)
		last = h
		return h.RunState.Status == want
	}, 2*time.Second, 5*time.Millisecond, "agent %s never reached status %s (last status %s)", agentID, want, last.RunState.Status)
	return last
}

// TestHappyPathNoTools checks that a model turn that
// returns a final assistant message completes the run without any tool
// execution.
func TestHappyPathNoTools(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	eng := inmem.New(nil, nil, nil)
	fp := &fakeProvider{responses: []model.Response{
		{Message: model.Message{Role: model.RoleAssistant, Content: "hello there"}},
	}}

	rt, err := agentruntime.New(ctx, agentruntime.Options{
		Store:        st,
		Engine:       eng,
		Provider:     fp,
		DefaultModel: "test-model",
	})
	require.NoError(t, err)

	bp := agentruntime.Blueprint{Name: "greeter", Prompt: "You are a greeter."}
	require.NoError(t, rt.Register(ctx, agentruntime.RegisterParams{
		AgentID: "agent-1", AgencyID: "agency-1", AgentType: "greeter", Blueprint: bp,
	}))

	runID, err := rt.Invoke(ctx, "agent-1", []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "agent-1", runID)

	h := awaitStatus(t, rt, "agent-1", store.RunCompleted)
	require.Empty(t, h.Info.PendingToolCalls)

	msgs, err := st.ListMessages(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello there", msgs[1].Content)
}

// TestToolCallLoop checks that a tool call is executed
// and its result is fed back for a second model turn that completes the run.
func TestToolCallLoop(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	eng := inmem.New(nil, nil, nil)
	tools := registry.NewToolRegistry()
	require.NoError(t, tools.Register(echoTool()))

	fp := &fakeProvider{responses: []model.Response{
		{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCallRequest{{ID: "call-1", Name: "echo", Args: json.RawMessage(`{}`)}},
		}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "done"}},
	}}

	rt, err := agentruntime.New(ctx, agentruntime.Options{
		Store:        st,
		Engine:       eng,
		Provider:     fp,
		Tools:        tools,
		DefaultModel: "test-model",
	})
	require.NoError(t, err)

	bp := agentruntime.Blueprint{Name: "worker", Prompt: "You use tools.", Capabilities: []string{"echo"}}
	require.NoError(t, rt.Register(ctx, agentruntime.RegisterParams{
		AgentID: "agent-2", AgencyID: "agency-1", AgentType: "worker", Blueprint: bp,
	}))
	_, err = rt.Invoke(ctx, "agent-2", []model.Message{{Role: model.RoleUser, Content: "go"}}, nil)
	require.NoError(t, err)

	awaitStatus(t, rt, "agent-2", store.RunCompleted)

	msgs, err := st.ListMessages(ctx, "agent-2")
	require.NoError(t, err)
	require.Len(t, msgs, 4) // user, assistant(tool call), tool result, assistant(final)
	require.Equal(t, model.RoleTool, msgs[2].Role)
	require.Equal(t, "echoed", msgs[2].Content)
	require.Equal(t, "call-1", msgs[2].ToolCallID)
}

// TestSubagentSpawnReportResume drives a parent through the "task" tool: the
// parent pauses while the child runs, the child's report lands as the
// parent's tool message, and the parent resumes through to completion.
func TestSubagentSpawnReportResume(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	eng := inmem.New(nil, nil, nil)

	fp := &fakeProvider{responses: []model.Response{
		{Message: model.Message{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCallRequest{{
				ID:   "call-1",
				Name: "task",
				Args: json.RawMessage(`{"subagentType":"worker","description":"do x"}`),
			}},
		}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "done"}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "all done"}},
	}}

	rt, err := agentruntime.New(ctx, agentruntime.Options{
		Store:        st,
		Engine:       eng,
		Provider:     fp,
		DefaultModel: "test-model",
		ResolveBlueprint: func(ctx context.Context, agencyID, agentType string) (agentruntime.Blueprint, error) {
			return agentruntime.Blueprint{Name: agentType, Prompt: "You do tasks."}, nil
		},
	})
	require.NoError(t, err)

	bp := agentruntime.Blueprint{Name: "boss", Prompt: "You delegate.", Capabilities: []string{"task"}}
	require.NoError(t, rt.Register(ctx, agentruntime.RegisterParams{
		AgentID: "parent-1", AgencyID: "agency-1", AgentType: "boss", Blueprint: bp,
	}))
	_, err = rt.Invoke(ctx, "parent-1", []model.Message{{Role: model.RoleUser, Content: "delegate it"}}, nil)
	require.NoError(t, err)

	awaitStatus(t, rt, "parent-1", store.RunCompleted)

	msgs, err := st.ListMessages(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, msgs, 4) // user, assistant(task call), tool(child report), assistant(final)
	require.Equal(t, model.RoleTool, msgs[2].Role)
	require.Equal(t, "done", msgs[2].Content)
	require.Equal(t, "call-1", msgs[2].ToolCallID)
	require.Equal(t, "all done", msgs[3].Content)

	links, err := st.ListLinks(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, store.SubagentLinkCompleted, links[0].Status)
	require.Equal(t, "done", links[0].Result)

	child, err := st.LoadHandle(ctx, links[0].ChildAgent)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, child.RunState.Status)
	require.NotNil(t, child.Parent)
	require.Equal(t, "parent-1", child.Parent.AgentID)
}

// TestToolBatchSplitsAcrossTicks feeds one assistant turn with 30 tool calls
// through a 25-per-tick cap and checks every call still executes, with tool
// messages appended in the original FIFO order.
func TestToolBatchSplitsAcrossTicks(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	eng := inmem.New(nil, nil, nil)
	tools := registry.NewToolRegistry()
	require.NoError(t, tools.Register(echoTool()))

	const calls = 30
	batch := make([]model.ToolCallRequest, calls)
	for i := range batch {
		batch[i] = model.ToolCallRequest{
			ID:   fmt.Sprintf("call-%02d", i),
			Name: "echo",
			Args: json.RawMessage(`{}`),
		}
	}
	fp := &fakeProvider{responses: []model.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: batch}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "finished"}},
	}}

	rt, err := agentruntime.New(ctx, agentruntime.Options{
		Store:        st,
		Engine:       eng,
		Provider:     fp,
		Tools:        tools,
		DefaultModel: "test-model",
	})
	require.NoError(t, err)

	bp := agentruntime.Blueprint{Name: "fanout", Prompt: "You fan out.", Capabilities: []string{"echo"}}
	require.NoError(t, rt.Register(ctx, agentruntime.RegisterParams{
		AgentID: "agent-4", AgencyID: "agency-1", AgentType: "fanout", Blueprint: bp,
	}))
	_, err = rt.Invoke(ctx, "agent-4", []model.Message{{Role: model.RoleUser, Content: "go wide"}}, nil)
	require.NoError(t, err)

	awaitStatus(t, rt, "agent-4", store.RunCompleted)

	msgs, err := st.ListMessages(ctx, "agent-4")
	require.NoError(t, err)
	require.Len(t, msgs, 2+calls+1)
	for i := 0; i < calls; i++ {
		m := msgs[2+i]
		require.Equal(t, model.RoleTool, m.Role)
		require.Equal(t, fmt.Sprintf("call-%02d", i), m.ToolCallID)
	}
	require.Equal(t, "finished", msgs[2+calls].Content)
}

// TestEventsArePersisted checks the lifecycle event log survives in the
// store with strictly increasing Seq, not just on the transient bus.
func TestEventsArePersisted(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	eng := inmem.New(nil, nil, nil)
	fp := &fakeProvider{responses: []model.Response{
		{Message: model.Message{Role: model.RoleAssistant, Content: "hi"}},
	}}

	rt, err := agentruntime.New(ctx, agentruntime.Options{
		Store:        st,
		Engine:       eng,
		Provider:     fp,
		DefaultModel: "test-model",
	})
	require.NoError(t, err)

	bp := agentruntime.Blueprint{Name: "greeter", Prompt: "You greet."}
	require.NoError(t, rt.Register(ctx, agentruntime.RegisterParams{
		AgentID: "agent-5", AgencyID: "agency-1", AgentType: "greeter", Blueprint: bp,
	}))
	_, err = rt.Invoke(ctx, "agent-5", []model.Message{{Role: model.RoleUser, Content: "hello"}}, nil)
	require.NoError(t, err)

	awaitStatus(t, rt, "agent-5", store.RunCompleted)

	events, err := rt.Events(ctx, "agent-5")
	require.NoError(t, err)
	kinds := make(map[string]bool, len(events))
	var lastSeq int64
	for _, e := range events {
		require.Greater(t, e.Seq, lastSeq)
		lastSeq = e.Seq
		kinds[e.Kind] = true
	}
	for _, want := range []string{"run.started", "run.tick", "model.started", "model.completed", "agent.completed"} {
		require.True(t, kinds[want], "missing event kind %s", want)
	}
}

// TestSessionRunTracking checks that an agent registered with a SessionID
// mirrors its run lifecycle into the session store: running on invoke,
// completed at the end.
func TestSessionRunTracking(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	eng := inmem.New(nil, nil, nil)
	sessions := session.NewInmemStore()
	_, err := sessions.CreateSession(ctx, "sess-1")
	require.NoError(t, err)

	fp := &fakeProvider{responses: []model.Response{
		{Message: model.Message{Role: model.RoleAssistant, Content: "hi"}},
	}}

	rt, err := agentruntime.New(ctx, agentruntime.Options{
		Store:        st,
		Engine:       eng,
		Provider:     fp,
		Sessions:     sessions,
		DefaultModel: "test-model",
	})
	require.NoError(t, err)

	bp := agentruntime.Blueprint{Name: "greeter", Prompt: "You greet."}
	require.NoError(t, rt.Register(ctx, agentruntime.RegisterParams{
		AgentID: "agent-6", AgencyID: "agency-1", AgentType: "greeter", SessionID: "sess-1", Blueprint: bp,
	}))
	_, err = rt.Invoke(ctx, "agent-6", []model.Message{{Role: model.RoleUser, Content: "hello"}}, nil)
	require.NoError(t, err)

	awaitStatus(t, rt, "agent-6", store.RunCompleted)

	require.Eventually(t, func() bool {
		runs, err := sessions.ListRunsBySession(ctx, "sess-1")
		require.NoError(t, err)
		return len(runs) == 1 && runs[0].Status == session.RunStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	runs, err := sessions.ListRunsBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "agent-6", runs[0].AgentID)
}

// TestHITLPauseAndApprove checks that a tool call that
// matches the blueprint's HITL set pauses the run before execution; approval
// resumes it through to completion.
func TestHITLPauseAndApprove(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	eng := inmem.New(nil, nil, nil)
	tools := registry.NewToolRegistry()
	require.NoError(t, tools.Register(sensitiveTool()))

	fp := &fakeProvider{responses: []model.Response{
		{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCallRequest{{ID: "call-1", Name: "sensitive", Args: json.RawMessage(`{}`)}},
		}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "all set"}},
	}}

	rt, err := agentruntime.New(ctx, agentruntime.Options{
		Store:        st,
		Engine:       eng,
		Provider:     fp,
		Tools:        tools,
		DefaultModel: "test-model",
	})
	require.NoError(t, err)

	bp := agentruntime.Blueprint{
		Name:         "approver",
		Prompt:       "You ask before sensitive actions.",
		Capabilities: []string{"sensitive"},
		HITLTools:    map[string]struct{}{"sensitive": {}},
	}
	require.NoError(t, rt.Register(ctx, agentruntime.RegisterParams{
		AgentID: "agent-3", AgencyID: "agency-1", AgentType: "approver", Blueprint: bp,
	}))
	_, err = rt.Invoke(ctx, "agent-3", []model.Message{{Role: model.RoleUser, Content: "do the thing"}}, nil)
	require.NoError(t, err)

	h := awaitStatus(t, rt, "agent-3", store.RunPaused)
	require.Equal(t, store.ReasonHITL, h.RunState.Reason)
	require.Len(t, h.Info.PendingToolCalls, 1)

	require.NoError(t, rt.Action(ctx, "agent-3", "approve", nil))

	awaitStatus(t, rt, "agent-3", store.RunCompleted)
	msgs, err := st.ListMessages(ctx, "agent-3")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "approved-and-ran", msgs[2].Content)
	require.Equal(t, "all set", msgs[3].Content)
}

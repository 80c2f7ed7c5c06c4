package subagent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/store"
	"github.com/agencyhq/runtime/store/inmem"
	"github.com/agencyhq/runtime/subagent"
	"github.com/agencyhq/runtime/tool"
)

type fakeSpawner struct {
	registerErr error
	invokeErr   error
	resumed     []string
	canceled    []string
}

func (f *fakeSpawner) RegisterChild(ctx context.Context, childID, parentAgentID, parentToken, agentType string, vars map[string]any) error {
	return f.registerErr
}

func (f *fakeSpawner) InvokeChild(ctx context.Context, childID, description string) (string, error) {
	if f.invokeErr != nil {
		return "", f.invokeErr
	}
	return childID + "-run", nil
}

func (f *fakeSpawner) CancelChild(ctx context.Context, childID string) error {
	f.canceled = append(f.canceled, childID)
	return nil
}

func (f *fakeSpawner) ResumeParent(ctx context.Context, parentAgentID string) error {
	f.resumed = append(f.resumed, parentAgentID)
	return nil
}

func setupParent(t *testing.T, st store.Store) {
	t.Helper()
	require.NoError(t, st.SaveHandle(context.Background(), store.AgentHandle{
		ID:        "parent-1",
		AgentType: "boss",
		RunState:  store.RunState{Status: store.RunRunning},
	}))
}

func TestSpawnPausesParentAndRecordsLink(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	setupParent(t, st)

	spawner := &fakeSpawner{}
	coord := subagent.New(st, nil, spawner, nil)

	res := coord.Spawn(ctx, "parent-1", "parent-1", "call-1", "worker", "do x")
	require.True(t, res.Deferred)
	require.Nil(t, res.Err)

	h, err := st.LoadHandle(ctx, "parent-1")
	require.NoError(t, err)
	require.Equal(t, store.RunPaused, h.RunState.Status)
	require.Equal(t, store.ReasonSubagent, h.RunState.Reason)

	links, err := st.ListLinks(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, store.SubagentLinkPending, links[0].Status)

	waits, err := st.ListWaits(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, waits, 1)
}

func TestSpawnRegisterFailureReturnsErrorResult(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	setupParent(t, st)

	spawner := &fakeSpawner{registerErr: errors.New("boom")}
	coord := subagent.New(st, nil, spawner, nil)

	res := coord.Spawn(ctx, "parent-1", "parent-1", "call-1", "worker", "do x")
	require.False(t, res.Deferred)
	require.EqualError(t, res.Err, "Failed to initialize subagent")
	require.ErrorIs(t, res.Err, spawner.registerErr)
	require.NotNil(t, res.RetryHint)
	require.Equal(t, tool.RetryReasonToolUnavailable, res.RetryHint.Reason)

	waits, err := st.ListWaits(ctx, "parent-1")
	require.NoError(t, err)
	require.Empty(t, waits)
}

func TestSpawnInvokeFailureRollsBackWaitAndPause(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	setupParent(t, st)

	spawner := &fakeSpawner{invokeErr: errors.New("down")}
	coord := subagent.New(st, nil, spawner, nil)

	res := coord.Spawn(ctx, "parent-1", "parent-1", "call-1", "worker", "do x")
	require.False(t, res.Deferred)
	require.EqualError(t, res.Err, "Failed to invoke subagent")
	require.ErrorIs(t, res.Err, spawner.invokeErr)

	waits, err := st.ListWaits(ctx, "parent-1")
	require.NoError(t, err)
	require.Empty(t, waits)

	h, err := st.LoadHandle(ctx, "parent-1")
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, h.RunState.Status)
}

func TestReportToParentResumesOnlyWhenWaitsDrain(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	setupParent(t, st)

	spawner := &fakeSpawner{}
	coord := subagent.New(st, nil, spawner, nil)

	coord.Spawn(ctx, "parent-1", "parent-1", "call-1", "worker", "task one")
	links, err := st.ListLinks(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	link := links[0]

	require.NoError(t, coord.ReportToParent(ctx, "parent-1", link.ChildAgent, link.Token, "done"))

	h, err := st.LoadHandle(ctx, "parent-1")
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, h.RunState.Status)
	require.Equal(t, "", h.RunState.Reason)
	require.Equal(t, []string{"parent-1"}, spawner.resumed)

	msgs, err := st.ListMessages(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "done", msgs[0].Content)
	require.Equal(t, "call-1", msgs[0].ToolCallID)
}

func TestReportToParentUnknownTokenIsIgnored(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	setupParent(t, st)

	coord := subagent.New(st, nil, &fakeSpawner{}, nil)
	require.NoError(t, coord.ReportToParent(ctx, "parent-1", "child-x", "missing-token", "done"))

	msgs, err := st.ListMessages(ctx, "parent-1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestCancelSweepsOutstandingWaits(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	setupParent(t, st)

	spawner := &fakeSpawner{}
	coord := subagent.New(st, nil, spawner, nil)

	coord.Spawn(ctx, "parent-1", "parent-1", "call-1", "worker", "task one")
	coord.Spawn(ctx, "parent-1", "parent-1", "call-2", "worker", "task two")

	require.NoError(t, coord.Cancel(ctx, "parent-1"))

	require.Len(t, spawner.canceled, 2)
	waits, err := st.ListWaits(ctx, "parent-1")
	require.NoError(t, err)
	require.Empty(t, waits)

	h, err := st.LoadHandle(ctx, "parent-1")
	require.NoError(t, err)
	require.Equal(t, store.RunCanceled, h.RunState.Status)
	require.Equal(t, store.ReasonUser, h.RunState.Reason)

	links, err := st.ListLinks(ctx, "parent-1")
	require.NoError(t, err)
	for _, l := range links {
		require.Equal(t, store.SubagentLinkCanceled, l.Status)
	}
}

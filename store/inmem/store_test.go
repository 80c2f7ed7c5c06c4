package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/store"
	"github.com/agencyhq/runtime/store/inmem"
)

func TestAppendMessagesAssignsMonotonicSeq(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	first, err := s.AppendMessages(ctx, "agent-1", []model.Message{{Role: model.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, int64(1), first[0].Seq)

	second, err := s.AppendMessages(ctx, "agent-1", []model.Message{
		{Role: model.RoleAssistant, Content: "hello"},
		{Role: model.RoleUser, Content: "thanks"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), second[0].Seq)
	require.Equal(t, int64(3), second[1].Seq)

	all, err := s.ListMessages(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestLastAssistantReturnsMostRecent(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	_, found, err := s.LastAssistant(ctx, "agent-1")
	require.NoError(t, err)
	require.False(t, found)

	_, err = s.AppendMessages(ctx, "agent-1", []model.Message{
		{Role: model.RoleAssistant, Content: "first"},
		{Role: model.RoleUser, Content: "more"},
		{Role: model.RoleAssistant, Content: "second"},
	})
	require.NoError(t, err)

	last, found, err := s.LastAssistant(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "second", last.Content)
}

func TestSubagentLinkLifecycle(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	require.NoError(t, s.RecordSpawn(ctx, store.SubagentLink{
		Token:       "tok-1",
		ParentAgent: "parent",
		ChildAgent:  "child",
	}))

	links, err := s.ListLinks(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, store.SubagentLinkPending, links[0].Status)

	require.NoError(t, s.MarkCompleted(ctx, "tok-1", "done"))
	links, err = s.ListLinks(ctx, "parent")
	require.NoError(t, err)
	require.Equal(t, store.SubagentLinkCompleted, links[0].Status)
	require.Equal(t, "done", links[0].Result)

	err = s.MarkCompleted(ctx, "missing", "x")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWaitSetEmptyOnlyAfterAllPopped(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	require.NoError(t, s.PushWait(ctx, "parent", "tok-a"))
	require.NoError(t, s.PushWait(ctx, "parent", "tok-b"))

	waits, err := s.ListWaits(ctx, "parent")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"tok-a", "tok-b"}, waits)

	empty, err := s.PopWait(ctx, "parent", "tok-a")
	require.NoError(t, err)
	require.False(t, empty)

	empty, err = s.PopWait(ctx, "parent", "tok-b")
	require.NoError(t, err)
	require.True(t, empty)
}

func TestSaveHandlePreservesCreatedAtAcrossUpdates(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	first := store.AgentHandle{
		ID:        "agent-1",
		AgencyID:  "acme",
		AgentType: "worker",
		RunState:  store.RunState{Status: store.RunRegistered},
	}
	require.NoError(t, s.SaveHandle(ctx, first))

	loaded, err := s.LoadHandle(ctx, "agent-1")
	require.NoError(t, err)
	require.False(t, loaded.CreatedAt.IsZero())
	require.Equal(t, store.RunRegistered, loaded.RunState.Status)

	second := loaded
	second.RunState.Status = store.RunRunning
	second.RunState.Step = 1
	second.CreatedAt = time.Time{}
	require.NoError(t, s.SaveHandle(ctx, second))

	reloaded, err := s.LoadHandle(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, loaded.CreatedAt, reloaded.CreatedAt)
	require.Equal(t, store.RunRunning, reloaded.RunState.Status)
	require.Equal(t, int64(1), reloaded.RunState.Step)

	_, err = s.LoadHandle(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgentVarsRoundTrip(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	require.NoError(t, s.SetVar(ctx, "agent-1", "count", 3))
	v, ok, err := s.GetVar(ctx, "agent-1", "count")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, v)

	all, err := s.ListVars(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"count": 3}, all)

	_, ok, err = s.GetVar(ctx, "agent-1", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

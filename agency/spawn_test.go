package agency_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/agency"
	"github.com/agencyhq/runtime/agentruntime"
	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/session"
)

type fakeRegistrar struct {
	registered []agentruntime.RegisterParams
	invoked    []string
}

func (f *fakeRegistrar) Register(ctx context.Context, p agentruntime.RegisterParams) error {
	f.registered = append(f.registered, p)
	return nil
}

func (f *fakeRegistrar) Invoke(ctx context.Context, agentID string, msgs []model.Message, vars map[string]any) (string, error) {
	f.invoked = append(f.invoked, agentID)
	return agentID, nil
}

func TestAgentSpawnerResolvesBlueprintAndRegistersInvokesRecords(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	_, err := store.PutBlueprint(ctx, "acme", agency.Blueprint{
		Name: "reporter", Prompt: "write the nightly report", Status: agency.BlueprintActive,
	})
	require.NoError(t, err)

	reg := &fakeRegistrar{}
	spawner := agency.AgentSpawner{Store: store, Runtime: reg}

	agentID, err := spawner.SpawnAgent(ctx, "acme", "reporter", map[string]any{"message": "go"})
	require.NoError(t, err)
	require.NotEmpty(t, agentID)
	require.Len(t, reg.registered, 1)
	require.Equal(t, agentID, reg.registered[0].AgentID)
	require.Equal(t, "acme", reg.registered[0].AgencyID)
	require.Equal(t, "reporter", reg.registered[0].Blueprint.Name)
	require.Equal(t, []string{agentID}, reg.invoked)

	agents, err := store.ListAgents(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, agentID, agents[0].ID)
	require.Equal(t, "reporter", agents[0].Type)
}

func TestAgentSpawnerGroupsSpawnsUnderSession(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sessions := session.NewInmemStore()
	_, err := store.PutBlueprint(ctx, "acme", agency.Blueprint{
		Name: "reporter", Prompt: "write the nightly report", Status: agency.BlueprintActive,
	})
	require.NoError(t, err)

	reg := &fakeRegistrar{}
	spawner := agency.AgentSpawner{Store: store, Runtime: reg, Sessions: sessions}

	first, err := spawner.SpawnAgent(ctx, "acme", "reporter", map[string]any{"sessionId": "sess-1"})
	require.NoError(t, err)
	second, err := spawner.SpawnAgent(ctx, "acme", "reporter", map[string]any{"sessionId": "sess-1"})
	require.NoError(t, err)

	sess, err := sessions.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, sess.Status)

	require.Len(t, reg.registered, 2)
	require.Equal(t, "sess-1", reg.registered[0].SessionID)
	require.Equal(t, "sess-1", reg.registered[1].SessionID)

	agents, err := store.ListAgents(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	for _, info := range agents {
		require.Equal(t, "sess-1", info.SessionID)
		require.Contains(t, []string{first, second}, info.ID)
	}
}

func TestAgentSpawnerMintsFreshSessionWhenNoneGiven(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sessions := session.NewInmemStore()
	_, err := store.PutBlueprint(ctx, "acme", agency.Blueprint{
		Name: "reporter", Prompt: "write the nightly report", Status: agency.BlueprintActive,
	})
	require.NoError(t, err)

	reg := &fakeRegistrar{}
	spawner := agency.AgentSpawner{Store: store, Runtime: reg, Sessions: sessions}

	_, err = spawner.SpawnAgent(ctx, "acme", "reporter", nil)
	require.NoError(t, err)
	require.Len(t, reg.registered, 1)
	require.NotEmpty(t, reg.registered[0].SessionID)

	sess, err := sessions.LoadSession(ctx, reg.registered[0].SessionID)
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, sess.Status)
}

func TestAgentSpawnerRejectsDisabledBlueprint(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	_, err := store.PutBlueprint(ctx, "acme", agency.Blueprint{
		Name: "retired", Prompt: "noop", Status: agency.BlueprintDisabled,
	})
	require.NoError(t, err)

	spawner := agency.AgentSpawner{Store: store, Runtime: &fakeRegistrar{}}
	_, err = spawner.SpawnAgent(ctx, "acme", "retired", nil)
	require.Error(t, err)
}

func TestAgentSpawnerUnknownBlueprintErrors(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	spawner := agency.AgentSpawner{Store: store, Runtime: &fakeRegistrar{}}
	_, err := spawner.SpawnAgent(ctx, "acme", "ghost", nil)
	require.ErrorIs(t, err, agency.ErrNotFound)
}

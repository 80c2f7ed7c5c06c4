package agency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/agency"
)

func TestBlueprintNameValidation(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"", false},
		{"a", true},
		{"a b", false},
		{"a-b_1", true},
	}
	for _, tc := range cases {
		bp := agency.Blueprint{Name: tc.name, Prompt: "do things"}
		err := bp.Validate()
		if tc.valid {
			require.NoError(t, err, tc.name)
		} else {
			require.Error(t, err, tc.name)
		}
	}
}

func TestBlueprintRequiresPrompt(t *testing.T) {
	bp := agency.Blueprint{Name: "worker"}
	require.Error(t, bp.Validate())
}

func TestPutBlueprintPreservesCreatedAtOnUpsert(t *testing.T) {
	store := agency.NewInmemStore()
	ctx := context.Background()

	first, err := store.PutBlueprint(ctx, "acme", agency.Blueprint{Name: "worker", Prompt: "v1"})
	require.NoError(t, err)
	require.False(t, first.CreatedAt.IsZero())

	time.Sleep(time.Millisecond)

	second, err := store.PutBlueprint(ctx, "acme", agency.Blueprint{Name: "worker", Prompt: "v2"})
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "v2", second.Prompt)
	require.True(t, second.UpdatedAt.After(first.UpdatedAt) || second.UpdatedAt.Equal(first.UpdatedAt))
}

func TestScheduleValidateRequiresTypeSpecificField(t *testing.T) {
	require.Error(t, agency.Schedule{Type: agency.ScheduleOnce}.Validate())
	require.Error(t, agency.Schedule{Type: agency.ScheduleCron}.Validate())
	require.Error(t, agency.Schedule{Type: agency.ScheduleInterval}.Validate())

	now := time.Now()
	require.NoError(t, agency.Schedule{Type: agency.ScheduleOnce, RunAt: &now}.Validate())
	require.NoError(t, agency.Schedule{Type: agency.ScheduleCron, Cron: "* * * * *"}.Validate())
	require.NoError(t, agency.Schedule{Type: agency.ScheduleInterval, IntervalMs: 1000}.Validate())
}

func TestPutScheduleAssignsIDAndPreservesCreatedAtOnUpsert(t *testing.T) {
	store := agency.NewInmemStore()
	ctx := context.Background()

	first, err := store.PutSchedule(ctx, "acme", agency.Schedule{
		Name: "nightly", AgentType: "reporter", Type: agency.ScheduleCron, Cron: "0 0 * * *",
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.False(t, first.CreatedAt.IsZero())

	time.Sleep(time.Millisecond)

	first.Cron = "0 1 * * *"
	second, err := store.PutSchedule(ctx, "acme", first)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "0 1 * * *", second.Cron)

	got, err := store.GetSchedule(ctx, "acme", second.ID)
	require.NoError(t, err)
	require.Equal(t, second, got)

	list, err := store.ListSchedules(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.DeleteSchedule(ctx, "acme", second.ID))
	require.ErrorIs(t, firstErr(store.GetSchedule(ctx, "acme", second.ID)), agency.ErrNotFound)
}

func TestScheduleRunRecordAndUpdateListsMostRecentFirst(t *testing.T) {
	store := agency.NewInmemStore()
	ctx := context.Background()

	sched, err := store.PutSchedule(ctx, "acme", agency.Schedule{
		Name: "nightly", AgentType: "reporter", Type: agency.ScheduleCron, Cron: "0 0 * * *",
	})
	require.NoError(t, err)

	run1, err := store.RecordScheduleRun(ctx, "acme", agency.ScheduleRun{
		ScheduleID: sched.ID, Status: agency.ScheduleRunPending, ScheduledAt: time.Now(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, run1.ID)

	run2, err := store.RecordScheduleRun(ctx, "acme", agency.ScheduleRun{
		ScheduleID: sched.ID, Status: agency.ScheduleRunPending, ScheduledAt: time.Now().Add(time.Second),
	})
	require.NoError(t, err)

	run1.Status = agency.ScheduleRunCompleted
	run1.Result = "ok"
	require.NoError(t, store.UpdateScheduleRun(ctx, "acme", run1))

	runs, err := store.ListScheduleRuns(ctx, "acme", sched.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, run2.ID, runs[0].ID)
	require.Equal(t, run1.ID, runs[1].ID)
	require.Equal(t, agency.ScheduleRunCompleted, runs[1].Status)
	require.Equal(t, "ok", runs[1].Result)
}

func firstErr(_ agency.Schedule, err error) error { return err }

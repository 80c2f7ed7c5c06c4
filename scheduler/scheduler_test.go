package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/agency"
	"github.com/agencyhq/runtime/scheduler"
)

// fakeSpawner counts spawn calls and can be configured to fail N times
// before succeeding, exercising the Scheduler's retry loop.
type fakeSpawner struct {
	mu        sync.Mutex
	calls     int32
	failUntil int32
	slow      chan struct{} // if non-nil, SpawnAgent blocks until closed
}

func (f *fakeSpawner) SpawnAgent(ctx context.Context, agencyID, agentType string, input map[string]any) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.slow != nil {
		<-f.slow
	}
	if n <= f.failUntil {
		return "", fmt.Errorf("spawn failed (attempt %d)", n)
	}
	return fmt.Sprintf("agent-%d", n), nil
}

func (f *fakeSpawner) callCount() int32 { return atomic.LoadInt32(&f.calls) }

func TestTriggerBypassesOverlapPolicy(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sp := &fakeSpawner{}
	sched := scheduler.New(scheduler.Options{Store: store, Spawner: sp})

	s, err := sched.Create(ctx, "acme", agency.Schedule{
		Name: "nightly", AgentType: "reporter", Type: agency.ScheduleCron, Cron: "0 0 * * *",
	})
	require.NoError(t, err)

	run, err := sched.Trigger(ctx, "acme", s.ID)
	require.NoError(t, err)
	require.Equal(t, agency.ScheduleRunCompleted, run.Status)
	require.EqualValues(t, 1, sp.callCount())
}

func TestOverlapSkipRecordsSkippedRunWhileOneIsRunning(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sp := &fakeSpawner{slow: make(chan struct{})}
	sched := scheduler.New(scheduler.Options{Store: store, Spawner: sp})
	defer sched.Stop()

	s, err := sched.Create(ctx, "acme", agency.Schedule{
		Name: "poll", AgentType: "worker", Type: agency.ScheduleInterval, IntervalMs: 100,
		OverlapPolicy: agency.OverlapSkip,
	})
	require.NoError(t, err)

	// Hold a run open: Trigger bypasses the overlap policy and blocks inside
	// the spawner, so its row stays `running` while the natural interval
	// alarm fires concurrently and must take the skip branch.
	done := make(chan agency.ScheduleRun, 1)
	go func() {
		run, _ := sched.Trigger(ctx, "acme", s.ID)
		done <- run
	}()
	require.Eventually(t, func() bool {
		return sp.callCount() >= 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		runs, err := store.ListScheduleRuns(ctx, "acme", s.ID)
		require.NoError(t, err)
		skipped, running := 0, 0
		for _, r := range runs {
			switch r.Status {
			case agency.ScheduleRunSkipped:
				skipped++
			case agency.ScheduleRunRunning:
				running++
			}
		}
		return skipped >= 1 && running == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Skipped firings never reached the spawner; only the held run did.
	require.EqualValues(t, 1, sp.callCount())

	_, err = sched.Pause(ctx, "acme", s.ID)
	require.NoError(t, err)
	close(sp.slow)
	run := <-done
	require.Equal(t, agency.ScheduleRunCompleted, run.Status)
}

func TestScheduleFiresOnIntervalAndRecordsCompletedRun(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sp := &fakeSpawner{}
	sched := scheduler.New(scheduler.Options{Store: store, Spawner: sp})
	defer sched.Stop()

	s, err := sched.Create(ctx, "acme", agency.Schedule{
		Name: "poll", AgentType: "worker", Type: agency.ScheduleInterval, IntervalMs: 50,
		OverlapPolicy: agency.OverlapAllow,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sp.callCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	runs, err := store.ListScheduleRuns(ctx, "acme", s.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(runs), 2)
	for _, r := range runs {
		require.Equal(t, agency.ScheduleRunCompleted, r.Status)
	}
}

func TestOnceScheduleDisablesAfterFiring(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sp := &fakeSpawner{}
	sched := scheduler.New(scheduler.Options{Store: store, Spawner: sp})
	defer sched.Stop()

	runAt := time.Now().Add(20 * time.Millisecond)
	s, err := sched.Create(ctx, "acme", agency.Schedule{
		Name: "once-job", AgentType: "worker", Type: agency.ScheduleOnce, RunAt: &runAt,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetSchedule(ctx, "acme", s.ID)
		return err == nil && got.Status == agency.ScheduleDisabled
	}, 2*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 1, sp.callCount())

	got, err := store.GetSchedule(ctx, "acme", s.ID)
	require.NoError(t, err)
	require.Nil(t, got.NextRunAt)
}

func TestRetriesUpToMaxRetriesThenRecordsFailed(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sp := &fakeSpawner{failUntil: 2}
	sched := scheduler.New(scheduler.Options{Store: store, Spawner: sp})

	s, err := sched.Create(ctx, "acme", agency.Schedule{
		Name: "flaky", AgentType: "worker", Type: agency.ScheduleOnce,
		RunAt: timePtr(time.Now().Add(time.Hour)), MaxRetries: 1,
	})
	require.NoError(t, err)

	run, err := sched.Trigger(ctx, "acme", s.ID)
	require.Error(t, err)
	require.Equal(t, agency.ScheduleRunFailed, run.Status)
	require.EqualValues(t, 2, sp.callCount())

	sp2 := &fakeSpawner{failUntil: 1}
	sched2 := scheduler.New(scheduler.Options{Store: store, Spawner: sp2})
	run2, err := sched2.Trigger(ctx, "acme", s.ID)
	require.NoError(t, err)
	require.Equal(t, agency.ScheduleRunCompleted, run2.Status)
}

func TestPauseClearsAlarmAndResumeRearms(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sp := &fakeSpawner{}
	sched := scheduler.New(scheduler.Options{Store: store, Spawner: sp})
	defer sched.Stop()

	s, err := sched.Create(ctx, "acme", agency.Schedule{
		Name: "poll", AgentType: "worker", Type: agency.ScheduleInterval, IntervalMs: 30,
	})
	require.NoError(t, err)

	paused, err := sched.Pause(ctx, "acme", s.ID)
	require.NoError(t, err)
	require.Equal(t, agency.SchedulePaused, paused.Status)
	require.Nil(t, paused.NextRunAt)

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 0, sp.callCount())

	resumed, err := sched.Resume(ctx, "acme", s.ID)
	require.NoError(t, err)
	require.Equal(t, agency.ScheduleActive, resumed.Status)
	require.NotNil(t, resumed.NextRunAt)

	require.Eventually(t, func() bool {
		return sp.callCount() >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestCreateRejectsInvalidCron(t *testing.T) {
	ctx := context.Background()
	store := agency.NewInmemStore()
	sched := scheduler.New(scheduler.Options{Store: store, Spawner: &fakeSpawner{}})

	_, err := sched.Create(ctx, "acme", agency.Schedule{
		Name: "bad", AgentType: "worker", Type: agency.ScheduleCron, Cron: "not a cron",
	})
	require.Error(t, err)
}

func timePtr(t time.Time) *time.Time { return &t }

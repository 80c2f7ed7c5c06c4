// Package scheduler implements the per-agency schedule dispatcher:
// alarm-driven cron/interval/once firing of agent spawns, with overlap
// control, run history, and best-effort retries. Alarms are one pending
// timer per active schedule, not a busy poll; an optional AlarmStore makes
// them durable across process restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agencyhq/runtime/agency"
	"github.com/agencyhq/runtime/telemetry"
)

// cronParser follows the standard 5-field convention (min hour dom mon dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Spawner is the narrow slice of Agency the Scheduler needs in order to
// create an agent from a Schedule firing. This split keeps this package
// independent of any concrete Agency/Runtime wiring.
type Spawner interface {
	SpawnAgent(ctx context.Context, agencyID, agentType string, input map[string]any) (agentID string, err error)
}

// recheckInterval is how often a "queue" overlap policy re-examines whether
// the prior run has cleared.
const recheckInterval = time.Second

// Scheduler dispatches Schedule firings. One Scheduler instance serves every
// schedule for one agency; the Store itself is agency-scoped (agency.Store),
// so a single process can run one Scheduler per agency or share one Scheduler
// across agencies keyed by agencyID.
type Scheduler struct {
	store   agency.Store
	spawner Spawner
	logger  telemetry.Logger
	metrics telemetry.Metrics
	alarms  AlarmStore
	pollInt time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer // scheduleID -> pending alarm (no AlarmStore)
	pollers map[string]chan struct{} // agencyID -> stop channel (with AlarmStore)
	closed  bool
}

// Options configures a Scheduler.
type Options struct {
	Store   agency.Store
	Spawner Spawner
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// AlarmStore, if set, makes alarms durable across process restarts by
	// recording next-fire times externally (e.g. RedisAlarmStore) instead of
	// scheduling an in-process time.Timer per schedule. When set, Start
	// launches a poll loop against AlarmStore rather than arming timers
	// directly.
	AlarmStore AlarmStore
	// PollInterval controls how often the AlarmStore poll loop checks for due
	// alarms. Defaults to one second. Ignored when AlarmStore is nil.
	PollInterval time.Duration
}

// New constructs a Scheduler. It does not itself load existing schedules;
// call Start to arm alarms for every active schedule already persisted.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Scheduler{
		store:   opts.Store,
		spawner: opts.Spawner,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		alarms:  opts.AlarmStore,
		pollInt: opts.PollInterval,
		timers:  make(map[string]*time.Timer),
		pollers: make(map[string]chan struct{}),
	}
}

// Start arms every active schedule of agencyID currently persisted, e.g.
// after a process restart. With an AlarmStore configured, this instead
// (re-)records each active schedule's NextRunAt into the store and launches
// a poll loop that claims due alarms from it.
func (s *Scheduler) Start(ctx context.Context, agencyID string) error {
	scheds, err := s.store.ListSchedules(ctx, agencyID)
	if err != nil {
		return fmt.Errorf("scheduler: start %s: list schedules: %w", agencyID, err)
	}
	for _, sched := range scheds {
		if sched.Status != agency.ScheduleActive {
			continue
		}
		if err := s.arm(ctx, agencyID, sched); err != nil {
			s.logger.Warn(ctx, "scheduler: failed to arm schedule on start", "schedule", sched.ID, "error", err)
		}
	}
	if s.alarms != nil {
		s.startPolling(agencyID)
	}
	return nil
}

func (s *Scheduler) startPolling(agencyID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.pollers[agencyID]; ok {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.pollers[agencyID] = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.pollInt)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.pollDue(agencyID)
			}
		}
	}()
}

func (s *Scheduler) pollDue(agencyID string) {
	ctx := context.Background()
	due, err := s.alarms.PopDue(ctx, agencyID, time.Now())
	if err != nil {
		s.logger.Warn(ctx, "scheduler: poll due alarms failed", "agency", agencyID, "error", err)
		return
	}
	for _, scheduleID := range due {
		s.fire(agencyID, scheduleID)
	}
}

// Stop cancels every pending alarm and poll loop. Persisted schedule state is
// unaffected; a later Start re-arms from the store.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for id, stop := range s.pollers {
		close(stop)
		delete(s.pollers, id)
	}
}

// Create validates and persists a new Schedule, then arms its alarm.
func (s *Scheduler) Create(ctx context.Context, agencyID string, sched agency.Schedule) (agency.Schedule, error) {
	if sched.Status == "" {
		sched.Status = agency.ScheduleActive
	}
	if sched.OverlapPolicy == "" {
		sched.OverlapPolicy = agency.OverlapSkip
	}
	if sched.Type == agency.ScheduleCron {
		if _, err := cronParser.Parse(sched.Cron); err != nil {
			return agency.Schedule{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", sched.Cron, err)
		}
	}
	next, err := computeNextRun(sched, time.Now())
	if err != nil {
		return agency.Schedule{}, err
	}
	sched.NextRunAt = next

	saved, err := s.store.PutSchedule(ctx, agencyID, sched)
	if err != nil {
		return agency.Schedule{}, err
	}
	if saved.Status == agency.ScheduleActive {
		if err := s.arm(ctx, agencyID, saved); err != nil {
			return agency.Schedule{}, err
		}
	}
	return saved, nil
}

// Update persists changes to an existing Schedule; any timing field change
// recomputes NextRunAt and re-arms the alarm.
func (s *Scheduler) Update(ctx context.Context, agencyID string, sched agency.Schedule) (agency.Schedule, error) {
	if sched.Type == agency.ScheduleCron {
		if _, err := cronParser.Parse(sched.Cron); err != nil {
			return agency.Schedule{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", sched.Cron, err)
		}
	}
	next, err := computeNextRun(sched, time.Now())
	if err != nil {
		return agency.Schedule{}, err
	}
	sched.NextRunAt = next

	saved, err := s.store.PutSchedule(ctx, agencyID, sched)
	if err != nil {
		return agency.Schedule{}, err
	}
	s.disarm(agencyID, saved.ID)
	if saved.Status == agency.ScheduleActive {
		if err := s.arm(ctx, agencyID, saved); err != nil {
			return agency.Schedule{}, err
		}
	}
	return saved, nil
}

// Delete removes a Schedule and cancels its alarm.
func (s *Scheduler) Delete(ctx context.Context, agencyID, scheduleID string) error {
	s.disarm(agencyID, scheduleID)
	return s.store.DeleteSchedule(ctx, agencyID, scheduleID)
}

// Pause clears a Schedule's pending alarm without deleting it.
func (s *Scheduler) Pause(ctx context.Context, agencyID, scheduleID string) (agency.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, agencyID, scheduleID)
	if err != nil {
		return agency.Schedule{}, err
	}
	sched.Status = agency.SchedulePaused
	sched.NextRunAt = nil
	saved, err := s.store.PutSchedule(ctx, agencyID, sched)
	if err != nil {
		return agency.Schedule{}, err
	}
	s.disarm(agencyID, scheduleID)
	return saved, nil
}

// Resume reactivates a paused Schedule, recomputing and arming its next
// alarm.
func (s *Scheduler) Resume(ctx context.Context, agencyID, scheduleID string) (agency.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, agencyID, scheduleID)
	if err != nil {
		return agency.Schedule{}, err
	}
	sched.Status = agency.ScheduleActive
	next, err := computeNextRun(sched, time.Now())
	if err != nil {
		return agency.Schedule{}, err
	}
	sched.NextRunAt = next
	saved, err := s.store.PutSchedule(ctx, agencyID, sched)
	if err != nil {
		return agency.Schedule{}, err
	}
	if err := s.arm(ctx, agencyID, saved); err != nil {
		return agency.Schedule{}, err
	}
	return saved, nil
}

// Trigger manually fires scheduleID, bypassing overlap policy entirely.
// It does not affect the natural alarm chain.
func (s *Scheduler) Trigger(ctx context.Context, agencyID, scheduleID string) (agency.ScheduleRun, error) {
	sched, err := s.store.GetSchedule(ctx, agencyID, scheduleID)
	if err != nil {
		return agency.ScheduleRun{}, err
	}
	return s.runOnce(ctx, agencyID, sched, true)
}

// disarm cancels scheduleID's pending alarm, whether a local timer or a row
// in the configured AlarmStore.
func (s *Scheduler) disarm(agencyID, scheduleID string) {
	s.mu.Lock()
	t, ok := s.timers[scheduleID]
	if ok {
		delete(s.timers, scheduleID)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
	if s.alarms != nil {
		if err := s.alarms.Disarm(context.Background(), agencyID, scheduleID); err != nil {
			s.logger.Warn(context.Background(), "scheduler: disarm alarm store failed", "schedule", scheduleID, "error", err)
		}
	}
}

// arm schedules sched.NextRunAt to fire runScheduledAgent. A nil NextRunAt
// (e.g. a `once` schedule whose runAt has already passed) arms nothing. With
// an AlarmStore configured, arming writes to it instead of starting a local
// timer; the agency's poll loop (see startPolling) claims it when due.
func (s *Scheduler) arm(ctx context.Context, agencyID string, sched agency.Schedule) error {
	s.disarm(agencyID, sched.ID)
	if sched.NextRunAt == nil {
		return nil
	}

	if s.alarms != nil {
		return s.alarms.Arm(ctx, agencyID, sched.ID, *sched.NextRunAt)
	}

	delay := time.Until(*sched.NextRunAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	timer := time.AfterFunc(delay, func() {
		s.fire(agencyID, sched.ID)
	})
	s.timers[sched.ID] = timer
	s.mu.Unlock()
	return nil
}

// fire is the alarm callback: it loads current schedule state fresh (it may
// have been paused/deleted/updated since arming) and dispatches one run.
func (s *Scheduler) fire(agencyID, scheduleID string) {
	ctx := context.Background()
	s.mu.Lock()
	delete(s.timers, scheduleID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	sched, err := s.store.GetSchedule(ctx, agencyID, scheduleID)
	if err != nil {
		if !errors.Is(err, agency.ErrNotFound) {
			s.logger.Warn(ctx, "scheduler: load schedule on fire failed", "schedule", scheduleID, "error", err)
		}
		return
	}
	// Drop if missing or no longer active.
	if sched.Status != agency.ScheduleActive {
		return
	}

	if _, err := s.runOnce(ctx, agencyID, sched, false); err != nil {
		s.logger.Error(ctx, "scheduler: run failed", "schedule", scheduleID, "error", err)
	}

	s.rearmAfterFire(ctx, agencyID, scheduleID)
}

// rearmAfterFire reloads the schedule (runOnce may have disabled a `once`
// schedule or advanced lastRunAt) and arms the next alarm.
func (s *Scheduler) rearmAfterFire(ctx context.Context, agencyID, scheduleID string) {
	sched, err := s.store.GetSchedule(ctx, agencyID, scheduleID)
	if err != nil {
		return
	}
	if sched.Status != agency.ScheduleActive {
		return
	}
	if err := s.arm(ctx, agencyID, sched); err != nil {
		s.logger.Warn(ctx, "scheduler: rearm failed", "schedule", scheduleID, "error", err)
	}
}

// runOnce dispatches one execution attempt of sched: overlap policy, run
// row bookkeeping, spawn with retries, lastRunAt advance. manual=true is
// Trigger, which bypasses the overlap policy.
func (s *Scheduler) runOnce(ctx context.Context, agencyID string, sched agency.Schedule, manual bool) (agency.ScheduleRun, error) {
	now := time.Now()

	if !manual {
		switch sched.OverlapPolicy {
		case agency.OverlapSkip:
			if running, err := s.hasRunningRun(ctx, agencyID, sched.ID); err != nil {
				return agency.ScheduleRun{}, err
			} else if running {
				run, err := s.store.RecordScheduleRun(ctx, agencyID, agency.ScheduleRun{
					ScheduleID:  sched.ID,
					Status:      agency.ScheduleRunSkipped,
					ScheduledAt: now,
				})
				if err != nil {
					return agency.ScheduleRun{}, err
				}
				s.metrics.IncCounter("scheduler.run.skipped", 1, "schedule", sched.ID)
				s.markLastRun(ctx, agencyID, sched, now)
				return run, nil
			}
		case agency.OverlapQueue:
			for {
				running, err := s.hasRunningRun(ctx, agencyID, sched.ID)
				if err != nil {
					return agency.ScheduleRun{}, err
				}
				if !running {
					break
				}
				time.Sleep(recheckInterval)
			}
		case agency.OverlapAllow:
			// proceed unconditionally
		}
	}

	run, err := s.store.RecordScheduleRun(ctx, agencyID, agency.ScheduleRun{
		ScheduleID:  sched.ID,
		Status:      agency.ScheduleRunRunning,
		ScheduledAt: now,
		StartedAt:   &now,
	})
	if err != nil {
		return agency.ScheduleRun{}, err
	}

	// Retries are a bounded best-effort loop with no inter-retry delay,
	// not a durable backoff.
	var spawnErr error
	var agentID string
	attempts := sched.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		agentID, spawnErr = s.spawner.SpawnAgent(ctx, agencyID, sched.AgentType, sched.Input)
		if spawnErr == nil {
			break
		}
		run.RetryCount = attempt
	}

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	if spawnErr != nil {
		run.Status = agency.ScheduleRunFailed
		run.Error = spawnErr.Error()
		s.metrics.IncCounter("scheduler.run.failed", 1, "schedule", sched.ID)
	} else {
		// "completed" means the spawn completed, not the agent's own work;
		// the agent runs autonomously afterward.
		run.AgentID = agentID
		run.Status = agency.ScheduleRunCompleted
		s.metrics.IncCounter("scheduler.run.completed", 1, "schedule", sched.ID)
	}
	if err := s.store.UpdateScheduleRun(ctx, agencyID, run); err != nil {
		s.logger.Warn(ctx, "scheduler: update run failed", "run", run.ID, "error", err)
	}

	s.markLastRun(ctx, agencyID, sched, now)
	return run, spawnErr
}

// markLastRun updates lastRunAt and either disables a `once` schedule or
// computes and persists its next firing.
func (s *Scheduler) markLastRun(ctx context.Context, agencyID string, sched agency.Schedule, firedAt time.Time) {
	sched.LastRunAt = &firedAt
	if sched.Type == agency.ScheduleOnce {
		sched.Status = agency.ScheduleDisabled
		sched.NextRunAt = nil
	} else {
		next, err := computeNextRun(sched, firedAt)
		if err != nil {
			s.logger.Warn(ctx, "scheduler: compute next run failed", "schedule", sched.ID, "error", err)
			next = nil
		}
		sched.NextRunAt = next
	}
	if _, err := s.store.PutSchedule(ctx, agencyID, sched); err != nil {
		s.logger.Warn(ctx, "scheduler: persist lastRunAt failed", "schedule", sched.ID, "error", err)
	}
}

// hasRunningRun reports whether scheduleID has any run currently `running`.
func (s *Scheduler) hasRunningRun(ctx context.Context, agencyID, scheduleID string) (bool, error) {
	runs, err := s.store.ListScheduleRuns(ctx, agencyID, scheduleID)
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		if r.Status == agency.ScheduleRunRunning {
			return true, nil
		}
	}
	return false, nil
}

// computeNextRun answers when sched should next fire, or nil for never.
// Cron evaluation is always UTC; Schedule.Timezone is accepted and persisted
// for forward compatibility but not wired into this evaluator.
func computeNextRun(sched agency.Schedule, now time.Time) (*time.Time, error) {
	switch sched.Type {
	case agency.ScheduleOnce:
		if sched.RunAt == nil {
			return nil, errScheduleField("once", "runAt")
		}
		if sched.RunAt.After(now) {
			t := *sched.RunAt
			return &t, nil
		}
		return nil, nil
	case agency.ScheduleCron:
		schedule, err := cronParser.Parse(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", sched.Cron, err)
		}
		next := schedule.Next(now.UTC())
		return &next, nil
	case agency.ScheduleInterval:
		if sched.IntervalMs <= 0 {
			return nil, errScheduleField("interval", "intervalMs")
		}
		base := now
		if sched.LastRunAt != nil {
			base = *sched.LastRunAt
		}
		next := base.Add(time.Duration(sched.IntervalMs) * time.Millisecond)
		return &next, nil
	default:
		return nil, errUnknownScheduleType(sched.Type)
	}
}

func errScheduleField(typ, field string) error {
	return fmt.Errorf("scheduler: schedule type=%s requires %s to be set", typ, field)
}

func errUnknownScheduleType(t agency.ScheduleType) error {
	return fmt.Errorf("scheduler: unknown schedule type %q", t)
}

package agency

import (
	"fmt"
	"time"
)

func errScheduleField(typ, field string) error {
	return fmt.Errorf("agency: schedule type=%s requires %s to be set", typ, field)
}

func errUnknownScheduleType(t ScheduleType) error {
	return fmt.Errorf("agency: unknown schedule type %q", t)
}

// ScheduleType is the trigger kind for a Schedule.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// ScheduleStatus is the lifecycle state of a Schedule.
type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "active"
	SchedulePaused   ScheduleStatus = "paused"
	ScheduleDisabled ScheduleStatus = "disabled"
)

// OverlapPolicy controls what happens when a Schedule fires while a prior
// run is still in flight.
type OverlapPolicy string

const (
	OverlapSkip  OverlapPolicy = "skip"
	OverlapQueue OverlapPolicy = "queue"
	OverlapAllow OverlapPolicy = "allow"
)

// Schedule is one configured trigger for spawning an agent.
type Schedule struct {
	ID            string
	Name          string
	AgentType     string
	Input         map[string]any
	Type          ScheduleType
	RunAt         *time.Time
	Cron          string
	IntervalMs    int64
	Status        ScheduleStatus
	OverlapPolicy OverlapPolicy
	MaxRetries    int
	TimeoutMs     int64
	Timezone      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastRunAt     *time.Time
	NextRunAt     *time.Time
}

// Validate enforces the per-type invariants: type=once requires RunAt,
// type=cron requires Cron, type=interval requires IntervalMs.
func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleOnce:
		if s.RunAt == nil {
			return errScheduleField("once", "runAt")
		}
	case ScheduleCron:
		if s.Cron == "" {
			return errScheduleField("cron", "cron")
		}
	case ScheduleInterval:
		if s.IntervalMs <= 0 {
			return errScheduleField("interval", "intervalMs")
		}
	default:
		return errUnknownScheduleType(s.Type)
	}
	return nil
}

// ScheduleRunStatus is the lifecycle state of one ScheduleRun.
type ScheduleRunStatus string

const (
	ScheduleRunPending   ScheduleRunStatus = "pending"
	ScheduleRunRunning   ScheduleRunStatus = "running"
	ScheduleRunCompleted ScheduleRunStatus = "completed"
	ScheduleRunFailed    ScheduleRunStatus = "failed"
	ScheduleRunSkipped   ScheduleRunStatus = "skipped"
)

// ScheduleRun is one execution attempt of a Schedule.
type ScheduleRun struct {
	ID          string
	ScheduleID  string
	AgentID     string
	Status      ScheduleRunStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Result      string
	RetryCount  int
}

// Package agency implements the Agency namespace container: a keyed store
// of Blueprints, opaque Vars, spawned AgentHandle records, and Schedules.
package agency

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BlueprintStatus is the lifecycle state of a Blueprint.
type BlueprintStatus string

const (
	BlueprintActive   BlueprintStatus = "active"
	BlueprintDraft    BlueprintStatus = "draft"
	BlueprintDisabled BlueprintStatus = "disabled"
)

var blueprintNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Blueprint is the declarative shape of an agent type.
type Blueprint struct {
	Name         string
	Description  string
	Prompt       string
	Capabilities []string
	Model        string
	Config       map[string]any
	Status       BlueprintStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate enforces the Blueprint invariants: a name matching
// ^[A-Za-z0-9_-]+$ and a non-empty prompt.
func (b Blueprint) Validate() error {
	if !blueprintNamePattern.MatchString(b.Name) {
		return fmt.Errorf("agency: blueprint name %q does not match %s", b.Name, blueprintNamePattern.String())
	}
	if b.Prompt == "" {
		return errors.New("agency: blueprint prompt is required")
	}
	return nil
}

// AgentHandleInfo is the minimal record an Agency keeps of a spawned agent:
// id, type, session grouping, creation time. The full RunState/Message/Event
// data lives in the agent's own store.Store, not here.
type AgentHandleInfo struct {
	ID        string
	Type      string
	SessionID string
	CreatedAt time.Time
}

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("agency: not found")

// Store is the persistence contract for one Agency's Blueprints, Vars,
// spawned agent records, and Schedules.
type Store interface {
	PutBlueprint(ctx context.Context, agencyID string, bp Blueprint) (Blueprint, error)
	GetBlueprint(ctx context.Context, agencyID, name string) (Blueprint, error)
	ListBlueprints(ctx context.Context, agencyID string) ([]Blueprint, error)
	DeleteBlueprint(ctx context.Context, agencyID, name string) error

	SetVar(ctx context.Context, agencyID, key string, value any) error
	GetVar(ctx context.Context, agencyID, key string) (any, bool, error)
	DeleteVar(ctx context.Context, agencyID, key string) error
	ListVars(ctx context.Context, agencyID string) (map[string]any, error)

	RecordAgent(ctx context.Context, agencyID string, info AgentHandleInfo) error
	ListAgents(ctx context.Context, agencyID string) ([]AgentHandleInfo, error)

	PutSchedule(ctx context.Context, agencyID string, sched Schedule) (Schedule, error)
	GetSchedule(ctx context.Context, agencyID, id string) (Schedule, error)
	ListSchedules(ctx context.Context, agencyID string) ([]Schedule, error)
	DeleteSchedule(ctx context.Context, agencyID, id string) error

	// RecordScheduleRun inserts a new ScheduleRun, assigning run.ID if empty.
	RecordScheduleRun(ctx context.Context, agencyID string, run ScheduleRun) (ScheduleRun, error)
	// UpdateScheduleRun persists changes to an existing ScheduleRun (status,
	// timestamps, result/error), matched by run.ID.
	UpdateScheduleRun(ctx context.Context, agencyID string, run ScheduleRun) error
	// ListScheduleRuns returns every ScheduleRun recorded for scheduleID, most
	// recent first.
	ListScheduleRuns(ctx context.Context, agencyID, scheduleID string) ([]ScheduleRun, error)
}

// InmemStore is an in-process Store implementation.
type InmemStore struct {
	mu           sync.Mutex
	blueprints   map[string]map[string]*Blueprint
	vars         map[string]map[string]any
	agents       map[string][]AgentHandleInfo
	schedules    map[string]map[string]*Schedule
	scheduleRuns map[string]map[string][]*ScheduleRun
}

// NewInmemStore constructs an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		blueprints:   make(map[string]map[string]*Blueprint),
		vars:         make(map[string]map[string]any),
		agents:       make(map[string][]AgentHandleInfo),
		schedules:    make(map[string]map[string]*Schedule),
		scheduleRuns: make(map[string]map[string][]*ScheduleRun),
	}
}

// PutBlueprint upserts bp; name collisions update in place, preserving
// CreatedAt across updates.
func (s *InmemStore) PutBlueprint(ctx context.Context, agencyID string, bp Blueprint) (Blueprint, error) {
	if err := bp.Validate(); err != nil {
		return Blueprint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.blueprints[agencyID]
	if !ok {
		bucket = make(map[string]*Blueprint)
		s.blueprints[agencyID] = bucket
	}
	now := time.Now()
	bp.UpdatedAt = now
	if existing, ok := bucket[bp.Name]; ok {
		bp.CreatedAt = existing.CreatedAt
	} else {
		bp.CreatedAt = now
	}
	cp := bp
	bucket[bp.Name] = &cp
	return bp, nil
}

// GetBlueprint implements Store.
func (s *InmemStore) GetBlueprint(ctx context.Context, agencyID, name string) (Blueprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.blueprints[agencyID]
	if !ok {
		return Blueprint{}, fmt.Errorf("agency: blueprint %q: %w", name, ErrNotFound)
	}
	bp, ok := bucket[name]
	if !ok {
		return Blueprint{}, fmt.Errorf("agency: blueprint %q: %w", name, ErrNotFound)
	}
	return *bp, nil
}

// ListBlueprints implements Store.
func (s *InmemStore) ListBlueprints(ctx context.Context, agencyID string) ([]Blueprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.blueprints[agencyID]
	out := make([]Blueprint, 0, len(bucket))
	for _, bp := range bucket {
		out = append(out, *bp)
	}
	return out, nil
}

// DeleteBlueprint implements Store.
func (s *InmemStore) DeleteBlueprint(ctx context.Context, agencyID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.blueprints[agencyID]
	if !ok {
		return fmt.Errorf("agency: blueprint %q: %w", name, ErrNotFound)
	}
	if _, ok := bucket[name]; !ok {
		return fmt.Errorf("agency: blueprint %q: %w", name, ErrNotFound)
	}
	delete(bucket, name)
	return nil
}

// SetVar implements Store.
func (s *InmemStore) SetVar(ctx context.Context, agencyID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.vars[agencyID]
	if !ok {
		bucket = make(map[string]any)
		s.vars[agencyID] = bucket
	}
	bucket[key] = value
	return nil
}

// GetVar implements Store.
func (s *InmemStore) GetVar(ctx context.Context, agencyID, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.vars[agencyID]
	if !ok {
		return nil, false, nil
	}
	v, ok := bucket[key]
	return v, ok, nil
}

// DeleteVar implements Store.
func (s *InmemStore) DeleteVar(ctx context.Context, agencyID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.vars[agencyID]; ok {
		delete(bucket, key)
	}
	return nil
}

// ListVars implements Store.
func (s *InmemStore) ListVars(ctx context.Context, agencyID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.vars[agencyID]
	out := make(map[string]any, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out, nil
}

// RecordAgent implements Store.
func (s *InmemStore) RecordAgent(ctx context.Context, agencyID string, info AgentHandleInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agencyID] = append(s.agents[agencyID], info)
	return nil
}

// ListAgents implements Store.
func (s *InmemStore) ListAgents(ctx context.Context, agencyID string) ([]AgentHandleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentHandleInfo, len(s.agents[agencyID]))
	copy(out, s.agents[agencyID])
	return out, nil
}

// PutSchedule upserts sched, minting an ID and preserving CreatedAt across
// updates the same way PutBlueprint does.
func (s *InmemStore) PutSchedule(ctx context.Context, agencyID string, sched Schedule) (Schedule, error) {
	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.schedules[agencyID]
	if !ok {
		bucket = make(map[string]*Schedule)
		s.schedules[agencyID] = bucket
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := time.Now()
	sched.UpdatedAt = now
	if existing, ok := bucket[sched.ID]; ok {
		sched.CreatedAt = existing.CreatedAt
	} else {
		sched.CreatedAt = now
	}
	cp := sched
	bucket[sched.ID] = &cp
	return sched, nil
}

// GetSchedule implements Store.
func (s *InmemStore) GetSchedule(ctx context.Context, agencyID, id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.schedules[agencyID]
	if !ok {
		return Schedule{}, fmt.Errorf("agency: schedule %q: %w", id, ErrNotFound)
	}
	sched, ok := bucket[id]
	if !ok {
		return Schedule{}, fmt.Errorf("agency: schedule %q: %w", id, ErrNotFound)
	}
	return *sched, nil
}

// ListSchedules implements Store.
func (s *InmemStore) ListSchedules(ctx context.Context, agencyID string) ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.schedules[agencyID]
	out := make([]Schedule, 0, len(bucket))
	for _, sched := range bucket {
		out = append(out, *sched)
	}
	return out, nil
}

// DeleteSchedule implements Store.
func (s *InmemStore) DeleteSchedule(ctx context.Context, agencyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.schedules[agencyID]
	if !ok {
		return fmt.Errorf("agency: schedule %q: %w", id, ErrNotFound)
	}
	if _, ok := bucket[id]; !ok {
		return fmt.Errorf("agency: schedule %q: %w", id, ErrNotFound)
	}
	delete(bucket, id)
	return nil
}

// RecordScheduleRun implements Store.
func (s *InmemStore) RecordScheduleRun(ctx context.Context, agencyID string, run ScheduleRun) (ScheduleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.scheduleRuns[agencyID]
	if !ok {
		bucket = make(map[string][]*ScheduleRun)
		s.scheduleRuns[agencyID] = bucket
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	cp := run
	bucket[run.ScheduleID] = append(bucket[run.ScheduleID], &cp)
	return run, nil
}

// UpdateScheduleRun implements Store.
func (s *InmemStore) UpdateScheduleRun(ctx context.Context, agencyID string, run ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.scheduleRuns[agencyID]
	if !ok {
		return fmt.Errorf("agency: schedule run %q: %w", run.ID, ErrNotFound)
	}
	for _, existing := range bucket[run.ScheduleID] {
		if existing.ID == run.ID {
			*existing = run
			return nil
		}
	}
	return fmt.Errorf("agency: schedule run %q: %w", run.ID, ErrNotFound)
}

// ListScheduleRuns implements Store, most recent first.
func (s *InmemStore) ListScheduleRuns(ctx context.Context, agencyID, scheduleID string) ([]ScheduleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.scheduleRuns[agencyID][scheduleID]
	out := make([]ScheduleRun, len(runs))
	for i, r := range runs {
		out[len(runs)-1-i] = *r
	}
	return out, nil
}

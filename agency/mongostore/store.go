// Package mongostore implements agency.Store on MongoDB, following the same
// thin-collection-wrapper pattern as store/mongostore.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agencyhq/runtime/agency"
)

const (
	blueprintsCollection = "agency_blueprints"
	varsCollection       = "agency_vars"
	agentsCollection     = "agency_agents"
	schedulesCollection  = "agency_schedules"
	scheduleRunsColl     = "agency_schedule_runs"
	defaultTimeout       = 5 * time.Second
)

type blueprintDocument struct {
	AgencyID     string         `bson:"agency_id"`
	Name         string         `bson:"name"`
	Description  string         `bson:"description"`
	Prompt       string         `bson:"prompt"`
	Capabilities []string       `bson:"capabilities"`
	Model        string         `bson:"model"`
	Config       map[string]any `bson:"config,omitempty"`
	Status       string         `bson:"status"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

type varDocument struct {
	AgencyID string `bson:"agency_id"`
	Key      string `bson:"key"`
	Value    any    `bson:"value"`
}

type agentDocument struct {
	AgencyID  string    `bson:"agency_id"`
	ID        string    `bson:"agent_id"`
	Type      string    `bson:"type"`
	SessionID string    `bson:"session_id,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

type scheduleDocument struct {
	AgencyID      string         `bson:"agency_id"`
	ID            string         `bson:"schedule_id"`
	Name          string         `bson:"name"`
	AgentType     string         `bson:"agent_type"`
	Input         map[string]any `bson:"input,omitempty"`
	Type          string         `bson:"type"`
	RunAt         *time.Time     `bson:"run_at,omitempty"`
	Cron          string         `bson:"cron,omitempty"`
	IntervalMs    int64          `bson:"interval_ms,omitempty"`
	Status        string         `bson:"status"`
	OverlapPolicy string         `bson:"overlap_policy"`
	MaxRetries    int            `bson:"max_retries"`
	TimeoutMs     int64          `bson:"timeout_ms"`
	Timezone      string         `bson:"timezone,omitempty"`
	CreatedAt     time.Time      `bson:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at"`
	LastRunAt     *time.Time     `bson:"last_run_at,omitempty"`
	NextRunAt     *time.Time     `bson:"next_run_at,omitempty"`
}

func toScheduleDocument(agencyID string, s agency.Schedule) scheduleDocument {
	return scheduleDocument{
		AgencyID:      agencyID,
		ID:            s.ID,
		Name:          s.Name,
		AgentType:     s.AgentType,
		Input:         s.Input,
		Type:          string(s.Type),
		RunAt:         s.RunAt,
		Cron:          s.Cron,
		IntervalMs:    s.IntervalMs,
		Status:        string(s.Status),
		OverlapPolicy: string(s.OverlapPolicy),
		MaxRetries:    s.MaxRetries,
		TimeoutMs:     s.TimeoutMs,
		Timezone:      s.Timezone,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		LastRunAt:     s.LastRunAt,
		NextRunAt:     s.NextRunAt,
	}
}

func fromScheduleDocument(doc scheduleDocument) agency.Schedule {
	return agency.Schedule{
		ID:            doc.ID,
		Name:          doc.Name,
		AgentType:     doc.AgentType,
		Input:         doc.Input,
		Type:          agency.ScheduleType(doc.Type),
		RunAt:         doc.RunAt,
		Cron:          doc.Cron,
		IntervalMs:    doc.IntervalMs,
		Status:        agency.ScheduleStatus(doc.Status),
		OverlapPolicy: agency.OverlapPolicy(doc.OverlapPolicy),
		MaxRetries:    doc.MaxRetries,
		TimeoutMs:     doc.TimeoutMs,
		Timezone:      doc.Timezone,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		LastRunAt:     doc.LastRunAt,
		NextRunAt:     doc.NextRunAt,
	}
}

type scheduleRunDocument struct {
	AgencyID    string     `bson:"agency_id"`
	ID          string     `bson:"run_id"`
	ScheduleID  string     `bson:"schedule_id"`
	AgentID     string     `bson:"agent_id"`
	Status      string     `bson:"status"`
	ScheduledAt time.Time  `bson:"scheduled_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	Error       string     `bson:"error,omitempty"`
	Result      string     `bson:"result,omitempty"`
	RetryCount  int        `bson:"retry_count"`
}

func toScheduleRunDocument(agencyID string, r agency.ScheduleRun) scheduleRunDocument {
	return scheduleRunDocument{
		AgencyID:    agencyID,
		ID:          r.ID,
		ScheduleID:  r.ScheduleID,
		AgentID:     r.AgentID,
		Status:      string(r.Status),
		ScheduledAt: r.ScheduledAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
		Result:      r.Result,
		RetryCount:  r.RetryCount,
	}
}

func fromScheduleRunDocument(doc scheduleRunDocument) agency.ScheduleRun {
	return agency.ScheduleRun{
		ID:          doc.ID,
		ScheduleID:  doc.ScheduleID,
		AgentID:     doc.AgentID,
		Status:      agency.ScheduleRunStatus(doc.Status),
		ScheduledAt: doc.ScheduledAt,
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
		Error:       doc.Error,
		Result:      doc.Result,
		RetryCount:  doc.RetryCount,
	}
}

// Store implements agency.Store against MongoDB collections.
type Store struct {
	db      *mongodriver.Database
	timeout time.Duration
}

// New builds a Mongo-backed agency Store, ensuring the unique index on
// (agency_id, name) for blueprints and (agency_id, key) for vars.
func New(ctx context.Context, client *mongodriver.Client, database string) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	s := &Store{db: client.Database(database), timeout: defaultTimeout}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.Collection(blueprintsCollection).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "agency_id", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(varsCollection).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "agency_id", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(schedulesCollection).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "agency_id", Value: 1}, {Key: "schedule_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(scheduleRunsColl).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "agency_id", Value: 1}, {Key: "schedule_id", Value: 1}, {Key: "scheduled_at", Value: -1}},
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// PutBlueprint implements agency.Store, upserting and preserving CreatedAt.
func (s *Store) PutBlueprint(ctx context.Context, agencyID string, bp agency.Blueprint) (agency.Blueprint, error) {
	if err := bp.Validate(); err != nil {
		return agency.Blueprint{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	coll := s.db.Collection(blueprintsCollection)
	filter := bson.M{"agency_id": agencyID, "name": bp.Name}
	now := time.Now().UTC()

	var existing blueprintDocument
	err := coll.FindOne(ctx, filter).Decode(&existing)
	createdAt := now
	if err == nil {
		createdAt = existing.CreatedAt
	} else if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return agency.Blueprint{}, fmt.Errorf("mongostore: lookup blueprint: %w", err)
	}

	doc := blueprintDocument{
		AgencyID:     agencyID,
		Name:         bp.Name,
		Description:  bp.Description,
		Prompt:       bp.Prompt,
		Capabilities: bp.Capabilities,
		Model:        bp.Model,
		Config:       bp.Config,
		Status:       string(bp.Status),
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	}
	if _, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return agency.Blueprint{}, fmt.Errorf("mongostore: upsert blueprint: %w", err)
	}
	bp.CreatedAt = createdAt
	bp.UpdatedAt = now
	return bp, nil
}

// GetBlueprint implements agency.Store.
func (s *Store) GetBlueprint(ctx context.Context, agencyID, name string) (agency.Blueprint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc blueprintDocument
	err := s.db.Collection(blueprintsCollection).FindOne(ctx, bson.M{"agency_id": agencyID, "name": name}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return agency.Blueprint{}, fmt.Errorf("mongostore: blueprint %q: %w", name, agency.ErrNotFound)
	}
	if err != nil {
		return agency.Blueprint{}, err
	}
	return fromBlueprintDocument(doc), nil
}

func fromBlueprintDocument(doc blueprintDocument) agency.Blueprint {
	return agency.Blueprint{
		Name:         doc.Name,
		Description:  doc.Description,
		Prompt:       doc.Prompt,
		Capabilities: doc.Capabilities,
		Model:        doc.Model,
		Config:       doc.Config,
		Status:       agency.BlueprintStatus(doc.Status),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// ListBlueprints implements agency.Store.
func (s *Store) ListBlueprints(ctx context.Context, agencyID string) ([]agency.Blueprint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(blueprintsCollection).Find(ctx, bson.M{"agency_id": agencyID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []agency.Blueprint
	for cur.Next(ctx) {
		var doc blueprintDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromBlueprintDocument(doc))
	}
	return out, cur.Err()
}

// DeleteBlueprint implements agency.Store.
func (s *Store) DeleteBlueprint(ctx context.Context, agencyID, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(blueprintsCollection).DeleteOne(ctx, bson.M{"agency_id": agencyID, "name": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("mongostore: blueprint %q: %w", name, agency.ErrNotFound)
	}
	return nil
}

// SetVar implements agency.Store.
func (s *Store) SetVar(ctx context.Context, agencyID, key string, value any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(varsCollection).UpdateOne(ctx,
		bson.M{"agency_id": agencyID, "key": key},
		bson.M{"$set": varDocument{AgencyID: agencyID, Key: key, Value: value}},
		options.UpdateOne().SetUpsert(true))
	return err
}

// GetVar implements agency.Store.
func (s *Store) GetVar(ctx context.Context, agencyID, key string) (any, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc varDocument
	err := s.db.Collection(varsCollection).FindOne(ctx, bson.M{"agency_id": agencyID, "key": key}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc.Value, true, nil
}

// DeleteVar implements agency.Store.
func (s *Store) DeleteVar(ctx context.Context, agencyID, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(varsCollection).DeleteOne(ctx, bson.M{"agency_id": agencyID, "key": key})
	return err
}

// ListVars implements agency.Store.
func (s *Store) ListVars(ctx context.Context, agencyID string) (map[string]any, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(varsCollection).Find(ctx, bson.M{"agency_id": agencyID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make(map[string]any)
	for cur.Next(ctx) {
		var doc varDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.Key] = doc.Value
	}
	return out, cur.Err()
}

// RecordAgent implements agency.Store.
func (s *Store) RecordAgent(ctx context.Context, agencyID string, info agency.AgentHandleInfo) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := agentDocument{AgencyID: agencyID, ID: info.ID, Type: info.Type, SessionID: info.SessionID, CreatedAt: info.CreatedAt}
	_, err := s.db.Collection(agentsCollection).InsertOne(ctx, doc)
	return err
}

// ListAgents implements agency.Store.
func (s *Store) ListAgents(ctx context.Context, agencyID string) ([]agency.AgentHandleInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(agentsCollection).Find(ctx, bson.M{"agency_id": agencyID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []agency.AgentHandleInfo
	for cur.Next(ctx) {
		var doc agentDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, agency.AgentHandleInfo{ID: doc.ID, Type: doc.Type, SessionID: doc.SessionID, CreatedAt: doc.CreatedAt})
	}
	return out, cur.Err()
}

// PutSchedule implements agency.Store, upserting and preserving CreatedAt.
func (s *Store) PutSchedule(ctx context.Context, agencyID string, sched agency.Schedule) (agency.Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if err := sched.Validate(); err != nil {
		return agency.Schedule{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	coll := s.db.Collection(schedulesCollection)
	filter := bson.M{"agency_id": agencyID, "schedule_id": sched.ID}
	now := time.Now().UTC()

	var existing scheduleDocument
	err := coll.FindOne(ctx, filter).Decode(&existing)
	createdAt := now
	if err == nil {
		createdAt = existing.CreatedAt
	} else if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return agency.Schedule{}, fmt.Errorf("mongostore: lookup schedule: %w", err)
	}

	sched.CreatedAt = createdAt
	sched.UpdatedAt = now
	doc := toScheduleDocument(agencyID, sched)
	if _, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return agency.Schedule{}, fmt.Errorf("mongostore: upsert schedule: %w", err)
	}
	return sched, nil
}

// GetSchedule implements agency.Store.
func (s *Store) GetSchedule(ctx context.Context, agencyID, id string) (agency.Schedule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc scheduleDocument
	err := s.db.Collection(schedulesCollection).FindOne(ctx, bson.M{"agency_id": agencyID, "schedule_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return agency.Schedule{}, fmt.Errorf("mongostore: schedule %q: %w", id, agency.ErrNotFound)
	}
	if err != nil {
		return agency.Schedule{}, err
	}
	return fromScheduleDocument(doc), nil
}

// ListSchedules implements agency.Store.
func (s *Store) ListSchedules(ctx context.Context, agencyID string) ([]agency.Schedule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(schedulesCollection).Find(ctx, bson.M{"agency_id": agencyID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []agency.Schedule
	for cur.Next(ctx) {
		var doc scheduleDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromScheduleDocument(doc))
	}
	return out, cur.Err()
}

// DeleteSchedule implements agency.Store.
func (s *Store) DeleteSchedule(ctx context.Context, agencyID, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(schedulesCollection).DeleteOne(ctx, bson.M{"agency_id": agencyID, "schedule_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("mongostore: schedule %q: %w", id, agency.ErrNotFound)
	}
	return nil
}

// RecordScheduleRun implements agency.Store.
func (s *Store) RecordScheduleRun(ctx context.Context, agencyID string, run agency.ScheduleRun) (agency.ScheduleRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := toScheduleRunDocument(agencyID, run)
	if _, err := s.db.Collection(scheduleRunsColl).InsertOne(ctx, doc); err != nil {
		return agency.ScheduleRun{}, fmt.Errorf("mongostore: insert schedule run: %w", err)
	}
	return run, nil
}

// UpdateScheduleRun implements agency.Store.
func (s *Store) UpdateScheduleRun(ctx context.Context, agencyID string, run agency.ScheduleRun) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"agency_id": agencyID, "run_id": run.ID}
	res, err := s.db.Collection(scheduleRunsColl).ReplaceOne(ctx, filter, toScheduleRunDocument(agencyID, run))
	if err != nil {
		return fmt.Errorf("mongostore: update schedule run: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: schedule run %q: %w", run.ID, agency.ErrNotFound)
	}
	return nil
}

// ListScheduleRuns implements agency.Store, most recent first.
func (s *Store) ListScheduleRuns(ctx context.Context, agencyID, scheduleID string) ([]agency.ScheduleRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "scheduled_at", Value: -1}})
	cur, err := s.db.Collection(scheduleRunsColl).Find(ctx, bson.M{"agency_id": agencyID, "schedule_id": scheduleID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []agency.ScheduleRun
	for cur.Next(ctx) {
		var doc scheduleRunDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromScheduleRunDocument(doc))
	}
	return out, cur.Err()
}

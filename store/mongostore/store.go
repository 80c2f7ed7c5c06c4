// Package mongostore implements store.Store on MongoDB through the driver's
// *mongo.Database directly: messages/events are append-only documents read
// back sorted by their per-agent seq within an (agent_id) partition.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/store"
)

const (
	messagesCollection = "agent_messages"
	eventsCollection   = "agent_events"
	linksCollection    = "agent_subagent_links"
	waitsCollection    = "agent_subagent_waits"
	handlesCollection  = "agent_handles"
	varsCollection     = "agent_vars"
	defaultTimeout     = 5 * time.Second
)

type messageDocument struct {
	ID         bson.ObjectID      `bson:"_id,omitempty"`
	AgentID    string             `bson:"agent_id"`
	Seq        int64              `bson:"seq"`
	Role       string             `bson:"role"`
	Content    string             `bson:"content"`
	ToolCalls  []toolCallDocument `bson:"tool_calls,omitempty"`
	ToolCallID string             `bson:"tool_call_id,omitempty"`
}

type toolCallDocument struct {
	ID   string `bson:"id"`
	Name string `bson:"name"`
	Args []byte `bson:"args"`
}

type eventDocument struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	AgentID   string        `bson:"agent_id"`
	RunID     string        `bson:"run_id"`
	Seq       int64         `bson:"seq"`
	Kind      string        `bson:"kind"`
	Payload   []byte        `bson:"payload"`
	Timestamp time.Time     `bson:"timestamp"`
}

type linkDocument struct {
	Token        string     `bson:"_id"`
	ParentAgent  string     `bson:"parent_agent"`
	ParentCallID string     `bson:"parent_call_id"`
	ChildAgent   string     `bson:"child_agent"`
	ChildRunID   string     `bson:"child_run_id"`
	Status       string     `bson:"status"`
	CreatedAt    time.Time  `bson:"created_at"`
	CompletedAt  *time.Time `bson:"completed_at,omitempty"`
	Result       string     `bson:"result,omitempty"`
}

type waitDocument struct {
	ID          bson.ObjectID `bson:"_id,omitempty"`
	ParentAgent string        `bson:"parent_agent"`
	Token       string        `bson:"token"`
}

type seqCounterDocument struct {
	AgentID string `bson:"_id"`
	Next    int64  `bson:"next"`
}

type parentRefDocument struct {
	AgentID string `bson:"agent_id"`
	Token   string `bson:"token"`
}

type handleDocument struct {
	ID            string             `bson:"_id"`
	AgencyID      string             `bson:"agency_id"`
	AgentType     string             `bson:"agent_type"`
	SessionID     string             `bson:"session_id,omitempty"`
	CreatedAt     time.Time          `bson:"created_at"`
	Parent        *parentRefDocument `bson:"parent,omitempty"`
	PendingCalls  []toolCallDocument `bson:"pending_calls,omitempty"`
	BlueprintName string             `bson:"blueprint_name"`
	Status        string             `bson:"status"`
	Step          int64              `bson:"step"`
	Reason        string             `bson:"reason,omitempty"`
	NextAlarmAt   *time.Time         `bson:"next_alarm_at,omitempty"`
}

type varDocument struct {
	AgentID string `bson:"agent_id"`
	Key     string `bson:"key"`
	Value   any    `bson:"value"`
}

// Store implements store.Store against MongoDB collections.
type Store struct {
	db      *mongodriver.Database
	timeout time.Duration
}

// New builds a Mongo-backed Store. It ensures the indexes needed for
// per-agent seq ordering and wait-set lookups exist.
func New(ctx context.Context, client *mongodriver.Client, database string) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	db := client.Database(database)
	s := &Store{db: db, timeout: defaultTimeout}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.Collection(messagesCollection).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(eventsCollection).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(waitsCollection).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "parent_agent", Value: 1}, {Key: "token", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(varsCollection).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "agent_id", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// nextSeq atomically reserves the next n sequence numbers for agentID, using
// a single counter document so messages and events share one monotonic
// space per agent.
func (s *Store) nextSeq(ctx context.Context, agentID string, n int64) (int64, error) {
	coll := s.db.Collection("agent_seq_counters")
	res := coll.FindOneAndUpdate(
		ctx,
		bson.M{"_id": agentID},
		bson.M{"$inc": bson.M{"next": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc seqCounterDocument
	if err := res.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Next - n + 1, nil
}

// AppendMessages implements store.Store.
func (s *Store) AppendMessages(ctx context.Context, agentID string, msgs []model.Message) ([]model.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start, err := s.nextSeq(ctx, agentID, int64(len(msgs)))
	if err != nil {
		return nil, fmt.Errorf("mongostore: reserve seq: %w", err)
	}
	docs := make([]any, len(msgs))
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		m.Seq = start + int64(i)
		tcs := make([]toolCallDocument, len(m.ToolCalls))
		for j, tc := range m.ToolCalls {
			tcs[j] = toolCallDocument{ID: tc.ID, Name: tc.Name, Args: []byte(tc.Args)}
		}
		docs[i] = messageDocument{
			AgentID:    agentID,
			Seq:        m.Seq,
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  tcs,
			ToolCallID: m.ToolCallID,
		}
		out[i] = m
	}
	if _, err := s.db.Collection(messagesCollection).InsertMany(ctx, docs); err != nil {
		return nil, fmt.Errorf("mongostore: insert messages: %w", err)
	}
	return out, nil
}

// ListMessages implements store.Store.
func (s *Store) ListMessages(ctx context.Context, agentID string) ([]model.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(messagesCollection).Find(ctx, bson.M{"agent_id": agentID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find messages: %w", err)
	}
	defer cur.Close(ctx)

	var out []model.Message
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromMessageDocument(doc))
	}
	return out, cur.Err()
}

func fromMessageDocument(doc messageDocument) model.Message {
	tcs := make([]model.ToolCallRequest, len(doc.ToolCalls))
	for i, tc := range doc.ToolCalls {
		tcs[i] = model.ToolCallRequest{ID: tc.ID, Name: tc.Name, Args: json.RawMessage(tc.Args)}
	}
	return model.Message{
		Seq:        doc.Seq,
		Role:       model.Role(doc.Role),
		Content:    doc.Content,
		ToolCalls:  tcs,
		ToolCallID: doc.ToolCallID,
	}
}

// LastAssistant implements store.Store.
func (s *Store) LastAssistant(ctx context.Context, agentID string) (model.Message, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res := s.db.Collection(messagesCollection).FindOne(ctx,
		bson.M{"agent_id": agentID, "role": string(model.RoleAssistant)},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}))
	var doc messageDocument
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return model.Message{}, false, nil
		}
		return model.Message{}, false, err
	}
	return fromMessageDocument(doc), true, nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(ctx context.Context, evt store.Event) (store.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	seq, err := s.nextSeq(ctx, evt.AgentID, 1)
	if err != nil {
		return store.Event{}, fmt.Errorf("mongostore: reserve seq: %w", err)
	}
	evt.Seq = seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	doc := eventDocument{
		AgentID:   evt.AgentID,
		RunID:     evt.RunID,
		Seq:       evt.Seq,
		Kind:      evt.Kind,
		Payload:   append([]byte(nil), evt.Payload...),
		Timestamp: evt.Timestamp.UTC(),
	}
	if _, err := s.db.Collection(eventsCollection).InsertOne(ctx, doc); err != nil {
		return store.Event{}, fmt.Errorf("mongostore: insert event: %w", err)
	}
	return evt, nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, agentID string) ([]store.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(eventsCollection).Find(ctx, bson.M{"agent_id": agentID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: find events: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, store.Event{
			Seq:       doc.Seq,
			AgentID:   doc.AgentID,
			RunID:     doc.RunID,
			Kind:      doc.Kind,
			Payload:   doc.Payload,
			Timestamp: doc.Timestamp,
		})
	}
	return out, cur.Err()
}

// RecordSpawn implements store.Store.
func (s *Store) RecordSpawn(ctx context.Context, link store.SubagentLink) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if link.Status == "" {
		link.Status = store.SubagentLinkPending
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}
	doc := linkDocument{
		Token:        link.Token,
		ParentAgent:  link.ParentAgent,
		ParentCallID: link.ParentCallID,
		ChildAgent:   link.ChildAgent,
		ChildRunID:   link.ChildRunID,
		Status:       string(link.Status),
		CreatedAt:    link.CreatedAt.UTC(),
	}
	_, err := s.db.Collection(linksCollection).InsertOne(ctx, doc)
	return err
}

// MarkCompleted implements store.Store.
func (s *Store) MarkCompleted(ctx context.Context, token, result string) error {
	return s.transitionLink(ctx, token, store.SubagentLinkCompleted, result)
}

// MarkCanceled implements store.Store.
func (s *Store) MarkCanceled(ctx context.Context, token string) error {
	return s.transitionLink(ctx, token, store.SubagentLinkCanceled, "")
}

func (s *Store) transitionLink(ctx context.Context, token string, status store.SubagentLinkStatus, result string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{"status": string(status), "completed_at": now}}
	if result != "" {
		update["$set"].(bson.M)["result"] = result
	}
	res, err := s.db.Collection(linksCollection).UpdateOne(ctx, bson.M{"_id": token}, update)
	if err != nil {
		return fmt.Errorf("mongostore: update link: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: subagent link %q: %w", token, store.ErrNotFound)
	}
	return nil
}

// ListLinks implements store.Store.
func (s *Store) ListLinks(ctx context.Context, parentAgent string) ([]store.SubagentLink, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(linksCollection).Find(ctx, bson.M{"parent_agent": parentAgent})
	if err != nil {
		return nil, fmt.Errorf("mongostore: find links: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.SubagentLink
	for cur.Next(ctx) {
		var doc linkDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, store.SubagentLink{
			Token:        doc.Token,
			ParentAgent:  doc.ParentAgent,
			ParentCallID: doc.ParentCallID,
			ChildAgent:   doc.ChildAgent,
			ChildRunID:   doc.ChildRunID,
			Status:       store.SubagentLinkStatus(doc.Status),
			CreatedAt:    doc.CreatedAt,
			CompletedAt:  doc.CompletedAt,
			Result:       doc.Result,
		})
	}
	return out, cur.Err()
}

// PushWait implements store.Store.
func (s *Store) PushWait(ctx context.Context, parentAgent, token string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(waitsCollection).UpdateOne(ctx,
		bson.M{"parent_agent": parentAgent, "token": token},
		bson.M{"$setOnInsert": waitDocument{ParentAgent: parentAgent, Token: token}},
		options.UpdateOne().SetUpsert(true))
	return err
}

// PopWait implements store.Store.
func (s *Store) PopWait(ctx context.Context, parentAgent, token string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.Collection(waitsCollection).DeleteOne(ctx, bson.M{"parent_agent": parentAgent, "token": token}); err != nil {
		return false, fmt.Errorf("mongostore: delete wait: %w", err)
	}
	n, err := s.db.Collection(waitsCollection).CountDocuments(ctx, bson.M{"parent_agent": parentAgent})
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// ListWaits implements store.Store.
func (s *Store) ListWaits(ctx context.Context, parentAgent string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(waitsCollection).Find(ctx, bson.M{"parent_agent": parentAgent})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var doc waitDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Token)
	}
	return out, cur.Err()
}

// SaveHandle implements store.Store, preserving created_at across updates.
func (s *Store) SaveHandle(ctx context.Context, h store.AgentHandle) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		var existing handleDocument
		err := s.db.Collection(handlesCollection).FindOne(ctx, bson.M{"_id": h.ID}).Decode(&existing)
		if err == nil {
			createdAt = existing.CreatedAt
		} else if !errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("mongostore: lookup handle: %w", err)
		} else {
			createdAt = time.Now().UTC()
		}
	}

	var parent *parentRefDocument
	if h.Parent != nil {
		parent = &parentRefDocument{AgentID: h.Parent.AgentID, Token: h.Parent.Token}
	}
	pending := make([]toolCallDocument, len(h.Info.PendingToolCalls))
	for i, tc := range h.Info.PendingToolCalls {
		pending[i] = toolCallDocument{ID: tc.ID, Name: tc.Name, Args: []byte(tc.Args)}
	}
	doc := handleDocument{
		ID:            h.ID,
		AgencyID:      h.AgencyID,
		AgentType:     h.AgentType,
		SessionID:     h.SessionID,
		CreatedAt:     createdAt,
		Parent:        parent,
		PendingCalls:  pending,
		BlueprintName: h.Info.BlueprintName,
		Status:        string(h.RunState.Status),
		Step:          h.RunState.Step,
		Reason:        h.RunState.Reason,
		NextAlarmAt:   h.RunState.NextAlarmAt,
	}
	_, err := s.db.Collection(handlesCollection).ReplaceOne(ctx, bson.M{"_id": h.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: save handle: %w", err)
	}
	return nil
}

// LoadHandle implements store.Store.
func (s *Store) LoadHandle(ctx context.Context, agentID string) (store.AgentHandle, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc handleDocument
	err := s.db.Collection(handlesCollection).FindOne(ctx, bson.M{"_id": agentID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.AgentHandle{}, fmt.Errorf("mongostore: agent handle %q: %w", agentID, store.ErrNotFound)
	}
	if err != nil {
		return store.AgentHandle{}, err
	}
	var parent *store.ParentRef
	if doc.Parent != nil {
		parent = &store.ParentRef{AgentID: doc.Parent.AgentID, Token: doc.Parent.Token}
	}
	pending := make([]model.ToolCallRequest, len(doc.PendingCalls))
	for i, tc := range doc.PendingCalls {
		pending[i] = model.ToolCallRequest{ID: tc.ID, Name: tc.Name, Args: json.RawMessage(tc.Args)}
	}
	return store.AgentHandle{
		ID:        doc.ID,
		AgencyID:  doc.AgencyID,
		AgentType: doc.AgentType,
		SessionID: doc.SessionID,
		CreatedAt: doc.CreatedAt,
		Parent:    parent,
		Info: store.Info{
			PendingToolCalls: pending,
			BlueprintName:    doc.BlueprintName,
		},
		RunState: store.RunState{
			Status:      store.RunStatus(doc.Status),
			Step:        doc.Step,
			Reason:      doc.Reason,
			NextAlarmAt: doc.NextAlarmAt,
		},
	}, nil
}

// SetVar implements store.Store.
func (s *Store) SetVar(ctx context.Context, agentID, key string, value any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(varsCollection).UpdateOne(ctx,
		bson.M{"agent_id": agentID, "key": key},
		bson.M{"$set": varDocument{AgentID: agentID, Key: key, Value: value}},
		options.UpdateOne().SetUpsert(true))
	return err
}

// GetVar implements store.Store.
func (s *Store) GetVar(ctx context.Context, agentID, key string) (any, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc varDocument
	err := s.db.Collection(varsCollection).FindOne(ctx, bson.M{"agent_id": agentID, "key": key}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc.Value, true, nil
}

// ListVars implements store.Store.
func (s *Store) ListVars(ctx context.Context, agentID string) (map[string]any, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(varsCollection).Find(ctx, bson.M{"agent_id": agentID})
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

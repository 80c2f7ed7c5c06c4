// Package inmem provides an in-process store.Store backed by plain maps and
// a mutex, for tests and single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/store"
)

type agentLog struct {
	messages []model.Message
	events   []store.Event
	nextSeq  int64
	waits    map[string]struct{}
}

// Store is an in-memory, process-local store.Store implementation.
type Store struct {
	mu      sync.Mutex
	logs    map[string]*agentLog
	links   map[string]*store.SubagentLink
	handles map[string]*store.AgentHandle
	vars    map[string]map[string]any
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		logs:    make(map[string]*agentLog),
		links:   make(map[string]*store.SubagentLink),
		handles: make(map[string]*store.AgentHandle),
		vars:    make(map[string]map[string]any),
	}
}

func (s *Store) logFor(agentID string) *agentLog {
	l, ok := s.logs[agentID]
	if !ok {
		l = &agentLog{waits: make(map[string]struct{})}
		s.logs[agentID] = l
	}
	return l
}

// AppendMessages implements store.Store.
func (s *Store) AppendMessages(ctx context.Context, agentID string, msgs []model.Message) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(agentID)
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		l.nextSeq++
		m.Seq = l.nextSeq
		l.messages = append(l.messages, m)
		out[i] = m
	}
	return out, nil
}

// ListMessages implements store.Store.
func (s *Store) ListMessages(ctx context.Context, agentID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(agentID)
	out := make([]model.Message, len(l.messages))
	copy(out, l.messages)
	return out, nil
}

// LastAssistant implements store.Store.
func (s *Store) LastAssistant(ctx context.Context, agentID string) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(agentID)
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == model.RoleAssistant {
			return l.messages[i], true, nil
		}
	}
	return model.Message{}, false, nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(ctx context.Context, evt store.Event) (store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(evt.AgentID)
	l.nextSeq++
	evt.Seq = l.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	l.events = append(l.events, evt)
	return evt, nil
}

// ListEvents implements store.Store.
func (s *Store) ListEvents(ctx context.Context, agentID string) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(agentID)
	out := make([]store.Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

// RecordSpawn implements store.Store.
func (s *Store) RecordSpawn(ctx context.Context, link store.SubagentLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link.Status == "" {
		link.Status = store.SubagentLinkPending
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}
	cp := link
	s.links[link.Token] = &cp
	return nil
}

// MarkCompleted implements store.Store.
func (s *Store) MarkCompleted(ctx context.Context, token, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[token]
	if !ok {
		return fmt.Errorf("inmem: subagent link %q: %w", token, store.ErrNotFound)
	}
	now := time.Now()
	link.Status = store.SubagentLinkCompleted
	link.CompletedAt = &now
	link.Result = result
	return nil
}

// MarkCanceled implements store.Store.
func (s *Store) MarkCanceled(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[token]
	if !ok {
		return fmt.Errorf("inmem: subagent link %q: %w", token, store.ErrNotFound)
	}
	now := time.Now()
	link.Status = store.SubagentLinkCanceled
	link.CompletedAt = &now
	return nil
}

// ListLinks implements store.Store.
func (s *Store) ListLinks(ctx context.Context, parentAgent string) ([]store.SubagentLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SubagentLink
	for _, l := range s.links {
		if l.ParentAgent == parentAgent {
			out = append(out, *l)
		}
	}
	return out, nil
}

// PushWait implements store.Store.
func (s *Store) PushWait(ctx context.Context, parentAgent, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(parentAgent)
	l.waits[token] = struct{}{}
	return nil
}

// PopWait implements store.Store.
func (s *Store) PopWait(ctx context.Context, parentAgent, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(parentAgent)
	delete(l.waits, token)
	return len(l.waits) == 0, nil
}

// ListWaits implements store.Store.
func (s *Store) ListWaits(ctx context.Context, parentAgent string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(parentAgent)
	out := make([]string, 0, len(l.waits))
	for t := range l.waits {
		out = append(out, t)
	}
	return out, nil
}

// SaveHandle implements store.Store, preserving CreatedAt across updates.
func (s *Store) SaveHandle(ctx context.Context, h store.AgentHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.handles[h.ID]; ok && h.CreatedAt.IsZero() {
		h.CreatedAt = existing.CreatedAt
	} else if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	cp := h
	s.handles[h.ID] = &cp
	return nil
}

// LoadHandle implements store.Store.
func (s *Store) LoadHandle(ctx context.Context, agentID string) (store.AgentHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[agentID]
	if !ok {
		return store.AgentHandle{}, fmt.Errorf("inmem: agent handle %q: %w", agentID, store.ErrNotFound)
	}
	return *h, nil
}

// SetVar implements store.Store.
func (s *Store) SetVar(ctx context.Context, agentID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.vars[agentID]
	if !ok {
		bucket = make(map[string]any)
		s.vars[agentID] = bucket
	}
	bucket[key] = value
	return nil
}

// GetVar implements store.Store.
func (s *Store) GetVar(ctx context.Context, agentID, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.vars[agentID]
	if !ok {
		return nil, false, nil
	}
	v, ok := bucket[key]
	return v, ok, nil
}

// ListVars implements store.Store.
func (s *Store) ListVars(ctx context.Context, agentID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.vars[agentID]
	out := make(map[string]any, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out, nil
}

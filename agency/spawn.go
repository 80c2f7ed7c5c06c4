package agency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agencyhq/runtime/agentruntime"
	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/session"
)

// Registrar is the narrow slice of agentruntime.Runtime that AgentSpawner
// needs to create and start a new top-level agent. Defined here (rather than
// importing agentruntime.Runtime's full surface) so any Runtime-shaped type
// can stand in for tests.
type Registrar interface {
	Register(ctx context.Context, p agentruntime.RegisterParams) error
	Invoke(ctx context.Context, agentID string, msgs []model.Message, vars map[string]any) (string, error)
}

// AgentSpawner creates a top-level agent on behalf of an Agency: it
// resolves agentType against the Agency's Blueprint catalogue, mints a fresh
// AgentHandle id, registers and invokes it against a Registrar (normally an
// *agentruntime.Runtime), and records the spawn in the Agency's agents set.
// It implements scheduler.Spawner.
//
// When Sessions is set, every spawn is grouped under a session: callers pick
// one with input["sessionId"], otherwise a fresh session is minted per
// spawn. The same SessionID is passed to the Registrar so the runtime's
// run-status tracking lands in the same store.
type AgentSpawner struct {
	Store    Store
	Runtime  Registrar
	Sessions session.Store
}

// SpawnAgent implements scheduler.Spawner. input becomes the new agent's
// initial Vars; an optional "message" string key also becomes the first user
// Message, matching how a manually invoked agent receives its opening prompt.
func (a AgentSpawner) SpawnAgent(ctx context.Context, agencyID, agentType string, input map[string]any) (string, error) {
	bp, err := a.Store.GetBlueprint(ctx, agencyID, agentType)
	if err != nil {
		return "", fmt.Errorf("agency: spawn %s/%s: %w", agencyID, agentType, err)
	}
	if bp.Status == BlueprintDisabled {
		return "", fmt.Errorf("agency: spawn %s/%s: blueprint is disabled", agencyID, agentType)
	}

	agentID := uuid.NewString()
	rtBP := agentruntime.BlueprintFromConfig(bp.Name, bp.Prompt, bp.Model, bp.Capabilities, bp.Config, nil)

	sessionID, err := a.ensureSession(ctx, input)
	if err != nil {
		return "", fmt.Errorf("agency: spawn %s/%s: session: %w", agencyID, agentType, err)
	}

	if err := a.Runtime.Register(ctx, agentruntime.RegisterParams{
		AgentID:   agentID,
		AgencyID:  agencyID,
		AgentType: agentType,
		SessionID: sessionID,
		Blueprint: rtBP,
		Vars:      input,
	}); err != nil {
		return "", fmt.Errorf("agency: spawn %s/%s: register: %w", agencyID, agentType, err)
	}

	if err := a.Store.RecordAgent(ctx, agencyID, AgentHandleInfo{ID: agentID, Type: agentType, SessionID: sessionID, CreatedAt: time.Now()}); err != nil {
		return "", fmt.Errorf("agency: spawn %s/%s: record: %w", agencyID, agentType, err)
	}

	var msgs []model.Message
	if text, ok := input["message"].(string); ok && text != "" {
		msgs = []model.Message{{Role: model.RoleUser, Content: text}}
	}
	if _, err := a.Runtime.Invoke(ctx, agentID, msgs, nil); err != nil {
		return "", fmt.Errorf("agency: spawn %s/%s: invoke: %w", agencyID, agentType, err)
	}

	return agentID, nil
}

// ensureSession resolves the session this spawn belongs to: the caller's
// input["sessionId"] if given, else a fresh one. The session row is created
// on first use. Returns "" when no session store is configured.
func (a AgentSpawner) ensureSession(ctx context.Context, input map[string]any) (string, error) {
	if a.Sessions == nil {
		return "", nil
	}
	sessionID, _ := input["sessionId"].(string)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	_, err := a.Sessions.LoadSession(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		_, err = a.Sessions.CreateSession(ctx, sessionID)
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

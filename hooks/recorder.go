package hooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agencyhq/runtime/store"
)

// StoreRecorder is a Subscriber that persists every agent-scoped Event into
// a store.Store, making the bus's transient fan-out durable. Events without
// an AgentID (agency-level notifications) are skipped: the store's event log
// is keyed per agent.
type StoreRecorder struct {
	store store.Store
}

// NewStoreRecorder constructs a StoreRecorder writing to s.
func NewStoreRecorder(s store.Store) *StoreRecorder {
	return &StoreRecorder{store: s}
}

// HandleEvent implements Subscriber.
func (r *StoreRecorder) HandleEvent(ctx context.Context, evt Event) error {
	if evt.AgentID() == "" {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		payload = nil
	}
	_, err = r.store.AppendEvent(ctx, store.Event{
		AgentID:   evt.AgentID(),
		RunID:     evt.RunID(),
		Kind:      string(evt.Type()),
		Payload:   payload,
		Timestamp: time.UnixMilli(evt.Timestamp()),
	})
	return err
}

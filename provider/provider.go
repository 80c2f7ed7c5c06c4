// Package provider defines the model-provider contract the agent runtime
// consumes. Concrete wire-format adapters (Anthropic/OpenAI/Bedrock) live in
// sibling packages; this package only defines what the runtime needs to
// call a provider.
package provider

import (
	"context"

	"github.com/agencyhq/runtime/model"
)

// StreamDelta is one incremental chunk of a streamed response.
type StreamDelta struct {
	TextDelta string
	Done      bool
}

// Client is the contract a model provider adapter must satisfy.
type Client interface {
	// Invoke performs one synchronous model call.
	Invoke(ctx context.Context, req model.Request) (model.Response, error)
	// Stream performs one model call, delivering incremental deltas via onDelta.
	Stream(ctx context.Context, req model.Request, onDelta func(StreamDelta)) (model.Response, error)
}

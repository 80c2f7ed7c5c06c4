// Package policy defines the retry-hint-driven tool filtering contract: an
// Engine evaluated once per tick that may narrow the advertised tool set
// based on prior failures and remaining execution budgets.
package policy

import (
	"context"

	"github.com/agencyhq/runtime/tool"
)

// ToolMetadata is the subset of a registered tool's Spec a policy Engine
// needs to make an allow/block decision.
type ToolMetadata struct {
	Name string
	Tags []string
}

// CapsState carries the per-turn execution budgets a policy may tighten.
type CapsState struct {
	RemainingToolCalls           int
	RemainingConsecutiveFailures int
}

// Input is what a policy Engine evaluates once per tick.
type Input struct {
	// Requested is the tool list the ModelPlan would otherwise advertise.
	// When empty, the Engine considers every tool in Tools.
	Requested     []string
	Tools         []ToolMetadata
	RemainingCaps CapsState
	// RetryHint is the hint from the most recent tool failure, if any.
	RetryHint *tool.RetryHint
}

// Decision is the result of one policy evaluation.
type Decision struct {
	AllowedTools []string
	Caps         CapsState
	Labels       map[string]string
	Metadata     map[string]any
}

// Engine evaluates an Input into a Decision once per tick.
type Engine interface {
	Decide(ctx context.Context, input Input) (Decision, error)
}

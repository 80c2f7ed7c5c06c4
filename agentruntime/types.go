// Package agentruntime implements the per-agent execution engine: a state
// machine that drives a bounded tick loop against a model Provider and a
// ToolRegistry, persists every step to a store.Store, and supervises HITL
// pauses and subagent waits. Each agent's tick loop runs as a workflow on an
// engine.Engine; the in-process engine runs it as a single goroutine that
// blocks on one signal channel while the run is paused.
package agentruntime

import (
	"github.com/agencyhq/runtime/model"
)

// Blueprint is the frozen-at-registration snapshot of an agency.Blueprint an
// AgentHandle carries; blueprint mutations on the agency do not retroactively
// alter running agents. It is a narrower, runtime-facing view than
// agency.Blueprint: capability tokens are captured verbatim (resolution
// happens fresh every tick, since tool/plugin registries can change), and
// config is parsed into the fields the tick loop actually reads.
type Blueprint struct {
	Name         string
	Prompt       string
	Capabilities []string
	Model        string

	// HITLTools is the set of tool names requiring human approval before
	// execution, from the blueprint's `hitl.tools` config key.
	HITLTools map[string]struct{}

	// MaxToolCalls caps the total number of tool executions across the
	// run's lifetime; zero means unlimited.
	MaxToolCalls int
	// MaxConsecutiveFailedToolCalls caps consecutive tool.error outcomes
	// before the run is forced to error out.
	MaxConsecutiveFailedToolCalls int

	// Labels are copied from the agency blueprint; the tick loop does not
	// attach them to the Events this run emits.
	Labels map[string]string
}

// BlueprintFromConfig builds a Blueprint snapshot from an agency.Blueprint,
// parsing the well-known `hitl.tools`, `maxToolCalls`, and
// `maxConsecutiveFailedToolCalls` config keys. Unknown config keys are
// ignored.
func BlueprintFromConfig(name, prompt, modelID string, capabilities []string, config map[string]any, labels map[string]string) Blueprint {
	bp := Blueprint{
		Name:         name,
		Prompt:       prompt,
		Model:        modelID,
		Capabilities: append([]string(nil), capabilities...),
		HITLTools:    map[string]struct{}{},
		Labels:       labels,
	}
	if config == nil {
		return bp
	}
	if hitl, ok := config["hitl"].(map[string]any); ok {
		if tools, ok := hitl["tools"].([]any); ok {
			for _, t := range tools {
				if s, ok := t.(string); ok {
					bp.HITLTools[s] = struct{}{}
				}
			}
		}
	}
	if n, ok := asInt(config["maxToolCalls"]); ok {
		bp.MaxToolCalls = n
	}
	if n, ok := asInt(config["maxConsecutiveFailedToolCalls"]); ok {
		bp.MaxConsecutiveFailedToolCalls = n
	}
	return bp
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// hitlHits returns the subset of tool names in calls that are in
// bp.HITLTools, preserving call order.
func (bp Blueprint) hitlHits(calls []model.ToolCallRequest) []string {
	var hits []string
	for _, c := range calls {
		if _, ok := bp.HITLTools[c.Name]; ok {
			hits = append(hits, c.Name)
		}
	}
	return hits
}

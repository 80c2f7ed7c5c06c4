// Package plugin implements ordered lifecycle-hook dispatch: rather than a
// fat interface every plugin must fully implement, a Plugin is a tagged
// record of optional hook functions, and the Host dispatches whichever
// hooks are set, in a fixed registration order, across the fixed plugin
// list for one agent.
package plugin

import (
	"context"

	"github.com/agencyhq/runtime/hooks"
	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/tool"
)

// Plugin is a named, tagged set of optional lifecycle hooks. Any field left
// nil is simply skipped by the PluginHost; a plugin that only cares about
// one phase of the tick need only set that one field.
type Plugin struct {
	Name string
	Tags []string

	// OnTick fires once at the start of every tick, before the ModelPlan is built.
	OnTick func(ctx context.Context, agentID string, tick int) error
	// BeforeModel fires after the ModelPlan is built, before the provider call,
	// and may mutate req in place (e.g. to inject additional context).
	BeforeModel func(ctx context.Context, agentID string, req *model.Request) error
	// OnModelResult fires after the provider call returns successfully.
	OnModelResult func(ctx context.Context, agentID string, resp model.Response) error
	// OnToolStart fires immediately before a tool call executes.
	OnToolStart func(ctx context.Context, agentID string, call tool.Call) error
	// OnToolResult fires after a tool call completes successfully.
	OnToolResult func(ctx context.Context, agentID string, call tool.Call, result tool.Result) error
	// OnToolError fires after a tool call fails.
	OnToolError func(ctx context.Context, agentID string, call tool.Call, err error) error
	// OnRunComplete fires once when a run completes with a final assistant
	// message; it is not called when a run is canceled or errors.
	OnRunComplete func(ctx context.Context, agentID string, final model.Message) error
}

// Host dispatches hooks across a fixed, ordered list of Plugins for one
// agent. A hook that returns an error aborts dispatch to subsequent plugins
// for that hook invocation and is surfaced to the caller.
type Host struct {
	plugins []Plugin
	bus     hooks.Bus
}

// NewHost builds a Host dispatching hooks across plugins in the given
// order. bus may be nil. Host keeps bus but publishes no events itself; a
// plugin that wants to emit an out-of-band note publishes to the bus
// directly.
func NewHost(plugins []Plugin, bus hooks.Bus) *Host {
	cp := make([]Plugin, len(plugins))
	copy(cp, plugins)
	return &Host{plugins: cp, bus: bus}
}

// OnTick dispatches OnTick across every plugin that set it, in order.
func (h *Host) OnTick(ctx context.Context, agentID string, tick int) error {
	for _, p := range h.plugins {
		if p.OnTick == nil {
			continue
		}
		if err := p.OnTick(ctx, agentID, tick); err != nil {
			return err
		}
	}
	return nil
}

// BeforeModel dispatches BeforeModel across every plugin that set it, in
// order, each seeing the mutations of the ones before it.
func (h *Host) BeforeModel(ctx context.Context, agentID string, req *model.Request) error {
	for _, p := range h.plugins {
		if p.BeforeModel == nil {
			continue
		}
		if err := p.BeforeModel(ctx, agentID, req); err != nil {
			return err
		}
	}
	return nil
}

// OnModelResult dispatches OnModelResult across every plugin that set it.
func (h *Host) OnModelResult(ctx context.Context, agentID string, resp model.Response) error {
	for _, p := range h.plugins {
		if p.OnModelResult == nil {
			continue
		}
		if err := p.OnModelResult(ctx, agentID, resp); err != nil {
			return err
		}
	}
	return nil
}

// OnToolStart dispatches OnToolStart across every plugin that set it.
func (h *Host) OnToolStart(ctx context.Context, agentID string, call tool.Call) error {
	for _, p := range h.plugins {
		if p.OnToolStart == nil {
			continue
		}
		if err := p.OnToolStart(ctx, agentID, call); err != nil {
			return err
		}
	}
	return nil
}

// OnToolResult dispatches OnToolResult across every plugin that set it.
func (h *Host) OnToolResult(ctx context.Context, agentID string, call tool.Call, result tool.Result) error {
	for _, p := range h.plugins {
		if p.OnToolResult == nil {
			continue
		}
		if err := p.OnToolResult(ctx, agentID, call, result); err != nil {
			return err
		}
	}
	return nil
}

// OnToolError dispatches OnToolError across every plugin that set it.
func (h *Host) OnToolError(ctx context.Context, agentID string, call tool.Call, err error) error {
	for _, p := range h.plugins {
		if p.OnToolError == nil {
			continue
		}
		if herr := p.OnToolError(ctx, agentID, call, err); herr != nil {
			return herr
		}
	}
	return nil
}

// OnRunComplete dispatches OnRunComplete across every plugin that set it.
func (h *Host) OnRunComplete(ctx context.Context, agentID string, final model.Message) error {
	for _, p := range h.plugins {
		if p.OnRunComplete == nil {
			continue
		}
		if err := p.OnRunComplete(ctx, agentID, final); err != nil {
			return err
		}
	}
	return nil
}

// Package modelplan implements the per-turn model request builder: a
// transient, per-tick object that composes the system prompt, message
// history, and tool schemas into one model.Request. Building a plan never
// mutates persisted state; it only reads the messages and tool specs the
// caller hands it.
package modelplan

import (
	"strings"

	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/tool"
)

// Plan accumulates system-prompt fragments, messages, and tool specs for
// one tick before being rendered into a model.Request.
type Plan struct {
	modelID      string
	systemParts  []string
	messages     []model.Message
	tools        []tool.Spec
	toolChoice   string
	temperature  *float64
	maxTokens    int
}

// New starts a Plan targeting modelID (the Blueprint's configured model, or
// a per-tick override).
func New(modelID string) *Plan {
	return &Plan{modelID: modelID}
}

// AddSystemPrompt appends one fragment to the composite system prompt, in
// call order. Plugins and the Blueprint's base prompt call this in the
// order they should appear.
func (p *Plan) AddSystemPrompt(fragment string) *Plan {
	if strings.TrimSpace(fragment) == "" {
		return p
	}
	p.systemParts = append(p.systemParts, fragment)
	return p
}

// WithMessages sets the message history to include, excluding any stored
// system-role entries; the composite system prompt is rebuilt fresh every
// tick and carried out-of-band on the Request instead.
func (p *Plan) WithMessages(msgs []model.Message) *Plan {
	p.messages = make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			continue
		}
		p.messages = append(p.messages, m)
	}
	return p
}

// WithTools sets the tool schemas advertised for this tick; callers pass
// the already-capability-resolved subset.
func (p *Plan) WithTools(specs []tool.Spec) *Plan {
	p.tools = specs
	return p
}

// WithToolChoice sets an explicit tool_choice directive (e.g. to force a
// response after a HITL denial narrows execution to one tool).
func (p *Plan) WithToolChoice(choice string) *Plan {
	p.toolChoice = choice
	return p
}

// WithTemperature overrides the default sampling temperature for this tick.
func (p *Plan) WithTemperature(t float64) *Plan {
	p.temperature = &t
	return p
}

// WithMaxTokens overrides the default completion token cap for this tick.
func (p *Plan) WithMaxTokens(n int) *Plan {
	p.maxTokens = n
	return p
}

// Build renders the accumulated state into a model.Request. It performs no
// I/O and mutates no persisted state, so it may be called repeatedly and
// discarded.
func (p *Plan) Build() model.Request {
	toolDefs := make([]model.ToolDef, len(p.tools))
	for i, t := range p.tools {
		toolDefs[i] = model.ToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return model.Request{
		Model:        p.modelID,
		SystemPrompt: strings.Join(p.systemParts, "\n\n"),
		Messages:     p.messages,
		ToolDefs:     toolDefs,
		ToolChoice:   p.toolChoice,
		Temperature:  p.temperature,
		MaxTokens:    p.maxTokens,
	}
}

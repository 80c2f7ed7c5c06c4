// Package registry implements the plugin and tool registries: name/tag
// indexed lookup tables with deterministic, order-preserving, deduplicating
// capability resolution. A tool's declared JSON Schema is compiled with
// github.com/santhosh-tekuri/jsonschema/v6 at registration time so a
// malformed schema never reaches a model request.
package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agencyhq/runtime/tool"
)

// ToolRegistry indexes registered tools by name and tag for capability
// resolution. Each tool's declared JSON Schema is compiled on registration.
type ToolRegistry struct {
	byName map[string]tool.Tool
	byTag  map[string][]string // tag -> tool names, insertion order
	order  []string            // registration order, for deterministic tie-breaks
}

// NewToolRegistry constructs an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		byName: make(map[string]tool.Tool),
		byTag:  make(map[string][]string),
	}
}

// Register adds t to the registry, validating its declared JSON Schema
// parameters compile. Registering a name that already exists replaces the
// prior tool in place, keeping its original registration position and tags.
func (r *ToolRegistry) Register(t tool.Tool) error {
	spec := t.Spec()
	if spec.Name == "" {
		return fmt.Errorf("registry: tool spec is missing a name")
	}
	if len(spec.Parameters) > 0 {
		if err := validateSchemaDocument(spec.Parameters); err != nil {
			return fmt.Errorf("registry: tool %q: invalid parameter schema: %w", spec.Name, err)
		}
	}
	if _, exists := r.byName[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
		for _, tag := range spec.Tags {
			r.byTag[tag] = append(r.byTag[tag], spec.Name)
		}
	}
	r.byName[spec.Name] = t
	return nil
}

// Lookup returns the tool registered under name, if any.
func (r *ToolRegistry) Lookup(name string) (tool.Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Resolve expands a list of bare names or "@tag" tokens into a
// deduplicated, order-preserving list of tool names. The first occurrence
// of a name wins its position; later duplicate occurrences (via overlapping
// tags) are dropped.
//
// An unresolvable bare tool name is skipped with a call to warnf; an
// unresolvable "@tag" is skipped silently, since it may still carry plugins
// and the same token is also tried against the PluginRegistry. warnf may be
// nil to suppress warnings.
func (r *ToolRegistry) Resolve(capabilities []string, warnf func(format string, args ...any)) []string {
	seen := make(map[string]struct{}, len(capabilities))
	var out []string
	for _, cap := range capabilities {
		for _, name := range r.expand(cap, warnf) {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func (r *ToolRegistry) expand(capability string, warnf func(format string, args ...any)) []string {
	if strings.HasPrefix(capability, "@") {
		tag := strings.TrimPrefix(capability, "@")
		names, ok := r.byTag[tag]
		if !ok {
			return nil
		}
		// byTag is already in first-registration order for this tag; filter
		// against global registration order for determinism across tags.
		ordered := make([]string, 0, len(names))
		for _, name := range r.order {
			for _, n := range names {
				if n == name {
					ordered = append(ordered, name)
					break
				}
			}
		}
		return ordered
	}
	if _, ok := r.byName[capability]; !ok {
		if warnf != nil {
			warnf("registry: capability %q does not resolve to a registered tool", capability)
		}
		return nil
	}
	return []string{capability}
}

// Specs returns the model.ToolDef-equivalent Spec for each name, in
// order, skipping any name that is not registered.
func (r *ToolRegistry) Specs(names []string) []tool.Spec {
	specs := make([]tool.Spec, 0, len(names))
	for _, name := range names {
		if t, ok := r.byName[name]; ok {
			specs = append(specs, t.Spec())
		}
	}
	return specs
}

func validateSchemaDocument(schema json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

package registry

import (
	"fmt"

	"github.com/agencyhq/runtime/plugin"
)

// PluginRegistry indexes registered plugins by name and tag, mirroring
// ToolRegistry's resolution rules.
type PluginRegistry struct {
	byName map[string]plugin.Plugin
	byTag  map[string][]string
	order  []string
}

// NewPluginRegistry constructs an empty PluginRegistry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		byName: make(map[string]plugin.Plugin),
		byTag:  make(map[string][]string),
	}
}

// Register adds p to the registry under its Name. Registering the same
// name twice replaces the plugin in place.
func (r *PluginRegistry) Register(p plugin.Plugin) error {
	name := p.Name
	if name == "" {
		return fmt.Errorf("registry: plugin is missing a name")
	}
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
		for _, tag := range p.Tags {
			r.byTag[tag] = append(r.byTag[tag], name)
		}
	}
	r.byName[name] = p
	return nil
}

// Resolve expands bare names or "@tag" tokens into a deduplicated,
// order-preserving list of Plugins. A token with no matching plugin is
// silently skipped, since the same token may resolve against the
// ToolRegistry instead.
func (r *PluginRegistry) Resolve(capabilities []string) []plugin.Plugin {
	seen := make(map[string]struct{}, len(capabilities))
	var out []plugin.Plugin
	for _, cap := range capabilities {
		for _, name := range r.expand(cap) {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, r.byName[name])
		}
	}
	return out
}

func (r *PluginRegistry) expand(capability string) []string {
	if len(capability) > 0 && capability[0] == '@' {
		tag := capability[1:]
		names, ok := r.byTag[tag]
		if !ok {
			return nil
		}
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
		return nil
	}
	return []string{capability}
}

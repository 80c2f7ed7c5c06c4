package registry_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/plugin"
	"github.com/agencyhq/runtime/registry"
	"github.com/agencyhq/runtime/tool"
)

type stubTool struct {
	spec tool.Spec
}

func (s stubTool) Spec() tool.Spec { return s.spec }

func (s stubTool) Execute(ctx context.Context, ec tool.ExecContext, args json.RawMessage) tool.Result {
	return tool.Result{Value: "ok"}
}

func newTool(name string, tags ...string) tool.Tool {
	return stubTool{spec: tool.Spec{Name: name, Tags: tags}}
}

// TestResolveIsOrderPreservingAndDeduplicating checks that
// resolve([a, @tag, a]) == resolve([a, @tag]) when a is not itself in tag.
func TestResolveIsOrderPreservingAndDeduplicating(t *testing.T) {
	r := registry.NewToolRegistry()
	require.NoError(t, r.Register(newTool("a")))
	require.NoError(t, r.Register(newTool("b", "group")))
	require.NoError(t, r.Register(newTool("c", "group")))

	withoutDup := r.Resolve([]string{"a", "@group"}, nil)
	withDup := r.Resolve([]string{"a", "@group", "a"}, nil)
	require.Equal(t, withoutDup, withDup)
	require.Equal(t, []string{"a", "b", "c"}, withoutDup)
}

func TestResolveTagPreservesRegistrationOrder(t *testing.T) {
	r := registry.NewToolRegistry()
	require.NoError(t, r.Register(newTool("first", "grp")))
	require.NoError(t, r.Register(newTool("second", "grp")))
	require.NoError(t, r.Register(newTool("third", "grp")))

	require.Equal(t, []string{"first", "second", "third"}, r.Resolve([]string{"@grp"}, nil))
}

func TestResolveMissingToolWarnsButMissingTagIsSilent(t *testing.T) {
	r := registry.NewToolRegistry()
	var warnings []string
	warnf := func(format string, args ...any) { warnings = append(warnings, format) }

	got := r.Resolve([]string{"ghost", "@nosuchtag"}, warnf)
	require.Empty(t, got)
	require.Len(t, warnings, 1, "missing bare name warns once; missing tag is silent")
}

func TestRegisterRejectsInvalidParameterSchema(t *testing.T) {
	r := registry.NewToolRegistry()
	bad := stubTool{spec: tool.Spec{Name: "broken", Parameters: json.RawMessage(`{"type": 123}`)}}
	require.Error(t, r.Register(bad))
}

func TestRegisterAcceptsValidParameterSchema(t *testing.T) {
	r := registry.NewToolRegistry()
	ok := stubTool{spec: tool.Spec{
		Name:       "add",
		Parameters: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}}}`),
	}}
	require.NoError(t, r.Register(ok))
	_, found := r.Lookup("add")
	require.True(t, found)
}

func TestPluginRegistryResolveOrderPreservingAndDeduplicating(t *testing.T) {
	r := registry.NewPluginRegistry()
	require.NoError(t, r.Register(plugin.Plugin{Name: "a"}))
	require.NoError(t, r.Register(plugin.Plugin{Name: "b", Tags: []string{"group"}}))
	require.NoError(t, r.Register(plugin.Plugin{Name: "c", Tags: []string{"group"}}))

	got := r.Resolve([]string{"a", "@group", "a"})
	require.Len(t, got, 3)
	require.Equal(t, "a", got[0].Name)
	require.Equal(t, "b", got[1].Name)
	require.Equal(t, "c", got[2].Name)
}

func TestPluginRegistryMissingTokenIsSilent(t *testing.T) {
	r := registry.NewPluginRegistry()
	require.Empty(t, r.Resolve([]string{"ghost", "@nosuchtag"}))
}

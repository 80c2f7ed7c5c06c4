package basic_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/policy"
	"github.com/agencyhq/runtime/policy/basic"
	"github.com/agencyhq/runtime/tool"
)

func tools() []policy.ToolMetadata {
	return []policy.ToolMetadata{
		{Name: "search", Tags: []string{"read"}},
		{Name: "delete_file", Tags: []string{"write", "dangerous"}},
	}
}

func TestAllowTagsFiltersCandidates(t *testing.T) {
	e := basic.New(basic.Options{AllowTags: []string{"read"}})
	d, err := e.Decide(context.Background(), policy.Input{Tools: tools()})
	require.NoError(t, err)
	require.Equal(t, []string{"search"}, d.AllowedTools)
}

func TestBlockToolsOverridesAllowTags(t *testing.T) {
	e := basic.New(basic.Options{AllowTags: []string{"read", "write"}, BlockTools: []string{"delete_file"}})
	d, err := e.Decide(context.Background(), policy.Input{Tools: tools()})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"search"}, d.AllowedTools)
}

func TestRestrictToToolRetryHintNarrowsAllowlist(t *testing.T) {
	e := basic.New(basic.Options{})
	d, err := e.Decide(context.Background(), policy.Input{
		Tools: tools(),
		RemainingCaps: policy.CapsState{RemainingToolCalls: 10},
		RetryHint: &tool.RetryHint{
			Tool:           "search",
			Reason:         tool.RetryReasonMissingFields,
			RestrictToTool: true,
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"search"}, d.AllowedTools)
	require.Equal(t, 1, d.Caps.RemainingToolCalls)
}

func TestToolUnavailableHintRemovesTool(t *testing.T) {
	e := basic.New(basic.Options{})
	d, err := e.Decide(context.Background(), policy.Input{
		Tools: tools(),
		RetryHint: &tool.RetryHint{
			Tool:   "delete_file",
			Reason: tool.RetryReasonToolUnavailable,
		},
	})
	require.NoError(t, err)
	require.NotContains(t, d.AllowedTools, "delete_file")
}

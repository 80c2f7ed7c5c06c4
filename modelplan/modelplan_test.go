package modelplan_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/model"
	"github.com/agencyhq/runtime/modelplan"
	"github.com/agencyhq/runtime/tool"
)

func TestSystemPromptConcatenatesInCallOrder(t *testing.T) {
	req := modelplan.New("claude-x").
		AddSystemPrompt("base prompt").
		AddSystemPrompt("plugin A note").
		AddSystemPrompt("plugin B note").
		Build()

	require.Equal(t, "base prompt\n\nplugin A note\n\nplugin B note", req.SystemPrompt)
}

func TestWithMessagesDropsStoredSystemRole(t *testing.T) {
	req := modelplan.New("claude-x").
		WithMessages([]model.Message{
			{Role: model.RoleSystem, Content: "should be excluded"},
			{Role: model.RoleUser, Content: "hello"},
		}).
		Build()

	require.Len(t, req.Messages, 1)
	require.Equal(t, model.RoleUser, req.Messages[0].Role)
}

func TestBuildIsIdempotent(t *testing.T) {
	p := modelplan.New("claude-x").AddSystemPrompt("base").WithTools([]tool.Spec{{Name: "search"}})
	first := p.Build()
	second := p.Build()
	require.Equal(t, first, second)
}

package model

import "encoding/json"

// ToolDef is the schema-level description of a tool as advertised to the
// model in a Request.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is the per-turn payload assembled by a ModelPlan and sent to a
// Provider.
type Request struct {
	Model          string
	SystemPrompt   string
	Messages       []Message
	ToolDefs       []ToolDef
	ToolChoice     string
	ResponseFormat string
	Temperature    *float64
	MaxTokens      int
	Stop           []string
}

// Usage reports token accounting for a single provider call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is what a Provider returns for one Request.
type Response struct {
	Message Message
	Usage   Usage
}

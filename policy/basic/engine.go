// Package basic provides a lightweight policy.Engine enforcing optional
// allow/block lists and honoring tool.RetryHint.
package basic

import (
	"context"
	"strings"

	"github.com/agencyhq/runtime/policy"
	"github.com/agencyhq/runtime/tool"
)

// Options configures the basic policy engine.
type Options struct {
	AllowTags         []string
	BlockTags         []string
	AllowTools        []string
	BlockTools        []string
	DisableRetryHints bool
	Label             string
}

// Engine implements policy.Engine with allow/block filtering and
// retry-hint awareness.
type Engine struct {
	allowTags  map[string]struct{}
	blockTags  map[string]struct{}
	allowTools map[string]struct{}
	blockTools map[string]struct{}
	honorHints bool
	label      string
}

// New builds an Engine from the supplied options.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	e := &Engine{
		allowTags:  toSet(opts.AllowTags),
		blockTags:  toSet(opts.BlockTags),
		allowTools: toSet(opts.AllowTools),
		blockTools: toSet(opts.BlockTools),
		honorHints: !opts.DisableRetryHints,
		label:      label,
	}
	if !e.honorHints && len(e.allowTools) == 0 && len(e.allowTags) == 0 &&
		len(e.blockTools) == 0 && len(e.blockTags) == 0 {
		e.honorHints = true
	}
	return e
}

// Decide implements policy.Engine.
func (e *Engine) Decide(_ context.Context, input policy.Input) (policy.Decision, error) {
	meta := indexMetadata(input.Tools)
	candidates := candidateNames(input, meta)
	allowed := e.filterAllowed(candidates, meta)
	caps := input.RemainingCaps
	if e.honorHints && input.RetryHint != nil {
		allowed, caps = e.applyRetryHint(allowed, meta, caps, input.RetryHint)
	}
	labels := map[string]string{"policy_engine": e.label}
	if input.RetryHint != nil && e.honorHints {
		labels["policy_hint"] = string(input.RetryHint.Reason)
	}
	return policy.Decision{
		AllowedTools: allowed,
		Caps:         caps,
		Labels:       labels,
		Metadata:     map[string]any{"engine": e.label},
	}, nil
}

func (e *Engine) filterAllowed(names []string, meta map[string]policy.ToolMetadata) []string {
	filtered := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		md, ok := meta[name]
		if !ok {
			continue
		}
		if !e.isAllowed(md) {
			continue
		}
		filtered = append(filtered, name)
		seen[name] = struct{}{}
	}
	return filtered
}

func (e *Engine) isAllowed(meta policy.ToolMetadata) bool {
	if len(e.blockTools) > 0 {
		if _, blocked := e.blockTools[meta.Name]; blocked {
			return false
		}
	}
	if len(e.blockTags) > 0 {
		for _, tag := range meta.Tags {
			if _, blocked := e.blockTags[tag]; blocked {
				return false
			}
		}
	}
	if len(e.allowTools) > 0 {
		_, ok := e.allowTools[meta.Name]
		return ok
	}
	if len(e.allowTags) > 0 {
		for _, tag := range meta.Tags {
			if _, ok := e.allowTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}

func (e *Engine) applyRetryHint(allowed []string, meta map[string]policy.ToolMetadata, caps policy.CapsState, hint *tool.RetryHint) ([]string, policy.CapsState) {
	if hint == nil || hint.Tool == "" {
		return allowed, caps
	}
	switch {
	case hint.RestrictToTool:
		if _, ok := meta[hint.Tool]; ok {
			allowed = []string{hint.Tool}
			caps.RemainingToolCalls = limitCap(caps.RemainingToolCalls, 1)
		} else {
			allowed = nil
		}
	case hint.Reason == tool.RetryReasonToolUnavailable:
		allowed = removeName(allowed, hint.Tool)
	}
	return allowed, caps
}

func candidateNames(input policy.Input, meta map[string]policy.ToolMetadata) []string {
	if len(input.Requested) > 0 {
		out := make([]string, len(input.Requested))
		copy(out, input.Requested)
		return out
	}
	names := make([]string, 0, len(meta))
	for name := range meta {
		names = append(names, name)
	}
	return names
}

func removeName(names []string, target string) []string {
	filtered := names[:0]
	for _, n := range names {
		if n == target {
			continue
		}
		filtered = append(filtered, n)
	}
	return filtered
}

func indexMetadata(list []policy.ToolMetadata) map[string]policy.ToolMetadata {
	index := make(map[string]policy.ToolMetadata, len(list))
	for _, m := range list {
		index[m.Name] = m
	}
	return index
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func limitCap(current, limit int) int {
	if limit <= 0 {
		return current
	}
	if current == 0 {
		return limit
	}
	if current < limit {
		return current
	}
	return limit
}

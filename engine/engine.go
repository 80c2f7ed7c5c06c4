// Package engine defines the single-writer-per-handle execution primitive
// that agentruntime and scheduler are built on: exactly one goroutine owns
// all mutations for a given agent or agency id at any time. The interface
// is workflow-shaped so a durable backend (e.g. Temporal) could later be
// swapped in without touching agentruntime, but this repository ships only
// the in-memory adapter in engine/inmem.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/agencyhq/runtime/telemetry"
)

// ErrWorkflowNotFound is returned when querying the status of an unknown
// run handle.
var ErrWorkflowNotFound = errors.New("engine: workflow not found")

// RunStatus is the lifecycle status of a started workflow execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

type (
	// Engine registers workflow and activity handlers and starts executions.
	// agentruntime registers exactly one workflow ("AgentTick") whose handler
	// drives the bounded tick loop and starts one execution per agent run.
	Engine interface {
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		RegisterActivity(ctx context.Context, def ActivityDefinition) error
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name.
	WorkflowDefinition struct {
		Name    string
		Handler WorkflowFunc
	}

	// WorkflowFunc is the entry point invoked once per StartWorkflow call. It
	// must treat ctx.Context() cancellation as the only interruption signal;
	// pause/resume and subagent-wait are modeled as SignalChannel traffic, not
	// context cancellation, since a paused agent is not a canceled one.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow. A
	// WorkflowContext is bound to a single execution and must not be shared
	// across goroutines. It does not serialize Store writes: code outside the
	// workflow (e.g. agentruntime's Invoke, approve and Cancel paths) may
	// write the same agent's handle before signaling the workflow.
	WorkflowContext interface {
		Context() context.Context
		WorkflowID() string
		RunID() string

		// ExecuteActivity runs req synchronously and decodes its result into
		// result (a pointer), blocking the calling workflow goroutine.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		// ExecuteActivityAsync schedules req without blocking, returning a
		// Future the workflow can Get() later (e.g. to run a tool call and a
		// plugin hook concurrently within one tick).
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for name, creating it on first
		// use. agentruntime rings its paused tick loops on the "wake" channel.
		SignalChannel(name string) SignalChannel

		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer

		Now() time.Time
	}

	// Future represents a pending ExecuteActivityAsync result.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler under a logical name.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc performs side effects (model calls, tool execution, store
	// writes) on behalf of a workflow.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// RetryPolicy defines retry semantics shared by workflows and activities.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// WorkflowStartRequest describes how to launch one workflow execution.
	WorkflowStartRequest struct {
		ID       string
		Workflow string
		Input    any
		Memo     map[string]any
	}

	// ActivityRequest describes one activity invocation from within a
	// workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow execution.
	WorkflowHandle interface {
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, payload any) error
		Cancel(ctx context.Context) error
	}

	// SignalChannel exposes engine-agnostic signal delivery.
	SignalChannel interface {
		Receive(ctx context.Context, dest any) error
		ReceiveAsync(dest any) bool
	}
)

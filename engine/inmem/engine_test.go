package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agencyhq/runtime/engine"
	"github.com/agencyhq/runtime/engine/inmem"
)

func TestStartWorkflowRunsHandlerAndCompletes(t *testing.T) {
	e := inmem.New(nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "echo",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			return input, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "echo", Input: "hello"})
	require.NoError(t, err)

	var out string
	require.NoError(t, h.Wait(ctx, &out))
	require.Equal(t, "hello", out)

	status, err := e.QueryRunStatus(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, status)
}

func TestWorkflowSignalDeliversPayload(t *testing.T) {
	e := inmem.New(nil, nil, nil)
	ctx := context.Background()

	received := make(chan string, 1)
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			var payload string
			if err := wc.SignalChannel("resume").Receive(wc.Context(), &payload); err != nil {
				return nil, err
			}
			received <- payload
			return nil, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-2", Workflow: "waiter"})
	require.NoError(t, err)

	require.NoError(t, h.Signal(ctx, "resume", "go"))

	select {
	case v := <-received:
		require.Equal(t, "go", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal delivery")
	}
	require.NoError(t, h.Wait(ctx, nil))
}

func TestExecuteActivityAsyncFutureGet(t *testing.T) {
	e := inmem.New(nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(ctx context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			fut, err := wc.ExecuteActivityAsync(wc.Context(), engine.ActivityRequest{Name: "double", Input: 21})
			if err != nil {
				return nil, err
			}
			var result int
			if err := fut.Get(wc.Context(), &result); err != nil {
				return nil, err
			}
			return result, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-3", Workflow: "doubler"})
	require.NoError(t, err)

	var out int
	require.NoError(t, h.Wait(ctx, &out))
	require.Equal(t, 42, out)
}

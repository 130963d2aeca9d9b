package engine

import (
	"context"
	"testing"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/credential"
	"github.com/fleetconductor/conductor/model"
	"github.com/fleetconductor/conductor/remote"
	"github.com/fleetconductor/conductor/remote/remotetest"
	"github.com/fleetconductor/conductor/resilience"
	"github.com/fleetconductor/conductor/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBranchExecutor(registry *remote.Registry) *BranchExecutor {
	cfg, _ := core.NewConfig(core.WithRetry(true, 2, 2.0))
	return &BranchExecutor{
		Resolver:          credential.New(fakeDecryptor{}),
		Registry:          registry,
		Logger:            &core.NoOpLogger{},
		ConnectionTimeout: time.Second,
		CommandTimeout:    time.Second,
		Policy:            resilience.NewPolicy(cfg),
	}
}

func TestBranchExecutor_RetriesTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0
	executor := &remotetest.Executor{
		ConnectFn: func(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (remote.Session, error) {
			return &remotetest.Session{
				ExecuteFn: func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
					attempts++
					if attempts < 2 {
						return remote.Result{}, core.NewTransportError("exec", "connection refused", true)
					}
					return remote.Result{ExitCode: 0, Stdout: "done"}, nil
				},
			}, nil
		},
	}
	registry := remote.NewRegistry()
	registry.Register("ssh", executor)

	be := newBranchExecutor(registry)
	branch := &model.Branch{Serial: "J-000001.E-001.001"}
	job := newTestJob("flaky")
	target := targetWithMethod(1, "ssh")

	be.Run(context.Background(), serial.NewInMemoryAllocator(), job, branch, &target)

	assert.Equal(t, model.StatusCompleted, branch.Status)
	require.Len(t, branch.ActionResults, 1)
	assert.Equal(t, 2, attempts)
	require.NotNil(t, branch.ActionResults[0].ResultOutput)
	assert.Equal(t, "done", *branch.ActionResults[0].ResultOutput)
}

func TestBranchExecutor_NoCommunicationMethodFailsBranch(t *testing.T) {
	registry := remote.NewRegistry()
	be := newBranchExecutor(registry)
	branch := &model.Branch{Serial: "J-000001.E-001.001"}
	job := newTestJob("uptime")
	target := model.Target{ID: 1, Serial: "T-000001"}

	be.Run(context.Background(), serial.NewInMemoryAllocator(), job, branch, &target)

	assert.Equal(t, model.StatusFailed, branch.Status)
	assert.Contains(t, branch.ResultError, "no communication method")
}

func TestBranchExecutor_CancellationMidActionYieldsCancelledNotFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	executor := &remotetest.Executor{
		ConnectFn: func(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (remote.Session, error) {
			return &remotetest.Session{
				ExecuteFn: func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
					cancel()
					return remote.Result{}, core.ErrCancellationRequested
				},
			}, nil
		},
	}
	registry := remote.NewRegistry()
	registry.Register("ssh", executor)
	be := newBranchExecutor(registry)

	branch := &model.Branch{Serial: "J-000001.E-001.001"}
	job := newTestJob("long-running")
	target := targetWithMethod(1, "ssh")

	be.Run(ctx, serial.NewInMemoryAllocator(), job, branch, &target)

	assert.Equal(t, model.StatusCancelled, branch.Status)
	require.Len(t, branch.ActionResults, 1)
	require.NotNil(t, branch.ActionResults[0].ResultError)
	assert.Equal(t, "cancelled", *branch.ActionResults[0].ResultError)
}

func TestBranchExecutor_CaptureOutputFalseOmitsResultOutputButKeepsError(t *testing.T) {
	executor := &remotetest.Executor{
		ConnectFn: func(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (remote.Session, error) {
			return &remotetest.Session{
				ExecuteFn: func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
					return remote.Result{ExitCode: 1, Stdout: "secret output"}, nil
				},
			}, nil
		},
	}
	registry := remote.NewRegistry()
	registry.Register("ssh", executor)
	be := newBranchExecutor(registry)

	branch := &model.Branch{Serial: "J-000001.E-001.001"}
	noCapture := false
	job := &model.Job{
		Serial:    "J-000001",
		TargetIDs: []int64{1},
		Actions: []model.Action{
			{ActionOrder: 1, ActionName: "silent", ActionType: model.ActionTypeCommand,
				Payload: model.CommandPayload{Command: "silent"},
				Config:  model.ActionConfig{CaptureOutput: &noCapture}},
		},
	}
	target := targetWithMethod(1, "ssh")

	be.Run(context.Background(), serial.NewInMemoryAllocator(), job, branch, &target)

	require.Len(t, branch.ActionResults, 1)
	ar := branch.ActionResults[0]
	assert.Nil(t, ar.ResultOutput)
	require.NotNil(t, ar.ResultError)
}

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/fleetconductor/conductor/audit"
	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/credential"
	"github.com/fleetconductor/conductor/engine"
	"github.com/fleetconductor/conductor/model"
	"github.com/fleetconductor/conductor/notify"
	"github.com/fleetconductor/conductor/remote"
	"github.com/fleetconductor/conductor/remote/remotetest"
	"github.com/fleetconductor/conductor/resilience"
	"github.com/fleetconductor/conductor/serial"
	"github.com/fleetconductor/conductor/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDecryptor struct{}

func (fakeDecryptor) Decrypt(ctx context.Context, blob []byte) (map[string]string, error) {
	return map[string]string{"username": "root", "password": "hunter2"}, nil
}

type recordingAudit struct {
	events []audit.Event
}

func (r *recordingAudit) Record(ctx context.Context, event audit.Event) {
	r.events = append(r.events, event)
}

type recordingNotify struct {
	events []notify.Event
}

func (r *recordingNotify) Publish(ctx context.Context, event notify.Event) {
	r.events = append(r.events, event)
}

func newTestAPI(t *testing.T, executeFn func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error)) (*API, *store.MemoryStore, *recordingAudit, *recordingNotify) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SeedTarget(model.Target{
		ID: 1, Serial: "T-000001",
		CommunicationMethods: []model.CommunicationMethod{
			{
				MethodType: "ssh", IsPrimary: true, IsActive: true,
				Config:      map[string]interface{}{"host": "10.0.0.1"},
				Credentials: []model.Credential{{CredentialType: "password", EncryptedCredentials: []byte("blob")}},
			},
		},
	})

	registry := remote.NewRegistry()
	registry.Register("ssh", &remotetest.Executor{
		ConnectFn: func(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (remote.Session, error) {
			return &remotetest.Session{ExecuteFn: executeFn}, nil
		},
	})

	cfg, _ := core.NewConfig()
	policy := resilience.NewPolicy(cfg)
	resolver := credential.New(fakeDecryptor{})
	logger := &core.NoOpLogger{}

	orch := &engine.Orchestrator{
		Targets:              ms,
		Branches:             ms,
		Executions:           ms,
		Allocator:            serial.NewInMemoryAllocator(),
		Logger:               logger,
		MaxConcurrentTargets: 4,
		NewBranchExecutor: func() *engine.BranchExecutor {
			return &engine.BranchExecutor{
				Resolver: resolver, Registry: registry, Logger: logger,
				ConnectionTimeout: time.Second, CommandTimeout: time.Second, Policy: policy,
			}
		},
	}

	auditSink := &recordingAudit{}
	notifySink := &recordingNotify{}
	api := &API{
		Store: ms, Orchestrator: orch, Policy: OwnerOrAdminPolicy{},
		Audit: auditSink, Notify: notifySink, Logger: logger,
	}
	return api, ms, auditSink, notifySink
}

func TestAPI_CreateAndExecuteJob_HappyPath(t *testing.T) {
	api, _, auditSink, notifySink := newTestAPI(t, func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
		return remote.Result{ExitCode: 0, Stdout: "ok"}, nil
	})
	ctx := context.Background()
	owner := Principal{UserID: "alice"}

	job := &model.Job{
		Name:      "patch",
		TargetIDs: []int64{1},
		Actions:   []model.Action{{ActionType: model.ActionTypeCommand, Payload: model.CommandPayload{Command: "uptime"}}},
	}
	_, err := api.CreateJob(ctx, owner, job)
	require.NoError(t, err)

	execution, err := api.ExecuteJob(ctx, owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, execution.Status)

	assert.Len(t, auditSink.events, 2) // create + execute
	require.Len(t, notifySink.events, 2)
	assert.Equal(t, notify.EventExecutionStarted, notifySink.events[0].Kind)
	assert.Equal(t, notify.EventExecutionCompleted, notifySink.events[1].Kind)
}

func TestAPI_NonOwnerCannotExecute(t *testing.T) {
	api, _, _, _ := newTestAPI(t, func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
		return remote.Result{ExitCode: 0}, nil
	})
	ctx := context.Background()
	owner := Principal{UserID: "alice"}
	stranger := Principal{UserID: "mallory"}

	job := &model.Job{Name: "secret", TargetIDs: []int64{1},
		Actions: []model.Action{{ActionType: model.ActionTypeCommand, Payload: model.CommandPayload{Command: "uptime"}}}}
	_, err := api.CreateJob(ctx, owner, job)
	require.NoError(t, err)

	_, err = api.ExecuteJob(ctx, stranger, job.ID)
	require.Error(t, err)
	assert.True(t, core.IsAuthenticationFailure(err))
}

func TestAPI_AdministratorBypassesOwnership(t *testing.T) {
	api, _, _, _ := newTestAPI(t, func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
		return remote.Result{ExitCode: 0}, nil
	})
	ctx := context.Background()
	owner := Principal{UserID: "alice"}
	admin := Principal{UserID: "root", IsAdministrator: true}

	job := &model.Job{Name: "owned", TargetIDs: []int64{1},
		Actions: []model.Action{{ActionType: model.ActionTypeCommand, Payload: model.CommandPayload{Command: "uptime"}}}}
	_, err := api.CreateJob(ctx, owner, job)
	require.NoError(t, err)

	_, err = api.GetJob(ctx, admin, job.ID)
	require.NoError(t, err)
}

func TestAPI_CancelExecution_CancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	api, ms, _, _ := newTestAPI(t, func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
		close(started)
		<-ctx.Done()
		return remote.Result{}, core.ErrCancellationRequested
	})
	ctx := context.Background()
	owner := Principal{UserID: "alice"}

	job := &model.Job{Name: "long-running", TargetIDs: []int64{1},
		Actions: []model.Action{{ActionType: model.ActionTypeCommand, Payload: model.CommandPayload{Command: "uptime"}}}}
	_, err := api.CreateJob(ctx, owner, job)
	require.NoError(t, err)

	done := make(chan *model.Execution, 1)
	go func() {
		execution, _ := api.ExecuteJob(ctx, owner, job.ID)
		done <- execution
	}()

	<-started
	executions, err := ms.ListJobExecutions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, executions, 1)

	require.NoError(t, api.CancelExecution(ctx, owner, executions[0].Serial))

	execution := <-done
	require.NotNil(t, execution)
	assert.Equal(t, model.StatusCancelled, execution.Status)
}

func TestAPI_CancelExecution_UnknownSerialIsNotFound(t *testing.T) {
	api, _, _, _ := newTestAPI(t, func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
		return remote.Result{ExitCode: 0}, nil
	})
	owner := Principal{UserID: "alice"}

	err := api.CancelExecution(context.Background(), owner, "J-999999.E-001")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestAPI_CancelExecution_AlreadyFinishedIsStateConflict(t *testing.T) {
	api, _, _, _ := newTestAPI(t, func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
		return remote.Result{ExitCode: 0, Stdout: "ok"}, nil
	})
	ctx := context.Background()
	owner := Principal{UserID: "alice"}

	job := &model.Job{Name: "quick", TargetIDs: []int64{1},
		Actions: []model.Action{{ActionType: model.ActionTypeCommand, Payload: model.CommandPayload{Command: "uptime"}}}}
	_, err := api.CreateJob(ctx, owner, job)
	require.NoError(t, err)
	execution, err := api.ExecuteJob(ctx, owner, job.ID)
	require.NoError(t, err)

	err = api.CancelExecution(ctx, owner, execution.Serial)
	require.Error(t, err)
	assert.True(t, core.IsStateConflict(err))
}

func TestAPI_DeleteRunningJobRequiresForce(t *testing.T) {
	api, ms, _, _ := newTestAPI(t, func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
		return remote.Result{ExitCode: 0}, nil
	})
	ctx := context.Background()
	owner := Principal{UserID: "alice"}

	job := &model.Job{Name: "long-running", TargetIDs: []int64{1},
		Actions: []model.Action{{ActionType: model.ActionTypeCommand, Payload: model.CommandPayload{Command: "uptime"}}}}
	_, err := api.CreateJob(ctx, owner, job)
	require.NoError(t, err)
	_, err = ms.ExecuteJob(ctx, job.ID, "api", "alice")
	require.NoError(t, err)

	err = api.DeleteJob(ctx, owner, job.ID, false)
	require.Error(t, err)
	assert.True(t, core.IsStateConflict(err))

	require.NoError(t, api.DeleteJob(ctx, owner, job.ID, true))
}

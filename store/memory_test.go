package store

import (
	"context"
	"testing"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateJobAssignsDenseSerial(t *testing.T) {
	s := NewMemoryStore()
	s.SeedTarget(model.Target{ID: 1})
	ctx := context.Background()

	j1 := &model.Job{Name: "first", TargetIDs: []int64{1}}
	j2 := &model.Job{Name: "second", TargetIDs: []int64{1}}

	require.NoError(t, s.CreateJob(ctx, j1))
	require.NoError(t, s.CreateJob(ctx, j2))

	assert.Equal(t, "J-000001", j1.Serial)
	assert.Equal(t, "J-000002", j2.Serial)
}

func TestMemoryStore_CreateJobValidatesRequiredFields(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateJob(context.Background(), &model.Job{})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestMemoryStore_CreateJobValidatesTargetsExist(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateJob(context.Background(), &model.Job{Name: "ghost-target", TargetIDs: []int64{404}})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestMemoryStore_ExecuteJobAssignsMonotonicExecutionNumbers(t *testing.T) {
	s := NewMemoryStore()
	s.SeedTarget(model.Target{ID: 1})
	ctx := context.Background()
	job := &model.Job{Name: "recurring", TargetIDs: []int64{1}}
	require.NoError(t, s.CreateJob(ctx, job))

	e1, err := s.ExecuteJob(ctx, job.ID, "api", "alice")
	require.NoError(t, err)

	// A job stays "running" until its Execution is rolled up, so a second
	// execute_job while the first is still in flight must be rejected (§7
	// double-execute StateConflict) rather than assigned execution_number 2.
	_, err = s.ExecuteJob(ctx, job.ID, "api", "alice")
	require.Error(t, err)
	assert.True(t, core.IsStateConflict(err))

	e1.Status = model.StatusCompleted
	require.NoError(t, s.UpdateExecutionStatus(ctx, e1))

	e2, err := s.ExecuteJob(ctx, job.ID, "api", "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, e1.ExecutionNumber)
	assert.Equal(t, 2, e2.ExecutionNumber)
	assert.Equal(t, job.Serial+".E-001", e1.Serial)
	assert.Equal(t, job.Serial+".E-002", e2.Serial)
}

func TestMemoryStore_DeleteJobRequiresForceWhenRunning(t *testing.T) {
	s := NewMemoryStore()
	s.SeedTarget(model.Target{ID: 1})
	ctx := context.Background()
	job := &model.Job{Name: "running-job", TargetIDs: []int64{1}}
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := s.ExecuteJob(ctx, job.ID, "api", "alice")
	require.NoError(t, err)

	err = s.DeleteJob(ctx, job.ID, false)
	require.Error(t, err)
	assert.True(t, core.IsStateConflict(err))

	require.NoError(t, s.DeleteJob(ctx, job.ID, true))

	listed, err := s.ListJobs(ctx, ListJobsFilter{})
	require.NoError(t, err)
	assert.Len(t, listed, 0)

	withDeleted, err := s.ListJobs(ctx, ListJobsFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, withDeleted, 1)
}

func TestMemoryStore_GetJobNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetJob(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestMemoryStore_SaveBranchThenUpdateExecutionStatusRollsUpJob(t *testing.T) {
	s := NewMemoryStore()
	s.SeedTarget(model.Target{ID: 1})
	ctx := context.Background()
	job := &model.Job{Name: "with-branch", TargetIDs: []int64{1}}
	require.NoError(t, s.CreateJob(ctx, job))
	exec, err := s.ExecuteJob(ctx, job.ID, "api", "alice")
	require.NoError(t, err)

	branch := &model.Branch{Serial: exec.Serial + ".001", Status: model.StatusCompleted}
	require.NoError(t, s.SaveBranch(ctx, exec, branch))

	exec.Branches = []model.Branch{*branch}
	exec.Status = model.StatusCompleted
	require.NoError(t, s.UpdateExecutionStatus(ctx, exec))

	reloadedJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, reloadedJob.Status)

	reloadedExec, err := s.GetExecutionBySerial(ctx, exec.Serial)
	require.NoError(t, err)
	require.Len(t, reloadedExec.Branches, 1)
}

func TestMemoryStore_GetTargetsMissingIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetTargets(context.Background(), []int64{42})
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

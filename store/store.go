// Package store implements the Job Store (§4.7): durable persistence for
// the Job/Execution/Branch/ActionResult hierarchy and serial allocation.
// DeleteJob is a soft delete in both implementations, with or without force:
// no row is removed and no child entity is deleted.
package store

import (
	"context"
	"time"

	"github.com/fleetconductor/conductor/model"
)

// ListJobsFilter narrows ListJobs; zero values mean "no filter".
type ListJobsFilter struct {
	CreatedBy     string
	Status        model.Status
	IncludeDeleted bool
	Limit         int
	Offset        int
}

// Store is the full persistence contract behind the Job Lifecycle API
// (§4.7, §4.8). It also satisfies engine.TargetFetcher, engine.BranchWriter
// and engine.ExecutionWriter structurally, so an Orchestrator can be wired
// directly against a Store without an adapter.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID int64) (*model.Job, error)
	GetJobBySerial(ctx context.Context, serial string) (*model.Job, error)
	ListJobs(ctx context.Context, filter ListJobsFilter) ([]model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	ScheduleJob(ctx context.Context, jobID int64, at time.Time) error
	DeleteJob(ctx context.Context, jobID int64, force bool) error

	// ExecuteJob allocates a new Execution row (serial, execution_number,
	// status=running) for jobID. The caller (the Orchestrator) fills in
	// Branches and calls UpdateExecutionStatus once the fan-out finishes.
	ExecuteJob(ctx context.Context, jobID int64, triggeredBy, triggeredByUser string) (*model.Execution, error)

	GetExecutionByID(ctx context.Context, id int64) (*model.Execution, error)
	GetExecutionBySerial(ctx context.Context, serial string) (*model.Execution, error)
	ListJobExecutions(ctx context.Context, jobID int64) ([]model.Execution, error)
	GetActionResults(ctx context.Context, branchID int64) ([]model.ActionResult, error)

	GetTargets(ctx context.Context, targetIDs []int64) ([]model.Target, error)
	SaveBranch(ctx context.Context, execution *model.Execution, branch *model.Branch) error
	UpdateExecutionStatus(ctx context.Context, execution *model.Execution) error
}

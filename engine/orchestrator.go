package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/model"
	"github.com/fleetconductor/conductor/serial"
)

// BranchWriter persists a finished Branch (§4.7's execution-side writes).
type BranchWriter interface {
	SaveBranch(ctx context.Context, execution *model.Execution, branch *model.Branch) error
}

// ExecutionWriter persists Execution-level rollup state transitions.
type ExecutionWriter interface {
	UpdateExecutionStatus(ctx context.Context, execution *model.Execution) error
}

// TargetFetcher loads full Target records (with communication methods and
// credentials) for a Job's target_ids, in the orchestrator's own transaction
// boundary, so branch count is known before any goroutine is started.
type TargetFetcher interface {
	GetTargets(ctx context.Context, targetIDs []int64) ([]model.Target, error)
}

// Orchestrator implements the Execution Orchestrator (§4.6): it fans a single
// Job out across every Target in parallel, bounded by MaxConcurrentTargets,
// and rolls the per-Branch outcomes up into the Execution's terminal status.
type Orchestrator struct {
	Targets  TargetFetcher
	Branches BranchWriter
	Executions ExecutionWriter
	Allocator  serial.Allocator
	Logger     core.Logger

	MaxConcurrentTargets int
	NewBranchExecutor    func() *BranchExecutor
}

// Run executes job as execution, fanning out one Branch per target. It
// blocks until every Branch reaches a terminal state or ctx is cancelled,
// then rolls the Execution up to its terminal status (§4.6 step 5).
func (o *Orchestrator) Run(ctx context.Context, job *model.Job, execution *model.Execution) error {
	targets, err := o.Targets.GetTargets(ctx, job.TargetIDs)
	if err != nil {
		return fmt.Errorf("orchestrator: loading targets: %w", err)
	}

	now := time.Now().UTC()
	execution.StartedAt = &now
	execution.Status = model.StatusRunning
	execution.TotalTargets = len(targets)

	branches := make([]*model.Branch, len(targets))
	for i, target := range targets {
		n, err := o.Allocator.Next(ctx, serial.KindBranch, execution.Serial)
		if err != nil {
			return fmt.Errorf("orchestrator: allocating branch serial: %w", err)
		}
		branches[i] = &model.Branch{
			Serial:          serial.FormatBranch(execution.Serial, n),
			BranchID:        fmt.Sprintf("%03d", n),
			ExecutionID:     execution.ID,
			TargetID:        target.ID,
			TargetSerialRef: target.Serial,
			Status:          model.StatusRunning,
		}
	}

	limit := o.MaxConcurrentTargets
	if limit <= 0 {
		limit = len(targets)
	}
	if limit == 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(branch *model.Branch, target model.Target) {
			defer wg.Done()

			if ctx.Err() != nil {
				o.cancelBranch(ctx, execution, branch)
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				o.cancelBranch(ctx, execution, branch)
				return
			}
			defer func() { <-sem }()

			o.runBranch(ctx, execution, job, branch, &target)
		}(branches[i], target)
	}
	wg.Wait()

	execution.Branches = make([]model.Branch, len(branches))
	for i, b := range branches {
		execution.Branches[i] = *b
	}

	completed := time.Now().UTC()
	execution.CompletedAt = &completed
	execution.Status = model.RollupExecutionStatus(execution.Branches)
	execution.SuccessfulTargets, execution.FailedTargets, execution.CancelledTargets = model.CountOutcomes(execution.Branches)

	if err := o.Executions.UpdateExecutionStatus(ctx, execution); err != nil {
		return fmt.Errorf("orchestrator: persisting execution rollup: %w", err)
	}
	return nil
}

// runBranch invokes the Branch Executor with panic recovery: a panicking
// adapter degrades to a single failed Branch rather than taking the whole
// fan-out down (§4.6 step 4, §7 InternalError).
func (o *Orchestrator) runBranch(ctx context.Context, execution *model.Execution, job *model.Job, branch *model.Branch, target *model.Target) {
	defer func() {
		if r := recover(); r != nil {
			now := time.Now().UTC()
			branch.Status = model.StatusFailed
			branch.CompletedAt = &now
			branch.ResultError = fmt.Sprintf("internal error: %v", r)
			o.Logger.Error("branch executor panicked", map[string]interface{}{
				"branch": branch.Serial, "target": target.Serial, "recovered": fmt.Sprintf("%v", r),
			})
		}
		if err := o.Branches.SaveBranch(ctx, execution, branch); err != nil {
			o.Logger.Error("failed to save branch", map[string]interface{}{
				"branch": branch.Serial, "error": err.Error(),
			})
		}
	}()

	executor := o.NewBranchExecutor()
	executor.Run(ctx, o.Allocator, job, branch, target)
}

func (o *Orchestrator) cancelBranch(ctx context.Context, execution *model.Execution, branch *model.Branch) {
	now := time.Now().UTC()
	branch.Status = model.StatusCancelled
	branch.StartedAt = &now
	branch.CompletedAt = &now
	branch.ResultError = "cancelled before start"
	if err := o.Branches.SaveBranch(ctx, execution, branch); err != nil {
		o.Logger.Error("failed to save cancelled branch", map[string]interface{}{
			"branch": branch.Serial, "error": err.Error(),
		})
	}
}

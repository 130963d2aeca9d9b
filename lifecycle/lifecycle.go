// Package lifecycle implements the Job Lifecycle API (§4.8): a thin façade
// over the Job Store and Execution Orchestrator adding access control, audit
// emission and notifications. It takes and returns model entities as they
// are; it has no separate request/response types.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/fleetconductor/conductor/audit"
	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/engine"
	"github.com/fleetconductor/conductor/model"
	"github.com/fleetconductor/conductor/notify"
	"github.com/fleetconductor/conductor/store"
)

// Principal identifies the caller making a request, for the access-control
// check (§4.8).
type Principal struct {
	UserID          string
	IsAdministrator bool
}

// Policy decides whether principal may act on a job created by createdBy.
// It is injected, not implemented here, per §4.8.
type Policy interface {
	Allow(principal Principal, createdBy string) bool
}

// OwnerOrAdminPolicy is the reference Policy: the creator or an administrator
// may act; everyone else is denied.
type OwnerOrAdminPolicy struct{}

func (OwnerOrAdminPolicy) Allow(principal Principal, createdBy string) bool {
	return principal.IsAdministrator || principal.UserID == createdBy
}

// API is the Job Lifecycle façade.
type API struct {
	Store        store.Store
	Orchestrator *engine.Orchestrator
	Policy       Policy
	Audit        audit.Sink
	Notify       notify.Sink
	Logger       core.Logger

	// cancelFns holds one context.CancelFunc per in-flight Execution, keyed
	// by executionSerial, so a caller other than the one blocked in
	// ExecuteJob can request cancellation (§4.6, §5, §8 property 9).
	cancelMu  sync.Mutex
	cancelFns map[string]context.CancelFunc
}

func (a *API) registerCancel(executionSerial string, cancel context.CancelFunc) {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	if a.cancelFns == nil {
		a.cancelFns = make(map[string]context.CancelFunc)
	}
	a.cancelFns[executionSerial] = cancel
}

func (a *API) unregisterCancel(executionSerial string) {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	delete(a.cancelFns, executionSerial)
}

func forbidden(op string) error {
	return core.NewAuthenticationFailure(op, "principal is not permitted to act on this job")
}

// CreateJob validates and persists a new Job (§4.7 create_job).
func (a *API) CreateJob(ctx context.Context, principal Principal, job *model.Job) (*model.Job, error) {
	job.CreatedBy = principal.UserID
	if err := a.Store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	a.recordAudit(ctx, principal, "job", job.Serial, "create", nil)
	return job, nil
}

// GetJob loads a Job by id, enforcing the access policy.
func (a *API) GetJob(ctx context.Context, principal Principal, jobID int64) (*model.Job, error) {
	job, err := a.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !a.Policy.Allow(principal, job.CreatedBy) {
		return nil, forbidden("lifecycle.GetJob")
	}
	return job, nil
}

// ListJobs lists jobs from the store; access control is applied to each
// returned Job's visibility, not to the listing call itself, since an
// administrator's listing legitimately spans other users' jobs.
func (a *API) ListJobs(ctx context.Context, principal Principal, filter store.ListJobsFilter) ([]model.Job, error) {
	if !principal.IsAdministrator && filter.CreatedBy == "" {
		filter.CreatedBy = principal.UserID
	}
	jobs, err := a.Store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	visible := make([]model.Job, 0, len(jobs))
	for _, j := range jobs {
		if a.Policy.Allow(principal, j.CreatedBy) {
			visible = append(visible, j)
		}
	}
	return visible, nil
}

// UpdateJob applies caller-provided fields to an existing Job (§4.7
// update_job).
func (a *API) UpdateJob(ctx context.Context, principal Principal, job *model.Job) error {
	existing, err := a.Store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if !a.Policy.Allow(principal, existing.CreatedBy) {
		return forbidden("lifecycle.UpdateJob")
	}
	if err := a.Store.UpdateJob(ctx, job); err != nil {
		return err
	}
	a.recordAudit(ctx, principal, "job", existing.Serial, "update", nil)
	return nil
}

// ScheduleJob marks a Job scheduled for a future time (§4.7 schedule_job).
func (a *API) ScheduleJob(ctx context.Context, principal Principal, jobID int64, at time.Time) error {
	job, err := a.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !a.Policy.Allow(principal, job.CreatedBy) {
		return forbidden("lifecycle.ScheduleJob")
	}
	if err := a.Store.ScheduleJob(ctx, jobID, at); err != nil {
		return err
	}
	a.recordAudit(ctx, principal, "job", job.Serial, "schedule", map[string]interface{}{"scheduled_at": at})
	return nil
}

// ExecuteJob runs job now: it allocates an Execution row, hands it to the
// Orchestrator synchronously, and returns the finished Execution (§4.7
// execute_job, §4.6). A notification is published at start and at the
// terminal outcome. An audit event is recorded at start only; no audit event
// is recorded for the terminal outcome.
func (a *API) ExecuteJob(ctx context.Context, principal Principal, jobID int64) (*model.Execution, error) {
	job, err := a.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !a.Policy.Allow(principal, job.CreatedBy) {
		return nil, forbidden("lifecycle.ExecuteJob")
	}

	execution, err := a.Store.ExecuteJob(ctx, jobID, "api", principal.UserID)
	if err != nil {
		return nil, err
	}

	a.recordAudit(ctx, principal, "execution", execution.Serial, "execute", nil)
	a.Notify.Publish(ctx, notify.Event{
		Kind: notify.EventExecutionStarted, JobName: job.Name, JobSerial: job.Serial,
		ExecutionSerial: execution.Serial,
	})

	runCtx, cancel := context.WithCancel(ctx)
	a.registerCancel(execution.Serial, cancel)
	defer a.unregisterCancel(execution.Serial)
	defer cancel()

	if err := a.Orchestrator.Run(runCtx, job, execution); err != nil {
		return nil, err
	}

	a.notifyTerminal(ctx, job, execution)
	return execution, nil
}

// CancelExecution requests cancellation of an already-running Execution
// (§4.6 cancellation, §5 cancellation propagation, §8 property 9). It is
// called from a goroutine other than the one blocked inside ExecuteJob —
// there is no other entry point that can reach an in-flight Execution's
// context. A serial that is not in the store reports NotFound; a stored
// Execution with no registered cancel func has already finished and reports
// StateConflict rather than silently succeeding.
func (a *API) CancelExecution(ctx context.Context, principal Principal, executionSerial string) error {
	execution, err := a.Store.GetExecutionBySerial(ctx, executionSerial)
	if err != nil {
		return err
	}
	job, err := a.Store.GetJob(ctx, execution.JobID)
	if err != nil {
		return err
	}
	if !a.Policy.Allow(principal, job.CreatedBy) {
		return forbidden("lifecycle.CancelExecution")
	}

	a.cancelMu.Lock()
	cancel, ok := a.cancelFns[executionSerial]
	a.cancelMu.Unlock()
	if !ok {
		return core.NewStateConflictError("lifecycle.CancelExecution", executionSerial, "execution is not running")
	}

	cancel()
	a.recordAudit(ctx, principal, "execution", executionSerial, "cancel", nil)
	return nil
}

func (a *API) notifyTerminal(ctx context.Context, job *model.Job, execution *model.Execution) {
	kind := notify.EventExecutionCompleted
	if execution.Status == model.StatusCancelled {
		kind = notify.EventExecutionCancelled
	}
	a.Notify.Publish(ctx, notify.Event{
		Kind: kind, JobName: job.Name, JobSerial: job.Serial, ExecutionSerial: execution.Serial,
		TotalTargets: execution.TotalTargets, SuccessfulTargets: execution.SuccessfulTargets,
		FailedTargets: execution.FailedTargets, CancelledTargets: execution.CancelledTargets,
		Timestamp: time.Now().UTC(),
	})
}

// DeleteJob soft-deletes a Job (§4.7 delete_job); force permits deleting a
// running Job.
func (a *API) DeleteJob(ctx context.Context, principal Principal, jobID int64, force bool) error {
	job, err := a.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !a.Policy.Allow(principal, job.CreatedBy) {
		return forbidden("lifecycle.DeleteJob")
	}
	if err := a.Store.DeleteJob(ctx, jobID, force); err != nil {
		return err
	}
	a.recordAudit(ctx, principal, "job", job.Serial, "delete", map[string]interface{}{"force": force})
	return nil
}

// GetExecution loads an Execution by serial, enforcing the owning Job's
// access policy.
func (a *API) GetExecution(ctx context.Context, principal Principal, executionSerial string) (*model.Execution, error) {
	execution, err := a.Store.GetExecutionBySerial(ctx, executionSerial)
	if err != nil {
		return nil, err
	}
	job, err := a.Store.GetJob(ctx, execution.JobID)
	if err != nil {
		return nil, err
	}
	if !a.Policy.Allow(principal, job.CreatedBy) {
		return nil, forbidden("lifecycle.GetExecution")
	}
	return execution, nil
}

// recordAudit is best-effort: failures are logged, never returned to the
// caller (§4.8).
func (a *API) recordAudit(ctx context.Context, principal Principal, kind, id, action string, details map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			a.Logger.Error("audit sink panicked", map[string]interface{}{"recovered": r})
		}
	}()
	a.Audit.Record(ctx, audit.Event{
		EventType: kind + "." + action, UserID: principal.UserID, ResourceKind: kind,
		ResourceID: id, Action: action, Details: details, Severity: audit.SeverityInfo,
		Timestamp: time.Now().UTC(),
	})
}

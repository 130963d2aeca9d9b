package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/model"
	"github.com/fleetconductor/conductor/serial"
)

// MemoryStore is a mutex-guarded reference Store used by tests and by
// cmd/conductor's --store=memory mode. It never persists across process
// restarts.
type MemoryStore struct {
	mu sync.Mutex

	allocator *serial.InMemoryAllocator
	nextID    int64

	jobs       map[int64]*model.Job
	executions map[int64]*model.Execution
	targets    map[int64]*model.Target
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		allocator:  serial.NewInMemoryAllocator(),
		jobs:       make(map[int64]*model.Job),
		executions: make(map[int64]*model.Execution),
		targets:    make(map[int64]*model.Target),
	}
}

// SeedTarget registers a Target for GetTargets to return; MemoryStore has no
// independent Target persistence of its own (Target is external, §3).
func (s *MemoryStore) SeedTarget(t model.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.targets[t.ID] = &cp
}

func (s *MemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Name == "" {
		return core.NewValidationError("Store.CreateJob", "name is required")
	}
	if len(job.TargetIDs) == 0 {
		return core.NewValidationError("Store.CreateJob", "at least one target is required")
	}
	for _, id := range job.TargetIDs {
		if _, ok := s.targets[id]; !ok {
			return core.NewValidationError("Store.CreateJob", "target "+intSerial(id)+" does not exist")
		}
	}

	n, err := s.allocator.Next(ctx, serial.KindJob, "")
	if err != nil {
		return err
	}
	job.ID = s.allocID()
	job.Serial = serial.FormatJob(n)
	if job.Status == "" {
		job.Status = model.StatusDraft
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	for i := range job.Actions {
		job.Actions[i].ActionOrder = i + 1
	}

	cp := *job
	cp.Actions = append([]model.Action(nil), job.Actions...)
	cp.TargetIDs = append([]int64(nil), job.TargetIDs...)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, core.NewNotFoundError("Store.GetJob", intSerial(jobID))
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) GetJobBySerial(ctx context.Context, sr string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Serial == sr {
			cp := *job
			return &cp, nil
		}
	}
	return nil, core.NewNotFoundError("Store.GetJobBySerial", sr)
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter ListJobsFilter) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, job := range s.jobs {
		if job.IsDeleted && !filter.IncludeDeleted {
			continue
		}
		if filter.CreatedBy != "" && job.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return core.NewNotFoundError("Store.UpdateJob", intSerial(job.ID))
	}
	if job.Status != "" && job.Status != existing.Status {
		if err := model.ValidateJobTransition(existing.Status, job.Status, false); err != nil {
			return err
		}
	}
	for i := range job.Actions {
		job.Actions[i].ActionOrder = i + 1
	}
	job.UpdatedAt = time.Now().UTC()
	job.CreatedAt = existing.CreatedAt
	job.Serial = existing.Serial
	cp := *job
	cp.Actions = append([]model.Action(nil), job.Actions...)
	cp.TargetIDs = append([]int64(nil), job.TargetIDs...)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) ScheduleJob(ctx context.Context, jobID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.NewNotFoundError("Store.ScheduleJob", intSerial(jobID))
	}
	if err := model.ValidateJobTransition(job.Status, model.StatusScheduled, false); err != nil {
		return err
	}
	job.Status = model.StatusScheduled
	job.ScheduledAt = &at
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID int64, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.NewNotFoundError("Store.DeleteJob", intSerial(jobID))
	}
	if err := model.ValidateJobTransition(job.Status, model.StatusDeleted, force); err != nil {
		return err
	}
	now := time.Now().UTC()
	job.IsDeleted = true
	job.DeletedAt = &now
	job.Status = model.StatusDeleted
	job.UpdatedAt = now
	// Executions, Branches and ActionResults are retained for audit
	// history; soft-delete only opaques the Job from default listings
	// (§8 invariant: soft-delete opacity).
	return nil
}

func (s *MemoryStore) ExecuteJob(ctx context.Context, jobID int64, triggeredBy, triggeredByUser string) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, core.NewNotFoundError("Store.ExecuteJob", intSerial(jobID))
	}
	if job.IsDeleted {
		return nil, core.NewStateConflictError("Store.ExecuteJob", job.Serial, "job is deleted")
	}
	if job.Status == model.StatusRunning {
		return nil, core.NewStateConflictError("Store.ExecuteJob", job.Serial, "job already has an execution in progress")
	}

	count := 0
	for _, e := range s.executions {
		if e.JobID == jobID {
			count++
		}
	}
	n, err := s.allocator.Next(ctx, serial.KindExecution, job.Serial)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &model.Execution{
		ID:              s.allocID(),
		Serial:          serial.FormatExecution(job.Serial, n),
		JobID:           jobID,
		ExecutionNumber: count + 1,
		Status:          model.StatusRunning,
		TriggeredBy:     triggeredBy,
		TriggeredByUser: triggeredByUser,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	job.Status = model.StatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now

	s.executions[exec.ID] = exec
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) GetExecutionByID(ctx context.Context, id int64) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, core.NewNotFoundError("Store.GetExecutionByID", intSerial(id))
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) GetExecutionBySerial(ctx context.Context, sr string) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, exec := range s.executions {
		if exec.Serial == sr {
			cp := *exec
			return &cp, nil
		}
	}
	return nil, core.NewNotFoundError("Store.GetExecutionBySerial", sr)
}

func (s *MemoryStore) ListJobExecutions(ctx context.Context, jobID int64) ([]model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Execution
	for _, exec := range s.executions {
		if exec.JobID == jobID {
			out = append(out, *exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionNumber < out[j].ExecutionNumber })
	return out, nil
}

func (s *MemoryStore) GetActionResults(ctx context.Context, branchID int64) ([]model.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, exec := range s.executions {
		for _, b := range exec.Branches {
			if b.ID == branchID {
				return append([]model.ActionResult(nil), b.ActionResults...), nil
			}
		}
	}
	return nil, core.NewNotFoundError("Store.GetActionResults", intSerial(branchID))
}

func (s *MemoryStore) GetTargets(ctx context.Context, targetIDs []int64) ([]model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Target, 0, len(targetIDs))
	for _, id := range targetIDs {
		t, ok := s.targets[id]
		if !ok {
			return nil, core.NewNotFoundError("Store.GetTargets", intSerial(id))
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *MemoryStore) SaveBranch(ctx context.Context, execution *model.Execution, branch *model.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[execution.ID]
	if !ok {
		return core.NewNotFoundError("Store.SaveBranch", intSerial(execution.ID))
	}
	if branch.ID == 0 {
		branch.ID = s.allocID()
	}
	replaced := false
	for i := range exec.Branches {
		if exec.Branches[i].Serial == branch.Serial {
			exec.Branches[i] = *branch
			replaced = true
			break
		}
	}
	if !replaced {
		exec.Branches = append(exec.Branches, *branch)
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, execution *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[execution.ID]
	if !ok {
		return core.NewNotFoundError("Store.UpdateExecutionStatus", intSerial(execution.ID))
	}
	exec.Status = execution.Status
	exec.CompletedAt = execution.CompletedAt
	exec.TotalTargets = execution.TotalTargets
	exec.SuccessfulTargets = execution.SuccessfulTargets
	exec.FailedTargets = execution.FailedTargets
	exec.CancelledTargets = execution.CancelledTargets
	exec.Branches = execution.Branches
	exec.UpdatedAt = time.Now().UTC()

	if job, ok := s.jobs[exec.JobID]; ok {
		job.Status = exec.Status
		job.CompletedAt = exec.CompletedAt
		job.UpdatedAt = exec.UpdatedAt
	}
	return nil
}

func intSerial(id int64) string {
	return strconv.FormatInt(id, 10)
}
